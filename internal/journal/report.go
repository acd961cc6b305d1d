package journal

import (
	"context"
	"fmt"

	"ledger/internal/core"
	"ledger/internal/dimension"
)

// Summary reports totals, per-dimension breakdowns and a gap-free monthly
// series over the journals matching f.
func (s *Store) Summary(ctx context.Context, f Filter) (*core.LedgerSummary, error) {
	where, args := f.where()
	out := &core.LedgerSummary{}
	cutoff := s.now().AddDate(-1, 0, 0).UTC().Format(core.DateLayout)

	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var first, last *string
		query := `SELECT COUNT(*),
			COALESCE(SUM(j.amount), 0),
			COALESCE(SUM(CASE WHEN j.transfer = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN j.transfer = 0 THEN j.amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN j.date_text >= ? THEN j.amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN j.date_text >= ? AND j.transfer = 0 THEN j.amount ELSE 0 END), 0),
			MIN(j.date_text), MAX(j.date_text)
			FROM journal_entries j ` + where
		err := s.db.Q(ctx).QueryRowContext(ctx, query, append([]any{cutoff, cutoff}, args...)...).Scan(
			&out.Count, &out.Sum, &out.NonTransferCount, &out.NonTransferSum,
			&out.Last12MonthsSum, &out.Last12MonthsNonTransferSum, &first, &last)
		if err != nil {
			return fmt.Errorf("summarise journals: %w", err)
		}
		if first != nil {
			if t, err := core.ParseDate(*first); err == nil {
				out.EarliestDate = &t
			}
		}
		if last != nil {
			if t, err := core.ParseDate(*last); err == nil {
				out.LatestDate = &t
			}
		}

		groups := []struct {
			typ  core.DimensionType
			dest *[]core.GroupAmount
		}{
			{core.DimensionTag, &out.Tags},
			{core.DimensionCategory, &out.Categories},
			{core.DimensionBill, &out.Bills},
			{core.DimensionBudget, &out.Budgets},
			{core.DimensionAccount, &out.Accounts},
		}
		for _, g := range groups {
			rows, err := s.groupBy(ctx, g.typ, where, args)
			if err != nil {
				return err
			}
			*g.dest = rows
		}

		months, err := s.months(ctx, where, args)
		if err != nil {
			return err
		}
		out.Months = months
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) groupBy(ctx context.Context, typ core.DimensionType, where string, args []any) ([]core.GroupAmount, error) {
	col := "j." + dimension.JournalColumn(typ)
	query := fmt.Sprintf(`SELECT %[1]s, COALESCE(d.title, ''), COUNT(*), COALESCE(SUM(j.amount), 0)
		FROM journal_entries j LEFT JOIN %[2]s d ON d.id = %[1]s
		%[3]s GROUP BY %[1]s ORDER BY d.title`, col, dimension.TableName(typ), where)
	rows, err := s.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group journals by %s: %w", typ, err)
	}
	defer rows.Close()

	var out []core.GroupAmount
	for rows.Next() {
		var (
			g  core.GroupAmount
			id *string
		)
		if err := rows.Scan(&id, &g.Title, &g.Count, &g.Sum); err != nil {
			return nil, err
		}
		if id != nil {
			g.ID = *id
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) months(ctx context.Context, where string, args []any) ([]core.MonthOverview, error) {
	query := `SELECT j.year_month, COUNT(*), COALESCE(SUM(j.amount), 0),
		COALESCE(SUM(CASE WHEN j.amount > 0 THEN j.amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.amount > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.amount < 0 THEN j.amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.amount < 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.transfer = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.transfer = 0 THEN j.amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.transfer = 0 AND j.amount > 0 THEN j.amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.transfer = 0 AND j.amount < 0 THEN j.amount ELSE 0 END), 0)
		FROM journal_entries j ` + where + ` GROUP BY j.year_month ORDER BY j.year_month`
	rows, err := s.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group journals by month: %w", err)
	}
	defer rows.Close()

	found := make(map[string]core.MonthOverview)
	var keys []string
	for rows.Next() {
		var m core.MonthOverview
		if err := rows.Scan(&m.YearMonth, &m.Count, &m.Sum, &m.PositiveSum, &m.PositiveCount,
			&m.NegativeSum, &m.NegativeCount, &m.NonTransferCount, &m.NonTransferSum,
			&m.NonTransferPositiveSum, &m.NonTransferNegativeSum); err != nil {
			return nil, err
		}
		if m.Count > 0 {
			m.Average = float64(m.Sum) / float64(m.Count)
		}
		found[m.YearMonth] = m
		keys = append(keys, m.YearMonth)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	series := core.MonthsBetween(keys[0], keys[len(keys)-1])
	out := make([]core.MonthOverview, 0, len(series))
	var runningTotal, runningCount int64
	for _, ym := range series {
		m, ok := found[ym]
		if !ok {
			m = core.MonthOverview{YearMonth: ym}
		}
		runningTotal += m.Sum
		runningCount += m.Count
		m.RunningTotal = runningTotal
		m.RunningCount = runningCount
		out = append(out, m)
	}
	return out, nil
}
