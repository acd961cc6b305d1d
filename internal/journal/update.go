package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// LabelPatch edits label links. Replace swaps the full set for Set; Add
// and Remove apply on top.
type LabelPatch struct {
	Replace bool
	Set     []dimension.Ref
	Add     []dimension.Ref
	Remove  []dimension.Ref
}

func (p LabelPatch) empty() bool {
	return !p.Replace && len(p.Add) == 0 && len(p.Remove) == 0
}

// Patch describes a bulk edit. Zero fields are left untouched.
type Patch struct {
	// Account moves the matched lines to another account.
	Account dimension.Ref
	// OtherAccount moves the opposite line of two-line transactions.
	OtherAccount dimension.Ref
	Description  *string
	Amount       *int64
	Date         string

	Bill     dimension.Ref
	Budget   dimension.Ref
	Category dimension.Ref
	Tag      dimension.Ref

	ClearBill     bool
	ClearBudget   bool
	ClearCategory bool
	ClearTag      bool

	SetComplete      bool
	ClearComplete    bool
	SetReconciled    bool
	ClearReconciled  bool
	SetDataChecked   bool
	ClearDataChecked bool

	Labels LabelPatch
}

func (p Patch) empty() bool {
	return p.Account.IsZero() && p.OtherAccount.IsZero() && p.Description == nil && p.Amount == nil && p.Date == "" &&
		p.Bill.IsZero() && p.Budget.IsZero() && p.Category.IsZero() && p.Tag.IsZero() &&
		!p.ClearBill && !p.ClearBudget && !p.ClearCategory && !p.ClearTag &&
		!p.SetComplete && !p.ClearComplete && !p.SetReconciled && !p.ClearReconciled &&
		!p.SetDataChecked && !p.ClearDataChecked && p.Labels.empty()
}

// onlyUncompletes reports whether p does nothing but clear completion,
// the one edit allowed on complete journals.
func (p Patch) onlyUncompletes() bool {
	rest := p
	rest.ClearComplete = false
	return p.ClearComplete && rest.empty()
}

// UpdateResult reports what UpdateJournals touched.
type UpdateResult struct {
	Matched        int
	TransactionIDs []string
}

type setList struct {
	cols []string
	args []any
}

func (l *setList) add(col string, v any) {
	l.cols = append(l.cols, col+" = ?")
	l.args = append(l.args, v)
}

func (l *setList) empty() bool { return len(l.cols) == 0 }

func (l *setList) sql() string { return strings.Join(l.cols, ", ") }

// UpdateJournals applies p to every journal matching f in one database
// transaction.
//
// Category, tag, bill, budget, date and the reconciliation flags are
// transaction-wide: on a linked journal they apply to every line of its
// transaction. Account, description, amount and labels only touch the
// matched lines. If any matched journal is complete the call fails with
// core.ErrConflict and nothing changes.
func (s *Store) UpdateJournals(ctx context.Context, f Filter, p Patch) (*UpdateResult, error) {
	if p.SetComplete && p.ClearComplete || p.SetReconciled && p.ClearReconciled || p.SetDataChecked && p.ClearDataChecked {
		return nil, core.NewValidationError("cannot set and clear the same flag")
	}
	var date *core.DateParts
	var dateValue string
	if p.Date != "" {
		d, err := core.ParseDate(p.Date)
		if err != nil {
			return nil, err
		}
		parts := core.NewDateParts(d)
		date = &parts
		dateValue = storage.FormatTime(d)
	}

	res := &UpdateResult{}
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		where, args := f.where()
		matched, err := s.queryJournals(ctx, where, args...)
		if err != nil {
			return err
		}
		res.Matched = len(matched)
		if len(matched) == 0 || p.empty() {
			return nil
		}
		if !p.onlyUncompletes() {
			for _, j := range matched {
				if j.Complete {
					return core.Conflictf("journal %s is complete", j.ID)
				}
			}
		}

		txIDs := transactionIDs(matched)
		res.TransactionIDs = txIDs
		before, err := s.journalsForTransactions(ctx, txIDs)
		if err != nil {
			return err
		}
		oldDims, err := s.referencedDimensions(ctx, before)
		if err != nil {
			return err
		}

		refs, err := s.resolvePatch(ctx, p)
		if err != nil {
			return err
		}

		matchedIDs := journalIDs(matched)
		var linkedTx, unlinkedIDs []string
		for _, j := range matched {
			if j.Linked {
				linkedTx = append(linkedTx, j.TransactionID)
			} else {
				unlinkedIDs = append(unlinkedIDs, j.ID)
			}
		}
		linkedTx = storage.Unique(linkedTx)

		now := storage.FormatTime(s.now())
		q := s.db.Q(ctx)

		var wide setList
		for _, d := range []struct {
			col   string
			ref   *string
			clear bool
		}{
			{"bill_id", refs.bill, p.ClearBill},
			{"budget_id", refs.budget, p.ClearBudget},
			{"category_id", refs.category, p.ClearCategory},
			{"tag_id", refs.tag, p.ClearTag},
		} {
			switch {
			case d.ref != nil:
				wide.add(d.col, *d.ref)
			case d.clear:
				wide.add(d.col, nil)
			}
		}
		if date != nil {
			wide.add("date", dateValue)
			wide.add("date_text", date.DateText)
			wide.add("year_month_day", date.YearMonthDay)
			wide.add("year_week", date.YearWeek)
			wide.add("year_month", date.YearMonth)
			wide.add("year_quarter", date.YearQuarter)
			wide.add("year", date.Year)
		}
		switch {
		case p.SetComplete:
			wide.add("complete", 1)
			wide.add("reconciled", 1)
			wide.add("data_checked", 1)
		case p.ClearComplete:
			wide.add("complete", 0)
		}
		if !p.SetComplete {
			if p.SetReconciled {
				wide.add("reconciled", 1)
			}
			if p.SetDataChecked {
				wide.add("data_checked", 1)
			}
		}
		if p.ClearReconciled {
			wide.add("reconciled", 0)
		}
		if p.ClearDataChecked {
			wide.add("data_checked", 0)
		}
		if (p.ClearReconciled || p.ClearDataChecked) && !p.ClearComplete {
			wide.add("complete", 0)
		}

		if !wide.empty() {
			wide.add("updated_at", now)
			if _, err := storage.ExecIn(ctx, q, "UPDATE journal_entries SET "+wide.sql()+" WHERE transaction_id IN (%s)", linkedTx, wide.args...); err != nil {
				return fmt.Errorf("update linked journals: %w", err)
			}
			if _, err := storage.ExecIn(ctx, q, "UPDATE journal_entries SET "+wide.sql()+" WHERE id IN (%s)", unlinkedIDs, wide.args...); err != nil {
				return fmt.Errorf("update journals: %w", err)
			}
		}

		var rows setList
		if refs.account != nil {
			rows.add("account_id", *refs.account)
		}
		if p.Description != nil {
			rows.add("description", *p.Description)
		}
		if p.Amount != nil {
			rows.add("amount", *p.Amount)
		}
		if !rows.empty() {
			rows.add("updated_at", now)
			if _, err := storage.ExecIn(ctx, q, "UPDATE journal_entries SET "+rows.sql()+" WHERE id IN (%s)", matchedIDs, rows.args...); err != nil {
				return fmt.Errorf("update journals: %w", err)
			}
		}

		if refs.otherAccount != nil {
			if err := s.setOtherAccount(ctx, matched, before, *refs.otherAccount, now); err != nil {
				return err
			}
		}
		if p.Amount != nil {
			if err := s.rebalance(ctx, matched, before, now); err != nil {
				return err
			}
		}
		if err := s.applyLabels(ctx, matchedIDs, refs, p.Labels, now); err != nil {
			return err
		}

		after, err := s.journalsForTransactions(ctx, txIDs)
		if err != nil {
			return err
		}
		newDims, err := s.referencedDimensions(ctx, after)
		if err != nil {
			return err
		}
		if err := s.summary.MarkAsNeedingProcessing(ctx, storage.Unique(oldDims, newDims)); err != nil {
			return err
		}
		if _, err := s.UpdateManyTransferInfo(ctx, txIDs); err != nil {
			return err
		}

		slog.InfoContext(ctx, "Journals updated",
			"journal_count", len(matched),
			"transaction_count", len(txIDs))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type resolvedPatch struct {
	account      *string
	otherAccount *string
	bill         *string
	budget       *string
	category     *string
	tag          *string
	setLabels    []string
	addLabels    []string
	removeLabels []string
}

func (s *Store) resolvePatch(ctx context.Context, p Patch) (resolvedPatch, error) {
	var out resolvedPatch
	opts := dimension.Options{RequireActive: true}

	one := func(typ core.DimensionType, ref dimension.Ref) (*string, error) {
		d, err := s.resolver.CreateOrGet(ctx, typ, ref, opts)
		if err != nil || d == nil {
			return nil, err
		}
		return &d.ID, nil
	}
	many := func(refs []dimension.Ref) ([]string, error) {
		var ids []string
		for _, ref := range refs {
			id, err := one(core.DimensionLabel, ref)
			if err != nil {
				return nil, err
			}
			if id != nil {
				ids = append(ids, *id)
			}
		}
		return storage.Unique(ids), nil
	}

	var err error
	if out.account, err = one(core.DimensionAccount, p.Account); err != nil {
		return out, err
	}
	if out.otherAccount, err = one(core.DimensionAccount, p.OtherAccount); err != nil {
		return out, err
	}
	if out.bill, err = one(core.DimensionBill, p.Bill); err != nil {
		return out, err
	}
	if out.budget, err = one(core.DimensionBudget, p.Budget); err != nil {
		return out, err
	}
	if out.category, err = one(core.DimensionCategory, p.Category); err != nil {
		return out, err
	}
	if out.tag, err = one(core.DimensionTag, p.Tag); err != nil {
		return out, err
	}
	if p.Labels.Replace {
		if out.setLabels, err = many(p.Labels.Set); err != nil {
			return out, err
		}
	}
	if out.addLabels, err = many(p.Labels.Add); err != nil {
		return out, err
	}
	// Removing a label never creates one.
	for _, ref := range p.Labels.Remove {
		var d *core.Dimension
		if ref.ID != "" {
			d, err = s.resolver.Registry().Get(ctx, core.DimensionLabel, ref.ID)
		} else if ref.Title != "" {
			d, err = s.resolver.Registry().GetByTitle(ctx, core.DimensionLabel, ref.Title)
		}
		if err != nil {
			return out, err
		}
		if d != nil {
			out.removeLabels = append(out.removeLabels, d.ID)
		}
	}
	return out, nil
}

// setOtherAccount moves the unmatched line of each matched transaction.
// Every matched transaction must have exactly two lines with exactly one
// of them matched.
func (s *Store) setOtherAccount(ctx context.Context, matched, lines []core.Journal, accountID, now string) error {
	byTx := make(map[string][]core.Journal)
	for _, l := range lines {
		byTx[l.TransactionID] = append(byTx[l.TransactionID], l)
	}
	isMatched := make(map[string]bool, len(matched))
	for _, j := range matched {
		isMatched[j.ID] = true
	}

	var others []string
	for _, txID := range transactionIDs(matched) {
		tx := byTx[txID]
		if len(tx) != 2 {
			return core.Conflictf("transaction %s has %d lines, other account needs exactly 2", txID, len(tx))
		}
		switch {
		case isMatched[tx[0].ID] && !isMatched[tx[1].ID]:
			others = append(others, tx[1].ID)
		case isMatched[tx[1].ID] && !isMatched[tx[0].ID]:
			others = append(others, tx[0].ID)
		default:
			return core.Conflictf("transaction %s has both lines selected, other account is ambiguous", txID)
		}
	}
	if _, err := storage.ExecIn(ctx, s.db.Q(ctx), "UPDATE journal_entries SET account_id = ?, updated_at = ? WHERE id IN (%s)", others, accountID, now); err != nil {
		return fmt.Errorf("update other account: %w", err)
	}
	return nil
}

// rebalance restores a zero sum on every touched transaction by adjusting
// the line updated most recently before this edit. Unmatched lines are
// preferred so the amount the caller set survives.
func (s *Store) rebalance(ctx context.Context, matched, before []core.Journal, now string) error {
	isMatched := make(map[string]bool, len(matched))
	for _, j := range matched {
		isMatched[j.ID] = true
	}
	prior := make(map[string][]core.Journal)
	for _, l := range before {
		prior[l.TransactionID] = append(prior[l.TransactionID], l)
	}

	txIDs := transactionIDs(matched)
	current, err := s.journalsForTransactions(ctx, txIDs)
	if err != nil {
		return err
	}
	sums := make(map[string]int64)
	for _, l := range current {
		sums[l.TransactionID] += l.Amount
	}

	q := s.db.Q(ctx)
	for _, txID := range txIDs {
		residual := sums[txID]
		if residual == 0 {
			continue
		}
		candidates := make([]core.Journal, 0, len(prior[txID]))
		for _, l := range prior[txID] {
			if !isMatched[l.ID] {
				candidates = append(candidates, l)
			}
		}
		if len(candidates) == 0 {
			candidates = prior[txID]
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			if !candidates[a].UpdatedAt.Equal(candidates[b].UpdatedAt) {
				return candidates[a].UpdatedAt.After(candidates[b].UpdatedAt)
			}
			return candidates[a].ID > candidates[b].ID
		})
		target := candidates[0].ID
		if _, err := q.ExecContext(ctx, "UPDATE journal_entries SET amount = amount - ?, updated_at = ? WHERE id = ?", residual, now, target); err != nil {
			return fmt.Errorf("rebalance transaction %s: %w", txID, err)
		}
	}
	return nil
}

func (s *Store) applyLabels(ctx context.Context, journalIDs []string, refs resolvedPatch, p LabelPatch, now string) error {
	if p.empty() {
		return nil
	}
	q := s.db.Q(ctx)

	if p.Replace {
		var err error
		if len(refs.setLabels) == 0 {
			_, err = storage.ExecIn(ctx, q, "DELETE FROM labels_to_journals WHERE journal_id IN (%s)", journalIDs)
		} else {
			_, err = storage.ExecIn(ctx, q,
				"DELETE FROM labels_to_journals WHERE label_id NOT IN ("+storage.Placeholders(len(refs.setLabels))+") AND journal_id IN (%s)",
				journalIDs, storage.Args(refs.setLabels)...)
		}
		if err != nil {
			return fmt.Errorf("replace labels: %w", err)
		}
	}

	var links [][]any
	for _, labelID := range storage.Unique(refs.setLabels, refs.addLabels) {
		for _, journalID := range journalIDs {
			links = append(links, []any{uuid.NewString(), labelID, journalID, now, now})
		}
	}
	if err := storage.InsertRows(ctx, q, "INSERT OR IGNORE", "labels_to_journals", []string{"id", "label_id", "journal_id", "created_at", "updated_at"}, links); err != nil {
		return err
	}

	if len(refs.removeLabels) > 0 {
		if _, err := storage.ExecIn(ctx, q,
			"DELETE FROM labels_to_journals WHERE label_id IN ("+storage.Placeholders(len(refs.removeLabels))+") AND journal_id IN (%s)",
			journalIDs, storage.Args(refs.removeLabels)...); err != nil {
			return fmt.Errorf("remove labels: %w", err)
		}
	}
	return nil
}
