package journal

import (
	"context"
	"fmt"

	"ledger/internal/core"
)

// Entry is one listed journal with its running balance, labels and the
// other lines of its transaction.
type Entry struct {
	core.Journal
	RunningTotal int64
	Labels       []Label
	Siblings     []core.Journal
}

// ListResult is one page of journals.
type ListResult struct {
	Entries   []Entry
	Count     int64
	Page      int
	PageSize  int
	PageCount int
}

// List returns one page of journals matching f. Pages are zero based.
//
// The running total of the first row is the sum over every matching
// journal minus the journals on earlier pages; each following row
// subtracts the amounts above it on the page.
func (s *Store) List(ctx context.Context, f Filter) (*ListResult, error) {
	where, args := f.where()
	order, err := f.orderSQL()
	if err != nil {
		return nil, err
	}
	page, pageSize := f.pagination()
	offset := page * pageSize

	res := &ListResult{Page: page, PageSize: pageSize}
	var total int64
	err = s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.Q(ctx)
		if err := q.QueryRowContext(ctx,
			"SELECT COUNT(*), COALESCE(SUM(j.amount), 0) FROM journal_entries j "+where, args...).
			Scan(&res.Count, &total); err != nil {
			return fmt.Errorf("count journals: %w", err)
		}

		var before int64
		if offset > 0 {
			query := "SELECT COALESCE(SUM(amount), 0) FROM (SELECT j.amount FROM journal_entries j " + where + " " + order + " LIMIT ?)"
			if err := q.QueryRowContext(ctx, query, append(append([]any{}, args...), offset)...).Scan(&before); err != nil {
				return fmt.Errorf("sum earlier pages: %w", err)
			}
		}

		journals, err := s.queryJournals(ctx, where+" "+order+" LIMIT ? OFFSET ?", append(append([]any{}, args...), pageSize, offset)...)
		if err != nil {
			return err
		}

		labels, err := s.labelsFor(ctx, journalIDs(journals))
		if err != nil {
			return err
		}
		lines, err := s.journalsForTransactions(ctx, transactionIDs(journals))
		if err != nil {
			return err
		}
		byTx := make(map[string][]core.Journal)
		for _, l := range lines {
			byTx[l.TransactionID] = append(byTx[l.TransactionID], l)
		}

		running := total - before
		res.Entries = make([]Entry, 0, len(journals))
		for _, j := range journals {
			e := Entry{Journal: j, RunningTotal: running, Labels: labels[j.ID]}
			for _, sib := range byTx[j.TransactionID] {
				if sib.ID != j.ID {
					e.Siblings = append(e.Siblings, sib)
				}
			}
			res.Entries = append(res.Entries, e)
			running -= j.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.PageCount = int((res.Count + int64(pageSize) - 1) / int64(pageSize))
	return res, nil
}

// Find returns every journal matching f, ignoring pagination.
func (s *Store) Find(ctx context.Context, f Filter) ([]core.Journal, error) {
	where, args := f.where()
	order, err := f.orderSQL()
	if err != nil {
		return nil, err
	}
	return s.queryJournals(ctx, where+" "+order, args...)
}

// Labels returns the labels of one journal.
func (s *Store) Labels(ctx context.Context, journalID string) ([]Label, error) {
	labels, err := s.labelsFor(ctx, []string{journalID})
	if err != nil {
		return nil, err
	}
	return labels[journalID], nil
}
