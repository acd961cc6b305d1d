package journal

import (
	"context"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// CloneOverrides are applied to the copies after they are created.
type CloneOverrides struct {
	// Shared applies to every cloned line.
	Shared Patch

	// FromAccount and FromAmount apply to negative lines.
	FromAccount dimension.Ref
	FromAmount  *int64
	// ToAccount and ToAmount apply to positive lines.
	ToAccount dimension.Ref
	ToAmount  *int64
}

// CloneJournals copies every transaction owning a journal matching f,
// with all lines and labels, then applies the overrides to the copies.
// Copies start neither complete, reconciled nor data checked. It returns
// the new transaction ids.
func (s *Store) CloneJournals(ctx context.Context, f Filter, o CloneOverrides) ([]string, error) {
	var newIDs []string
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		where, args := f.where()
		matched, err := s.queryJournals(ctx, where, args...)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}

		txIDs := transactionIDs(matched)
		lines, err := s.journalsForTransactions(ctx, txIDs)
		if err != nil {
			return err
		}
		labels, err := s.labelsFor(ctx, journalIDs(lines))
		if err != nil {
			return err
		}

		byTx := make(map[string][]CreateJournalInput, len(txIDs))
		for _, l := range lines {
			in := CreateJournalInput{
				Date:        l.DateText,
				Description: l.Description,
				Amount:      l.Amount,
				Account:     dimension.Ref{ID: l.AccountID},
				Bill:        refOf(l.BillID),
				Budget:      refOf(l.BudgetID),
				Category:    refOf(l.CategoryID),
				Tag:         refOf(l.TagID),
			}
			for _, label := range labels[l.ID] {
				in.Labels = append(in.Labels, dimension.Ref{ID: label.ID})
			}
			byTx[l.TransactionID] = append(byTx[l.TransactionID], in)
		}
		batch := make([][]CreateJournalInput, 0, len(txIDs))
		for _, id := range txIDs {
			batch = append(batch, byTx[id])
		}

		newIDs, err = s.CreateManyTransactionJournals(ctx, batch, CreateOptions{})
		if err != nil {
			return err
		}

		if !o.Shared.empty() {
			if _, err := s.UpdateJournals(ctx, Filter{TransactionIDs: newIDs}, o.Shared); err != nil {
				return err
			}
		}

		if !o.FromAccount.IsZero() || o.FromAmount != nil {
			maxAmount := int64(-1)
			p := Patch{Account: o.FromAccount}
			if o.FromAmount != nil {
				v := -abs(*o.FromAmount)
				p.Amount = &v
			}
			if _, err := s.UpdateJournals(ctx, Filter{TransactionIDs: newIDs, MaxAmount: &maxAmount}, p); err != nil {
				return err
			}
		}

		if !o.ToAccount.IsZero() || o.ToAmount != nil {
			minAmount := int64(1)
			p := Patch{Account: o.ToAccount}
			if o.ToAmount != nil {
				v := abs(*o.ToAmount)
				p.Amount = &v
			}
			if _, err := s.UpdateJournals(ctx, Filter{TransactionIDs: newIDs, MinAmount: &minAmount}, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newIDs, nil
}

func refOf(id *string) dimension.Ref {
	if id == nil {
		return dimension.Ref{}
	}
	return dimension.Ref{ID: *id}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MarkComplete sets complete, reconciled and data checked on every line
// of the transactions owning the given journals.
func (s *Store) MarkComplete(ctx context.Context, journalIDs []string) error {
	return s.setComplete(ctx, journalIDs, true)
}

// MarkUncomplete clears complete on every line of the transactions owning
// the given journals. Reconciled and data checked are kept.
func (s *Store) MarkUncomplete(ctx context.Context, journalIDs []string) error {
	return s.setComplete(ctx, journalIDs, false)
}

func (s *Store) setComplete(ctx context.Context, ids []string, complete bool) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(ctx context.Context) error {
		journals, err := s.queryJournals(ctx, "WHERE j.id IN ("+storage.Placeholders(len(ids))+")", storage.Args(ids)...)
		if err != nil {
			return err
		}
		if len(journals) == 0 {
			return core.NotFoundf("journals %v", ids)
		}
		p := Patch{SetComplete: complete, ClearComplete: !complete}
		if complete {
			// Already complete journals are skipped.
			var open []string
			for _, j := range journals {
				if !j.Complete {
					open = append(open, j.ID)
				}
			}
			if len(open) == 0 {
				return nil
			}
			ids = open
		}
		_, err = s.UpdateJournals(ctx, Filter{IDArray: ids}, p)
		return err
	})
}
