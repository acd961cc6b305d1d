package journal

import (
	"context"
	"fmt"
	"log/slog"

	"ledger/internal/storage"
)

// HardDeleteTransactions removes the transactions with their journals and
// label links. It cannot be undone. Unknown ids are ignored. It returns
// how many transactions were deleted.
func (s *Store) HardDeleteTransactions(ctx context.Context, txIDs []string) (int64, error) {
	txIDs = storage.Unique(txIDs)
	if len(txIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		lines, err := s.journalsForTransactions(ctx, txIDs)
		if err != nil {
			return err
		}
		dims, err := s.referencedDimensions(ctx, lines)
		if err != nil {
			return err
		}

		q := s.db.Q(ctx)
		if _, err := storage.ExecIn(ctx, q, "DELETE FROM labels_to_journals WHERE journal_id IN (%s)", journalIDs(lines)); err != nil {
			return fmt.Errorf("delete label links: %w", err)
		}
		if _, err := storage.ExecIn(ctx, q, "DELETE FROM journal_entries WHERE transaction_id IN (%s)", txIDs); err != nil {
			return fmt.Errorf("delete journals: %w", err)
		}
		deleted, err = storage.ExecIn(ctx, q, "DELETE FROM transactions WHERE id IN (%s)", txIDs)
		if err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		return s.summary.MarkAsNeedingProcessing(ctx, dims)
	})
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Transactions deleted", "transaction_count", deleted)
	return deleted, nil
}

// TransactionIDsForImport lists the transactions created by an import.
func (s *Store) TransactionIDsForImport(ctx context.Context, importID string) ([]string, error) {
	return storage.QueryStrings(ctx, s.db.Q(ctx), "SELECT DISTINCT transaction_id FROM journal_entries WHERE import_id = ?", importID)
}

// ClearImport removes import provenance from every journal of importID.
func (s *Store) ClearImport(ctx context.Context, importID string) error {
	if _, err := s.db.Q(ctx).ExecContext(ctx, "UPDATE journal_entries SET import_id = NULL, import_detail_id = NULL WHERE import_id = ?", importID); err != nil {
		return fmt.Errorf("clear journal import provenance: %w", err)
	}
	return nil
}
