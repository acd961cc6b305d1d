package journal

import (
	"context"
	"fmt"
	"log/slog"

	"ledger/internal/storage"
)

const transferQuery = `SELECT j.transaction_id,
	MIN(CASE WHEN a.type IN ('asset', 'liability') THEN 1 ELSE 0 END),
	MIN(j.transfer), MAX(j.transfer)
	FROM journal_entries j JOIN accounts a ON a.id = j.account_id`

// UpdateManyTransferInfo recomputes the transfer flag of the given
// transactions, or of every transaction when txIDs is nil. A transaction
// is a transfer iff all of its lines hit asset or liability accounts.
// Rows whose flags already agree are not written. It returns how many
// transactions changed.
func (s *Store) UpdateManyTransferInfo(ctx context.Context, txIDs []string) (int, error) {
	var toTrue, toFalse []string

	collect := func(query string, args ...any) error {
		rows, err := s.db.Q(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("compute transfer flags: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				txID                string
				computed, low, high int
			)
			if err := rows.Scan(&txID, &computed, &low, &high); err != nil {
				return err
			}
			if low == computed && high == computed {
				continue
			}
			if computed == 1 {
				toTrue = append(toTrue, txID)
			} else {
				toFalse = append(toFalse, txID)
			}
		}
		return rows.Err()
	}

	if txIDs == nil {
		if err := collect(transferQuery + " GROUP BY j.transaction_id"); err != nil {
			return 0, err
		}
	} else {
		for _, chunk := range storage.Chunk(storage.Unique(txIDs), storage.DefaultChunkSize) {
			query := transferQuery + " WHERE j.transaction_id IN (" + storage.Placeholders(len(chunk)) + ") GROUP BY j.transaction_id"
			if err := collect(query, storage.Args(chunk)...); err != nil {
				return 0, err
			}
		}
	}

	q := s.db.Q(ctx)
	if _, err := storage.ExecIn(ctx, q, "UPDATE journal_entries SET transfer = 1 WHERE transaction_id IN (%s)", toTrue); err != nil {
		return 0, fmt.Errorf("set transfer flags: %w", err)
	}
	if _, err := storage.ExecIn(ctx, q, "UPDATE journal_entries SET transfer = 0 WHERE transaction_id IN (%s)", toFalse); err != nil {
		return 0, fmt.Errorf("clear transfer flags: %w", err)
	}

	changed := len(toTrue) + len(toFalse)
	if changed > 0 {
		slog.DebugContext(ctx, "Transfer flags updated", "transaction_count", changed)
	}
	return changed, nil
}
