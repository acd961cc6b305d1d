package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// CreateJournalInput is one line of a new transaction. Dimension
// references are resolved by id or created by title.
type CreateJournalInput struct {
	Date        string `validate:"required"`
	Description string `validate:"max=1000"`
	Amount      int64

	Account  dimension.Ref
	Bill     dimension.Ref
	Budget   dimension.Ref
	Category dimension.Ref
	Tag      dimension.Ref
	Labels   []dimension.Ref

	Reconciled  bool
	DataChecked bool
	Complete    bool

	ImportID       *string
	ImportDetailID *string
}

// CreateOptions tune CreateManyTransactionJournals.
type CreateOptions struct {
	// Cache is a prefetched resolver cache shared with the caller. When nil
	// and more than one line is created, the store prefetches its own.
	Cache *dimension.Cache
	// RequireActive rejects references by id to inactive dimensions.
	RequireActive bool
}

// CreateManyTransactionJournals creates one transaction per element of
// transactions, each holding the given journal lines. It returns the new
// transaction ids in input order.
//
// Lines are not required to sum to zero.
func (s *Store) CreateManyTransactionJournals(ctx context.Context, transactions [][]CreateJournalInput, opts CreateOptions) ([]string, error) {
	lineCount := 0
	for i, lines := range transactions {
		if len(lines) == 0 {
			return nil, core.NewValidationError(fmt.Sprintf("transaction %d has no journal lines", i))
		}
		for k := range lines {
			if err := core.Validate(lines[k]); err != nil {
				return nil, err
			}
			if lines[k].Account.IsZero() {
				return nil, core.NewValidationError(fmt.Sprintf("transaction %d line %d: account is required", i, k))
			}
		}
		lineCount += len(lines)
	}
	if lineCount == 0 {
		return nil, nil
	}

	var txIDs []string
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		cache := opts.Cache
		if cache == nil && lineCount > 1 {
			c, err := s.resolver.NewCache(ctx)
			if err != nil {
				return err
			}
			cache = c
		}

		now := storage.FormatTime(s.now())
		var (
			txRows, journalRows, labelRows [][]any
			touched                        []string
		)
		for _, lines := range transactions {
			txID := uuid.NewString()
			txIDs = append(txIDs, txID)
			txRows = append(txRows, []any{txID, now, now})
			linked := len(lines) > 1

			for _, in := range lines {
				row, dims, labelIDs, err := s.buildJournal(ctx, txID, linked, in, now, cache, opts.RequireActive)
				if err != nil {
					return err
				}
				journalRows = append(journalRows, row)
				touched = append(touched, dims...)
				for _, labelID := range labelIDs {
					labelRows = append(labelRows, []any{uuid.NewString(), labelID, row[0], now, now})
				}
			}
		}

		q := s.db.Q(ctx)
		if err := storage.InsertRows(ctx, q, "INSERT", "transactions", []string{"id", "created_at", "updated_at"}, txRows); err != nil {
			return err
		}
		if err := storage.InsertRows(ctx, q, "INSERT", "journal_entries", journalColumns, journalRows); err != nil {
			return err
		}
		if err := storage.InsertRows(ctx, q, "INSERT OR IGNORE", "labels_to_journals", []string{"id", "label_id", "journal_id", "created_at", "updated_at"}, labelRows); err != nil {
			return err
		}

		if err := s.summary.MarkAsNeedingProcessing(ctx, touched); err != nil {
			return err
		}
		if _, err := s.UpdateManyTransferInfo(ctx, txIDs); err != nil {
			return err
		}

		slog.DebugContext(ctx, "Transactions created",
			"transaction_count", len(txRows),
			"journal_count", len(journalRows))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txIDs, nil
}

// buildJournal resolves the references of one line and returns the row
// values in journalColumns order, the dimension ids it touches and
// its label ids.
func (s *Store) buildJournal(ctx context.Context, txID string, linked bool, in CreateJournalInput, now string, cache *dimension.Cache, requireActive bool) ([]any, []string, []string, error) {
	date, err := core.ParseDate(in.Date)
	if err != nil {
		return nil, nil, nil, err
	}
	parts := core.NewDateParts(date)

	opts := dimension.Options{
		RequireActive: requireActive,
		Cache:         cache,
		Defaults:      core.DimensionInput{ImportID: in.ImportID, ImportDetailID: in.ImportDetailID},
	}

	account, err := s.resolver.CreateOrGet(ctx, core.DimensionAccount, in.Account, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	dims := []string{account.ID}

	resolve := func(typ core.DimensionType, ref dimension.Ref) (*string, error) {
		d, err := s.resolver.CreateOrGet(ctx, typ, ref, opts)
		if err != nil || d == nil {
			return nil, err
		}
		dims = append(dims, d.ID)
		return &d.ID, nil
	}
	billID, err := resolve(core.DimensionBill, in.Bill)
	if err != nil {
		return nil, nil, nil, err
	}
	budgetID, err := resolve(core.DimensionBudget, in.Budget)
	if err != nil {
		return nil, nil, nil, err
	}
	categoryID, err := resolve(core.DimensionCategory, in.Category)
	if err != nil {
		return nil, nil, nil, err
	}
	tagID, err := resolve(core.DimensionTag, in.Tag)
	if err != nil {
		return nil, nil, nil, err
	}

	var labelIDs []string
	for _, ref := range in.Labels {
		id, err := resolve(core.DimensionLabel, ref)
		if err != nil {
			return nil, nil, nil, err
		}
		if id != nil {
			labelIDs = append(labelIDs, *id)
		}
	}

	reconciled, dataChecked := in.Reconciled, in.DataChecked
	if in.Complete {
		reconciled, dataChecked = true, true
	}

	row := []any{
		uuid.NewString(), txID, in.Amount, account.ID, billID, budgetID, categoryID, tagID,
		in.Description, storage.FormatTime(date), parts.DateText, parts.YearMonthDay, parts.YearWeek, parts.YearMonth, parts.YearQuarter, parts.Year,
		storage.BoolInt(linked), storage.BoolInt(reconciled), storage.BoolInt(dataChecked), storage.BoolInt(in.Complete), 0, in.ImportID, in.ImportDetailID,
		now, now,
	}
	return row, dims, storage.Unique(labelIDs), nil
}
