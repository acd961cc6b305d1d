// Package journal is the Transaction/Journal Store: creation, querying,
// bulk update, cloning and deletion of double-entry transactions.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
	"ledger/internal/summary"
)

// Store owns transactions, journal entries and label links.
type Store struct {
	db       *storage.DB
	resolver *dimension.Resolver
	summary  summary.Invalidator
	now      func() time.Time
}

func NewStore(db *storage.DB, resolver *dimension.Resolver, invalidator summary.Invalidator) *Store {
	return &Store{
		db:       db,
		resolver: resolver,
		summary:  invalidator,
		now:      time.Now,
	}
}

// DB exposes the handle so callers can group store calls in one transaction.
func (s *Store) DB() *storage.DB {
	return s.db
}

// Label is a label attached to a journal.
type Label struct {
	ID    string
	Title string
}

var journalColumns = []string{
	"id", "transaction_id", "amount", "account_id", "bill_id", "budget_id", "category_id", "tag_id",
	"description", "date", "date_text", "year_month_day", "year_week", "year_month", "year_quarter", "year",
	"linked", "reconciled", "data_checked", "complete", "transfer", "import_id", "import_detail_id",
	"created_at", "updated_at",
}

func selectJournalColumns() string {
	cols := make([]string, len(journalColumns))
	for i, c := range journalColumns {
		cols[i] = "j." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJournal(row rowScanner) (core.Journal, error) {
	var (
		j                          core.Journal
		date, createdAt, updatedAt string
	)
	err := row.Scan(
		&j.ID, &j.TransactionID, &j.Amount, &j.AccountID, &j.BillID, &j.BudgetID, &j.CategoryID, &j.TagID,
		&j.Description, &date, &j.DateText, &j.YearMonthDay, &j.YearWeek, &j.YearMonth, &j.YearQuarter, &j.Year,
		&j.Linked, &j.Reconciled, &j.DataChecked, &j.Complete, &j.Transfer, &j.ImportID, &j.ImportDetailID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return j, err
	}
	j.Date = storage.ParseTime(date)
	j.CreatedAt = storage.ParseTime(createdAt)
	j.UpdatedAt = storage.ParseTime(updatedAt)
	return j, nil
}

// queryJournals runs a journal select with the given tail (WHERE/ORDER/LIMIT).
// Rows are fully read before returning.
func (s *Store) queryJournals(ctx context.Context, tail string, args ...any) ([]core.Journal, error) {
	query := "SELECT " + selectJournalColumns() + " FROM journal_entries j " + tail
	rows, err := s.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	var out []core.Journal
	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// journalsForTransactions loads every line of the given transactions.
func (s *Store) journalsForTransactions(ctx context.Context, txIDs []string) ([]core.Journal, error) {
	var out []core.Journal
	for _, chunk := range storage.Chunk(storage.Unique(txIDs), storage.DefaultChunkSize) {
		lines, err := s.queryJournals(ctx,
			"WHERE j.transaction_id IN ("+storage.Placeholders(len(chunk))+") ORDER BY j.transaction_id, j.created_at, j.id",
			storage.Args(chunk)...)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}
	return out, nil
}

// labelsFor maps journal id to its labels.
func (s *Store) labelsFor(ctx context.Context, journalIDs []string) (map[string][]Label, error) {
	out := make(map[string][]Label)
	for _, chunk := range storage.Chunk(storage.Unique(journalIDs), storage.DefaultChunkSize) {
		rows, err := s.db.Q(ctx).QueryContext(ctx,
			`SELECT lj.journal_id, l.id, l.title FROM labels_to_journals lj
			 JOIN labels l ON l.id = lj.label_id
			 WHERE lj.journal_id IN (`+storage.Placeholders(len(chunk))+`) ORDER BY l.title`,
			storage.Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query journal labels: %w", err)
		}
		for rows.Next() {
			var journalID string
			var l Label
			if err := rows.Scan(&journalID, &l.ID, &l.Title); err != nil {
				rows.Close()
				return nil, err
			}
			out[journalID] = append(out[journalID], l)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// referencedDimensions returns every dimension id the journals point at,
// labels included.
func (s *Store) referencedDimensions(ctx context.Context, journals []core.Journal) ([]string, error) {
	ids := make([]string, 0, len(journals)*2)
	journalIDs := make([]string, 0, len(journals))
	for _, j := range journals {
		ids = append(ids, j.AccountID)
		for _, p := range []*string{j.BillID, j.BudgetID, j.CategoryID, j.TagID} {
			if p != nil {
				ids = append(ids, *p)
			}
		}
		journalIDs = append(journalIDs, j.ID)
	}
	labels, err := s.labelsFor(ctx, journalIDs)
	if err != nil {
		return nil, err
	}
	for _, ls := range labels {
		for _, l := range ls {
			ids = append(ids, l.ID)
		}
	}
	return storage.Unique(ids), nil
}

func transactionIDs(journals []core.Journal) []string {
	ids := make([]string, len(journals))
	for i, j := range journals {
		ids[i] = j.TransactionID
	}
	return storage.Unique(ids)
}

func journalIDs(journals []core.Journal) []string {
	ids := make([]string, len(journals))
	for i, j := range journals {
		ids[i] = j.ID
	}
	return ids
}
