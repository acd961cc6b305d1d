// Package dimension stores the six categorisation axes (accounts, bills,
// budgets, categories, tags and labels) and resolves journal references
// against them.
package dimension

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger/internal/core"
	"ledger/internal/storage"
)

// table describes how one dimension type is stored.
type table struct {
	name string
	// journalColumn is the journal_entries foreign key; empty for labels,
	// which link through labels_to_journals.
	journalColumn string
	extra         []string
}

var tables = map[core.DimensionType]table{
	core.DimensionAccount:  {name: "accounts", journalColumn: "account_id", extra: []string{"type", "account_group"}},
	core.DimensionBill:     {name: "bills", journalColumn: "bill_id"},
	core.DimensionBudget:   {name: "budgets", journalColumn: "budget_id"},
	core.DimensionCategory: {name: "categories", journalColumn: "category_id", extra: []string{"group_title", "single"}},
	core.DimensionTag:      {name: "tags", journalColumn: "tag_id", extra: []string{"group_title", "single"}},
	core.DimensionLabel:    {name: "labels"},
}

var baseColumns = []string{"id", "title", "status", "active", "disabled", "deleted", "summary_id", "import_id", "import_detail_id", "created_at", "updated_at"}

// TableName returns the table backing typ.
func TableName(typ core.DimensionType) string {
	return tables[typ].name
}

// JournalColumn returns the journal_entries column referencing typ, or ""
// for labels.
func JournalColumn(typ core.DimensionType) string {
	return tables[typ].journalColumn
}

// Registry is the Dimension Registry.
type Registry struct {
	db  *storage.DB
	now func() time.Time
}

func NewRegistry(db *storage.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

func lookup(typ core.DimensionType) (table, error) {
	t, ok := tables[typ]
	if !ok {
		return table{}, core.NewValidationError(fmt.Sprintf("unknown dimension type %q", typ))
	}
	return t, nil
}

func selectColumns(t table) string {
	return strings.Join(append(append([]string{}, baseColumns...), t.extra...), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDimension(typ core.DimensionType, t table, row rowScanner) (core.Dimension, error) {
	var (
		d                    core.Dimension
		status               string
		createdAt, updatedAt string
		extraA, extraB       string
	)
	dest := []any{&d.ID, &d.Title, &status, &d.Active, &d.Disabled, &d.Deleted, &d.SummaryID, &d.ImportID, &d.ImportDetailID, &createdAt, &updatedAt}
	if len(t.extra) == 2 {
		dest = append(dest, &extraA, &extraB)
	}
	if err := row.Scan(dest...); err != nil {
		return d, err
	}
	d.Type = typ
	d.Status = core.StatusType(status)
	d.CreatedAt = storage.ParseTime(createdAt)
	d.UpdatedAt = storage.ParseTime(updatedAt)
	switch typ {
	case core.DimensionAccount:
		d.AccountType = core.AccountType(extraA)
		d.AccountGroup = extraB
	case core.DimensionCategory, core.DimensionTag:
		d.Group = extraA
		d.Single = extraB
	}
	return d, nil
}

func (r *Registry) queryDimensions(ctx context.Context, typ core.DimensionType, where string, args ...any) ([]core.Dimension, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s %s", selectColumns(t), t.name, where)
	rows, err := r.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []core.Dimension
	for rows.Next() {
		d, err := scanDimension(typ, t, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get fetches a dimension by id.
func (r *Registry) Get(ctx context.Context, typ core.DimensionType, id string) (*core.Dimension, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(t), t.name)
	d, err := scanDimension(typ, t, r.db.Q(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("%s %s", typ, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", typ, err)
	}
	return &d, nil
}

// GetByTitle fetches a dimension by its exact title.
func (r *Registry) GetByTitle(ctx context.Context, typ core.DimensionType, title string) (*core.Dimension, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE title = ?", selectColumns(t), t.name)
	d, err := scanDimension(typ, t, r.db.Q(ctx).QueryRowContext(ctx, query, strings.TrimSpace(title)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("%s titled %q", typ, title)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s by title: %w", typ, err)
	}
	return &d, nil
}

// List returns every row of typ ordered by title.
func (r *Registry) List(ctx context.Context, typ core.DimensionType) ([]core.Dimension, error) {
	return r.queryDimensions(ctx, typ, "ORDER BY title")
}

// ListByIDs returns the rows of typ among ids. Unknown ids are skipped.
func (r *Registry) ListByIDs(ctx context.Context, typ core.DimensionType, ids []string) ([]core.Dimension, error) {
	var out []core.Dimension
	for _, chunk := range storage.Chunk(storage.Unique(ids), storage.DefaultChunkSize) {
		found, err := r.queryDimensions(ctx, typ, "WHERE id IN ("+storage.Placeholders(len(chunk))+")", storage.Args(chunk)...)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// Create inserts a new dimension row. Titles are unique per type.
func (r *Registry) Create(ctx context.Context, typ core.DimensionType, in core.DimensionInput) (*core.Dimension, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := core.Validate(in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = core.StatusActive
	}

	if existing, err := r.GetByTitle(ctx, typ, in.Title); err == nil {
		return nil, core.Conflictf("%s titled %q already exists (%s)", typ, in.Title, existing.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	now := storage.FormatTime(r.now())
	active, disabled, deleted := in.Status.StatusFlags()
	id := uuid.NewString()

	columns := append([]string{}, baseColumns...)
	values := []any{id, in.Title, string(in.Status), storage.BoolInt(active), storage.BoolInt(disabled), storage.BoolInt(deleted), nil, in.ImportID, in.ImportDetailID, now, now}
	switch typ {
	case core.DimensionAccount:
		accountType := in.AccountType
		if accountType == "" {
			accountType = core.AccountExpense
		}
		columns = append(columns, t.extra...)
		values = append(values, string(accountType), strings.TrimSpace(in.AccountGroup))
	case core.DimensionCategory, core.DimensionTag:
		group, single := core.SplitGroupTitle(in.Title)
		columns = append(columns, t.extra...)
		values = append(values, group, single)
	}

	if err := storage.InsertRows(ctx, r.db.Q(ctx), "INSERT", t.name, columns, [][]any{values}); err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}

	slog.DebugContext(ctx, "Dimension created", "type", typ, "id", id, "title", in.Title)
	return r.Get(ctx, typ, id)
}

// Update changes the title, status and (for accounts) type and group.
// Empty fields in the input are left untouched.
func (r *Registry) Update(ctx context.Context, typ core.DimensionType, id string, in core.DimensionInput) (*core.Dimension, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	current, err := r.Get(ctx, typ, id)
	if err != nil {
		return nil, err
	}

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		in.Title = current.Title
	}
	if err := core.Validate(in); err != nil {
		return nil, err
	}
	if in.Title != current.Title {
		if other, err := r.GetByTitle(ctx, typ, in.Title); err == nil && other.ID != id {
			return nil, core.Conflictf("%s titled %q already exists", typ, in.Title)
		}
	}

	status := in.Status
	if status == "" {
		status = current.Status
	}
	active, disabled, deleted := status.StatusFlags()
	sets := []string{"title = ?", "status = ?", "active = ?", "disabled = ?", "deleted = ?", "updated_at = ?"}
	args := []any{in.Title, string(status), storage.BoolInt(active), storage.BoolInt(disabled), storage.BoolInt(deleted), storage.FormatTime(r.now())}
	switch typ {
	case core.DimensionAccount:
		accountType := in.AccountType
		if accountType == "" {
			accountType = current.AccountType
		}
		group := in.AccountGroup
		if group == "" {
			group = current.AccountGroup
		}
		sets = append(sets, "type = ?", "account_group = ?")
		args = append(args, string(accountType), group)
	case core.DimensionCategory, core.DimensionTag:
		group, single := core.SplitGroupTitle(in.Title)
		sets = append(sets, "group_title = ?", "single = ?")
		args = append(args, group, single)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.name, strings.Join(sets, ", "))
	if _, err := r.db.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update %s: %w", typ, err)
	}
	return r.Get(ctx, typ, id)
}

// SetStatus performs a soft status transition. Setting the current status
// again is a no-op.
func (r *Registry) SetStatus(ctx context.Context, typ core.DimensionType, id string, status core.StatusType) error {
	if !status.Valid() {
		return core.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	current, err := r.Get(ctx, typ, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	active, disabled, deleted := status.StatusFlags()
	query := fmt.Sprintf("UPDATE %s SET status = ?, active = ?, disabled = ?, deleted = ?, updated_at = ? WHERE id = ?", tables[typ].name)
	if _, err := r.db.Q(ctx).ExecContext(ctx, query, string(status), storage.BoolInt(active), storage.BoolInt(disabled), storage.BoolInt(deleted), storage.FormatTime(r.now()), id); err != nil {
		return fmt.Errorf("set %s status: %w", typ, err)
	}
	return nil
}

// ReferenceCount counts journals referencing any of ids.
func (r *Registry) ReferenceCount(ctx context.Context, typ core.DimensionType, ids []string) (int64, error) {
	t, err := lookup(typ)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, chunk := range storage.Chunk(storage.Unique(ids), storage.DefaultChunkSize) {
		var query string
		if t.journalColumn == "" {
			query = "SELECT COUNT(*) FROM labels_to_journals WHERE label_id IN (" + storage.Placeholders(len(chunk)) + ")"
		} else {
			query = fmt.Sprintf("SELECT COUNT(*) FROM journal_entries WHERE %s IN (%s)", t.journalColumn, storage.Placeholders(len(chunk)))
		}
		var n int64
		if err := r.db.Q(ctx).QueryRowContext(ctx, query, storage.Args(chunk)...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s references: %w", typ, err)
		}
		total += n
	}
	return total, nil
}

// CanDeleteMany reports whether none of ids is referenced by a journal.
func (r *Registry) CanDeleteMany(ctx context.Context, typ core.DimensionType, ids []string) (bool, error) {
	n, err := r.ReferenceCount(ctx, typ, ids)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// DeleteMany hard deletes unreferenced rows together with their summary
// rows. Ids that no longer exist are ignored.
func (r *Registry) DeleteMany(ctx context.Context, typ core.DimensionType, ids []string) error {
	t, err := lookup(typ)
	if err != nil {
		return err
	}
	ids = storage.Unique(ids)
	if len(ids) == 0 {
		return nil
	}
	return r.db.InTx(ctx, func(ctx context.Context) error {
		ok, err := r.CanDeleteMany(ctx, typ, ids)
		if err != nil {
			return err
		}
		if !ok {
			return core.Conflictf("%s is still referenced by journals", typ)
		}
		q := r.db.Q(ctx)
		if _, err := storage.ExecIn(ctx, q, "DELETE FROM summaries WHERE type = ? AND relation_id IN (%s)", ids, string(typ)); err != nil {
			return fmt.Errorf("delete %s summaries: %w", typ, err)
		}
		n, err := storage.ExecIn(ctx, q, "DELETE FROM "+t.name+" WHERE id IN (%s)", ids)
		if err != nil {
			return fmt.Errorf("delete %s: %w", typ, err)
		}
		slog.InfoContext(ctx, "Dimensions deleted", "type", typ, "requested", len(ids), "deleted", n)
		return nil
	})
}

// UniqueKeys returns the import dedup key of every existing row of typ.
func (r *Registry) UniqueKeys(ctx context.Context, typ core.DimensionType) (map[string]struct{}, error) {
	t, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	query := "SELECT title FROM " + t.name
	if typ == core.DimensionAccount {
		query = "SELECT account_group || ':' || title FROM accounts"
	}
	keys, err := storage.QueryStrings(ctx, r.db.Q(ctx), query)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", typ, err)
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

// ClearImport removes import provenance from every dimension row created
// by importID.
func (r *Registry) ClearImport(ctx context.Context, importID string) error {
	for _, typ := range core.DimensionTypes {
		query := fmt.Sprintf("UPDATE %s SET import_id = NULL, import_detail_id = NULL WHERE import_id = ?", tables[typ].name)
		if _, err := r.db.Q(ctx).ExecContext(ctx, query, importID); err != nil {
			return fmt.Errorf("clear %s import provenance: %w", typ, err)
		}
	}
	return nil
}

// SetSummaryID back-links a dimension row to its summary row.
func (r *Registry) SetSummaryID(ctx context.Context, typ core.DimensionType, id, summaryID string) error {
	t, err := lookup(typ)
	if err != nil {
		return err
	}
	_, err = r.db.Q(ctx).ExecContext(ctx, "UPDATE "+t.name+" SET summary_id = ? WHERE id = ?", summaryID, id)
	return err
}
