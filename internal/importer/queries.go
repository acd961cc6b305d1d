package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledger/internal/core"
	"ledger/internal/storage"
)

const importColumns = "id, title, filename, status, source, type, import_mapping_id, auto_clean, auto_process, check_imported_only, error_info, created_at, updated_at"

const detailColumns = "id, import_id, status, unique_id, processed_info, error_info, relation_id, relation2_id, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(row rowScanner) (core.Import, error) {
	var (
		imp                                 core.Import
		autoClean, autoProcess, checkImport int
		errorInfo                           *string
		createdAt, updatedAt                string
	)
	if err := row.Scan(&imp.ID, &imp.Title, &imp.Filename, &imp.Status, &imp.Source, &imp.Type,
		&imp.ImportMappingID, &autoClean, &autoProcess, &checkImport, &errorInfo, &createdAt, &updatedAt); err != nil {
		return core.Import{}, err
	}
	imp.AutoClean = autoClean == 1
	imp.AutoProcess = autoProcess == 1
	imp.CheckImportedOnly = checkImport == 1
	if errorInfo != nil {
		imp.ErrorInfo = []byte(*errorInfo)
	}
	imp.CreatedAt = storage.ParseTime(createdAt)
	imp.UpdatedAt = storage.ParseTime(updatedAt)
	return imp, nil
}

func scanDetail(row rowScanner) (core.ImportDetail, error) {
	var (
		d                        core.ImportDetail
		processedInfo, errorInfo *string
		createdAt, updatedAt     string
	)
	if err := row.Scan(&d.ID, &d.ImportID, &d.Status, &d.UniqueID, &processedInfo, &errorInfo,
		&d.RelationID, &d.Relation2ID, &createdAt, &updatedAt); err != nil {
		return core.ImportDetail{}, err
	}
	if processedInfo != nil {
		d.ProcessedInfo = []byte(*processedInfo)
	}
	if errorInfo != nil {
		d.ErrorInfo = []byte(*errorInfo)
	}
	d.CreatedAt = storage.ParseTime(createdAt)
	d.UpdatedAt = storage.ParseTime(updatedAt)
	return d, nil
}

// Get returns one import.
func (p *Pipeline) Get(ctx context.Context, id string) (*core.Import, error) {
	row := p.db.Q(ctx).QueryRowContext(ctx, "SELECT "+importColumns+" FROM imports WHERE id = ?", id)
	imp, err := scanImport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("import %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get import: %w", err)
	}
	return &imp, nil
}

// List returns imports newest first, optionally restricted to statuses.
func (p *Pipeline) List(ctx context.Context, statuses ...core.ImportStatus) ([]core.Import, error) {
	query := "SELECT " + importColumns + " FROM imports"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + storage.Placeholders(len(statuses)) + ")"
		args = storage.Args(statuses)
	}
	query += " ORDER BY created_at DESC, id DESC"
	return p.queryImports(ctx, query, args...)
}

func (p *Pipeline) queryImports(ctx context.Context, query string, args ...any) ([]core.Import, error) {
	rows, err := p.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query imports: %w", err)
	}
	defer rows.Close()

	var out []core.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// Details returns the item details of an import in file order,
// optionally restricted to statuses.
func (p *Pipeline) Details(ctx context.Context, importID string, statuses ...core.DetailStatus) ([]core.ImportDetail, error) {
	query := "SELECT " + detailColumns + " FROM import_item_details WHERE import_id = ?"
	args := []any{importID}
	if len(statuses) > 0 {
		query += " AND status IN (" + storage.Placeholders(len(statuses)) + ")"
		args = append(args, storage.Args(statuses)...)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := p.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query import details: %w", err)
	}
	defer rows.Close()

	var out []core.ImportDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DetailCounts tallies an import's item details by status.
func (p *Pipeline) DetailCounts(ctx context.Context, importID string) (core.DetailCounts, error) {
	rows, err := p.db.Q(ctx).QueryContext(ctx,
		"SELECT status, COUNT(*) FROM import_item_details WHERE import_id = ? GROUP BY status", importID)
	if err != nil {
		return core.DetailCounts{}, fmt.Errorf("count import details: %w", err)
	}
	defer rows.Close()

	var c core.DetailCounts
	for rows.Next() {
		var (
			status core.DetailStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return core.DetailCounts{}, err
		}
		switch status {
		case core.DetailError:
			c.Error = n
		case core.DetailImportError:
			c.ImportError = n
		case core.DetailDuplicate:
			c.Duplicate = n
		case core.DetailProcessed:
			c.Processed = n
		case core.DetailImported:
			c.Imported = n
		}
	}
	return c, rows.Err()
}

// setStatus moves an import to status. When from is given the update
// only applies while the import is still in one of those states, and the
// result reports whether it did.
func (p *Pipeline) setStatus(ctx context.Context, id string, status core.ImportStatus, info any, from ...core.ImportStatus) (bool, error) {
	var encoded any
	if info != nil {
		b, err := marshalInfo(info)
		if err != nil {
			return false, err
		}
		encoded = b
	}
	query := "UPDATE imports SET status = ?, error_info = ?, updated_at = ? WHERE id = ?"
	args := []any{status, encoded, storage.FormatTime(p.now()), id}
	if len(from) > 0 {
		query += " AND status IN (" + storage.Placeholders(len(from)) + ")"
		args = append(args, storage.Args(from)...)
	}
	res, err := p.db.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set import status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
