package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledger/internal/core"
	"ledger/internal/filestore"
	"ledger/internal/storage"
)

// CanDelete reports whether the rows an import created may be removed.
func (p *Pipeline) CanDelete(ctx context.Context, id string) (bool, error) {
	imp, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch imp.Status {
	case core.ImportComplete, core.ImportImporting, core.ImportAwaitingImport:
	default:
		return true, nil
	}
	if imp.Type.CreatesTransactions() {
		return true, nil
	}
	h, err := p.handlerFor(imp.Type)
	if err != nil {
		return false, err
	}
	ids, err := p.relationIDs(ctx, id)
	if err != nil {
		return false, err
	}
	return h.CanDeleteMany(ctx, ids)
}

func (p *Pipeline) relationIDs(ctx context.Context, importID string) ([]string, error) {
	ids, err := storage.QueryStrings(ctx, p.db.Q(ctx),
		"SELECT relation_id FROM import_item_details WHERE import_id = ? AND status = ? AND relation_id IS NOT NULL",
		importID, core.DetailImported)
	if err != nil {
		return nil, fmt.Errorf("list imported rows: %w", err)
	}
	return ids, nil
}

// DeleteLinked removes everything the import created and resets it to
// created so it can be processed again.
func (p *Pipeline) DeleteLinked(ctx context.Context, id string) error {
	return p.db.InTx(ctx, func(ctx context.Context) error {
		imp, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if imp.Status == core.ImportImporting {
			return core.Statef("import %s is importing", id)
		}
		ok, err := p.CanDelete(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return core.Conflictf("rows created by import %s are still referenced", id)
		}

		h, err := p.handlerFor(imp.Type)
		if err != nil {
			return err
		}
		ids, err := p.relationIDs(ctx, id)
		if err != nil {
			return err
		}
		if imp.Type.CreatesTransactions() {
			linked, err := p.journals.TransactionIDsForImport(ctx, id)
			if err != nil {
				return err
			}
			ids = storage.Unique(ids, linked)
		}
		if len(ids) > 0 {
			if err := h.DeleteMany(ctx, ids); err != nil {
				return err
			}
		}

		if err := p.deleteDetails(ctx, id, false); err != nil {
			return err
		}
		if _, err := p.setStatus(ctx, id, core.ImportCreated, nil); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Import rows deleted", "import_id", id, "deleted", len(ids))
		return nil
	})
}

// Clean drops the details that were not imported. An import with no
// imported rows is deleted entirely.
func (p *Pipeline) Clean(ctx context.Context, id string) error {
	counts, err := p.DetailCounts(ctx, id)
	if err != nil {
		return err
	}
	if counts.Imported == 0 {
		return p.Delete(ctx, id)
	}
	return p.deleteDetails(ctx, id, true)
}

func (p *Pipeline) deleteDetails(ctx context.Context, id string, keepImported bool) error {
	query := "DELETE FROM import_item_details WHERE import_id = ?"
	args := []any{id}
	if keepImported {
		query += " AND status <> ?"
		args = append(args, core.DetailImported)
	}
	if _, err := p.db.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete import details: %w", err)
	}
	return nil
}

// ForgetImport deletes an import and its details. Ledger rows it created
// stay and lose their provenance.
func (p *Pipeline) ForgetImport(ctx context.Context, id string) error {
	return p.db.InTx(ctx, func(ctx context.Context) error {
		imp, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if imp.Status == core.ImportImporting {
			return core.Statef("import %s is importing", id)
		}
		if err := p.journals.ClearImport(ctx, id); err != nil {
			return err
		}
		if err := p.resolver.Registry().ClearImport(ctx, id); err != nil {
			return err
		}
		if err := p.deleteDetails(ctx, id, false); err != nil {
			return err
		}
		if _, err := p.db.Q(ctx).ExecContext(ctx, "DELETE FROM imports WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete import: %w", err)
		}
		slog.InfoContext(ctx, "Import forgotten", "import_id", id)
		return nil
	})
}

// Delete forgets the import and removes its stored file.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	imp, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.ForgetImport(ctx, id); err != nil {
		return err
	}
	if err := p.files.Delete(ctx, imp.Filename); err != nil && !errors.Is(err, filestore.ErrNotExist) {
		slog.WarnContext(ctx, "Failed to delete import file", "import_id", id, "file", imp.Filename, "error", err)
	}
	return nil
}

// AutoCleanAll cleans complete auto-clean imports older than retainDays
// that have nothing left worth keeping: no imported rows, or rows that
// were never imported. It returns how many imports were cleaned.
func (p *Pipeline) AutoCleanAll(ctx context.Context, retainDays int) (int, error) {
	cutoff := p.now().Add(-time.Duration(retainDays) * 24 * time.Hour)
	imports, err := p.queryImports(ctx,
		"SELECT "+importColumns+" FROM imports WHERE status = ? AND auto_clean = 1 AND created_at < ? ORDER BY created_at",
		core.ImportComplete, storage.FormatTime(cutoff))
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, imp := range imports {
		counts, err := p.DetailCounts(ctx, imp.ID)
		if err != nil {
			return cleaned, err
		}
		if counts.Imported > 0 && counts.Total() == counts.Imported {
			continue
		}
		if err := p.Clean(ctx, imp.ID); err != nil {
			return cleaned, fmt.Errorf("clean import %s: %w", imp.ID, err)
		}
		cleaned++
	}
	if cleaned > 0 {
		slog.InfoContext(ctx, "Imports cleaned", "import_count", cleaned, "retain_days", retainDays)
	}
	return cleaned, nil
}

// Reprocess returns an error or processed import to created and processes
// it again. Imports with imported rows cannot be reprocessed.
func (p *Pipeline) Reprocess(ctx context.Context, id string) (*core.Import, error) {
	imp, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.Status != core.ImportError && imp.Status != core.ImportProcessed {
		return nil, core.Statef("import %s is %s", id, imp.Status)
	}
	counts, err := p.DetailCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	if counts.Imported > 0 {
		return nil, core.Statef("import %s has %d imported rows", id, counts.Imported)
	}
	ok, err := p.setStatus(ctx, id, core.ImportCreated, nil, core.ImportError, core.ImportProcessed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.Statef("import %s changed state", id)
	}
	return p.ProcessCreatedImport(ctx, id)
}
