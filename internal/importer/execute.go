package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// TriggerImport queues a processed import for execution. Imports already
// queued, running or complete are left alone.
func (p *Pipeline) TriggerImport(ctx context.Context, id string) error {
	imp, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	switch imp.Status {
	case core.ImportAwaitingImport, core.ImportImporting, core.ImportComplete:
		return nil
	case core.ImportProcessed:
	default:
		return core.Statef("import %s is %s, not processed", id, imp.Status)
	}

	ok, err := p.setStatus(ctx, id, core.ImportAwaitingImport, nil, core.ImportProcessed)
	if err != nil {
		return err
	}
	if ok {
		slog.InfoContext(ctx, "Import triggered", "import_id", id)
		p.notify(ctx, id)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, id string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.PublishImportReady(ctx, id); err != nil {
		slog.WarnContext(ctx, "Failed to publish import ready", "import_id", id, "error", err)
	}
}

// DoRequiredImports is the scheduler entry point. It queues auto-process
// imports, fails imports stuck in importing, then executes at most one
// queued import when none is running. It returns the executed import id,
// or "" when there was nothing to do. Concurrent calls in one process
// share a single run.
func (p *Pipeline) DoRequiredImports(ctx context.Context) (string, error) {
	v, err, _ := p.flight.Do("required-imports", func() (any, error) {
		return p.doRequiredImports(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pipeline) doRequiredImports(ctx context.Context) (string, error) {
	q := p.db.Q(ctx)
	now := p.now()

	promoted, err := storage.QueryStrings(ctx, q,
		"UPDATE imports SET status = ?, updated_at = ? WHERE status = ? AND auto_process = 1 RETURNING id",
		core.ImportAwaitingImport, storage.FormatTime(now), core.ImportProcessed)
	if err != nil {
		return "", fmt.Errorf("promote auto-process imports: %w", err)
	}
	for _, id := range promoted {
		slog.InfoContext(ctx, "Import queued automatically", "import_id", id)
	}

	stuckInfo, err := marshalInfo(errorInfo{Message: fmt.Sprintf("import did not finish within %s", p.cfg.StuckTimeout)})
	if err != nil {
		return "", err
	}
	stuck, err := storage.QueryStrings(ctx, q,
		"UPDATE imports SET status = ?, error_info = ?, updated_at = ? WHERE status = ? AND updated_at < ? RETURNING id",
		core.ImportError, stuckInfo, storage.FormatTime(now), core.ImportImporting, storage.FormatTime(now.Add(-p.cfg.StuckTimeout)))
	if err != nil {
		return "", fmt.Errorf("sweep stuck imports: %w", err)
	}
	for _, id := range stuck {
		slog.WarnContext(ctx, "Stuck import marked as failed", "import_id", id)
	}

	var id string
	err = q.QueryRowContext(ctx, `UPDATE imports SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM imports WHERE status = ? ORDER BY created_at, id LIMIT 1)
		AND NOT EXISTS (SELECT 1 FROM imports WHERE status = ?)
		RETURNING id`,
		core.ImportImporting, storage.FormatTime(now), core.ImportAwaitingImport, core.ImportImporting).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim import: %w", err)
	}

	if err := p.execute(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// DoImport executes one queued import. It fails with a state error when
// the import is not awaiting import and with a conflict while another
// import is running.
func (p *Pipeline) DoImport(ctx context.Context, id string) error {
	res, err := p.db.Q(ctx).ExecContext(ctx, `UPDATE imports SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND NOT EXISTS (SELECT 1 FROM imports WHERE status = ?)`,
		core.ImportImporting, storage.FormatTime(p.now()), id, core.ImportAwaitingImport, core.ImportImporting)
	if err != nil {
		return fmt.Errorf("claim import: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		imp, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if imp.Status != core.ImportAwaitingImport {
			return core.Statef("import %s is %s, not awaiting import", id, imp.Status)
		}
		return core.Conflictf("another import is running")
	}
	return p.execute(ctx, id)
}

// execute materialises the processed details of a claimed import in one
// transaction. Failing rows are recorded as import errors; running past
// the deadline rolls everything back.
func (p *Pipeline) execute(ctx context.Context, id string) error {
	start := p.now()
	deadline := start.Add(p.cfg.Timeout)

	var imported, failed int
	err := p.db.InTx(ctx, func(ctx context.Context) error {
		imp, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		h, err := p.handlerFor(imp.Type)
		if err != nil {
			return err
		}
		details, err := p.Details(ctx, id, core.DetailProcessed)
		if err != nil {
			return err
		}

		var cache *dimension.Cache
		if imp.Type.CreatesTransactions() && len(details) > 0 {
			if cache, err = p.resolver.NewCache(ctx); err != nil {
				return err
			}
		}

		prov := provenance{importID: id}
		for _, d := range details {
			if p.now().After(deadline) {
				return fmt.Errorf("%w: import %s ran past %s", core.ErrTimeout, id, p.cfg.Timeout)
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			prov.detailID = d.ID
			mark := 0
			if cache != nil {
				mark = cache.Mark()
			}
			var rel1, rel2 string
			rowErr := p.db.Savepoint(ctx, func(ctx context.Context) error {
				var err error
				rel1, rel2, err = h.Create(ctx, d.ProcessedInfo, prov, cache)
				return err
			})
			if rowErr != nil {
				if cache != nil {
					cache.Rewind(mark)
				}
				failed++
				if err := p.markDetail(ctx, d.ID, core.DetailImportError, "", "", newErrorInfo(rowErr)); err != nil {
					return err
				}
				continue
			}
			imported++
			if err := p.markDetail(ctx, d.ID, core.DetailImported, rel1, rel2, nil); err != nil {
				return err
			}
		}

		if p.hook != nil {
			if err := p.hook.ApplyFollowingImport(ctx, id, deadline); err != nil {
				return fmt.Errorf("apply following import: %w", err)
			}
		}
		_, err = p.setStatus(ctx, id, core.ImportComplete, nil, core.ImportImporting)
		return err
	})
	if err != nil {
		// The caller's context may be the reason we failed.
		bg := context.WithoutCancel(ctx)
		marked, serr := p.setStatus(bg, id, core.ImportError, newErrorInfo(err), core.ImportImporting)
		if serr != nil {
			slog.ErrorContext(ctx, "Failed to record import failure", "import_id", id, "error", serr)
		}
		slog.ErrorContext(ctx, "Import failed", "import_id", id, "marked_error", marked, "error", err)
		return err
	}

	slog.InfoContext(ctx, "Import complete",
		"import_id", id,
		"imported", imported,
		"import_errors", failed,
		"duration_ms", p.now().Sub(start).Milliseconds())
	return nil
}

func (p *Pipeline) markDetail(ctx context.Context, id string, status core.DetailStatus, rel1, rel2 string, info any) error {
	var encoded any
	if info != nil {
		b, err := marshalInfo(info)
		if err != nil {
			return err
		}
		encoded = b
	}
	_, err := p.db.Q(ctx).ExecContext(ctx,
		"UPDATE import_item_details SET status = ?, relation_id = ?, relation2_id = ?, error_info = ?, updated_at = ? WHERE id = ?",
		status, nullString(rel1), nullString(rel2), encoded, storage.FormatTime(p.now()), id)
	if err != nil {
		return fmt.Errorf("update import detail: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
