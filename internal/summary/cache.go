// Package summary keeps the per-dimension aggregate cache (count, sum,
// first and last journal date) consistent with the ledger.
//
// Every mutation marks the touched dimensions dirty via
// MarkAsNeedingProcessing; a scheduled refresh recomputes only the dirty
// rows. Readers never wait on a refresh and may briefly see stale values.
package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// Invalidator is what ledger mutations need from the cache.
type Invalidator interface {
	MarkAsNeedingProcessing(ctx context.Context, ids []string) error
}

type Cache struct {
	db       *storage.DB
	registry *dimension.Registry
	now      func() time.Time
}

func New(db *storage.DB, registry *dimension.Registry) *Cache {
	return &Cache{db: db, registry: registry, now: time.Now}
}

// UpdateOptions select which summary rows UpdateAndCreateMany recomputes.
type UpdateOptions struct {
	// IDs restricts the refresh to these dimension ids.
	IDs []string
	// NeedsUpdateOnly restricts the refresh to rows flagged dirty.
	NeedsUpdateOnly bool
	// AllowCreation inserts summary rows for dimensions that have none.
	AllowCreation bool
}

// UpdateResult counts the rows written by a refresh.
type UpdateResult struct {
	Updated int
	Created int
}

var summaryColumns = []string{"id", "relation_id", "type", "count", "sum", "first_date", "last_date", "needs_update", "created_at", "updated_at"}

type aggregate struct {
	count     int64
	sum       int64
	firstDate *string
	lastDate  *string
}

// MarkAsNeedingProcessing flags the summary rows of the given dimension
// ids. Dimensions that have no summary row yet get a dirty stub.
func (c *Cache) MarkAsNeedingProcessing(ctx context.Context, ids []string) error {
	ids = storage.Unique(ids)
	if len(ids) == 0 {
		return nil
	}
	return c.db.InTx(ctx, func(ctx context.Context) error {
		q := c.db.Q(ctx)
		now := storage.FormatTime(c.now())
		if _, err := storage.ExecIn(ctx, q, "UPDATE summaries SET needs_update = 1, updated_at = ? WHERE relation_id IN (%s)", ids, now); err != nil {
			return fmt.Errorf("mark summaries needing update: %w", err)
		}
		for _, typ := range core.DimensionTypes {
			missing, err := storage.QueryStringsIn(ctx, q,
				"SELECT id FROM "+dimension.TableName(typ)+" WHERE id NOT IN (SELECT relation_id FROM summaries WHERE type = ?) AND id IN (%s)",
				ids, string(typ))
			if err != nil {
				return fmt.Errorf("find %s without summary: %w", typ, err)
			}
			if err := c.insertStubs(ctx, typ, missing, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertStubs creates dirty summary rows for relation ids of typ and
// back-links them.
func (c *Cache) insertStubs(ctx context.Context, typ core.DimensionType, relationIDs []string, now string) error {
	if len(relationIDs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(relationIDs))
	for _, rid := range relationIDs {
		summaryID := uuid.NewString()
		rows = append(rows, []any{summaryID, rid, string(typ), 0, 0, nil, nil, 1, now, now})
		if err := c.registry.SetSummaryID(ctx, typ, rid, summaryID); err != nil {
			return fmt.Errorf("link summary: %w", err)
		}
	}
	return storage.InsertRows(ctx, c.db.Q(ctx), "INSERT", "summaries", summaryColumns, rows)
}

// MarkAllNeedingProcessing flags every summary row.
func (c *Cache) MarkAllNeedingProcessing(ctx context.Context) error {
	if _, err := c.db.Q(ctx).ExecContext(ctx, "UPDATE summaries SET needs_update = 1, updated_at = ?", storage.FormatTime(c.now())); err != nil {
		return fmt.Errorf("mark all summaries needing update: %w", err)
	}
	return nil
}

// Get returns the cached summary of one dimension row.
func (c *Cache) Get(ctx context.Context, relationID string) (*core.Summary, error) {
	var (
		s                    core.Summary
		typ                  string
		firstDate, lastDate  *string
		createdAt, updatedAt string
	)
	err := c.db.Q(ctx).QueryRowContext(ctx,
		`SELECT id, relation_id, type, count, sum, first_date, last_date, needs_update, created_at, updated_at
		 FROM summaries WHERE relation_id = ?`, relationID).
		Scan(&s.ID, &s.RelationID, &typ, &s.Count, &s.Sum, &firstDate, &lastDate, &s.NeedsUpdate, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundf("summary for %s", relationID)
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}
	s.Type = core.DimensionType(typ)
	s.FirstDate = storage.ParseTimePtr(firstDate)
	s.LastDate = storage.ParseTimePtr(lastDate)
	s.UpdatedAt = storage.ParseTime(updatedAt)
	return &s, nil
}

// UpdateAndCreateMany recomputes summary rows for every dimension type.
func (c *Cache) UpdateAndCreateMany(ctx context.Context, opts UpdateOptions) (UpdateResult, error) {
	var total UpdateResult
	start := c.now()
	err := c.db.InTx(ctx, func(ctx context.Context) error {
		for _, typ := range core.DimensionTypes {
			res, err := c.refreshType(ctx, typ, opts)
			if err != nil {
				return fmt.Errorf("refresh %s summaries: %w", typ, err)
			}
			total.Updated += res.Updated
			total.Created += res.Created
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if total.Updated > 0 || total.Created > 0 {
		slog.InfoContext(ctx, "Summary cache refreshed",
			"updated", total.Updated,
			"created", total.Created,
			"needs_update_only", opts.NeedsUpdateOnly,
			"duration_ms", c.now().Sub(start).Milliseconds())
	}
	return total, nil
}

func (c *Cache) refreshType(ctx context.Context, typ core.DimensionType, opts UpdateOptions) (UpdateResult, error) {
	q := c.db.Q(ctx)
	table := dimension.TableName(typ)

	existing, err := c.existingRows(ctx, typ, opts.NeedsUpdateOnly)
	if err != nil {
		return UpdateResult{}, err
	}

	var targets []string
	switch {
	case opts.NeedsUpdateOnly:
		for rid := range existing {
			targets = append(targets, rid)
		}
		if len(opts.IDs) > 0 {
			targets = intersect(targets, opts.IDs)
		}
	case len(opts.IDs) > 0:
		targets, err = storage.QueryStringsIn(ctx, q, "SELECT id FROM "+table+" WHERE id IN (%s)", storage.Unique(opts.IDs))
	default:
		targets, err = storage.QueryStrings(ctx, q, "SELECT id FROM "+table)
	}
	if err != nil {
		return UpdateResult{}, fmt.Errorf("list %s targets: %w", typ, err)
	}
	if len(targets) == 0 {
		return UpdateResult{}, nil
	}

	aggs, err := c.aggregates(ctx, typ, targets)
	if err != nil {
		return UpdateResult{}, err
	}

	var res UpdateResult
	now := storage.FormatTime(c.now())
	var inserts [][]any
	for _, rid := range targets {
		agg := aggs[rid]
		if summaryID, ok := existing[rid]; ok {
			if _, err := q.ExecContext(ctx,
				`UPDATE summaries SET count = ?, sum = ?, first_date = ?, last_date = ?, needs_update = 0, updated_at = ? WHERE id = ?`,
				agg.count, agg.sum, agg.firstDate, agg.lastDate, now, summaryID); err != nil {
				return res, fmt.Errorf("update summary: %w", err)
			}
			res.Updated++
			continue
		}
		// With NeedsUpdateOnly, existing only holds dirty rows, so a miss
		// does not mean the summary is absent.
		if !opts.AllowCreation || opts.NeedsUpdateOnly {
			continue
		}
		summaryID := uuid.NewString()
		inserts = append(inserts, []any{summaryID, rid, string(typ), agg.count, agg.sum, agg.firstDate, agg.lastDate, 0, now, now})
		if err := c.registry.SetSummaryID(ctx, typ, rid, summaryID); err != nil {
			return res, fmt.Errorf("link summary: %w", err)
		}
		res.Created++
	}

	if err := storage.InsertRows(ctx, q, "INSERT", "summaries", summaryColumns, inserts); err != nil {
		return res, err
	}
	return res, nil
}

// existingRows maps relation id to summary id for typ.
func (c *Cache) existingRows(ctx context.Context, typ core.DimensionType, needsUpdateOnly bool) (map[string]string, error) {
	query := "SELECT relation_id, id FROM summaries WHERE type = ?"
	if needsUpdateOnly {
		query += " AND needs_update = 1"
	}
	rows, err := c.db.Q(ctx).QueryContext(ctx, query, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var rid, id string
		if err := rows.Scan(&rid, &id); err != nil {
			return nil, err
		}
		out[rid] = id
	}
	return out, rows.Err()
}

// aggregateQuery returns the grouped aggregate for typ. Non-account
// dimensions only count journals against asset or liability accounts.
func aggregateQuery(typ core.DimensionType) string {
	const cols = "COUNT(*), COALESCE(SUM(j.amount), 0), MIN(j.date), MAX(j.date)"
	switch typ {
	case core.DimensionAccount:
		return "SELECT j.account_id, " + cols + " FROM journal_entries j WHERE j.account_id IN (%s) GROUP BY j.account_id"
	case core.DimensionLabel:
		return "SELECT lj.label_id, " + cols + ` FROM labels_to_journals lj
			JOIN journal_entries j ON j.id = lj.journal_id
			JOIN accounts a ON a.id = j.account_id
			WHERE a.type IN ('asset', 'liability') AND lj.label_id IN (%s) GROUP BY lj.label_id`
	default:
		col := "j." + dimension.JournalColumn(typ)
		return "SELECT " + col + ", " + cols + ` FROM journal_entries j
			JOIN accounts a ON a.id = j.account_id
			WHERE a.type IN ('asset', 'liability') AND ` + col + " IN (%s) GROUP BY " + col
	}
}

func (c *Cache) aggregates(ctx context.Context, typ core.DimensionType, ids []string) (map[string]aggregate, error) {
	out := make(map[string]aggregate, len(ids))
	query := aggregateQuery(typ)
	for _, chunk := range storage.Chunk(ids, storage.DefaultChunkSize) {
		rows, err := c.db.Q(ctx).QueryContext(ctx, fmt.Sprintf(query, storage.Placeholders(len(chunk))), storage.Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", typ, err)
		}
		for rows.Next() {
			var (
				rid string
				agg aggregate
			)
			if err := rows.Scan(&rid, &agg.count, &agg.sum, &agg.firstDate, &agg.lastDate); err != nil {
				rows.Close()
				return nil, err
			}
			out[rid] = agg
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateMissing inserts dirty stub rows for dimensions without a summary
// and then refreshes the dirty rows.
func (c *Cache) CreateMissing(ctx context.Context) (int, error) {
	created := 0
	err := c.db.InTx(ctx, func(ctx context.Context) error {
		q := c.db.Q(ctx)
		now := storage.FormatTime(c.now())
		for _, typ := range core.DimensionTypes {
			table := dimension.TableName(typ)
			missing, err := storage.QueryStrings(ctx, q,
				"SELECT id FROM "+table+" WHERE id NOT IN (SELECT relation_id FROM summaries WHERE type = ?)", string(typ))
			if err != nil {
				return fmt.Errorf("find %s without summary: %w", typ, err)
			}
			if err := c.insertStubs(ctx, typ, missing, now); err != nil {
				return err
			}
			created += len(missing)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err := c.UpdateAndCreateMany(ctx, UpdateOptions{NeedsUpdateOnly: true}); err != nil {
		return created, err
	}
	return created, nil
}

// RefreshIfNeeded is the frequent scheduled refresh: create missing rows
// and recompute the dirty ones.
func (c *Cache) RefreshIfNeeded(ctx context.Context) error {
	_, err := c.CreateMissing(ctx)
	return err
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
