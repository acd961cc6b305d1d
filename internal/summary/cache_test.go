package summary

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

type fixture struct {
	db       *storage.DB
	registry *dimension.Registry
	cache    *Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := dimension.NewRegistry(db)
	return &fixture{db: db, registry: reg, cache: New(db, reg)}
}

func (f *fixture) journal(t *testing.T, id, accountID string, billID *string, amount int64, date string) {
	t.Helper()
	ctx := context.Background()
	now := storage.FormatTime(time.Now())
	d, err := core.ParseDate(date)
	require.NoError(t, err)
	p := core.NewDateParts(d)
	_, err = f.db.Q(ctx).ExecContext(ctx, "INSERT OR IGNORE INTO transactions (id, created_at, updated_at) VALUES (?, ?, ?)", "t-"+id, now, now)
	require.NoError(t, err)
	_, err = f.db.Q(ctx).ExecContext(ctx, `INSERT INTO journal_entries (id, transaction_id, amount, account_id, bill_id, date, date_text, year_month_day, year_week, year_month, year_quarter, year, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "t-"+id, amount, accountID, billID, storage.FormatTime(d), p.DateText, p.YearMonthDay, p.YearWeek, p.YearMonth, p.YearQuarter, p.Year, now, now)
	require.NoError(t, err)
}

func TestCreateMissingAndRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checking, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Checking", AccountType: core.AccountAsset})
	require.NoError(t, err)
	groceries, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Groceries"})
	require.NoError(t, err)
	bill, err := f.registry.Create(ctx, core.DimensionBill, core.DimensionInput{Title: "Power"})
	require.NoError(t, err)

	f.journal(t, "j1", checking.ID, &bill.ID, -5000, "2024-03-01")
	f.journal(t, "j2", groceries.ID, &bill.ID, 5000, "2024-03-01")
	f.journal(t, "j3", checking.ID, nil, -1500, "2024-04-10")

	created, err := f.cache.CreateMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	s, err := f.cache.Get(ctx, checking.ID)
	require.NoError(t, err)
	assert.False(t, s.NeedsUpdate)
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, int64(-6500), s.Sum)
	require.NotNil(t, s.FirstDate)
	require.NotNil(t, s.LastDate)
	assert.Equal(t, "2024-03-01", s.FirstDate.Format(core.DateLayout))
	assert.Equal(t, "2024-04-10", s.LastDate.Format(core.DateLayout))

	// Bills only count journals on asset or liability accounts.
	s, err = f.cache.Get(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Count)
	assert.Equal(t, int64(-5000), s.Sum)

	linked, err := f.registry.Get(ctx, core.DimensionBill, bill.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.SummaryID)
	assert.Equal(t, s.ID, *linked.SummaryID)
}

func TestMarkAndRefreshOnlyDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Wallet", AccountType: core.AccountAsset})
	require.NoError(t, err)
	_, err = f.cache.CreateMissing(ctx)
	require.NoError(t, err)

	f.journal(t, "j1", acc.ID, nil, 1200, "2024-01-05")
	require.NoError(t, f.cache.MarkAsNeedingProcessing(ctx, []string{acc.ID}))

	s, err := f.cache.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, s.NeedsUpdate)
	assert.Equal(t, int64(0), s.Count)

	res, err := f.cache.UpdateAndCreateMany(ctx, UpdateOptions{NeedsUpdateOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	s, err = f.cache.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, s.NeedsUpdate)
	assert.Equal(t, int64(1), s.Count)
	assert.Equal(t, int64(1200), s.Sum)
}

func TestRefreshZeroesDimensionWithoutJournals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Wallet", AccountType: core.AccountAsset})
	require.NoError(t, err)
	f.journal(t, "j1", acc.ID, nil, 700, "2024-01-05")
	_, err = f.cache.UpdateAndCreateMany(ctx, UpdateOptions{AllowCreation: true})
	require.NoError(t, err)

	_, err = f.db.Q(ctx).ExecContext(ctx, "DELETE FROM journal_entries")
	require.NoError(t, err)

	_, err = f.cache.UpdateAndCreateMany(ctx, UpdateOptions{IDs: []string{acc.ID}})
	require.NoError(t, err)

	s, err := f.cache.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Count)
	assert.Equal(t, int64(0), s.Sum)
	assert.Nil(t, s.FirstDate)
}

func TestGetMissingSummary(t *testing.T) {
	f := newFixture(t)
	_, err := f.cache.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
