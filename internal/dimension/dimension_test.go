package dimension

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
	"ledger/internal/storage"
)

func newTestRegistry(t *testing.T) (*storage.DB, *Registry) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewRegistry(db)
}

func TestRegistryCreateAndGet(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	acc, err := reg.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Checking", AccountType: core.AccountAsset, AccountGroup: "Bank"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, acc.Status)
	assert.True(t, acc.Active)
	assert.Equal(t, core.AccountAsset, acc.AccountType)
	assert.Equal(t, "Bank", acc.AccountGroup)

	got, err := reg.GetByTitle(ctx, core.DimensionAccount, "Checking")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	cat, err := reg.Create(ctx, core.DimensionCategory, core.DimensionInput{Title: "Home:Rent"})
	require.NoError(t, err)
	assert.Equal(t, "Home", cat.Group)
	assert.Equal(t, "Rent", cat.Single)

	_, err = reg.Create(ctx, core.DimensionCategory, core.DimensionInput{Title: "Home:Rent"})
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = reg.Get(ctx, core.DimensionBill, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = reg.Create(ctx, core.DimensionBill, core.DimensionInput{Title: ""})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRegistryDefaultAccountTypeIsExpense(t *testing.T) {
	_, reg := newTestRegistry(t)
	acc, err := reg.Create(context.Background(), core.DimensionAccount, core.DimensionInput{Title: "Groceries"})
	require.NoError(t, err)
	assert.Equal(t, core.AccountExpense, acc.AccountType)
}

func TestRegistryUpdateAndStatus(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	bill, err := reg.Create(ctx, core.DimensionBill, core.DimensionInput{Title: "Power"})
	require.NoError(t, err)

	updated, err := reg.Update(ctx, core.DimensionBill, bill.ID, core.DimensionInput{Title: "Electricity"})
	require.NoError(t, err)
	assert.Equal(t, "Electricity", updated.Title)
	assert.Equal(t, core.StatusActive, updated.Status)

	require.NoError(t, reg.SetStatus(ctx, core.DimensionBill, bill.ID, core.StatusDisabled))
	got, err := reg.Get(ctx, core.DimensionBill, bill.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	assert.False(t, got.Active)

	// Same status twice is silent.
	require.NoError(t, reg.SetStatus(ctx, core.DimensionBill, bill.ID, core.StatusDisabled))
	assert.ErrorIs(t, reg.SetStatus(ctx, core.DimensionBill, bill.ID, "archived"), core.ErrValidation)
}

func TestRegistryDeleteMany(t *testing.T) {
	db, reg := newTestRegistry(t)
	ctx := context.Background()

	acc, err := reg.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Wallet", AccountType: core.AccountAsset})
	require.NoError(t, err)
	tag, err := reg.Create(ctx, core.DimensionTag, core.DimensionInput{Title: "Trip:Rome"})
	require.NoError(t, err)
	unused, err := reg.Create(ctx, core.DimensionTag, core.DimensionInput{Title: "Unused"})
	require.NoError(t, err)

	now := storage.FormatTime(time.Now())
	q := db.Q(ctx)
	_, err = q.ExecContext(ctx, "INSERT INTO transactions (id, created_at, updated_at) VALUES ('t1', ?, ?)", now, now)
	require.NoError(t, err)
	_, err = q.ExecContext(ctx, `INSERT INTO journal_entries (id, transaction_id, amount, account_id, tag_id, date, date_text, year_month_day, year_week, year_month, year_quarter, year, created_at, updated_at)
		VALUES ('j1', 't1', 100, ?, ?, '2024-01-01', '2024-01-01', '20240101', '2024-W01', '2024-01', '2024-Q1', 2024, ?, ?)`, acc.ID, tag.ID, now, now)
	require.NoError(t, err)

	ok, err := reg.CanDeleteMany(ctx, core.DimensionTag, []string{tag.ID, unused.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, reg.DeleteMany(ctx, core.DimensionTag, []string{tag.ID}), core.ErrConflict)
	require.NoError(t, reg.DeleteMany(ctx, core.DimensionTag, []string{unused.ID}))
	// Deleting again is a no-op.
	require.NoError(t, reg.DeleteMany(ctx, core.DimensionTag, []string{unused.ID}))

	_, err = reg.Get(ctx, core.DimensionTag, unused.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRegistryUniqueKeys(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Savings", AccountGroup: "Bank", AccountType: core.AccountAsset})
	require.NoError(t, err)
	_, err = reg.Create(ctx, core.DimensionBill, core.DimensionInput{Title: "Coffee"})
	require.NoError(t, err)

	keys, err := reg.UniqueKeys(ctx, core.DimensionAccount)
	require.NoError(t, err)
	assert.Contains(t, keys, "Bank:Savings")

	keys, err = reg.UniqueKeys(ctx, core.DimensionBill)
	require.NoError(t, err)
	assert.Contains(t, keys, "Coffee")
}

func TestCreateOrGetSameTitleTwice(t *testing.T) {
	db, reg := newTestRegistry(t)
	res := NewResolver(reg)
	ctx := context.Background()

	first, err := res.CreateOrGet(ctx, core.DimensionBudget, Ref{Title: "Holidays"}, Options{})
	require.NoError(t, err)
	second, err := res.CreateOrGet(ctx, core.DimensionBudget, Ref{Title: "Holidays"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var n int
	require.NoError(t, db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM budgets WHERE title = 'Holidays'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCreateOrGetByID(t *testing.T) {
	_, reg := newTestRegistry(t)
	res := NewResolver(reg)
	ctx := context.Background()

	nothing, err := res.CreateOrGet(ctx, core.DimensionTag, Ref{}, Options{})
	require.NoError(t, err)
	assert.Nil(t, nothing)

	_, err = res.CreateOrGet(ctx, core.DimensionTag, Ref{ID: "nope"}, Options{})
	assert.ErrorIs(t, err, core.ErrNotFound)

	tag, err := reg.Create(ctx, core.DimensionTag, core.DimensionInput{Title: "Old", Status: core.StatusDisabled})
	require.NoError(t, err)

	_, err = res.CreateOrGet(ctx, core.DimensionTag, Ref{ID: tag.ID}, Options{RequireActive: true})
	assert.ErrorIs(t, err, core.ErrInactiveReference)

	got, err := res.CreateOrGet(ctx, core.DimensionTag, Ref{ID: tag.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)
}

func TestCreateOrGetConcurrentWithCache(t *testing.T) {
	db, reg := newTestRegistry(t)
	res := NewResolver(reg)
	ctx := context.Background()

	cache, err := res.NewCache(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := res.CreateOrGet(ctx, core.DimensionLabel, Ref{Title: "Shared"}, Options{Cache: cache})
			errs[i] = err
			if d != nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var n int
	require.NoError(t, db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM labels").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCacheRewind(t *testing.T) {
	_, reg := newTestRegistry(t)
	res := NewResolver(reg)
	ctx := context.Background()

	cache, err := res.NewCache(ctx)
	require.NoError(t, err)
	mark := cache.Mark()
	_, err = res.CreateOrGet(ctx, core.DimensionBill, Ref{Title: "Water"}, Options{Cache: cache})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	cache.Rewind(mark)
	assert.Equal(t, 0, cache.Len())
}
