package importer

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/filestore"
	"ledger/internal/journal"
	"ledger/internal/storage"
	"ledger/internal/summary"
)

type fixture struct {
	db       *storage.DB
	registry *dimension.Registry
	journals *journal.Store
	files    *filestore.Local
	pipeline *Pipeline

	mu       sync.Mutex
	notified []string
}

func (f *fixture) PublishImportReady(_ context.Context, importID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, importID)
	return nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files, err := filestore.NewLocal(filepath.Join(dir, "files"))
	require.NoError(t, err)

	reg := dimension.NewRegistry(db)
	resolver := dimension.NewResolver(reg)
	journals := journal.NewStore(db, resolver, summary.New(db, reg))

	f := &fixture{db: db, registry: reg, journals: journals, files: files}
	opts = append([]Option{WithNotifier(f)}, opts...)
	f.pipeline = New(db, files, resolver, journals, NewMappingStore(db, nil), opts...)
	return f
}

func (f *fixture) store(t *testing.T, typ core.ImportType, data string) *core.Import {
	t.Helper()
	imp, err := f.pipeline.Store(context.Background(), StoreInput{Title: "upload.csv", Data: []byte(data), Type: typ})
	require.NoError(t, err)
	return imp
}

func (f *fixture) counts(t *testing.T, id string) core.DetailCounts {
	t.Helper()
	c, err := f.pipeline.DetailCounts(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) status(t *testing.T, id string) core.ImportStatus {
	t.Helper()
	imp, err := f.pipeline.Get(context.Background(), id)
	require.NoError(t, err)
	return imp.Status
}

const transactionCSV = `uniqueId,date,amount,description,fromAccountTitle,toAccountTitle,categoryTitle,labels
t1,2024-03-01,12.50,Coffee beans,Checking,Groceries,Food,"pantry, weekly"
t2,2024-03-02,40,Fuel,Checking,Car,Transport,
t3,2024-03-05,"1,250.00",Rent,Checking,Housing,,
`

func TestDuplicateBillOnlyImportIsComplete(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Create(context.Background(), core.DimensionBill, core.DimensionInput{Title: "Coffee"})
	require.NoError(t, err)

	imp := f.store(t, core.ImportTypeBill, "title\nCoffee\n")

	assert.Equal(t, core.ImportComplete, imp.Status)
	details, err := f.pipeline.Details(context.Background(), imp.ID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, core.DetailDuplicate, details[0].Status)
	require.NotNil(t, details[0].UniqueID)
	assert.Equal(t, "Coffee", *details[0].UniqueID)
}

func TestAccountImportEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Savings", AccountType: core.AccountAsset})
	require.NoError(t, err)

	imp := f.store(t, core.ImportTypeAccount, "title,type\nChecking,asset\nSavings,asset\nBroker,asset\n")

	assert.Equal(t, core.DetailCounts{Processed: 2, Duplicate: 1}, f.counts(t, imp.ID))
	assert.Equal(t, core.ImportProcessed, imp.Status)

	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	assert.Equal(t, []string{imp.ID}, f.notified)
	// Triggering again is a no-op.
	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	assert.Len(t, f.notified, 1)

	ran, err := f.pipeline.DoRequiredImports(ctx)
	require.NoError(t, err)
	assert.Equal(t, imp.ID, ran)
	assert.Equal(t, core.ImportComplete, f.status(t, imp.ID))

	checking, err := f.registry.GetByTitle(ctx, core.DimensionAccount, "Checking")
	require.NoError(t, err)
	assert.Equal(t, core.AccountAsset, checking.AccountType)
	require.NotNil(t, checking.ImportID)
	assert.Equal(t, imp.ID, *checking.ImportID)

	imported, err := f.pipeline.Details(ctx, imp.ID, core.DetailImported)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.NotNil(t, imported[0].RelationID)

	ran, err = f.pipeline.DoRequiredImports(ctx)
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestInvalidRowsAreRecorded(t *testing.T) {
	f := newFixture(t)

	imp := f.store(t, core.ImportTypeAccount, "title,type\n,asset\nBroker,crypto\n")

	assert.Equal(t, core.DetailCounts{Error: 2}, f.counts(t, imp.ID))
	assert.Equal(t, core.ImportError, imp.Status)

	details, err := f.pipeline.Details(context.Background(), imp.ID)
	require.NoError(t, err)
	for _, d := range details {
		assert.Contains(t, string(d.ErrorInfo), "issues")
	}
}

func TestTransactionImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Create(ctx, core.DimensionAccount, core.DimensionInput{Title: "Checking", AccountType: core.AccountAsset})
	require.NoError(t, err)

	imp := f.store(t, core.ImportTypeTransaction, transactionCSV)
	require.Equal(t, core.ImportProcessed, imp.Status)
	assert.Equal(t, 3, f.counts(t, imp.ID).Processed)

	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, imp.ID))
	assert.Equal(t, core.ImportComplete, f.status(t, imp.ID))

	lines, err := f.journals.Find(ctx, journal.Filter{ImportIDs: []string{imp.ID}})
	require.NoError(t, err)
	require.Len(t, lines, 6)
	var total int64
	for _, j := range lines {
		total += j.Amount
		require.NotNil(t, j.ImportDetailID)
	}
	assert.Zero(t, total)

	coffee, err := f.journals.Find(ctx, journal.Filter{Description: "Coffee beans", MinAmount: ptr(int64(1))})
	require.NoError(t, err)
	require.Len(t, coffee, 1)
	assert.Equal(t, int64(1250), coffee[0].Amount)
	labels, err := f.journals.Labels(ctx, coffee[0].ID)
	require.NoError(t, err)
	assert.Len(t, labels, 2)

	// The same file again only yields duplicates.
	again := f.store(t, core.ImportTypeTransaction, transactionCSV)
	assert.Equal(t, core.ImportComplete, again.Status)
	assert.Equal(t, core.DetailCounts{Duplicate: 3}, f.counts(t, again.ID))
}

func TestFailingRowDoesNotAbortImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imp := f.store(t, core.ImportTypeTransaction, `date,amount,fromAccountId,fromAccountTitle,toAccountTitle
2024-03-01,10,,Checking,Groceries
2024-03-02,20,missing-account,,Groceries
`)
	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, imp.ID))

	assert.Equal(t, core.ImportComplete, f.status(t, imp.ID))
	assert.Equal(t, core.DetailCounts{Imported: 1, ImportError: 1}, f.counts(t, imp.ID))

	lines, err := f.journals.Find(ctx, journal.Filter{ImportIDs: []string{imp.ID}})
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestMappedImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mapping, err := f.pipeline.Mappings().Create(ctx, MappingInput{
		Title: "Bank export",
		Configuration: `
uniqueId: "{ref}"
date: "{when}"
dateFormat: "02/01/2006"
description: "{memo}"
amount: "{value}"
amountNegate: true
fromAccount: "Checking"
toAccount: "{payee}"
`,
	})
	require.NoError(t, err)

	data := `[
		{"ref": "a1", "when": "01/03/2024", "memo": "Bakery", "value": -4.5, "payee": "Food"},
		{"ref": "a2", "when": "2024-03-02", "memo": "Broken", "value": -1, "payee": "Food"},
		{"ref": "a3", "when": "03/03/2024", "memo": "Cinema", "value": "-12", "payee": "Fun"}
	]`
	imp, err := f.pipeline.Store(ctx, StoreInput{Title: "export.json", Data: []byte(data), Type: core.ImportTypeMapped, MappingID: mapping.ID})
	require.NoError(t, err)
	assert.Equal(t, core.SourceJSON, imp.Source)
	assert.Equal(t, core.DetailCounts{Processed: 2, Error: 1}, f.counts(t, imp.ID))

	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, imp.ID))

	bakery, err := f.journals.Find(ctx, journal.Filter{Description: "Bakery", MinAmount: ptr(int64(1))})
	require.NoError(t, err)
	require.Len(t, bakery, 1)
	assert.Equal(t, int64(450), bakery[0].Amount)
	assert.Equal(t, "2024-03-01", bakery[0].DateText)

	err = f.pipeline.Mappings().Delete(ctx, mapping.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestStoreRejectsWrongFileKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Store(ctx, StoreInput{Title: "a.json", Data: []byte(`[{"title":"x"}]`), Type: core.ImportTypeAccount})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.pipeline.Store(ctx, StoreInput{Title: "a.png", Data: []byte("\x89PNG\r\n\x1a\n\x00\x00"), Type: core.ImportTypeAccount})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.pipeline.Store(ctx, StoreInput{Title: "a.csv", Data: []byte("title\nx\n"), Type: core.ImportTypeMapped})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDoRequiredImportsRunsOneAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.store(t, core.ImportTypeTag, "title\nalpha\n")
	second := f.store(t, core.ImportTypeTag, "title\nbeta\n")
	require.NoError(t, f.pipeline.TriggerImport(ctx, first.ID))
	require.NoError(t, f.pipeline.TriggerImport(ctx, second.ID))

	// Pretend another worker is busy with the first import.
	_, err := f.db.Q(ctx).ExecContext(ctx, "UPDATE imports SET status = ?, updated_at = ? WHERE id = ?",
		core.ImportImporting, storage.FormatTime(time.Now()), first.ID)
	require.NoError(t, err)

	ran, err := f.pipeline.DoRequiredImports(ctx)
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.Equal(t, core.ImportAwaitingImport, f.status(t, second.ID))

	err = f.pipeline.DoImport(ctx, second.ID)
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = f.db.Q(ctx).ExecContext(ctx, "UPDATE imports SET status = ? WHERE id = ?", core.ImportAwaitingImport, first.ID)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		executed sync.Map
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.pipeline.DoRequiredImports(ctx)
			assert.NoError(t, err)
			if id != "" {
				executed.Store(id, true)
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{first.ID, second.ID} {
		st := f.status(t, id)
		assert.Contains(t, []core.ImportStatus{core.ImportComplete, core.ImportAwaitingImport}, st)
	}
	var importing int
	require.NoError(t, f.db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM imports WHERE status = ?", core.ImportImporting).Scan(&importing))
	assert.Zero(t, importing)

	tags, err := f.registry.List(ctx, core.DimensionTag)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, tag := range tags {
		seen[tag.Title]++
	}
	for title, n := range seen {
		assert.Equal(t, 1, n, title)
	}
}

func TestStuckImportIsSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imp := f.store(t, core.ImportTypeTag, "title\nalpha\n")
	_, err := f.db.Q(ctx).ExecContext(ctx, "UPDATE imports SET status = ?, updated_at = ? WHERE id = ?",
		core.ImportImporting, storage.FormatTime(time.Now().Add(-time.Hour)), imp.ID)
	require.NoError(t, err)

	_, err = f.pipeline.DoRequiredImports(ctx)
	require.NoError(t, err)

	got, err := f.pipeline.Get(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ImportError, got.Status)
	assert.Contains(t, string(got.ErrorInfo), "did not finish")
}

func TestAutoProcessImportsArePromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imp, err := f.pipeline.Store(ctx, StoreInput{Title: "tags.csv", Data: []byte("title\nalpha\n"), Type: core.ImportTypeTag, AutoProcess: true})
	require.NoError(t, err)
	require.Equal(t, core.ImportProcessed, imp.Status)

	ran, err := f.pipeline.DoRequiredImports(ctx)
	require.NoError(t, err)
	assert.Equal(t, imp.ID, ran)
	assert.Equal(t, core.ImportComplete, f.status(t, imp.ID))
}

func TestImportTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, WithConfig(Config{Timeout: 2 * time.Minute, StuckTimeout: time.Hour}))
	ctx := context.Background()

	imp := f.store(t, core.ImportTypeTransaction, transactionCSV)
	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))

	base := time.Now()
	var tick atomic.Int64
	f.pipeline.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Minute)
	}

	err := f.pipeline.DoImport(ctx, imp.ID)
	require.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, core.ImportError, f.status(t, imp.ID))
	assert.Equal(t, 3, f.counts(t, imp.ID).Processed)

	lines, err := f.journals.Find(ctx, journal.Filter{ImportIDs: []string{imp.ID}})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestDeleteLinkedAndReprocess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imp := f.store(t, core.ImportTypeTransaction, transactionCSV)
	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, imp.ID))

	_, err := f.pipeline.Reprocess(ctx, imp.ID)
	assert.ErrorIs(t, err, core.ErrState)

	ok, err := f.pipeline.CanDelete(ctx, imp.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.pipeline.DeleteLinked(ctx, imp.ID))
	assert.Equal(t, core.ImportCreated, f.status(t, imp.ID))
	lines, err := f.journals.Find(ctx, journal.Filter{ImportIDs: []string{imp.ID}})
	require.NoError(t, err)
	assert.Empty(t, lines)

	again, err := f.pipeline.ProcessCreatedImport(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ImportProcessed, again.Status)
	assert.Equal(t, 3, f.counts(t, imp.ID).Processed)
}

func TestEntityImportDeleteGuardedByReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	imp := f.store(t, core.ImportTypeAccount, "title,type\nChecking,asset\n")
	require.NoError(t, f.pipeline.TriggerImport(ctx, imp.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, imp.ID))

	_, err := f.journals.CreateManyTransactionJournals(ctx, [][]journal.CreateJournalInput{{
		{Date: "2024-01-01", Account: dimension.Ref{Title: "Checking"}, Amount: -5},
		{Date: "2024-01-01", Account: dimension.Ref{Title: "Lunch"}, Amount: 5},
	}}, journal.CreateOptions{})
	require.NoError(t, err)

	ok, err := f.pipeline.CanDelete(ctx, imp.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, f.pipeline.DeleteLinked(ctx, imp.ID), core.ErrConflict)

	// Forgetting keeps the account but drops its provenance.
	require.NoError(t, f.pipeline.ForgetImport(ctx, imp.ID))
	_, err = f.pipeline.Get(ctx, imp.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	checking, err := f.registry.GetByTitle(ctx, core.DimensionAccount, "Checking")
	require.NoError(t, err)
	assert.Nil(t, checking.ImportID)
}

func TestCleanAndAutoClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Create(ctx, core.DimensionTag, core.DimensionInput{Title: "alpha"})
	require.NoError(t, err)

	partial, err := f.pipeline.Store(ctx, StoreInput{Title: "tags.csv", Data: []byte("title\nalpha\nbeta\n"), Type: core.ImportTypeTag, AutoClean: true})
	require.NoError(t, err)
	require.NoError(t, f.pipeline.TriggerImport(ctx, partial.ID))
	require.NoError(t, f.pipeline.DoImport(ctx, partial.ID))

	dupOnly, err := f.pipeline.Store(ctx, StoreInput{Title: "tags.csv", Data: []byte("title\nalpha\n"), Type: core.ImportTypeTag, AutoClean: true})
	require.NoError(t, err)
	require.Equal(t, core.ImportComplete, dupOnly.Status)

	kept, err := f.pipeline.Store(ctx, StoreInput{Title: "tags.csv", Data: []byte("title\nalpha\n"), Type: core.ImportTypeTag})
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := f.pipeline.AutoCleanAll(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	later := time.Now().Add(8 * 24 * time.Hour)
	f.pipeline.now = func() time.Time { return later }
	n, err = f.pipeline.AutoCleanAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, core.DetailCounts{Imported: 1}, f.counts(t, partial.ID))
	_, err = f.pipeline.Get(ctx, dupOnly.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.files.Read(ctx, dupOnly.Filename)
	assert.ErrorIs(t, err, filestore.ErrNotExist)
	_, err = f.pipeline.Get(ctx, kept.ID)
	assert.NoError(t, err)

	// A fully imported import has nothing left to clean.
	n, err = f.pipeline.AutoCleanAll(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func ptr[T any](v T) *T { return &v }
