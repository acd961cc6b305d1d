package backup

import (
	"context"
	"path/filepath"
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

type env struct {
	db       *storage.DB
	journals *journal.Store
	summary  *summary.Cache
	engine   *Engine
}

func newEnv(t *testing.T, files filestore.Store) *env {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := dimension.NewRegistry(db)
	cache := summary.New(db, reg)
	journals := journal.NewStore(db, dimension.NewResolver(reg), cache)
	return &env{db: db, journals: journals, summary: cache, engine: New(db, files, cache, journals)}
}

func newFiles(t *testing.T) filestore.Store {
	t.Helper()
	files, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	return files
}

func tableCounts(t *testing.T, db *storage.DB) map[string]int {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]int)
	for _, tbl := range Tables {
		var n int
		require.NoError(t, db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tbl.Name).Scan(&n))
		out[tbl.Name] = n
	}
	return out
}

func seed(t *testing.T, e *env) {
	t.Helper()
	ctx := context.Background()
	_, err := e.journals.CreateManyTransactionJournals(ctx, [][]journal.CreateJournalInput{
		{
			{Date: "2024-01-05", Account: dimension.Ref{Title: "Checking"}, Amount: -2500, Labels: []dimension.Ref{{Title: "trip"}}},
			{Date: "2024-01-05", Account: dimension.Ref{Title: "Hotel"}, Amount: 2500, Bill: dimension.Ref{Title: "Travel"}},
		},
		{
			{Date: "2024-02-01", Account: dimension.Ref{Title: "Checking"}, Amount: -100},
			{Date: "2024-02-01", Account: dimension.Ref{Title: "Coffee"}, Amount: 100, Category: dimension.Ref{Title: "Food:Drinks"}},
		},
	}, journal.CreateOptions{})
	require.NoError(t, err)
	_, err = e.summary.CreateMissing(ctx)
	require.NoError(t, err)

	now := storage.FormatTime(time.Now())
	_, err = e.db.Q(ctx).ExecContext(ctx,
		"INSERT INTO import_mappings (id, title, configuration, sample_data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		"m1", "Bank", "date: '{d}'", "", now, now)
	require.NoError(t, err)
	_, err = e.db.Q(ctx).ExecContext(ctx,
		"INSERT INTO users (id, username, hashed_password, admin, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		"u1", "alex", "x", 1, now, now)
	require.NoError(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	files := newFiles(t)
	src := newEnv(t, files)
	seed(t, src)
	ctx := context.Background()

	info, err := src.engine.StoreBackup(ctx, StoreOptions{Title: "Before upgrade!", Compress: true, CreatedBy: "alex"})
	require.NoError(t, err)
	assert.True(t, info.Compressed)
	assert.Contains(t, info.Filename, "-before-upgrade.data")

	dst := newEnv(t, files)
	res, err := dst.engine.RestoreBackup(ctx, RestoreOptions{Filename: info.Filename, IncludeUsers: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PreRestoreBackup)

	want := tableCounts(t, src.db)
	assert.Equal(t, want, tableCounts(t, dst.db))
	assert.Equal(t, 4, res.ItemCount["journal_entries"])

	var dirty int
	require.NoError(t, dst.db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM summaries WHERE needs_update = 0").Scan(&dirty))
	assert.Zero(t, dirty)

	list, err := dst.engine.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, res.PreRestoreBackup, list[0].Filename)
}

func TestRestoreKeepsUsersUnlessAsked(t *testing.T) {
	files := newFiles(t)
	src := newEnv(t, files)
	seed(t, src)
	ctx := context.Background()

	info, err := src.engine.StoreBackup(ctx, StoreOptions{Title: "plain"})
	require.NoError(t, err)
	assert.False(t, info.Compressed)

	dst := newEnv(t, files)
	_, err = dst.engine.RestoreBackup(ctx, RestoreOptions{Filename: info.Filename})
	require.NoError(t, err)
	assert.Zero(t, tableCounts(t, dst.db)["users"])
	assert.Equal(t, 2, tableCounts(t, dst.db)["transactions"])
}

func TestRestoreMigratesVersionOne(t *testing.T) {
	files := newFiles(t)
	e := newEnv(t, files)
	ctx := context.Background()

	ts := "2020-05-01T10:00:00.000000000Z"
	doc := `{
	"version": 1,
	"data": {
		"accounts": [
			{"id": "a1", "title": "Checking", "type": "asset", "account_group": "", "status": "active", "active": 1, "disabled": 0, "deleted": 0, "summary_id": "gone", "import_id": null, "import_detail_id": null, "created_at": "` + ts + `", "updated_at": "` + ts + `"},
			{"id": "a2", "title": "Savings", "type": "asset", "account_group": "", "status": "active", "active": 1, "disabled": 0, "deleted": 0, "summary_id": null, "import_id": null, "import_detail_id": null, "created_at": "` + ts + `", "updated_at": "` + ts + `"}
		],
		"transactions": [{"id": "t1", "created_at": "` + ts + `", "updated_at": "` + ts + `"}],
		"journals": [
			{"id": "j1", "transaction_id": "t1", "amount": -700, "account_id": "a1", "description": "move", "date": "2020-05-01T00:00:00Z", "date_text": "2020-05-01", "year_month_day": "20200501", "year_week": "2020-W18", "year_month": "2020-05", "year": 2020, "linked": 1, "reconciled": 0, "data_checked": 0, "complete": 0, "transfer": 0, "created_at": "` + ts + `", "updated_at": "` + ts + `"},
			{"id": "j2", "transaction_id": "t1", "amount": 700, "account_id": "a2", "description": "move", "date": "2020-05-01T00:00:00Z", "date_text": "2020-05-01", "year_month_day": "20200501", "year_week": "2020-W18", "year_month": "2020-05", "year": 2020, "linked": 1, "reconciled": 0, "data_checked": 0, "complete": 0, "transfer": 0, "created_at": "` + ts + `", "updated_at": "` + ts + `"}
		]
	},
	"information": {"createdAt": "` + ts + `", "title": "old", "creationReason": "manual", "itemCount": {"accounts": 2, "transactions": 1, "journals": 2}}
}`
	name := "2020-05-01T10-00-00.000Z-old.json"
	require.NoError(t, files.Write(ctx, "backups/"+name, []byte(doc)))

	_, err := e.engine.RestoreBackup(ctx, RestoreOptions{Filename: name})
	require.NoError(t, err)

	lines, err := e.journals.Find(ctx, journal.Filter{})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, j := range lines {
		assert.Equal(t, "2020-Q2", j.YearQuarter)
		assert.True(t, j.Transfer, "asset to asset moves are transfers")
	}

	var summaryID *string
	require.NoError(t, e.db.Q(ctx).QueryRowContext(ctx, "SELECT summary_id FROM accounts WHERE id = 'a1'").Scan(&summaryID))
	assert.Nil(t, summaryID)
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = Decode([]byte(`{"version": 9, "data": {}, "information": {}}`))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = Decode([]byte(`{"version": 3, "data": {"widgets": []}, "information": {"createdAt": "2024-01-01T00:00:00Z", "title": "x", "creationReason": "manual"}}`))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMissingBackupIsNotFound(t *testing.T) {
	e := newEnv(t, newFiles(t))
	ctx := context.Background()

	_, err := e.engine.GetBackupData(ctx, "nope.json")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, e.engine.DeleteBackup(ctx, "nope.json"), core.ErrNotFound)

	info, err := e.engine.StoreBackup(ctx, StoreOptions{Title: "empty", CreationReason: ReasonScheduled})
	require.NoError(t, err)
	require.NoError(t, e.engine.DeleteBackup(ctx, info.Filename))
	list, err := e.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
