package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Q(context.Background()).QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func insertTransaction(ctx context.Context, db *DB, id string) error {
	now := FormatTime(time.Now())
	_, err := db.Q(ctx).ExecContext(ctx, "INSERT INTO transactions (id, created_at, updated_at) VALUES (?, ?, ?)", id, now, now)
	return err
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)
	for _, table := range []string{"accounts", "journal_entries", "summaries", "imports", "import_item_details", "labels_to_journals"} {
		assert.Equal(t, 0, countRows(t, db, table), table)
	}
}

func TestInTxCommitAndRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InTx(ctx, func(ctx context.Context) error {
		require.True(t, InTransaction(ctx))
		return insertTransaction(ctx, db, "t1")
	}))
	assert.Equal(t, 1, countRows(t, db, "transactions"))

	boom := errors.New("boom")
	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := insertTransaction(ctx, db, "t2"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, countRows(t, db, "transactions"))
}

func TestInTxJoinsOuterTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := db.InTx(ctx, func(ctx context.Context) error {
			return insertTransaction(ctx, db, "inner")
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, "transactions"), "inner write must roll back with the outer transaction")
}

func TestSavepointIsolatesFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InTx(ctx, func(ctx context.Context) error {
		if err := insertTransaction(ctx, db, "kept"); err != nil {
			return err
		}
		err := db.Savepoint(ctx, func(ctx context.Context) error {
			if err := insertTransaction(ctx, db, "dropped"); err != nil {
				return err
			}
			return errors.New("row failed")
		})
		require.Error(t, err)
		return db.Savepoint(ctx, func(ctx context.Context) error {
			return insertTransaction(ctx, db, "also kept")
		})
	}))

	ids, err := QueryStrings(ctx, db.Q(ctx), "SELECT id FROM transactions ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"also kept", "kept"}, ids)
}

func TestInsertRowsChunks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := FormatTime(time.Now())
	var rows [][]any
	for i := 0; i < 2*DefaultChunkSize+7; i++ {
		rows = append(rows, []any{fmt.Sprintf("t%04d", i), now, now})
	}
	require.NoError(t, InsertRows(ctx, db.Q(ctx), "INSERT", "transactions", []string{"id", "created_at", "updated_at"}, rows))
	assert.Equal(t, len(rows), countRows(t, db, "transactions"))

	// Re-inserting with OR IGNORE is a no-op.
	require.NoError(t, InsertRows(ctx, db.Q(ctx), "INSERT OR IGNORE", "transactions", []string{"id", "created_at", "updated_at"}, rows[:3]))
	assert.Equal(t, len(rows), countRows(t, db, "transactions"))

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r[0].(string))
	}
	n, err := ExecIn(ctx, db.Q(ctx), "DELETE FROM transactions WHERE id IN (%s)", ids)
	require.NoError(t, err)
	assert.EqualValues(t, len(rows), n)
}

func TestChunkAndPlaceholders(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)
	assert.Nil(t, Chunk([]int{}, 2))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, []string{"a", "b", "c"}, Unique([]string{"a", "", "b"}, []string{"a", "c"}))
}

func TestTimeCodec(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
	assert.True(t, ParseTime(FormatTime(ts)).Equal(ts))
	assert.True(t, ParseTime("").IsZero())
	assert.Nil(t, ParseTimePtr(nil))
	d := "2024-02-03"
	assert.Equal(t, "2024-02-03", ParseTimePtr(&d).Format("2006-01-02"))
}
