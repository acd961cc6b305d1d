package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultChunkSize bounds multi-row statements well below SQLite's
// host parameter limit.
const DefaultChunkSize = 200

// timeLayout is fixed width so TEXT columns compare in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp the way every TEXT time column stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime. Unparseable values yield the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}

// ParseTimePtr parses a nullable TEXT time column.
func ParseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := ParseTime(*s)
	return &t
}

// Placeholders returns "?, ?, ?" for n parameters.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Args converts a typed slice into query arguments.
func Args[T any](items []T) []any {
	args := make([]any, len(items))
	for i, v := range items {
		args[i] = v
	}
	return args
}

// Unique returns the distinct non-empty values of ids in first-seen order.
func Unique(ids ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range ids {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// InsertRows writes rows into table in chunks. Each row must have one
// value per column. verb is "INSERT" or "INSERT OR IGNORE".
func InsertRows(ctx context.Context, q Querier, verb, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	perChunk := max(1, 30000/len(columns))
	perChunk = min(perChunk, DefaultChunkSize)

	rowPlaceholder := "(" + Placeholders(len(columns)) + ")"
	for _, chunk := range Chunk(rows, perChunk) {
		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("insert into %s: row has %d values for %d columns", table, len(row), len(columns))
			}
			values[i] = rowPlaceholder
			args = append(args, row...)
		}
		query := fmt.Sprintf("%s INTO %s (%s) VALUES %s", verb, table, strings.Join(columns, ", "), strings.Join(values, ", "))
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

// ExecIn runs a statement of the form "... IN (%s) ..." once per chunk of ids.
// prefix args are bound before the ids on every chunk.
func ExecIn(ctx context.Context, q Querier, query string, ids []string, prefix ...any) (int64, error) {
	var affected int64
	for _, chunk := range Chunk(ids, DefaultChunkSize) {
		args := append(append([]any{}, prefix...), Args(chunk)...)
		res, err := q.ExecContext(ctx, fmt.Sprintf(query, Placeholders(len(chunk))), args...)
		if err != nil {
			return affected, err
		}
		n, err := res.RowsAffected()
		if err == nil {
			affected += n
		}
	}
	return affected, nil
}

// QueryStrings collects a single-column string result.
func QueryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s *string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, rows.Err()
}

// QueryStringsIn runs a "... IN (%s) ..." query per chunk and concatenates
// the single-column results.
func QueryStringsIn(ctx context.Context, q Querier, query string, ids []string, prefix ...any) ([]string, error) {
	var out []string
	for _, chunk := range Chunk(ids, DefaultChunkSize) {
		args := append(append([]any{}, prefix...), Args(chunk)...)
		res, err := QueryStrings(ctx, q, fmt.Sprintf(query, Placeholders(len(chunk))), args...)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// BoolInt stores booleans as 0/1.
func BoolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
