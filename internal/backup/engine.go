// Package backup snapshots the whole ledger into a single versioned
// document and restores it, migrating older documents forward first.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/gzip"

	"ledger/internal/core"
	"ledger/internal/filestore"
	"ledger/internal/storage"
)

const (
	dir           = "backups"
	extCompressed = ".data"
	extPlain      = ".json"
	nameTime      = "2006-01-02T15-04-05.000Z"
)

// Reasons recorded in Information.CreationReason.
const (
	ReasonManual     = "manual"
	ReasonScheduled  = "scheduled"
	ReasonPreRestore = "preRestore"
)

// SummaryInvalidator marks every cached summary stale after a restore.
type SummaryInvalidator interface {
	MarkAllNeedingProcessing(ctx context.Context) error
}

// TransferUpdater recomputes transfer flags; nil ids means every
// transaction.
type TransferUpdater interface {
	UpdateManyTransferInfo(ctx context.Context, txIDs []string) (int, error)
}

type Engine struct {
	db        *storage.DB
	files     filestore.Store
	summaries SummaryInvalidator
	transfers TransferUpdater
	now       func() time.Time
}

func New(db *storage.DB, files filestore.Store, summaries SummaryInvalidator, transfers TransferUpdater) *Engine {
	return &Engine{db: db, files: files, summaries: summaries, transfers: transfers, now: time.Now}
}

// StoreOptions describe a new backup.
type StoreOptions struct {
	Title          string
	Compress       bool
	CreationReason string
	CreatedBy      string
}

// Info describes a stored backup file.
type Info struct {
	Filename   string
	Compressed bool
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// StoreBackup writes a snapshot of every table and returns the new file.
func (e *Engine) StoreBackup(ctx context.Context, opts StoreOptions) (*Info, error) {
	if opts.Title == "" {
		opts.Title = "backup"
	}
	if opts.CreationReason == "" {
		opts.CreationReason = ReasonManual
	}
	created := e.now().UTC()

	doc := &Document{
		Version: CurrentVersion,
		Data:    make(map[string][]Row, len(Tables)),
		Information: Information{
			CreatedAt:      created,
			Title:          opts.Title,
			CreationReason: opts.CreationReason,
			CreatedBy:      opts.CreatedBy,
			ItemCount:      make(map[string]int, len(Tables)),
		},
	}
	err := e.db.InTx(ctx, func(ctx context.Context) error {
		for _, t := range Tables {
			rows, err := e.readTable(ctx, t)
			if err != nil {
				return err
			}
			doc.Data[t.Name] = rows
			doc.Information.ItemCount[t.Name] = len(rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("backup document: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	ext := extPlain
	if opts.Compress {
		if data, err = compress(data); err != nil {
			return nil, err
		}
		ext = extCompressed
	}

	name := created.Format(nameTime) + "-" + slug(opts.Title) + ext
	if err := e.files.Write(ctx, path.Join(dir, name), data); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}

	slog.InfoContext(ctx, "Backup stored",
		"file", name,
		"reason", opts.CreationReason,
		"bytes", len(data),
		"journal_count", doc.Information.ItemCount["journal_entries"])
	return &Info{Filename: name, Compressed: opts.Compress, Size: int64(len(data)), CreatedAt: created, ModifiedAt: created}, nil
}

func (e *Engine) readTable(ctx context.Context, t Table) ([]Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(t.Columns, ", "), t.Name)
	rows, err := e.db.Q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.Name, err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(t.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		row := make(Row, len(t.Columns))
		for i, col := range t.Columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip backup: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress backup: %w", err)
	}
	return out, nil
}

func slug(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return '-'
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "backup"
	}
	return s
}

// List returns the stored backups, newest first.
func (e *Engine) List(ctx context.Context) ([]Info, error) {
	files, err := e.files.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []Info
	for _, f := range files {
		compressed := strings.HasSuffix(f.Name, extCompressed)
		if !compressed && !strings.HasSuffix(f.Name, extPlain) {
			continue
		}
		info := Info{Filename: f.Name, Compressed: compressed, Size: f.Size, ModifiedAt: f.ModTime, CreatedAt: f.ModTime}
		if len(f.Name) >= len(nameTime) {
			if t, err := time.Parse(nameTime, f.Name[:len(nameTime)]); err == nil {
				info.CreatedAt = t
			}
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Filename, a.Filename)
	})
	return out, nil
}

func (e *Engine) find(ctx context.Context, name string) (*Info, error) {
	all, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Filename == name {
			return &all[i], nil
		}
	}
	return nil, core.NotFoundf("backup %s", name)
}

// DeleteBackup removes a stored backup.
func (e *Engine) DeleteBackup(ctx context.Context, name string) error {
	if _, err := e.find(ctx, name); err != nil {
		return err
	}
	if err := e.files.Delete(ctx, path.Join(dir, name)); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	slog.InfoContext(ctx, "Backup deleted", "file", name)
	return nil
}

// GetBackupData returns the raw bytes of a stored backup.
func (e *Engine) GetBackupData(ctx context.Context, name string) ([]byte, error) {
	if _, err := e.find(ctx, name); err != nil {
		return nil, err
	}
	data, err := e.files.Read(ctx, path.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return data, nil
}

// Load reads, decodes and migrates a stored backup.
func (e *Engine) Load(ctx context.Context, name string) (*Document, error) {
	data, err := e.GetBackupData(ctx, name)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a backup file, compressed or not, and migrates it to the
// current version.
func Decode(data []byte) (*Document, error) {
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		var err error
		if data, err = decompress(data); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, core.NewValidationError("backup is not a valid document: " + err.Error())
	}
	if doc.Data == nil {
		doc.Data = map[string][]Row{}
	}
	if err := Migrate(&doc); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// RestoreOptions select a backup to restore.
type RestoreOptions struct {
	Filename     string
	IncludeUsers bool
}

// RestoreResult reports a finished restore.
type RestoreResult struct {
	PreRestoreBackup string
	ItemCount        map[string]int
}

// RestoreBackup replaces the ledger with the content of a backup. A fresh
// backup of the current data is written first.
func (e *Engine) RestoreBackup(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	doc, err := e.Load(ctx, opts.Filename)
	if err != nil {
		return nil, err
	}

	pre, err := e.StoreBackup(ctx, StoreOptions{Title: "pre-restore", Compress: true, CreationReason: ReasonPreRestore})
	if err != nil {
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}

	result := &RestoreResult{PreRestoreBackup: pre.Filename, ItemCount: make(map[string]int)}
	err = e.db.InTx(ctx, func(ctx context.Context) error {
		q := e.db.Q(ctx)
		for _, t := range slices.Backward(Tables) {
			if t.Users && !opts.IncludeUsers {
				continue
			}
			if _, err := q.ExecContext(ctx, "DELETE FROM "+t.Name); err != nil {
				return fmt.Errorf("clear %s: %w", t.Name, err)
			}
		}

		for _, t := range Tables {
			if t.Users && !opts.IncludeUsers {
				continue
			}
			rows := doc.Data[t.Name]
			values := make([][]any, len(rows))
			for i, row := range rows {
				v := make([]any, len(t.Columns))
				for j, col := range t.Columns {
					v[j] = value(row[col])
				}
				values[i] = v
			}
			if err := storage.InsertRows(ctx, q, "INSERT", t.Name, t.Columns, values); err != nil {
				return err
			}
			result.ItemCount[t.Name] = len(rows)
		}

		if err := e.summaries.MarkAllNeedingProcessing(ctx); err != nil {
			return fmt.Errorf("invalidate summaries: %w", err)
		}
		if _, err := e.transfers.UpdateManyTransferInfo(ctx, nil); err != nil {
			return fmt.Errorf("recompute transfers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Backup restored",
		"file", opts.Filename,
		"backup_created_at", doc.Information.CreatedAt.Format(time.RFC3339),
		"pre_restore_backup", pre.Filename,
		"journal_count", result.ItemCount["journal_entries"])
	return result, nil
}
