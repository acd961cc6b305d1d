// Package filestore stores named blobs (import uploads, backups) on local
// disk or in a Google Cloud Storage bucket.
package filestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotExist is returned by Read and Delete for unknown names.
var ErrNotExist = errors.New("file does not exist")

// FileInfo describes one stored blob.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is the blob store used by imports and backups. Names are slash
// separated paths relative to the store root.
type Store interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	// List returns the blobs directly under dir.
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Delete(ctx context.Context, name string) error
}
