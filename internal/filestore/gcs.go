package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS keeps blobs in a Cloud Storage bucket under an optional prefix.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects to bucket. An empty credentialsFile uses Application
// Default Credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

func (g *GCS) Write(ctx context.Context, name string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(g.object(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", name, err)
	}
	return nil
}

func (g *GCS) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	return data, nil
}

func (g *GCS) List(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix := g.object(dir)
	if prefix != "" {
		prefix += "/"
	}
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var out []FileInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		if attrs.Name == "" {
			continue // synthetic directory entry
		}
		out = append(out, FileInfo{
			Name:    strings.TrimPrefix(attrs.Name, prefix),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return out, nil
}

func (g *GCS) Delete(ctx context.Context, name string) error {
	err := g.client.Bucket(g.bucket).Object(g.object(name)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
