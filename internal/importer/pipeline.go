// Package importer ingests CSV and JSON files into the ledger.
//
// An import moves through created, processed, awaitingImport, importing
// and finally complete or error. Processing parses and classifies every
// row into an item detail; execution materialises the processed details
// in one database transaction. At most one import executes at a time:
// the claim is a single conditional UPDATE on the status column.
package importer

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/filestore"
	"ledger/internal/journal"
	"ledger/internal/storage"
)

// FollowingImportHook runs after a successful import, inside its
// transaction, for example to apply saved filters to the new journals.
type FollowingImportHook interface {
	ApplyFollowingImport(ctx context.Context, importID string, deadline time.Time) error
}

// Notifier announces imports that are ready to execute.
type Notifier interface {
	PublishImportReady(ctx context.Context, importID string) error
}

// Config bounds import execution.
type Config struct {
	// Timeout is the wall-clock budget of one execution.
	Timeout time.Duration
	// StuckTimeout is how long an import may stay importing before the
	// scheduler marks it as failed.
	StuckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Minute, StuckTimeout: 15 * time.Minute}
}

// Pipeline is the import state machine.
type Pipeline struct {
	db       *storage.DB
	files    filestore.Store
	resolver *dimension.Resolver
	journals *journal.Store
	mappings *MappingStore
	handlers map[core.ImportType]handler

	hook     FollowingImportHook
	notifier Notifier
	cfg      Config

	flight singleflight.Group
	now    func() time.Time
}

type Option func(*Pipeline)

func WithHook(h FollowingImportHook) Option {
	return func(p *Pipeline) { p.hook = h }
}

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

func New(db *storage.DB, files filestore.Store, resolver *dimension.Resolver, journals *journal.Store, mappings *MappingStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:       db,
		files:    files,
		resolver: resolver,
		journals: journals,
		mappings: mappings,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handlers = newHandlers(resolver.Registry(), journals)
	return p
}

// Mappings exposes the import mapping store.
func (p *Pipeline) Mappings() *MappingStore {
	return p.mappings
}

func (p *Pipeline) handlerFor(t core.ImportType) (handler, error) {
	h, ok := p.handlers[t]
	if !ok {
		return nil, core.NewValidationError("unknown import type " + string(t))
	}
	return h, nil
}
