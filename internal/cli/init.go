// Package cli provides the process bootstrap shared by cmd/ledger and
// cmd/ledger-worker: env file, logging, configuration and service wiring.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledger/internal/amqp"
	"ledger/internal/backup"
	"ledger/internal/cache"
	"ledger/internal/config"
	"ledger/internal/dimension"
	"ledger/internal/filestore"
	"ledger/internal/importer"
	"ledger/internal/journal"
	"ledger/internal/log"
	"ledger/internal/storage"
	"ledger/internal/summary"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads configuration and validates it.
func LoadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	lc := log.DefaultConfig()
	lc.Component = component
	lc.Format = cfg.LogFormat
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		lc.Level = level
	}
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// Services holds every ledger component wired against one database.
type Services struct {
	DB        *storage.DB
	Files     filestore.Store
	Registry  *dimension.Registry
	Resolver  *dimension.Resolver
	Summaries *summary.Cache
	Journals  *journal.Store
	Mappings  *importer.MappingStore
	Imports   *importer.Pipeline
	Backups   *backup.Engine
	AMQP      *amqp.Client
	Janitor   *cache.Janitor

	closers []func() error
}

// NewFileStore opens the blob store selected by FILE_STORE_BACKEND.
func NewFileStore(ctx context.Context, cfg *config.Config) (filestore.Store, func() error, error) {
	switch cfg.FileStoreBackend {
	case "gcs":
		g, err := filestore.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	case "local", "":
		l, err := filestore.NewLocal(cfg.FileStoreDir)
		if err != nil {
			return nil, nil, err
		}
		return l, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown file store backend %q", cfg.FileStoreBackend)
}

// Build opens the database and wires the ledger components. The AMQP
// client is only created when AMQP_URL is set; a broker that cannot be
// reached is logged and imports fall back to polling.
func Build(ctx context.Context, cfg *config.Config) (*Services, error) {
	s := &Services{Janitor: cache.NewJanitor()}

	db, err := storage.Open(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.SQLiteDBPath, err)
	}
	s.DB = db
	s.closers = append(s.closers, db.Close)

	files, closeFiles, err := NewFileStore(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open file store: %w", err)
	}
	s.Files = files
	s.closers = append(s.closers, closeFiles)

	s.Registry = dimension.NewRegistry(db)
	s.Resolver = dimension.NewResolver(s.Registry)
	s.Summaries = summary.New(db, s.Registry)
	s.Journals = journal.NewStore(db, s.Resolver, s.Summaries)
	s.Mappings = importer.NewMappingStore(db, nil)
	s.Janitor.Register("import_mappings", s.Mappings.Cache())

	opts := []importer.Option{importer.WithConfig(importer.Config{
		Timeout:      cfg.ImportTimeout,
		StuckTimeout: cfg.ImportStuckTimeout,
	})}
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			slog.WarnContext(ctx, "AMQP unavailable, imports will wait for the next poll", "error", err)
		} else {
			s.AMQP = client
			s.closers = append(s.closers, client.Close)
			opts = append(opts, importer.WithNotifier(client))
		}
	}
	s.Imports = importer.New(db, files, s.Resolver, s.Journals, s.Mappings, opts...)
	s.Backups = backup.New(db, files, s.Summaries, s.Journals)

	slog.InfoContext(ctx, "Ledger services ready",
		"database", cfg.SQLiteDBPath,
		"file_store", cfg.FileStoreBackend,
		"amqp", s.AMQP != nil)
	return s, nil
}

// Close releases everything Build opened, newest first.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM, and
// a channel closed once cleanup has run or timeout has passed.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}
