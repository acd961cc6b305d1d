// Package worker runs the periodic ledger jobs: executing queued imports,
// refreshing the summary cache, cleaning old imports and taking scheduled
// backups.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/internal/amqp"
	"ledger/internal/backup"
	"ledger/internal/cache"
	"ledger/internal/summary"
)

// maxDrain bounds how many imports one tick executes back to back.
const maxDrain = 100

type ImportRunner interface {
	DoRequiredImports(ctx context.Context) (string, error)
	AutoCleanAll(ctx context.Context, retainDays int) (int, error)
}

type SummaryRefresher interface {
	RefreshIfNeeded(ctx context.Context) error
	UpdateAndCreateMany(ctx context.Context, opts summary.UpdateOptions) (summary.UpdateResult, error)
}

type BackupStorer interface {
	StoreBackup(ctx context.Context, opts backup.StoreOptions) (*backup.Info, error)
}

// ImportReadyConsumer delivers import notifications until ctx is done.
type ImportReadyConsumer interface {
	ConsumeImportReady(ctx context.Context, handler func(context.Context, *amqp.ImportReadyMessage) error) error
}

// Config sets the cadence of every job. A zero BackupInterval disables
// scheduled backups.
type Config struct {
	ImportPollInterval  time.Duration
	SummaryInterval     time.Duration
	SummaryFullInterval time.Duration
	AutoCleanInterval   time.Duration
	AutoCleanRetainDays int
	BackupInterval      time.Duration
	BackupCompress      bool
	JanitorInterval     time.Duration
}

type Scheduler struct {
	imports   ImportRunner
	summaries SummaryRefresher
	backups   BackupStorer
	consumer  ImportReadyConsumer
	janitor   *cache.Janitor
	cfg       Config
}

type Option func(*Scheduler)

// WithConsumer runs imports as soon as a notification arrives instead of
// waiting for the next poll.
func WithConsumer(c ImportReadyConsumer) Option {
	return func(s *Scheduler) { s.consumer = c }
}

// WithJanitor sweeps expired cache entries every JanitorInterval.
func WithJanitor(j *cache.Janitor) Option {
	return func(s *Scheduler) { s.janitor = j }
}

func New(imports ImportRunner, summaries SummaryRefresher, backups BackupStorer, cfg Config, opts ...Option) *Scheduler {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}
	s := &Scheduler{imports: imports, summaries: summaries, backups: backups, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func (s *Scheduler) tasks() []task {
	tasks := []task{
		{"imports", s.cfg.ImportPollInterval, s.RunImports},
		{"summaries", s.cfg.SummaryInterval, s.RefreshSummaries},
		{"summaries_full", s.cfg.SummaryFullInterval, s.RefreshAllSummaries},
		{"auto_clean", s.cfg.AutoCleanInterval, s.AutoClean},
	}
	if s.cfg.BackupInterval > 0 && s.backups != nil {
		tasks = append(tasks, task{"backup", s.cfg.BackupInterval, s.ScheduledBackup})
	}
	return tasks
}

// Run performs a startup pass and then runs every job on its interval
// until ctx is cancelled. Job failures are logged and retried on the next
// tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.StartupCheck(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks() {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	if s.janitor != nil {
		g.Go(func() error {
			s.janitor.Run(ctx, s.cfg.JanitorInterval)
			return nil
		})
	}
	if s.consumer != nil {
		g.Go(func() error {
			err := s.consumer.ConsumeImportReady(ctx, s.HandleImportReady)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "Import notification consumer stopped, falling back to polling", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	slog.InfoContext(ctx, "Scheduled task started", "task", t.name, "interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t task) {
	start := time.Now()
	err := t.run(ctx)
	if err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "Scheduled task failed",
			"task", t.name,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.DebugContext(ctx, "Scheduled task finished", "task", t.name, "duration_ms", time.Since(start).Milliseconds())
}

// StartupCheck catches up on work missed while the worker was down.
func (s *Scheduler) StartupCheck(ctx context.Context) {
	slog.InfoContext(ctx, "Performing startup check")
	s.runTask(ctx, task{name: "summaries", run: s.RefreshSummaries})
	s.runTask(ctx, task{name: "imports", run: s.RunImports})
}

// RunImports executes queued imports one at a time until none is left.
// A failed import does not stop the drain: it is already marked as
// failed and the next one is picked.
func (s *Scheduler) RunImports(ctx context.Context) error {
	var errs []error
	for range maxDrain {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := s.imports.DoRequiredImports(ctx)
		if err != nil {
			if id == "" {
				return errors.Join(append(errs, err)...)
			}
			slog.WarnContext(ctx, "Import failed", "import_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if id == "" {
			break
		}
		slog.InfoContext(ctx, "Import executed", "import_id", id)
	}
	return errors.Join(errs...)
}

// HandleImportReady reacts to an import notification.
func (s *Scheduler) HandleImportReady(ctx context.Context, msg *amqp.ImportReadyMessage) error {
	slog.InfoContext(ctx, "Processing import ready message", "import_id", msg.ImportID)
	if err := s.RunImports(ctx); err != nil {
		// The import itself is marked failed; redelivering would not help.
		slog.WarnContext(ctx, "Imports after notification finished with errors", "import_id", msg.ImportID, "error", err)
	}
	return nil
}

func (s *Scheduler) RefreshSummaries(ctx context.Context) error {
	return s.summaries.RefreshIfNeeded(ctx)
}

func (s *Scheduler) RefreshAllSummaries(ctx context.Context) error {
	_, err := s.summaries.UpdateAndCreateMany(ctx, summary.UpdateOptions{AllowCreation: true})
	return err
}

func (s *Scheduler) AutoClean(ctx context.Context) error {
	n, err := s.imports.AutoCleanAll(ctx, s.cfg.AutoCleanRetainDays)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Old imports cleaned", "count", n, "retain_days", s.cfg.AutoCleanRetainDays)
	}
	return nil
}

func (s *Scheduler) ScheduledBackup(ctx context.Context) error {
	_, err := s.backups.StoreBackup(ctx, backup.StoreOptions{
		Title:          "scheduled",
		Compress:       s.cfg.BackupCompress,
		CreationReason: backup.ReasonScheduled,
		CreatedBy:      "worker",
	})
	return err
}
