// Package cache holds small in-process caches with expiry, such as the
// parsed import mapping configurations.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache is a keyed store with expiry.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Len() int
}

// Cleaner drops expired entries and reports how many it removed.
type Cleaner interface {
	CleanExpired() int
}

// Janitor periodically cleans every registered cache.
type Janitor struct {
	mu     sync.Mutex
	caches map[string]Cleaner
}

func NewJanitor() *Janitor {
	return &Janitor{caches: make(map[string]Cleaner)}
}

// Register adds a cache under a name used in logs.
func (j *Janitor) Register(name string, c Cleaner) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.caches[name] = c
}

// Sweep cleans every cache once and returns the number of removed entries.
func (j *Janitor) Sweep() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := 0
	for name, c := range j.caches {
		if n := c.CleanExpired(); n > 0 {
			slog.Debug("Cache entries expired", "cache", name, "removed", n)
			total += n
		}
	}
	return total
}

// Run sweeps on every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}
