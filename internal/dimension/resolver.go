package dimension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ledger/internal/core"
)

// Ref points at a dimension either by id or by free-text title.
type Ref struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

func (r Ref) IsZero() bool {
	return strings.TrimSpace(r.ID) == "" && strings.TrimSpace(r.Title) == ""
}

// Cache is a snapshot of every dimension row taken once per bulk
// operation. Rows created through the resolver are added to it so later
// lookups for the same title reuse them.
type Cache struct {
	mu      sync.Mutex
	byID    map[string]core.Dimension
	byTitle map[core.DimensionType]map[string]core.Dimension
	added   []core.Dimension
}

func newCache() *Cache {
	c := &Cache{
		byID:    make(map[string]core.Dimension),
		byTitle: make(map[core.DimensionType]map[string]core.Dimension),
	}
	for _, typ := range core.DimensionTypes {
		c.byTitle[typ] = make(map[string]core.Dimension)
	}
	return c
}

func (c *Cache) put(d core.Dimension) {
	c.byID[d.ID] = d
	c.byTitle[d.Type][d.Title] = d
}

// Mark returns a position that Rewind can roll back to.
func (c *Cache) Mark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

// Rewind forgets rows added after mark. Used when the writes that created
// them were rolled back.
func (c *Cache) Rewind(mark int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mark < 0 || mark >= len(c.added) {
		return
	}
	for _, d := range c.added[mark:] {
		delete(c.byID, d.ID)
		delete(c.byTitle[d.Type], d.Title)
	}
	c.added = c.added[:mark]
}

// Len returns how many rows the cache holds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Resolver implements get-or-create-by-title for journal references.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Registry exposes the underlying registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// NewCache loads every dimension row of every type.
func (r *Resolver) NewCache(ctx context.Context) (*Cache, error) {
	c := newCache()
	for _, typ := range core.DimensionTypes {
		rows, err := r.registry.List(ctx, typ)
		if err != nil {
			return nil, fmt.Errorf("prefetch %s: %w", typ, err)
		}
		for _, d := range rows {
			c.put(d)
		}
	}
	return c, nil
}

// Options tune a CreateOrGet call.
type Options struct {
	RequireActive bool
	Cache         *Cache
	// Defaults seed rows created from a title (account type, provenance).
	Defaults core.DimensionInput
}

// CreateOrGet resolves ref. An id must exist (and be active when
// RequireActive is set); a title is looked up and created when missing.
// A zero ref resolves to nil.
func (r *Resolver) CreateOrGet(ctx context.Context, typ core.DimensionType, ref Ref, opts Options) (*core.Dimension, error) {
	id := strings.TrimSpace(ref.ID)
	title := strings.TrimSpace(ref.Title)
	if id == "" && title == "" {
		return nil, nil
	}

	if c := opts.Cache; c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	if id != "" {
		d, err := r.byID(ctx, typ, id, opts.Cache)
		if err != nil {
			return nil, err
		}
		if opts.RequireActive && d.Status != core.StatusActive {
			return nil, core.Inactivef("%s %q is %s", typ, d.Title, d.Status)
		}
		return d, nil
	}

	if c := opts.Cache; c != nil {
		if d, ok := c.byTitle[typ][title]; ok {
			return &d, nil
		}
	} else {
		d, err := r.registry.GetByTitle(ctx, typ, title)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
	}

	in := opts.Defaults
	in.Title = title
	in.Status = core.StatusActive
	d, err := r.registry.Create(ctx, typ, in)
	if err != nil {
		return nil, fmt.Errorf("create %s %q: %w", typ, title, err)
	}
	if c := opts.Cache; c != nil {
		c.put(*d)
		c.added = append(c.added, *d)
	}
	return d, nil
}

func (r *Resolver) byID(ctx context.Context, typ core.DimensionType, id string, c *Cache) (*core.Dimension, error) {
	if c != nil {
		if d, ok := c.byID[id]; ok && d.Type == typ {
			return &d, nil
		}
	}
	d, err := r.registry.Get(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.put(*d)
	}
	return d, nil
}
