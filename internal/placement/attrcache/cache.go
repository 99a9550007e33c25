// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package attrcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/go-gorp/gorp"
	"golang.org/x/sync/singleflight"
)

// Cached row of a name to id table.
type Record struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Process local read-through cache for a table mapping names to ids, such
// as resource classes, traits and consumer types.
//
// The cache is filled completely on the first miss. Any write to the
// backing table must call Clear, since partial invalidation is not
// supported.
type Cache struct {
	kind  placement.Kind
	table string
	db    gorp.SqlExecutor

	mu      sync.RWMutex
	records *snapshot
	// Incremented on every Clear, so that a reload racing with a write
	// does not store data read before the write.
	epoch uint64

	reloads singleflight.Group
}

// Immutable view of the whole table.
type snapshot struct {
	byName map[string]Record
	byID   map[int]Record
}

// Create a new cache for the given table.
func New(executor gorp.SqlExecutor, kind placement.Kind, table string) *Cache {
	return &Cache{kind: kind, table: table, db: executor}
}

// Resolve the id of the given name.
func (c *Cache) IDFromName(ctx context.Context, name string) (int, error) {
	r, err := c.AllFromName(ctx, name)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// Resolve the name of the given id.
func (c *Cache) NameFromID(ctx context.Context, id int) (string, error) {
	if s := c.cached(); s != nil {
		if r, ok := s.byID[id]; ok {
			return r.Name, nil
		}
	}
	s, err := c.reload(ctx)
	if err != nil {
		return "", err
	}
	if r, ok := s.byID[id]; ok {
		return r.Name, nil
	}
	return "", placement.NotFound(c.kind, id)
}

// Resolve the full record of the given name.
func (c *Cache) AllFromName(ctx context.Context, name string) (Record, error) {
	if s := c.cached(); s != nil {
		if r, ok := s.byName[name]; ok {
			return r, nil
		}
	}
	s, err := c.reload(ctx)
	if err != nil {
		return Record{}, err
	}
	if r, ok := s.byName[name]; ok {
		return r, nil
	}
	return Record{}, placement.NotFound(c.kind, name)
}

// All records ordered by id.
func (c *Cache) All(ctx context.Context) ([]Record, error) {
	s := c.cached()
	if s == nil {
		var err error
		if s, err = c.reload(ctx); err != nil {
			return nil, err
		}
	}
	records := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b Record) int { return a.ID - b.ID })
	return records, nil
}

// Resolve a list of names to ids, failing on the first unknown name.
func (c *Cache) IDsFromNames(ctx context.Context, names []string) ([]int, error) {
	ids := make([]int, 0, len(names))
	for _, name := range names {
		id, err := c.IDFromName(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Drop all cached records.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.epoch++
}

func (c *Cache) cached() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records
}

// Reload the whole table. Concurrent callers share a single query.
func (c *Cache) reload(ctx context.Context) (*snapshot, error) {
	v, err, shared := c.reloads.Do(c.table, func() (any, error) {
		c.mu.RLock()
		epoch := c.epoch
		c.mu.RUnlock()

		// Callers that joined this reload must not fail because the first
		// caller went away.
		ctx := context.WithoutCancel(ctx)
		var records []Record
		query := fmt.Sprintf("SELECT id, name, created_at, updated_at FROM %s", c.table)
		if _, err := c.db.WithContext(ctx).Select(&records, query); err != nil {
			return nil, fmt.Errorf("failed to load %s cache: %w", c.kind, err)
		}
		s := &snapshot{
			byName: make(map[string]Record, len(records)),
			byID:   make(map[int]Record, len(records)),
		}
		for _, r := range records {
			s.byName[r.Name] = r
			s.byID[r.ID] = r
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			slog.Debug("attrcache: not storing reload raced by a write", "table", c.table)
			return s, nil
		}
		c.records = s
		slog.Debug("attrcache: reloaded", "table", c.table, "records", len(records))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("attrcache: joined concurrent reload", "table", c.table)
	}
	return v.(*snapshot), nil
}
