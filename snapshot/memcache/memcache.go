// Package memcache is an in-memory snapshot.Cache, used in tests and as
// the default for single-process applications that don't need
// cross-process snapshot sharing.
package memcache

import (
	"context"
	"sync"

	"github.com/mpalmer/factrun/snapshot"
)

// Cache is a mutex-guarded map implementing snapshot.Cache.
type Cache struct {
	mu   sync.RWMutex
	data map[string]*snapshot.Snapshot
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{data: make(map[string]*snapshot.Snapshot)}
}

// Get returns the snapshot stored under key, or snapshot.ErrNotFound.
func (c *Cache) Get(_ context.Context, key string) (*snapshot.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.data[key]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

// Set stores snap under its key, overwriting any previous value.
func (c *Cache) Set(_ context.Context, snap *snapshot.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.data[snap.Key] = &cp
	return nil
}

// Delete removes the snapshot stored under key, if any.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
