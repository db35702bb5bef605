// volume/cache.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/storage"
)

// Cache keeps recently opened volumes in memory; restoring a number of
// files usually reads many items from each volume.
type Cache struct {
	backend storage.Backend
	sealer  envelope.Sealer
	lru     *lru.Cache

	mu           sync.Mutex
	hits, misses int
}

// NewCache returns a Cache holding up to size volumes.
func NewCache(b storage.Backend, s envelope.Sealer, size int) *Cache {
	if size < 1 {
		size = 1
	}
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Cache{backend: b, sealer: s, lru: cache}
}

// Open returns the named volume, fetching it if it isn't cached. Failed
// opens aren't cached.
func (c *Cache) Open(ctx context.Context, name string) (*Volume, error) {
	if v, ok := c.lru.Get(name); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return v.(*Volume), nil
	}

	v, err := Open(ctx, c.backend, c.sealer, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.lru.Add(name, v)
	return v, nil
}

// Item returns the given item of the named volume.
func (c *Cache) Item(ctx context.Context, name string, item int) ([]byte, error) {
	v, err := c.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.Item(item)
}

// Stats returns the number of cache hits and misses.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
