// Package cacher keeps recently loaded function lists in memory so that
// switching back to a train does not always cost a round trip to the station.
package cacher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/ecos-remote/wire"
)

// FetchFunc loads the function list of one train from the station.
type FetchFunc func(ctx context.Context) ([]wire.TrainFunction, error)

// FunctionCache is an in-memory cache of function lists keyed by train ID.
// It uses go-cache for storage and singleflight so that concurrent loads of
// the same train issue a single request.
type FunctionCache struct {
	cache *cache.Cache
	group singleflight.Group
	ttl   time.Duration
}

// NewFunctionCache creates a cache whose entries expire after ttl.
//
// Parameters:
//   - ttl: Lifetime of a cached list; cache.NoExpiration keeps entries until invalidated
//
// Returns:
//   - A new *FunctionCache
func NewFunctionCache(ttl time.Duration) *FunctionCache {
	cleanup := 10 * time.Minute
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}

	return &FunctionCache{
		cache: cache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

func key(trainID int) string {
	return strconv.Itoa(trainID)
}

// GetOrFetch returns the cached list for trainID, or calls fetch and caches
// its result. Failed fetches are not cached.
//
// Parameters:
//   - ctx: Passed to fetch
//   - trainID: The locomotive object ID
//   - fetch: Loads the list on a miss
//
// Returns:
//   - A copy of the function list, sorted as fetch returned it
//   - Whether the list came from the cache
//   - The error from fetch, if any
func (c *FunctionCache) GetOrFetch(ctx context.Context, trainID int, fetch FetchFunc) ([]wire.TrainFunction, bool, error) {
	if fns, ok := c.Get(trainID); ok {
		return fns, true, nil
	}

	k := key(trainID)
	val, err, _ := c.group.Do(k, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited.
		if cached, found := c.cache.Get(k); found {
			return cached, nil
		}

		fns, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		stored := clone(fns)
		c.cache.Set(k, stored, c.ttl)
		return stored, nil
	})
	if err != nil {
		return nil, false, err
	}

	fns, ok := val.([]wire.TrainFunction)
	if !ok {
		return nil, false, fmt.Errorf("unexpected type in cache for train %d", trainID)
	}

	return clone(fns), false, nil
}

// Get returns a copy of the cached list for trainID.
func (c *FunctionCache) Get(trainID int) ([]wire.TrainFunction, bool) {
	val, found := c.cache.Get(key(trainID))
	if !found {
		return nil, false
	}

	fns, ok := val.([]wire.TrainFunction)
	if !ok {
		return nil, false
	}

	return clone(fns), true
}

// Put replaces the cached list for trainID.
func (c *FunctionCache) Put(trainID int, fns []wire.TrainFunction) {
	c.cache.Set(key(trainID), clone(fns), c.ttl)
}

// Invalidate removes the entry for trainID.
func (c *FunctionCache) Invalidate(trainID int) {
	c.cache.Delete(key(trainID))
}

// Clear removes all entries.
func (c *FunctionCache) Clear() {
	c.cache.Flush()
}

// Len returns the number of cached trains, including expired entries not yet
// cleaned up.
func (c *FunctionCache) Len() int {
	return c.cache.ItemCount()
}

func clone(fns []wire.TrainFunction) []wire.TrainFunction {
	if fns == nil {
		return nil
	}

	out := make([]wire.TrainFunction, len(fns))
	copy(out, fns)
	return out
}
