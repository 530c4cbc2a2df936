// Package cache memoizes idempotent, location-keyed lookups for one session.
//
// A key is either resolved or has exactly one call in flight. Concurrent
// callers for an in-flight key share that call; only successful results are
// kept, so a failed lookup can be retried.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/replayio/devtools-sub013/internal/protocol"
)

// FetchFunc performs the lookup for one location.
type FetchFunc[T any] func(ctx context.Context, loc protocol.Location) (T, error)

// LocationCache memoizes a FetchFunc by protocol.Location.Key.
type LocationCache[T any] struct {
	fetch FetchFunc[T]
	group singleflight.Group

	mu       sync.RWMutex
	resolved map[string]T
}

// New creates a cache in front of fetch.
func New[T any](fetch FetchFunc[T]) *LocationCache[T] {
	return &LocationCache[T]{
		fetch:    fetch,
		resolved: make(map[string]T),
	}
}

// Resolve returns the cached value for loc, joins the in-flight lookup for it,
// or starts a new one. The shared call is detached from the cancellation of
// the caller that started it, so every caller only stops on its own context.
func (c *LocationCache[T]) Resolve(ctx context.Context, loc protocol.Location) (T, error) {
	key := loc.Key()
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// a call for this key may have finished between Get and DoChan
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := c.fetch(shared, loc)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.resolved[key] = v
		c.mu.Unlock()
		return v, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Get returns a resolved value without fetching.
func (c *LocationCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.resolved[key]
	return v, ok
}

// Len returns the number of resolved keys.
func (c *LocationCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolved)
}

// Clear drops every resolved value. In-flight calls are unaffected.
func (c *LocationCache[T]) Clear() {
	c.mu.Lock()
	c.resolved = make(map[string]T)
	c.mu.Unlock()
}

// NewMappedLocations caches Debugger.getMappedLocation.
func NewMappedLocations(s protocol.Sender) *LocationCache[protocol.MappedLocation] {
	return New(func(ctx context.Context, loc protocol.Location) (protocol.MappedLocation, error) {
		var res protocol.GetMappedLocationResult
		err := s.Send(ctx, protocol.Command{
			Method: protocol.MethodGetMappedLocation,
			Params: protocol.LocationParams{Location: loc},
		}, &res)
		return res.MappedLocation, err
	})
}

// NewScopeMaps caches Debugger.getScopeMap.
func NewScopeMaps(s protocol.Sender) *LocationCache[[]protocol.VariableMapping] {
	return New(func(ctx context.Context, loc protocol.Location) ([]protocol.VariableMapping, error) {
		var res protocol.GetScopeMapResult
		err := s.Send(ctx, protocol.Command{
			Method: protocol.MethodGetScopeMap,
			Params: protocol.LocationParams{Location: loc},
		}, &res)
		return res.Map, err
	})
}
