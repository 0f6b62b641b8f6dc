// Package cache holds validated entities in memory with at most one
// concurrent fetch per id, optionally backed by a persistent Store.
package cache

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/danmuck/despot/internal/metadata"
	"github.com/danmuck/despot/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves and validates one entity from the service.
type Fetcher func(ctx context.Context) (*metadata.Entity, error)

// ImageFetcher retrieves one image blob from the service.
type ImageFetcher func(ctx context.Context) ([]byte, error)

// Store is a second-level cache. Load returns (nil, nil) on a miss.
type Store interface {
	Load(ctx context.Context, kind metadata.Kind, id metadata.ID) (*metadata.Entity, error)
	Save(ctx context.Context, e *metadata.Entity) error
	Delete(ctx context.Context, id metadata.ID) error
}

type Option func(*Cache)

func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

type key struct {
	kind metadata.Kind
	id   metadata.ID
}

func (k key) String() string {
	return k.kind.String() + ":" + k.id.Hex()
}

// stamp identifies the cache state a fetch started from. A fetch publishes
// only if neither Reset nor Invalidate of its id ran in between.
type stamp struct {
	epoch uint64
	gen   uint64
}

// Cache is unbounded. Entries leave only through Invalidate or Reset.
type Cache struct {
	entries sync.Map // key -> *metadata.Entity
	images  sync.Map // metadata.ID -> []byte
	group   singleflight.Group
	store   Store

	mu    sync.Mutex
	epoch uint64
	gens  map[metadata.ID]uint64
}

func New(opts ...Option) *Cache {
	c := &Cache{gens: make(map[metadata.ID]uint64)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Peek returns the cached entity without fetching.
func (c *Cache) Peek(kind metadata.Kind, id metadata.ID) (*metadata.Entity, bool) {
	v, ok := c.entries.Load(key{kind, id})
	if !ok {
		return nil, false
	}
	return v.(*metadata.Entity), true
}

// GetOrFetch returns the cached entity or runs fetch. Concurrent callers for
// the same id share one fetch. A caller whose ctx ends stops waiting without
// cancelling the shared fetch.
func (c *Cache) GetOrFetch(ctx context.Context, kind metadata.Kind, id metadata.ID, fetch Fetcher) (*metadata.Entity, error) {
	if e, ok := c.Peek(kind, id); ok {
		observability.RecordCacheLookup(observability.CacheHit)
		return e, nil
	}

	k := key{kind, id}
	st := c.generation(id)
	shared := context.WithoutCancel(ctx)
	v, err := c.share(ctx, flightKey(k.String(), st), func() (any, error) {
		return c.load(shared, k, st, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*metadata.Entity), nil
}

// PeekImage returns a copy of the cached image without fetching.
func (c *Cache) PeekImage(id metadata.ID) ([]byte, bool) {
	v, ok := c.images.Load(id)
	if !ok {
		return nil, false
	}
	return bytes.Clone(v.([]byte)), true
}

// GetOrFetchImage is GetOrFetch for image blobs. Images stay in memory only.
// Callers get their own copy of the bytes.
func (c *Cache) GetOrFetchImage(ctx context.Context, id metadata.ID, fetch ImageFetcher) ([]byte, error) {
	if b, ok := c.PeekImage(id); ok {
		observability.RecordCacheLookup(observability.CacheHit)
		return b, nil
	}

	st := c.generation(id)
	shared := context.WithoutCancel(ctx)
	v, err := c.share(ctx, flightKey(imageKey(id), st), func() (any, error) {
		observability.RecordCacheLookup(observability.CacheMiss)
		b, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		c.publishImage(id, st, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v.([]byte)), nil
}

// share runs fn once per flight key and waits for it unless ctx ends first.
func (c *Cache) share(ctx context.Context, flight string, fn func() (any, error)) (any, error) {
	ch := c.group.DoChan(flight, fn)
	select {
	case res := <-ch:
		if res.Shared {
			observability.RecordCacheLookup(observability.CacheShared)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops id from memory and the store. A fetch already in flight
// still answers its callers but is not published.
func (c *Cache) Invalidate(id metadata.ID) {
	c.mu.Lock()
	c.gens[id]++
	epoch := c.epoch
	c.mu.Unlock()

	for _, kind := range []metadata.Kind{metadata.KindArtist, metadata.KindAlbum, metadata.KindTrack} {
		k := key{kind, id}
		c.entries.Delete(k)
		c.group.Forget(flightKey(k.String(), stamp{epoch: epoch}))
	}
	c.images.Delete(id)
	c.group.Forget(flightKey(imageKey(id), stamp{epoch: epoch}))
	if c.store != nil {
		if err := c.store.Delete(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("id", id.Hex()).Msg("cache.Invalidate store delete failed")
		}
	}
	log.Debug().Str("id", id.Hex()).Msg("cache.Invalidate")
}

// Reset drops every entity and image from memory. Fetches in flight still
// answer their callers but are not published. The store is left alone.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.epoch++
	clear(c.gens)
	c.entries.Clear()
	c.images.Clear()
	c.mu.Unlock()
	log.Debug().Msg("cache.Reset")
}

// Len reports cached entities and images.
func (c *Cache) Len() int {
	n := 0
	count := func(_, _ any) bool {
		n++
		return true
	}
	c.entries.Range(count)
	c.images.Range(count)
	return n
}

func (c *Cache) load(ctx context.Context, k key, st stamp, fetch Fetcher) (*metadata.Entity, error) {
	if e, ok := c.Peek(k.kind, k.id); ok {
		observability.RecordCacheLookup(observability.CacheHit)
		return e, nil
	}

	if c.store != nil {
		e, err := c.store.Load(ctx, k.kind, k.id)
		if err != nil {
			log.Warn().Err(err).Str("key", k.String()).Msg("cache store load failed")
		}
		if err == nil && e != nil {
			observability.RecordCacheLookup(observability.CacheStoreHit)
			c.publish(k, st, e)
			return e, nil
		}
	}

	observability.RecordCacheLookup(observability.CacheMiss)
	e, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Kind != k.kind || e.ID != k.id {
		return nil, &metadata.MetadataError{Kind: k.kind, ID: k.id, Field: "id", Reason: "fetched record does not match request"}
	}
	if c.publish(k, st, e) && c.store != nil {
		if err := c.store.Save(ctx, e); err != nil {
			log.Warn().Err(err).Str("key", k.String()).Msg("cache store save failed")
		}
	}
	return e, nil
}

// publish inserts e unless the cache moved past st.
func (c *Cache) publish(k key, st stamp, e *metadata.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stampLocked(k.id) != st {
		return false
	}
	c.entries.Store(k, e)
	return true
}

func (c *Cache) publishImage(id metadata.ID, st stamp, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stampLocked(id) != st {
		return
	}
	c.images.Store(id, b)
}

func (c *Cache) generation(id metadata.ID) stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampLocked(id)
}

func (c *Cache) stampLocked(id metadata.ID) stamp {
	return stamp{epoch: c.epoch, gen: c.gens[id]}
}

func imageKey(id metadata.ID) string {
	return "image:" + id.Hex()
}

// flightKey scopes singleflight keys to the epoch so a fetch started before
// Reset is never joined by a caller after it.
func flightKey(name string, st stamp) string {
	return name + "@" + strconv.FormatUint(st.epoch, 10)
}
