package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/despot/internal/metadata"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/danmuck/despot/internal/testutil/testlog"
)

func artist(t *testing.T, id metadata.ID, name string) *metadata.Entity {
	t.Helper()
	e, err := metadata.ParseEntity(metadata.KindArtist, tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.String(schema.FieldName, name),
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return e
}

func countingFetch(t *testing.T, calls *atomic.Int32, id metadata.ID, name string) Fetcher {
	return func(context.Context) (*metadata.Entity, error) {
		calls.Add(1)
		return artist(t, id, name), nil
	}
}

func TestConcurrentGetOrFetchFetchesOnce(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xA1}
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (*metadata.Entity, error) {
		calls.Add(1)
		<-release
		return artist(t, id, "Kraftwerk"), nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make(chan *metadata.Entity, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.GetOrFetch(context.Background(), metadata.KindArtist, id, fetch)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results <- e
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	var first *metadata.Entity
	for e := range results {
		if first == nil {
			first = e
		}
		if e != first {
			t.Fatalf("callers must share the published entity")
		}
	}
	if c.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c.Len())
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xA2}
	var calls atomic.Int32
	ctx := context.Background()

	for range 3 {
		if _, err := c.GetOrFetch(ctx, metadata.KindArtist, id, countingFetch(t, &calls, id, "Can")); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached hits after first fetch, got %d fetches", calls.Load())
	}

	c.Invalidate(id)
	if _, ok := c.Peek(metadata.KindArtist, id); ok {
		t.Fatalf("entry should be gone after invalidate")
	}
	if _, err := c.GetOrFetch(ctx, metadata.KindArtist, id, countingFetch(t, &calls, id, "Can")); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", calls.Load())
	}
}

func TestInvalidateDuringFetchSkipsPublish(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xA3}
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (*metadata.Entity, error) {
		close(started)
		<-release
		return artist(t, id, "Stale"), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), metadata.KindArtist, id, fetch)
		done <- err
	}()
	<-started
	c.Invalidate(id)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight caller should still get its answer: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("invalidated fetch must not be published")
	}
}

func TestFailedFetchNotCached(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xA4}
	boom := errors.New("boom")
	_, err := c.GetOrFetch(context.Background(), metadata.KindArtist, id, func(context.Context) (*metadata.Entity, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed fetch must not leave an entry")
	}
	var calls atomic.Int32
	if _, err := c.GetOrFetch(context.Background(), metadata.KindArtist, id, countingFetch(t, &calls, id, "Faust")); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestMismatchedFetchRejected(t *testing.T) {
	testlog.Start(t)
	c := New()
	_, err := c.GetOrFetch(context.Background(), metadata.KindArtist, metadata.ID{1}, func(context.Context) (*metadata.Entity, error) {
		return artist(t, metadata.ID{2}, "Wrong"), nil
	})
	if !errors.Is(err, metadata.ErrMetadata) {
		t.Fatalf("expected ErrMetadata, got %v", err)
	}
}

func TestWaiterCancelDoesNotFailOthers(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xA5}
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*metadata.Entity, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return artist(t, id, "Cluster"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, metadata.KindArtist, id, fetch)
		cancelled <- err
	}()
	patient := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), metadata.KindArtist, id, fetch)
		patient <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled waiter, got %v", err)
	}
	close(release)
	if err := <-patient; err != nil {
		t.Fatalf("other waiter failed: %v", err)
	}
}

type memStore struct {
	mu      sync.Mutex
	rows    map[metadata.ID]*metadata.Entity
	deletes int
}

func (s *memStore) Load(_ context.Context, kind metadata.Kind, id metadata.ID) (*metadata.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || e.Kind != kind {
		return nil, nil
	}
	return e, nil
}

func (s *memStore) Save(_ context.Context, e *metadata.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[e.ID] = e
	return nil
}

func (s *memStore) Delete(_ context.Context, id metadata.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	s.deletes++
	return nil
}

func TestStoreBacksMemoryMiss(t *testing.T) {
	testlog.Start(t)
	store := &memStore{rows: make(map[metadata.ID]*metadata.Entity)}
	id := metadata.ID{0xA6}
	var calls atomic.Int32
	ctx := context.Background()

	first := New(WithStore(store))
	if _, err := first.GetOrFetch(ctx, metadata.KindArtist, id, countingFetch(t, &calls, id, "Harmonia")); err != nil {
		t.Fatalf("get: %v", err)
	}

	second := New(WithStore(store))
	e, err := second.GetOrFetch(ctx, metadata.KindArtist, id, countingFetch(t, &calls, id, "Harmonia"))
	if err != nil {
		t.Fatalf("get from store: %v", err)
	}
	if e.Name != "Harmonia" || calls.Load() != 1 {
		t.Fatalf("expected store hit without fetch, calls=%d", calls.Load())
	}

	second.Invalidate(id)
	if store.deletes != 1 {
		t.Fatalf("invalidate must delete from the store")
	}
}

func TestResetDropsEntriesAndSkipsInFlightPublish(t *testing.T) {
	testlog.Start(t)
	store := &memStore{rows: make(map[metadata.ID]*metadata.Entity)}
	c := New(WithStore(store))
	ctx := context.Background()
	cached := metadata.ID{0xB1}
	var calls atomic.Int32
	if _, err := c.GetOrFetch(ctx, metadata.KindArtist, cached, countingFetch(t, &calls, cached, "Popol Vuh")); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := c.GetOrFetchImage(ctx, cached, func(context.Context) ([]byte, error) { return []byte{1, 2}, nil }); err != nil {
		t.Fatalf("image: %v", err)
	}

	slow := metadata.ID{0xB2}
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, metadata.KindArtist, slow, func(context.Context) (*metadata.Entity, error) {
			close(started)
			<-release
			return artist(t, slow, "Stale"), nil
		})
		done <- err
	}()
	<-started

	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after reset, got %d", c.Len())
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight caller should still get its answer: %v", err)
	}
	if _, ok := c.Peek(metadata.KindArtist, slow); ok {
		t.Fatalf("fetch started before reset must not be published")
	}
	if store.deletes != 0 || len(store.rows) != 1 {
		t.Fatalf("reset must leave the store alone, rows=%d deletes=%d", len(store.rows), store.deletes)
	}
}

func TestImageFetchedOnceAndCopied(t *testing.T) {
	testlog.Start(t)
	c := New()
	id := metadata.ID{0xC1}
	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte{0xFF, 0xD8, 0xFF}, nil
	}
	ctx := context.Background()

	first, err := c.GetOrFetchImage(ctx, id, fetch)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	first[0] = 0
	second, err := c.GetOrFetchImage(ctx, id, fetch)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", calls.Load())
	}
	if second[0] != 0xFF {
		t.Fatalf("caller mutation leaked into the cache")
	}

	c.Invalidate(id)
	if _, ok := c.PeekImage(id); ok {
		t.Fatalf("image should be gone after invalidate")
	}
	if _, err := c.GetOrFetchImage(ctx, id, fetch); err != nil {
		t.Fatalf("image: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", calls.Load())
	}
}
