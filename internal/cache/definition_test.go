package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

type fakeSource struct {
	mu          sync.Mutex
	byID        map[string]*api.EndpointDefinition
	getCalls    atomic.Int64
	lookupCalls atomic.Int64
}

func newFakeSource(defs ...*api.EndpointDefinition) *fakeSource {
	s := &fakeSource{byID: map[string]*api.EndpointDefinition{}}
	for _, d := range defs {
		s.byID[d.ID] = d
	}
	return s
}

func (s *fakeSource) set(def *api.EndpointDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[def.ID] = def
}

func (s *fakeSource) Get(ctx context.Context, id string) (*api.EndpointDefinition, error) {
	s.getCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.byID[id]
	if !ok {
		return nil, apierrors.ErrRecordNotFound
	}
	return def, nil
}

func (s *fakeSource) GetByPathMethod(ctx context.Context, path, method string) (*api.EndpointDefinition, error) {
	s.lookupCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *api.EndpointDefinition
	for _, def := range s.byID {
		if def.Path != path || def.Method != method || !def.Enabled {
			continue
		}
		if newest == nil || def.UpdatedAt.After(newest.UpdatedAt) {
			newest = def
		}
	}
	if newest == nil {
		return nil, apierrors.ErrRecordNotFound
	}
	return newest, nil
}

func definition(id, path, method string, enabled bool) *api.EndpointDefinition {
	return &api.EndpointDefinition{
		ID:          id,
		Path:        path,
		Method:      method,
		Enabled:     enabled,
		HandlerKind: api.HandlerFormula,
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestGetCachesByID(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, time.Minute)

	for i := 0; i < 5; i++ {
		def, err := cache.Get(context.Background(), "ep-1")
		require.NoError(t, err)
		require.Equal(t, "ep-1", def.ID)
	}
	require.Equal(t, int64(1), source.getCalls.Load())
}

func TestGetDoesNotCacheNegatives(t *testing.T) {
	source := newFakeSource()
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Get(context.Background(), "ep-1")
	require.ErrorIs(t, err, apierrors.ErrRecordNotFound)

	source.set(definition("ep-1", "/a", "GET", true))
	def, err := cache.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Equal(t, "ep-1", def.ID)
}

func TestGetExpires(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, 30*time.Millisecond)

	_, err := cache.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = cache.Get(context.Background(), "ep-1")
	require.NoError(t, err)

	require.Equal(t, int64(2), source.getCalls.Load())
}

func TestResolvePopulatesBothCaches(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, time.Minute)

	def, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	require.Equal(t, "ep-1", def.ID)

	// The snapshot is now warm for id lookups too.
	_, err = cache.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), source.getCalls.Load())

	_, err = cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	require.Equal(t, int64(1), source.lookupCalls.Load())
}

func TestResolveUnknownRoute(t *testing.T) {
	source := newFakeSource()
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Resolve(context.Background(), "/missing", "GET")
	require.ErrorIs(t, err, apierrors.ErrRecordNotFound)
}

func TestResolveRejectsStaleIndexEntry(t *testing.T) {
	def := definition("ep-1", "/a", "GET", true)
	source := newFakeSource(def)
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)

	// The endpoint moves; the admin hook invalidates the snapshot but a
	// fresh load must not be served through the old route.
	moved := definition("ep-1", "/b", "GET", true)
	source.set(moved)
	cache.Invalidate("ep-1")

	_, err = cache.Resolve(context.Background(), "/a", "GET")
	require.ErrorIs(t, err, apierrors.ErrRecordNotFound)

	got, err := cache.Resolve(context.Background(), "/b", "GET")
	require.NoError(t, err)
	require.Equal(t, "/b", got.Path)
}

func TestInvalidateForcesReload(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)

	updated := definition("ep-1", "/a", "GET", true)
	updated.HandlerConfig.Expression = "2"
	source.set(updated)
	cache.Invalidate("ep-1")

	def, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	require.Equal(t, "2", def.HandlerConfig.Expression)
	require.Equal(t, int64(2), source.lookupCalls.Load())
}

func TestInvalidateAll(t *testing.T) {
	source := newFakeSource(
		definition("ep-1", "/a", "GET", true),
		definition("ep-2", "/b", "GET", true),
	)
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "/b", "GET")
	require.NoError(t, err)

	cache.InvalidateAll()

	_, err = cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	require.Equal(t, int64(3), source.lookupCalls.Load())
}

func TestConcurrentMissesAreCoalesced(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), "ep-1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, source.getCalls.Load(), int64(2))
}

func TestRouteKeyIsCaseInsensitiveOnMethod(t *testing.T) {
	source := newFakeSource(definition("ep-1", "/a", "GET", true))
	cache := NewDefinitionCache(source, time.Minute)

	_, err := cache.Resolve(context.Background(), "/a", "GET")
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "/a", "get")
	require.NoError(t, err)
	require.Equal(t, int64(1), source.lookupCalls.Load())
}

func TestStartStopsWithContext(t *testing.T) {
	cache := NewDefinitionCache(newFakeSource(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		cache.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
