package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

// DefinitionSource provides read-through access to stored endpoint
// definitions. Satisfied by store.Endpoint.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (*api.EndpointDefinition, error)
	GetByPathMethod(ctx context.Context, path, method string) (*api.EndpointDefinition, error)
}

// DefinitionCache keeps immutable definition snapshots keyed by id, plus a
// route index (method+path -> id) with the same TTL and invalidation
// discipline. Concurrent misses for one key are coalesced; negative results
// are never cached. Returned definitions are shared snapshots and must be
// treated as read-only.
type DefinitionCache struct {
	source DefinitionSource

	definitions *ttlcache.Cache[string, *api.EndpointDefinition]
	routeIndex  *ttlcache.Cache[string, string]
	group       singleflight.Group
}

const DefaultTTL = 60 * time.Second

func NewDefinitionCache(source DefinitionSource, ttl time.Duration) *DefinitionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DefinitionCache{
		source: source,
		definitions: ttlcache.New(
			ttlcache.WithTTL[string, *api.EndpointDefinition](ttl),
			ttlcache.WithDisableTouchOnHit[string, *api.EndpointDefinition](),
		),
		routeIndex: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Start runs the expired-entry janitors and blocks until the context is
// cancelled.
func (c *DefinitionCache) Start(ctx context.Context) {
	go c.definitions.Start()
	go c.routeIndex.Start()
	<-ctx.Done()
	c.definitions.Stop()
	c.routeIndex.Stop()
}

// Get returns the definition by id, loading from the source on a miss.
func (c *DefinitionCache) Get(ctx context.Context, id string) (*api.EndpointDefinition, error) {
	if item := c.definitions.Get(id); item != nil {
		return item.Value(), nil
	}
	v, err, _ := c.group.Do("id:"+id, func() (any, error) {
		def, err := c.source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.definitions.Set(id, def, ttlcache.DefaultTTL)
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.EndpointDefinition), nil
}

// Resolve looks up the live definition for a route. Index hits are
// re-checked against the snapshot so a stale index entry can never serve a
// disabled or moved endpoint.
func (c *DefinitionCache) Resolve(ctx context.Context, path, method string) (*api.EndpointDefinition, error) {
	key := routeKey(path, method)
	if item := c.routeIndex.Get(key); item != nil {
		def, err := c.Get(ctx, item.Value())
		if err == nil && def.Enabled && routeKey(def.Path, def.Method) == key {
			return def, nil
		}
		c.routeIndex.Delete(key)
		if err != nil && !errors.Is(err, apierrors.ErrRecordNotFound) {
			return nil, err
		}
	}

	v, err, _ := c.group.Do("route:"+key, func() (any, error) {
		def, err := c.source.GetByPathMethod(ctx, path, method)
		if err != nil {
			return nil, err
		}
		c.definitions.Set(def.ID, def, ttlcache.DefaultTTL)
		c.routeIndex.Set(key, def.ID, ttlcache.DefaultTTL)
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.EndpointDefinition), nil
}

// Invalidate drops the snapshot for one id together with any route-index
// entries pointing at it. Administrative mutation hooks call this eagerly.
func (c *DefinitionCache) Invalidate(id string) {
	c.definitions.Delete(id)
	var stale []string
	c.routeIndex.Range(func(item *ttlcache.Item[string, string]) bool {
		if item.Value() == id {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, key := range stale {
		c.routeIndex.Delete(key)
	}
}

func (c *DefinitionCache) InvalidateAll() {
	c.definitions.DeleteAll()
	c.routeIndex.DeleteAll()
}

func routeKey(path, method string) string {
	return strings.ToUpper(method) + " " + path
}
