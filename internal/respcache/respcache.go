package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/kvstore"
)

const keyPrefix = "respcache:"

// Cache stores successful GET envelopes in the shared key-value layer.
// Cache failures never fail a request; they are logged and swallowed.
type Cache struct {
	kv  kvstore.KVStore
	log logrus.FieldLogger
}

func New(kv kvstore.KVStore, log logrus.FieldLogger) *Cache {
	return &Cache{kv: kv, log: log}
}

// Key derives the deterministic variance key for a request: endpoint id,
// path params, and the query subset named by varyOn (all parameters when
// varyOn is empty).
func Key(def *api.EndpointDefinition, req *api.Request) string {
	varied := req.Query
	if policy := def.ResponseCache; policy != nil && len(policy.VaryOn) > 0 {
		varied = make(map[string]string, len(policy.VaryOn))
		for _, name := range policy.VaryOn {
			if v, ok := req.Query[name]; ok {
				varied[name] = v
			}
		}
	}

	parts := make([]string, 0, len(varied)+len(req.Params)+1)
	parts = append(parts, req.Path)
	for k, v := range req.Params {
		parts = append(parts, "p:"+k+"="+v)
	}
	for k, v := range varied {
		parts = append(parts, "q:"+k+"="+v)
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + def.ID + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) Get(ctx context.Context, key string) (*api.Envelope, bool) {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		c.log.Warnf("response cache lookup failed: %v", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}
	envelope := &api.Envelope{}
	if err := json.Unmarshal(raw, envelope); err != nil {
		c.log.Warnf("response cache entry is corrupt, dropping: %v", err)
		_ = c.kv.Delete(ctx, key)
		return nil, false
	}
	return envelope, true
}

// Store caches a successful envelope. Failed envelopes are never cached.
func (c *Cache) Store(ctx context.Context, key string, envelope *api.Envelope, ttlSeconds int) {
	if !envelope.Success || ttlSeconds <= 0 {
		return
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		c.log.Warnf("encoding envelope for response cache: %v", err)
		return
	}
	if err := c.kv.Set(ctx, key, raw, time.Duration(ttlSeconds)*time.Second); err != nil {
		c.log.Warnf("storing response cache entry: %v", err)
	}
}

// InvalidateEndpoint drops every cached response for one endpoint.
func (c *Cache) InvalidateEndpoint(ctx context.Context, endpointID string) {
	if err := c.kv.DeletePrefix(ctx, fmt.Sprintf("%s%s:", keyPrefix, endpointID)); err != nil {
		c.log.Warnf("invalidating response cache for endpoint %s: %v", endpointID, err)
	}
}
