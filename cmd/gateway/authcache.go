package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"

	"github.com/flowmesh-io/gateway/infrastructure/cache"
	"github.com/flowmesh-io/gateway/internal/identity"
	"github.com/flowmesh-io/gateway/internal/types"
)

// cachedExtractor wraps an identity.Extractor with a short-lived token
// cache so a tenant hammering the control plane or reconnecting sockets
// doesn't force a JWT parse/verify on every request.
type cachedExtractor struct {
	inner *identity.Extractor
	cache *cache.TokenCache
	ttl   time.Duration
}

func newCachedExtractor(inner *identity.Extractor, ttl time.Duration) *cachedExtractor {
	return &cachedExtractor{
		inner: inner,
		cache: cache.NewTokenCache(cache.CacheConfig{DefaultTTL: ttl, MaxSize: 10000, CleanupInterval: ttl * 2}),
		ttl:   ttl,
	}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (c *cachedExtractor) FromToken(tokenString string) (types.Identity, error) {
	key := tokenHash(tokenString)
	if cached, ok := c.cache.GetToken(key); ok {
		return cached.(types.Identity), nil
	}
	id, err := c.inner.FromToken(tokenString)
	if err != nil {
		return types.Identity{}, err
	}
	c.cache.SetToken(key, id, c.ttl)
	return id, nil
}

func (c *cachedExtractor) FromHeader(_ context.Context, authHeader string) (types.Identity, error) {
	const prefix = "Bearer "
	if authHeader == "" {
		return types.Identity{}, svcerrors.Unauthenticated("missing authorization header")
	}
	if !strings.HasPrefix(authHeader, prefix) {
		return types.Identity{}, svcerrors.Unauthenticated("authorization header must use the Bearer scheme")
	}
	return c.FromToken(strings.TrimPrefix(authHeader, prefix))
}
