// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package secrets fetches named secrets from a pluggable backend with a
// bounded expiring cache in front of it.
package secrets

import (
	"context"
	"os"
	"time"

	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/private/lrucache"
)

// Error is the default secrets errs class.
var Error = errs.Class("secrets")

// ErrMissing is returned when no backend has the secret.
var ErrMissing = errs.Class("secret missing")

// DefaultTTL is how long a fetched secret stays cached.
const DefaultTTL = 5 * time.Minute

const cacheCapacity = 256

// Backend retrieves the raw value of a named secret for an environment.
type Backend interface {
	Get(ctx context.Context, name, env string) (string, error)
}

// Provider caches secrets from a backend keyed by (env, name). On backend
// miss it may fall back to a caller-declared environment variable.
type Provider struct {
	backend Backend
	cache   *lrucache.ExpiringLRUOf[cacheKey, string]
}

type cacheKey struct{ env, name string }

// NewProvider creates a Provider over backend with the given cache ttl.
func NewProvider(backend Backend, clock clocks.Clock, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		backend: backend,
		cache: lrucache.NewOf[cacheKey, string](lrucache.Options{
			Capacity:   cacheCapacity,
			Expiration: ttl,
			Clock:      clock.Now,
		}),
	}
}

// Get returns the named secret, consulting the cache first.
func (provider *Provider) Get(ctx context.Context, name, env string) (string, error) {
	return provider.GetWithFallback(ctx, name, env, "")
}

// GetWithFallback returns the named secret; when the backend does not have
// it and envVar is non-empty, the process environment variable is used.
func (provider *Provider) GetWithFallback(ctx context.Context, name, env, envVar string) (string, error) {
	key := cacheKey{env: env, name: name}
	if value, ok := provider.cache.Get(key); ok {
		return value, nil
	}

	value, err := provider.backend.Get(ctx, name, env)
	if err != nil {
		if !ErrMissing.Has(err) {
			return "", Error.Wrap(err)
		}
		if envVar == "" {
			return "", err
		}
		fallback, ok := os.LookupEnv(envVar)
		if !ok {
			return "", ErrMissing.New("%q (no %s in environment)", name, envVar)
		}
		value = fallback
	}

	provider.cache.Put(key, value)
	return value, nil
}

// Invalidate drops the cached value for (env, name).
func (provider *Provider) Invalidate(name, env string) {
	provider.cache.Delete(cacheKey{env: env, name: name})
}

// Static is a Backend over a fixed map, used for tests and file-based
// configuration. Keys are env then name.
type Static map[string]map[string]string

// Get implements Backend.
func (static Static) Get(ctx context.Context, name, env string) (string, error) {
	if values, ok := static[env]; ok {
		if value, ok := values[name]; ok {
			return value, nil
		}
	}
	return "", ErrMissing.New("%q in env %q", name, env)
}
