package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlChannels   = 5 * time.Minute
	ttlChannel    = 5 * time.Minute
	ttlProgrammes = 2 * time.Minute
	ttlStats      = 1 * time.Minute
	ttlServers    = 2 * time.Minute
)

// CachedStore wraps a Store with a Redis caching layer.
// Channel and programme reads are served from cache when possible;
// scope writes invalidate the scope's keys and all programme listings.
// Now/next lookups depend on the clock and always go to the store.
type CachedStore struct {
	inner Store
	cache *cache.Redis
	log   *logrus.Entry
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, log *logrus.Entry) *CachedStore {
	return &CachedStore{inner: inner, cache: c, log: log.WithField("component", "cached_store")}
}

// --- cached read operations ---

func (c *CachedStore) GetChannel(ctx context.Context, scope models.Scope, xmltvID string) (*models.Channel, error) {
	return readThrough(ctx, c, fmt.Sprintf("epg:channel:%s:%s", scopeKey(scope), xmltvID), ttlChannel, func() (*models.Channel, error) {
		return c.inner.GetChannel(ctx, scope, xmltvID)
	})
}

func (c *CachedStore) ListChannels(ctx context.Context, scope models.Scope) ([]models.Channel, error) {
	return readThrough(ctx, c, "epg:channels:"+scopeKey(scope), ttlChannels, func() ([]models.Channel, error) {
		return c.inner.ListChannels(ctx, scope)
	})
}

func (c *CachedStore) ListProgrammes(ctx context.Context, channelID int64, start, end string) ([]models.Programme, error) {
	return readThrough(ctx, c, fmt.Sprintf("epg:programmes:%d:%s", channelID, boundsHash(start, end)), ttlProgrammes, func() ([]models.Programme, error) {
		return c.inner.ListProgrammes(ctx, channelID, start, end)
	})
}

func (c *CachedStore) CountScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	return readThrough(ctx, c, "epg:stats:"+scopeKey(scope), ttlStats, func() (ScopeStats, error) {
		return c.inner.CountScope(ctx, scope)
	})
}

func (c *CachedStore) ListServers(ctx context.Context, accountID string) ([]models.Server, error) {
	return readThrough(ctx, c, "epg:servers:"+accountID, ttlServers, func() ([]models.Server, error) {
		return c.inner.ListServers(ctx, accountID)
	})
}

// --- write operations with cache invalidation ---

func (c *CachedStore) WithScopeTx(ctx context.Context, scope models.Scope, fn func(tx Tx) error) error {
	if err := c.inner.WithScopeTx(ctx, scope, fn); err != nil {
		return err
	}
	c.invalidateScope(ctx, scope)
	return nil
}

func (c *CachedStore) DeleteScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	st, err := c.inner.DeleteScope(ctx, scope)
	if err != nil {
		return st, err
	}
	c.invalidateScope(ctx, scope)
	return st, nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) CurrentProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return c.inner.CurrentProgramme(ctx, channelID, at)
}

func (c *CachedStore) NextProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return c.inner.NextProgramme(ctx, channelID, at)
}

func (c *CachedStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return c.inner.ListAccounts(ctx)
}

func (c *CachedStore) GetServer(ctx context.Context, accountID string, serverID int64) (*models.Server, error) {
	return c.inner.GetServer(ctx, accountID, serverID)
}

// --- helpers ---

// readThrough serves key from Redis, falling back to load on a miss or a
// cache error. Store errors are never cached.
func readThrough[T any](ctx context.Context, c *CachedStore, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	var v T
	hit, err := c.cache.Lookup(ctx, key, &v)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Debug("cache lookup failed")
	}
	if hit {
		return v, nil
	}
	v, err = load()
	if err != nil {
		return v, err
	}
	if err := c.cache.Put(ctx, key, v, ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache put failed")
	}
	return v, nil
}

// invalidateScope drops the scope's channel and stats keys. Programme
// listings are keyed by channel id, so all of them are dropped.
func (c *CachedStore) invalidateScope(ctx context.Context, scope models.Scope) {
	sk := scopeKey(scope)
	keys := []string{"epg:channels:" + sk, "epg:stats:" + sk}
	if err := c.cache.Invalidate(ctx, keys, "epg:channel:"+sk+":*", "epg:programmes:*"); err != nil {
		c.log.WithError(err).WithField("scope", sk).Warn("cache invalidation failed")
	}
}

// scopeKey renders scope for use inside a cache key.
func scopeKey(s models.Scope) string {
	return fmt.Sprintf("%s:%d", s.AccountID, s.ServerID)
}

// boundsHash produces a short deterministic hash of a listing window so it
// can be used as part of a cache key.
func boundsHash(start, end string) string {
	h := sha256.Sum256([]byte(start + "|" + end))
	return fmt.Sprintf("%x", h[:8])
}
