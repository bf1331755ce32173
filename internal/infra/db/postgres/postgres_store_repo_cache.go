package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/metrics"
	red "tryon-pipeline/internal/infra/redis"
)

var _ repository.StoreRepository = (*storeRepoCacheDecorator)(nil)

// storeRepoCacheDecorator caches slug->store resolution with a bounded TTL.
// Every widget request resolves its store by slug, so this lookup sits on the
// hot path of job submission. Writes invalidate both the slug and id entries.
type storeRepoCacheDecorator struct {
	inner repository.StoreRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewStoreRepoCacheDecorator(inner repository.StoreRepository, cache red.RedisClient, ttl time.Duration) repository.StoreRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &storeRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func storeSlugKey(slug string) string { return fmt.Sprintf("store:slug:%s", slug) }
func storeIDKey(id string) string     { return fmt.Sprintf("store:id:%s", id) }

func (d *storeRepoCacheDecorator) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Store, error) {
	return d.lookup(ctx, tx, "store_slug", storeSlugKey(slug), func() (*model.Store, error) {
		return d.inner.FindBySlug(ctx, tx, slug)
	})
}

func (d *storeRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Store, error) {
	return d.lookup(ctx, tx, "store_id", storeIDKey(id), func() (*model.Store, error) {
		return d.inner.FindByID(ctx, tx, id)
	})
}

func (d *storeRepoCacheDecorator) lookup(ctx context.Context, tx repository.Tx, name, key string, fetch func() (*model.Store, error)) (*model.Store, error) {
	// Bypass the cache inside transactions: settings updates read the row
	// they are about to change.
	if tx == nil {
		if val, err := d.cache.Get(ctx, key); err == nil {
			var s model.Store
			if json.Unmarshal([]byte(val), &s) == nil {
				metrics.IncCacheRequest(name, "hit")
				return &s, nil
			}
		}
		metrics.IncCacheRequest(name, "miss")
	}

	s, err := fetch()
	if err != nil {
		return nil, err
	}
	if tx == nil && s != nil {
		if bytes, err := json.Marshal(s); err == nil {
			_ = d.cache.Set(ctx, storeSlugKey(s.Slug), bytes, d.ttl)
			_ = d.cache.Set(ctx, storeIDKey(s.ID), bytes, d.ttl)
		}
	}
	return s, nil
}

// Save invalidates both entries so settings changes are visible immediately,
// not after TTL expiry.
func (d *storeRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, s *model.Store) error {
	_ = d.cache.Del(ctx, storeSlugKey(s.Slug), storeIDKey(s.ID))
	return d.inner.Save(ctx, tx, s)
}
