package catalog

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bookshop/pos/internal/cache"
	"bookshop/pos/internal/domain"
)

// flightTimeout bounds a shared upstream call once it no longer follows the
// context of the caller that started it.
const flightTimeout = 10 * time.Second

// Cached fronts a Catalog with a short-lived shared cache. Concurrent misses
// for the same identifier collapse into one upstream call.
type Cached struct {
	next   Catalog
	cache  cache.AvailabilityCache
	ttl    time.Duration
	sfg    singleflight.Group
	logger *zap.Logger
}

func NewCached(next Catalog, store cache.AvailabilityCache, ttl time.Duration, logger *zap.Logger) *Cached {
	if store == nil {
		store = cache.NoopAvailabilityCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, cache: store, ttl: ttl, logger: logger}
}

func (c *Cached) Availability(ctx context.Context, identifier string) (domain.AvailabilityRecord, error) {
	if c.ttl > 0 {
		rec, ok, err := c.cache.Get(ctx, identifier)
		if err != nil {
			c.logger.Warn("availability cache read failed", zap.String("identifier", identifier), zap.Error(err))
		} else if ok {
			return rec, nil
		}
	}

	// The shared call outlives any one caller; each caller stops waiting
	// when its own context ends.
	ch := c.sfg.DoChan(identifier, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		rec, err := c.next.Availability(flightCtx, identifier)
		if err != nil {
			return nil, err
		}
		if rec.Found && c.ttl > 0 {
			if err := c.cache.Set(flightCtx, identifier, rec, c.ttl); err != nil {
				c.logger.Warn("availability cache write failed", zap.String("identifier", identifier), zap.Error(err))
			}
		}
		return rec, nil
	})
	select {
	case <-ctx.Done():
		return domain.AvailabilityRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.AvailabilityRecord{}, res.Err
		}
		return res.Val.(domain.AvailabilityRecord), nil
	}
}

// Invalidate drops cached stock for books whose quantity just changed.
func (c *Cached) Invalidate(ctx context.Context, identifiers ...string) {
	if len(identifiers) == 0 {
		return
	}
	if err := c.cache.Delete(ctx, identifiers...); err != nil {
		c.logger.Warn("availability cache invalidation failed", zap.Strings("identifiers", identifiers), zap.Error(err))
	}
}
