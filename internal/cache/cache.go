package cache

import (
	"context"
	"time"

	"bookshop/pos/internal/domain"
)

type AvailabilityCache interface {
	Get(ctx context.Context, key string) (domain.AvailabilityRecord, bool, error)
	Set(ctx context.Context, key string, value domain.AvailabilityRecord, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string) (domain.AvailabilityRecord, bool, error) {
	return domain.AvailabilityRecord{}, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ domain.AvailabilityRecord, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
