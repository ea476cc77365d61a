package cache

import (
	"context"
	"time"

	"bagcart/backend/internal/domain"
)

type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.OrderSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.OrderSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.OrderSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.OrderSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
