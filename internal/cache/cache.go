package cache

import (
	"context"
	"time"

	"countermart/backend/internal/domain"
)

// CatalogCache holds the product list served to read-heavy catalog views.
// Mutating catalog operations must invalidate it.
type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, bool, error)
	Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// AlertCache holds a computed restock alert board.
type AlertCache interface {
	Get(ctx context.Context, key string) (*domain.RestockAlertResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.RestockAlertResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) (*domain.RestockAlertResponse, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ *domain.RestockAlertResponse, _ time.Duration) error {
	return nil
}

func (NoopAlertCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
