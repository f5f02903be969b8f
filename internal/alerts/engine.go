// Package alerts ranks inventory records that have fallen below their
// restock threshold into an ordered alert board for the store manager.
package alerts

import (
	"context"
	"sort"
	"time"

	"countermart/backend/internal/cache"
	"countermart/backend/internal/domain"
)

const cacheKey = "cms:alerts:restock"

type Engine struct {
	cache    cache.AlertCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.AlertCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopAlertCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// Evaluate turns the below-threshold inventory views into ranked alerts.
// Severity is the deficit relative to the threshold, clamped to [0,1];
// a product that is completely out of stored stock scores 1.
func (e *Engine) Evaluate(ctx context.Context, views []domain.InventoryView) domain.RestockAlertResponse {
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	resp := domain.RestockAlertResponse{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Alerts:      make([]domain.RestockAlert, 0, len(views)),
	}
	for _, view := range views {
		if view.StoreThreshold <= 0 || view.StoredQuantity >= view.StoreThreshold {
			continue
		}
		deficit := view.StoreThreshold - view.StoredQuantity
		resp.Alerts = append(resp.Alerts, domain.RestockAlert{
			ProductID:      view.ProductID,
			ProductName:    view.ProductName,
			StoredQuantity: view.StoredQuantity,
			StoreThreshold: view.StoreThreshold,
			Deficit:        deficit,
			Severity:       clamp(deficit/view.StoreThreshold, 0, 1),
		})
	}
	sort.Slice(resp.Alerts, func(i, j int) bool {
		if resp.Alerts[i].Severity == resp.Alerts[j].Severity {
			return resp.Alerts[i].ProductID < resp.Alerts[j].ProductID
		}
		return resp.Alerts[i].Severity > resp.Alerts[j].Severity
	})

	_ = e.cache.Set(ctx, cacheKey, &resp, e.cacheTTL)
	return resp
}

// Invalidate drops the cached board; called after any stock mutation.
func (e *Engine) Invalidate(ctx context.Context) {
	_ = e.cache.Invalidate(ctx, cacheKey)
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
