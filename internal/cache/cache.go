package cache

import (
	"context"
	"errors"

	"github.com/vinylpress/presale/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// ThresholdCache holds short-lived threshold snapshots for storefront
// reads. The checkout path invalidates on increment and on its own
// status transition; other transitions converge within the TTL. The
// database stays the source of truth.
type ThresholdCache interface {
	Get(ctx context.Context, productID int64) (*domain.PresaleThreshold, error)
	Set(ctx context.Context, threshold *domain.PresaleThreshold) error
	Delete(ctx context.Context, productID int64) error
}
