package gateway

import (
	"context"
	"errors"

	"github.com/sony/gobreaker/v2"
)

// BreakerGateway wraps a PaymentGateway with a circuit breaker so a
// struggling processor sheds load instead of stacking timeouts.
// Declines count as successful round-trips: the processor answered.
type BreakerGateway struct {
	inner PaymentGateway
	cb    *gobreaker.CircuitBreaker[any]
}

func NewBreakerGateway(inner PaymentGateway) *BreakerGateway {
	settings := gobreaker.Settings{
		Name: "payment-gateway",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeclined)
		},
	}
	return &BreakerGateway{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (g *BreakerGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.inner.Authorize(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (g *BreakerGateway) Capture(ctx context.Context, authID string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Capture(ctx, authID)
	})
	return err
}

func (g *BreakerGateway) Cancel(ctx context.Context, authID string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Cancel(ctx, authID)
	})
	return err
}

func (g *BreakerGateway) Refund(ctx context.Context, authID string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Refund(ctx, authID)
	})
	return err
}
