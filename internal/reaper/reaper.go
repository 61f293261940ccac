// Package reaper fails presales whose deadline passed below target and
// releases their holds. It only ever cancels uncaptured authorizations;
// a threshold that reached target belongs to the capture orchestrator
// and is never touched here.
package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/repository"
)

type Store interface {
	ListExpiredActiveThresholds(ctx context.Context) ([]*domain.PresaleThreshold, error)
	ListFailedThresholdsWithOpenHolds(ctx context.Context) ([]*domain.PresaleThreshold, error)
	FailPresale(ctx context.Context, productID int64, from domain.ThresholdStatus, reason string) ([]*domain.CapturedPayment, error)
	OrdersAwaitingCapture(ctx context.Context, productID int64) ([]*domain.Order, error)
	CancelOrder(ctx context.Context, paymentAuthID string) error
}

type Reaper struct {
	store   Store
	gateway gateway.PaymentGateway
	tick    time.Duration
}

func NewReaper(store Store, gw gateway.PaymentGateway, tick time.Duration) *Reaper {
	return &Reaper{store: store, gateway: gw, tick: tick}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	thresholds, err := r.store.ListExpiredActiveThresholds(ctx)
	if err != nil {
		log.Printf("failed to list expired thresholds: %v", err)
		return
	}

	for _, t := range thresholds {
		if err := r.expire(ctx, t); err != nil {
			log.Printf("failed to expire presale %d: %v", t.ProductID, err)
		}
	}

	r.reconcile(ctx)
}

// reconcile re-drives hold releases for presales already FAILED. FAILED
// is terminal, so a gateway outage or a crash between the status
// transition and the cancel loop would otherwise strand those
// authorizations forever.
func (r *Reaper) reconcile(ctx context.Context) {
	thresholds, err := r.store.ListFailedThresholdsWithOpenHolds(ctx)
	if err != nil {
		log.Printf("failed to list failed presales with open holds: %v", err)
		return
	}

	for _, t := range thresholds {
		if err := r.releaseHolds(ctx, t.ProductID); err != nil {
			log.Printf("failed to release holds for presale %d: %v", t.ProductID, err)
		}
	}
}

// expire fails one presale. The ACTIVE -> FAILED transition is the race
// guard: if a concurrent checkout pushed the threshold into PROCESSING
// since the listing query, the CAS misses and the presale is left to
// the capture orchestrator.
func (r *Reaper) expire(ctx context.Context, t *domain.PresaleThreshold) error {
	_, err := r.store.FailPresale(ctx, t.ProductID,
		domain.ThresholdStatusActive, domain.FailReasonDeadlineExpired)
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("presale expired for product %d (%d/%d orders)", t.ProductID, t.CurrentOrders, t.TargetOrders)

	return r.releaseHolds(ctx, t.ProductID)
}

// releaseHolds cancels every still-open authorization for the product.
// Orders whose gateway cancel fails stay AUTHORIZED and are picked up
// again by the next reconcile pass.
func (r *Reaper) releaseHolds(ctx context.Context, productID int64) error {
	orders, err := r.store.OrdersAwaitingCapture(ctx, productID)
	if err != nil {
		return err
	}

	for _, order := range orders {
		if err := r.gateway.Cancel(ctx, order.PaymentAuthID); err != nil {
			log.Printf("cancel failed for auth %s (product %d): %v", order.PaymentAuthID, productID, err)
			continue
		}
		if err := r.store.CancelOrder(ctx, order.PaymentAuthID); err != nil &&
			!errors.Is(err, repository.ErrStatusConflict) {
			log.Printf("failed to mark order cancelled for auth %s: %v", order.PaymentAuthID, err)
		}
	}
	return nil
}
