// Package capture resolves presales that reached their target: it sweeps
// the held authorizations, applies the success-rate policy, and either
// completes the presale or flags captured funds for manual refunds.
// Refunds themselves are never issued from here.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/repository"
)

// SuccessThreshold is the cumulative capture rate that counts as a
// fulfilled presale. Some buyer instruments go stale between pledge and
// capture, so 100% is not expected.
const SuccessThreshold = 0.90

// Store is the slice of the ledger the orchestrator needs.
type Store interface {
	ListProcessingThresholds(ctx context.Context) ([]*domain.PresaleThreshold, error)
	LatestCaptureAttempt(ctx context.Context, productID int64) (*domain.CaptureAttempt, error)
	FirstAttemptCreatedAt(ctx context.Context, productID int64) (time.Time, error)
	ClaimCaptureAttempt(ctx context.Context, productID int64, attemptNumber, totalOrders int, lease time.Duration) (*domain.CaptureAttempt, error)
	ReclaimStaleAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) error
	CompleteCaptureAttempt(ctx context.Context, attemptID uuid.UUID, successful, failed int, status domain.AttemptStatus, nextNotBefore *time.Time) error
	OrdersAwaitingCapture(ctx context.Context, productID int64) ([]*domain.Order, error)
	GetCaptureStats(ctx context.Context, productID int64) (*repository.CaptureStats, error)
	MarkOrderCaptured(ctx context.Context, paymentAuthID string) (*domain.Order, error)
	MarkOrderCaptureFailed(ctx context.Context, paymentAuthID string) error
	TransitionThreshold(ctx context.Context, productID int64, from, to domain.ThresholdStatus) error
	FailPresale(ctx context.Context, productID int64, from domain.ThresholdStatus, reason string) ([]*domain.CapturedPayment, error)
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	// Window is the wall-clock retry limit measured from attempt 1.
	Window     time.Duration
	RetryDelay time.Duration
	Lease      time.Duration
}

type Orchestrator struct {
	store   Store
	gateway gateway.PaymentGateway
	policy  Policy
	clock   func() time.Time
}

func NewOrchestrator(store Store, gw gateway.PaymentGateway, policy Policy) *Orchestrator {
	return &Orchestrator{store: store, gateway: gw, policy: policy, clock: time.Now}
}

// ProcessProduct advances one PROCESSING presale: claims the attempt it
// is due (first, retry, or stale-leased), runs the sweep, and applies
// the decision policy. Safe to call from any number of instances; all
// claims go through store-level compare-and-swap.
func (o *Orchestrator) ProcessProduct(ctx context.Context, productID int64) error {
	latest, err := o.store.LatestCaptureAttempt(ctx, productID)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return o.startAttempt(ctx, productID, 1)
	}
	if err != nil {
		return err
	}

	switch latest.Status {
	case domain.AttemptStatusInProgress:
		// Another instance owns it unless the lease expired.
		if err := o.store.ReclaimStaleAttempt(ctx, latest.ID, o.policy.Lease); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return nil
			}
			return err
		}
		log.Printf("reclaimed stale capture attempt %d for product %d", latest.AttemptNumber, productID)
		return o.runSweep(ctx, latest)

	case domain.AttemptStatusPartial:
		if latest.NextAttemptNotBefore == nil || o.clock().Before(*latest.NextAttemptNotBefore) {
			return nil
		}
		if !o.retryAllowed(ctx, productID, latest.AttemptNumber) {
			return o.resolveFailed(ctx, productID)
		}
		return o.startAttempt(ctx, productID, latest.AttemptNumber+1)

	default:
		// COMPLETED or FAILED attempts under a PROCESSING threshold mean
		// the resolution step itself lost a race; retry the resolution.
		return o.resolveFromStats(ctx, productID, latest)
	}
}

func (o *Orchestrator) startAttempt(ctx context.Context, productID int64, number int) error {
	orders, err := o.store.OrdersAwaitingCapture(ctx, productID)
	if err != nil {
		return err
	}

	attempt, err := o.store.ClaimCaptureAttempt(ctx, productID, number, len(orders), o.policy.Lease)
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("capture attempt %d claimed for product %d (%d orders)", number, productID, len(orders))
	return o.runSweep(ctx, attempt)
}

// runSweep captures every pending hold independently. One decline never
// aborts the rest of the sweep.
func (o *Orchestrator) runSweep(ctx context.Context, attempt *domain.CaptureAttempt) error {
	orders, err := o.store.OrdersAwaitingCapture(ctx, attempt.ProductID)
	if err != nil {
		return err
	}

	var successful, failed int
	for _, order := range orders {
		if err := o.captureOrder(ctx, order); err != nil {
			failed++
			continue
		}
		successful++
	}

	return o.decide(ctx, attempt, successful, failed)
}

func (o *Orchestrator) captureOrder(ctx context.Context, order *domain.Order) error {
	if err := o.gateway.Capture(ctx, order.PaymentAuthID); err != nil {
		log.Printf("capture failed for auth %s (product %d): %v", order.PaymentAuthID, order.ProductID, err)
		if markErr := o.store.MarkOrderCaptureFailed(ctx, order.PaymentAuthID); markErr != nil &&
			!errors.Is(markErr, repository.ErrStatusConflict) {
			log.Printf("failed to record capture failure for auth %s: %v", order.PaymentAuthID, markErr)
		}
		return err
	}

	if _, err := o.store.MarkOrderCaptured(ctx, order.PaymentAuthID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Webhook delivery beat us to it; the money moved either way.
			return nil
		}
		return err
	}
	return nil
}

// decide applies the success-rate policy to the cumulative capture
// picture for the product, not just this sweep.
func (o *Orchestrator) decide(ctx context.Context, attempt *domain.CaptureAttempt, successful, failed int) error {
	stats, err := o.store.GetCaptureStats(ctx, attempt.ProductID)
	if err != nil {
		return err
	}

	if stats.SuccessRate() >= SuccessThreshold {
		if err := o.store.CompleteCaptureAttempt(ctx, attempt.ID, successful, failed,
			domain.AttemptStatusCompleted, nil); err != nil {
			return err
		}
		err := o.store.TransitionThreshold(ctx, attempt.ProductID,
			domain.ThresholdStatusProcessing, domain.ThresholdStatusCompleted)
		if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return err
		}
		log.Printf("presale completed for product %d: %d/%d captured",
			attempt.ProductID, stats.CapturedOrders, stats.TotalOrders)
		return nil
	}

	if o.retryAllowed(ctx, attempt.ProductID, attempt.AttemptNumber) {
		next := o.clock().Add(o.policy.RetryDelay)
		if err := o.store.CompleteCaptureAttempt(ctx, attempt.ID, successful, failed,
			domain.AttemptStatusPartial, &next); err != nil {
			return err
		}
		log.Printf("capture attempt %d partial for product %d (%d/%d cumulative), retry after %s",
			attempt.AttemptNumber, attempt.ProductID, stats.CapturedOrders, stats.TotalOrders,
			next.Format(time.RFC3339))
		return nil
	}

	if err := o.store.CompleteCaptureAttempt(ctx, attempt.ID, successful, failed,
		domain.AttemptStatusFailed, nil); err != nil {
		return err
	}
	return o.resolveFailed(ctx, attempt.ProductID)
}

// retryAllowed reports whether another sweep fits inside the attempt
// count and the wall-clock window anchored at attempt 1.
func (o *Orchestrator) retryAllowed(ctx context.Context, productID int64, attemptNumber int) bool {
	if attemptNumber >= o.policy.MaxAttempts {
		return false
	}
	firstAt, err := o.store.FirstAttemptCreatedAt(ctx, productID)
	if err != nil {
		log.Printf("cannot anchor retry window for product %d: %v", productID, err)
		return false
	}
	return o.clock().Add(o.policy.RetryDelay).Before(firstAt.Add(o.policy.Window))
}

// resolveFailed is the terminal path: the presale failed after capture
// exhaustion. Already-captured funds are flagged for manual refunds and
// logged for reconciliation; no refund call is ever made.
func (o *Orchestrator) resolveFailed(ctx context.Context, productID int64) error {
	flagged, err := o.store.FailPresale(ctx, productID,
		domain.ThresholdStatusProcessing, domain.FailReasonCaptureExhausted)
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve failed presale %d: %w", productID, err)
	}

	for _, cp := range flagged {
		log.Printf("manual refund required: auth %s amount %s (product %d)",
			cp.PaymentAuthID, cp.Amount.StringFixed(2), cp.ProductID)
	}
	log.Printf("presale failed for product %d after capture exhaustion, %d payments flagged",
		productID, len(flagged))
	return nil
}

// resolveFromStats re-runs the terminal decision when a prior resolution
// lost its threshold CAS (e.g. crash between attempt completion and the
// status transition).
func (o *Orchestrator) resolveFromStats(ctx context.Context, productID int64, latest *domain.CaptureAttempt) error {
	stats, err := o.store.GetCaptureStats(ctx, productID)
	if err != nil {
		return err
	}
	if stats.SuccessRate() >= SuccessThreshold {
		err := o.store.TransitionThreshold(ctx, productID,
			domain.ThresholdStatusProcessing, domain.ThresholdStatusCompleted)
		if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return err
		}
		return nil
	}
	if latest.Status == domain.AttemptStatusFailed {
		return o.resolveFailed(ctx, productID)
	}
	return nil
}
