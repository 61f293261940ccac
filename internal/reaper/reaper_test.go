package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/repository"
)

type failPresaleCall struct {
	ProductID int64
	From      domain.ThresholdStatus
	Reason    string
}

// MockStore implements Store for testing
type MockStore struct {
	Expired    []*domain.PresaleThreshold
	ExpiredErr error

	FailedWithHolds    []*domain.PresaleThreshold
	FailedWithHoldsErr error

	FailCalls      []failPresaleCall
	FailPresaleErr error

	Awaiting map[int64][]*domain.Order

	Cancelled    []string
	CancelErr    error
	CancelErrFor map[string]error
}

func (m *MockStore) ListExpiredActiveThresholds(context.Context) ([]*domain.PresaleThreshold, error) {
	return m.Expired, m.ExpiredErr
}

func (m *MockStore) ListFailedThresholdsWithOpenHolds(context.Context) ([]*domain.PresaleThreshold, error) {
	return m.FailedWithHolds, m.FailedWithHoldsErr
}

func (m *MockStore) FailPresale(_ context.Context, productID int64, from domain.ThresholdStatus, reason string) ([]*domain.CapturedPayment, error) {
	if m.FailPresaleErr != nil {
		return nil, m.FailPresaleErr
	}
	m.FailCalls = append(m.FailCalls, failPresaleCall{ProductID: productID, From: from, Reason: reason})
	return nil, nil
}

func (m *MockStore) OrdersAwaitingCapture(_ context.Context, productID int64) ([]*domain.Order, error) {
	return m.Awaiting[productID], nil
}

func (m *MockStore) CancelOrder(_ context.Context, paymentAuthID string) error {
	if err, ok := m.CancelErrFor[paymentAuthID]; ok {
		return err
	}
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, paymentAuthID)
	return nil
}

// MockGateway refuses captures outright; expiry must only release holds.
type MockGateway struct {
	CancelledAuths []string
	CancelErrFor   map[string]error
	CaptureCalls   int
}

func (m *MockGateway) Authorize(context.Context, gateway.AuthorizeRequest) (string, error) {
	return "", errors.New("not used in reaper tests")
}

func (m *MockGateway) Capture(context.Context, string) error {
	m.CaptureCalls++
	return errors.New("reaper must not capture")
}

func (m *MockGateway) Cancel(_ context.Context, paymentAuthID string) error {
	if err, ok := m.CancelErrFor[paymentAuthID]; ok {
		return err
	}
	m.CancelledAuths = append(m.CancelledAuths, paymentAuthID)
	return nil
}

func (m *MockGateway) Refund(context.Context, string) error { return nil }

func expiredThreshold(productID int64, current, target int) *domain.PresaleThreshold {
	return &domain.PresaleThreshold{
		ProductID:     productID,
		CurrentOrders: current,
		TargetOrders:  target,
		Status:        domain.ThresholdStatusActive,
	}
}

func heldOrder(productID int64, authID string) *domain.Order {
	return &domain.Order{
		ID:            uuid.New(),
		ProductID:     productID,
		PaymentAuthID: authID,
		PaymentStatus: domain.PaymentStatusAuthorized,
	}
}

func TestSweep_ExpiredPresaleReleasesHolds(t *testing.T) {
	store := &MockStore{
		Expired: []*domain.PresaleThreshold{expiredThreshold(1, 45, 100)},
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1"), heldOrder(1, "auth-2"), heldOrder(1, "auth-3")},
		},
	}
	gw := &MockGateway{}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())

	require.Len(t, store.FailCalls, 1)
	assert.Equal(t, domain.ThresholdStatusActive, store.FailCalls[0].From)
	assert.Equal(t, domain.FailReasonDeadlineExpired, store.FailCalls[0].Reason)
	assert.Equal(t, []string{"auth-1", "auth-2", "auth-3"}, gw.CancelledAuths)
	assert.Equal(t, []string{"auth-1", "auth-2", "auth-3"}, store.Cancelled)
	assert.Zero(t, gw.CaptureCalls, "expiry releases holds, never captures them")
}

func TestSweep_RacingThresholdIsLeftToOrchestrator(t *testing.T) {
	// The threshold reached target between the listing query and the
	// CAS; the reaper must back off without touching any hold.
	store := &MockStore{
		Expired:        []*domain.PresaleThreshold{expiredThreshold(1, 100, 100)},
		FailPresaleErr: repository.ErrStatusConflict,
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1")},
		},
	}
	gw := &MockGateway{}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())

	assert.Empty(t, gw.CancelledAuths)
	assert.Empty(t, store.Cancelled)
}

func TestSweep_GatewayCancelFailureSkipsLedgerWrite(t *testing.T) {
	// If the gateway never released the hold the order must stay
	// AUTHORIZED so the reconcile pass retries it.
	store := &MockStore{
		Expired: []*domain.PresaleThreshold{expiredThreshold(1, 10, 100)},
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1"), heldOrder(1, "auth-2")},
		},
	}
	gw := &MockGateway{
		CancelErrFor: map[string]error{"auth-1": errors.New("gateway timeout")},
	}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())

	assert.Equal(t, []string{"auth-2"}, store.Cancelled)
}

func TestSweep_ReleasesStrandedHoldsOnFailedPresales(t *testing.T) {
	// The presale already flipped to FAILED on an earlier tick, but a
	// gateway outage left its holds open. FAILED is terminal, so only
	// the reconcile pass can release them.
	failed := expiredThreshold(1, 45, 100)
	failed.Status = domain.ThresholdStatusFailed
	store := &MockStore{
		FailedWithHolds: []*domain.PresaleThreshold{failed},
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1"), heldOrder(1, "auth-2")},
		},
	}
	gw := &MockGateway{}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())

	assert.Empty(t, store.FailCalls, "reconcile must not re-fail the presale")
	assert.Equal(t, []string{"auth-1", "auth-2"}, gw.CancelledAuths)
	assert.Equal(t, []string{"auth-1", "auth-2"}, store.Cancelled)
}

func TestSweep_CancelFailureIsRetriedNextTick(t *testing.T) {
	failed := expiredThreshold(1, 10, 100)
	failed.Status = domain.ThresholdStatusFailed
	store := &MockStore{
		FailedWithHolds: []*domain.PresaleThreshold{failed},
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1")},
		},
	}
	gw := &MockGateway{
		CancelErrFor: map[string]error{"auth-1": errors.New("gateway timeout")},
	}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())
	assert.Empty(t, store.Cancelled)

	// Gateway recovers; the hold is still in the recovery set.
	gw.CancelErrFor = nil
	r.sweep(context.Background())
	assert.Equal(t, []string{"auth-1"}, store.Cancelled)
}

func TestSweep_MultipleExpiredPresales(t *testing.T) {
	store := &MockStore{
		Expired: []*domain.PresaleThreshold{
			expiredThreshold(1, 5, 100),
			expiredThreshold(2, 0, 50),
		},
		Awaiting: map[int64][]*domain.Order{
			1: {heldOrder(1, "auth-1")},
		},
	}
	gw := &MockGateway{}
	r := NewReaper(store, gw, time.Minute)

	r.sweep(context.Background())

	require.Len(t, store.FailCalls, 2)
	assert.Equal(t, int64(1), store.FailCalls[0].ProductID)
	assert.Equal(t, int64(2), store.FailCalls[1].ProductID)
	assert.Equal(t, []string{"auth-1"}, gw.CancelledAuths)
}
