package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/repository"
)

type completedCall struct {
	AttemptID  uuid.UUID
	Successful int
	Failed     int
	Status     domain.AttemptStatus
	Next       *time.Time
}

type transitionCall struct {
	From domain.ThresholdStatus
	To   domain.ThresholdStatus
}

type failPresaleCall struct {
	From   domain.ThresholdStatus
	Reason string
}

// MockStore implements Store for testing
type MockStore struct {
	LatestAttempt *domain.CaptureAttempt
	LatestErr     error

	FirstAt    time.Time
	FirstAtErr error

	ClaimErr      error
	ClaimedNums   []int
	ClaimedTotals []int

	ReclaimErr   error
	ReclaimedIDs []uuid.UUID

	Completed []completedCall

	Awaiting    []*domain.Order
	AwaitingErr error

	Stats *repository.CaptureStats

	CapturedAuths   []string
	CapturedErr     map[string]error
	FailedAuths     []string
	MarkFailedErr   error
	Transitions     []transitionCall
	TransitionErr   error
	FailCalls       []failPresaleCall
	Flagged         []*domain.CapturedPayment
	FailPresaleErr  error
	ProcessingQueue []*domain.PresaleThreshold
}

func (m *MockStore) ListProcessingThresholds(context.Context) ([]*domain.PresaleThreshold, error) {
	return m.ProcessingQueue, nil
}

func (m *MockStore) LatestCaptureAttempt(context.Context, int64) (*domain.CaptureAttempt, error) {
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	return m.LatestAttempt, nil
}

func (m *MockStore) FirstAttemptCreatedAt(context.Context, int64) (time.Time, error) {
	return m.FirstAt, m.FirstAtErr
}

func (m *MockStore) ClaimCaptureAttempt(_ context.Context, productID int64, attemptNumber, totalOrders int, _ time.Duration) (*domain.CaptureAttempt, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.ClaimedNums = append(m.ClaimedNums, attemptNumber)
	m.ClaimedTotals = append(m.ClaimedTotals, totalOrders)
	return &domain.CaptureAttempt{
		ID:            uuid.New(),
		ProductID:     productID,
		AttemptNumber: attemptNumber,
		TotalOrders:   totalOrders,
		Status:        domain.AttemptStatusInProgress,
		CreatedAt:     time.Now(),
	}, nil
}

func (m *MockStore) ReclaimStaleAttempt(_ context.Context, attemptID uuid.UUID, _ time.Duration) error {
	if m.ReclaimErr != nil {
		return m.ReclaimErr
	}
	m.ReclaimedIDs = append(m.ReclaimedIDs, attemptID)
	return nil
}

func (m *MockStore) CompleteCaptureAttempt(_ context.Context, attemptID uuid.UUID, successful, failed int, status domain.AttemptStatus, next *time.Time) error {
	m.Completed = append(m.Completed, completedCall{
		AttemptID:  attemptID,
		Successful: successful,
		Failed:     failed,
		Status:     status,
		Next:       next,
	})
	return nil
}

func (m *MockStore) OrdersAwaitingCapture(context.Context, int64) ([]*domain.Order, error) {
	return m.Awaiting, m.AwaitingErr
}

func (m *MockStore) GetCaptureStats(context.Context, int64) (*repository.CaptureStats, error) {
	return m.Stats, nil
}

func (m *MockStore) MarkOrderCaptured(_ context.Context, paymentAuthID string) (*domain.Order, error) {
	if err, ok := m.CapturedErr[paymentAuthID]; ok {
		return nil, err
	}
	m.CapturedAuths = append(m.CapturedAuths, paymentAuthID)
	return &domain.Order{PaymentAuthID: paymentAuthID}, nil
}

func (m *MockStore) MarkOrderCaptureFailed(_ context.Context, paymentAuthID string) error {
	if m.MarkFailedErr != nil {
		return m.MarkFailedErr
	}
	m.FailedAuths = append(m.FailedAuths, paymentAuthID)
	return nil
}

func (m *MockStore) TransitionThreshold(_ context.Context, _ int64, from, to domain.ThresholdStatus) error {
	if m.TransitionErr != nil {
		return m.TransitionErr
	}
	m.Transitions = append(m.Transitions, transitionCall{From: from, To: to})
	return nil
}

func (m *MockStore) FailPresale(_ context.Context, _ int64, from domain.ThresholdStatus, reason string) ([]*domain.CapturedPayment, error) {
	if m.FailPresaleErr != nil {
		return nil, m.FailPresaleErr
	}
	m.FailCalls = append(m.FailCalls, failPresaleCall{From: from, Reason: reason})
	return m.Flagged, nil
}

// MockGateway fails captures for the auth ids listed in Declines and
// counts every refund call; the orchestrator must never make one.
type MockGateway struct {
	Declines    map[string]bool
	CaptureIDs  []string
	RefundCalls int
}

func (m *MockGateway) Authorize(context.Context, gateway.AuthorizeRequest) (string, error) {
	return "", errors.New("not used in capture tests")
}

func (m *MockGateway) Capture(_ context.Context, paymentAuthID string) error {
	m.CaptureIDs = append(m.CaptureIDs, paymentAuthID)
	if m.Declines[paymentAuthID] {
		return errors.New("authorization expired")
	}
	return nil
}

func (m *MockGateway) Cancel(context.Context, string) error { return nil }

func (m *MockGateway) Refund(_ context.Context, _ string) error {
	m.RefundCalls++
	return nil
}

func pendingOrders(n int) []*domain.Order {
	orders := make([]*domain.Order, 0, n)
	for i := 0; i < n; i++ {
		orders = append(orders, &domain.Order{
			ID:            uuid.New(),
			ProductID:     1,
			PaymentAuthID: authID(i),
			PaymentStatus: domain.PaymentStatusAuthorized,
			UnitPrice:     decimal.NewFromInt(30),
			Quantity:      1,
		})
	}
	return orders
}

func authID(i int) string {
	return "auth-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

var testPolicy = Policy{
	MaxAttempts: 5,
	Window:      72 * time.Hour,
	RetryDelay:  6 * time.Hour,
	Lease:       15 * time.Minute,
}

func newTestOrchestrator(store *MockStore, gw *MockGateway, now time.Time) *Orchestrator {
	return &Orchestrator{
		store:   store,
		gateway: gw,
		policy:  testPolicy,
		clock:   func() time.Time { return now },
	}
}

func TestProcessProduct_FullCaptureCompletes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &MockStore{
		LatestErr: repository.ErrAttemptNotFound,
		Awaiting:  pendingOrders(10),
		Stats:     &repository.CaptureStats{TotalOrders: 10, CapturedOrders: 10},
		FirstAt:   now,
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Equal(t, []int{1}, store.ClaimedNums)
	assert.Equal(t, []int{10}, store.ClaimedTotals)
	assert.Len(t, store.CapturedAuths, 10)
	require.Len(t, store.Completed, 1)
	assert.Equal(t, domain.AttemptStatusCompleted, store.Completed[0].Status)
	assert.Equal(t, 10, store.Completed[0].Successful)
	assert.Nil(t, store.Completed[0].Next)
	require.Len(t, store.Transitions, 1)
	assert.Equal(t, domain.ThresholdStatusProcessing, store.Transitions[0].From)
	assert.Equal(t, domain.ThresholdStatusCompleted, store.Transitions[0].To)
	assert.Empty(t, store.FailCalls)
	assert.Zero(t, gw.RefundCalls)
}

func TestProcessProduct_PartialSchedulesRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := pendingOrders(100)
	declines := make(map[string]bool)
	for _, o := range orders[85:] {
		declines[o.PaymentAuthID] = true
	}
	store := &MockStore{
		LatestErr: repository.ErrAttemptNotFound,
		Awaiting:  orders,
		Stats:     &repository.CaptureStats{TotalOrders: 100, CapturedOrders: 85},
		FirstAt:   now,
	}
	gw := &MockGateway{Declines: declines}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	require.Len(t, store.Completed, 1)
	done := store.Completed[0]
	assert.Equal(t, domain.AttemptStatusPartial, done.Status)
	assert.Equal(t, 85, done.Successful)
	assert.Equal(t, 15, done.Failed)
	require.NotNil(t, done.Next)
	assert.Equal(t, now.Add(6*time.Hour), *done.Next)
	assert.Len(t, store.FailedAuths, 15)
	assert.Empty(t, store.Transitions)
	assert.Empty(t, store.FailCalls)
}

func TestProcessProduct_RetryCompletesOnCumulativeRate(t *testing.T) {
	// 85 of 100 captured on the first attempt; the retry recovers 8 of
	// the remaining 15, lifting the cumulative rate to 93%.
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	notBefore := now.Add(-time.Minute)
	orders := pendingOrders(15)
	declines := make(map[string]bool)
	for _, o := range orders[8:] {
		declines[o.PaymentAuthID] = true
	}
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:                   uuid.New(),
			ProductID:            1,
			AttemptNumber:        1,
			Status:               domain.AttemptStatusPartial,
			NextAttemptNotBefore: &notBefore,
		},
		Awaiting: orders,
		Stats:    &repository.CaptureStats{TotalOrders: 100, CapturedOrders: 93},
		FirstAt:  now.Add(-6 * time.Hour),
	}
	gw := &MockGateway{Declines: declines}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Equal(t, []int{2}, store.ClaimedNums)
	require.Len(t, store.Completed, 1)
	assert.Equal(t, domain.AttemptStatusCompleted, store.Completed[0].Status)
	assert.Equal(t, 8, store.Completed[0].Successful)
	assert.Equal(t, 7, store.Completed[0].Failed)
	require.Len(t, store.Transitions, 1)
	assert.Equal(t, domain.ThresholdStatusCompleted, store.Transitions[0].To)
	assert.Zero(t, gw.RefundCalls)
}

func TestProcessProduct_PartialWaitsForRetryTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notBefore := now.Add(time.Hour)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:                   uuid.New(),
			ProductID:            1,
			AttemptNumber:        1,
			Status:               domain.AttemptStatusPartial,
			NextAttemptNotBefore: &notBefore,
		},
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Empty(t, store.ClaimedNums)
	assert.Empty(t, gw.CaptureIDs)
	assert.Empty(t, store.FailCalls)
}

func TestProcessProduct_AttemptCountExhaustedFailsPresale(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	notBefore := now.Add(-time.Minute)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:                   uuid.New(),
			ProductID:            1,
			AttemptNumber:        5,
			Status:               domain.AttemptStatusPartial,
			NextAttemptNotBefore: &notBefore,
		},
		FirstAt: now.Add(-30 * time.Hour),
		Flagged: []*domain.CapturedPayment{
			{PaymentAuthID: "auth-aa", ProductID: 1, Amount: decimal.NewFromInt(30), Status: domain.CapturedPaymentStatusFlagged},
			{PaymentAuthID: "auth-ab", ProductID: 1, Amount: decimal.NewFromInt(30), Status: domain.CapturedPaymentStatusFlagged},
		},
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Empty(t, store.ClaimedNums, "no sixth attempt may start")
	require.Len(t, store.FailCalls, 1)
	assert.Equal(t, domain.ThresholdStatusProcessing, store.FailCalls[0].From)
	assert.Equal(t, domain.FailReasonCaptureExhausted, store.FailCalls[0].Reason)
	assert.Zero(t, gw.RefundCalls, "flagged funds must never be auto-refunded")
}

func TestProcessProduct_WindowExhaustedFailsPresale(t *testing.T) {
	// Attempt 2 of 5 would be allowed by count, but the next retry would
	// land past the 72h window anchored at attempt 1.
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	notBefore := now.Add(-time.Minute)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:                   uuid.New(),
			ProductID:            1,
			AttemptNumber:        2,
			Status:               domain.AttemptStatusPartial,
			NextAttemptNotBefore: &notBefore,
		},
		FirstAt: now.Add(-70 * time.Hour),
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Empty(t, store.ClaimedNums)
	require.Len(t, store.FailCalls, 1)
	assert.Equal(t, domain.FailReasonCaptureExhausted, store.FailCalls[0].Reason)
}

func TestProcessProduct_HeldLeaseIsLeftAlone(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:            uuid.New(),
			ProductID:     1,
			AttemptNumber: 1,
			Status:        domain.AttemptStatusInProgress,
		},
		ReclaimErr: repository.ErrStatusConflict,
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))
	assert.Empty(t, gw.CaptureIDs)
	assert.Empty(t, store.Completed)
}

func TestProcessProduct_StaleLeaseIsReclaimedAndSwept(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attemptID := uuid.New()
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:            attemptID,
			ProductID:     1,
			AttemptNumber: 1,
			Status:        domain.AttemptStatusInProgress,
		},
		Awaiting: pendingOrders(3),
		Stats:    &repository.CaptureStats{TotalOrders: 3, CapturedOrders: 3},
		FirstAt:  now,
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	assert.Equal(t, []uuid.UUID{attemptID}, store.ReclaimedIDs)
	assert.Len(t, store.CapturedAuths, 3)
	require.Len(t, store.Completed, 1)
	assert.Equal(t, attemptID, store.Completed[0].AttemptID)
}

func TestProcessProduct_ClaimConflictIsNoOp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &MockStore{
		LatestErr: repository.ErrAttemptNotFound,
		Awaiting:  pendingOrders(5),
		ClaimErr:  repository.ErrStatusConflict,
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))
	assert.Empty(t, gw.CaptureIDs, "losing the claim must not sweep")
}

func TestProcessProduct_WebhookRaceCountsAsSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := pendingOrders(2)
	store := &MockStore{
		LatestErr:   repository.ErrAttemptNotFound,
		Awaiting:    orders,
		Stats:       &repository.CaptureStats{TotalOrders: 2, CapturedOrders: 2},
		FirstAt:     now,
		CapturedErr: map[string]error{orders[0].PaymentAuthID: repository.ErrStatusConflict},
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	require.Len(t, store.Completed, 1)
	assert.Equal(t, 2, store.Completed[0].Successful)
	assert.Equal(t, 0, store.Completed[0].Failed)
}

func TestProcessProduct_ResolutionCrashIsRetried(t *testing.T) {
	// A COMPLETED attempt under a still-PROCESSING threshold means the
	// process died between the attempt write and the status transition.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:            uuid.New(),
			ProductID:     1,
			AttemptNumber: 1,
			Status:        domain.AttemptStatusCompleted,
		},
		Stats: &repository.CaptureStats{TotalOrders: 10, CapturedOrders: 10},
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	require.Len(t, store.Transitions, 1)
	assert.Equal(t, domain.ThresholdStatusCompleted, store.Transitions[0].To)
	assert.Empty(t, gw.CaptureIDs)
}

func TestProcessProduct_FailedResolutionCrashIsRetried(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &MockStore{
		LatestAttempt: &domain.CaptureAttempt{
			ID:            uuid.New(),
			ProductID:     1,
			AttemptNumber: 5,
			Status:        domain.AttemptStatusFailed,
		},
		Stats: &repository.CaptureStats{TotalOrders: 100, CapturedOrders: 60},
	}
	gw := &MockGateway{}
	o := newTestOrchestrator(store, gw, now)

	require.NoError(t, o.ProcessProduct(context.Background(), 1))

	require.Len(t, store.FailCalls, 1)
	assert.Equal(t, domain.FailReasonCaptureExhausted, store.FailCalls[0].Reason)
}
