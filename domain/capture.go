package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
	AttemptStatusPartial    AttemptStatus = "PARTIAL"
	AttemptStatusFailed     AttemptStatus = "FAILED"
)

func (s AttemptStatus) String() string {
	return string(s)
}

// CaptureAttempt records one sweep over the authorized orders of a
// product. AttemptNumber is strictly increasing per product.
// NextAttemptNotBefore is set when the attempt completes PARTIAL and a
// retry is scheduled; retry eligibility is a plain comparison against it,
// never recomputed from wall-clock arithmetic.
type CaptureAttempt struct {
	ID                   uuid.UUID
	ProductID            int64
	AttemptNumber        int
	TotalOrders          int
	SuccessfulCaptures   int
	FailedCaptures       int
	Status               AttemptStatus
	NextAttemptNotBefore *time.Time
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

type CapturedPaymentStatus string

const (
	CapturedPaymentStatusCaptured CapturedPaymentStatus = "CAPTURED"
	// CapturedPaymentStatusFlagged marks funds that require a manual
	// refund after a failed presale. The engine never refunds on its own.
	CapturedPaymentStatusFlagged CapturedPaymentStatus = "FLAGGED_FOR_MANUAL_REFUND"
)

// CapturedPayment is the audit row for money actually moved.
type CapturedPayment struct {
	PaymentAuthID string
	ProductID     int64
	Amount        decimal.Decimal
	Status        CapturedPaymentStatus
	CreatedAt     time.Time
}
