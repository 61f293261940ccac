package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	PaymentStatusCaptured   PaymentStatus = "CAPTURED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// String representation (for logging)
func (s PaymentStatus) String() string {
	return string(s)
}

// Order is a buyer pledge against a product. PaymentAuthID is the
// idempotency key: at most one order exists per gateway authorization.
type Order struct {
	ID               uuid.UUID
	ProductID        int64
	BuyerRef         string
	Quantity         int
	UnitPrice        decimal.Decimal
	PaymentAuthID    string
	PaymentStatus    PaymentStatus
	IsPresale        bool
	SellerAccountRef string
	PlatformFee      decimal.Decimal
	TransferAmount   decimal.Decimal
	CreatedAt        time.Time
	CapturedAt       *time.Time
}

// Total is the gross amount held or moved for this order.
func (o *Order) Total() decimal.Decimal {
	return o.UnitPrice.Mul(decimal.NewFromInt(int64(o.Quantity)))
}
