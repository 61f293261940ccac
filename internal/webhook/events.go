package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Gateway callbacks arrive as a typed envelope. Each event type decodes
// into its own variant with required fields checked at this boundary;
// nothing loosely typed crosses into the engine.

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
)

var ErrUnknownEventType = errors.New("unknown event type")

type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CheckoutCompleted reports a finished gateway checkout holding funds.
type CheckoutCompleted struct {
	PaymentAuthID    string          `json:"payment_auth_id"`
	ProductID        int64           `json:"product_id"`
	BuyerRef         string          `json:"buyer_ref"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	IsPresale        bool            `json:"is_presale"`
	SellerAccountRef string          `json:"seller_account_ref"`
	PlatformAbsorbed bool            `json:"platform_absorbed"`
}

func (e *CheckoutCompleted) validate() error {
	if e.PaymentAuthID == "" {
		return fmt.Errorf("checkout.completed missing payment_auth_id")
	}
	if e.ProductID == 0 {
		return fmt.Errorf("checkout.completed missing product_id")
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("checkout.completed has non-positive quantity")
	}
	if !e.UnitPrice.IsPositive() {
		return fmt.Errorf("checkout.completed has non-positive unit_price")
	}
	return nil
}

// PaymentOutcome reports an asynchronous capture result.
type PaymentOutcome struct {
	PaymentAuthID string `json:"payment_auth_id"`
	Reason        string `json:"reason,omitempty"`
}

func (e *PaymentOutcome) validate() error {
	if e.PaymentAuthID == "" {
		return fmt.Errorf("payment event missing payment_auth_id")
	}
	return nil
}

// Decode turns an envelope into its validated variant.
func Decode(env *Envelope) (any, error) {
	switch env.Type {
	case EventCheckoutCompleted:
		var e CheckoutCompleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode checkout.completed: %w", err)
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		return &e, nil
	case EventPaymentSucceeded, EventPaymentFailed:
		var e PaymentOutcome
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("decode payment event: %w", err)
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}
