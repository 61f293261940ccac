// Package gateway abstracts the third-party payment processor. The
// engine only ever holds, captures, or cancels money through this
// interface; Refund exists for out-of-band admin tooling and is never
// called from any orchestration path.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDeclined wraps processor-side declines (bad card, expired
// instrument). Declines are per-authorization outcomes, never aborts.
var ErrDeclined = errors.New("payment declined")

// DeclineError carries the processor's decline detail.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

func (e *DeclineError) Unwrap() error { return ErrDeclined }

// AuthorizeRequest describes a hold to place. PayeeRef and FeeAmount
// are empty/zero on the platform-absorbed settlement path.
type AuthorizeRequest struct {
	Amount    decimal.Decimal
	PayerRef  string
	PayeeRef  string
	FeeAmount decimal.Decimal
	Metadata  map[string]string

	// CaptureImmediately collapses authorize+capture into one call for
	// non-presale purchases.
	CaptureImmediately bool
}

type PaymentGateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (authID string, err error)
	Capture(ctx context.Context, authID string) error
	Cancel(ctx context.Context, authID string) error
	Refund(ctx context.Context, authID string) error
}
