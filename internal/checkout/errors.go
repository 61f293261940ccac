package checkout

import "fmt"

// ValidationError rejects a checkout before any money is touched.
// Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout validation failed: %s", e.Reason)
}

const (
	ReasonProductNotFound  = "product not found"
	ReasonPresaleClosed    = "presale is closed"
	ReasonPresaleExpired   = "presale deadline has passed"
	ReasonTargetReached    = "presale target already reached"
	ReasonSellerNotOnboard = "seller has no payout destination"
	ReasonEmptyCart        = "cart is empty"
	ReasonInvalidQuantity  = "quantity must be positive"
	ReasonNonPositivePrice = "unit price must be positive"
)
