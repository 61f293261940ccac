package domain

// Notification event types published to the presale-events topic.
// Consumers (email, alerting) compose any human-readable text; the
// engine only emits structured payloads.
const (
	EventThresholdReached = "threshold.reached"
	EventPresaleFailed    = "presale.failed"
	EventOrderCaptured    = "order.captured"
)

type ThresholdReachedEvent struct {
	ProductID     int64 `json:"product_id"`
	CurrentOrders int   `json:"current_orders"`
	TargetOrders  int   `json:"target_orders"`
}

type PresaleFailedEvent struct {
	ProductID      int64  `json:"product_id"`
	Reason         string `json:"reason"`
	CurrentOrders  int    `json:"current_orders"`
	TargetOrders   int    `json:"target_orders"`
	FlaggedRefunds int    `json:"flagged_refunds"`
}

type OrderCapturedEvent struct {
	OrderID       string `json:"order_id"`
	ProductID     int64  `json:"product_id"`
	PaymentAuthID string `json:"payment_auth_id"`
	Amount        string `json:"amount"`
}

// Failure reasons carried on PresaleFailedEvent.
const (
	FailReasonDeadlineExpired  = "deadline_expired"
	FailReasonCaptureExhausted = "capture_exhausted"
)
