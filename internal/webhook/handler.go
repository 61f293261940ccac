// Package webhook is the idempotent ingress for gateway callbacks.
// Deliveries are at-least-once and may be reordered; duplicates are
// recognized and acknowledged, never errored, so the gateway stops
// redelivering.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/checkout"
	"github.com/vinylpress/presale/internal/repository"
)

// Outcomes reported back to the gateway.
const (
	ResultCreated          = "created"
	ResultDuplicateIgnored = "duplicate-ignored"
	ResultRecorded         = "recorded"
)

// Recorder is the checkout initiator's idempotent order-creation step.
type Recorder interface {
	RecordAuthorization(ctx context.Context, order *domain.Order) (bool, error)
}

// Ledger applies asynchronous capture outcomes.
type Ledger interface {
	MarkOrderCaptured(ctx context.Context, paymentAuthID string) (*domain.Order, error)
	MarkOrderCaptureFailed(ctx context.Context, paymentAuthID string) error
}

type Handler struct {
	recorder Recorder
	ledger   Ledger
	fees     *checkout.FeeCalculator
}

func NewHandler(recorder Recorder, ledger Ledger, fees *checkout.FeeCalculator) *Handler {
	return &Handler{recorder: recorder, ledger: ledger, fees: fees}
}

type resultDTO struct {
	Result string `json:"result"`
}

// POST /webhooks/gateway
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "invalid JSON body")
		return
	}

	event, err := Decode(&env)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			respondError(w, http.StatusBadRequest, "unknown_event_type", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	switch e := event.(type) {
	case *CheckoutCompleted:
		h.handleCheckoutCompleted(w, r, e)
	case *PaymentOutcome:
		h.handlePaymentOutcome(w, r, env.Type, e)
	}
}

func (h *Handler) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, e *CheckoutCompleted) {
	amount := e.UnitPrice.Mul(decimal.NewFromInt(int64(e.Quantity)))
	fee, transfer := h.fees.Split(amount, e.PlatformAbsorbed)

	order := &domain.Order{
		ID:               uuid.New(),
		ProductID:        e.ProductID,
		BuyerRef:         e.BuyerRef,
		Quantity:         e.Quantity,
		UnitPrice:        e.UnitPrice,
		PaymentAuthID:    e.PaymentAuthID,
		PaymentStatus:    domain.PaymentStatusAuthorized,
		IsPresale:        e.IsPresale,
		SellerAccountRef: e.SellerAccountRef,
		PlatformFee:      fee,
		TransferAmount:   transfer,
	}

	created, err := h.recorder.RecordAuthorization(r.Context(), order)
	if err != nil {
		log.Printf("webhook: record authorization %s failed: %v", e.PaymentAuthID, err)
		respondError(w, http.StatusInternalServerError, "record_failed", "could not record order")
		return
	}
	if !created {
		respondJSON(w, http.StatusOK, resultDTO{Result: ResultDuplicateIgnored})
		return
	}
	respondJSON(w, http.StatusCreated, resultDTO{Result: ResultCreated})
}

func (h *Handler) handlePaymentOutcome(w http.ResponseWriter, r *http.Request, eventType EventType, e *PaymentOutcome) {
	var err error
	if eventType == EventPaymentSucceeded {
		_, err = h.ledger.MarkOrderCaptured(r.Context(), e.PaymentAuthID)
	} else {
		err = h.ledger.MarkOrderCaptureFailed(r.Context(), e.PaymentAuthID)
	}

	if errors.Is(err, repository.ErrStatusConflict) {
		// Redelivered or out of order; the ledger already reflects a
		// terminal state for this authorization.
		log.Printf("webhook: %s for auth %s ignored (already settled)", eventType, e.PaymentAuthID)
		respondJSON(w, http.StatusOK, resultDTO{Result: ResultDuplicateIgnored})
		return
	}
	if err != nil {
		log.Printf("webhook: %s for auth %s failed: %v", eventType, e.PaymentAuthID, err)
		respondError(w, http.StatusInternalServerError, "ledger_update_failed", "could not apply payment outcome")
		return
	}
	respondJSON(w, http.StatusOK, resultDTO{Result: ResultRecorded})
}
