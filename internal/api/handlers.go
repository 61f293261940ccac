package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/cache"
	"github.com/vinylpress/presale/internal/checkout"
	"github.com/vinylpress/presale/internal/repository"
)

// CheckoutService is the synchronous checkout entry point.
type CheckoutService interface {
	InitiateCheckout(ctx context.Context, req *checkout.CheckoutRequest) (*checkout.CheckoutResponse, error)
}

// Store is the read side plus presale creation.
type Store interface {
	CreatePresale(ctx context.Context, product *domain.Product) error
	GetOrdersForProduct(ctx context.Context, productID int64) ([]*domain.Order, error)
	GetThreshold(ctx context.Context, productID int64) (*domain.PresaleThreshold, error)
	GetCaptureHistory(ctx context.Context, productID int64) ([]*domain.CaptureAttempt, error)
	GetCapturedPayments(ctx context.Context, productID int64) ([]*domain.CapturedPayment, error)
}

type Handler struct {
	checkout CheckoutService
	store    Store
	cache    cache.ThresholdCache
	timeout  time.Duration
}

func NewHandler(checkoutSvc CheckoutService, store Store, thresholdCache cache.ThresholdCache, timeout time.Duration) *Handler {
	return &Handler{
		checkout: checkoutSvc,
		store:    store,
		cache:    thresholdCache,
		timeout:  timeout,
	}
}

type CartItemDTO struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type CheckoutRequestDTO struct {
	BuyerRef         string        `json:"buyer_ref"`
	SellerAccountRef string        `json:"seller_account_ref"`
	PlatformAbsorbed bool          `json:"platform_absorbed"`
	Items            []CartItemDTO `json:"items"`
}

type ItemResultDTO struct {
	ProductID     int64  `json:"product_id"`
	OrderID       string `json:"order_id,omitempty"`
	PaymentAuthID string `json:"payment_auth_id,omitempty"`
	Declined      bool   `json:"declined"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// POST /api/v1/checkout
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var dto CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if dto.BuyerRef == "" {
		respondError(w, http.StatusBadRequest, "missing_buyer_ref", "buyer_ref is required")
		return
	}

	req := &checkout.CheckoutRequest{
		BuyerRef:         dto.BuyerRef,
		SellerAccountRef: dto.SellerAccountRef,
		PlatformAbsorbed: dto.PlatformAbsorbed,
		Items:            make([]checkout.CartItem, 0, len(dto.Items)),
	}
	for _, item := range dto.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_unit_price", "unit_price must be a decimal string")
			return
		}
		req.Items = append(req.Items, checkout.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
	}

	resp, err := h.checkout.InitiateCheckout(ctx, req)
	if err != nil {
		var validation *checkout.ValidationError
		if errors.As(err, &validation) {
			respondError(w, http.StatusUnprocessableEntity, "validation_failed", validation.Reason)
			return
		}
		log.Printf("checkout failed (request %s): %v", getRequestID(r.Context()), err)
		respondError(w, http.StatusInternalServerError, "checkout_failed", "internal error")
		return
	}

	results := make([]ItemResultDTO, 0, len(resp.Items))
	for _, item := range resp.Items {
		results = append(results, ItemResultDTO{
			ProductID:     item.ProductID,
			OrderID:       item.OrderID,
			PaymentAuthID: item.PaymentAuthID,
			Declined:      item.Declined,
			DeclineReason: item.DeclineReason,
		})
	}
	respondJSON(w, http.StatusCreated, map[string]any{"items": results})
}

type CreatePresaleDTO struct {
	ProductID    int64  `json:"product_id"`
	Title        string `json:"title"`
	TargetOrders int    `json:"target_orders"`
	Deadline     string `json:"deadline"`
	IsPresale    *bool  `json:"is_presale,omitempty"`
}

// POST /api/v1/presales
func (h *Handler) CreatePresale(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var dto CreatePresaleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if dto.ProductID == 0 || dto.TargetOrders <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_presale", "product_id and positive target_orders are required")
		return
	}
	deadline, err := time.Parse(time.RFC3339, dto.Deadline)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_deadline", "deadline must be RFC3339")
		return
	}

	product := &domain.Product{
		ID:           dto.ProductID,
		Title:        dto.Title,
		TargetOrders: dto.TargetOrders,
		Deadline:     deadline,
		IsPresale:    true,
	}
	if dto.IsPresale != nil {
		product.IsPresale = *dto.IsPresale
	}

	if err := h.store.CreatePresale(ctx, product); err != nil {
		log.Printf("create presale failed (request %s): %v", getRequestID(r.Context()), err)
		respondError(w, http.StatusInternalServerError, "create_failed", "could not create presale")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"product_id": product.ID})
}

type OrderDTO struct {
	ID            string `json:"id"`
	ProductID     int64  `json:"product_id"`
	BuyerRef      string `json:"buyer_ref"`
	Quantity      int    `json:"quantity"`
	UnitPrice     string `json:"unit_price"`
	PaymentAuthID string `json:"payment_auth_id"`
	PaymentStatus string `json:"payment_status"`
	IsPresale     bool   `json:"is_presale"`
	PlatformFee   string `json:"platform_fee"`
	Transfer      string `json:"transfer_amount"`
	CreatedAt     string `json:"created_at"`
	CapturedAt    string `json:"captured_at,omitempty"`
}

// GET /api/v1/products/{product_id}/orders
func (h *Handler) GetOrdersForProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	orders, err := h.store.GetOrdersForProduct(ctx, productID)
	if err != nil {
		log.Printf("list orders failed for product %d: %v", productID, err)
		respondError(w, http.StatusInternalServerError, "query_failed", "could not load orders")
		return
	}

	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dto := OrderDTO{
			ID:            o.ID.String(),
			ProductID:     o.ProductID,
			BuyerRef:      o.BuyerRef,
			Quantity:      o.Quantity,
			UnitPrice:     o.UnitPrice.StringFixed(2),
			PaymentAuthID: o.PaymentAuthID,
			PaymentStatus: o.PaymentStatus.String(),
			IsPresale:     o.IsPresale,
			PlatformFee:   o.PlatformFee.StringFixed(2),
			Transfer:      o.TransferAmount.StringFixed(2),
			CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		}
		if o.CapturedAt != nil {
			dto.CapturedAt = o.CapturedAt.Format(time.RFC3339)
		}
		dtos = append(dtos, dto)
	}
	respondJSON(w, http.StatusOK, dtos)
}

type ThresholdDTO struct {
	ProductID       int64  `json:"product_id"`
	TargetOrders    int    `json:"target_orders"`
	CurrentOrders   int    `json:"current_orders"`
	Status          string `json:"status"`
	DigitalFallback bool   `json:"digital_fallback"`
}

// GET /api/v1/products/{product_id}/threshold
func (h *Handler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	threshold := h.cachedThreshold(ctx, productID)
	if threshold == nil {
		loaded, err := h.store.GetThreshold(ctx, productID)
		if errors.Is(err, repository.ErrThresholdNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no presale threshold for product")
			return
		}
		if err != nil {
			log.Printf("load threshold failed for product %d: %v", productID, err)
			respondError(w, http.StatusInternalServerError, "query_failed", "could not load threshold")
			return
		}
		threshold = loaded
		if h.cache != nil {
			if err := h.cache.Set(ctx, threshold); err != nil {
				log.Printf("threshold cache set failed for product %d: %v", productID, err)
			}
		}
	}

	respondJSON(w, http.StatusOK, ThresholdDTO{
		ProductID:       threshold.ProductID,
		TargetOrders:    threshold.TargetOrders,
		CurrentOrders:   threshold.CurrentOrders,
		Status:          threshold.Status.String(),
		DigitalFallback: threshold.DigitalFallback,
	})
}

func (h *Handler) cachedThreshold(ctx context.Context, productID int64) *domain.PresaleThreshold {
	if h.cache == nil {
		return nil
	}
	threshold, err := h.cache.Get(ctx, productID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Printf("threshold cache get failed for product %d: %v", productID, err)
		}
		return nil
	}
	return threshold
}

type CaptureAttemptDTO struct {
	AttemptNumber        int    `json:"attempt_number"`
	TotalOrders          int    `json:"total_orders"`
	SuccessfulCaptures   int    `json:"successful_captures"`
	FailedCaptures       int    `json:"failed_captures"`
	Status               string `json:"status"`
	NextAttemptNotBefore string `json:"next_attempt_not_before,omitempty"`
	CreatedAt            string `json:"created_at"`
	CompletedAt          string `json:"completed_at,omitempty"`
}

type CapturedPaymentDTO struct {
	PaymentAuthID string `json:"payment_auth_id"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

type CaptureHistoryDTO struct {
	Attempts []CaptureAttemptDTO  `json:"attempts"`
	Payments []CapturedPaymentDTO `json:"payments"`
}

// GET /api/v1/products/{product_id}/captures
func (h *Handler) GetCaptureHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	attempts, err := h.store.GetCaptureHistory(ctx, productID)
	if err != nil {
		log.Printf("capture history failed for product %d: %v", productID, err)
		respondError(w, http.StatusInternalServerError, "query_failed", "could not load capture history")
		return
	}
	payments, err := h.store.GetCapturedPayments(ctx, productID)
	if err != nil {
		log.Printf("captured payments failed for product %d: %v", productID, err)
		respondError(w, http.StatusInternalServerError, "query_failed", "could not load captured payments")
		return
	}

	history := CaptureHistoryDTO{
		Attempts: make([]CaptureAttemptDTO, 0, len(attempts)),
		Payments: make([]CapturedPaymentDTO, 0, len(payments)),
	}
	for _, a := range attempts {
		dto := CaptureAttemptDTO{
			AttemptNumber:      a.AttemptNumber,
			TotalOrders:        a.TotalOrders,
			SuccessfulCaptures: a.SuccessfulCaptures,
			FailedCaptures:     a.FailedCaptures,
			Status:             a.Status.String(),
			CreatedAt:          a.CreatedAt.Format(time.RFC3339),
		}
		if a.NextAttemptNotBefore != nil {
			dto.NextAttemptNotBefore = a.NextAttemptNotBefore.Format(time.RFC3339)
		}
		if a.CompletedAt != nil {
			dto.CompletedAt = a.CompletedAt.Format(time.RFC3339)
		}
		history.Attempts = append(history.Attempts, dto)
	}
	for _, p := range payments {
		history.Payments = append(history.Payments, CapturedPaymentDTO{
			PaymentAuthID: p.PaymentAuthID,
			Amount:        p.Amount.StringFixed(2),
			Status:        string(p.Status),
		})
	}
	respondJSON(w, http.StatusOK, history)
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "product_id")
	productID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}
