package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vinylpress/presale/domain"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/repository"
)

// Store is the slice of the ledger the initiator needs.
type Store interface {
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	GetThreshold(ctx context.Context, productID int64) (*domain.PresaleThreshold, error)
	RecordAuthorizedOrder(ctx context.Context, order *domain.Order) (*repository.RecordResult, error)
	MarkThresholdReached(ctx context.Context, productID int64) error
}

// ThresholdCache invalidates cached threshold reads after increments.
type ThresholdCache interface {
	Delete(ctx context.Context, productID int64) error
}

type CartItem struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

type CheckoutRequest struct {
	BuyerRef         string
	SellerAccountRef string
	// PlatformAbsorbed settles the full amount to the platform account
	// for fee-exempt sellers without their own payout destination.
	PlatformAbsorbed bool
	Items            []CartItem
}

// ItemResult is the per-item outcome. A gateway decline on one item
// does not fail its siblings.
type ItemResult struct {
	ProductID     int64
	OrderID       string
	PaymentAuthID string
	Declined      bool
	DeclineReason string
}

type CheckoutResponse struct {
	Items []ItemResult
}

type Service struct {
	store   Store
	gateway gateway.PaymentGateway
	fees    *FeeCalculator
	cache   ThresholdCache
}

func NewService(store Store, gw gateway.PaymentGateway, fees *FeeCalculator, cache ThresholdCache) *Service {
	return &Service{store: store, gateway: gw, fees: fees, cache: cache}
}

// InitiateCheckout validates the cart, places one hold per item, and
// records each resulting order. Validation failures are returned before
// any authorization is attempted; after that point declines are
// reported per item.
func (s *Service) InitiateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if len(req.Items) == 0 {
		return nil, &ValidationError{Reason: ReasonEmptyCart}
	}
	if req.SellerAccountRef == "" && !req.PlatformAbsorbed {
		return nil, &ValidationError{Reason: ReasonSellerNotOnboard}
	}

	products := make(map[int64]*domain.Product, len(req.Items))
	for _, item := range req.Items {
		product, err := s.validateItem(ctx, item)
		if err != nil {
			return nil, err
		}
		products[item.ProductID] = product
	}

	resp := &CheckoutResponse{Items: make([]ItemResult, 0, len(req.Items))}
	for _, item := range req.Items {
		result := s.processItem(ctx, req, item, products[item.ProductID])
		resp.Items = append(resp.Items, result)
	}
	return resp, nil
}

func (s *Service) validateItem(ctx context.Context, item CartItem) (*domain.Product, error) {
	if item.Quantity <= 0 {
		return nil, &ValidationError{Reason: ReasonInvalidQuantity}
	}
	if !item.UnitPrice.IsPositive() {
		return nil, &ValidationError{Reason: ReasonNonPositivePrice}
	}

	product, err := s.store.GetProduct(ctx, item.ProductID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, &ValidationError{Reason: ReasonProductNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("load product %d: %w", item.ProductID, err)
	}

	if !product.IsPresale {
		return product, nil
	}

	threshold, err := s.store.GetThreshold(ctx, item.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load threshold %d: %w", item.ProductID, err)
	}
	if threshold.Status != domain.ThresholdStatusActive {
		return nil, &ValidationError{Reason: ReasonPresaleClosed}
	}
	if time.Now().After(product.Deadline) {
		return nil, &ValidationError{Reason: ReasonPresaleExpired}
	}
	if threshold.IsReached() {
		return nil, &ValidationError{Reason: ReasonTargetReached}
	}
	return product, nil
}

func (s *Service) processItem(ctx context.Context, req *CheckoutRequest, item CartItem, product *domain.Product) ItemResult {
	amount := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
	fee, transfer := s.fees.Split(amount, req.PlatformAbsorbed)

	authReq := gateway.AuthorizeRequest{
		Amount:             amount,
		PayerRef:           req.BuyerRef,
		PayeeRef:           req.SellerAccountRef,
		FeeAmount:          fee,
		CaptureImmediately: !product.IsPresale,
		Metadata: map[string]string{
			"product_id": fmt.Sprint(item.ProductID),
		},
	}

	authID, err := s.gateway.Authorize(ctx, authReq)
	if err != nil {
		var decline *gateway.DeclineError
		if errors.As(err, &decline) {
			return ItemResult{
				ProductID:     item.ProductID,
				Declined:      true,
				DeclineReason: decline.Message,
			}
		}
		log.Printf("authorize failed for product %d: %v", item.ProductID, err)
		return ItemResult{ProductID: item.ProductID, Declined: true, DeclineReason: "gateway unavailable"}
	}

	order := &domain.Order{
		ID:               uuid.New(),
		ProductID:        item.ProductID,
		BuyerRef:         req.BuyerRef,
		Quantity:         item.Quantity,
		UnitPrice:        item.UnitPrice,
		PaymentAuthID:    authID,
		PaymentStatus:    domain.PaymentStatusAuthorized,
		IsPresale:        product.IsPresale,
		SellerAccountRef: req.SellerAccountRef,
		PlatformFee:      fee,
		TransferAmount:   transfer,
	}
	if !product.IsPresale {
		now := time.Now()
		order.PaymentStatus = domain.PaymentStatusCaptured
		order.CapturedAt = &now
	}

	if _, err := s.RecordAuthorization(ctx, order); err != nil {
		log.Printf("record order for auth %s failed: %v", authID, err)
		// The hold exists but the order id never reached the ledger; the
		// webhook redelivery will record it under its own id.
		return ItemResult{ProductID: item.ProductID, PaymentAuthID: authID}
	}

	return ItemResult{
		ProductID:     item.ProductID,
		OrderID:       order.ID.String(),
		PaymentAuthID: authID,
	}
}

// RecordAuthorization is the idempotent order-creation step shared by
// the synchronous checkout path and the webhook layer. It reports
// whether the order was created; duplicate deliveries for the same
// authorization are no-ops. The caller whose increment first satisfies
// the target wins the ACTIVE -> PROCESSING transition and thereby hands
// the presale to the capture orchestrator.
func (s *Service) RecordAuthorization(ctx context.Context, order *domain.Order) (bool, error) {
	result, err := s.store.RecordAuthorizedOrder(ctx, order)
	if err != nil {
		return false, err
	}
	if !result.Created {
		log.Printf("duplicate authorization %s ignored", order.PaymentAuthID)
		return false, nil
	}

	if s.cache != nil && order.IsPresale {
		if err := s.cache.Delete(ctx, order.ProductID); err != nil {
			log.Printf("threshold cache invalidation failed for product %d: %v", order.ProductID, err)
		}
	}

	if !order.IsPresale || result.CurrentOrders < result.TargetOrders {
		return true, nil
	}

	err = s.store.MarkThresholdReached(ctx, order.ProductID)
	if errors.Is(err, repository.ErrStatusConflict) {
		// Another checkout crossed the target first; nothing left to do.
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("mark threshold reached for product %d: %w", order.ProductID, err)
	}

	// Drop the cached ACTIVE snapshot so reads see PROCESSING right away.
	if s.cache != nil {
		if err := s.cache.Delete(ctx, order.ProductID); err != nil {
			log.Printf("threshold cache invalidation failed for product %d: %v", order.ProductID, err)
		}
	}
	log.Printf("presale target reached for product %d (%d/%d)", order.ProductID, result.CurrentOrders, result.TargetOrders)
	return true, nil
}
