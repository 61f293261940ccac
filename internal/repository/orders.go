package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vinylpress/presale/domain"
)

// RecordResult reports the outcome of recording an authorized order.
// Created is false when the authorization id was already recorded
// (duplicate checkout retry or webhook redelivery).
type RecordResult struct {
	Created       bool
	CurrentOrders int
	TargetOrders  int
}

// RecordAuthorizedOrder inserts the order and, for presale orders,
// increments the threshold counter in the same transaction. The unique
// constraint on payment_auth_id is the idempotency guard: a duplicate
// insert rolls the whole transaction back and reports Created=false.
func (r *Repository) RecordAuthorizedOrder(ctx context.Context, order *domain.Order) (*RecordResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO orders (id, product_id, buyer_ref, quantity, unit_price, payment_auth_id,
	                              payment_status, is_presale, seller_account_ref, platform_fee, transfer_amount, captured_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, insertErr := tx.ExecContext(ctx, query,
		order.ID,
		order.ProductID,
		order.BuyerRef,
		order.Quantity,
		order.UnitPrice,
		order.PaymentAuthID,
		order.PaymentStatus,
		order.IsPresale,
		order.SellerAccountRef,
		order.PlatformFee,
		order.TransferAmount,
		order.CapturedAt)

	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return &RecordResult{Created: false}, nil
		}
		return nil, fmt.Errorf("insert order: %w", insertErr)
	}

	result := &RecordResult{Created: true}

	if order.IsPresale {
		incr := `UPDATE presale_thresholds
		         SET current_orders = current_orders + $2, updated_at = NOW()
		         WHERE product_id = $1
		         RETURNING current_orders, target_orders`
		err = tx.QueryRowContext(ctx, incr, order.ProductID, order.Quantity).
			Scan(&result.CurrentOrders, &result.TargetOrders)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThresholdNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("increment threshold: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order: %w", err)
	}
	return result, nil
}

func (r *Repository) GetOrderByAuthID(ctx context.Context, paymentAuthID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, selectOrder+` WHERE payment_auth_id = $1`, paymentAuthID)
	return scanOrder(row)
}

func (r *Repository) GetOrdersForProduct(ctx context.Context, productID int64) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		selectOrder+` WHERE product_id = $1 ORDER BY created_at`, productID)
	if err != nil {
		return nil, fmt.Errorf("query orders by product: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OrdersAwaitingCapture returns presale orders whose holds have not been
// converted to money yet. Orders that failed a previous sweep remain
// eligible: the hold still exists, only the capture call failed.
func (r *Repository) OrdersAwaitingCapture(ctx context.Context, productID int64) ([]*domain.Order, error) {
	query := selectOrder + `
	    WHERE product_id = $1
	      AND is_presale
	      AND payment_status IN ($2, $3)
	      AND NOT EXISTS (
	          SELECT 1 FROM captured_payments cp
	          WHERE cp.payment_auth_id = orders.payment_auth_id
	      )
	    ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, productID,
		domain.PaymentStatusAuthorized, domain.PaymentStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query orders awaiting capture: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CaptureStats is the cumulative capture picture for a product, used by
// the success-rate decision.
type CaptureStats struct {
	TotalOrders    int
	CapturedOrders int
}

func (s CaptureStats) SuccessRate() float64 {
	if s.TotalOrders == 0 {
		return 0
	}
	return float64(s.CapturedOrders) / float64(s.TotalOrders)
}

func (r *Repository) GetCaptureStats(ctx context.Context, productID int64) (*CaptureStats, error) {
	query := `SELECT COUNT(*) FILTER (WHERE payment_status NOT IN ($2, $3)),
	                 COUNT(*) FILTER (WHERE payment_status = $4)
	          FROM orders
	          WHERE product_id = $1 AND is_presale`

	var stats CaptureStats
	err := r.db.QueryRowContext(ctx, query, productID,
		domain.PaymentStatusCancelled, domain.PaymentStatusPending,
		domain.PaymentStatusCaptured).
		Scan(&stats.TotalOrders, &stats.CapturedOrders)
	if err != nil {
		return nil, fmt.Errorf("query capture stats: %w", err)
	}
	return &stats, nil
}

// MarkOrderCaptured flips an order to CAPTURED, records the
// CapturedPayment audit row, and queues an order.captured event, all in
// one transaction. Returns ErrStatusConflict when the order is not in a
// capturable state (already captured, cancelled, or unknown).
func (r *Repository) MarkOrderCaptured(ctx context.Context, paymentAuthID string) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE orders
	          SET payment_status = $2, captured_at = NOW()
	          WHERE payment_auth_id = $1 AND payment_status IN ($3, $4)
	          RETURNING id, product_id, buyer_ref, quantity, unit_price, payment_auth_id,
	                    payment_status, is_presale, seller_account_ref, platform_fee,
	                    transfer_amount, created_at, captured_at`

	row := tx.QueryRowContext(ctx, query, paymentAuthID,
		domain.PaymentStatusCaptured,
		domain.PaymentStatusAuthorized, domain.PaymentStatusFailed)
	order, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}

	insert := `INSERT INTO captured_payments (payment_auth_id, product_id, amount, status)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (payment_auth_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert,
		order.PaymentAuthID, order.ProductID, order.Total(),
		domain.CapturedPaymentStatusCaptured); err != nil {
		return nil, fmt.Errorf("insert captured payment: %w", err)
	}

	event := domain.OrderCapturedEvent{
		OrderID:       order.ID.String(),
		ProductID:     order.ProductID,
		PaymentAuthID: order.PaymentAuthID,
		Amount:        order.Total().StringFixed(2),
	}
	if err := insertOutboxEvent(ctx, tx, order.PaymentAuthID, domain.EventOrderCaptured, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit capture: %w", err)
	}
	return order, nil
}

// MarkOrderCaptureFailed records a declined capture. The authorization
// stays open, so the order remains eligible for the next sweep.
func (r *Repository) MarkOrderCaptureFailed(ctx context.Context, paymentAuthID string) error {
	query := `UPDATE orders SET payment_status = $2
	          WHERE payment_auth_id = $1 AND payment_status = $3`
	res, err := r.db.ExecContext(ctx, query, paymentAuthID,
		domain.PaymentStatusFailed, domain.PaymentStatusAuthorized)
	if err != nil {
		return fmt.Errorf("mark capture failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CancelOrder marks an uncaptured order CANCELLED and decrements the
// threshold counter in the same transaction. Cancellation is the only
// path that decreases current_orders.
func (r *Repository) CancelOrder(ctx context.Context, paymentAuthID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE orders SET payment_status = $2
	          WHERE payment_auth_id = $1 AND payment_status IN ($3, $4)
	          RETURNING product_id, quantity, is_presale`
	var productID int64
	var quantity int
	var isPresale bool
	err = tx.QueryRowContext(ctx, query, paymentAuthID,
		domain.PaymentStatusCancelled,
		domain.PaymentStatusAuthorized, domain.PaymentStatusFailed).
		Scan(&productID, &quantity, &isPresale)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if isPresale {
		decr := `UPDATE presale_thresholds
		         SET current_orders = current_orders - $2, updated_at = NOW()
		         WHERE product_id = $1`
		if _, err := tx.ExecContext(ctx, decr, productID, quantity); err != nil {
			return fmt.Errorf("decrement threshold: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

const selectOrder = `SELECT id, product_id, buyer_ref, quantity, unit_price, payment_auth_id,
                            payment_status, is_presale, seller_account_ref, platform_fee,
                            transfer_amount, created_at, captured_at
                     FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderInto(s rowScanner, order *domain.Order) error {
	return s.Scan(
		&order.ID,
		&order.ProductID,
		&order.BuyerRef,
		&order.Quantity,
		&order.UnitPrice,
		&order.PaymentAuthID,
		&order.PaymentStatus,
		&order.IsPresale,
		&order.SellerAccountRef,
		&order.PlatformFee,
		&order.TransferAmount,
		&order.CreatedAt,
		&order.CapturedAt,
	)
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	var order domain.Order
	err := scanOrderInto(row, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &order, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		var order domain.Order
		if err := scanOrderInto(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}
