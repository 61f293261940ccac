package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/vinylpress/presale/domain"
)

// CreatePresale inserts the product and its threshold row together.
// The threshold row is the audit trail and is never deleted.
func (r *Repository) CreatePresale(ctx context.Context, product *domain.Product) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertProduct := `INSERT INTO products (id, title, target_orders, deadline, is_presale)
	                  VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, insertProduct,
		product.ID, product.Title, product.TargetOrders, product.Deadline, product.IsPresale); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}

	if product.IsPresale {
		insertThreshold := `INSERT INTO presale_thresholds (product_id, target_orders, status)
		                    VALUES ($1, $2, $3)`
		if _, err := tx.ExecContext(ctx, insertThreshold,
			product.ID, product.TargetOrders, domain.ThresholdStatusActive); err != nil {
			return fmt.Errorf("insert threshold: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit presale: %w", err)
	}
	return nil
}

func (r *Repository) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	query := `SELECT id, title, target_orders, deadline, is_presale FROM products WHERE id = $1`
	var p domain.Product
	err := r.db.QueryRowContext(ctx, query, productID).
		Scan(&p.ID, &p.Title, &p.TargetOrders, &p.Deadline, &p.IsPresale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (r *Repository) GetThreshold(ctx context.Context, productID int64) (*domain.PresaleThreshold, error) {
	query := `SELECT product_id, target_orders, current_orders, status, digital_fallback, updated_at
	          FROM presale_thresholds WHERE product_id = $1`
	var t domain.PresaleThreshold
	err := r.db.QueryRowContext(ctx, query, productID).
		Scan(&t.ProductID, &t.TargetOrders, &t.CurrentOrders, &t.Status, &t.DigitalFallback, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThresholdNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query threshold: %w", err)
	}
	return &t, nil
}

// TransitionThreshold performs the conditional status update that
// serializes every status change in the design. Exactly one concurrent
// caller sees a row match; the rest get ErrStatusConflict.
func (r *Repository) TransitionThreshold(ctx context.Context, productID int64, from, to domain.ThresholdStatus) error {
	query := `UPDATE presale_thresholds
	          SET status = $3, updated_at = NOW()
	          WHERE product_id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, productID, from, to)
	if err != nil {
		return fmt.Errorf("transition threshold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkThresholdReached is the checkout-side CAS. The winner of the
// ACTIVE -> PROCESSING transition also queues the threshold.reached
// event inside the same transaction, so the notification can never be
// emitted twice or lost.
func (r *Repository) MarkThresholdReached(ctx context.Context, productID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE presale_thresholds
	          SET status = $3, updated_at = NOW()
	          WHERE product_id = $1 AND status = $2
	          RETURNING current_orders, target_orders`
	var current, target int
	err = tx.QueryRowContext(ctx, query, productID,
		domain.ThresholdStatusActive, domain.ThresholdStatusProcessing).
		Scan(&current, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("mark threshold reached: %w", err)
	}

	event := domain.ThresholdReachedEvent{
		ProductID:     productID,
		CurrentOrders: current,
		TargetOrders:  target,
	}
	if err := insertOutboxEvent(ctx, tx, strconv.FormatInt(productID, 10), domain.EventThresholdReached, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit threshold reached: %w", err)
	}
	return nil
}

// FailPresale resolves a presale as failed: CAS on the expected status,
// digital-fallback flag for the storefront, flagged refunds for any
// money already captured, and the presale.failed event, atomically.
// It returns the captured payments that now need manual refunds.
func (r *Repository) FailPresale(ctx context.Context, productID int64, from domain.ThresholdStatus, reason string) ([]*domain.CapturedPayment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE presale_thresholds
	          SET status = $3, digital_fallback = TRUE, updated_at = NOW()
	          WHERE product_id = $1 AND status = $2
	          RETURNING current_orders, target_orders`
	var current, target int
	err = tx.QueryRowContext(ctx, query, productID, from, domain.ThresholdStatusFailed).
		Scan(&current, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("fail presale: %w", err)
	}

	flag := `UPDATE captured_payments
	         SET status = $3
	         WHERE product_id = $1 AND status = $2
	         RETURNING payment_auth_id, product_id, amount, status, created_at`
	rows, err := tx.QueryContext(ctx, flag, productID,
		domain.CapturedPaymentStatusCaptured, domain.CapturedPaymentStatusFlagged)
	if err != nil {
		return nil, fmt.Errorf("flag captured payments: %w", err)
	}
	var flagged []*domain.CapturedPayment
	for rows.Next() {
		var cp domain.CapturedPayment
		if err := rows.Scan(&cp.PaymentAuthID, &cp.ProductID, &cp.Amount, &cp.Status, &cp.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flagged payment: %w", err)
		}
		flagged = append(flagged, &cp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	event := domain.PresaleFailedEvent{
		ProductID:      productID,
		Reason:         reason,
		CurrentOrders:  current,
		TargetOrders:   target,
		FlaggedRefunds: len(flagged),
	}
	if err := insertOutboxEvent(ctx, tx, strconv.FormatInt(productID, 10), domain.EventPresaleFailed, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fail presale: %w", err)
	}
	return flagged, nil
}

// ListExpiredActiveThresholds returns thresholds still ACTIVE whose
// product deadline has passed and whose target was not reached. The
// below-target re-check also runs inside the reaper's CAS, so a
// threshold that reaches target between this query and the transition
// is left alone.
func (r *Repository) ListExpiredActiveThresholds(ctx context.Context) ([]*domain.PresaleThreshold, error) {
	query := `SELECT t.product_id, t.target_orders, t.current_orders, t.status, t.digital_fallback, t.updated_at
	          FROM presale_thresholds t
	          JOIN products p ON p.id = t.product_id
	          WHERE t.status = $1 AND p.deadline < NOW() AND t.current_orders < t.target_orders`

	rows, err := r.db.QueryContext(ctx, query, domain.ThresholdStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query expired thresholds: %w", err)
	}
	defer rows.Close()

	var thresholds []*domain.PresaleThreshold
	for rows.Next() {
		var t domain.PresaleThreshold
		if err := rows.Scan(&t.ProductID, &t.TargetOrders, &t.CurrentOrders, &t.Status, &t.DigitalFallback, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan threshold row: %w", err)
		}
		thresholds = append(thresholds, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return thresholds, nil
}

// ListFailedThresholdsWithOpenHolds returns FAILED thresholds that still
// have presale orders whose authorization was never released or captured.
// This is the reaper's recovery set: a gateway outage or a crash between
// the status transition and the cancel loop leaves holds open, and FAILED
// is terminal so nothing else revisits them.
func (r *Repository) ListFailedThresholdsWithOpenHolds(ctx context.Context) ([]*domain.PresaleThreshold, error) {
	query := `SELECT DISTINCT t.product_id, t.target_orders, t.current_orders, t.status, t.digital_fallback, t.updated_at
	          FROM presale_thresholds t
	          JOIN orders o ON o.product_id = t.product_id
	          WHERE t.status = $1
	            AND o.is_presale
	            AND o.payment_status IN ($2, $3)
	            AND NOT EXISTS (
	                SELECT 1 FROM captured_payments cp
	                WHERE cp.payment_auth_id = o.payment_auth_id
	            )`

	rows, err := r.db.QueryContext(ctx, query, domain.ThresholdStatusFailed,
		domain.PaymentStatusAuthorized, domain.PaymentStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed thresholds with open holds: %w", err)
	}
	defer rows.Close()

	var thresholds []*domain.PresaleThreshold
	for rows.Next() {
		var t domain.PresaleThreshold
		if err := rows.Scan(&t.ProductID, &t.TargetOrders, &t.CurrentOrders, &t.Status, &t.DigitalFallback, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan threshold row: %w", err)
		}
		thresholds = append(thresholds, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return thresholds, nil
}

// ListProcessingThresholds feeds the capture scheduler.
func (r *Repository) ListProcessingThresholds(ctx context.Context) ([]*domain.PresaleThreshold, error) {
	query := `SELECT product_id, target_orders, current_orders, status, digital_fallback, updated_at
	          FROM presale_thresholds WHERE status = $1`

	rows, err := r.db.QueryContext(ctx, query, domain.ThresholdStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query processing thresholds: %w", err)
	}
	defer rows.Close()

	var thresholds []*domain.PresaleThreshold
	for rows.Next() {
		var t domain.PresaleThreshold
		if err := rows.Scan(&t.ProductID, &t.TargetOrders, &t.CurrentOrders, &t.Status, &t.DigitalFallback, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan threshold row: %w", err)
		}
		thresholds = append(thresholds, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return thresholds, nil
}
