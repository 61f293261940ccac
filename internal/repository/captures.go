package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinylpress/presale/domain"
)

// ClaimCaptureAttempt inserts the attempt row for (product, number).
// The unique constraint is the per-attempt mutual exclusion: the insert
// succeeds for exactly one instance, every other concurrent claimant
// gets ErrStatusConflict and walks away.
func (r *Repository) ClaimCaptureAttempt(ctx context.Context, productID int64, attemptNumber, totalOrders int, lease time.Duration) (*domain.CaptureAttempt, error) {
	attempt := &domain.CaptureAttempt{
		ID:            uuid.New(),
		ProductID:     productID,
		AttemptNumber: attemptNumber,
		TotalOrders:   totalOrders,
		Status:        domain.AttemptStatusInProgress,
	}

	query := `INSERT INTO capture_attempts (id, product_id, attempt_number, total_orders, status, leased_until)
	          VALUES ($1, $2, $3, $4, $5, NOW() + $6 * INTERVAL '1 second')
	          ON CONFLICT (product_id, attempt_number) DO NOTHING
	          RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		attempt.ID, productID, attemptNumber, totalOrders,
		attempt.Status, int64(lease.Seconds())).
		Scan(&attempt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim capture attempt: %w", err)
	}
	return attempt, nil
}

// ReclaimStaleAttempt takes over an IN_PROGRESS attempt whose lease
// expired (a crashed or stalled instance). Same CAS discipline: one
// winner per expiry.
func (r *Repository) ReclaimStaleAttempt(ctx context.Context, attemptID uuid.UUID, lease time.Duration) error {
	query := `UPDATE capture_attempts
	          SET leased_until = NOW() + $2 * INTERVAL '1 second'
	          WHERE id = $1 AND status = $3 AND leased_until < NOW()`
	res, err := r.db.ExecContext(ctx, query, attemptID, int64(lease.Seconds()), domain.AttemptStatusInProgress)
	if err != nil {
		return fmt.Errorf("reclaim attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// CompleteCaptureAttempt records the sweep outcome. nextNotBefore is
// only set for PARTIAL attempts that scheduled a retry.
func (r *Repository) CompleteCaptureAttempt(ctx context.Context, attemptID uuid.UUID, successful, failed int, status domain.AttemptStatus, nextNotBefore *time.Time) error {
	query := `UPDATE capture_attempts
	          SET successful_captures = $2, failed_captures = $3, total_orders = $2 + $3,
	              status = $4, next_attempt_not_before = $5, completed_at = NOW()
	          WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, attemptID, successful, failed, status,
		nextNotBefore, domain.AttemptStatusInProgress)
	if err != nil {
		return fmt.Errorf("complete capture attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *Repository) LatestCaptureAttempt(ctx context.Context, productID int64) (*domain.CaptureAttempt, error) {
	query := selectAttempt + ` WHERE product_id = $1 ORDER BY attempt_number DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, productID)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return attempt, err
}

// FirstAttemptCreatedAt anchors the 3-day retry window.
func (r *Repository) FirstAttemptCreatedAt(ctx context.Context, productID int64) (time.Time, error) {
	query := `SELECT created_at FROM capture_attempts
	          WHERE product_id = $1 AND attempt_number = 1`
	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, query, productID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrAttemptNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query first attempt: %w", err)
	}
	return createdAt, nil
}

func (r *Repository) GetCaptureHistory(ctx context.Context, productID int64) ([]*domain.CaptureAttempt, error) {
	query := selectAttempt + ` WHERE product_id = $1 ORDER BY attempt_number`
	rows, err := r.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("query capture history: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.CaptureAttempt
	for rows.Next() {
		var a domain.CaptureAttempt
		if err := scanAttemptInto(rows, &a); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return attempts, nil
}

func (r *Repository) GetCapturedPayments(ctx context.Context, productID int64) ([]*domain.CapturedPayment, error) {
	query := `SELECT payment_auth_id, product_id, amount, status, created_at
	          FROM captured_payments WHERE product_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("query captured payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.CapturedPayment
	for rows.Next() {
		var cp domain.CapturedPayment
		if err := rows.Scan(&cp.PaymentAuthID, &cp.ProductID, &cp.Amount, &cp.Status, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan captured payment: %w", err)
		}
		payments = append(payments, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return payments, nil
}

const selectAttempt = `SELECT id, product_id, attempt_number, total_orders, successful_captures,
                              failed_captures, status, next_attempt_not_before, created_at, completed_at
                       FROM capture_attempts`

func scanAttemptInto(s rowScanner, a *domain.CaptureAttempt) error {
	return s.Scan(
		&a.ID,
		&a.ProductID,
		&a.AttemptNumber,
		&a.TotalOrders,
		&a.SuccessfulCaptures,
		&a.FailedCaptures,
		&a.Status,
		&a.NextAttemptNotBefore,
		&a.CreatedAt,
		&a.CompletedAt,
	)
}

func scanAttempt(row *sql.Row) (*domain.CaptureAttempt, error) {
	var a domain.CaptureAttempt
	err := scanAttemptInto(row, &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return &a, nil
}
