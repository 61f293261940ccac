package repository

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrThresholdNotFound = errors.New("presale threshold not found")
	ErrAttemptNotFound   = errors.New("capture attempt not found")

	// ErrStatusConflict means a conditional status update matched no row:
	// another actor won the transition.
	ErrStatusConflict = errors.New("status transition lost to concurrent update")
)
