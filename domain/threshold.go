package domain

import "time"

type ThresholdStatus string

const (
	ThresholdStatusActive     ThresholdStatus = "ACTIVE"
	ThresholdStatusProcessing ThresholdStatus = "PROCESSING"
	ThresholdStatusCompleted  ThresholdStatus = "COMPLETED"
	ThresholdStatusFailed     ThresholdStatus = "FAILED"
)

func (s ThresholdStatus) IsTerminal() bool {
	return s == ThresholdStatusCompleted || s == ThresholdStatusFailed
}

func (s ThresholdStatus) String() string {
	return string(s)
}

// CanTransitionTo enforces the forward-only status machine:
// ACTIVE -> PROCESSING -> {COMPLETED, FAILED}, plus ACTIVE -> FAILED
// for presales that expire before reaching target.
func (s ThresholdStatus) CanTransitionTo(next ThresholdStatus) bool {
	switch s {
	case ThresholdStatusActive:
		return next == ThresholdStatusProcessing || next == ThresholdStatusFailed
	case ThresholdStatusProcessing:
		return next == ThresholdStatusCompleted || next == ThresholdStatusFailed
	default:
		return false
	}
}

// Product is the presale listing. Immutable once the presale starts.
type Product struct {
	ID           int64
	Title        string
	TargetOrders int
	Deadline     time.Time
	IsPresale    bool
}

// PresaleThreshold tracks aggregate pledges against the funding target.
// One row per product, never deleted.
type PresaleThreshold struct {
	ProductID       int64
	TargetOrders    int
	CurrentOrders   int
	Status          ThresholdStatus
	DigitalFallback bool
	UpdatedAt       time.Time
}

func (t *PresaleThreshold) IsReached() bool {
	return t.CurrentOrders >= t.TargetOrders
}
