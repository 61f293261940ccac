package capture

import (
	"context"
	"log"
	"time"
)

// Scheduler polls for presales in PROCESSING and hands each one to the
// orchestrator. Work is claimed through store-level CAS, so running a
// scheduler per instance is safe.
type Scheduler struct {
	orchestrator *Orchestrator
	store        Store
	tick         time.Duration
}

func NewScheduler(orchestrator *Orchestrator, store Store, tick time.Duration) *Scheduler {
	return &Scheduler{orchestrator: orchestrator, store: store, tick: tick}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	thresholds, err := s.store.ListProcessingThresholds(ctx)
	if err != nil {
		log.Printf("failed to list processing thresholds: %v", err)
		return
	}

	for _, t := range thresholds {
		if err := s.orchestrator.ProcessProduct(ctx, t.ProductID); err != nil {
			log.Printf("capture processing failed for product %d: %v", t.ProductID, err)
		}
	}
}
