// Package shutdown sequences the orderly drain of a running orchestrator
// process: ingress stops accepting new work, background loops drain,
// dispatcher workers finish in-flight reservations, then the process exits.
//
// Stages are run in order as an explicit, named list rather than a fixed
// call chain in main(), so the drain order is a type readers can inspect
// instead of a convention they have to reverse-engineer.
package shutdown

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerhub/orchestrator/internal/obslog"
)

// Stage is one step of the drain sequence. Name is used only for logging.
type Stage struct {
	Name string
	Stop func(ctx context.Context) error
}

// Sequencer runs Stages in order, attempting every stage even after one
// fails so one stuck component doesn't block the rest of the drain, and
// reports the first error.
type Sequencer struct {
	stages []Stage
}

// New builds a Sequencer over stages, run in the order given.
func New(stages ...Stage) *Sequencer {
	return &Sequencer{stages: stages}
}

// Run executes every stage in order within the grace period, logging and
// collecting (not stopping on) individual stage errors.
func (s *Sequencer) Run(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var firstErr error
	for _, stage := range s.stages {
		obslog.Info(fmt.Sprintf("shutdown: stopping %s", stage.Name))
		if err := stage.Stop(ctx); err != nil {
			obslog.Errorf(fmt.Sprintf("shutdown: %s failed to stop cleanly", stage.Name), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", stage.Name, err)
			}
			continue
		}
		obslog.Info(fmt.Sprintf("shutdown: %s stopped", stage.Name))
	}
	return firstErr
}

// NoContext adapts a context-less Stop() (e.g. a fire-and-forget
// ticker.Stop()) into the Stage.Stop signature.
func NoContext(fn func()) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		fn()
		return nil
	}
}
