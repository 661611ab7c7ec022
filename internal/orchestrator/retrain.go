package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Trainer performs the actual model retrain for one strategy. It runs on
// a worker goroutine and must respect ctx cancellation; the orchestrator
// applies the outcome (weight revert, status change) itself.
type Trainer interface {
	Retrain(ctx context.Context, strategyID string) error
}

// ScriptTrainer shells out to the trading system's retrain entry point,
// passing the strategy ID as the only argument.
type ScriptTrainer struct {
	Script string
}

// Retrain runs the script and waits for it to exit.
func (t *ScriptTrainer) Retrain(ctx context.Context, strategyID string) error {
	log.Info().Str("strategy", strategyID).Str("script", t.Script).Msg("Retrain script starting")

	cmd := exec.CommandContext(ctx, t.Script, strategyID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("retrain script failed: %w: %s", err, out)
	}
	return nil
}

// NoopTrainer acknowledges retrains without external side effects. Used
// when no retrain script is configured and in tests.
type NoopTrainer struct {
	Delay time.Duration
}

// Retrain waits out the configured delay, honoring cancellation.
func (t *NoopTrainer) Retrain(ctx context.Context, strategyID string) error {
	if t.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.Delay):
		return nil
	}
}

// retrainResult carries a completed retrain back to the cycle goroutine.
// timedOut marks runs whose deadline expired even when the trainer
// reports a different error (a killed script exits with a signal error,
// not context.DeadlineExceeded).
type retrainResult struct {
	strategyID string
	err        error
	timedOut   bool
}
