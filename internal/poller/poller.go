// Package poller watches a run until the platform reports it finished.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mpataki/towerops/internal/models"
)

const DefaultInterval = 5 * time.Minute

// RunGetter fetches a single run. *tower.Client satisfies it.
type RunGetter interface {
	GetWorkflow(ctx context.Context, workspaceID int64, id string) (models.Run, error)
}

type Poller struct {
	client      RunGetter
	workspaceID int64
	interval    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

func New(client RunGetter, workspaceID int64, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		client:      client,
		workspaceID: workspaceID,
		interval:    interval,
		sleep:       sleepContext,
		logger:      logger,
	}
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Status reports the normalized state of a run and whether the platform has
// stamped it complete.
func (p *Poller) Status(ctx context.Context, runID string) (models.RunState, bool, error) {
	run, err := p.client.GetWorkflow(ctx, p.workspaceID, runID)
	if err != nil {
		return "", false, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run.State, run.CompletedAt != nil, nil
}

// AwaitCompletion polls until the run reaches a terminal state or ctx is
// done. Cancelling ctx stops the polling only; the run keeps going.
func (p *Poller) AwaitCompletion(ctx context.Context, runID string) (models.RunState, error) {
	for {
		state, _, err := p.Status(ctx, runID)
		if err != nil {
			return "", err
		}
		if state.IsTerminal() {
			p.logger.Info("run finished", "run_id", runID, "state", state)
			return state, nil
		}
		p.logger.Debug("run still in progress", "run_id", runID, "state", state, "next_poll", p.interval)
		if err := p.sleep(ctx, p.interval); err != nil {
			return state, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
