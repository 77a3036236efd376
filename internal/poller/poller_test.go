package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/towerops/internal/models"
)

type scriptedRuns struct {
	states []models.RunState
	calls  int
}

func (s *scriptedRuns) GetWorkflow(_ context.Context, _ int64, id string) (models.Run, error) {
	state := s.states[min(s.calls, len(s.states)-1)]
	s.calls++
	run := models.Run{ID: id, State: state}
	if state.IsTerminal() {
		now := time.Now()
		run.CompletedAt = &now
	}
	return run, nil
}

func TestAwaitCompletion_SleepsBetweenFetches(t *testing.T) {
	runs := &scriptedRuns{states: []models.RunState{
		models.RunStateSubmitted, models.RunStateRunning, models.RunStateSucceeded,
	}}
	p := New(runs, 1, 30*time.Second, nil)
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	state, err := p.AwaitCompletion(context.Background(), "23LNH")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, state)
	assert.Equal(t, 3, runs.calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sleeps)
}

func TestAwaitCompletion_TerminalFailureReturnsState(t *testing.T) {
	runs := &scriptedRuns{states: []models.RunState{models.RunStateFailed}}
	p := New(runs, 1, 0, nil)

	state, err := p.AwaitCompletion(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, state)
	assert.Equal(t, DefaultInterval, p.Interval())
}

func TestAwaitCompletion_ContextCancelled(t *testing.T) {
	runs := &scriptedRuns{states: []models.RunState{models.RunStateRunning}}
	p := New(runs, 1, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := p.AwaitCompletion(ctx, "x")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, models.RunStateRunning, state)
	assert.Equal(t, 1, runs.calls)
}

func TestStatus_ReportsCompletion(t *testing.T) {
	runs := &scriptedRuns{states: []models.RunState{models.RunStateRunning, models.RunStateCancelled}}
	p := New(runs, 1, time.Second, nil)

	state, complete, err := p.Status(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, state)
	assert.False(t, complete)

	state, complete, err = p.Status(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCancelled, state)
	assert.True(t, complete)
}
