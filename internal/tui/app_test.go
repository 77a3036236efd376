package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/towerops/internal/models"
)

type fakeRuns struct {
	runs   []models.Run
	err    error
	search string
}

func (f *fakeRuns) ListWorkflows(_ context.Context, _ int64, search string) ([]models.Run, error) {
	f.search = search
	return f.runs, f.err
}

type fakeJournal struct {
	attempts []*models.Attempt
}

func (f *fakeJournal) ListAttempts(_ context.Context, _ int) ([]*models.Attempt, error) {
	return f.attempts, nil
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestApp(runs *fakeRuns) *App {
	return NewApp(runs, &fakeJournal{attempts: []*models.Attempt{
		{ID: "a1", RunName: "sample1_2", Status: models.AttemptSubmitted, RunID: "23LNH", StartedAt: time.Now()},
		{ID: "a2", RunName: "sample2", Status: models.AttemptFailed, Error: "403 forbidden", StartedAt: time.Now()},
	}}, Options{
		WorkspaceID: 1,
		QueryLabel:  "launched-by-towerops",
		Specs: map[string]*models.Definition{
			"rnaseq": {Name: "rnaseq", Description: "bulk RNA-seq", Launch: models.LaunchSpec{Pipeline: "nf-core/rnaseq"}},
		},
	})
}

func TestLoadRuns_SortsNewestFirst(t *testing.T) {
	now := time.Now()
	runs := &fakeRuns{runs: []models.Run{
		{ID: "old", RunName: "sample1", State: models.RunStateFailed, SubmittedAt: now.Add(-2 * time.Hour)},
		{ID: "new", RunName: "sample1_2", State: models.RunStateRunning, SubmittedAt: now.Add(-time.Minute)},
	}}
	app := newTestApp(runs)

	msg := app.loadRuns()
	app.Update(msg)

	assert.Equal(t, "label:launched-by-towerops", runs.search)
	require.Len(t, app.runList, 2)
	assert.Equal(t, "new", app.runList[0].ID)
	assert.False(t, app.loading)
	assert.True(t, app.hasActiveRuns())

	view := app.View()
	assert.Contains(t, view, "sample1_2")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "failed")
}

func TestLoadRuns_ErrorKeepsPreviousList(t *testing.T) {
	runs := &fakeRuns{runs: []models.Run{{ID: "x", RunName: "sample1", State: models.RunStateSucceeded}}}
	app := newTestApp(runs)
	app.Update(app.loadRuns())

	runs.err = errors.New("503 unavailable")
	app.Update(app.loadRuns())

	assert.Len(t, app.runList, 1)
	assert.Contains(t, app.View(), "503 unavailable")
}

func TestNavigateToDetailAndBack(t *testing.T) {
	done := time.Now()
	runs := &fakeRuns{runs: []models.Run{{
		ID: "23LNH", RunName: "sample1", PipelineName: "nf-core/rnaseq", SessionID: "abc",
		State: models.RunStateSucceeded, SubmittedAt: done.Add(-90 * time.Minute), CompletedAt: &done,
		Labels: []models.Label{{Name: "launched-by-towerops"}, {Name: "CostCenter", Value: "12345"}},
	}}}
	app := newTestApp(runs)
	app.Update(app.loadRuns())

	app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, ViewRunDetail, app.view)
	view := app.View()
	assert.Contains(t, view, "Run 23LNH: sample1")
	assert.Contains(t, view, "abc")
	assert.Contains(t, view, "CostCenter=12345")
	assert.Contains(t, view, "1h30m")

	app.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ViewRunList, app.view)
	assert.Nil(t, app.selectedRun)
}

func TestHistoryView(t *testing.T) {
	app := newTestApp(&fakeRuns{})

	_, cmd := app.Update(key("h"))
	require.NotNil(t, cmd)
	app.Update(cmd())

	require.Equal(t, ViewHistory, app.view)
	view := app.View()
	assert.Contains(t, view, "sample1_2")
	assert.Contains(t, view, "23LNH")
	assert.Contains(t, view, "403 forbidden")
}

func TestSpecsView(t *testing.T) {
	app := newTestApp(&fakeRuns{})

	app.Update(key("s"))
	require.Equal(t, ViewSpecs, app.view)
	assert.Contains(t, app.View(), "rnaseq")
	assert.Contains(t, app.View(), "bulk RNA-seq")
}

func TestSelectionStaysInBounds(t *testing.T) {
	runs := &fakeRuns{runs: []models.Run{{ID: "a"}, {ID: "b"}}}
	app := newTestApp(runs)
	app.Update(app.loadRuns())

	app.Update(key("j"))
	app.Update(key("j"))
	assert.Equal(t, 1, app.selectedIdx)
	app.Update(key("k"))
	app.Update(key("k"))
	assert.Equal(t, 0, app.selectedIdx)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "3h7m", formatDuration(3*time.Hour+7*time.Minute))
}
