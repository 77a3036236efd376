package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/towerops/internal/models"
)

type fakeRuns struct {
	mu       sync.Mutex
	runs     []models.Run
	launched []models.LaunchRequest
	searches []string
	launchID string
	err      error
}

func (f *fakeRuns) ListWorkflows(_ context.Context, _ int64, search string) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, search)
	return f.runs, nil
}

func (f *fakeRuns) LaunchWorkflow(_ context.Context, _ int64, payload models.LaunchPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, payload.Launch)
	if f.err != nil {
		return "", f.err
	}
	id := f.launchID
	if id == "" {
		id = "new-run"
	}
	// Later launches see the submitted run as in progress.
	f.runs = append(f.runs, models.Run{
		ID: id, RunName: payload.Launch.RunName, PipelineName: payload.Launch.Pipeline,
		State: models.RunStateSubmitted, SubmittedAt: time.Now(),
	})
	return id, nil
}

type fakeResources struct {
	env     models.ComputeEnvironment
	labelID int64
	filters []string
	err     error
}

func (f *fakeResources) ResolveComputeEnvironment(_ context.Context, _ int64, filter string) (models.ComputeEnvironment, error) {
	f.filters = append(f.filters, filter)
	return f.env, f.err
}

func (f *fakeResources) EnsureQueryLabel(_ context.Context, _ int64, _ string) (int64, error) {
	return f.labelID, nil
}

type fakeJournal struct {
	recorded  []*models.Attempt
	completed map[string]error
	pending   []*models.Attempt
}

func (f *fakeJournal) RecordAttempt(_ context.Context, a *models.Attempt) error {
	a.ID = "attempt-" + a.RunName
	f.recorded = append(f.recorded, a)
	return nil
}

func (f *fakeJournal) CompleteAttempt(_ context.Context, id, _ string, submitErr error) error {
	if f.completed == nil {
		f.completed = map[string]error{}
	}
	f.completed[id] = submitErr
	return nil
}

func (f *fakeJournal) PendingAttempts(_ context.Context, _ int64, _, _ string) ([]*models.Attempt, error) {
	return f.pending, nil
}

const pipeline = "nf-core/rnaseq"

func at(hour int) time.Time {
	return time.Date(2023, 5, 1, hour, 0, 0, 0, time.UTC)
}

func newTestOrchestrator(runs []models.Run) (*Orchestrator, *fakeRuns, *fakeResources) {
	fr := &fakeRuns{runs: runs}
	res := &fakeResources{
		env: models.ComputeEnvironment{
			ID:           "5ykJF",
			WorkDir:      "s3://scratch/work",
			PreRunScript: "module load java",
			Labels:       []models.Label{{ID: 89366, IsResource: true}},
		},
		labelID: 17863,
	}
	o := New(fr, res, Options{WorkspaceID: 98765, QueryLabel: "launched-by-towerops"})
	return o, fr, res
}

func exampleSpec() models.LaunchSpec {
	return models.LaunchSpec{Pipeline: pipeline, RunName: "example-run"}
}

func TestLaunch_FreshRun(t *testing.T) {
	o, fr, _ := newTestOrchestrator(nil)

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionLaunched, result.Action)
	assert.Equal(t, "new-run", result.RunID)
	assert.Nil(t, result.Previous)
	assert.Equal(t, []string{"label:launched-by-towerops"}, fr.searches)

	require.Len(t, fr.launched, 1)
	req := fr.launched[0]
	assert.Equal(t, "example-run", req.RunName)
	assert.Equal(t, "5ykJF", req.ComputeEnvID)
	assert.Equal(t, "s3://scratch/work", req.WorkDir)
	assert.Equal(t, "module load java", req.PreRunScript)
	assert.Equal(t, []int64{89366, 17863}, req.LabelIDs)
	assert.False(t, req.Resume)
}

func TestLaunch_InvalidSpecFailsBeforeNetwork(t *testing.T) {
	o, fr, res := newTestOrchestrator(nil)

	_, err := o.Launch(context.Background(), models.LaunchSpec{Pipeline: pipeline, Resume: true, RunName: "x"}, LaunchOptions{})
	var invalid *models.InvalidSpecError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, fr.searches)
	assert.Empty(t, res.filters)
}

func TestLaunch_AlreadyRunningShortCircuits(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "old", RunName: "example-run", PipelineName: pipeline, State: models.RunStateFailed, SubmittedAt: at(1)},
		{ID: "running", RunName: "example-run_2", PipelineName: pipeline, State: models.RunStateRunning, SubmittedAt: at(2)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyRunning, result.Action)
	assert.Equal(t, "running", result.RunID)
	assert.Empty(t, fr.launched)
}

func TestLaunch_SucceededShortCircuits(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "done", RunName: "example-run", PipelineName: pipeline, State: models.RunStateSucceeded, SubmittedAt: at(1)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyDone, result.Action)
	assert.Equal(t, "done", result.RunID)
	assert.Empty(t, fr.launched)
}

func TestLaunch_UnknownStateCountsAsDone(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "mystery", RunName: "example-run", PipelineName: pipeline, State: models.RunStateUnknown, SubmittedAt: at(1)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyDone, result.Action)
	assert.Empty(t, fr.launched)
}

func TestLaunch_RelaunchesFailedRun(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "failed", RunName: "example-run", SessionID: "abc", PipelineName: pipeline, State: models.RunStateFailed, SubmittedAt: at(1)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionRelaunched, result.Action)
	require.NotNil(t, result.Previous)
	assert.Equal(t, "failed", result.Previous.ID)

	require.Len(t, fr.launched, 1)
	req := fr.launched[0]
	assert.Equal(t, "example-run_2", req.RunName)
	assert.True(t, req.Resume)
	assert.Equal(t, "abc", req.SessionID)
}

func TestLaunch_RelaunchIncrementsFromLatestRun(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "r1", RunName: "example-run", SessionID: "s1", PipelineName: pipeline, State: models.RunStateFailed, SubmittedAt: at(1)},
		{ID: "r2", RunName: "example-run_2", SessionID: "s1", PipelineName: pipeline, State: models.RunStateCancelled, SubmittedAt: at(3)},
		{ID: "other", RunName: "example-run", PipelineName: "nf-core/sarek", State: models.RunStateFailed, SubmittedAt: at(5)},
	})

	_, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)
	require.Len(t, fr.launched, 1)
	assert.Equal(t, "example-run_3", fr.launched[0].RunName)
}

func TestLaunch_AmbiguousUnfinishedRuns(t *testing.T) {
	o, fr, res := newTestOrchestrator([]models.Run{
		{ID: "a", RunName: "example-run", PipelineName: pipeline, State: models.RunStateRunning, SubmittedAt: at(1)},
		{ID: "b", RunName: "example-run_2", PipelineName: pipeline, State: models.RunStateSubmitted, SubmittedAt: at(2)},
	})

	_, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	var ambiguous *AmbiguousStateError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"a", "b"}, ambiguous.RunIDs)
	assert.Empty(t, fr.launched)
	assert.Empty(t, res.filters)
}

func TestLaunch_ExactRunNameIgnoresSuffixedRuns(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "a", RunName: "example-run_2", PipelineName: pipeline, State: models.RunStateRunning, SubmittedAt: at(1)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{ExactRunName: true})
	require.NoError(t, err)
	assert.Equal(t, ActionLaunched, result.Action)
	assert.Len(t, fr.launched, 1)
}

func TestLaunch_IgnorePreviousRuns(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "done", RunName: "example-run", PipelineName: pipeline, State: models.RunStateSucceeded, SubmittedAt: at(1)},
	})

	result, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{IgnorePreviousRuns: true})
	require.NoError(t, err)
	assert.Equal(t, ActionLaunched, result.Action)
	assert.Empty(t, fr.searches)
	assert.Len(t, fr.launched, 1)
}

func TestLaunch_MatchesRepositoryURL(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "done", RunName: "example-run", PipelineName: pipeline, Repository: "https://github.com/nf-core/rnaseq", State: models.RunStateSucceeded, SubmittedAt: at(1)},
	})

	spec := exampleSpec()
	spec.Pipeline = "https://github.com/nf-core/rnaseq"
	result, err := o.Launch(context.Background(), spec, LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyDone, result.Action)
	assert.Empty(t, fr.launched)
}

func TestLaunch_FillInNeverOverrides(t *testing.T) {
	o, fr, res := newTestOrchestrator(nil)

	spec := exampleSpec()
	spec.WorkDir = "s3://mine"
	spec.LabelIDs = []int64{17863, 1}
	_, err := o.Launch(context.Background(), spec, LaunchOptions{ComputeEnvFilter: "ondemand"})
	require.NoError(t, err)

	require.Len(t, fr.launched, 1)
	assert.Equal(t, "s3://mine", fr.launched[0].WorkDir)
	assert.Equal(t, "5ykJF", fr.launched[0].ComputeEnvID)
	assert.Equal(t, []int64{17863, 1, 89366}, fr.launched[0].LabelIDs)
	assert.Equal(t, []string{"ondemand"}, res.filters)
}

func TestLaunch_DoesNotMutateCallerSpec(t *testing.T) {
	o, _, _ := newTestOrchestrator([]models.Run{
		{ID: "failed", RunName: "example-run", SessionID: "abc", PipelineName: pipeline, State: models.RunStateFailed, SubmittedAt: at(1)},
	})

	spec := exampleSpec()
	spec.LabelIDs = []int64{1}
	result, err := o.Launch(context.Background(), spec, LaunchOptions{})
	require.NoError(t, err)

	assert.Equal(t, "example-run", spec.RunName)
	assert.False(t, spec.Resume)
	assert.Equal(t, []int64{1}, spec.LabelIDs)
	assert.Equal(t, "example-run_2", result.Spec.RunName)
}

func TestLaunch_ResolutionErrorStopsSubmission(t *testing.T) {
	o, fr, res := newTestOrchestrator(nil)
	res.err = errors.New("no compute environment")

	_, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	assert.ErrorContains(t, err, "no compute environment")
	assert.Empty(t, fr.launched)
}

func TestLaunch_JournalsAttempts(t *testing.T) {
	o, fr, _ := newTestOrchestrator([]models.Run{
		{ID: "failed", RunName: "example-run", SessionID: "abc", PipelineName: pipeline, State: models.RunStateFailed, SubmittedAt: at(1)},
	})
	journal := &fakeJournal{}
	o.journal = journal

	_, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.NoError(t, err)

	require.Len(t, journal.recorded, 1)
	a := journal.recorded[0]
	assert.Equal(t, "example-run", a.RequestedName)
	assert.Equal(t, "example-run_2", a.RunName)
	assert.True(t, a.Resume)
	assert.Contains(t, journal.completed, a.ID)
	assert.NoError(t, journal.completed[a.ID])

	fr.err = errors.New("boom")
	fr.runs = nil
	_, err = o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
	require.Error(t, err)
	require.Len(t, journal.recorded, 2)
	assert.EqualError(t, journal.completed[journal.recorded[1].ID], "boom")
}

func TestLaunch_ConcurrentSameRequestSubmitsOnce(t *testing.T) {
	o, fr, _ := newTestOrchestrator(nil)

	var wg sync.WaitGroup
	results := make([]LaunchResult, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := o.Launch(context.Background(), exampleSpec(), LaunchOptions{})
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	assert.Len(t, fr.launched, 1)
	for _, r := range results {
		assert.Equal(t, "new-run", r.RunID)
	}
}
