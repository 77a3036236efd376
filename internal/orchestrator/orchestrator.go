// Package orchestrator turns a launch request into a platform run without
// creating duplicates of a run that is already in progress or done.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/mpataki/towerops/internal/models"
)

// RunAPI is the part of the platform client used to find and submit runs.
type RunAPI interface {
	ListWorkflows(ctx context.Context, workspaceID int64, search string) ([]models.Run, error)
	LaunchWorkflow(ctx context.Context, workspaceID int64, payload models.LaunchPayload) (string, error)
}

// Resources resolves the compute environment and bookkeeping label.
// *resolver.Resolver satisfies it.
type Resources interface {
	ResolveComputeEnvironment(ctx context.Context, workspaceID int64, nameFilter string) (models.ComputeEnvironment, error)
	EnsureQueryLabel(ctx context.Context, workspaceID int64, name string) (int64, error)
}

// Journal records submission attempts. *storage.Storage satisfies it.
type Journal interface {
	RecordAttempt(ctx context.Context, a *models.Attempt) error
	CompleteAttempt(ctx context.Context, id, runID string, submitErr error) error
	PendingAttempts(ctx context.Context, workspaceID int64, pipeline, requestedName string) ([]*models.Attempt, error)
}

type Action string

const (
	ActionAlreadyRunning Action = "already-running"
	ActionAlreadyDone    Action = "already-done"
	ActionLaunched       Action = "launched"
	ActionRelaunched     Action = "relaunched"
)

type LaunchOptions struct {
	// ComputeEnvFilter narrows compute environments by name substring.
	ComputeEnvFilter string
	// IgnorePreviousRuns skips discovery and always submits.
	IgnorePreviousRuns bool
	// ExactRunName matches previous runs by exact name instead of prefix.
	ExactRunName bool
}

type LaunchResult struct {
	RunID  string
	Action Action
	// Spec is the enriched spec that was submitted, or the caller's spec
	// when nothing was submitted.
	Spec models.LaunchSpec
	// Previous is the prior run the decision was based on, if any.
	Previous *models.Run
}

type Options struct {
	WorkspaceID int64
	QueryLabel  string
	Journal     Journal
	Logger      *slog.Logger
}

type Orchestrator struct {
	runs        RunAPI
	resources   Resources
	journal     Journal
	workspaceID int64
	queryLabel  string
	logger      *slog.Logger
	locks       keyedMutex
}

func New(runs RunAPI, resources Resources, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		runs:        runs,
		resources:   resources,
		journal:     opts.Journal,
		workspaceID: opts.WorkspaceID,
		queryLabel:  opts.QueryLabel,
		logger:      logger,
	}
}

// Launch returns the id of a run satisfying spec, reusing a previous run when
// one is still going or already succeeded, resuming a failed one under a new
// name, and otherwise submitting a fresh run.
func (o *Orchestrator) Launch(ctx context.Context, spec models.LaunchSpec, opts LaunchOptions) (LaunchResult, error) {
	if err := spec.Validate(); err != nil {
		return LaunchResult{}, err
	}
	spec = spec.Clone()
	requested := spec.RunName

	unlock := o.locks.Lock(o.lockKey(spec))
	defer unlock()

	logger := o.logger.With("pipeline", spec.Pipeline, "run_name", spec.RunName)
	o.warnPending(ctx, logger, spec)

	action := ActionLaunched
	var previous *models.Run
	if !opts.IgnorePreviousRuns {
		active, latest, err := o.previousRuns(ctx, spec, opts.ExactRunName)
		if err != nil {
			return LaunchResult{}, err
		}
		if active != nil {
			logger.Info("run already in progress", "run_id", active.ID, "state", active.State)
			return LaunchResult{RunID: active.ID, Action: ActionAlreadyRunning, Spec: spec, Previous: active}, nil
		}
		if latest != nil {
			previous = latest
			if latest.State.IsSuccessful() || latest.State == models.RunStateUnknown {
				logger.Info("run already finished", "run_id", latest.ID, "state", latest.State)
				return LaunchResult{RunID: latest.ID, Action: ActionAlreadyDone, Spec: spec, Previous: latest}, nil
			}

			resumed, err := spec.WithResume(latest.SessionID)
			if err != nil {
				return LaunchResult{}, fmt.Errorf("failed to resume run %s: %w", latest.ID, err)
			}
			spec = resumed.WithRunName(IncrementSuffix(latest.RunName))
			action = ActionRelaunched
			logger.Info("relaunching previous run", "previous_run_id", latest.ID, "state", latest.State,
				"session_id", latest.SessionID, "new_run_name", spec.RunName)
		}
	}

	spec, err := o.resolve(ctx, spec, opts.ComputeEnvFilter)
	if err != nil {
		return LaunchResult{}, err
	}

	runID, err := o.submit(ctx, spec, requested)
	if err != nil {
		return LaunchResult{}, err
	}
	logger.Info("submitted run", "run_id", runID, "action", action, "submitted_name", spec.RunName)
	return LaunchResult{RunID: runID, Action: action, Spec: spec, Previous: previous}, nil
}

// previousRuns finds runs tagged with the query label that belong to the same
// logical launch. It returns the single unfinished one, or failing that the
// most recently submitted finished one.
func (o *Orchestrator) previousRuns(ctx context.Context, spec models.LaunchSpec, exact bool) (active, latest *models.Run, err error) {
	runs, err := o.runs.ListWorkflows(ctx, o.workspaceID, "label:"+o.queryLabel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list previous runs: %w", err)
	}

	var unfinished, finished []models.Run
	for _, run := range runs {
		if !samePipeline(run, spec.Pipeline) || !sameRunName(run.RunName, spec.RunName, exact) {
			continue
		}
		if run.State.IsTerminal() {
			finished = append(finished, run)
		} else {
			unfinished = append(unfinished, run)
		}
	}

	switch len(unfinished) {
	case 0:
	case 1:
		return &unfinished[0], nil, nil
	default:
		ids := make([]string, len(unfinished))
		for i, r := range unfinished {
			ids[i] = r.ID
		}
		return nil, nil, &AmbiguousStateError{Pipeline: spec.Pipeline, RunName: spec.RunName, RunIDs: ids}
	}

	if len(finished) == 0 {
		return nil, nil, nil
	}
	sort.SliceStable(finished, func(i, j int) bool {
		return finished[i].SubmittedAt.After(finished[j].SubmittedAt)
	})
	return nil, &finished[0], nil
}

func samePipeline(run models.Run, pipeline string) bool {
	return run.PipelineName == pipeline || (run.Repository != "" && run.Repository == pipeline)
}

func sameRunName(candidate, requested string, exact bool) bool {
	if exact {
		return candidate == requested
	}
	return strings.HasPrefix(candidate, requested)
}

// resolve fills in the compute environment details the caller left empty and
// attaches the environment's labels plus the query label.
func (o *Orchestrator) resolve(ctx context.Context, spec models.LaunchSpec, filter string) (models.LaunchSpec, error) {
	env, err := o.resources.ResolveComputeEnvironment(ctx, o.workspaceID, filter)
	if err != nil {
		return spec, fmt.Errorf("failed to resolve compute environment: %w", err)
	}
	labelID, err := o.resources.EnsureQueryLabel(ctx, o.workspaceID, o.queryLabel)
	if err != nil {
		return spec, fmt.Errorf("failed to ensure query label: %w", err)
	}

	spec = spec.FillIn(env).AddLabels(env.LabelIDs()...).AddLabels(labelID)
	o.logger.Debug("resolved launch resources", "compute_env_id", spec.ComputeEnvID, "work_dir", spec.WorkDir, "label_ids", spec.LabelIDs)
	return spec, nil
}

func (o *Orchestrator) submit(ctx context.Context, spec models.LaunchSpec, requestedName string) (string, error) {
	payload, err := spec.Payload()
	if err != nil {
		return "", err
	}

	var attempt *models.Attempt
	if o.journal != nil {
		attempt = &models.Attempt{
			WorkspaceID:   o.workspaceID,
			Pipeline:      spec.Pipeline,
			RequestedName: requestedName,
			RunName:       spec.RunName,
			SessionID:     spec.SessionID,
			Resume:        spec.Resume,
		}
		if err := o.journal.RecordAttempt(ctx, attempt); err != nil {
			return "", err
		}
	}

	runID, submitErr := o.runs.LaunchWorkflow(ctx, o.workspaceID, payload)

	if attempt != nil {
		// Record the outcome even when ctx was cancelled mid-request.
		if err := o.journal.CompleteAttempt(context.WithoutCancel(ctx), attempt.ID, runID, submitErr); err != nil {
			o.logger.Warn("failed to complete journal attempt", "attempt_id", attempt.ID, "error", err)
		}
	}
	if submitErr != nil {
		return "", fmt.Errorf("failed to submit run %q: %w", spec.RunName, submitErr)
	}
	return runID, nil
}

func (o *Orchestrator) warnPending(ctx context.Context, logger *slog.Logger, spec models.LaunchSpec) {
	if o.journal == nil {
		return
	}
	pending, err := o.journal.PendingAttempts(ctx, o.workspaceID, spec.Pipeline, spec.RunName)
	if err != nil {
		logger.Warn("failed to read launch journal", "error", err)
		return
	}
	for _, a := range pending {
		logger.Warn("earlier submission has unknown outcome; the platform may already have a run for it",
			"attempt_id", a.ID, "submitted_name", a.RunName, "started_at", a.StartedAt)
	}
}

func (o *Orchestrator) lockKey(spec models.LaunchSpec) string {
	return strconv.FormatInt(o.workspaceID, 10) + "\x00" + spec.Pipeline + "\x00" + spec.RunName
}
