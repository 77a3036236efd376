// Package resolver picks the compute environment and labels a launch uses.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/towerops/internal/models"
	"github.com/mpataki/towerops/internal/tower"
)

// API is the subset of the platform client the resolver needs.
type API interface {
	ListComputeEnvs(ctx context.Context, workspaceID int64, status string) ([]models.ComputeEnvSummary, error)
	GetComputeEnv(ctx context.Context, workspaceID int64, id string) (models.ComputeEnvironment, error)
	ListLabels(ctx context.Context, workspaceID int64, labelType string) ([]models.Label, error)
	CreateLabel(ctx context.Context, workspaceID int64, name string) (models.Label, error)
}

type Resolver struct {
	api    API
	logger *slog.Logger
}

func New(api API, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{api: api, logger: logger}
}

// ResolveComputeEnvironment returns the full details of the available compute
// environment whose name contains nameFilter. When several match, the most
// recently created one wins; ties go to the one listed first.
func (r *Resolver) ResolveComputeEnvironment(ctx context.Context, workspaceID int64, nameFilter string) (models.ComputeEnvironment, error) {
	summaries, err := r.api.ListComputeEnvs(ctx, workspaceID, models.ComputeEnvAvailable)
	if err != nil {
		return models.ComputeEnvironment{}, fmt.Errorf("list compute environments: %w", err)
	}

	var candidates []models.ComputeEnvSummary
	for _, s := range summaries {
		if s.Status != "" && s.Status != models.ComputeEnvAvailable {
			continue
		}
		if nameFilter != "" && !strings.Contains(s.Name, nameFilter) {
			continue
		}
		candidates = append(candidates, s)
	}

	switch len(candidates) {
	case 0:
		return models.ComputeEnvironment{}, &NoMatchError{Resource: "compute environment", Filter: nameFilter}
	case 1:
		env, err := r.api.GetComputeEnv(ctx, workspaceID, candidates[0].ID)
		if err != nil {
			return models.ComputeEnvironment{}, fmt.Errorf("get compute environment %s: %w", candidates[0].ID, err)
		}
		r.logger.Debug("resolved compute environment", "id", env.ID, "name", env.Name)
		return env, nil
	}

	envs := make([]models.ComputeEnvironment, len(candidates))
	g, gCtx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			env, err := r.api.GetComputeEnv(gCtx, workspaceID, c.ID)
			if err != nil {
				return fmt.Errorf("get compute environment %s: %w", c.ID, err)
			}
			envs[i] = env
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.ComputeEnvironment{}, err
	}

	latest := envs[0]
	for _, env := range envs[1:] {
		if env.CreatedAt.After(latest.CreatedAt) {
			latest = env
		}
	}
	r.logger.Debug("resolved latest compute environment", "id", latest.ID, "name", latest.Name, "candidates", len(envs))
	return latest, nil
}

// EnsureQueryLabel returns the id of the simple label called name, creating
// it when missing. Resource labels never count as a match. Two concurrent
// callers may both create the label.
func (r *Resolver) EnsureQueryLabel(ctx context.Context, workspaceID int64, name string) (int64, error) {
	labels, err := r.api.ListLabels(ctx, workspaceID, tower.LabelsSimple)
	if err != nil {
		return 0, fmt.Errorf("list labels: %w", err)
	}
	for _, l := range labels {
		if !l.IsResource && l.Name == name {
			return l.ID, nil
		}
	}

	label, err := r.api.CreateLabel(ctx, workspaceID, name)
	if err != nil {
		return 0, fmt.Errorf("create label %q: %w", name, err)
	}
	r.logger.Info("created query label", "name", name, "id", label.ID)
	return label.ID, nil
}
