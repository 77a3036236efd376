package tower

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mpataki/towerops/internal/models"
)

// Label list filters accepted by the labels endpoint.
const (
	LabelsAll      = "all"
	LabelsSimple   = "simple"
	LabelsResource = "resource"
)

type User struct {
	ID       int64  `json:"id"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
}

type labelJSON struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Value    *string `json:"value"`
	Resource bool    `json:"resource"`
}

func (l labelJSON) model() models.Label {
	label := models.Label{ID: l.ID, Name: l.Name, IsResource: l.Resource}
	if l.Value != nil {
		label.Value = *l.Value
	}
	return label
}

type computeEnvSummaryJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	WorkDir string `json:"workDir"`
}

type computeEnvJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	DateCreated string `json:"dateCreated"`
	Config      struct {
		WorkDir      string  `json:"workDir"`
		PreRunScript *string `json:"preRunScript"`
	} `json:"config"`
	Labels []labelJSON `json:"labels"`
}

type workflowJSON struct {
	ID          string  `json:"id"`
	RunName     string  `json:"runName"`
	SessionID   string  `json:"sessionId"`
	ProjectName string  `json:"projectName"`
	Repository  string  `json:"repository"`
	WorkDir     string  `json:"workDir"`
	Status      string  `json:"status"`
	Submit      string  `json:"submit"`
	Complete    *string `json:"complete"`
}

// workflowElementJSON is the shape shared by list items and the describe
// response: the workflow record plus its labels.
type workflowElementJSON struct {
	Workflow *workflowJSON `json:"workflow"`
	Labels   []labelJSON   `json:"labels"`
}

func (w workflowElementJSON) model() (models.Run, error) {
	wf := w.Workflow
	submitted, err := models.ParseTime(wf.Submit)
	if err != nil {
		return models.Run{}, err
	}
	run := models.Run{
		ID:           wf.ID,
		RunName:      wf.RunName,
		SessionID:    wf.SessionID,
		PipelineName: wf.ProjectName,
		Repository:   wf.Repository,
		WorkDir:      wf.WorkDir,
		State:        models.ParseRunState(wf.Status),
		SubmittedAt:  submitted,
	}
	if wf.Complete != nil && *wf.Complete != "" {
		completed, err := models.ParseTime(*wf.Complete)
		if err != nil {
			return models.Run{}, err
		}
		run.CompletedAt = &completed
	}
	for _, l := range w.Labels {
		run.Labels = append(run.Labels, l.model())
	}
	return run, nil
}

func workspaceQuery(workspaceID int64) url.Values {
	q := url.Values{}
	q.Set("workspaceId", strconv.FormatInt(workspaceID, 10))
	return q
}

// UserInfo describes the user owning the auth token. It doubles as a
// credential check.
func (c *Client) UserInfo(ctx context.Context) (User, error) {
	const path = "/user-info"
	var resp struct {
		User *User `json:"user"`
	}
	if err := c.Get(ctx, path, nil, &resp); err != nil {
		return User{}, err
	}
	if resp.User == nil {
		return User{}, &ProtocolError{Path: path, Message: "response has no user"}
	}
	return *resp.User, nil
}

func (c *Client) ListComputeEnvs(ctx context.Context, workspaceID int64, status string) ([]models.ComputeEnvSummary, error) {
	q := workspaceQuery(workspaceID)
	if status != "" {
		q.Set("status", status)
	}
	raw, err := c.GetPaged(ctx, "/compute-envs", q)
	if err != nil {
		return nil, err
	}
	envs := make([]models.ComputeEnvSummary, 0, len(raw))
	for _, item := range raw {
		var ce computeEnvSummaryJSON
		if err := json.Unmarshal(item, &ce); err != nil {
			return nil, &ProtocolError{Path: "/compute-envs", Message: "decode compute environment", Cause: err}
		}
		envs = append(envs, models.ComputeEnvSummary(ce))
	}
	return envs, nil
}

func (c *Client) GetComputeEnv(ctx context.Context, workspaceID int64, id string) (models.ComputeEnvironment, error) {
	path := "/compute-envs/" + url.PathEscape(id)
	var resp struct {
		ComputeEnv *computeEnvJSON `json:"computeEnv"`
	}
	if err := c.Get(ctx, path, workspaceQuery(workspaceID), &resp); err != nil {
		return models.ComputeEnvironment{}, err
	}
	if resp.ComputeEnv == nil {
		return models.ComputeEnvironment{}, &ProtocolError{Path: path, Message: "response has no computeEnv"}
	}
	ce := resp.ComputeEnv
	created, err := models.ParseTime(ce.DateCreated)
	if err != nil {
		return models.ComputeEnvironment{}, &ProtocolError{Path: path, Message: "decode dateCreated", Cause: err}
	}
	env := models.ComputeEnvironment{
		ID:        ce.ID,
		Name:      ce.Name,
		Status:    ce.Status,
		WorkDir:   ce.Config.WorkDir,
		CreatedAt: created,
	}
	if ce.Config.PreRunScript != nil {
		env.PreRunScript = *ce.Config.PreRunScript
	}
	for _, l := range ce.Labels {
		env.Labels = append(env.Labels, l.model())
	}
	return env, nil
}

func (c *Client) ListLabels(ctx context.Context, workspaceID int64, labelType string) ([]models.Label, error) {
	q := workspaceQuery(workspaceID)
	if labelType != "" {
		q.Set("type", labelType)
	}
	raw, err := c.GetPaged(ctx, "/labels", q)
	if err != nil {
		return nil, err
	}
	labels := make([]models.Label, 0, len(raw))
	for _, item := range raw {
		var l labelJSON
		if err := json.Unmarshal(item, &l); err != nil {
			return nil, &ProtocolError{Path: "/labels", Message: "decode label", Cause: err}
		}
		labels = append(labels, l.model())
	}
	return labels, nil
}

// CreateLabel creates a simple (non-resource) label.
func (c *Client) CreateLabel(ctx context.Context, workspaceID int64, name string) (models.Label, error) {
	const path = "/labels"
	body := map[string]any{"name": name, "resource": false}
	var resp labelJSON
	if err := c.Post(ctx, path, workspaceQuery(workspaceID), body, &resp); err != nil {
		return models.Label{}, err
	}
	if resp.ID == 0 {
		return models.Label{}, &ProtocolError{Path: path, Message: "created label has no id"}
	}
	return resp.model(), nil
}

// ListWorkflows lists runs in a workspace. search uses the platform's query
// syntax, e.g. "label:launched-by-towerops".
func (c *Client) ListWorkflows(ctx context.Context, workspaceID int64, search string) ([]models.Run, error) {
	q := workspaceQuery(workspaceID)
	if search != "" {
		q.Set("search", search)
	}
	raw, err := c.GetPaged(ctx, "/workflow", q)
	if err != nil {
		return nil, err
	}
	runs := make([]models.Run, 0, len(raw))
	for _, item := range raw {
		var el workflowElementJSON
		if err := json.Unmarshal(item, &el); err != nil {
			return nil, &ProtocolError{Path: "/workflow", Message: "decode workflow", Cause: err}
		}
		if el.Workflow == nil {
			return nil, &ProtocolError{Path: "/workflow", Message: "list item has no workflow"}
		}
		run, err := el.model()
		if err != nil {
			return nil, &ProtocolError{Path: "/workflow", Message: "decode workflow", Cause: err}
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (c *Client) GetWorkflow(ctx context.Context, workspaceID int64, id string) (models.Run, error) {
	path := "/workflow/" + url.PathEscape(id)
	var resp workflowElementJSON
	if err := c.Get(ctx, path, workspaceQuery(workspaceID), &resp); err != nil {
		return models.Run{}, err
	}
	if resp.Workflow == nil {
		return models.Run{}, &ProtocolError{Path: path, Message: "response has no workflow"}
	}
	run, err := resp.model()
	if err != nil {
		return models.Run{}, &ProtocolError{Path: path, Message: "decode workflow", Cause: err}
	}
	return run, nil
}

// LaunchWorkflow submits a launch payload and returns the new run id.
func (c *Client) LaunchWorkflow(ctx context.Context, workspaceID int64, payload models.LaunchPayload) (string, error) {
	const path = "/workflow/launch"
	var resp struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := c.Post(ctx, path, workspaceQuery(workspaceID), payload, &resp); err != nil {
		return "", err
	}
	if resp.WorkflowID == "" {
		return "", &ProtocolError{Path: path, Message: fmt.Sprintf("launch response for %q has no workflowId", payload.Launch.RunName)}
	}
	return resp.WorkflowID, nil
}
