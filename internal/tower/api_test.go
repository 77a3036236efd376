package tower

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/towerops/internal/models"
)

const computeEnvResponse = `{
  "computeEnv": {
    "id": "5ykJF",
    "name": "project-ondemand-v11",
    "platform": "aws-batch",
    "config": {
      "workDir": "s3://project-scratch/work",
      "preRunScript": "NXF_OPTS='-Xms7g -Xmx14g'",
      "postRunScript": null
    },
    "dateCreated": "2023-04-26T00:49:49Z",
    "status": "AVAILABLE",
    "labels": [
      {"id": 89366, "name": "CostCenter", "value": "12345", "resource": true},
      {"id": 17863, "name": "launched-by-towerops", "value": null, "resource": false}
    ]
  }
}`

const workflowResponse = `{
  "workflow": {
    "id": "23LNH",
    "runName": "sample1_rnaseq_2",
    "sessionId": "1a2b3c",
    "projectName": "nf-core/rnaseq",
    "repository": "https://github.com/nf-core/rnaseq",
    "workDir": "s3://project-scratch/work",
    "status": "SUCCEEDED",
    "submit": "2023-05-01T10:00:00Z",
    "complete": "2023-05-01T12:30:00Z"
  },
  "progress": {},
  "labels": [{"id": 17863, "name": "launched-by-towerops", "value": null, "resource": false}]
}`

func TestUserInfo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user": {"id": 100, "userName": "foo", "email": "foo@example.com"}, "needConsent": false}`))
	}, 0)

	user, err := client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, User{ID: 100, UserName: "foo", Email: "foo@example.com"}, user)
}

func TestUserInfo_NonstandardResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message": "foobar"}`))
	}, 0)

	_, err := client.UserInfo(context.Background())
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestListComputeEnvs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/compute-envs", r.URL.Path)
		assert.Equal(t, "AVAILABLE", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"totalSize": 2, "computeEnvs": [
			{"id": "3QGDs", "name": "project-spot-v11", "status": "AVAILABLE", "workDir": "s3://a"},
			{"id": "5ykJF", "name": "project-ondemand-v11", "status": "AVAILABLE", "workDir": "s3://b"}
		]}`))
	}, 0)

	envs, err := client.ListComputeEnvs(context.Background(), 98765, models.ComputeEnvAvailable)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, models.ComputeEnvSummary{ID: "5ykJF", Name: "project-ondemand-v11", Status: "AVAILABLE", WorkDir: "s3://b"}, envs[1])
}

func TestGetComputeEnv(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/compute-envs/5ykJF", r.URL.Path)
		assert.Equal(t, "98765", r.URL.Query().Get("workspaceId"))
		_, _ = w.Write([]byte(computeEnvResponse))
	}, 0)

	env, err := client.GetComputeEnv(context.Background(), 98765, "5ykJF")
	require.NoError(t, err)
	assert.Equal(t, "5ykJF", env.ID)
	assert.Equal(t, "s3://project-scratch/work", env.WorkDir)
	assert.Equal(t, "NXF_OPTS='-Xms7g -Xmx14g'", env.PreRunScript)
	assert.Equal(t, time.Date(2023, 4, 26, 0, 49, 49, 0, time.UTC), env.CreatedAt)
	assert.Equal(t, []int64{89366, 17863}, env.LabelIDs())
	assert.True(t, env.Labels[0].IsResource)
	assert.Equal(t, "12345", env.Labels[0].Value)
}

func TestListLabels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LabelsSimple, r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"labels": [
			{"id": 17863, "name": "launched-by-towerops", "value": null, "resource": false},
			{"id": 97881, "name": "ORCA-163", "value": null, "resource": false}
		], "totalSize": 2}`))
	}, 0)

	labels, err := client.ListLabels(context.Background(), 1, LabelsSimple)
	require.NoError(t, err)
	assert.Equal(t, []models.Label{
		{ID: 17863, Name: "launched-by-towerops"},
		{ID: 97881, Name: "ORCA-163"},
	}, labels)
}

func TestCreateLabel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name": "foo", "resource": false}`, string(body))
		_, _ = w.Write([]byte(`{"id": 12345, "name": "foo", "value": null, "resource": false}`))
	}, 0)

	label, err := client.CreateLabel(context.Background(), 1, "foo")
	require.NoError(t, err)
	assert.Equal(t, models.Label{ID: 12345, Name: "foo"}, label)
}

func TestListWorkflows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "label:launched-by-towerops", r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`{"totalSize": 1, "workflows": [` + workflowResponse + `]}`))
	}, 0)

	runs, err := client.ListWorkflows(context.Background(), 1, "label:launched-by-towerops")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "23LNH", runs[0].ID)
	assert.Equal(t, "nf-core/rnaseq", runs[0].PipelineName)
	assert.Equal(t, models.RunStateSucceeded, runs[0].State)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Len(t, runs[0].Labels, 1)
}

func TestGetWorkflow_RunningHasNoCompletion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workflow/23LNH", r.URL.Path)
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(workflowResponse), &resp))
		wf := resp["workflow"].(map[string]any)
		wf["status"] = "RUNNING"
		wf["complete"] = nil
		_ = json.NewEncoder(w).Encode(resp)
	}, 0)

	run, err := client.GetWorkflow(context.Background(), 1, "23LNH")
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, run.State)
	assert.Nil(t, run.CompletedAt)
	assert.Equal(t, "1a2b3c", run.SessionID)
}

func TestLaunchWorkflow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workflow/launch", r.URL.Path)
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sample1", body["launch"]["runName"])
		_, _ = w.Write([]byte(`{"workflowId": "23LNH"}`))
	}, 0)

	id, err := client.LaunchWorkflow(context.Background(), 1, models.LaunchPayload{Launch: models.LaunchRequest{RunName: "sample1"}})
	require.NoError(t, err)
	assert.Equal(t, "23LNH", id)
}

func TestLaunchWorkflow_MissingIDIsProtocolError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, 0)

	_, err := client.LaunchWorkflow(context.Background(), 1, models.LaunchPayload{})
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}
