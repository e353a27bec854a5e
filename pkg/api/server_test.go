package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Promptonauts/fleetci/pkg/logging"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*store.SQLStore, http.Handler) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	srv := &Server{Store: st, Metrics: observability.NewMetricsRegistry(), Logger: logging.Discard()}
	return st, srv.Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzAndMetrics(t *testing.T) {
	_, h := setup(t)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetci_api_requests_total")
}

func TestListRunsByBranch(t *testing.T) {
	st, h := setup(t)
	for _, b := range []string{"main", "dev", "main"} {
		require.NoError(t, st.CreateRun(&models.RunRecord{Branch: b}))
	}

	rec := get(t, h, "/runs?branch=main")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = get(t, h, "/runs?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?limit=zero").Code)

	rec = get(t, h, "/runs?branch=none")
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestRunDetailEndpoints(t *testing.T) {
	st, h := setup(t)
	run := &models.RunRecord{Branch: "main", Commit: "abc"}
	require.NoError(t, st.CreateRun(run))
	require.NoError(t, st.SaveTaskResult(models.TaskResult{RunID: run.ID, Job: "app-build", Status: models.TaskFailed}))
	require.NoError(t, st.SaveUploadReport(run.ID, models.UploadReport{Job: "app-build", Key: "app-build.artifacts", Uploaded: true}))
	require.NoError(t, st.AppendRunLog(run.ID, models.RunLog{Timestamp: time.Now(), Level: "warn", Message: "app-build failed"}))
	require.NoError(t, st.SaveManifest(&models.DeliveryManifest{RunID: run.ID, Branch: "main"}))

	rec := get(t, h, "/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "abc", got.Commit)

	var results []models.TaskResult
	rec = get(t, h, "/runs/"+run.ID+"/results")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.TaskFailed, results[0].Status)

	var uploads []models.UploadReport
	rec = get(t, h, "/runs/"+run.ID+"/uploads")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploads))
	require.Len(t, uploads, 1)
	assert.True(t, uploads[0].Uploaded)

	var logs []models.RunLog
	rec = get(t, h, "/runs/"+run.ID+"/logs")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)

	var m models.DeliveryManifest
	rec = get(t, h, "/runs/"+run.ID+"/manifest")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.True(t, m.Empty())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/runs/"+run.ID+"/delivery").Code)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	_, h := setup(t)
	for _, p := range []string{"/runs/nope", "/runs/nope/results", "/runs/nope/logs", "/runs/nope/manifest", "/runs/nope/events"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, p).Code, p)
	}
}

func TestEventsForCompletedRun(t *testing.T) {
	st, h := setup(t)
	run := &models.RunRecord{Branch: "main"}
	require.NoError(t, st.CreateRun(run))
	now := time.Now().UTC()
	run.Status = models.RunSucceeded
	run.CompletedAt = &now
	require.NoError(t, st.UpdateRun(run))

	rec := get(t, h, "/runs/"+run.ID+"/events")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event:run")
	assert.Contains(t, rec.Body.String(), run.ID)
}

func TestEventsStreamUntilCompletion(t *testing.T) {
	st, h := setup(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	run := &models.RunRecord{Branch: "main", Status: models.RunRunning}
	require.NoError(t, st.CreateRun(run))

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = st.SaveTaskResult(models.TaskResult{RunID: run.ID, Job: "app-build", Status: models.TaskSucceeded})
		now := time.Now().UTC()
		run.Status = models.RunSucceeded
		run.CompletedAt = &now
		_ = st.UpdateRun(run)
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/runs/" + run.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "event:run")
	assert.Contains(t, text, "event:RESULT")
	assert.Contains(t, text, "event:UPDATED")
}

func TestEventsFollowWritesFromAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	reader, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, reader.Migrate())
	t.Cleanup(func() { _ = reader.Close() })

	// writer stands in for a `fleetci run` process sharing the database
	writer, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	server := &Server{Store: reader, Logger: logging.Discard(), PollInterval: 20 * time.Millisecond}
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	run := &models.RunRecord{Branch: "main", Status: models.RunRunning}
	require.NoError(t, writer.CreateRun(run))
	require.NoError(t, writer.SaveTaskResult(models.TaskResult{RunID: run.ID, Job: "app-lint", Status: models.TaskSucceeded}))

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = writer.SaveTaskResult(models.TaskResult{RunID: run.ID, Job: "app-build", Status: models.TaskFailed})
		now := time.Now().UTC()
		run.Status = models.RunFailed
		run.CompletedAt = &now
		_ = writer.UpdateRun(run)
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/runs/" + run.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "event:run")
	assert.Equal(t, 1, strings.Count(text, "event:RESULT"), "only the result saved after the stream opened is relayed")
	assert.Contains(t, text, `"app-build"`)
	assert.Contains(t, text, "event:UPDATED")
	assert.Contains(t, text, `"failed"`)
	assert.Less(t, strings.Index(text, "event:RESULT"), strings.Index(text, "event:UPDATED"))
}
