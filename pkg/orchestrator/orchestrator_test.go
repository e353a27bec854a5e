package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Promptonauts/fleetci/pkg/artifact"
	"github.com/Promptonauts/fleetci/pkg/delivery"
	"github.com/Promptonauts/fleetci/pkg/logging"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/notify"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/runner"
	"github.com/Promptonauts/fleetci/pkg/runner/runnertest"
	"github.com/Promptonauts/fleetci/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *recorder) calls() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.bodies...)
}

type harness struct {
	orch     *Orchestrator
	fake     *runnertest.Fake
	dispatch *recorder
	webhook  *recorder
	store    *store.SQLStore
	metrics  *observability.MetricsRegistry
}

func newHarness(t *testing.T, fake *runnertest.Fake) *harness {
	t.Helper()
	h := &harness{fake: fake, dispatch: &recorder{}, webhook: &recorder{}, metrics: observability.NewMetricsRegistry()}

	dispatchSrv := httptest.NewServer(h.dispatch.handler(http.StatusNoContent))
	t.Cleanup(dispatchSrv.Close)
	webhookSrv := httptest.NewServer(h.webhook.handler(http.StatusOK))
	t.Cleanup(webhookSrv.Close)

	pool, err := runner.NewPool(fake)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	h.store = st

	logger := logging.Discard()
	h.orch = &Orchestrator{
		Pool:     pool,
		Store:    st,
		Relay:    &artifact.Relay{Store: artifact.DirStore{Root: t.TempDir()}, Logger: logger},
		Delivery: delivery.Config{Endpoint: dispatchSrv.URL},
		Notifier: notify.New(notify.Config{WebhookURL: webhookSrv.URL}, logger, h.metrics),
		Logger:   logger,
		Metrics:  h.metrics,
	}
	return h
}

func (h *harness) run(t *testing.T, cfg string) RunSummary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	summary, err := h.orch.Run(context.Background(), RunRequest{
		ConfigPath:       path,
		Branch:           "main",
		Commit:           "abc123",
		RunURL:           "https://ci.example.com/runs/42",
		DeliveryWorkflow: "deliver.yml",
		RunnerLabel:      "self-hosted",
	})
	require.NoError(t, err)
	require.NoError(t, h.orch.Notifier.Close(context.Background()))
	return summary
}

func byJob(results []models.TaskResult) map[string]models.TaskResult {
	out := map[string]models.TaskResult{}
	for _, r := range results {
		out[r.Job] = r
	}
	return out
}

func TestFlaggedFailureSuppressesDeliveryAndNotifies(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", RunnerTags: []string{"self-hosted"}, Slots: 3, Jobs: map[string]map[models.StepName]runnertest.StepFunc{
		"app-build": {models.StepExecute: runnertest.Fail("compile error")},
	}}
	h := newHarness(t, fake)

	summary := h.run(t, `
branch: main
delivery: true
workspaces:
  - name: app
    tasks:
      - name: build
        generate_manifest: true
      - name: lint
      - name: test
`)

	require.Len(t, summary.Results, 3)
	assert.Equal(t, models.TaskFailed, byJob(summary.Results)["app-build"].Status)
	assert.Equal(t, models.RunFailed, summary.Status)
	require.NotNil(t, summary.Manifest)
	assert.True(t, summary.Manifest.Empty())
	assert.Nil(t, summary.Delivery)
	assert.Empty(t, h.dispatch.calls())

	notes := h.webhook.calls()
	require.Len(t, notes, 1)
	assert.Equal(t, "app-build", notes[0]["job"])
	assert.Equal(t, "https://ci.example.com/runs/42", notes[0]["run_url"])

	rec, err := h.store.GetRun(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, rec.Status)
	assert.False(t, rec.Delivered)
}

func TestQualifyingRunDeliversOnce(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", RunnerTags: []string{"self-hosted"}, Slots: 2}
	h := newHarness(t, fake)

	summary := h.run(t, `
branch: main
delivery: true
generate_manifest: true
workspaces:
  - name: app
    tasks:
      - name: build
      - name: package
`)

	assert.Equal(t, models.RunSucceeded, summary.Status)
	require.NotNil(t, summary.Manifest)
	assert.Len(t, summary.Manifest.Entries, 2)
	require.NotNil(t, summary.Delivery)

	calls := h.dispatch.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "main", calls[0]["ref"])
	assert.Equal(t, "deliver.yml", calls[0]["workflow"])
	inputs := calls[0]["inputs"].(map[string]interface{})
	assert.Equal(t, "abc123", inputs["commit"])
	assert.Empty(t, h.webhook.calls())

	ack, err := h.store.GetDelivery(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, "main", ack.Branch)
	m, err := h.store.GetManifest(summary.RunID)
	require.NoError(t, err)
	assert.Len(t, m.Entries, 2)
	assert.Equal(t, int64(1), h.metrics.Counter("deliveries_total").Value())
}

func TestIneligibleBranchDoesNotDeliver(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", RunnerTags: []string{"self-hosted"}, Slots: 1}
	h := newHarness(t, fake)

	summary := h.run(t, `
branch: release/*
delivery: true
generate_manifest: true
workspaces:
  - name: app
    tasks: [{name: build}]
`)
	assert.Equal(t, models.RunSucceeded, summary.Status)
	assert.False(t, summary.Manifest.Empty())
	assert.Nil(t, summary.Delivery)
	assert.Empty(t, h.dispatch.calls())
}

func TestStepTimeoutIsolatedFromSiblings(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", RunnerTags: []string{"self-hosted"}, Slots: 2, Jobs: map[string]map[models.StepName]runnertest.StepFunc{
		"app-slow": {models.StepExecute: runnertest.Hang()},
	}}
	h := newHarness(t, fake)

	summary := h.run(t, `
workspaces:
  - name: app
    tasks:
      - name: slow
        timeout: 300ms
      - name: fast
`)

	results := byJob(summary.Results)
	assert.Equal(t, models.TaskTimedOut, results["app-slow"].Status)
	assert.Equal(t, models.TaskSucceeded, results["app-fast"].Status)
	assert.Less(t, results["app-fast"].Duration(), 250*time.Millisecond)
	assert.Equal(t, models.RunTimedOut, summary.Status)

	for _, u := range summary.Uploads {
		assert.True(t, u.Uploaded, "upload for %s: %s", u.Job, u.Error)
	}
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("storage offline")
}

func TestUploadFailureKeepsTaskStatus(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", RunnerTags: []string{"self-hosted"}, Slots: 1}
	h := newHarness(t, fake)
	h.orch.Relay = &artifact.Relay{Store: brokenStore{}, Logger: logging.Discard()}

	summary := h.run(t, `
workspaces:
  - name: app
    tasks: [{name: build}]
`)
	require.Len(t, summary.Uploads, 1)
	assert.False(t, summary.Uploads[0].Uploaded)
	assert.Equal(t, models.TaskSucceeded, summary.Results[0].Status)
	assert.Equal(t, models.RunSucceeded, summary.Status)
}

func TestUnhealthyRunnerSkipsOnlyItsEntries(t *testing.T) {
	good := &runnertest.Fake{RunnerName: "linux", RunnerTags: []string{"self-hosted", "linux"}, Slots: 1}
	bad := &runnertest.Fake{RunnerName: "mac", RunnerTags: []string{"self-hosted", "macos"}, Slots: 1, ProbeErr: errors.New("offline")}
	h := newHarness(t, good)
	pool, err := runner.NewPool(good, bad)
	require.NoError(t, err)
	h.orch.Pool = pool

	summary := h.run(t, `
workspaces:
  - name: web
    runs_on: [linux]
    tasks: [{name: build}]
  - name: ios
    runs_on: [macos]
    tasks: [{name: build}]
`)
	results := byJob(summary.Results)
	assert.Equal(t, models.TaskSucceeded, results["web-build"].Status)
	assert.Equal(t, models.TaskSkipped, results["ios-build"].Status)
	assert.Contains(t, results["ios-build"].Reason, models.ErrRunnerUnhealthy.Error())
	assert.Equal(t, models.RunSkipped, summary.Status)
	assert.Empty(t, bad.Calls())
}

func TestConfigErrorsAbortBeforeDispatch(t *testing.T) {
	fake := &runnertest.Fake{RunnerName: "r1", Slots: 1}
	h := newHarness(t, fake)

	summary, err := h.orch.Run(context.Background(), RunRequest{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, models.ErrConfigNotFound)
	assert.Equal(t, models.RunAborted, summary.Status)
	assert.Empty(t, fake.Calls())

	runs, err := h.store.ListRuns("", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
