package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireHonoursCapacity(t *testing.T) {
	pool, err := NewPool(NewLocal("a", []string{"linux"}, 1))
	require.NoError(t, err)

	release, err := pool.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := pool.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func TestPoolRejectsDuplicatesAndUnknown(t *testing.T) {
	_, err := NewPool(NewLocal("a", nil, 1), NewLocal("a", nil, 1))
	assert.Error(t, err)

	pool, err := NewPool(NewLocal("b", nil, 0), NewLocal("a", nil, 1))
	require.NoError(t, err)
	assert.Equal(t, "a", pool.Runners()[0].Name())
	_, err = pool.Acquire(context.Background(), "zzz")
	assert.ErrorIs(t, err, models.ErrRunnerPoolExhausted)
}

func TestMatches(t *testing.T) {
	r := NewLocal("a", []string{"linux", "gpu"}, 1)
	assert.True(t, Matches(r, []string{"linux"}))
	assert.True(t, Matches(r, nil))
	assert.False(t, Matches(r, []string{"linux", "arm"}))
}

func TestHTTPRunnerProbeAndStep(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/healthz":
			if atomic.AddInt32(&probes, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/steps":
			var req StepRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, models.StepExecute, req.Step)
			assert.Equal(t, "x", req.Env["DEPLOY_KEY"])
			_ = json.NewEncoder(w).Encode(StepResponse{Status: StepPassed, Artifacts: []string{"dist/app"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r, err := NewHTTP(models.RunnerConfig{Name: "remote", URL: srv.URL, Capacity: 1}, HTTPOptions{ProbeRetries: 2, Token: "tok"})
	require.NoError(t, err)

	require.NoError(t, r.Probe(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&probes))

	resp, err := r.RunStep(context.Background(), StepRequest{Job: "web-build", Step: models.StepExecute, Env: map[string]string{"DEPLOY_KEY": "x"}})
	require.NoError(t, err)
	assert.Equal(t, StepPassed, resp.Status)
	assert.Equal(t, []string{"dist/app"}, resp.Artifacts)
}

func TestHTTPRunnerRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"maybe"}`))
	}))
	defer srv.Close()

	r, err := NewHTTP(models.RunnerConfig{Name: "remote", URL: srv.URL}, HTTPOptions{})
	require.NoError(t, err)
	_, err = r.RunStep(context.Background(), StepRequest{Step: models.StepExecute})
	assert.Error(t, err)

	_, err = NewHTTP(models.RunnerConfig{Name: "bad", URL: "ftp://x"}, HTTPOptions{})
	assert.Error(t, err)
}

func TestLocalRunnerExecute(t *testing.T) {
	r := NewLocal("local", nil, 1)

	resp, err := r.RunStep(context.Background(), StepRequest{
		Job:     "web-build",
		Step:    models.StepExecute,
		Command: []string{"sh", "-c", `echo "$FLEETCI_JOB $DEPLOY_KEY"`},
		Env:     map[string]string{"DEPLOY_KEY": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, StepPassed, resp.Status)
	assert.Equal(t, "web-build x", resp.Output)

	resp, err = r.RunStep(context.Background(), StepRequest{Step: models.StepExecute, Command: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, StepFailed, resp.Status)

	resp, err = r.RunStep(context.Background(), StepRequest{Step: models.StepFreshness})
	require.NoError(t, err)
	assert.Equal(t, StepPassed, resp.Status)
}

func TestLocalRunnerOnlyPassesRequestedSecrets(t *testing.T) {
	t.Setenv("FLEETCI_SECRET_OTHER", "y")
	t.Setenv("FLEETCI_DISPATCH_TOKEN", "tok")
	t.Setenv("FLEETCI_MINIO_SECRET_KEY", "minio")
	r := NewLocal("local", nil, 1)

	resp, err := r.RunStep(context.Background(), StepRequest{
		Job:     "web-build",
		Step:    models.StepExecute,
		Command: []string{"env"},
		Env:     map[string]string{"DEPLOY_KEY": "x"},
	})
	require.NoError(t, err)
	require.Equal(t, StepPassed, resp.Status)

	vars := map[string]string{}
	for _, line := range strings.Split(resp.Output, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			vars[k] = v
		}
	}
	assert.Equal(t, "x", vars["DEPLOY_KEY"])
	assert.Equal(t, "web-build", vars["FLEETCI_JOB"])
	assert.NotEmpty(t, vars["PATH"])
	for _, k := range []string{"FLEETCI_SECRET_OTHER", "OTHER", "FLEETCI_DISPATCH_TOKEN", "FLEETCI_MINIO_SECRET_KEY"} {
		assert.NotContains(t, vars, k)
	}
}

func TestTailKeepsRuneBoundary(t *testing.T) {
	// the cut lands on the second byte of a two-byte rune
	out := tail(strings.Repeat("é", maxOutput) + "z")
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("é", maxOutput/2-1)+"z", out)

	assert.Equal(t, "short", tail("  short\n"))
}

func TestLocalRunnerTimeout(t *testing.T) {
	r := NewLocal("local", nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.RunStep(ctx, StepRequest{Step: models.StepExecute, Command: []string{"sleep", "5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}
