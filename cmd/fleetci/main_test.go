package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localPipeline = `
branch: main
generate_manifest: true
runners:
  - name: local
    url: local
    labels: [self-hosted]
    capacity: 2
workspaces:
  - name: app
    dir: app
    artifact_paths: ["dist/**"]
    tasks:
      - name: build
        command: ["sh", "-c", "mkdir -p dist && echo ok > dist/out.txt"]
      - name: test
        command: ["sh", "-c", "exit 0"]
`

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	path := filepath.Join(dir, "fleetci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMatrixCommand(t *testing.T) {
	path := writePipeline(t, localPipeline)
	var stdout, stderr bytes.Buffer

	code := run([]string{"matrix", "--config", path, "--runner-label", "linux", "--env-file", ""}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var entries []models.MatrixEntry
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "app-build", entries[0].Job)
	assert.Equal(t, "app-test", entries[1].Job)
	assert.Contains(t, entries[0].RunnerLabels, "linux")
}

func TestMissingConfigIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"matrix", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--env-file", ""}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
}

func TestRunWithLocalRunner(t *testing.T) {
	path := writePipeline(t, localPipeline)
	tmp := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := run([]string{"run",
		"--env-file", "",
		"--log-level", "error",
		"--config", path,
		"--store", filepath.Join(tmp, "runs.db"),
		"--artifact-dir", filepath.Join(tmp, "artifacts"),
		"--runner-label", "self-hosted",
		"--branch", "main",
		"--commit", "abc123",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var out runOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, models.RunSucceeded, out.Status)
	require.Len(t, out.Results, 2)
	require.NotNil(t, out.Manifest)
	assert.Len(t, out.Manifest.Entries, 2)

	_, err := os.Stat(filepath.Join(tmp, "artifacts", "app-build.artifacts"))
	assert.NoError(t, err)

	stdout.Reset()
	code = run([]string{"runs", "--env-file", "", "--store", filepath.Join(tmp, "runs.db")}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), out.RunID)
	assert.Contains(t, stdout.String(), "succeeded")
}

func TestRunExitCodeReflectsFailure(t *testing.T) {
	path := writePipeline(t, `
runners:
  - name: local
    url: local
    labels: [self-hosted]
workspaces:
  - name: app
    tasks:
      - name: build
        command: ["sh", "-c", "exit 3"]
`)
	tmp := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{"run",
		"--env-file", "",
		"--log-level", "error",
		"--config", path,
		"--store", filepath.Join(tmp, "runs.db"),
		"--artifact-dir", filepath.Join(tmp, "artifacts"),
		"--runner-label", "self-hosted",
	}, &stdout, &stderr)
	assert.Equal(t, exitRunFailed, code)
	assert.Contains(t, stdout.String(), `"failed"`)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	path := writePipeline(t, localPipeline)
	t.Setenv("FLEETCI_CONFIG", path)
	t.Setenv("FLEETCI_RUNNER_LABEL", "gpu")
	var stdout, stderr bytes.Buffer

	code := run([]string{"matrix", "--env-file", ""}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), `"gpu"`)
}
