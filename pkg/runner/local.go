package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Promptonauts/fleetci/pkg/models"
)

const maxOutput = 64 << 10

// LocalRunner executes the task command on this host. Only the execute step
// does work; the other steps pass.
type LocalRunner struct {
	name     string
	labels   []string
	capacity int
}

func NewLocal(name string, labels []string, capacity int) *LocalRunner {
	if name == "" {
		name = "local"
	}
	return &LocalRunner{name: name, labels: append([]string(nil), labels...), capacity: capacity}
}

func (r *LocalRunner) Name() string     { return r.name }
func (r *LocalRunner) Labels() []string { return r.labels }
func (r *LocalRunner) Capacity() int    { return r.capacity }

func (r *LocalRunner) Probe(ctx context.Context) error {
	return ctx.Err()
}

func (r *LocalRunner) RunStep(ctx context.Context, req StepRequest) (StepResponse, error) {
	if req.Step != models.StepExecute {
		return StepResponse{Status: StepPassed}, ctx.Err()
	}
	if len(req.Command) == 0 {
		return StepResponse{Status: StepFailed, Output: "no command configured for " + req.Job}, nil
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(baseEnv(),
		"FLEETCI_RUN_ID="+req.RunID,
		"FLEETCI_JOB="+req.Job,
		"FLEETCI_WORKSPACE="+req.Workspace,
		"FLEETCI_TASK="+req.Task,
		"FLEETCI_BRANCH="+req.Branch,
		"FLEETCI_COMMIT="+req.Commit,
	)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+req.Env[k])
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := tail(out.String())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StepResponse{Status: StepFailed, Output: output}, ctxErr
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return StepResponse{Status: StepFailed, Output: output}, nil
		}
		return StepResponse{}, fmt.Errorf("local runner %s: %w", r.name, err)
	}
	return StepResponse{Status: StepPassed, Output: output}, nil
}

// inheritedEnv lists the host variables a local command sees. Everything
// else, secrets and fleetci's own credentials included, only arrives through
// the allow-listed request env.
var inheritedEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TMPDIR", "TMP", "TEMP", "LANG", "LC_ALL", "TZ", "SYSTEMROOT", "COMSPEC", "PATHEXT"}

func baseEnv() []string {
	env := make([]string, 0, len(inheritedEnv))
	for _, k := range inheritedEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// tail keeps the last maxOutput bytes without splitting a rune.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	i := len(s) - maxOutput
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
