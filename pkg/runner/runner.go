// Package runner talks to the execution hosts that run matrix steps.
package runner

import (
	"context"

	"github.com/Promptonauts/fleetci/pkg/models"
)

type StepStatus string

const (
	StepPassed StepStatus = "passed"
	StepFailed StepStatus = "failed"
	// StepStale is reported by the freshness step when the commit under test
	// is no longer current.
	StepStale StepStatus = "stale"
)

type StepRequest struct {
	RunID          string            `json:"run_id"`
	Job            string            `json:"job"`
	Workspace      string            `json:"workspace"`
	Task           string            `json:"task"`
	Step           models.StepName   `json:"step"`
	Branch         string            `json:"branch,omitempty"`
	Commit         string            `json:"commit,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
}

type StepResponse struct {
	Status    StepStatus `json:"status"`
	Output    string     `json:"output,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
}

type Runner interface {
	Name() string
	Labels() []string
	Capacity() int
	Probe(ctx context.Context) error
	RunStep(ctx context.Context, req StepRequest) (StepResponse, error)
}

// Matches reports whether r carries every label in want.
func Matches(r Runner, want []string) bool {
	have := make(map[string]struct{}, len(r.Labels()))
	for _, l := range r.Labels() {
		have[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}
