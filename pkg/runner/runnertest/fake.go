// Package runnertest provides a scriptable in-memory runner for tests.
package runnertest

import (
	"context"
	"sync"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/runner"
)

// StepFunc scripts the response to one step call.
type StepFunc func(ctx context.Context, req runner.StepRequest) (runner.StepResponse, error)

type Fake struct {
	RunnerName string
	RunnerTags []string
	Slots      int
	ProbeErr   error
	// Steps overrides the response per step; unlisted steps pass.
	Steps map[models.StepName]StepFunc
	// Jobs overrides Steps for a specific job.
	Jobs map[string]map[models.StepName]StepFunc

	mu    sync.Mutex
	calls []runner.StepRequest
}

func (f *Fake) Name() string     { return f.RunnerName }
func (f *Fake) Labels() []string { return f.RunnerTags }
func (f *Fake) Capacity() int    { return f.Slots }

func (f *Fake) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.ProbeErr
}

func (f *Fake) RunStep(ctx context.Context, req runner.StepRequest) (runner.StepResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if steps, ok := f.Jobs[req.Job]; ok {
		if fn, ok := steps[req.Step]; ok {
			return fn(ctx, req)
		}
	}
	if fn, ok := f.Steps[req.Step]; ok {
		return fn(ctx, req)
	}
	return runner.StepResponse{Status: runner.StepPassed}, nil
}

// Calls returns every step request received so far.
func (f *Fake) Calls() []runner.StepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.StepRequest(nil), f.calls...)
}

func Pass(artifacts ...string) StepFunc {
	return func(context.Context, runner.StepRequest) (runner.StepResponse, error) {
		return runner.StepResponse{Status: runner.StepPassed, Artifacts: artifacts}, nil
	}
}

func Fail(output string) StepFunc {
	return func(context.Context, runner.StepRequest) (runner.StepResponse, error) {
		return runner.StepResponse{Status: runner.StepFailed, Output: output}, nil
	}
}

func Stale() StepFunc {
	return func(context.Context, runner.StepRequest) (runner.StepResponse, error) {
		return runner.StepResponse{Status: runner.StepStale}, nil
	}
}

// Hang blocks until the step context ends.
func Hang() StepFunc {
	return func(ctx context.Context, _ runner.StepRequest) (runner.StepResponse, error) {
		<-ctx.Done()
		return runner.StepResponse{}, ctx.Err()
	}
}
