// Package dispatch runs one matrix entry's step sequence on its assigned
// runner.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/runner"
	"github.com/Promptonauts/fleetci/pkg/secrets"
	"github.com/sirupsen/logrus"
)

// RunContext identifies the pipeline run an entry belongs to.
type RunContext struct {
	ID     string
	Branch string
	Commit string
}

type Dispatcher struct {
	Pool      *runner.Pool
	Secrets   secrets.Store
	AllowList secrets.AllowList
	Logger    logrus.FieldLogger
	Metrics   *observability.MetricsRegistry
	Now       func() time.Time
}

// Steps returns the ordered step sequence for an entry.
func Steps(entry models.MatrixEntry) []models.StepName {
	steps := []models.StepName{models.StepHealth, models.StepFreshness, models.StepExecute}
	if entry.Capabilities.GeneratesManifest {
		steps = append(steps, models.StepManifest)
	}
	return steps
}

// Dispatch runs the entry on the named runner. It never retries; the first
// step that fails, goes stale or times out ends the entry and later steps are
// recorded as skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, run RunContext, entry models.MatrixEntry, runnerName string) models.TaskResult {
	log := d.logger().WithFields(logrus.Fields{"run": run.ID, "job": entry.Job, "runner": runnerName})
	started := d.now()
	result := models.TaskResult{
		RunID:     run.ID,
		Job:       entry.Job,
		Workspace: entry.Workspace,
		Task:      entry.Task,
		Runner:    runnerName,
		Status:    models.TaskSucceeded,
		StartedAt: started,
	}

	if d.Metrics != nil {
		d.Metrics.Gauge("tasks_running").Inc()
		defer d.Metrics.Gauge("tasks_running").Dec()
	}

	r, ok := d.Pool.Get(runnerName)
	if !ok {
		return finish(Skipped(run, entry, fmt.Errorf("%w: runner %q not in pool", models.ErrRunnerPoolExhausted, runnerName)), d.now())
	}

	steps := Steps(entry)
	for i, step := range steps {
		sr, outcome := d.runStep(ctx, run, entry, r, step, &result)
		result.Steps = append(result.Steps, sr)
		if outcome == nil {
			continue
		}
		result.Status = outcome.status
		result.Reason = outcome.reason
		for _, rest := range steps[i+1:] {
			result.Steps = append(result.Steps, models.StepResult{Name: rest, Status: models.TaskSkipped})
		}
		log.WithField("step", step).WithField("status", result.Status).Warn(result.Reason)
		break
	}

	result = finish(result, d.now())
	if d.Metrics != nil {
		d.Metrics.Counter("tasks_" + metricSuffix(result.Status) + "_total").Inc()
		d.Metrics.Histogram("task_seconds").Observe(result.Duration().Seconds())
	}
	log.WithField("status", result.Status).WithField("duration", result.Duration()).Info("entry finished")
	return result
}

type stepOutcome struct {
	status models.TaskStatus
	reason string
}

func (d *Dispatcher) runStep(ctx context.Context, run RunContext, entry models.MatrixEntry, r runner.Runner, step models.StepName, result *models.TaskResult) (models.StepResult, *stepOutcome) {
	sr := models.StepResult{Name: step, Status: models.TaskSucceeded}
	start := d.now()

	fail := func(status models.TaskStatus, err error) (models.StepResult, *stepOutcome) {
		sr.Status = status
		sr.Error = err.Error()
		sr.DurationMs = d.now().Sub(start).Milliseconds()
		return sr, &stepOutcome{status: status, reason: fmt.Sprintf("%s: %v", step, err)}
	}

	release, err := d.Pool.Acquire(ctx, r.Name())
	if err != nil {
		return fail(models.TaskFailed, err)
	}
	defer release()

	var env map[string]string
	if step == models.StepExecute {
		env, err = secrets.Resolve(ctx, d.Secrets, d.AllowList)
		if err != nil {
			return fail(models.TaskFailed, fmt.Errorf("resolve secrets: %w", err))
		}
	}

	timeout := entry.Timeouts.For(step)
	if timeout <= 0 {
		timeout = models.DefaultStepTimeouts.For(step)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if step == models.StepHealth {
		if err := r.Probe(stepCtx); err != nil {
			if timedOut(ctx, stepCtx) {
				return fail(models.TaskSkipped, fmt.Errorf("%w: probe exceeded %s", models.ErrRunnerUnhealthy, timeout))
			}
			return fail(models.TaskSkipped, fmt.Errorf("%w: %v", models.ErrRunnerUnhealthy, err))
		}
		sr.DurationMs = d.now().Sub(start).Milliseconds()
		return sr, nil
	}

	resp, err := r.RunStep(stepCtx, runner.StepRequest{
		RunID:          run.ID,
		Job:            entry.Job,
		Workspace:      entry.Workspace,
		Task:           entry.Task,
		Step:           step,
		Branch:         run.Branch,
		Commit:         run.Commit,
		Dir:            entry.Dir,
		Command:        entry.Command,
		Env:            env,
		TimeoutSeconds: int64(timeout / time.Second),
	})
	sr.Output = resp.Output
	if timedOut(ctx, stepCtx) {
		return fail(models.TaskTimedOut, fmt.Errorf("%w: exceeded %s", models.ErrStepTimeout, timeout))
	}
	if err != nil {
		return fail(models.TaskFailed, err)
	}
	switch resp.Status {
	case runner.StepStale:
		return fail(models.TaskSkipped, errors.New("commit is no longer current"))
	case runner.StepFailed:
		return fail(models.TaskFailed, errors.New("runner reported failure"))
	}
	result.Artifacts = append(result.Artifacts, resp.Artifacts...)
	sr.DurationMs = d.now().Sub(start).Milliseconds()
	return sr, nil
}

// timedOut is true when the step's own deadline fired, not the caller's.
func timedOut(parent, step context.Context) bool {
	return errors.Is(step.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

// Skipped builds the result for an entry that never reached a runner.
func Skipped(run RunContext, entry models.MatrixEntry, reason error) models.TaskResult {
	res := models.TaskResult{
		RunID:     run.ID,
		Job:       entry.Job,
		Workspace: entry.Workspace,
		Task:      entry.Task,
		Status:    models.TaskSkipped,
		Reason:    reason.Error(),
		StartedAt: time.Now().UTC(),
	}
	for _, step := range Steps(entry) {
		res.Steps = append(res.Steps, models.StepResult{Name: step, Status: models.TaskSkipped})
	}
	return res
}

func finish(r models.TaskResult, now time.Time) models.TaskResult {
	r.FinishedAt = now
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	r.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	return r
}

func metricSuffix(s models.TaskStatus) string {
	if s == models.TaskTimedOut {
		return "timed_out"
	}
	return string(s)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}
