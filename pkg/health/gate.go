// Package health probes the runner fleet and admits matrix entries to
// healthy runners before dispatch.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/runner"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Gate struct {
	// Timeout bounds a runner probe when none of the runner's candidate
	// entries carries a health timeout.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics *observability.MetricsRegistry
}

// CheckHealth probes every runner that could serve an entry and assigns each
// entry to a healthy runner. An entry without a matching runner fails with
// ErrRunnerPoolExhausted; one whose matching runners are all down fails with
// ErrRunnerUnhealthy. Neither affects other entries.
func (g *Gate) CheckHealth(ctx context.Context, pool *runner.Pool, entries []models.MatrixEntry) models.HealthReport {
	report := models.HealthReport{
		Runners:    map[string]models.RunnerHealth{},
		Admissions: map[string]models.Admission{},
	}

	candidates := map[string][]runner.Runner{}
	needed := map[string]runner.Runner{}
	// a runner gets the longest health timeout of the entries it could serve
	budget := map[string]time.Duration{}
	for _, e := range entries {
		for _, r := range pool.Runners() {
			if runner.Matches(r, e.RunnerLabels) {
				candidates[e.Job] = append(candidates[e.Job], r)
				needed[r.Name()] = r
				if d := e.Timeouts.Health.Duration; d > budget[r.Name()] {
					budget[r.Name()] = d
				}
			}
		}
	}

	var mu sync.Mutex
	var eg errgroup.Group
	for _, r := range needed {
		r := r
		eg.Go(func() error {
			h := g.probe(ctx, r, budget[r.Name()])
			mu.Lock()
			report.Runners[r.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	assigned := map[string]int{}
	for _, e := range entries {
		admission := models.Admission{Job: e.Job}
		var pick runner.Runner
		for _, r := range candidates[e.Job] {
			if !report.Runners[r.Name()].Healthy {
				continue
			}
			if pick == nil || lessLoaded(r, pick, assigned) {
				pick = r
			}
		}
		switch {
		case len(candidates[e.Job]) == 0:
			admission.Err = fmt.Errorf("%w: no runner carries labels %v", models.ErrRunnerPoolExhausted, e.RunnerLabels)
		case pick == nil:
			admission.Err = fmt.Errorf("%w: all %d runners matching %v failed probes", models.ErrRunnerUnhealthy, len(candidates[e.Job]), e.RunnerLabels)
		default:
			admission.Runner = pick.Name()
			assigned[pick.Name()]++
		}
		if admission.Err != nil {
			g.logger().WithField("job", e.Job).WithError(admission.Err).Warn("entry not admitted")
			if g.Metrics != nil {
				g.Metrics.Counter("entries_rejected_total").Inc()
			}
		}
		report.Admissions[e.Job] = admission
	}
	return report
}

func (g *Gate) probe(ctx context.Context, r runner.Runner, timeout time.Duration) models.RunnerHealth {
	if timeout <= 0 {
		timeout = g.Timeout
	}
	if timeout <= 0 {
		timeout = models.DefaultStepTimeouts.Health.Duration
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := r.Probe(pctx)
	h := models.RunnerHealth{
		Runner:    r.Name(),
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		h.Error = err.Error()
		g.logger().WithField("runner", r.Name()).WithError(err).Warn("runner probe failed")
	}
	if g.Metrics != nil {
		g.Metrics.Histogram("runner_probe_seconds").Observe(time.Since(start).Seconds())
		if err != nil {
			g.Metrics.Counter("runner_probe_failures_total").Inc()
		}
	}
	return h
}

// lessLoaded compares assigned/capacity without division.
func lessLoaded(a, b runner.Runner, assigned map[string]int) bool {
	ca, cb := capacity(a), capacity(b)
	la, lb := assigned[a.Name()]*cb, assigned[b.Name()]*ca
	if la != lb {
		return la < lb
	}
	return a.Name() < b.Name()
}

func capacity(r runner.Runner) int {
	if c := r.Capacity(); c > 0 {
		return c
	}
	return 1
}

func (g *Gate) logger() logrus.FieldLogger {
	if g.Logger == nil {
		return logrus.StandardLogger()
	}
	return g.Logger
}
