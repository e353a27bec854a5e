// Package manifest aggregates the results of manifest-generating entries
// into the delivery manifest. The Tracker is the barrier delivery waits on.
package manifest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
)

type Tracker struct {
	runID  string
	branch string
	commit string
	now    func() time.Time

	mu       sync.Mutex
	flagged  map[string]models.MatrixEntry
	results  map[string]models.TaskResult
	done     chan struct{}
	final    *models.DeliveryManifest
	finished bool
}

// NewTracker counts the entries that generate a manifest. Entries without the
// capability are never waited on.
func NewTracker(runID, branch, commit string, entries []models.MatrixEntry) *Tracker {
	t := &Tracker{
		runID:   runID,
		branch:  branch,
		commit:  commit,
		now:     func() time.Time { return time.Now().UTC() },
		flagged: map[string]models.MatrixEntry{},
		results: map[string]models.TaskResult{},
		done:    make(chan struct{}),
	}
	for _, e := range entries {
		if e.Capabilities.GeneratesManifest {
			t.flagged[e.Job] = e
		}
	}
	if len(t.flagged) == 0 {
		close(t.done)
	}
	return t
}

// Record stores a result. Results for unflagged or unknown jobs and repeat
// results for a job are ignored.
func (t *Tracker) Record(result models.TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.flagged[result.Job]; !ok {
		return
	}
	if _, seen := t.results[result.Job]; seen {
		return
	}
	t.results[result.Job] = result
	if len(t.results) == len(t.flagged) {
		close(t.done)
	}
}

// Pending returns the flagged jobs that have not reported, sorted.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for job := range t.flagged {
		if _, ok := t.results[job]; !ok {
			out = append(out, job)
		}
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every flagged entry has reported or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize returns false until every flagged entry has reported. After that
// it returns the same manifest on every call. The manifest has no entries if
// any flagged entry did not succeed.
func (t *Tracker) Finalize() (*models.DeliveryManifest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return t.final, true
	}
	if len(t.results) < len(t.flagged) {
		return nil, false
	}

	m := &models.DeliveryManifest{
		RunID:       t.runID,
		Branch:      t.branch,
		Commit:      t.commit,
		GeneratedAt: t.now(),
		Entries:     []models.ManifestEntry{},
	}
	jobs := make([]string, 0, len(t.results))
	for job := range t.results {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	suppressed := false
	for _, job := range jobs {
		r := t.results[job]
		if r.Status != models.TaskSucceeded {
			suppressed = true
			break
		}
		m.Entries = append(m.Entries, models.ManifestEntry{
			Job:              job,
			Workspace:        r.Workspace,
			Task:             r.Task,
			Status:           r.Status,
			Artifacts:        append([]string(nil), r.Artifacts...),
			TriggersDelivery: t.flagged[job].Capabilities.TriggersDelivery,
		})
	}
	if suppressed {
		m.Entries = []models.ManifestEntry{}
	}
	t.final = m
	t.finished = true
	return m, true
}
