// Package orchestrator drives one pipeline run: resolve the matrix, admit
// entries to runners, dispatch them in parallel, upload artifacts, gate
// delivery on the manifest barrier and notify on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/artifact"
	"github.com/Promptonauts/fleetci/pkg/config"
	"github.com/Promptonauts/fleetci/pkg/delivery"
	"github.com/Promptonauts/fleetci/pkg/dispatch"
	"github.com/Promptonauts/fleetci/pkg/health"
	"github.com/Promptonauts/fleetci/pkg/manifest"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/notify"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/runner"
	"github.com/Promptonauts/fleetci/pkg/secrets"
	"github.com/Promptonauts/fleetci/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type RunRequest struct {
	ConfigPath       string
	Branch           string
	Commit           string
	RunURL           string
	DeliveryWorkflow string
	RunnerLabel      string
}

type RunSummary struct {
	RunID    string                   `json:"runId"`
	Status   models.RunStatus         `json:"status"`
	Entries  []models.MatrixEntry     `json:"entries"`
	Results  []models.TaskResult      `json:"results"`
	Uploads  []models.UploadReport    `json:"uploads"`
	Health   models.HealthReport      `json:"health"`
	Manifest *models.DeliveryManifest `json:"manifest,omitempty"`
	Delivery *models.DispatchAck      `json:"delivery,omitempty"`
	// DeliveryErr is ErrDeliveryUnreachable (or a rejection) for the invoker
	// to act on. It does not fail the run.
	DeliveryErr error `json:"-"`
}

type Orchestrator struct {
	// Pool overrides the runners declared in the config.
	Pool          *runner.Pool
	RunnerOptions runner.HTTPOptions
	Store         store.Store
	Secrets       secrets.Store
	AllowList     secrets.AllowList
	Relay         *artifact.Relay
	// Delivery is used as a template for the per-run trigger; the workflow
	// and branch policy come from the request and the config. An empty
	// Endpoint disables delivery.
	Delivery    delivery.Config
	Notifier    *notify.Sink
	MaxParallel int
	Logger      logrus.FieldLogger
	Metrics     *observability.MetricsRegistry
}

// Run executes one pipeline run. The returned error is non-nil only for
// failures that abort before dispatch (config errors, store errors).
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	runID := uuid.New().String()
	log := o.logger().WithFields(logrus.Fields{"run": runID, "branch": req.Branch, "commit": req.Commit})
	summary := RunSummary{RunID: runID, Status: models.RunAborted}

	cfg, err := config.Load(req.ConfigPath)
	if err != nil {
		return summary, err
	}
	entries, err := config.Expand(cfg, config.Options{RunnerLabel: req.RunnerLabel})
	if err != nil {
		return summary, err
	}
	summary.Entries = entries

	record := &models.RunRecord{
		ID:               runID,
		ConfigPath:       req.ConfigPath,
		Branch:           req.Branch,
		Commit:           req.Commit,
		RunURL:           req.RunURL,
		DeliveryWorkflow: req.DeliveryWorkflow,
		Status:           models.RunRunning,
		Entries:          len(entries),
	}
	if o.Store != nil {
		if err := o.Store.CreateRun(record); err != nil {
			return summary, fmt.Errorf("create run: %w", err)
		}
	}

	pool := o.Pool
	if pool == nil {
		pool, err = runner.FromConfig(cfg.Runners, o.RunnerOptions)
		if err != nil {
			o.abort(record, err)
			return summary, fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
		}
	}

	var trigger *delivery.Trigger
	if o.Delivery.Endpoint != "" && req.DeliveryWorkflow != "" {
		dcfg := o.Delivery
		dcfg.Workflow = req.DeliveryWorkflow
		dcfg.BranchPolicy = cfg.Branch
		trigger, err = delivery.New(dcfg)
		if err != nil {
			o.abort(record, err)
			return summary, err
		}
	}

	if o.Metrics != nil {
		o.Metrics.Counter("runs_total").Inc()
	}
	log.WithField("entries", len(entries)).Info("matrix resolved")

	gate := &health.Gate{
		Timeout: cfg.Timeouts.Merge(models.DefaultStepTimeouts).Health.Duration,
		Logger:  log,
		Metrics: o.Metrics,
	}
	summary.Health = gate.CheckHealth(ctx, pool, entries)

	dispatcher := &dispatch.Dispatcher{
		Pool:      pool,
		Secrets:   o.Secrets,
		AllowList: o.AllowList,
		Logger:    log,
		Metrics:   o.Metrics,
	}
	run := dispatch.RunContext{ID: runID, Branch: req.Branch, Commit: req.Commit}
	tracker := manifest.NewTracker(runID, req.Branch, req.Commit, entries)

	var deliveryWG sync.WaitGroup
	deliveryWG.Add(1)
	go func() {
		defer deliveryWG.Done()
		o.deliver(ctx, log, tracker, trigger, record, &summary, req)
	}()

	results := make([]models.TaskResult, len(entries))
	uploads := make([]models.UploadReport, len(entries))
	var eg errgroup.Group
	if o.MaxParallel > 0 {
		eg.SetLimit(o.MaxParallel)
	}
	for i, entry := range entries {
		i, entry := i, entry
		eg.Go(func() error {
			results[i], uploads[i] = o.runEntry(ctx, log, run, entry, summary.Health.Admissions[entry.Job], dispatcher, tracker, req)
			return nil
		})
	}
	_ = eg.Wait()
	deliveryWG.Wait()

	summary.Results = results
	summary.Uploads = uploads
	statuses := make([]models.TaskStatus, 0, len(results))
	for _, r := range results {
		statuses = append(statuses, r.Status)
	}
	summary.Status = models.RunStatusFor(models.WorstStatus(statuses...))
	if ctx.Err() != nil {
		summary.Status = models.RunAborted
		record.Error = ctx.Err().Error()
	}

	now := time.Now().UTC()
	record.Status = summary.Status
	record.CompletedAt = &now
	record.Delivered = summary.Delivery != nil
	if o.Store != nil {
		if err := o.Store.UpdateRun(record); err != nil {
			log.WithError(err).Error("persist run status")
		}
	}
	log.WithField("status", summary.Status).WithField("delivered", record.Delivered).Info("run finished")
	return summary, nil
}

func (o *Orchestrator) runEntry(ctx context.Context, log logrus.FieldLogger, run dispatch.RunContext, entry models.MatrixEntry, admission models.Admission, dispatcher *dispatch.Dispatcher, tracker *manifest.Tracker, req RunRequest) (models.TaskResult, models.UploadReport) {
	var result models.TaskResult
	if admission.Admitted() {
		result = dispatcher.Dispatch(ctx, run, entry, admission.Runner)
	} else {
		reason := admission.Err
		if reason == nil {
			reason = fmt.Errorf("%w: entry was not admitted", models.ErrRunnerPoolExhausted)
		}
		result = dispatch.Skipped(run, entry, reason)
		o.appendLog(run.ID, "warn", entry.Job, "", result.Reason)
	}

	// artifacts go up before the result can release the manifest barrier
	var report models.UploadReport
	if o.Relay != nil {
		report = o.Relay.Upload(context.WithoutCancel(ctx), entry, result)
	} else {
		report = models.UploadReport{Job: entry.Job, Key: entry.ArtifactName(), Error: "no artifact relay configured"}
	}
	tracker.Record(result)

	if o.Store != nil {
		if err := o.Store.SaveTaskResult(result); err != nil {
			log.WithField("job", entry.Job).WithError(err).Error("persist task result")
		}
		if err := o.Store.SaveUploadReport(run.ID, report); err != nil {
			log.WithField("job", entry.Job).WithError(err).Error("persist upload report")
		}
	}
	o.appendLog(run.ID, levelFor(result.Status), entry.Job, "", fmt.Sprintf("%s %s", entry.Job, result.Status))

	if entry.Capabilities.GeneratesManifest && result.Status != models.TaskSucceeded && o.Notifier.Enabled() {
		o.Notifier.Notify(ctx, models.FailureContext{
			RunID:  run.ID,
			RunURL: req.RunURL,
			Job:    entry.Job,
			Status: result.Status,
			Reason: result.Reason,
			Branch: req.Branch,
			Commit: req.Commit,
		})
	}
	return result, report
}

// deliver waits on the manifest barrier, finalizes and fires the trigger.
func (o *Orchestrator) deliver(ctx context.Context, log logrus.FieldLogger, tracker *manifest.Tracker, trigger *delivery.Trigger, record *models.RunRecord, summary *RunSummary, req RunRequest) {
	if err := tracker.Wait(ctx); err != nil {
		log.WithField("pending", tracker.Pending()).WithError(err).Warn("manifest barrier not reached")
		return
	}
	m, ok := tracker.Finalize()
	if !ok {
		return
	}
	summary.Manifest = m
	if o.Store != nil {
		if err := o.Store.SaveManifest(m); err != nil {
			log.WithError(err).Error("persist manifest")
		}
	}
	if m.Empty() {
		log.Info("manifest empty, delivery suppressed")
		return
	}
	if trigger == nil {
		return
	}

	ack, err := trigger.Trigger(ctx, m, req.Branch, req.Commit)
	switch {
	case errors.Is(err, delivery.ErrNotEligible):
		log.WithError(err).Info("delivery skipped")
	case err != nil:
		summary.DeliveryErr = err
		log.WithError(err).Error("delivery dispatch failed")
		o.appendLog(record.ID, "error", "", "", err.Error())
	default:
		summary.Delivery = &ack
		if o.Metrics != nil {
			o.Metrics.Counter("deliveries_total").Inc()
		}
		if o.Store != nil {
			if err := o.Store.RecordDelivery(record.ID, ack); err != nil {
				log.WithError(err).Error("persist delivery")
			}
		}
		o.appendLog(record.ID, "info", "", "", fmt.Sprintf("delivery %s dispatched for %s@%s", ack.Workflow, ack.Branch, ack.Commit))
		log.WithField("workflow", ack.Workflow).Info("delivery dispatched")
	}
}

func (o *Orchestrator) abort(record *models.RunRecord, err error) {
	if o.Store == nil {
		return
	}
	now := time.Now().UTC()
	record.Status = models.RunAborted
	record.Error = err.Error()
	record.CompletedAt = &now
	if uerr := o.Store.UpdateRun(record); uerr != nil {
		o.logger().WithError(uerr).Error("persist aborted run")
	}
}

func (o *Orchestrator) appendLog(runID, level, job string, step models.StepName, msg string) {
	if o.Store == nil {
		return
	}
	if err := o.Store.AppendRunLog(runID, models.RunLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Job:       job,
		Step:      step,
		Message:   msg,
	}); err != nil {
		o.logger().WithError(err).Debug("append run log")
	}
}

func levelFor(s models.TaskStatus) string {
	if s == models.TaskSucceeded {
		return "info"
	}
	return "warn"
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}
