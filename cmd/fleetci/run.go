package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Promptonauts/fleetci/pkg/artifact"
	"github.com/Promptonauts/fleetci/pkg/delivery"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/notify"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/orchestrator"
	"github.com/Promptonauts/fleetci/pkg/runner"
	"github.com/Promptonauts/fleetci/pkg/secrets"
	"github.com/spf13/cobra"
)

type runOutput struct {
	orchestrator.RunSummary
	DeliveryError string `json:"deliveryError,omitempty"`
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		Args:  cobra.NoArgs,
		RunE:  a.runPipeline,
	}
	f := cmd.Flags()
	f.String("config", "fleetci.yaml", "pipeline config path")
	f.String("delivery-workflow", "", "downstream workflow dispatched on a qualifying run")
	f.String("runner-label", "", "runner queue label added to every entry")
	f.String("notify-url", "", "webhook notified when a manifest-generating entry does not succeed")
	f.String("secrets", "", "comma-separated secret names or patterns passed to the execute step")
	f.String("secrets-file", "", "dotenv file to read secrets from instead of the environment")
	f.String("secrets-env-prefix", "FLEETCI_SECRET_", "environment prefix secrets are read from")

	f.String("branch", "", "branch under test")
	f.String("commit", "", "commit under test")
	f.String("run-url", "", "link included in failure notifications")

	f.String("dispatch-url", "", "pipeline dispatch API endpoint")
	f.String("dispatch-token", "", "bearer token for the dispatch API")
	f.Duration("dispatch-timeout", 30*time.Second, "dispatch request timeout")
	f.String("runner-token", "", "bearer token for runner agents")
	f.Int("probe-retries", 2, "runner health probe retries")
	f.Int("max-parallel", 0, "maximum entries in flight (0 is unlimited)")

	f.String("artifact-dir", "artifacts", "directory artifacts are uploaded to when no object store is set")
	f.String("minio-endpoint", "", "S3-compatible endpoint for artifact uploads")
	f.String("minio-access-key", "", "object store access key")
	f.String("minio-secret-key", "", "object store secret key")
	f.String("minio-bucket", "fleetci-artifacts", "object store bucket")
	f.String("minio-region", "", "object store region")
	f.Bool("minio-ssl", true, "use TLS for the object store")
	return cmd
}

func (a *app) runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	v := a.v

	allow, err := secrets.ParseAllowList(v.GetString("secrets"))
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	var secretStore secrets.Store = secrets.EnvStore{Prefix: v.GetString("secrets-env-prefix")}
	if path := v.GetString("secrets-file"); path != "" {
		secretStore = secrets.DotenvStore{Path: path}
	}

	artifacts, err := a.artifactStore(ctx)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := observability.NewMetricsRegistry()
	notifier := notify.New(notify.Config{WebhookURL: v.GetString("notify-url"), Retries: 3}, a.logger, metrics)

	orch := &orchestrator.Orchestrator{
		RunnerOptions: runner.HTTPOptions{
			ProbeRetries: v.GetInt("probe-retries"),
			Token:        v.GetString("runner-token"),
		},
		Store:     st,
		Secrets:   secretStore,
		AllowList: allow,
		Relay:     &artifact.Relay{Store: artifacts, Logger: a.logger, Metrics: metrics},
		Delivery: delivery.Config{
			Endpoint: v.GetString("dispatch-url"),
			Token:    v.GetString("dispatch-token"),
			Timeout:  v.GetDuration("dispatch-timeout"),
		},
		Notifier:    notifier,
		MaxParallel: v.GetInt("max-parallel"),
		Logger:      a.logger,
		Metrics:     metrics,
	}

	summary, runErr := orch.Run(ctx, orchestrator.RunRequest{
		ConfigPath:       v.GetString("config"),
		Branch:           v.GetString("branch"),
		Commit:           v.GetString("commit"),
		RunURL:           v.GetString("run-url"),
		DeliveryWorkflow: v.GetString("delivery-workflow"),
		RunnerLabel:      v.GetString("runner-label"),
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := notifier.Close(closeCtx); err != nil {
		a.logger.WithError(err).Warn("notifications still in flight")
	}

	if runErr != nil {
		return runErr
	}

	out := runOutput{RunSummary: summary}
	if summary.DeliveryErr != nil {
		out.DeliveryError = summary.DeliveryErr.Error()
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	switch {
	case summary.Status != models.RunSucceeded:
		return &exitError{code: exitRunFailed, err: fmt.Errorf("run %s finished %s", summary.RunID, summary.Status)}
	case errors.Is(summary.DeliveryErr, models.ErrDeliveryUnreachable):
		return &exitError{code: exitDeliveryUnreachable, err: summary.DeliveryErr}
	case summary.DeliveryErr != nil:
		return &exitError{code: exitRunFailed, err: summary.DeliveryErr}
	}
	return nil
}

func (a *app) artifactStore(ctx context.Context) (artifact.Store, error) {
	v := a.v
	if v.GetString("minio-endpoint") == "" {
		return artifact.DirStore{Root: v.GetString("artifact-dir")}, nil
	}
	cfg := artifact.MinioConfig{
		Endpoint:  v.GetString("minio-endpoint"),
		AccessKey: v.GetString("minio-access-key"),
		SecretKey: v.GetString("minio-secret-key"),
		Region:    v.GetString("minio-region"),
		Bucket:    v.GetString("minio-bucket"),
		UseSSL:    v.GetBool("minio-ssl"),
	}
	ms, err := artifact.NewMinioStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := ms.EnsureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return ms, nil
}
