// Package notify posts best-effort failure notifications to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

type Config struct {
	WebhookURL string
	Retries    int
	Timeout    time.Duration
}

// Sink never blocks its caller and never returns an error. A Sink without a
// webhook URL drops every notification.
type Sink struct {
	url     string
	timeout time.Duration
	client  *retryablehttp.Client
	logger  logrus.FieldLogger
	metrics *observability.MetricsRegistry
	wg      sync.WaitGroup
}

func New(cfg Config, logger logrus.FieldLogger, metrics *observability.MetricsRegistry) *Sink {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sink{url: cfg.WebhookURL, timeout: timeout, client: client, logger: logger, metrics: metrics}
}

func (s *Sink) Enabled() bool {
	return s != nil && s.url != ""
}

type payload struct {
	Text   string `json:"text"`
	RunURL string `json:"run_url,omitempty"`
	RunID  string `json:"run_id"`
	Job    string `json:"job"`
	Status string `json:"status"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// Notify sends in the background. The caller's context only contributes its
// values; cancelling it does not abort the send.
func (s *Sink) Notify(ctx context.Context, fc models.FailureContext) {
	if !s.Enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.send(sendCtx, fc); err != nil {
			s.logger.WithFields(logrus.Fields{"run": fc.RunID, "job": fc.Job}).
				WithError(fmt.Errorf("%w: %v", models.ErrNotificationFailure, err)).
				Warn("failure notification not delivered")
			if s.metrics != nil {
				s.metrics.Counter("notifications_failed_total").Inc()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.Counter("notifications_total").Inc()
		}
	}()
}

func (s *Sink) send(ctx context.Context, fc models.FailureContext) error {
	text := fmt.Sprintf("%s %s on %s", fc.Job, fc.Status, fc.Branch)
	if fc.Reason != "" {
		text += ": " + fc.Reason
	}
	if fc.RunURL != "" {
		text += " (" + fc.RunURL + ")"
	}
	body, err := json.Marshal(payload{
		Text:   text,
		RunURL: fc.RunURL,
		RunID:  fc.RunID,
		Job:    fc.Job,
		Status: string(fc.Status),
		Branch: fc.Branch,
		Commit: fc.Commit,
	})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Close waits for in-flight notifications until ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
