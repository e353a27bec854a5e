package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/hashicorp/go-retryablehttp"
)

type HTTPOptions struct {
	// ProbeRetries is the number of extra attempts a health probe makes.
	ProbeRetries int
	Token        string
	Client       *http.Client
}

// HTTPRunner drives a remote runner agent. Probes retry; step calls never do.
type HTTPRunner struct {
	name     string
	baseURL  string
	labels   []string
	capacity int
	token    string
	probe    *retryablehttp.Client
	steps    *http.Client
}

func NewHTTP(cfg models.RunnerConfig, opts HTTPOptions) (*HTTPRunner, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("runner %q: url must be http(s), got %q", cfg.Name, cfg.URL)
	}
	probe := retryablehttp.NewClient()
	probe.Logger = nil
	probe.RetryMax = opts.ProbeRetries
	probe.RetryWaitMin = 200 * time.Millisecond
	probe.RetryWaitMax = 2 * time.Second
	steps := opts.Client
	if steps == nil {
		steps = &http.Client{}
	} else {
		probe.HTTPClient = steps
	}
	return &HTTPRunner{
		name:     cfg.Name,
		baseURL:  base,
		labels:   append([]string(nil), cfg.Labels...),
		capacity: cfg.Capacity,
		token:    opts.Token,
		probe:    probe,
		steps:    steps,
	}, nil
}

func (r *HTTPRunner) Name() string     { return r.name }
func (r *HTTPRunner) Labels() []string { return r.labels }
func (r *HTTPRunner) Capacity() int    { return r.capacity }

func (r *HTTPRunner) Probe(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	r.authorize(req.Header)
	resp, err := r.probe.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", r.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", r.name, resp.StatusCode)
	}
	return nil
}

func (r *HTTPRunner) RunStep(ctx context.Context, step StepRequest) (StepResponse, error) {
	body, err := json.Marshal(step)
	if err != nil {
		return StepResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/steps", bytes.NewReader(body))
	if err != nil {
		return StepResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req.Header)

	resp, err := r.steps.Do(req)
	if err != nil {
		return StepResponse{}, fmt.Errorf("runner %s %s: %w", r.name, step.Step, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return StepResponse{}, fmt.Errorf("runner %s %s: read: %w", r.name, step.Step, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StepResponse{}, fmt.Errorf("runner %s %s: status %d: %s", r.name, step.Step, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out StepResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return StepResponse{}, fmt.Errorf("runner %s %s: decode: %w", r.name, step.Step, err)
	}
	switch out.Status {
	case StepPassed, StepFailed, StepStale:
	default:
		return StepResponse{}, fmt.Errorf("runner %s %s: unknown status %q", r.name, step.Step, out.Status)
	}
	return out, nil
}

func (r *HTTPRunner) authorize(h http.Header) {
	if r.token != "" {
		h.Set("Authorization", "Bearer "+r.token)
	}
}
