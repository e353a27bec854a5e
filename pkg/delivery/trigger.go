// Package delivery dispatches the downstream delivery pipeline once a run
// produces a qualifying manifest.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/config"
	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/oauth2"
)

// ErrNotEligible means the trigger conditions were not met and nothing was
// sent.
var ErrNotEligible = errors.New("delivery not eligible")

type Config struct {
	// Endpoint is the pipeline dispatch API URL.
	Endpoint string
	Workflow string
	Token    string
	// BranchPolicy is a comma-separated list of branch names or globs.
	BranchPolicy string
	Timeout      time.Duration
	Client       *http.Client
}

type Trigger struct {
	endpoint string
	workflow string
	policy   []string
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	state map[string]fireState
}

type fireState int

const (
	stateInFlight fireState = iota + 1
	stateFired
)

func New(cfg Config) (*Trigger, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("delivery: endpoint is required")
	}
	if strings.TrimSpace(cfg.Workflow) == "" {
		return nil, errors.New("delivery: workflow is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	}
	if cfg.Timeout > 0 {
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}
	return &Trigger{
		endpoint: cfg.Endpoint,
		workflow: cfg.Workflow,
		policy:   config.BranchPatterns(cfg.BranchPolicy),
		client:   client,
		now:      func() time.Time { return time.Now().UTC() },
		state:    map[string]fireState{},
	}, nil
}

// Eligible reports whether branch matches the delivery branch policy. An
// empty policy matches nothing.
func (t *Trigger) Eligible(branch string) bool {
	for _, p := range t.policy {
		if ok, _ := doublestar.Match(p, branch); ok {
			return true
		}
	}
	return false
}

type dispatchRequest struct {
	Workflow string            `json:"workflow"`
	Ref      string            `json:"ref"`
	Inputs   map[string]string `json:"inputs"`
}

// Trigger sends the dispatch request at most once per branch. Failed sends
// release the guard so the external scheduler can retry the run.
func (t *Trigger) Trigger(ctx context.Context, manifest *models.DeliveryManifest, branch, commit string) (models.DispatchAck, error) {
	switch {
	case manifest.Empty():
		return models.DispatchAck{}, fmt.Errorf("%w: manifest is empty", ErrNotEligible)
	case !manifest.TriggersDelivery():
		return models.DispatchAck{}, fmt.Errorf("%w: no manifest entry triggers delivery", ErrNotEligible)
	case !t.Eligible(branch):
		return models.DispatchAck{}, fmt.Errorf("%w: branch %q does not match policy", ErrNotEligible, branch)
	}

	t.mu.Lock()
	if _, busy := t.state[branch]; busy {
		t.mu.Unlock()
		return models.DispatchAck{}, fmt.Errorf("%w: branch %q", models.ErrAlreadyTriggered, branch)
	}
	t.state[branch] = stateInFlight
	t.mu.Unlock()

	ack, err := t.send(ctx, manifest, branch, commit)

	t.mu.Lock()
	if err != nil {
		delete(t.state, branch)
	} else {
		t.state[branch] = stateFired
	}
	t.mu.Unlock()
	return ack, err
}

func (t *Trigger) send(ctx context.Context, manifest *models.DeliveryManifest, branch, commit string) (models.DispatchAck, error) {
	body, err := json.Marshal(dispatchRequest{
		Workflow: t.workflow,
		Ref:      branch,
		Inputs:   map[string]string{"commit": commit, "run_id": manifest.RunID},
	})
	if err != nil {
		return models.DispatchAck{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.DispatchAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return models.DispatchAck{}, fmt.Errorf("%w: %v", models.ErrDeliveryUnreachable, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 500:
		return models.DispatchAck{}, fmt.Errorf("%w: status %d: %s", models.ErrDeliveryUnreachable, resp.StatusCode, strings.TrimSpace(string(msg)))
	case resp.StatusCode >= 300:
		return models.DispatchAck{}, fmt.Errorf("delivery rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return models.DispatchAck{
		Workflow:   t.workflow,
		Branch:     branch,
		Commit:     commit,
		StatusCode: resp.StatusCode,
		SentAt:     t.now(),
	}, nil
}
