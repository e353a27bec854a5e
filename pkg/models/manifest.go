package models

import "time"

type ManifestEntry struct {
	Job              string     `json:"job"`
	Workspace        string     `json:"workspace"`
	Task             string     `json:"task"`
	Status           TaskStatus `json:"status"`
	Artifacts        []string   `json:"artifacts,omitempty"`
	TriggersDelivery bool       `json:"triggersDelivery"`
}

// DeliveryManifest aggregates the results of manifest-generating entries.
// An empty Entries slice means delivery is suppressed.
type DeliveryManifest struct {
	RunID       string          `json:"runId"`
	Branch      string          `json:"branch"`
	Commit      string          `json:"commit"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Entries     []ManifestEntry `json:"entries"`
}

func (m *DeliveryManifest) Empty() bool {
	return m == nil || len(m.Entries) == 0
}

func (m *DeliveryManifest) TriggersDelivery() bool {
	if m.Empty() {
		return false
	}
	for _, e := range m.Entries {
		if e.TriggersDelivery {
			return true
		}
	}
	return false
}

type RunnerHealth struct {
	Runner    string `json:"runner"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

type Admission struct {
	Job    string `json:"job"`
	Runner string `json:"runner,omitempty"`
	// Err is ErrRunnerUnhealthy or ErrRunnerPoolExhausted when the entry was
	// not admitted.
	Err error `json:"-"`
}

func (a Admission) Admitted() bool {
	return a.Err == nil && a.Runner != ""
}

type HealthReport struct {
	Runners    map[string]RunnerHealth `json:"runners"`
	Admissions map[string]Admission    `json:"admissions"`
}

type UploadReport struct {
	Job      string   `json:"job"`
	Key      string   `json:"key"`
	Files    []string `json:"files,omitempty"`
	Bytes    int64    `json:"bytes"`
	Uploaded bool     `json:"uploaded"`
	Error    string   `json:"error,omitempty"`
}

type DispatchAck struct {
	Workflow   string    `json:"workflow"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit"`
	StatusCode int       `json:"statusCode"`
	SentAt     time.Time `json:"sentAt"`
}

type FailureContext struct {
	RunID  string     `json:"runId"`
	RunURL string     `json:"runUrl,omitempty"`
	Job    string     `json:"job"`
	Status TaskStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Branch string     `json:"branch,omitempty"`
	Commit string     `json:"commit,omitempty"`
}
