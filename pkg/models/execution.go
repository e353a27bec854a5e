package models

import "time"

type TaskStatus string

const (
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed-out"
	TaskSkipped   TaskStatus = "skipped"
)

// Severity orders statuses from best to worst for run-level aggregation.
func (s TaskStatus) Severity() int {
	switch s {
	case TaskSucceeded:
		return 0
	case TaskSkipped:
		return 1
	case TaskTimedOut:
		return 2
	case TaskFailed:
		return 3
	}
	return 3
}

func WorstStatus(statuses ...TaskStatus) TaskStatus {
	worst := TaskSucceeded
	for _, s := range statuses {
		if s.Severity() > worst.Severity() {
			worst = s
		}
	}
	return worst
}

type StepName string

const (
	StepHealth    StepName = "health"
	StepFreshness StepName = "freshness"
	StepExecute   StepName = "execute"
	StepManifest  StepName = "manifest"
	StepUpload    StepName = "upload"
)

type StepResult struct {
	Name       StepName   `json:"name"`
	Status     TaskStatus `json:"status"`
	DurationMs int64      `json:"durationMs"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type TaskResult struct {
	RunID      string       `json:"runId"`
	Job        string       `json:"job"`
	Workspace  string       `json:"workspace"`
	Task       string       `json:"task"`
	Runner     string       `json:"runner,omitempty"`
	Status     TaskStatus   `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Steps      []StepResult `json:"steps,omitempty"`
	Artifacts  []string     `json:"artifacts,omitempty"`
	DurationMs int64        `json:"durationMs"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

func (r TaskResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

type RunRecord struct {
	ID               string     `json:"id"`
	ConfigPath       string     `json:"configPath"`
	Branch           string     `json:"branch"`
	Commit           string     `json:"commit"`
	RunURL           string     `json:"runUrl,omitempty"`
	DeliveryWorkflow string     `json:"deliveryWorkflow,omitempty"`
	Status           RunStatus  `json:"status"`
	Entries          int        `json:"entries"`
	Error            string     `json:"error,omitempty"`
	Delivered        bool       `json:"delivered"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed-out"
	RunSkipped   RunStatus = "skipped"
	RunAborted   RunStatus = "aborted"
)

// RunStatusFor maps the worst entry status onto the run.
func RunStatusFor(worst TaskStatus) RunStatus {
	switch worst {
	case TaskSucceeded:
		return RunSucceeded
	case TaskSkipped:
		return RunSkipped
	case TaskTimedOut:
		return RunTimedOut
	}
	return RunFailed
}

type RunLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Job       string    `json:"job,omitempty"`
	Step      StepName  `json:"step,omitempty"`
	Message   string    `json:"message"`
}
