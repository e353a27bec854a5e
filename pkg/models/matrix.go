package models

import "time"

// Capabilities gate the downstream components that act on an entry.
type Capabilities struct {
	GeneratesManifest bool `json:"generates_manifest"`
	TriggersDelivery  bool `json:"triggers_delivery"`
}

// MatrixEntry is one concrete (workspace, task) unit of dispatchable work.
// Entries are produced once per run and never mutated.
type MatrixEntry struct {
	Index          int          `json:"index"`
	Job            string       `json:"job"`
	Workspace      string       `json:"workspace"`
	Task           string       `json:"task"`
	Dir            string       `json:"dir,omitempty"`
	RunnerLabels   []string     `json:"runner_labels"`
	Timeouts       StepTimeouts `json:"timeouts"`
	ArtifactGlobs  []string     `json:"artifact_globs,omitempty"`
	ArtifactPrefix string       `json:"artifact_prefix"`
	Command        []string     `json:"command,omitempty"`
	Capabilities   Capabilities `json:"capabilities"`
}

func (e MatrixEntry) Timeout() time.Duration {
	return e.Timeouts.Execute.Duration
}

// ArtifactName is the bundle key the entry's outputs are uploaded under.
func (e MatrixEntry) ArtifactName() string {
	return e.ArtifactPrefix + e.Task + ".artifacts"
}
