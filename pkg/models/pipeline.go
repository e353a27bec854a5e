package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type PipelineConfig struct {
	Branch                string            `yaml:"branch" json:"branch"`
	GenerateManifest      bool              `yaml:"generate_manifest" json:"generate_manifest"`
	Delivery              bool              `yaml:"delivery" json:"delivery"`
	ArtifactPaths         []string          `yaml:"artifact_paths,omitempty" json:"artifact_paths,omitempty"`
	ArtifactUploadPattern string            `yaml:"artifact_upload_pattern,omitempty" json:"artifact_upload_pattern,omitempty"`
	Timeouts              StepTimeouts      `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	Runners               []RunnerConfig    `yaml:"runners" json:"runners"`
	Workspaces            []WorkspaceConfig `yaml:"workspaces" json:"workspaces"`
}

type WorkspaceConfig struct {
	Name             string       `yaml:"name" json:"name"`
	Dir              string       `yaml:"dir,omitempty" json:"dir,omitempty"`
	RunsOn           []string     `yaml:"runs_on,omitempty" json:"runs_on,omitempty"`
	ArtifactPaths    []string     `yaml:"artifact_paths,omitempty" json:"artifact_paths,omitempty"`
	GenerateManifest *bool        `yaml:"generate_manifest,omitempty" json:"generate_manifest,omitempty"`
	Delivery         *bool        `yaml:"delivery,omitempty" json:"delivery,omitempty"`
	Timeouts         StepTimeouts `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	Tasks            []TaskConfig `yaml:"tasks" json:"tasks"`
}

type TaskConfig struct {
	Name             string   `yaml:"name" json:"name"`
	Timeout          Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Command          []string `yaml:"command,omitempty" json:"command,omitempty"`
	ArtifactPaths    []string `yaml:"artifact_paths,omitempty" json:"artifact_paths,omitempty"`
	GenerateManifest *bool    `yaml:"generate_manifest,omitempty" json:"generate_manifest,omitempty"`
	Delivery         *bool    `yaml:"delivery,omitempty" json:"delivery,omitempty"`
}

// RunnerConfig describes one execution host. URL "local" selects the
// in-process runner.
type RunnerConfig struct {
	Name     string   `yaml:"name" json:"name"`
	URL      string   `yaml:"url" json:"url"`
	Labels   []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Capacity int      `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

type StepTimeouts struct {
	Health    Duration `yaml:"health,omitempty" json:"health,omitempty"`
	Freshness Duration `yaml:"freshness,omitempty" json:"freshness,omitempty"`
	Execute   Duration `yaml:"execute,omitempty" json:"execute,omitempty"`
	Manifest  Duration `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	Upload    Duration `yaml:"upload,omitempty" json:"upload,omitempty"`
}

// Merge returns t with every unset field taken from fallback.
func (t StepTimeouts) Merge(fallback StepTimeouts) StepTimeouts {
	pick := func(v, def Duration) Duration {
		if v.Duration != 0 {
			return v
		}
		return def
	}
	return StepTimeouts{
		Health:    pick(t.Health, fallback.Health),
		Freshness: pick(t.Freshness, fallback.Freshness),
		Execute:   pick(t.Execute, fallback.Execute),
		Manifest:  pick(t.Manifest, fallback.Manifest),
		Upload:    pick(t.Upload, fallback.Upload),
	}
}

func (t StepTimeouts) For(step StepName) time.Duration {
	switch step {
	case StepHealth:
		return t.Health.Duration
	case StepFreshness:
		return t.Freshness.Duration
	case StepExecute:
		return t.Execute.Duration
	case StepManifest:
		return t.Manifest.Duration
	case StepUpload:
		return t.Upload.Duration
	}
	return 0
}

var DefaultStepTimeouts = StepTimeouts{
	Health:    Duration{30 * time.Second},
	Freshness: Duration{2 * time.Minute},
	Execute:   Duration{30 * time.Minute},
	Manifest:  Duration{10 * time.Minute},
	Upload:    Duration{10 * time.Minute},
}

// Duration accepts Go duration strings ("90s", "30m") or a bare number of
// seconds in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' {
		return fmt.Errorf("duration must be a string")
	}
	parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
