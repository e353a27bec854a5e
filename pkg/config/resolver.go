// Package config loads declarative pipeline configs and expands them into the
// job matrix that every other component consumes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Options carries per-run inputs that are not part of the config file.
type Options struct {
	// RunnerLabel is the runner queue label added to every entry.
	RunnerLabel string
}

// Resolve loads the config at path and expands it into the matrix.
func Resolve(path string, opts Options) ([]models.MatrixEntry, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Expand(cfg, opts)
}

func Load(path string) (models.PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return models.PipelineConfig{}, fmt.Errorf("%w: %s: %v", models.ErrConfigNotFound, path, err)
		}
		return models.PipelineConfig{}, fmt.Errorf("%w: read %s: %v", models.ErrConfigNotFound, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return models.PipelineConfig{}, err
	}
	for i := range cfg.Workspaces {
		ws := &cfg.Workspaces[i]
		if ws.Dir != "" && !filepath.IsAbs(ws.Dir) {
			ws.Dir = filepath.Join(filepath.Dir(path), ws.Dir)
		}
	}
	return cfg, nil
}

// Parse decodes and validates a config document. Unknown keys are rejected.
func Parse(data []byte) (models.PipelineConfig, error) {
	var cfg models.PipelineConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return models.PipelineConfig{}, fmt.Errorf("%w: empty document", models.ErrConfigInvalid)
		}
		return models.PipelineConfig{}, fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
	}
	if err := Validate(cfg); err != nil {
		return models.PipelineConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg models.PipelineConfig) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(cfg.Workspaces) == 0 {
		add("at least one workspace is required")
	}
	checkTimeouts("timeouts", cfg.Timeouts, add)
	checkGlobs("artifact_paths", cfg.ArtifactPaths, add)
	if cfg.ArtifactUploadPattern != "" && strings.ContainsAny(cfg.ArtifactUploadPattern, " \t\n") {
		add("artifact_upload_pattern must not contain whitespace")
	}
	for _, pattern := range BranchPatterns(cfg.Branch) {
		if !doublestar.ValidatePattern(pattern) {
			add("branch pattern %q is invalid", pattern)
		}
	}

	runners := map[string]bool{}
	for i, r := range cfg.Runners {
		where := fmt.Sprintf("runners[%d]", i)
		if !namePattern.MatchString(r.Name) {
			add("%s: name %q is invalid", where, r.Name)
		}
		if runners[r.Name] {
			add("%s: duplicate runner %q", where, r.Name)
		}
		runners[r.Name] = true
		if strings.TrimSpace(r.URL) == "" {
			add("%s: url is required", where)
		}
		if r.Capacity < 0 {
			add("%s: capacity must not be negative", where)
		}
	}

	seen := map[string]bool{}
	jobs := map[string]string{}
	for i, ws := range cfg.Workspaces {
		where := fmt.Sprintf("workspaces[%d]", i)
		if !namePattern.MatchString(ws.Name) {
			add("%s: name %q is invalid", where, ws.Name)
		}
		checkTimeouts(where+".timeouts", ws.Timeouts, add)
		checkGlobs(where+".artifact_paths", ws.ArtifactPaths, add)
		if len(ws.Tasks) == 0 {
			add("%s: at least one task is required", where)
		}
		for j, task := range ws.Tasks {
			twhere := fmt.Sprintf("%s.tasks[%d]", where, j)
			if !namePattern.MatchString(task.Name) {
				add("%s: name %q is invalid", twhere, task.Name)
			}
			if task.Timeout.Duration < 0 {
				add("%s: timeout must be positive", twhere)
			}
			checkGlobs(twhere+".artifact_paths", task.ArtifactPaths, add)
			key := ws.Name + "/" + task.Name
			if seen[key] {
				add("%s: duplicate task %q in workspace %q", twhere, task.Name, ws.Name)
				continue
			}
			seen[key] = true
			// job ids and artifact keys are derived from the job, so they
			// must not collide across workspaces
			job := jobID(ws.Name, task.Name)
			if other, ok := jobs[job]; ok {
				add("%s: job %q collides with %s", twhere, job, other)
				continue
			}
			jobs[job] = key
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Expand turns a validated config into matrix entries ordered by workspace
// name then task name. The ordering depends only on the config contents.
func Expand(cfg models.PipelineConfig, opts Options) ([]models.MatrixEntry, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	timeouts := cfg.Timeouts.Merge(models.DefaultStepTimeouts)

	workspaces := make([]models.WorkspaceConfig, len(cfg.Workspaces))
	copy(workspaces, cfg.Workspaces)
	sort.SliceStable(workspaces, func(i, j int) bool { return workspaces[i].Name < workspaces[j].Name })

	var entries []models.MatrixEntry
	for _, ws := range workspaces {
		tasks := make([]models.TaskConfig, len(ws.Tasks))
		copy(tasks, ws.Tasks)
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

		wsTimeouts := ws.Timeouts.Merge(timeouts)
		for _, task := range tasks {
			stepTimeouts := wsTimeouts
			if task.Timeout.Duration > 0 {
				stepTimeouts.Execute = task.Timeout
			}
			entries = append(entries, models.MatrixEntry{
				Index:          len(entries),
				Job:            jobID(ws.Name, task.Name),
				Workspace:      ws.Name,
				Task:           task.Name,
				Dir:            ws.Dir,
				RunnerLabels:   labelSet(ws.RunsOn, opts.RunnerLabel),
				Timeouts:       stepTimeouts,
				ArtifactGlobs:  firstNonEmpty(task.ArtifactPaths, ws.ArtifactPaths, cfg.ArtifactPaths),
				ArtifactPrefix: cfg.ArtifactUploadPattern + ws.Name + "-",
				Command:        append([]string(nil), task.Command...),
				Capabilities: models.Capabilities{
					GeneratesManifest: flag(cfg.GenerateManifest, ws.GenerateManifest, task.GenerateManifest),
					TriggersDelivery:  flag(cfg.Delivery, ws.Delivery, task.Delivery),
				},
			})
		}
	}
	return entries, nil
}

func jobID(workspace, task string) string {
	return workspace + "-" + task
}

// BranchPatterns splits a comma-separated branch policy.
func BranchPatterns(policy string) []string {
	var out []string
	for _, p := range strings.Split(policy, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func checkTimeouts(where string, t models.StepTimeouts, add func(string, ...any)) {
	for _, step := range []models.StepName{models.StepHealth, models.StepFreshness, models.StepExecute, models.StepManifest, models.StepUpload} {
		if t.For(step) < 0 {
			add("%s.%s must be positive", where, step)
		}
	}
}

func checkGlobs(where string, globs []string, add func(string, ...any)) {
	for _, g := range globs {
		if strings.TrimSpace(g) == "" || !doublestar.ValidatePattern(g) {
			add("%s: invalid glob %q", where, g)
		}
	}
}

func labelSet(labels []string, extra string) []string {
	set := map[string]struct{}{}
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			set[l] = struct{}{}
		}
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		set[extra] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return append([]string(nil), l...)
		}
	}
	return nil
}

func flag(global bool, overrides ...*bool) bool {
	v := global
	for _, o := range overrides {
		if o != nil {
			v = *o
		}
	}
	return v
}
