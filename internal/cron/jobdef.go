// Package cron loads job definitions from a directory of Markdown files with
// YAML front-matter and executes their step programs on a schedule.
package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	robcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// StepKind enumerates the closed set of job step variants.
type StepKind int

const (
	StepNewSession StepKind = iota
	StepCompact
	StepModel
	StepPrompt
	StepReload
)

func (k StepKind) String() string {
	switch k {
	case StepNewSession:
		return "new-session"
	case StepCompact:
		return "compact"
	case StepModel:
		return "model"
	case StepPrompt:
		return "prompt"
	case StepReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Step is one entry of a job program. Model is set only for StepModel.
type Step struct {
	Kind  StepKind
	Model string
}

// JobDefinition is one parsed cron job file.
type JobDefinition struct {
	Name     string
	FilePath string
	Schedule string
	Steps    []Step
	// Notify is "" to inherit the daemon default, "none" to suppress, or a
	// room identifier.
	Notify        string
	Enabled       bool
	GracePeriodMs *int
	SessionName   string
	Body          string
}

var jobSessionRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// scheduleParser validates standard 5-field cron expressions.
var scheduleParser = robcron.NewParser(
	robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow,
)

type frontMatter struct {
	Schedule      string `yaml:"schedule"`
	Steps         []any  `yaml:"steps"`
	Notify        any    `yaml:"notify"`
	Enabled       *bool  `yaml:"enabled"`
	GracePeriodMs *int   `yaml:"gracePeriodMs"`
	Session       string `yaml:"session"`
}

// ParseJobFile reads one job file. baseDir determines the job name: the path
// relative to baseDir with ".md" stripped and separators normalized to "/".
// An empty baseDir uses the file's basename.
func ParseJobFile(path, baseDir string) (*JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	front, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("%s: parse front-matter: %w", path, err)
	}

	def := &JobDefinition{
		FilePath: path,
		Schedule: fm.Schedule,
		Enabled:  true,
		Body:     strings.TrimSpace(body),
	}

	if fm.Schedule == "" {
		return nil, fmt.Errorf("%s: schedule is required", path)
	}
	if _, err := scheduleParser.Parse(fm.Schedule); err != nil {
		return nil, fmt.Errorf("%s: invalid schedule %q: %w", path, fm.Schedule, err)
	}

	if len(fm.Steps) == 0 {
		return nil, fmt.Errorf("%s: steps must be a non-empty array", path)
	}
	for i, raw := range fm.Steps {
		step, err := parseStep(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: steps[%d]: %w", path, i, err)
		}
		def.Steps = append(def.Steps, step)
	}

	notify, err := parseNotify(fm.Notify)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Notify = notify

	if fm.Enabled != nil {
		def.Enabled = *fm.Enabled
	}
	if fm.GracePeriodMs != nil {
		if *fm.GracePeriodMs < 0 {
			return nil, fmt.Errorf("%s: gracePeriodMs must be non-negative", path)
		}
		def.GracePeriodMs = fm.GracePeriodMs
	}
	if fm.Session != "" {
		if !jobSessionRe.MatchString(fm.Session) {
			return nil, fmt.Errorf("%s: invalid session %q", path, fm.Session)
		}
		def.SessionName = fm.Session
	}

	for _, s := range def.Steps {
		if s.Kind == StepPrompt && def.Body == "" {
			return nil, fmt.Errorf("%s: prompt step requires a non-empty body", path)
		}
	}

	def.Name = jobName(path, baseDir)
	return def, nil
}

func jobName(path, baseDir string) string {
	name := filepath.Base(path)
	if baseDir != "" {
		if rel, err := filepath.Rel(baseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			name = rel
		}
	}
	name = strings.TrimSuffix(name, ".md")
	return filepath.ToSlash(name)
}

func splitFrontMatter(content string) (front, body string, err error) {
	const marker = "---"
	lines := strings.SplitAfter(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimSuffix(lines[0], "\n")) != marker {
		return "", "", fmt.Errorf("missing front-matter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimSuffix(lines[i], "\n")) == marker {
			return strings.Join(lines[1:i], ""), strings.Join(lines[i+1:], ""), nil
		}
	}
	return "", "", fmt.Errorf("unterminated front-matter")
}

func parseStep(raw any) (Step, error) {
	switch v := raw.(type) {
	case string:
		switch v {
		case "new-session":
			return Step{Kind: StepNewSession}, nil
		case "compact":
			return Step{Kind: StepCompact}, nil
		case "prompt":
			return Step{Kind: StepPrompt}, nil
		case "reload":
			return Step{Kind: StepReload}, nil
		default:
			return Step{}, fmt.Errorf("unknown step %q", v)
		}
	case map[string]any:
		if len(v) != 1 {
			return Step{}, fmt.Errorf("step mapping must have exactly one key")
		}
		model, ok := v["model"]
		if !ok {
			return Step{}, fmt.Errorf("unknown step mapping %v", v)
		}
		s, ok := model.(string)
		if !ok || s == "" {
			return Step{}, fmt.Errorf("model step requires a non-empty string")
		}
		return Step{Kind: StepModel, Model: s}, nil
	default:
		return Step{}, fmt.Errorf("step must be a string or {model: ...}, got %T", raw)
	}
}

func parseNotify(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case bool:
		if v {
			return "", fmt.Errorf("notify: true is not a valid target")
		}
		return "none", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("notify must be a string, \"none\", or false")
	}
}
