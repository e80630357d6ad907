// Package template loads YAML task templates: named task kinds carrying
// a default priority, execution mode, specialization, and prompt
// scaffold, so submissions can say "run a review" instead of spelling
// out every field.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrTemplateNotFound indicates no template with the given name is
// loaded.
var ErrTemplateNotFound = errors.New("template not found")

// inputPlaceholder marks where the submission input lands in the
// prompt scaffold.
const inputPlaceholder = "{{input}}"

// LoopParams carries loop-mode defaults for a template.
type LoopParams struct {
	MaxIterations   int            `yaml:"max_iterations"`
	Timeout         string         `yaml:"timeout"`
	CheckpointEvery int            `yaml:"checkpoint_every"`
	Criterion       map[string]any `yaml:"criterion"`
}

// Template is one YAML-defined task kind.
type Template struct {
	// Name identifies the template; file name stem by default.
	Name string `yaml:"name"`
	// Description documents the task kind.
	Description string `yaml:"description"`
	// Specialization routes tasks to matching workers.
	Specialization string `yaml:"specialization"`
	// Priority is the default priority, 0-10.
	Priority int `yaml:"priority"`
	// Mode is the execution mode; empty means direct.
	Mode string `yaml:"mode"`
	// MaxRetries overrides the retry budget when positive.
	MaxRetries int `yaml:"max_retries"`
	// Prompt is the scaffold; {{input}} is replaced by the submission
	// input.
	Prompt string `yaml:"prompt"`
	// Loop holds loop-mode parameters; required when mode is loop.
	Loop *LoopParams `yaml:"loop"`
}

// validate checks template fields at load time so bad templates fail
// loudly instead of producing rejected submissions later.
func (t *Template) validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if t.Priority < models.PriorityMin || t.Priority > models.PriorityMax {
		return fmt.Errorf("template %s: priority %d out of range", t.Name, t.Priority)
	}
	if t.Mode != "" && !models.ExecutionMode(t.Mode).Valid() {
		return fmt.Errorf("template %s: unknown mode %q", t.Name, t.Mode)
	}
	if t.Mode == string(models.ModeLoop) && t.Loop == nil {
		return fmt.Errorf("template %s: loop mode requires loop parameters", t.Name)
	}
	return nil
}

// Instantiate builds a task from the template and the submission input.
// Loop templates assemble the loop spec payload; swarm templates expect
// the input to be the swarm plan.
func (t *Template) Instantiate(input string) (*models.Task, error) {
	task := &models.Task{
		Template:       t.Name,
		Priority:       t.Priority,
		Mode:           models.ExecutionMode(t.Mode),
		Specialization: t.Specialization,
		MaxRetries:     t.MaxRetries,
	}
	if task.Mode == "" {
		task.Mode = models.ModeDirect
	}

	switch task.Mode {
	case models.ModeLoop:
		spec := map[string]any{
			"prompt":    t.render(input),
			"criterion": t.Loop.Criterion,
		}
		if t.Loop.MaxIterations > 0 {
			spec["max_iterations"] = t.Loop.MaxIterations
		}
		if t.Loop.Timeout != "" {
			spec["timeout"] = t.Loop.Timeout
		}
		if t.Loop.CheckpointEvery > 0 {
			spec["checkpoint_every"] = t.Loop.CheckpointEvery
		}
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("template %s: build loop spec: %w", t.Name, err)
		}
		task.Input = string(raw)

	case models.ModeSwarm:
		// A swarm plan can't come from a scaffold; the submission input
		// is the plan itself.
		if strings.TrimSpace(input) == "" {
			return nil, fmt.Errorf("template %s: swarm mode requires a plan as input", t.Name)
		}
		task.Input = input

	default:
		task.Input = t.render(input)
	}

	return task, nil
}

func (t *Template) render(input string) string {
	if t.Prompt == "" {
		return input
	}
	if !strings.Contains(t.Prompt, inputPlaceholder) {
		return t.Prompt + "\n\n" + input
	}
	return strings.ReplaceAll(t.Prompt, inputPlaceholder, input)
}

// Library is a named set of loaded templates.
type Library struct {
	templates map[string]*Template
}

// Load reads a single template file.
func Load(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadDir loads every .yaml template in a directory. A missing
// directory yields an empty library.
func LoadDir(dir string) (*Library, error) {
	lib := &Library{templates: make(map[string]*Template)}
	if dir == "" {
		return lib, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := lib.templates[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q", t.Name)
		}
		lib.templates[t.Name] = t
	}
	return lib, nil
}

// Get returns a template by name.
func (l *Library) Get(name string) (*Template, error) {
	t, ok := l.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", name, ErrTemplateNotFound)
	}
	return t, nil
}

// Names returns the loaded template names.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	return names
}
