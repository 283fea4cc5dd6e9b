// Package scenario loads scenario files: the YAML documents that declare a
// wizard's steps, the data to enter, how to read the result back and the
// rules used to compare both.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"formnerd/internal/capture"
	"formnerd/internal/form"
	"formnerd/internal/reconcile"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end test case.
type Scenario struct {
	ID    string   `yaml:"id"`
	Title string   `yaml:"title,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`
	Start string   `yaml:"start"`          // URL or path joined to the configured base URL
	Mode  string   `yaml:"mode,omitempty"` // overrides execution.mode

	Data   map[string]string `yaml:"data"`
	Steps  []form.StepSpec   `yaml:"steps"`
	Verify *Verify           `yaml:"verify,omitempty"`
	Rules  []reconcile.Rule  `yaml:"rules,omitempty"`

	// Path is the file the scenario was loaded from.
	Path string `yaml:"-"`
}

// Verify describes how to reach and read the view that displays what was
// entered.
type Verify struct {
	Navigate string           `yaml:"navigate,omitempty"` // URL or path to load first
	Open     *resolve.Field   `yaml:"open,omitempty"`     // control to click, e.g. a "view details" link
	Ready    *wait.Spec       `yaml:"ready,omitempty"`
	View     capture.ViewSpec `yaml:"view"`
}

// Validate checks every step, the verification view and the rules.
func (s *Scenario) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("scenario has no id"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("scenario has no steps"))
	}
	names := make(map[string]bool, len(s.Steps))
	for i, st := range s.Steps {
		if err := st.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
			continue
		}
		if names[st.Name] {
			errs = append(errs, fmt.Errorf("steps[%d]: duplicate step name %s", i, st.Name))
		}
		names[st.Name] = true
		for _, f := range st.Fields {
			v, ok := s.Data[f.LogicalName]
			if !ok || strings.HasPrefix(v, GeneratePrefix) {
				continue
			}
			if err := f.CheckValue(v); err != nil {
				errs = append(errs, fmt.Errorf("steps[%d]: data: %w", i, err))
			}
		}
	}
	if v := s.Verify; v != nil {
		if v.Open != nil {
			if err := v.Open.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("verify.open: %w", err))
			}
		}
		if v.Ready != nil {
			if err := v.Ready.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("verify.ready: %w", err))
			}
		}
		if err := v.View.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("verify.view: %w", err))
		}
	}
	if len(s.Rules) > 0 && s.Verify == nil {
		errs = append(errs, errors.New("rules need a verify section to capture displayed values"))
	}
	for i, r := range s.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}
	if s.Mode != "" {
		if _, err := form.ParseMode(s.Mode); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("scenario %s: %w", s.label(), err)
	}
	return nil
}

// Warnings lists suspicious but legal declarations: rules on fields no step
// fills, and data keys nothing uses.
func (s *Scenario) Warnings() []string {
	declared := map[string]bool{}
	for _, st := range s.Steps {
		for _, f := range st.Fields {
			declared[f.LogicalName] = true
		}
	}
	ruled := map[string]bool{}
	var out []string
	for _, r := range s.Rules {
		ruled[r.Field] = true
		if !declared[r.Field] {
			out = append(out, fmt.Sprintf("rule on %s, which no step fills", r.Field))
		}
		if _, ok := s.Data[r.Field]; !ok {
			out = append(out, fmt.Sprintf("rule on %s, which has no data: it will be not applicable", r.Field))
		}
	}
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !declared[k] && !ruled[k] {
			out = append(out, fmt.Sprintf("data %s is neither filled nor checked", k))
		}
	}
	return out
}

func (s *Scenario) label() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Path != "":
		return s.Path
	}
	return "<unnamed>"
}

// Parse decodes a scenario document and expands ${VAR} references in its data
// with lookup. A missing id defaults to the file name without extension.
func Parse(content []byte, path string, lookup func(string) (string, bool)) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.Path = path
	if s.ID == "" && path != "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	data, err := Expand(s.Data, lookup)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.label(), err)
	}
	s.Data = data
	return &s, nil
}

// Load reads, expands and validates one scenario file.
func Load(path string) (*Scenario, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(content, path, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsScenarioFile reports whether path has a YAML extension.
func IsScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Collect expands the arguments into scenario file paths. Directories
// contribute their *.yaml and *.yml files (not recursively), sorted.
func Collect(args ...string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(a)
			continue
		}
		entries, err := os.ReadDir(a)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			if !e.IsDir() && IsScenarioFile(e.Name()) {
				files = append(files, filepath.Join(a, e.Name()))
			}
		}
		sort.Strings(files)
		for _, f := range files {
			add(f)
		}
	}
	return out, nil
}

// LoadAll loads every scenario named by args. All files are attempted; the
// returned error joins every failure. Duplicate ids are an error.
func LoadAll(args ...string) ([]*Scenario, error) {
	paths, err := Collect(args...)
	if err != nil {
		return nil, err
	}
	var (
		out  []*Scenario
		errs []error
		ids  = map[string]string{}
	)
	for _, p := range paths {
		s, err := Load(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := ids[s.ID]; dup {
			errs = append(errs, fmt.Errorf("scenario id %s declared by both %s and %s", s.ID, prev, p))
			continue
		}
		ids[s.ID] = p
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}
