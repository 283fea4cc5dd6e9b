// Package form is the wizard orchestrator: it fills declared fields step by
// step, honoring inter-field dependencies, and classifies each submit.
package form

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"

	"gopkg.in/yaml.v3"
)

// Kind says how a field's value is applied.
type Kind string

const (
	KindText   Kind = "text"
	KindChoice Kind = "choice"
	KindToggle Kind = "toggle"
	KindDate   Kind = "date"
	KindFile   Kind = "file"
)

// SelectMode picks how a choice value is matched against the options.
type SelectMode string

const (
	SelectAuto  SelectMode = "auto" // value, then visible text
	SelectValue SelectMode = "value"
	SelectText  SelectMode = "text"
	SelectIndex SelectMode = "index" // zero-based position
)

// Activation is what must hold on a dependency's control before a dependent
// field is touched.
type Activation struct {
	Kind  string `yaml:"kind" json:"kind"` // enabled, option_count_at_least
	Count int    `yaml:"count,omitempty" json:"count,omitempty"`
}

const (
	ActivationEnabled            = "enabled"
	ActivationOptionCountAtLeast = "option_count_at_least"
)

var activationCall = regexp.MustCompile(`^(\w+)\((\d+)\)$`)

// UnmarshalYAML accepts "enabled", "option_count_at_least(2)" or a mapping.
func (a *Activation) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v := strings.TrimSpace(node.Value)
		if m := activationCall.FindStringSubmatch(v); m != nil {
			n, _ := strconv.Atoi(m[2])
			*a = Activation{Kind: m[1], Count: n}
		} else {
			*a = Activation{Kind: v}
		}
		return a.Validate()
	}
	type plain Activation
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Activation(p)
	return a.Validate()
}

// Validate checks the activation kind.
func (a Activation) Validate() error {
	switch a.Kind {
	case ActivationEnabled:
		return nil
	case ActivationOptionCountAtLeast:
		if a.Count < 1 {
			return fmt.Errorf("%s needs a count >= 1", a.Kind)
		}
		return nil
	}
	return fmt.Errorf("unknown activation predicate %q", a.Kind)
}

// Condition binds the activation to a resolved control.
func (a Activation) Condition(d browser.Driver, el browser.Element) wait.Condition {
	if a.Kind == ActivationOptionCountAtLeast {
		return wait.OptionCountAtLeast(d, el, a.Count)
	}
	return wait.Enabled(d, el)
}

// FieldSpec declares one form field.
type FieldSpec struct {
	resolve.Field `yaml:",inline"`

	Kind        Kind        `yaml:"kind"`
	DependsOn   string      `yaml:"depends_on,omitempty"`
	Activation  *Activation `yaml:"activation,omitempty"`
	Optional    bool        `yaml:"optional,omitempty"`
	Select      SelectMode  `yaml:"select,omitempty"`
	Format      string      `yaml:"format,omitempty"`       // Go time layout for date fields
	SettleAfter string      `yaml:"settle_after,omitempty"` // duration string
}

// ActivationOrDefault returns the declared activation or "enabled".
func (f FieldSpec) ActivationOrDefault() Activation {
	if f.Activation != nil {
		return *f.Activation
	}
	return Activation{Kind: ActivationEnabled}
}

// GetSettleAfter parses SettleAfter; invalid or empty means no settle.
func (f FieldSpec) GetSettleAfter() time.Duration {
	if f.SettleAfter == "" {
		return 0
	}
	d, err := time.ParseDuration(f.SettleAfter)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks the field in isolation.
func (f FieldSpec) Validate() error {
	if err := f.Field.Validate(); err != nil {
		return err
	}
	switch f.Kind {
	case KindText, KindChoice, KindToggle, KindDate, KindFile:
	case "":
		return fmt.Errorf("field %s has no kind", f.LogicalName)
	default:
		return fmt.Errorf("field %s: unknown kind %q", f.LogicalName, f.Kind)
	}
	switch f.Select {
	case "", SelectAuto, SelectValue, SelectText, SelectIndex:
	default:
		return fmt.Errorf("field %s: unknown select mode %q", f.LogicalName, f.Select)
	}
	if f.Select != "" && f.Kind != KindChoice {
		return fmt.Errorf("field %s: select mode only applies to choice fields", f.LogicalName)
	}
	if f.Activation != nil {
		if f.DependsOn == "" {
			return fmt.Errorf("field %s: activation without depends_on", f.LogicalName)
		}
		if err := f.Activation.Validate(); err != nil {
			return fmt.Errorf("field %s: %w", f.LogicalName, err)
		}
	}
	if f.SettleAfter != "" {
		if _, err := time.ParseDuration(f.SettleAfter); err != nil {
			return fmt.Errorf("field %s: invalid settle_after: %w", f.LogicalName, err)
		}
	}
	return nil
}

// CheckValue reports whether value can be applied to the field at all.
// Values that only fail against a live page are not caught here.
func (f FieldSpec) CheckValue(value string) error {
	switch {
	case f.Kind == KindToggle:
		if _, err := ParseToggle(value); err != nil {
			return fmt.Errorf("field %s: %w", f.LogicalName, err)
		}
	case f.Kind == KindChoice && f.Select == SelectIndex:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("field %s: option index %q is not a number", f.LogicalName, value)
		}
	}
	return nil
}

// ParseToggle reads a checkbox value: true/false, yes/no, on/off, 1/0.
func ParseToggle(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1", "y", "t":
		return true, nil
	case "false", "no", "off", "0", "n", "f":
		return false, nil
	}
	return false, fmt.Errorf("toggle value %q is not one of true/false, yes/no, on/off, 1/0", s)
}

// StepSpec declares one wizard step.
type StepSpec struct {
	Name    string            `yaml:"name"`
	Fields  []FieldSpec       `yaml:"fields"`
	Submit  []browser.Locator `yaml:"submit"`
	Success wait.Spec         `yaml:"success"`
	Failure wait.Spec         `yaml:"failure"`
}

// SubmitField wraps the submit candidates as a resolvable field.
func (s StepSpec) SubmitField() resolve.Field {
	return resolve.Field{LogicalName: s.Name + ".submit", Candidates: s.Submit}
}

// Validate checks field definitions, dependency order, the submit control and
// that the success and failure predicates cannot both fire on the same page.
func (s StepSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step has no name")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		if seen[f.LogicalName] {
			return fmt.Errorf("step %s: duplicate field %s", s.Name, f.LogicalName)
		}
		if f.DependsOn != "" && !seen[f.DependsOn] {
			return fmt.Errorf("step %s: field %s depends on %s, which is not declared before it",
				s.Name, f.LogicalName, f.DependsOn)
		}
		seen[f.LogicalName] = true
	}
	if len(s.Submit) == 0 {
		return fmt.Errorf("step %s has no submit control", s.Name)
	}
	for _, l := range s.Submit {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("step %s submit: %w", s.Name, err)
		}
	}
	if err := s.Success.Validate(); err != nil {
		return fmt.Errorf("step %s success: %w", s.Name, err)
	}
	if err := s.Failure.Validate(); err != nil {
		return fmt.Errorf("step %s failure: %w", s.Name, err)
	}
	if Overlaps(s.Success, s.Failure) {
		return fmt.Errorf("step %s: success %s and failure %s overlap", s.Name, s.Success, s.Failure)
	}
	return nil
}

// Overlaps reports whether two predicates could be triggered by the same
// element state. Predicates on different locators are considered distinct;
// on the same locator only text checks for disjoint substrings are.
func Overlaps(a, b wait.Spec) bool {
	if a.Locator.Strategy != b.Locator.Strategy || a.Locator.Pattern != b.Locator.Pattern {
		return false
	}
	if a.Kind == wait.KindTextContains && b.Kind == wait.KindTextContains {
		return strings.Contains(a.Text, b.Text) || strings.Contains(b.Text, a.Text)
	}
	if (a.Kind == wait.KindInvisible) != (b.Kind == wait.KindInvisible) {
		return false
	}
	return true
}
