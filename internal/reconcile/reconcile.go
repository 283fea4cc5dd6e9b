// Package reconcile compares entered values against displayed values under
// per-field normalization and tolerance rules. It is pure: no I/O, no clock,
// and the result does not depend on rule order.
package reconcile

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToleranceKind names how normalized values are compared.
type ToleranceKind string

const (
	Exact       ToleranceKind = "exact"
	Containment ToleranceKind = "containment"
	Numeric     ToleranceKind = "numeric"
	DateWindow  ToleranceKind = "date_window"
)

// Tolerance is the comparison policy of a rule.
type Tolerance struct {
	Kind    ToleranceKind `yaml:"kind" json:"kind"`
	Epsilon float64       `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Days    int           `yaml:"days,omitempty" json:"days,omitempty"`
}

func (t Tolerance) String() string {
	switch t.Kind {
	case Numeric:
		return fmt.Sprintf("numeric(%s)", strconv.FormatFloat(t.Epsilon, 'f', -1, 64))
	case DateWindow:
		return fmt.Sprintf("date_window(%d)", t.Days)
	case "":
		return string(Exact)
	default:
		return string(t.Kind)
	}
}

// Validate checks the kind and its parameter. An unset kind means exact.
func (t Tolerance) Validate() error {
	switch t.Kind {
	case "", Exact, Containment:
		return nil
	case Numeric:
		if t.Epsilon < 0 || math.IsNaN(t.Epsilon) {
			return fmt.Errorf("numeric epsilon must be >= 0, got %v", t.Epsilon)
		}
		return nil
	case DateWindow:
		if t.Days < 0 {
			return fmt.Errorf("date_window days must be >= 0, got %d", t.Days)
		}
		return nil
	}
	return fmt.Errorf("unknown tolerance %q", t.Kind)
}

var toleranceCall = regexp.MustCompile(`^\s*([A-Za-z_]+)\s*(?:\(\s*([^)]*)\s*\))?\s*$`)

// ParseTolerance parses "exact", "containment", "numeric(0.5)" or
// "date_window(1)". camelCase spellings are accepted.
func ParseTolerance(s string) (Tolerance, error) {
	m := toleranceCall.FindStringSubmatch(s)
	if m == nil {
		return Tolerance{}, fmt.Errorf("invalid tolerance %q", s)
	}
	var t Tolerance
	arg := strings.TrimSpace(m[2])
	switch m[1] {
	case "exact":
		t.Kind = Exact
	case "containment", "contains":
		t.Kind = Containment
	case "numeric":
		t.Kind = Numeric
		if arg != "" {
			eps, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return Tolerance{}, fmt.Errorf("tolerance %q: %w", s, err)
			}
			t.Epsilon = eps
		}
	case "date_window", "dateWindow":
		t.Kind = DateWindow
		if arg != "" {
			days, err := strconv.Atoi(arg)
			if err != nil {
				return Tolerance{}, fmt.Errorf("tolerance %q: %w", s, err)
			}
			t.Days = days
		}
	default:
		return Tolerance{}, fmt.Errorf("unknown tolerance %q", m[1])
	}
	return t, t.Validate()
}

// UnmarshalYAML accepts the call form or a mapping.
func (t *Tolerance) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseTolerance(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*t = parsed
		return nil
	}
	type plain Tolerance
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Tolerance(p)
	return t.Validate()
}

// MarshalYAML writes the call form.
func (t Tolerance) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// Severity decides whether a failed rule invalidates the result.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule compares one entered field with one captured value.
type Rule struct {
	Field      string    `yaml:"field" json:"field"`
	Captured   string    `yaml:"captured,omitempty" json:"captured,omitempty"` // defaults to Field
	Normalizer string    `yaml:"normalizer,omitempty" json:"normalizer,omitempty"`
	Tolerance  Tolerance `yaml:"tolerance" json:"tolerance"`
	Severity   Severity  `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// CapturedKey is the key looked up in the captured mapping.
func (r Rule) CapturedKey() string {
	if r.Captured != "" {
		return r.Captured
	}
	return r.Field
}

// SeverityOrDefault treats an unset severity as error.
func (r Rule) SeverityOrDefault() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	if r.Field == "" {
		return fmt.Errorf("rule has no field")
	}
	if _, err := Lookup(r.Normalizer); err != nil {
		return fmt.Errorf("rule %s: %w", r.Field, err)
	}
	if err := r.Tolerance.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.Field, err)
	}
	switch r.Severity {
	case "", SeverityError, SeverityWarning:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.Field, r.Severity)
	}
	return nil
}

// Outcome of one rule.
type Outcome string

const (
	OutcomeMatch         Outcome = "match"
	OutcomeTolerated     Outcome = "tolerated"      // accepted only thanks to a date window
	OutcomeMismatch      Outcome = "mismatch"
	OutcomeMissing       Outcome = "missing"        // nothing displayed for an entered value
	OutcomeNotApplicable Outcome = "not_applicable" // nothing was entered
)

// Check is the full record of one rule evaluation.
type Check struct {
	Field         string   `json:"field"`
	Captured      string   `json:"captured"`
	Normalizer    string   `json:"normalizer,omitempty"`
	Tolerance     string   `json:"tolerance"`
	Severity      Severity `json:"severity"`
	Entered       string   `json:"entered"`
	Displayed     string   `json:"displayed"`
	NormEntered   string   `json:"norm_entered,omitempty"`
	NormDisplayed string   `json:"norm_displayed,omitempty"`
	Outcome       Outcome  `json:"outcome"`
	Detail        string   `json:"detail,omitempty"`
}

// Finding is a discrepancy or a warning surfaced to the reporter.
type Finding struct {
	Field     string   `json:"field"`
	Severity  Severity `json:"severity"`
	Outcome   Outcome  `json:"outcome"`
	Entered   string   `json:"entered"`
	Displayed string   `json:"displayed"`
	Detail    string   `json:"detail"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s [%s] %s: entered %q, displayed %q (%s)", f.Field, f.Severity, f.Outcome, f.Entered, f.Displayed, f.Detail)
}

// Result is the reconciliation verdict. Valid is true when there are no
// discrepancies; warnings never affect it.
type Result struct {
	Checks        []Check   `json:"checks"`
	Discrepancies []Finding `json:"discrepancies"`
	Warnings      []Finding `json:"warnings"`
	Valid         bool      `json:"valid"`
}

// Applicable counts checks that actually compared something.
func (r Result) Applicable() int {
	n := 0
	for _, c := range r.Checks {
		if c.Outcome != OutcomeNotApplicable {
			n++
		}
	}
	return n
}

// Count returns how many checks ended with outcome o.
func (r Result) Count(o Outcome) int {
	n := 0
	for _, c := range r.Checks {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

// Reconcile evaluates every rule against entered and captured values.
//
// A value missing from entered is not applicable and never counts as a pass.
// A value missing from captured is a finding at the rule's severity. A value
// accepted only through a date window is still reported as a warning so the
// underlying display defect stays visible.
func Reconcile(entered, captured map[string]string, rules []Rule) Result {
	res := Result{Checks: make([]Check, 0, len(rules))}
	for _, r := range rules {
		c := evaluate(entered, captured, r)
		res.Checks = append(res.Checks, c)

		f := Finding{Field: c.Field, Severity: c.Severity, Outcome: c.Outcome,
			Entered: c.Entered, Displayed: c.Displayed, Detail: c.Detail}
		switch c.Outcome {
		case OutcomeMismatch, OutcomeMissing:
			if c.Severity == SeverityError {
				res.Discrepancies = append(res.Discrepancies, f)
			} else {
				res.Warnings = append(res.Warnings, f)
			}
		case OutcomeTolerated:
			f.Severity = SeverityWarning
			res.Warnings = append(res.Warnings, f)
		}
	}

	sort.SliceStable(res.Checks, func(i, j int) bool { return checkKey(res.Checks[i]) < checkKey(res.Checks[j]) })
	sortFindings(res.Discrepancies)
	sortFindings(res.Warnings)
	res.Valid = len(res.Discrepancies) == 0
	return res
}

func evaluate(entered, captured map[string]string, r Rule) Check {
	c := Check{
		Field:      r.Field,
		Captured:   r.CapturedKey(),
		Normalizer: r.Normalizer,
		Tolerance:  r.Tolerance.String(),
		Severity:   r.SeverityOrDefault(),
	}

	ev, ok := entered[r.Field]
	if !ok || strings.TrimSpace(ev) == "" {
		c.Outcome = OutcomeNotApplicable
		c.Detail = "no value was entered"
		return c
	}
	c.Entered = ev

	dv, ok := captured[c.Captured]
	if !ok {
		c.Outcome = OutcomeMissing
		c.Detail = fmt.Sprintf("%q was not captured", c.Captured)
		return c
	}
	c.Displayed = dv

	norm, err := Lookup(r.Normalizer)
	if err != nil {
		c.Outcome = OutcomeMismatch
		c.Detail = err.Error()
		return c
	}
	if c.NormEntered, err = norm(ev); err != nil {
		c.Outcome = OutcomeMismatch
		c.Detail = "entered: " + err.Error()
		return c
	}
	if c.NormDisplayed, err = norm(dv); err != nil {
		c.Outcome = OutcomeMismatch
		c.Detail = "displayed: " + err.Error()
		return c
	}

	c.Outcome, c.Detail = compare(c.NormEntered, c.NormDisplayed, r.Tolerance)
	return c
}

func compare(a, b string, t Tolerance) (Outcome, string) {
	switch t.Kind {
	case "", Exact:
		if a == b {
			return OutcomeMatch, ""
		}
		return OutcomeMismatch, fmt.Sprintf("%q != %q", a, b)

	case Containment:
		if a == b || (a != "" && b != "" && (strings.Contains(a, b) || strings.Contains(b, a))) {
			return OutcomeMatch, ""
		}
		return OutcomeMismatch, fmt.Sprintf("neither %q nor %q contains the other", a, b)

	case Numeric:
		x, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return OutcomeMismatch, fmt.Sprintf("entered %q is not a number", a)
		}
		y, err := strconv.ParseFloat(b, 64)
		if err != nil {
			return OutcomeMismatch, fmt.Sprintf("displayed %q is not a number", b)
		}
		if diff := math.Abs(x - y); diff > t.Epsilon {
			return OutcomeMismatch, fmt.Sprintf("differ by %s (epsilon %s)",
				strconv.FormatFloat(diff, 'f', -1, 64), strconv.FormatFloat(t.Epsilon, 'f', -1, 64))
		}
		return OutcomeMatch, ""

	case DateWindow:
		days, err := dayDiff(a, b)
		if err != nil {
			return OutcomeMismatch, err.Error()
		}
		switch {
		case days == 0:
			return OutcomeMatch, ""
		case days <= t.Days:
			return OutcomeTolerated, fmt.Sprintf("off by %d day(s), within the declared window of %d", days, t.Days)
		default:
			return OutcomeMismatch, fmt.Sprintf("off by %d day(s), window is %d", days, t.Days)
		}
	}
	return OutcomeMismatch, fmt.Sprintf("unknown tolerance %q", t.Kind)
}

func checkKey(c Check) string {
	return strings.Join([]string{c.Field, c.Captured, c.Normalizer, c.Tolerance, string(c.Severity)}, "\x00")
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Outcome != b.Outcome {
			return a.Outcome < b.Outcome
		}
		return a.String() < b.String()
	})
}
