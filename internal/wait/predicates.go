package wait

import (
	"context"
	"fmt"
	"strings"

	"formnerd/internal/browser"

	"gopkg.in/yaml.v3"
)

// FindFirst returns the first element under loc whose state satisfies accept.
// A nil element with a nil error means nothing qualified yet.
func FindFirst(ctx context.Context, d browser.Driver, loc browser.Locator, scope browser.Element,
	accept func(browser.ElementState) bool) (browser.Element, browser.ElementState, error) {
	els, err := d.Find(ctx, loc, scope)
	if err != nil {
		return nil, browser.ElementState{}, err
	}
	var lastErr error
	for _, el := range els {
		st, err := d.Inspect(ctx, el)
		if err != nil {
			// Elements detach between Find and Inspect; try the next one.
			lastErr = err
			continue
		}
		if accept == nil || accept(st) {
			return el, st, nil
		}
	}
	return nil, browser.ElementState{}, lastErr
}

func anyState(d browser.Driver, loc browser.Locator, scope browser.Element, accept func(browser.ElementState) bool) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		el, _, err := FindFirst(ctx, d, loc, scope, accept)
		if el != nil {
			return true, nil
		}
		return false, err
	}
}

// Present holds once at least one element matches loc.
func Present(d browser.Driver, loc browser.Locator, scope browser.Element) Condition {
	return CountAtLeast(d, loc, scope, 1)
}

// Visible holds once a matching element is rendered and visible.
func Visible(d browser.Driver, loc browser.Locator, scope browser.Element) Condition {
	return Condition{
		Name:  fmt.Sprintf("visible(%s)", loc),
		Check: anyState(d, loc, scope, func(s browser.ElementState) bool { return s.Visible }),
	}
}

// Clickable holds once a matching element is visible, enabled and not covered.
func Clickable(d browser.Driver, loc browser.Locator, scope browser.Element) Condition {
	return Condition{
		Name:  fmt.Sprintf("clickable(%s)", loc),
		Check: anyState(d, loc, scope, browser.ElementState.Clickable),
	}
}

// Invisible holds once no matching element is visible, including when none exist.
func Invisible(d browser.Driver, loc browser.Locator, scope browser.Element) Condition {
	visible := anyState(d, loc, scope, func(s browser.ElementState) bool { return s.Visible })
	return Condition{
		Name: fmt.Sprintf("invisible(%s)", loc),
		Check: func(ctx context.Context) (bool, error) {
			ok, err := visible(ctx)
			if err != nil {
				return false, err
			}
			return !ok, nil
		},
	}
}

// TextContains holds once a matching element's text includes sub.
func TextContains(d browser.Driver, loc browser.Locator, scope browser.Element, sub string) Condition {
	return Condition{
		Name:  fmt.Sprintf("text_contains(%s, %q)", loc, sub),
		Check: anyState(d, loc, scope, func(s browser.ElementState) bool { return strings.Contains(s.Text, sub) }),
	}
}

// CountAtLeast holds once at least n elements match loc.
func CountAtLeast(d browser.Driver, loc browser.Locator, scope browser.Element, n int) Condition {
	name := fmt.Sprintf("count_at_least(%s, %d)", loc, n)
	if n == 1 {
		name = fmt.Sprintf("present(%s)", loc)
	}
	return Condition{
		Name: name,
		Check: func(ctx context.Context) (bool, error) {
			els, err := d.Find(ctx, loc, scope)
			if err != nil {
				return false, err
			}
			return len(els) >= n, nil
		},
	}
}

// Enabled holds once an already resolved element is enabled.
func Enabled(d browser.Driver, el browser.Element) Condition {
	return Condition{
		Name: fmt.Sprintf("enabled(%s)", el.Describe()),
		Check: func(ctx context.Context) (bool, error) {
			st, err := d.Inspect(ctx, el)
			if err != nil {
				return false, err
			}
			return st.Enabled, nil
		},
	}
}

// OptionCountAtLeast holds once a resolved select offers at least n options.
// Use n=2 to wait for a list to grow beyond its placeholder.
func OptionCountAtLeast(d browser.Driver, el browser.Element, n int) Condition {
	return Condition{
		Name: fmt.Sprintf("option_count_at_least(%s, %d)", el.Describe(), n),
		Check: func(ctx context.Context) (bool, error) {
			st, err := d.Inspect(ctx, el)
			if err != nil {
				return false, err
			}
			return st.Enabled && st.OptionCount >= n, nil
		},
	}
}

// Kind names a declarative predicate.
type Kind string

const (
	KindPresent      Kind = "present"
	KindVisible      Kind = "visible"
	KindClickable    Kind = "clickable"
	KindInvisible    Kind = "invisible"
	KindTextContains Kind = "text_contains"
	KindCountAtLeast Kind = "count_at_least"
)

// Spec is a predicate as written in scenario files.
type Spec struct {
	Kind    Kind            `yaml:"kind" json:"kind"`
	Locator browser.Locator `yaml:"locator" json:"locator"`
	Text    string          `yaml:"text,omitempty" json:"text,omitempty"`
	Count   int             `yaml:"count,omitempty" json:"count,omitempty"`
}

// UnmarshalYAML also accepts a bare locator, meaning "visible".
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var loc browser.Locator
		if err := node.Decode(&loc); err != nil {
			return err
		}
		*s = Spec{Kind: KindVisible, Locator: loc}
		return nil
	}
	type plain Spec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	if s.Kind == "" {
		s.Kind = KindVisible
	}
	return nil
}

// Validate checks the predicate is well formed.
func (s Spec) Validate() error {
	if err := s.Locator.Validate(); err != nil {
		return err
	}
	switch s.Kind {
	case KindPresent, KindVisible, KindClickable, KindInvisible:
	case KindTextContains:
		if s.Text == "" {
			return fmt.Errorf("%s needs text", s.Kind)
		}
	case KindCountAtLeast:
		if s.Count < 1 {
			return fmt.Errorf("%s needs count >= 1", s.Kind)
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", s.Kind)
	}
	return nil
}

func (s Spec) String() string {
	switch s.Kind {
	case KindTextContains:
		return fmt.Sprintf("%s(%s, %q)", s.Kind, s.Locator, s.Text)
	case KindCountAtLeast:
		return fmt.Sprintf("%s(%s, %d)", s.Kind, s.Locator, s.Count)
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Locator)
	}
}

// Bind turns the declarative predicate into a Condition against d.
func (s Spec) Bind(d browser.Driver, scope browser.Element) Condition {
	switch s.Kind {
	case KindPresent:
		return Present(d, s.Locator, scope)
	case KindClickable:
		return Clickable(d, s.Locator, scope)
	case KindInvisible:
		return Invisible(d, s.Locator, scope)
	case KindTextContains:
		return TextContains(d, s.Locator, scope, s.Text)
	case KindCountAtLeast:
		return CountAtLeast(d, s.Locator, scope, s.Count)
	default:
		return Visible(d, s.Locator, scope)
	}
}
