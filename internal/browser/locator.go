package browser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy is how a Locator pattern is interpreted.
type Strategy string

const (
	StrategyIdentifier     Strategy = "identifier"      // element id
	StrategyAttributeMatch Strategy = "attribute-match" // CSS selector, usually [attr=value]
	StrategyStructuralPath Strategy = "structural-path" // XPath
	StrategyVisibleText    Strategy = "visible-text"    // exact normalized text
	StrategyContainment    Strategy = "containment"     // text contains pattern
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyIdentifier, StrategyAttributeMatch, StrategyStructuralPath, StrategyVisibleText, StrategyContainment:
		return true
	}
	return false
}

// Locator is one fallback strategy+pattern pair used to find a UI element.
type Locator struct {
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Priority int      `yaml:"priority" json:"priority"`
}

// shorthand prefixes accepted by ParseLocator, in the order they are checked.
var shorthand = []struct {
	prefix   string
	strategy Strategy
}{
	{"id=", StrategyIdentifier},
	{"css=", StrategyAttributeMatch},
	{"attr=", StrategyAttributeMatch},
	{"xpath=", StrategyStructuralPath},
	{"text=", StrategyVisibleText},
	{"contains=", StrategyContainment},
}

// ParseLocator parses the shorthand form used in scenario files:
// id=…, css=…, attr=…, xpath=…, text=…, contains=…. A bare pattern starting with
// "/" or "(" is an XPath; anything else is treated as a CSS selector.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, fmt.Errorf("empty locator")
	}
	for _, sh := range shorthand {
		if strings.HasPrefix(raw, sh.prefix) {
			pattern := strings.TrimSpace(raw[len(sh.prefix):])
			if pattern == "" {
				return Locator{}, fmt.Errorf("locator %q has an empty pattern", raw)
			}
			return Locator{Strategy: sh.strategy, Pattern: pattern}, nil
		}
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "(") {
		return Locator{Strategy: StrategyStructuralPath, Pattern: raw}, nil
	}
	return Locator{Strategy: StrategyAttributeMatch, Pattern: raw}, nil
}

// MustParseLocator is ParseLocator for literals in code and tests.
func MustParseLocator(raw string) Locator {
	loc, err := ParseLocator(raw)
	if err != nil {
		panic(err)
	}
	return loc
}

// String renders the locator back in shorthand form.
func (l Locator) String() string {
	switch l.Strategy {
	case StrategyIdentifier:
		return "id=" + l.Pattern
	case StrategyAttributeMatch:
		return "css=" + l.Pattern
	case StrategyStructuralPath:
		return "xpath=" + l.Pattern
	case StrategyVisibleText:
		return "text=" + l.Pattern
	case StrategyContainment:
		return "contains=" + l.Pattern
	default:
		return string(l.Strategy) + "=" + l.Pattern
	}
}

// Validate checks the strategy and pattern.
func (l Locator) Validate() error {
	if !l.Strategy.Valid() {
		return fmt.Errorf("unknown locator strategy %q", l.Strategy)
	}
	if strings.TrimSpace(l.Pattern) == "" {
		return fmt.Errorf("locator %s has an empty pattern", l.Strategy)
	}
	return nil
}

// UnmarshalYAML accepts either the shorthand scalar or the full mapping form.
func (l *Locator) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		loc, err := ParseLocator(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*l = loc
		return nil
	}
	type plain Locator
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*l = Locator(p)
	return l.Validate()
}

// MarshalYAML writes the shorthand form.
func (l Locator) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// Query is a Locator translated into a selector the drivers understand.
// Exactly one of CSS and XPath is set.
type Query struct {
	CSS   string
	XPath string
}

// Translate turns a Locator into a CSS or XPath query. When scoped is true the XPath
// is made relative to the scope element.
func Translate(l Locator, scoped bool) (Query, error) {
	if err := l.Validate(); err != nil {
		return Query{}, err
	}
	switch l.Strategy {
	case StrategyIdentifier:
		return Query{CSS: fmt.Sprintf(`[id=%s]`, cssString(l.Pattern))}, nil
	case StrategyAttributeMatch:
		return Query{CSS: l.Pattern}, nil
	case StrategyStructuralPath:
		return Query{XPath: relativize(l.Pattern, scoped)}, nil
	case StrategyVisibleText:
		lit := xpathLiteral(l.Pattern)
		return Query{XPath: union(scoped,
			fmt.Sprintf(`//*[text()[normalize-space(.)=%s]]`, lit),
			fmt.Sprintf(`//input[(@type='submit' or @type='button') and normalize-space(@value)=%s]`, lit),
		)}, nil
	case StrategyContainment:
		lit := xpathLiteral(l.Pattern)
		return Query{XPath: union(scoped,
			fmt.Sprintf(`//*[text()[contains(normalize-space(.), %s)]]`, lit),
			fmt.Sprintf(`//input[(@type='submit' or @type='button') and contains(@value, %s)]`, lit),
		)}, nil
	}
	return Query{}, fmt.Errorf("unknown locator strategy %q", l.Strategy)
}

func union(scoped bool, branches ...string) string {
	for i, b := range branches {
		branches[i] = relativize(b, scoped)
	}
	return strings.Join(branches, " | ")
}

func relativize(xpath string, scoped bool) string {
	if scoped && strings.HasPrefix(xpath, "/") {
		return "." + xpath
	}
	return xpath
}

func cssString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
