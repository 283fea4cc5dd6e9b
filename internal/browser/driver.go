// Package browser defines the browser-control capability the form engine consumes
// and provides two implementations of it: a go-rod driver and a playwright-go driver.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Driver is the browser-control capability. Find never waits: synchronization is the
// caller's job (see internal/wait), so an empty result is a normal answer.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, loc Locator, scope Element) ([]Element, error)
	Act(ctx context.Context, el Element, act Action) error
	Inspect(ctx context.Context, el Element) (ElementState, error)
	OuterHTML(ctx context.Context, el Element) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Element is an opaque handle to a live DOM node owned by a Driver.
// A nil Element used as a scope means the whole page.
type Element interface {
	Describe() string
}

// ElementState is a point-in-time snapshot of the properties the engine cares about.
type ElementState struct {
	Tag         string `json:"tag"`
	Visible     bool   `json:"visible"`
	Enabled     bool   `json:"enabled"`
	Obscured    bool   `json:"obscured"`
	Checked     bool   `json:"checked"`
	Text        string `json:"text"`
	Value       string `json:"value"`
	OptionCount int    `json:"option_count"`
}

// Clickable reports whether a user could click the element right now.
func (s ElementState) Clickable() bool {
	return s.Visible && s.Enabled && !s.Obscured
}

// ActionKind enumerates the interactions a Driver must support.
type ActionKind string

const (
	ActionClick          ActionKind = "click"
	ActionClear          ActionKind = "clear"
	ActionType           ActionKind = "type"
	ActionSelectValue    ActionKind = "select_value"
	ActionSelectText     ActionKind = "select_text"
	ActionSelectIndex    ActionKind = "select_index"
	ActionSetFiles       ActionKind = "set_files"
	ActionScrollIntoView ActionKind = "scroll_into_view"
)

// Action is one interaction with an element.
type Action struct {
	Kind  ActionKind
	Text  string
	Index int
	Files []string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionType, ActionSelectValue, ActionSelectText:
		return fmt.Sprintf("%s(%q)", a.Kind, a.Text)
	case ActionSelectIndex:
		return fmt.Sprintf("%s(%d)", a.Kind, a.Index)
	case ActionSetFiles:
		return fmt.Sprintf("%s(%d files)", a.Kind, len(a.Files))
	default:
		return string(a.Kind)
	}
}

// Shorthand constructors used throughout the orchestrator.
func Click() Action { return Action{Kind: ActionClick} }
func Clear() Action { return Action{Kind: ActionClear} }
func Type(text string) Action { return Action{Kind: ActionType, Text: text} }
func SelectValue(v string) Action { return Action{Kind: ActionSelectValue, Text: v} }
func SelectText(t string) Action { return Action{Kind: ActionSelectText, Text: t} }
func SelectIndex(i int) Action { return Action{Kind: ActionSelectIndex, Index: i} }
func SetFiles(p ...string) Action { return Action{Kind: ActionSetFiles, Files: p} }
func ScrollIntoView() Action { return Action{Kind: ActionScrollIntoView} }

// ErrUnsupportedAction is returned when a driver cannot perform an action on an element,
// e.g. selecting an option on something that is not a <select>.
var ErrUnsupportedAction = errors.New("browser: unsupported action")

// ErrForeignElement is returned when an Element created by another driver is passed in.
var ErrForeignElement = errors.New("browser: element does not belong to this driver")

// Config holds browser configuration shared by both drivers.
type Config struct {
	Driver              string   `yaml:"driver" json:"driver"` // rod, playwright
	DebuggerURL         string   `yaml:"debugger_url" json:"debugger_url"`
	Launch              []string `yaml:"launch" json:"launch"`
	Headless            bool     `yaml:"headless" json:"headless"`
	ViewportWidth       int      `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height" json:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms" json:"navigation_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:              "rod",
		Headless:            true,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Open starts the driver selected by cfg.Driver. The caller owns the returned Driver
// and must Close it on every exit path.
func Open(ctx context.Context, cfg Config) (Driver, error) {
	switch cfg.Driver {
	case "", "rod":
		d, err := NewRodDriver(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "playwright":
		d, err := NewPlaywrightDriver(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q (valid: rod, playwright)", cfg.Driver)
	}
}
