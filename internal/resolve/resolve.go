// Package resolve maps a logical field to a live element by trying an ordered
// list of fallback locators.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/logging"
	"formnerd/internal/wait"
)

// Field is a logical name plus its candidates, most specific first.
type Field struct {
	LogicalName string            `yaml:"name" json:"name"`
	Candidates  []browser.Locator `yaml:"candidates" json:"candidates"`
}

// Validate checks the field has a name and at least one valid candidate.
func (f Field) Validate() error {
	if strings.TrimSpace(f.LogicalName) == "" {
		return errors.New("field has no name")
	}
	if len(f.Candidates) == 0 {
		return fmt.Errorf("field %s has no locator candidates", f.LogicalName)
	}
	for i, c := range f.Candidates {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("field %s candidate %d: %w", f.LogicalName, i, err)
		}
	}
	return nil
}

// Ordered returns the candidates sorted by priority. Equal priorities keep
// their declared order, so an all-zero list is tried as written.
func (f Field) Ordered() []browser.Locator {
	out := append([]browser.Locator(nil), f.Candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Attempt records why one candidate did not resolve.
type Attempt struct {
	Locator browser.Locator
	Err     error
}

// ElementNotResolved is returned when every candidate was exhausted.
type ElementNotResolved struct {
	LogicalName string
	Attempted   []Attempt
}

func (e *ElementNotResolved) Error() string {
	parts := make([]string, len(e.Attempted))
	for i, a := range e.Attempted {
		parts[i] = a.Locator.String()
	}
	return fmt.Sprintf("element %q not resolved (tried %s)", e.LogicalName, strings.Join(parts, ", "))
}

// Resolver resolves fields against one driver.
type Resolver struct {
	driver browser.Driver
	poll   time.Duration
}

// New returns a Resolver polling every poll.
func New(d browser.Driver, poll time.Duration) *Resolver {
	return &Resolver{driver: d, poll: poll}
}

// Resolve tries each candidate in priority order, giving each an equal share of
// timeout, and returns the first element that is present, visible and
// clickable. The winner is scrolled into view.
func (r *Resolver) Resolve(ctx context.Context, f Field, scope browser.Element, timeout time.Duration) (browser.Element, error) {
	cands := f.Ordered()
	if len(cands) == 0 {
		return nil, &ElementNotResolved{LogicalName: f.LogicalName}
	}
	budget := timeout / time.Duration(len(cands))
	log := logging.Get(logging.CategoryResolve)

	notFound := &ElementNotResolved{LogicalName: f.LogicalName}
	for i, loc := range cands {
		var found browser.Element
		cond := wait.Condition{
			Name: fmt.Sprintf("clickable(%s)", loc),
			Check: func(ctx context.Context) (bool, error) {
				el, _, err := wait.FindFirst(ctx, r.driver, loc, scope, browser.ElementState.Clickable)
				found = el
				return el != nil, err
			},
		}
		if _, err := wait.Until(ctx, cond, budget, r.poll); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Debug("%s: candidate %s failed: %v", f.LogicalName, loc, err)
			notFound.Attempted = append(notFound.Attempted, Attempt{Locator: loc, Err: err})
			continue
		}

		if err := r.driver.Act(ctx, found, browser.ScrollIntoView()); err != nil {
			log.Warn("%s: scroll into view failed: %v", f.LogicalName, err)
		}
		if i > 0 {
			log.Info("%s resolved via fallback %s after %d failed candidates", f.LogicalName, loc, i)
		} else {
			log.Debug("%s resolved via %s", f.LogicalName, loc)
		}
		return found, nil
	}
	log.Warn("%v", notFound)
	return nil, notFound
}

// Peek is a single zero-wait pass over the candidates. It does not scroll.
func (r *Resolver) Peek(ctx context.Context, f Field, scope browser.Element) (browser.Element, error) {
	notFound := &ElementNotResolved{LogicalName: f.LogicalName}
	for _, loc := range f.Ordered() {
		el, _, err := wait.FindFirst(ctx, r.driver, loc, scope, browser.ElementState.Clickable)
		if el != nil {
			return el, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		notFound.Attempted = append(notFound.Attempted, Attempt{Locator: loc, Err: err})
	}
	return nil, notFound
}

// IsNotResolved reports whether err is (or wraps) an ElementNotResolved.
func IsNotResolved(err error) bool {
	var enr *ElementNotResolved
	return errors.As(err, &enr)
}
