// Package capture reads a result view into a logical-name keyed mapping.
// Sections are independent: one failing never stops the others.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/logging"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"
)

// Section describes one part of the view: either label/value pairs zipped by
// position, or a table.
type Section struct {
	Name     string            `yaml:"name"`
	Navigate []browser.Locator `yaml:"navigate,omitempty"` // e.g. a tab to activate first
	Optional bool              `yaml:"optional,omitempty"` // absent navigation means skip, not failure
	Ready    *wait.Spec        `yaml:"ready,omitempty"`

	Labels *browser.Locator `yaml:"labels,omitempty"`
	Values *browser.Locator `yaml:"values,omitempty"`
	Table  *browser.Locator `yaml:"table,omitempty"`

	// Aliases map displayed labels (or table headers) to logical names.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// ViewSpec is the ordered list of sections to read.
type ViewSpec struct {
	Sections []Section `yaml:"sections"`
}

// Validate checks that every section is exactly one of pairs or table.
func (v ViewSpec) Validate() error {
	seen := map[string]bool{}
	for i, s := range v.Sections {
		if s.Name == "" {
			return fmt.Errorf("section %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate section %s", s.Name)
		}
		seen[s.Name] = true

		pairs := s.Labels != nil || s.Values != nil
		switch {
		case pairs && s.Table != nil:
			return fmt.Errorf("section %s: labels/values and table are exclusive", s.Name)
		case pairs && (s.Labels == nil || s.Values == nil):
			return fmt.Errorf("section %s: labels and values must both be set", s.Name)
		case !pairs && s.Table == nil:
			return fmt.Errorf("section %s: needs labels/values or table", s.Name)
		}
		for _, l := range append(append([]browser.Locator{}, s.Navigate...), deref(s.Labels, s.Values, s.Table)...) {
			if err := l.Validate(); err != nil {
				return fmt.Errorf("section %s: %w", s.Name, err)
			}
		}
		if s.Ready != nil {
			if err := s.Ready.Validate(); err != nil {
				return fmt.Errorf("section %s ready: %w", s.Name, err)
			}
		}
	}
	return nil
}

func deref(locs ...*browser.Locator) []browser.Locator {
	var out []browser.Locator
	for _, l := range locs {
		if l != nil {
			out = append(out, *l)
		}
	}
	return out
}

// Value is one captured display value.
type Value struct {
	LogicalName   string `json:"logical_name"`
	RawText       string `json:"raw_text"`
	SourceSection string `json:"source_section"`
}

// SectionFailure records why a section produced nothing.
type SectionFailure struct {
	Section string `json:"section"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// View is the capture result.
type View struct {
	Values  map[string]Value               `json:"values"`
	Tables  map[string][]map[string]string `json:"tables,omitempty"`
	Failed  []SectionFailure               `json:"failed,omitempty"`
	Skipped []string                       `json:"skipped,omitempty"`
}

// Text flattens the view into logical name -> raw text.
func (v View) Text() map[string]string {
	out := make(map[string]string, len(v.Values))
	for k, val := range v.Values {
		out[k] = val.RawText
	}
	return out
}

// SectionFailed reports whether the named section is in Failed.
func (v View) SectionFailed(name string) bool {
	for _, f := range v.Failed {
		if f.Section == name {
			return true
		}
	}
	return false
}

// Options bounds each section's waits.
type Options struct {
	Timeout time.Duration
	Poll    time.Duration
}

// Capturer reads views from one driver.
type Capturer struct {
	driver   browser.Driver
	resolver *resolve.Resolver
	opts     Options
}

// New returns a Capturer for d.
func New(d browser.Driver, opts Options) *Capturer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = wait.DefaultPoll
	}
	return &Capturer{driver: d, resolver: resolve.New(d, opts.Poll), opts: opts}
}

var errSkipped = errors.New("section skipped")

// Capture reads every section in order.
func (c *Capturer) Capture(ctx context.Context, view ViewSpec) View {
	out := View{Values: map[string]Value{}, Tables: map[string][]map[string]string{}}
	log := logging.Get(logging.CategoryCapture)
	timer := logging.StartTimer(logging.CategoryCapture, "capture view")
	defer timer.Stop()

	for _, sec := range view.Sections {
		err := c.section(ctx, sec, &out)
		switch {
		case err == nil:
		case errors.Is(err, errSkipped):
			log.Info("section %s skipped: navigation control absent", sec.Name)
			out.Skipped = append(out.Skipped, sec.Name)
		default:
			log.Warn("section %s failed: %v", sec.Name, err)
			out.Failed = append(out.Failed, SectionFailure{Section: sec.Name, Reason: err.Error(), Err: err})
		}
	}
	log.Info("captured %d values (%d sections failed)", len(out.Values), len(out.Failed))
	return out
}

func (c *Capturer) section(ctx context.Context, sec Section, out *View) error {
	if len(sec.Navigate) > 0 {
		nav := resolve.Field{LogicalName: sec.Name + ".navigate", Candidates: sec.Navigate}
		var (
			el  browser.Element
			err error
		)
		if sec.Optional {
			el, err = c.resolver.Peek(ctx, nav, nil)
			if resolve.IsNotResolved(err) {
				return errSkipped
			}
		} else {
			el, err = c.resolver.Resolve(ctx, nav, nil, c.opts.Timeout)
		}
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if err := c.driver.Act(ctx, el, browser.Click()); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
	}
	if sec.Ready != nil {
		if _, err := wait.Until(ctx, sec.Ready.Bind(c.driver, nil), c.opts.Timeout, c.opts.Poll); err != nil {
			return fmt.Errorf("ready: %w", err)
		}
	}
	if sec.Table != nil {
		return c.table(ctx, sec, out)
	}
	return c.pairs(ctx, sec, out)
}

func (c *Capturer) pairs(ctx context.Context, sec Section, out *View) error {
	if _, err := wait.Until(ctx, wait.Present(c.driver, *sec.Labels, nil), c.opts.Timeout, c.opts.Poll); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	labels, err := c.texts(ctx, *sec.Labels)
	if err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	values, err := c.texts(ctx, *sec.Values)
	if err != nil {
		return fmt.Errorf("values: %w", err)
	}
	if len(labels) != len(values) {
		logging.Get(logging.CategoryCapture).Warn("section %s: %d labels but %d values, zipping the shorter",
			sec.Name, len(labels), len(values))
	}
	for i := 0; i < len(labels) && i < len(values); i++ {
		c.put(out, sec, logicalName(sec.Aliases, labels[i]), values[i])
	}
	return nil
}

func (c *Capturer) table(ctx context.Context, sec Section, out *View) error {
	if _, err := wait.Until(ctx, wait.Present(c.driver, *sec.Table, nil), c.opts.Timeout, c.opts.Poll); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	els, err := c.driver.Find(ctx, *sec.Table, nil)
	if err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if len(els) == 0 {
		return fmt.Errorf("table %s disappeared", sec.Table)
	}
	html, err := c.driver.OuterHTML(ctx, els[0])
	if err != nil {
		return fmt.Errorf("table html: %w", err)
	}
	headers, rows, err := ParseTable(html)
	if err != nil {
		return err
	}
	for i, h := range headers {
		headers[i] = logicalName(sec.Aliases, h)
	}

	records := make([]map[string]string, 0, len(rows))
	for i, row := range rows {
		rec := make(map[string]string, len(headers))
		for j, h := range headers {
			if j < len(row) {
				rec[h] = row[j]
				c.put(out, sec, fmt.Sprintf("%s[%d].%s", sec.Name, i, h), row[j])
			}
		}
		records = append(records, rec)
	}
	out.Tables[sec.Name] = records
	return nil
}

func (c *Capturer) texts(ctx context.Context, loc browser.Locator) ([]string, error) {
	els, err := c.driver.Find(ctx, loc, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		st, err := c.driver.Inspect(ctx, el)
		if err != nil {
			return nil, err
		}
		out = append(out, collapse(st.Text))
	}
	return out, nil
}

func (c *Capturer) put(out *View, sec Section, name, text string) {
	if prev, ok := out.Values[name]; ok {
		logging.Get(logging.CategoryCapture).Debug("%s already captured from %s, keeping the first value", name, prev.SourceSection)
		return
	}
	out.Values[name] = Value{LogicalName: name, RawText: text, SourceSection: sec.Name}
}

// logicalName maps a displayed label to its logical name.
func logicalName(aliases map[string]string, label string) string {
	label = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(label), ":"))
	if n, ok := aliases[label]; ok {
		return n
	}
	for k, n := range aliases {
		if strings.EqualFold(k, label) {
			return n
		}
	}
	return label
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Names returns the captured logical names, sorted.
func (v View) Names() []string {
	names := make([]string, 0, len(v.Values))
	for k := range v.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
