// Package browsertest provides an in-memory browser.Driver for tests. Nodes declare
// the locators that find them and can appear, show or enable after a delay, which
// is enough to exercise synchronization without a real browser.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"formnerd/internal/browser"
)

// Option is one <option> of a fake select.
type Option struct {
	Value string
	Text  string
}

// Node is a fake DOM element.
type Node struct {
	Name    string
	Tag     string
	Parent  string            // name of the enclosing node; "" is the page
	Matches []browser.Locator // locators that find this node

	Hidden    bool
	Disabled  bool
	Obscured  bool
	Checkable bool // clicks flip Checked
	Checked   bool
	Text      string
	Value     string
	Options   []Option
	HTML      string

	// Delays are measured from when the node was added.
	AppearAfter time.Duration
	ShowAfter   time.Duration
	EnableAfter time.Duration

	// ActErr, when set, is returned by every Act on this node.
	ActErr error
	// OnAct runs after a successful action, outside the driver lock.
	OnAct func(d *Driver, act browser.Action)

	addedAt time.Time
}

// Record is one entry in the action log.
type Record struct {
	Node   string
	Action browser.Action
}

// Driver is a fake browser.Driver. The zero value is not usable; call New.
type Driver struct {
	mu         sync.Mutex
	nodes      []*Node
	actions    []Record
	navigated  []string
	closed     bool
	finds      int
	OnNavigate func(d *Driver, url string)
	NavErr     error
	Shot       []byte
}

type handle struct {
	name string
	desc string
}

func (h *handle) Describe() string { return h.desc }

// New returns a driver populated with nodes.
func New(nodes ...*Node) *Driver {
	d := &Driver{Shot: []byte("\x89PNG fake")}
	d.Add(nodes...)
	return d
}

// Add inserts nodes, replacing any with the same name.
func (d *Driver) Add(nodes ...*Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, n := range nodes {
		n.addedAt = now
		d.removeLocked(n.Name)
		d.nodes = append(d.nodes, n)
	}
}

// Remove detaches a node and its descendants.
func (d *Driver) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(name)
}

func (d *Driver) removeLocked(name string) {
	var kept []*Node
	for _, n := range d.nodes {
		if n.Name == name || d.descendsLocked(n, name) {
			continue
		}
		kept = append(kept, n)
	}
	d.nodes = kept
}

// Update mutates a node under the driver lock.
func (d *Driver) Update(name string, fn func(n *Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.nodeLocked(name); n != nil {
		fn(n)
	}
}

// Node returns a copy of the named node, or false.
func (d *Driver) Node(name string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.nodeLocked(name); n != nil {
		return *n, true
	}
	return Node{}, false
}

// Actions returns the action log.
func (d *Driver) Actions() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.actions...)
}

// ActionsOn returns the kinds of actions performed on one node, in order.
func (d *Driver) ActionsOn(name string) []browser.ActionKind {
	var out []browser.ActionKind
	for _, r := range d.Actions() {
		if r.Node == name {
			out = append(out, r.Action.Kind)
		}
	}
	return out
}

// Navigations returns every URL passed to Navigate.
func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigated...)
}

// FindCalls counts Find invocations.
func (d *Driver) FindCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finds
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.navigated = append(d.navigated, url)
	hook, err := d.OnNavigate, d.NavErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(d, url)
	}
	return nil
}

func (d *Driver) Find(ctx context.Context, loc browser.Locator, scope browser.Element) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	scopeName := ""
	if scope != nil {
		h, ok := scope.(*handle)
		if !ok {
			return nil, browser.ErrForeignElement
		}
		scopeName = h.name
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.finds++
	if scopeName != "" && d.nodeLocked(scopeName) == nil {
		return nil, fmt.Errorf("stale element %s", scopeName)
	}
	now := time.Now()
	var out []browser.Element
	for _, n := range d.nodes {
		if now.Sub(n.addedAt) < n.AppearAfter || !matches(n, loc) {
			continue
		}
		if scopeName != "" && !d.descendsLocked(n, scopeName) {
			continue
		}
		out = append(out, &handle{name: n.Name, desc: n.Name})
	}
	return out, nil
}

func (d *Driver) Inspect(ctx context.Context, el browser.Element) (browser.ElementState, error) {
	if err := ctx.Err(); err != nil {
		return browser.ElementState{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(el)
	if err != nil {
		return browser.ElementState{}, err
	}
	age := time.Since(n.addedAt)
	tag := n.Tag
	if tag == "" {
		tag = "div"
	}
	return browser.ElementState{
		Tag:         tag,
		Visible:     !n.Hidden && age >= n.ShowAfter,
		Enabled:     !n.Disabled && age >= n.EnableAfter,
		Obscured:    n.Obscured,
		Checked:     n.Checked,
		Text:        n.Text,
		Value:       n.Value,
		OptionCount: len(n.Options),
	}, nil
}

func (d *Driver) Act(ctx context.Context, el browser.Element, act browser.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	n, err := d.resolveLocked(el)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if n.ActErr != nil {
		d.mu.Unlock()
		return n.ActErr
	}
	if err := apply(n, act); err != nil {
		d.mu.Unlock()
		return err
	}
	d.actions = append(d.actions, Record{Node: n.Name, Action: act})
	hook := n.OnAct
	d.mu.Unlock()

	if hook != nil {
		hook(d, act)
	}
	return nil
}

func (d *Driver) OuterHTML(ctx context.Context, el browser.Element) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolveLocked(el)
	if err != nil {
		return "", err
	}
	return n.HTML, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Shot, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) resolveLocked(el browser.Element) (*Node, error) {
	h, ok := el.(*handle)
	if !ok || h == nil {
		return nil, browser.ErrForeignElement
	}
	n := d.nodeLocked(h.name)
	if n == nil {
		return nil, fmt.Errorf("stale element %s", h.name)
	}
	return n, nil
}

func (d *Driver) nodeLocked(name string) *Node {
	for _, n := range d.nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

func (d *Driver) descendsLocked(n *Node, ancestor string) bool {
	for seen := 0; n != nil && n.Parent != "" && seen <= len(d.nodes); seen++ {
		if n.Parent == ancestor {
			return true
		}
		n = d.nodeLocked(n.Parent)
	}
	return false
}

func matches(n *Node, loc browser.Locator) bool {
	for _, m := range n.Matches {
		if m.Strategy == loc.Strategy && m.Pattern == loc.Pattern {
			return true
		}
	}
	return false
}

func apply(n *Node, act browser.Action) error {
	switch act.Kind {
	case browser.ActionClick:
		if n.Checkable {
			n.Checked = !n.Checked
		}
	case browser.ActionScrollIntoView:
	case browser.ActionClear:
		n.Value = ""
	case browser.ActionType:
		n.Value += act.Text
	case browser.ActionSetFiles:
		if len(act.Files) > 0 {
			n.Value = act.Files[0]
		}
	case browser.ActionSelectValue, browser.ActionSelectText, browser.ActionSelectIndex:
		if len(n.Options) == 0 {
			return fmt.Errorf("%w: %s", browser.ErrUnsupportedAction, n.Name)
		}
		for i, o := range n.Options {
			if (act.Kind == browser.ActionSelectValue && o.Value == act.Text) ||
				(act.Kind == browser.ActionSelectText && o.Text == act.Text) ||
				(act.Kind == browser.ActionSelectIndex && i == act.Index) {
				n.Value = o.Value
				n.Text = o.Text
				return nil
			}
		}
		return fmt.Errorf("%s: no option matches %s", n.Name, act)
	default:
		return fmt.Errorf("%w: %s", browser.ErrUnsupportedAction, act.Kind)
	}
	return nil
}

var _ browser.Driver = (*Driver)(nil)
