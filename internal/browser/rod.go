package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"formnerd/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// inspectBody snapshots everything ElementState needs in one round trip.
// It expects the element in a variable named el.
const inspectBody = `
	const r = el.getBoundingClientRect();
	const s = window.getComputedStyle(el);
	const visible = s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0' && r.width > 0 && r.height > 0;
	let obscured = false;
	if (visible) {
		const cx = r.left + r.width / 2, cy = r.top + r.height / 2;
		if (cx >= 0 && cy >= 0 && cx <= window.innerWidth && cy <= window.innerHeight) {
			const top = document.elementFromPoint(cx, cy);
			const labels = el.labels ? Array.from(el.labels) : [];
			obscured = !!top && top !== el && !el.contains(top) && !labels.some(l => l === top || l.contains(top));
		}
	}
	return {
		tag: el.tagName.toLowerCase(),
		visible,
		enabled: !el.disabled && el.getAttribute('aria-disabled') !== 'true',
		obscured,
		checked: !!el.checked,
		text: (el.innerText || el.textContent || '').trim(),
		value: ('value' in el && el.value != null) ? String(el.value) : '',
		option_count: el.options ? el.options.length : 0,
	};
`

// rod binds the element to "this".
const inspectJS = "() => {\n\tconst el = this;" + inspectBody + "}"

const clearJS = `() => {
	this.value = '';
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

const selectIndexJS = `(i) => {
	this.selectedIndex = i;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return this.selectedIndex === i;
}`

// RodDriver drives one incognito page of a Chrome instance over CDP.
type RodDriver struct {
	cfg      Config
	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher // non-nil when we own the browser process

	controlURL string
}

type rodElement struct {
	el   *rod.Element
	desc string
}

func (e *rodElement) Describe() string { return e.desc }

// Launch starts a Chrome process according to cfg and returns its control URL.
// The launcher is returned so the caller can Kill/Cleanup it.
func Launch(cfg Config) (*launcher.Launcher, string, error) {
	l := launcher.New().Headless(cfg.Headless)
	if len(cfg.Launch) > 0 {
		l = l.Bin(cfg.Launch[0])
		for _, rawFlag := range cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	url, err := l.Launch()
	if err != nil {
		return nil, "", fmt.Errorf("launch chrome: %w", err)
	}
	return l, url, nil
}

// NewRodDriver connects to cfg.DebuggerURL, or launches a browser when it is empty,
// and opens a fresh incognito page.
func NewRodDriver(ctx context.Context, cfg Config) (*RodDriver, error) {
	d := &RodDriver{cfg: cfg}

	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l, url, err := Launch(cfg)
		if err != nil {
			return nil, err
		}
		d.launcher = l
		controlURL = url
	}

	d.controlURL = controlURL

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		d.cleanupLauncher()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = b

	incognito, err := b.Incognito()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	d.page = page

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.GetViewportWidth(),
		Height:            cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("failed to set viewport: %v", err)
	}

	logging.Get(logging.CategoryBrowser).Debug("rod driver ready (control=%s, launched=%v)", controlURL, d.launcher != nil)
	return d, nil
}

// Navigate loads url and waits for the load event.
func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx).Timeout(d.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// Find returns all elements currently matching loc, without waiting.
func (d *RodDriver) Find(ctx context.Context, loc Locator, scope Element) ([]Element, error) {
	q, err := Translate(loc, scope != nil)
	if err != nil {
		return nil, err
	}

	var els rod.Elements
	if scope == nil {
		page := d.page.Context(ctx)
		if q.CSS != "" {
			els, err = page.Elements(q.CSS)
		} else {
			els, err = page.ElementsX(q.XPath)
		}
	} else {
		root, uerr := d.unwrap(scope)
		if uerr != nil {
			return nil, uerr
		}
		root = root.Context(ctx)
		if q.CSS != "" {
			els, err = root.Elements(q.CSS)
		} else {
			els, err = root.ElementsX(q.XPath)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}

	out := make([]Element, 0, len(els))
	for i, el := range els {
		out = append(out, &rodElement{el: el, desc: fmt.Sprintf("%s#%d", loc, i)})
	}
	return out, nil
}

// Inspect snapshots the element state.
func (d *RodDriver) Inspect(ctx context.Context, el Element) (ElementState, error) {
	re, err := d.unwrap(el)
	if err != nil {
		return ElementState{}, err
	}
	res, err := re.Context(ctx).Eval(inspectJS)
	if err != nil {
		return ElementState{}, fmt.Errorf("inspect %s: %w", el.Describe(), err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return ElementState{}, fmt.Errorf("marshal state: %w", err)
	}
	var st ElementState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ElementState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// Act performs one interaction.
func (d *RodDriver) Act(ctx context.Context, el Element, act Action) error {
	re, err := d.unwrap(el)
	if err != nil {
		return err
	}
	re = re.Context(ctx)

	switch act.Kind {
	case ActionClick:
		err = re.Click(proto.InputMouseButtonLeft, 1)
	case ActionClear:
		_, err = re.Eval(clearJS)
	case ActionType:
		err = re.Input(act.Text)
	case ActionSelectValue:
		err = re.Select([]string{"option[value=" + cssString(act.Text) + "]"}, true, rod.SelectorTypeCSSSector)
	case ActionSelectText:
		err = re.Select([]string{`^\s*` + regexp.QuoteMeta(act.Text) + `\s*$`}, true, rod.SelectorTypeRegex)
	case ActionSelectIndex:
		res, evalErr := re.Eval(selectIndexJS, act.Index)
		if evalErr != nil {
			err = evalErr
		} else if !res.Value.Bool() {
			err = fmt.Errorf("%w: option index %d out of range", ErrUnsupportedAction, act.Index)
		}
	case ActionSetFiles:
		err = re.SetFiles(act.Files)
	case ActionScrollIntoView:
		err = re.ScrollIntoView()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, act.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", act, el.Describe(), err)
	}
	return nil
}

// OuterHTML returns the element's outer HTML.
func (d *RodDriver) OuterHTML(ctx context.Context, el Element) (string, error) {
	re, err := d.unwrap(el)
	if err != nil {
		return "", err
	}
	return re.Context(ctx).HTML()
}

// Screenshot captures the visible viewport.
func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}

// ControlURL returns the DevTools endpoint this driver is attached to.
func (d *RodDriver) ControlURL() string {
	return d.controlURL
}

// Close closes the page, and the browser when this driver launched it.
// Safe to call more than once.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		d.page = nil
	}
	if d.browser != nil && d.launcher != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	d.browser = nil
	d.cleanupLauncher()
	return errors.Join(errs...)
}

func (d *RodDriver) cleanupLauncher() {
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
		d.launcher = nil
	}
}

func (d *RodDriver) unwrap(el Element) (*rod.Element, error) {
	re, ok := el.(*rodElement)
	if !ok || re == nil || re.el == nil {
		return nil, ErrForeignElement
	}
	return re.el, nil
}
