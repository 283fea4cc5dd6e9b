package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"formnerd/internal/logging"

	"github.com/playwright-community/playwright-go"
)

// playwright passes the element as the first argument.
const pwInspectJS = "el => {" + inspectBody + "}"

// PlaywrightDriver drives one page of a fresh browser context through playwright-go.
type PlaywrightDriver struct {
	cfg     Config
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

type pwElement struct {
	loc  playwright.Locator
	desc string
}

func (e *pwElement) Describe() string { return e.desc }

// NewPlaywrightDriver starts the playwright server, then either connects to
// cfg.DebuggerURL over CDP or launches Chromium.
func NewPlaywrightDriver(ctx context.Context, cfg Config) (*PlaywrightDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	d := &PlaywrightDriver{cfg: cfg, pw: pw}

	if cfg.DebuggerURL != "" {
		d.browser, err = pw.Chromium.ConnectOverCDP(cfg.DebuggerURL)
	} else {
		opts := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(cfg.Headless)}
		if len(cfg.Launch) > 0 {
			opts.ExecutablePath = playwright.String(cfg.Launch[0])
			opts.Args = cfg.Launch[1:]
		}
		d.browser, err = pw.Chromium.Launch(opts)
	}
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("open chromium: %w", err)
	}

	d.context, err = d.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: cfg.GetViewportWidth(), Height: cfg.GetViewportHeight()},
	})
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	d.page, err = d.context.NewPage()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	logging.Get(logging.CategoryBrowser).Debug("playwright driver ready (cdp=%q)", cfg.DebuggerURL)
	return d, nil
}

// Navigate loads url and waits for DOMContentLoaded.
func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	timeout := d.cfg.NavigationTimeout()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Find returns all elements currently matching loc, without waiting.
func (d *PlaywrightDriver) Find(ctx context.Context, loc Locator, scope Element) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := Translate(loc, scope != nil)
	if err != nil {
		return nil, err
	}
	selector := "css=" + q.CSS
	if q.CSS == "" {
		selector = "xpath=" + q.XPath
	}

	var base playwright.Locator
	if scope == nil {
		base = d.page.Locator(selector)
	} else {
		root, uerr := d.unwrap(scope)
		if uerr != nil {
			return nil, uerr
		}
		base = root.Locator(selector)
	}
	all, err := base.All()
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}

	out := make([]Element, 0, len(all))
	for i, l := range all {
		out = append(out, &pwElement{loc: l, desc: fmt.Sprintf("%s#%d", loc, i)})
	}
	return out, nil
}

// Inspect snapshots the element state.
func (d *PlaywrightDriver) Inspect(ctx context.Context, el Element) (ElementState, error) {
	l, err := d.unwrap(el)
	if err != nil {
		return ElementState{}, err
	}
	res, err := l.Evaluate(pwInspectJS, nil, playwright.LocatorEvaluateOptions{Timeout: actionTimeout(ctx)})
	if err != nil {
		return ElementState{}, fmt.Errorf("inspect %s: %w", el.Describe(), err)
	}
	raw, err := json.Marshal(res)
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
func (d *PlaywrightDriver) Act(ctx context.Context, el Element, act Action) error {
	l, err := d.unwrap(el)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := actionTimeout(ctx)

	switch act.Kind {
	case ActionClick:
		err = l.Click(playwright.LocatorClickOptions{Timeout: timeout})
	case ActionClear:
		err = l.Clear(playwright.LocatorClearOptions{Timeout: timeout})
	case ActionType:
		err = l.Fill(act.Text, playwright.LocatorFillOptions{Timeout: timeout})
	case ActionSelectValue:
		_, err = l.SelectOption(playwright.SelectOptionValues{Values: &[]string{act.Text}},
			playwright.LocatorSelectOptionOptions{Timeout: timeout})
	case ActionSelectText:
		_, err = l.SelectOption(playwright.SelectOptionValues{Labels: &[]string{act.Text}},
			playwright.LocatorSelectOptionOptions{Timeout: timeout})
	case ActionSelectIndex:
		_, err = l.SelectOption(playwright.SelectOptionValues{Indexes: &[]int{act.Index}},
			playwright.LocatorSelectOptionOptions{Timeout: timeout})
	case ActionSetFiles:
		err = l.SetInputFiles(act.Files, playwright.LocatorSetInputFilesOptions{Timeout: timeout})
	case ActionScrollIntoView:
		err = l.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: timeout})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, act.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", act, el.Describe(), err)
	}
	return nil
}

// OuterHTML returns the element's outer HTML.
func (d *PlaywrightDriver) OuterHTML(ctx context.Context, el Element) (string, error) {
	l, err := d.unwrap(el)
	if err != nil {
		return "", err
	}
	res, err := l.Evaluate("el => el.outerHTML", nil, playwright.LocatorEvaluateOptions{Timeout: actionTimeout(ctx)})
	if err != nil {
		return "", fmt.Errorf("outer html %s: %w", el.Describe(), err)
	}
	html, _ := res.(string)
	return html, nil
}

// Screenshot captures the visible viewport.
func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Screenshot(playwright.PageScreenshotOptions{Timeout: actionTimeout(ctx)})
}

// Close tears down page, context, browser and the playwright server.
// Safe to call more than once.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		d.page = nil
	}
	if d.context != nil {
		if err := d.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		d.context = nil
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		d.browser = nil
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
		d.pw = nil
	}
	return errors.Join(errs...)
}

func (d *PlaywrightDriver) unwrap(el Element) (playwright.Locator, error) {
	pe, ok := el.(*pwElement)
	if !ok || pe == nil || pe.loc == nil {
		return nil, ErrForeignElement
	}
	return pe.loc, nil
}

// actionTimeout maps the context deadline onto playwright's millisecond timeout.
// Without a deadline playwright's own default applies.
func actionTimeout(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := time.Until(dl).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(float64(ms))
}
