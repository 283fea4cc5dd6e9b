package form

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/browser/browsertest"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastOpts = Options{
	ResolveTimeout: 60 * time.Millisecond,
	StepTimeout:    60 * time.Millisecond,
	Poll:           2 * time.Millisecond,
	SettleMax:      20 * time.Millisecond,
}

func loc(raw string) browser.Locator { return browser.MustParseLocator(raw) }

func fieldSpec(name string, kind Kind, raw ...string) FieldSpec {
	f := FieldSpec{Field: resolve.Field{LogicalName: name}, Kind: kind}
	for _, r := range raw {
		f.Candidates = append(f.Candidates, loc(r))
	}
	return f
}

func node(name string, raw ...string) *browsertest.Node {
	n := &browsertest.Node{Name: name}
	for _, r := range raw {
		n.Matches = append(n.Matches, loc(r))
	}
	return n
}

// step builds a step whose submit button is "next" and whose outcome is
// signalled by the "done" or "error" banners.
func step(name string, fields ...FieldSpec) StepSpec {
	return StepSpec{
		Name:    name,
		Fields:  fields,
		Submit:  []browser.Locator{loc("id=next"), loc("text=Next")},
		Success: wait.Spec{Kind: wait.KindVisible, Locator: loc("id=" + name + "-done")},
		Failure: wait.Spec{Kind: wait.KindVisible, Locator: loc("css=.error")},
	}
}

// nextButton advances to the given banner when clicked.
func nextButton(banner string) *browsertest.Node {
	n := node("next", "text=Next")
	n.OnAct = func(d *browsertest.Driver, act browser.Action) {
		if act.Kind == browser.ActionClick && banner != "" {
			d.Add(node(banner, "id="+banner))
		}
	}
	return n
}

func TestFillStep_AppliesEveryKind(t *testing.T) {
	contract := node("contract", "id=contract")
	contract.Options = []browsertest.Option{{Value: "", Text: "Choose"}, {Value: "IND", Text: "Indefinido"}}
	plan := node("plan", "id=plan")
	plan.Options = []browsertest.Option{{Value: "p1", Text: "Basic"}, {Value: "p2", Text: "Premium"}}
	slot := node("slot", "id=slot")
	slot.Options = []browsertest.Option{{Value: "am", Text: "Morning"}, {Value: "pm", Text: "Afternoon"}}
	remote := node("remote", "id=remote")
	remote.Checkable = true
	newsletter := node("newsletter", "id=newsletter")
	newsletter.Checkable, newsletter.Checked = true, true

	d := browsertest.New(
		node("name", "id=name"), contract, plan, slot, remote, newsletter,
		node("start", "id=start"), node("photo", "css=input[type=file]"),
		nextButton("s1-done"),
	)
	d.Update("name", func(n *browsertest.Node) { n.Value = "stale" })

	byText := fieldSpec("plan", KindChoice, "id=plan")
	byText.Select = SelectText
	byIndex := fieldSpec("slot", KindChoice, "id=slot")
	byIndex.Select = SelectIndex
	start := fieldSpec("start", KindDate, "id=start")
	start.Format = "02/01/2006"

	s := NewSession(map[string]string{
		"name": "Ada", "contract": "Indefinido", "plan": "Premium", "slot": "1",
		"remote": "true", "newsletter": "true", "start": "2026-03-01", "photo": "/tmp/photo.png",
	})
	o := New(d, fastOpts)
	res, err := o.FillStep(context.Background(), step("s1",
		fieldSpec("name", KindText, "id=name"),
		fieldSpec("contract", KindChoice, "id=contract"),
		byText, byIndex,
		fieldSpec("remote", KindToggle, "id=remote"),
		fieldSpec("newsletter", KindToggle, "id=newsletter"),
		start,
		fieldSpec("photo", KindFile, "css=input[type=file]"),
	), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Empty(t, res.FieldErrors)
	assert.Equal(t, 1, s.StepIndex)

	value := func(name string) string {
		n, ok := d.Node(name)
		require.True(t, ok)
		return n.Value
	}
	assert.Equal(t, "Ada", value("name"), "text is cleared before typing")
	assert.Equal(t, "IND", value("contract"), "auto mode falls back from value to visible text")
	assert.Equal(t, "p2", value("plan"))
	assert.Equal(t, "pm", value("slot"))
	assert.Equal(t, "01/03/2026", value("start"))
	assert.Equal(t, "/tmp/photo.png", value("photo"))

	r, _ := d.Node("remote")
	assert.True(t, r.Checked)
	assert.Equal(t, []browser.ActionKind{browser.ActionScrollIntoView}, d.ActionsOn("newsletter"),
		"toggle already in the desired state is not clicked")

	assert.Equal(t, s.Data, s.Filled)
}

func TestFillStep_SkipsFieldsWithoutData(t *testing.T) {
	d := browsertest.New(node("name", "id=name"), nextButton("s1-done"))
	s := NewSession(nil)
	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1", fieldSpec("name", KindText, "id=name")), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Empty(t, d.ActionsOn("name"))
	assert.Empty(t, s.Filled)
}

func TestFillStep_DependentFieldWaitsForActivation(t *testing.T) {
	var enabledAt, cityAt atomic.Int64

	region := node("region", "id=region")
	region.Options = []browsertest.Option{{Value: "", Text: "Choose"}, {Value: "13", Text: "Metropolitana"}}
	// Choosing a region reloads the city list; the region select is disabled meanwhile.
	region.OnAct = func(d *browsertest.Driver, act browser.Action) {
		if act.Kind != browser.ActionSelectValue && act.Kind != browser.ActionSelectText {
			return
		}
		d.Update("region", func(n *browsertest.Node) { n.Disabled = true })
		time.AfterFunc(30*time.Millisecond, func() {
			enabledAt.Store(time.Now().UnixNano())
			d.Update("region", func(n *browsertest.Node) { n.Disabled = false })
		})
	}
	city := node("city", "id=city")
	city.Options = []browsertest.Option{{Value: "stgo", Text: "Santiago"}}
	city.OnAct = func(d *browsertest.Driver, act browser.Action) {
		if cityAt.Load() == 0 {
			cityAt.Store(time.Now().UnixNano())
		}
	}

	dependent := fieldSpec("city", KindChoice, "id=city")
	dependent.DependsOn = "region"

	for i := 0; i < 3; i++ {
		enabledAt.Store(0)
		cityAt.Store(0)
		d := browsertest.New(region, city, nextButton("s1-done"))
		s := NewSession(map[string]string{"region": "13", "city": "stgo"})

		opts := fastOpts
		opts.ResolveTimeout = time.Second
		res, err := New(d, opts).FillStep(context.Background(),
			step("s1", fieldSpec("region", KindChoice, "id=region"), dependent), s)
		require.NoError(t, err)
		require.Empty(t, res.FieldErrors)
		require.NotZero(t, enabledAt.Load())
		assert.GreaterOrEqual(t, cityAt.Load(), enabledAt.Load(), "run %d touched city before region re-enabled", i)
	}
}

func TestFillStep_ActivationOptionCount(t *testing.T) {
	kind := node("kind", "id=kind")
	kind.Options = []browsertest.Option{{Value: "", Text: "Choose"}}

	d := browsertest.New(kind, node("detail", "id=detail"), nextButton("s1-done"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Update("kind", func(n *browsertest.Node) {
			n.Options = append(n.Options, browsertest.Option{Value: "a", Text: "A"})
		})
	}()

	detail := fieldSpec("detail", KindText, "id=detail")
	detail.DependsOn = "kind"
	detail.Activation = &Activation{Kind: ActivationOptionCountAtLeast, Count: 2}

	opts := fastOpts
	opts.ResolveTimeout = time.Second
	s := NewSession(map[string]string{"detail": "x"})
	res, err := New(d, opts).FillStep(context.Background(), step("s1", fieldSpec("kind", KindChoice, "id=kind"), detail), s)
	require.NoError(t, err)
	assert.Empty(t, res.FieldErrors)
	n, _ := d.Node("kind")
	assert.Len(t, n.Options, 2)
	assert.Equal(t, "x", s.Filled["detail"])
}

func TestFillStep_BestEffortContinuesPastMissingField(t *testing.T) {
	d := browsertest.New(node("last", "id=last"), nextButton("s1-done"))
	s := NewSession(map[string]string{"middle": "M", "last": "L"})

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1",
		fieldSpec("middle", KindText, "id=middle", "css=[name=middle]"),
		fieldSpec("last", KindText, "id=last"),
	), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	require.Len(t, res.FieldErrors, 1)
	assert.Equal(t, "middle", res.FieldErrors[0].Field)
	assert.Equal(t, ErrKindNotResolved, res.FieldErrors[0].Kind)
	assert.Equal(t, map[string]string{"last": "L"}, s.Filled)
}

func TestFillStep_StrictAbortsOnFirstFailure(t *testing.T) {
	d := browsertest.New(node("last", "id=last"), nextButton("s1-done"))
	s := NewSession(map[string]string{"middle": "M", "last": "L"})
	opts := fastOpts
	opts.Mode = Strict

	res, err := New(d, opts).FillStep(context.Background(), step("s1",
		fieldSpec("middle", KindText, "id=middle"),
		fieldSpec("last", KindText, "id=last"),
	), s)
	var enr *resolve.ElementNotResolved
	require.ErrorAs(t, err, &enr)
	assert.Equal(t, "middle", enr.LogicalName)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.False(t, res.Advanced)
	assert.Empty(t, d.ActionsOn("last"))
	assert.Empty(t, d.ActionsOn("next"), "submit is never clicked")
}

func TestFillStep_StrictToleratesOptionalField(t *testing.T) {
	d := browsertest.New(node("last", "id=last"), nextButton("s1-done"))
	s := NewSession(map[string]string{"nickname": "N", "last": "L"})
	opts := fastOpts
	opts.Mode = Strict

	optional := fieldSpec("nickname", KindText, "id=nickname")
	optional.Optional = true
	res, err := New(d, opts).FillStep(context.Background(), step("s1", optional, fieldSpec("last", KindText, "id=last")), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	require.Len(t, res.FieldErrors, 1)
	assert.Equal(t, "nickname", res.FieldErrors[0].Field)
}

func TestFillStep_DriverFaultAbortsInBestEffort(t *testing.T) {
	broken := node("age", "id=age")
	broken.ActErr = assert.AnError
	d := browsertest.New(broken, node("city", "id=city"), nextButton("s1-done"))
	s := NewSession(map[string]string{"age": "40", "city": "Lima"})

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1",
		fieldSpec("age", KindText, "id=age"),
		fieldSpec("city", KindText, "id=city"),
	), s)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.False(t, res.Advanced)
	require.Len(t, res.FieldErrors, 1)
	assert.Equal(t, ErrKindFillFailed, res.FieldErrors[0].Kind)
	assert.Empty(t, d.ActionsOn("city"), "fields after the fault are not touched")
	assert.Empty(t, d.ActionsOn("next"), "the step is not submitted")
}

func TestFillStep_BadToggleValueAborts(t *testing.T) {
	terms := node("terms", "id=terms")
	terms.Checkable = true
	d := browsertest.New(terms, nextButton("s1-done"))
	s := NewSession(map[string]string{"terms": "maybe"})

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1", fieldSpec("terms", KindToggle, "id=terms")), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maybe")
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.NotContains(t, s.Filled, "terms")
}

func TestFillStep_ToggleAcceptsYesNo(t *testing.T) {
	terms := node("terms", "id=terms")
	terms.Checkable = true
	promo := node("promo", "id=promo")
	promo.Checkable, promo.Checked = true, true
	d := browsertest.New(terms, promo, nextButton("s1-done"))
	s := NewSession(map[string]string{"terms": "yes", "promo": "Off"})

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1",
		fieldSpec("terms", KindToggle, "id=terms"),
		fieldSpec("promo", KindToggle, "id=promo"),
	), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Empty(t, res.FieldErrors)

	n, _ := d.Node("terms")
	assert.True(t, n.Checked)
	n, _ = d.Node("promo")
	assert.False(t, n.Checked)
}

func TestFillStep_SessionLiteral(t *testing.T) {
	d := browsertest.New(node("name", "id=name"), nextButton("s1-done"))
	s := &Session{Data: map[string]string{"name": "Ada"}}

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1", fieldSpec("name", KindText, "id=name")), s)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, map[string]string{"name": "Ada"}, s.Filled)
}

func TestFillStep_ValidationFailed(t *testing.T) {
	d := browsertest.New(nextButton("banner"))
	d.Update("next", func(n *browsertest.Node) {
		n.OnAct = func(d *browsertest.Driver, act browser.Action) {
			if act.Kind == browser.ActionClick {
				d.Add(node("err", "css=.error"))
			}
		}
	})
	s := NewSession(nil)

	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1"), s)
	var svf *StepValidationFailed
	require.ErrorAs(t, err, &svf)
	assert.Equal(t, "s1", svf.Step)
	assert.Equal(t, OutcomeValidationFailed, res.Outcome)
	assert.False(t, res.Advanced)
	assert.Equal(t, 0, s.StepIndex)
}

func TestFillStep_UnexpectedTransitionIsNotAnError(t *testing.T) {
	d := browsertest.New(nextButton(""))
	res, err := New(d, fastOpts).FillStep(context.Background(), step("s1"), NewSession(nil))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, OutcomeUnexpectedTransition, res.Outcome)
	require.Len(t, res.FieldErrors, 1)
	assert.Equal(t, ErrKindUnexpectedTransition, res.FieldErrors[0].Kind)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestFillStep_SubmitMissing(t *testing.T) {
	res, err := New(browsertest.New(), fastOpts).FillStep(context.Background(), step("s1"), NewSession(nil))
	assert.True(t, resolve.IsNotResolved(err))
	assert.Equal(t, OutcomeAborted, res.Outcome)
}

func TestFillStep_SettleAfterIsBounded(t *testing.T) {
	d := browsertest.New(node("name", "id=name"), nextButton("s1-done"))
	f := fieldSpec("name", KindText, "id=name")
	f.SettleAfter = "1h"

	start := time.Now()
	_, err := New(d, fastOpts).FillStep(context.Background(), step("s1", f), NewSession(map[string]string{"name": "x"}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_States(t *testing.T) {
	multi := func() *browsertest.Driver {
		next := node("next", "text=Next")
		clicks := 0
		next.OnAct = func(d *browsertest.Driver, act browser.Action) {
			if act.Kind != browser.ActionClick {
				return
			}
			clicks++
			if clicks == 1 {
				d.Add(node("s1-done", "id=s1-done"))
			} else {
				d.Add(node("s2-done", "id=s2-done"))
			}
		}
		return browsertest.New(next)
	}

	t.Run("completed", func(t *testing.T) {
		s := NewSession(nil)
		results, err := New(multi(), fastOpts).Run(context.Background(), []StepSpec{step("s1"), step("s2")}, s)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		assert.Equal(t, StateCompleted, s.State)
		assert.Equal(t, 2, s.StepIndex)
	})

	t.Run("stalled", func(t *testing.T) {
		s := NewSession(nil)
		results, err := New(multi(), fastOpts).Run(context.Background(), []StepSpec{step("s1"), step("s3"), step("s2")}, s)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, OutcomeUnexpectedTransition, results[1].Outcome)
		assert.Equal(t, StateFailed, s.State)
	})

	t.Run("aborted", func(t *testing.T) {
		opts := fastOpts
		opts.Mode = Strict
		s := NewSession(map[string]string{"ghost": "x"})
		_, err := New(multi(), opts).Run(context.Background(), []StepSpec{step("s1", fieldSpec("ghost", KindText, "id=ghost"))}, s)
		require.Error(t, err)
		assert.Equal(t, StateAborted, s.State)
	})

	t.Run("validation failed", func(t *testing.T) {
		d := browsertest.New(node("next", "text=Next"), node("err", "css=.error"))
		s := NewSession(nil)
		_, err := New(d, fastOpts).Run(context.Background(), []StepSpec{step("s1")}, s)
		assert.True(t, IsValidationFailed(err))
		assert.Equal(t, StateFailed, s.State)
	})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": BestEffort, "bestEffort": BestEffort, "best_effort": BestEffort, "strict": Strict} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("yolo")
	assert.Error(t, err)
}
