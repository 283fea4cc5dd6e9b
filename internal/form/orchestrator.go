package form

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/logging"
	"formnerd/internal/resolve"
	"formnerd/internal/wait"
)

// Outcome classifies how a step ended.
type Outcome string

const (
	OutcomeAdvanced             Outcome = "advanced"
	OutcomeValidationFailed     Outcome = "validation_failed"
	OutcomeUnexpectedTransition Outcome = "unexpected_transition"
	OutcomeAborted              Outcome = "aborted"
)

// StepResult is what FillStep reports for one step.
type StepResult struct {
	Step        string        `json:"step"`
	Index       int           `json:"index"`
	Advanced    bool          `json:"advanced"`
	Outcome     Outcome       `json:"outcome"`
	FieldErrors []FieldError  `json:"field_errors,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Options configures an Orchestrator. Zero durations fall back to defaults.
type Options struct {
	Mode           Mode
	ResolveTimeout time.Duration // per field, split across candidates
	StepTimeout    time.Duration // shared by the success/failure race
	Poll           time.Duration
	SettleMax      time.Duration // upper bound for settle_after
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = BestEffort
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = wait.DefaultPoll
	}
	if o.SettleMax <= 0 {
		o.SettleMax = 2 * time.Second
	}
	return o
}

// Orchestrator drives wizard steps against one driver.
type Orchestrator struct {
	driver   browser.Driver
	resolver *resolve.Resolver
	opts     Options
}

// New returns an Orchestrator for d.
func New(d browser.Driver, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{driver: d, resolver: resolve.New(d, opts.Poll), opts: opts}
}

// Run drives steps from s.StepIndex until one does not advance. It returns
// every step result and the error that stopped progression, if any. A step
// that ends without a success or failure signal stops the wizard without an
// error and leaves the session failed.
func (o *Orchestrator) Run(ctx context.Context, steps []StepSpec, s *Session) ([]StepResult, error) {
	s.State = StateInProgress
	var results []StepResult
	for s.StepIndex < len(steps) {
		res, err := o.FillStep(ctx, steps[s.StepIndex], s)
		results = append(results, res)
		switch {
		case err != nil && IsValidationFailed(err):
			s.State = StateFailed
			return results, err
		case err != nil:
			s.State = StateAborted
			return results, err
		case !res.Advanced:
			s.State = StateFailed
			logging.WizardWarn("wizard stopped at step %s: %s", res.Step, res.Outcome)
			return results, nil
		}
	}
	s.State = StateCompleted
	logging.Wizard("wizard completed after %d steps", len(steps))
	return results, nil
}

// FillStep fills the step's fields in declared order, submits, and races the
// success predicate against the failure predicate.
//
// A field that cannot be resolved or times out is recorded; best-effort mode
// continues past it, strict mode aborts the step and returns it. Optional
// fields never abort on those two. Any other field error aborts the step in
// either mode. The returned error is also non-nil for a StepValidationFailed,
// an unresolvable submit control, or context cancellation.
func (o *Orchestrator) FillStep(ctx context.Context, step StepSpec, s *Session) (res StepResult, err error) {
	start := time.Now()
	res = StepResult{Step: step.Name, Index: s.StepIndex}
	defer func() { res.Duration = time.Since(start) }()
	log := logging.Get(logging.CategoryWizard).With("step", step.Name)

	// Controls from a previous page are stale.
	s.controls = map[string]browser.Element{}
	if s.Filled == nil {
		s.Filled = map[string]string{}
	}

	for _, f := range step.Fields {
		value, ok := s.Data[f.LogicalName]
		if !ok {
			log.Debug("no value for %s, leaving it untouched", f.LogicalName)
			continue
		}
		err := o.fillField(ctx, step, f, value, s)
		if err == nil {
			s.Filled[f.LogicalName] = value
			continue
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeAborted
			return res, ctx.Err()
		}
		fe := newFieldError(f.LogicalName, err)
		res.FieldErrors = append(res.FieldErrors, fe)
		if !recoverable(err) {
			log.Error("field %s failed unexpectedly: %v", f.LogicalName, err)
			res.Outcome = OutcomeAborted
			return res, fmt.Errorf("field %s: %w", f.LogicalName, err)
		}
		switch {
		case f.Optional:
			log.Info("optional field %s skipped: %v", f.LogicalName, err)
		case o.opts.Mode == Strict:
			log.Warn("strict mode: aborting on %s", fe.Error())
			res.Outcome = OutcomeAborted
			return res, err
		default:
			log.Warn("field %s failed, continuing: %v", f.LogicalName, err)
		}
	}

	submit, err := o.resolver.Resolve(ctx, step.SubmitField(), nil, o.opts.ResolveTimeout)
	if err != nil {
		res.FieldErrors = append(res.FieldErrors, newFieldError(step.SubmitField().LogicalName, err))
		res.Outcome = OutcomeAborted
		return res, fmt.Errorf("submit step %s: %w", step.Name, err)
	}
	if err := o.driver.Act(ctx, submit, browser.Click()); err != nil {
		res.FieldErrors = append(res.FieldErrors, newFieldError(step.SubmitField().LogicalName, err))
		res.Outcome = OutcomeAborted
		return res, fmt.Errorf("submit step %s: %w", step.Name, err)
	}

	idx, err := wait.First(ctx, o.opts.StepTimeout, o.opts.Poll,
		step.Success.Bind(o.driver, nil),
		step.Failure.Bind(o.driver, nil),
	)
	switch {
	case err == nil && idx == 0:
		res.Advanced = true
		res.Outcome = OutcomeAdvanced
		s.StepIndex++
		log.Info("step advanced")
		return res, nil
	case err == nil:
		res.Outcome = OutcomeValidationFailed
		log.Warn("failure predicate fired: %s", step.Failure)
		return res, &StepValidationFailed{Step: step.Name, Predicate: step.Failure.String()}
	case wait.IsTimeout(err):
		res.Outcome = OutcomeUnexpectedTransition
		res.FieldErrors = append(res.FieldErrors, FieldError{
			Kind:    ErrKindUnexpectedTransition,
			Message: fmt.Sprintf("neither %s nor %s within %v", step.Success, step.Failure, o.opts.StepTimeout),
			Err:     err,
		})
		log.Warn("unexpected transition after submit")
		return res, nil
	default:
		res.Outcome = OutcomeAborted
		return res, err
	}
}

// recoverable reports whether a field failure is one the page may cause on its
// own: a control that never showed up or a wait that ran out.
func recoverable(err error) bool {
	return resolve.IsNotResolved(err) || wait.IsTimeout(err)
}

func (o *Orchestrator) fillField(ctx context.Context, step StepSpec, f FieldSpec, value string, s *Session) error {
	if f.DependsOn != "" {
		dep, err := o.control(ctx, step, f.DependsOn, s)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", f.DependsOn, err)
		}
		cond := f.ActivationOrDefault().Condition(o.driver, dep)
		if _, err := wait.Until(ctx, cond, o.opts.ResolveTimeout, o.opts.Poll); err != nil {
			return fmt.Errorf("dependency %s never activated: %w", f.DependsOn, err)
		}
	}

	el, err := o.resolver.Resolve(ctx, f.Field, nil, o.opts.ResolveTimeout)
	if err != nil {
		return err
	}
	s.controls[f.LogicalName] = el

	if err := o.apply(ctx, el, f, value); err != nil {
		return err
	}
	if d := f.GetSettleAfter(); d > 0 {
		return wait.Settle(ctx, min(d, o.opts.SettleMax))
	}
	return nil
}

// control returns the resolved control for name, resolving it now if the field
// was skipped earlier in the step.
func (o *Orchestrator) control(ctx context.Context, step StepSpec, name string, s *Session) (browser.Element, error) {
	if el, ok := s.controls[name]; ok {
		return el, nil
	}
	for _, f := range step.Fields {
		if f.LogicalName == name {
			el, err := o.resolver.Resolve(ctx, f.Field, nil, o.opts.ResolveTimeout)
			if err != nil {
				return nil, err
			}
			s.controls[name] = el
			return el, nil
		}
	}
	return nil, fmt.Errorf("unknown field %s", name)
}

func (o *Orchestrator) apply(ctx context.Context, el browser.Element, f FieldSpec, value string) error {
	switch f.Kind {
	case KindText:
		if err := o.driver.Act(ctx, el, browser.Clear()); err != nil {
			return err
		}
		return o.driver.Act(ctx, el, browser.Type(value))

	case KindChoice:
		return o.choose(ctx, el, f.Select, value)

	case KindToggle:
		want, err := ParseToggle(value)
		if err != nil {
			return err
		}
		st, err := o.driver.Inspect(ctx, el)
		if err != nil {
			return err
		}
		if st.Checked == want {
			return nil
		}
		return o.driver.Act(ctx, el, browser.Click())

	case KindDate:
		text := value
		if t, err := time.Parse(time.DateOnly, value); err == nil {
			layout := f.Format
			if layout == "" {
				layout = time.DateOnly
			}
			text = t.Format(layout)
		}
		if err := o.driver.Act(ctx, el, browser.Clear()); err != nil {
			return err
		}
		return o.driver.Act(ctx, el, browser.Type(text))

	case KindFile:
		return o.driver.Act(ctx, el, browser.SetFiles(value))
	}
	return fmt.Errorf("field %s: unknown kind %q", f.LogicalName, f.Kind)
}

func (o *Orchestrator) choose(ctx context.Context, el browser.Element, mode SelectMode, value string) error {
	switch mode {
	case SelectValue:
		return o.driver.Act(ctx, el, browser.SelectValue(value))
	case SelectText:
		return o.driver.Act(ctx, el, browser.SelectText(value))
	case SelectIndex:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("option index %q: %w", value, err)
		}
		return o.driver.Act(ctx, el, browser.SelectIndex(i))
	default:
		err := o.driver.Act(ctx, el, browser.SelectValue(value))
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return o.driver.Act(ctx, el, browser.SelectText(value))
	}
}
