// internal/challenge/resolver.go
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
	"github.com/xkilldash9x/cfverify/internal/probe"
	"github.com/xkilldash9x/cfverify/internal/session"
)

// State is a resolution loop state.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateInteracting
	StateSucceeded
	StateRetrying
	StateEscalating
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateInteracting:
		return "interacting"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateEscalating:
		return "escalating"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt records one loop iteration.
type Attempt struct {
	Number int
	// State is the state the iteration ended in.
	State    State
	Reloaded bool
	// Present is the pre-interaction detection result.
	Present bool
	Signal  Signal
	Located bool
	Clicked bool
	// ClickErr is the interaction fault, if any. Missing-position faults are
	// recorded here too.
	ClickErr error
	// Fault is a surfaced detection fault or a non-fatal reload error.
	Fault error
}

// Report summarises one Resolve call.
type Report struct {
	Verdict   bool
	State     State
	Attempts  []Attempt
	Clicks    int
	Reloads   int
	SessionID string
	Elapsed   time.Duration
}

// Resolver drives the detect, locate, click loop. It is safe for concurrent
// use on different pages; a page is owned by at most one Resolve at a time.
// Pages are tracked by interface identity, so adapters must be comparable
// (pointer) types.
type Resolver struct {
	detector ChallengeDetector
	locator  Locator
	emitter  observability.Emitter
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	idOpts   []session.Option

	mu   sync.Mutex
	busy map[probe.Page]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDetector replaces the default detector.
func WithDetector(d ChallengeDetector) ResolverOption {
	return func(r *Resolver) { r.detector = d }
}

// WithLocator replaces the default frame locator.
func WithLocator(l Locator) ResolverOption {
	return func(r *Resolver) { r.locator = l }
}

// WithEmitter sends diagnostics to em on every call, regardless of
// Options.Debug.
func WithEmitter(em observability.Emitter) ResolverOption {
	return func(r *Resolver) { r.emitter = em }
}

// WithSleep replaces the interval wait.
func WithSleep(fn func(context.Context, time.Duration) error) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithClock replaces the time source used for Report.Elapsed.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSessionOptions tunes the per-call session identifier.
func WithSessionOptions(opts ...session.Option) ResolverOption {
	return func(r *Resolver) { r.idOpts = append(r.idOpts, opts...) }
}

// NewResolver returns a Resolver using the default detector and locator
// unless replaced by options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		sleep: sleepContext,
		now:   time.Now,
		busy:  make(map[probe.Page]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.detector == nil {
		r.detector = NewDetector(config.NewDefaultConfig().Detector)
	}
	if r.locator == nil {
		// Defaults always parse.
		r.locator, _ = NewFrameLocator(config.NewDefaultConfig().Locator, nil)
	}
	return r
}

// NewResolverFromConfig wires detector and locator from cfg.
func NewResolverFromConfig(cfg *config.Config, opts ...ResolverOption) (*Resolver, error) {
	loc, err := NewFrameLocator(cfg.Locator, nil)
	if err != nil {
		return nil, err
	}
	base := []ResolverOption{
		WithDetector(NewDetector(cfg.Detector)),
		WithLocator(loc),
	}
	return NewResolver(append(base, opts...)...), nil
}

// Resolve tries to clear the challenge on page and reports whether it is
// gone. false with a nil error means the attempt budget ran out while the
// challenge was still showing. Invalid options, a busy page, a dead page
// and context cancellation are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, page probe.Page, opts Options) (bool, error) {
	rep, err := r.ResolveReport(ctx, page, opts)
	return rep.Verdict, err
}

// ResolveReport is Resolve with the full attempt record.
func (r *Resolver) ResolveReport(ctx context.Context, page probe.Page, opts Options) (Report, error) {
	if page == nil {
		return Report{}, fmt.Errorf("%w: nil page", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	release, err := r.acquire(page)
	if err != nil {
		return Report{}, err
	}
	defer release()

	run := r.newRun(page, opts)
	ctx = observability.NewContext(ctx, run)

	start := r.now()
	err = run.loop(ctx)
	run.report.Elapsed = r.now().Sub(start)
	return run.report, err
}

func (r *Resolver) acquire(page probe.Page) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.busy[page]; held {
		return nil, ErrPageBusy
	}
	r.busy[page] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.busy, page)
		r.mu.Unlock()
	}, nil
}

func (r *Resolver) newRun(page probe.Page, opts Options) *run {
	var em observability.Emitter = observability.NopEmitter{}
	switch {
	case r.emitter != nil:
		em = r.emitter
	case opts.Debug:
		em = observability.NewZapEmitter(nil)
	}
	_, quiet := em.(observability.NopEmitter)

	// One lookup round per call: the first event computes the id or settles
	// on unlabeled output for the rest of the run.
	idOpts := append([]session.Option{session.WithEmitter(em), session.WithMaxRecomputes(1)}, r.idOpts...)
	return &run{
		r:      r,
		page:   page,
		opts:   opts,
		out:    em,
		quiet:  quiet,
		ident:  session.NewIdentifier(page, idOpts...),
		report: Report{State: StateIdle},
	}
}

// run is the state of one Resolve call. It also serves as the emitter handed
// to the detector and locator so their events carry the session and attempt.
type run struct {
	r     *Resolver
	page  probe.Page
	opts  Options
	out   observability.Emitter
	quiet bool
	ident *session.Identifier
	ctx   context.Context

	attempt int
	report  Report
}

func (x *run) Emit(ev observability.Event) {
	if x.quiet {
		return
	}
	if ev.SessionID == "" && x.ctx != nil {
		// Session ids are only needed for labelling, so they are computed on
		// the first event rather than up front.
		if id, ok := x.ident.EnsureID(x.ctx); ok {
			ev.SessionID = id
			x.report.SessionID = id
		}
	}
	if ev.Attempt == 0 {
		ev.Attempt = x.attempt
	}
	x.out.Emit(ev)
}

func (x *run) log(level zapcore.Level, msg string, fields ...zap.Field) {
	x.Emit(observability.Event{Level: level, Component: "resolver", Message: msg, Fields: fields})
}

func (x *run) setState(s State) {
	x.report.State = s
}

func (x *run) finish(a Attempt) {
	x.report.Attempts = append(x.report.Attempts, a)
	if x.opts.OnAttempt != nil {
		x.opts.OnAttempt(a)
	}
}

// fatal converts a probe error into the error Resolve returns. Context
// errors pass through untouched.
func (x *run) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	x.log(zapcore.ErrorLevel, "Page became unavailable.", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrPageUnavailable, err)
}

// isFatal reports whether err must abort the loop. Context errors only count
// when the caller's ctx is done; an adapter's own operation timeout is a
// transient interaction fault.
func isFatal(ctx context.Context, err error) bool {
	return err != nil && (probe.IsFatal(err) || ctx.Err() != nil)
}

// detect runs the detector, folding surfaced faults into "present".
func (x *run) detect(ctx context.Context) (Detection, error) {
	det, err := x.r.detector.Detect(ctx, x.page)
	if err == nil {
		return det, nil
	}
	if isFatal(ctx, err) {
		return det, x.fatal(ctx, err)
	}
	if !IsDetectionFault(err) {
		x.log(zapcore.WarnLevel, "Detector returned an unexpected error; assuming challenge present.", zap.Error(err))
	}
	det.Present = true
	return det, &softFault{err}
}

// softFault marks a detection error that was folded into "present".
type softFault struct{ error }

func (f *softFault) Unwrap() error { return f.error }

func (x *run) loop(ctx context.Context) error {
	x.ctx = ctx
	opts := x.opts
	x.setState(StateProbing)
	x.log(zapcore.InfoLevel, "Verifying challenge has started.")

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		x.attempt = attempt
		a := Attempt{Number: attempt}
		x.log(zapcore.DebugLevel, fmt.Sprintf("Trying to verify challenge. Attempt %d of %d.", attempt, opts.MaxAttempts))

		if opts.reloadDue(attempt) {
			x.setState(StateEscalating)
			x.log(zapcore.InfoLevel, fmt.Sprintf("Reloading page. Attempt %d of %d, reload interval %d.", attempt, opts.MaxAttempts, opts.ReloadEvery))
			if err := x.page.Reload(ctx); err != nil {
				if isFatal(ctx, err) {
					return x.fatal(ctx, err)
				}
				a.Fault = err
				x.log(zapcore.WarnLevel, "Page reload failed.", zap.Error(err))
			}
			a.Reloaded = true
			x.report.Reloads++
			if opts.ReloadConsumesAttempt {
				a.State = StateEscalating
				x.finish(a)
				continue
			}
		}

		done, err := x.iterate(ctx, &a)
		if err != nil {
			a.State = x.report.State
			x.finish(a)
			return err
		}
		if done {
			a.State = StateSucceeded
			x.setState(StateSucceeded)
			x.finish(a)
			break
		}
		if a.State == StateExhausted {
			x.setState(StateExhausted)
			x.finish(a)
			break
		}
		a.State = StateRetrying
		if attempt == opts.MaxAttempts {
			a.State = StateExhausted
		}
		x.setState(a.State)
		x.finish(a)
	}

	// The final check decides the verdict on every path.
	det, err := x.detect(ctx)
	var soft *softFault
	if err != nil && !errors.As(err, &soft) {
		return err
	}
	x.report.Verdict = !det.Present
	if x.report.Verdict {
		x.setState(StateSucceeded)
		x.log(zapcore.InfoLevel, "Challenge has been verified successfully.")
	} else {
		x.setState(StateExhausted)
		x.log(zapcore.WarnLevel, "Challenge could not be verified.", zap.Int("attempts", len(x.report.Attempts)))
	}
	return nil
}

// iterate runs steps 2 to 5 of one attempt. It returns true when the
// challenge is gone. Setting a.State to StateExhausted ends the loop early.
func (x *run) iterate(ctx context.Context, a *Attempt) (bool, error) {
	if err := x.r.sleep(ctx, x.opts.Interval); err != nil {
		return false, err
	}

	x.setState(StateProbing)
	det, err := x.detect(ctx)
	if err != nil {
		var soft *softFault
		if !errors.As(err, &soft) {
			return false, err
		}
		a.Fault = soft.error
	}
	a.Present, a.Signal = det.Present, det.Signal
	if !det.Present {
		x.log(zapcore.InfoLevel, "Challenge is not present on site. No verification needed.")
		return true, nil
	}

	el, err := x.r.locator.Locate(ctx, x.page)
	if err != nil {
		if isFatal(ctx, err) {
			return false, x.fatal(ctx, err)
		}
		x.log(zapcore.DebugLevel, "Locator error treated as missing frame.", zap.Error(err))
		el = nil
	}
	if el == nil {
		x.log(zapcore.DebugLevel, "No challenge iframe found.")
		gone, err := x.recheck(ctx)
		if err != nil || gone {
			if gone {
				x.log(zapcore.InfoLevel, "Challenge has been verified successfully (no iframe required).")
			}
			return gone, err
		}
		if x.opts.MissingFrame == MissingFrameFail {
			a.State = StateExhausted
		}
		return false, nil
	}
	a.Located = true

	x.setState(StateInteracting)
	err = x.page.Click(ctx, el)
	switch {
	case err == nil:
		a.Clicked = true
		x.report.Clicks++
		x.log(zapcore.DebugLevel, "Challenge iframe has been clicked.")
		return false, nil
	case isFatal(ctx, err):
		a.ClickErr = err
		return false, x.fatal(ctx, err)
	case probe.IsNoPosition(err):
		a.ClickErr = err
		x.log(zapcore.DebugLevel, "Challenge iframe could not load properly.")
		return false, nil
	default:
		a.ClickErr = err
		x.log(zapcore.WarnLevel, "Error while clicking iframe.", zap.Error(err))
		gone, rerr := x.recheck(ctx)
		if gone {
			x.log(zapcore.InfoLevel, "Challenge has been verified successfully despite error.")
		}
		return gone, rerr
	}
}

// recheck runs the detector once more and reports whether the challenge is
// gone. Soft faults count as present.
func (x *run) recheck(ctx context.Context) (bool, error) {
	x.setState(StateProbing)
	det, err := x.detect(ctx)
	if err != nil {
		var soft *softFault
		if !errors.As(err, &soft) {
			return false, err
		}
	}
	return !det.Present, nil
}
