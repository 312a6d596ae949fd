// internal/challenge/detector.go
package challenge

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

const (
	titleExpr = `document.title`
	// One round trip for every script URL on the page.
	scriptsExpr = `[...document.querySelectorAll('script[src]')].map(s => s.src)`

	fetchDelay = 100 * time.Millisecond
)

// Detection is the outcome of one detector run.
type Detection struct {
	Present bool
	Signal  Signal
	// Match is the title marker or script signature that fired.
	Match string
	// URL is the script URL that matched, for script signals.
	URL string
	// Rounds is how many collection rounds ran.
	Rounds int
}

// ChallengeDetector reports whether a challenge is showing on a page.
type ChallengeDetector interface {
	Detect(ctx context.Context, page probe.Page) (Detection, error)
}

// Detector checks the page title and script resources for challenge
// signatures. It is stateless between calls and safe for concurrent use.
type Detector struct {
	cfg     config.DetectorConfig
	emitter observability.Emitter
	sleep   func(context.Context, time.Duration) error
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorEmitter sets the emitter used when the context carries none.
func WithDetectorEmitter(em observability.Emitter) DetectorOption {
	return func(d *Detector) { d.emitter = em }
}

// WithDetectorSleep replaces the pause between fetches and rounds.
func WithDetectorSleep(fn func(context.Context, time.Duration) error) DetectorOption {
	return func(d *Detector) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// NewDetector returns a Detector. Zero retry counts fall back to one.
func NewDetector(cfg config.DetectorConfig, opts ...DetectorOption) *Detector {
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 1
	}
	d := &Detector{cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsChallengePresent is the boolean projection of Detect.
func (d *Detector) IsChallengePresent(ctx context.Context, page probe.Page) (bool, error) {
	det, err := d.Detect(ctx, page)
	return det.Present, err
}

// Detect runs up to Retries collection rounds. A round that reads no script
// URLs is inconclusive and triggers the next round, as does a round whose
// URLs match no signature when RetryOnNoMatch is set; once every round came
// back without a match the challenge is reported absent. If the last round
// ended on a read fault the result is present, and with SurfaceFaults the
// fault is returned as a *DetectionFault. Fatal page faults and context errors are
// returned immediately with Present set.
func (d *Detector) Detect(ctx context.Context, page probe.Page) (Detection, error) {
	em := observability.FromContext(ctx, d.emitter)

	var fault error
	for round := 1; round <= d.cfg.Retries; round++ {
		if round > 1 {
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				return Detection{Present: true, Rounds: round - 1}, err
			}
		}

		det, urls, err := d.collect(ctx, page, em)
		det.Rounds = round
		if err != nil {
			if probe.IsFatal(err) || ctx.Err() != nil {
				return Detection{Present: true, Rounds: round}, err
			}
			fault = err
			continue
		}
		fault = nil
		if det.Present {
			return det, nil
		}
		if len(urls) == 0 {
			emit(em, zapcore.DebugLevel, "detector", "No urls were fetched from site.", zap.Int("round", round))
			continue
		}
		if sig, u, ok := matchScript(d.cfg.ScriptSignatures, urls); ok {
			return Detection{Present: true, Signal: signalFor(sig), Match: sig, URL: u, Rounds: round}, nil
		}
		if !d.cfg.RetryOnNoMatch {
			return Detection{Rounds: round}, nil
		}
		emit(em, zapcore.DebugLevel, "detector", "No challenge signature matched.", zap.Int("round", round), zap.Int("urls", len(urls)))
	}

	if fault == nil {
		return Detection{Rounds: d.cfg.Retries}, nil
	}

	// Fail closed.
	if d.cfg.SurfaceFaults {
		emit(em, zapcore.WarnLevel, "detector", "Detection could not be evaluated; assuming challenge present.", zap.Error(fault))
		return Detection{Present: true, Rounds: d.cfg.Retries}, &DetectionFault{Rounds: d.cfg.Retries, Err: fault}
	}
	emit(em, zapcore.DebugLevel, "detector", "Detection could not be evaluated; assuming challenge present.", zap.Error(fault))
	return Detection{Present: true, Rounds: d.cfg.Retries}, nil
}

// collect performs one round: up to FetchAttempts reads of the title and the
// script URLs. It returns as soon as the title matches or URLs were read.
// The returned error is the fault of the final read, if that read failed.
func (d *Detector) collect(ctx context.Context, page probe.Page, em observability.Emitter) (Detection, []string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.FetchAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, fetchDelay); err != nil {
				return Detection{}, nil, err
			}
		}

		title, err := page.Evaluate(ctx, titleExpr)
		if err != nil {
			if probe.IsFatal(err) || ctx.Err() != nil {
				return Detection{}, nil, err
			}
			lastErr = err
			emit(em, zapcore.DebugLevel, "detector", "Error occurred while reading page title.", zap.Error(err))
			continue
		}
		if marker, ok := containsAny(title.String(), d.cfg.TitleMarkers); ok {
			return Detection{Present: true, Signal: SignalTitle, Match: marker}, nil, nil
		}

		res, err := page.Evaluate(ctx, scriptsExpr)
		if err != nil {
			if probe.IsFatal(err) || ctx.Err() != nil {
				return Detection{}, nil, err
			}
			lastErr = err
			emit(em, zapcore.DebugLevel, "detector", "Error occurred while fetching urls from site.", zap.Error(err))
			continue
		}
		lastErr = nil
		if urls := res.Strings(); len(urls) > 0 {
			return Detection{}, urls, nil
		}
	}
	return Detection{}, nil, lastErr
}

func containsAny(s string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return m, true
		}
	}
	return "", false
}

func emit(em observability.Emitter, level zapcore.Level, component, msg string, fields ...zap.Field) {
	em.Emit(observability.Event{Level: level, Component: component, Message: msg, Fields: fields})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
