// internal/challenge/options.go
package challenge

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/cfverify/internal/config"
)

// Options controls one Resolve call.
type Options struct {
	// MaxAttempts is the total iteration budget. Must be positive.
	MaxAttempts int
	// Interval is the fixed pause before each interaction attempt.
	Interval time.Duration
	// ReloadEvery reloads the page instead of interacting on every Nth
	// attempt, never on the last one. 0 disables reloads.
	ReloadEvery int
	// Debug enables diagnostic events when no emitter was injected into the
	// Resolver.
	Debug bool

	MissingFrame MissingFramePolicy
	// ReloadConsumesAttempt makes a reload use up its attempt. When false the
	// same attempt goes on to interact after reloading.
	ReloadConsumesAttempt bool

	// OnAttempt, if set, receives every attempt record as it completes. It is
	// called on the resolving goroutine.
	OnAttempt func(Attempt)
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:           10,
		Interval:              time.Second,
		ReloadEvery:           0,
		Debug:                 false,
		MissingFrame:          MissingFrameRetry,
		ReloadConsumesAttempt: true,
	}
}

// OptionsFromConfig converts the resolver section of the configuration.
func OptionsFromConfig(cfg config.ResolverConfig) (Options, error) {
	policy, err := ParseMissingFramePolicy(cfg.MissingFrame)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		MaxAttempts:           cfg.MaxAttempts,
		Interval:              cfg.Interval,
		ReloadEvery:           cfg.ReloadEvery,
		Debug:                 cfg.Debug,
		MissingFrame:          policy,
		ReloadConsumesAttempt: cfg.ReloadConsumesAttempt,
	}
	return opts, opts.Validate()
}

// Validate rejects unusable options with ErrInvalidOptions.
func (o Options) Validate() error {
	if o.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidOptions, o.MaxAttempts)
	}
	if o.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidOptions, o.Interval)
	}
	if o.ReloadEvery < 0 {
		return fmt.Errorf("%w: reload every must not be negative, got %d", ErrInvalidOptions, o.ReloadEvery)
	}
	switch o.MissingFrame {
	case MissingFrameRetry, MissingFrameFail:
	default:
		return fmt.Errorf("%w: unknown missing frame policy %d", ErrInvalidOptions, int(o.MissingFrame))
	}
	return nil
}

// reloadDue reports whether attempt is an escalation attempt.
func (o Options) reloadDue(attempt int) bool {
	return o.ReloadEvery > 0 && attempt%o.ReloadEvery == 0 && attempt < o.MaxAttempts
}

// ExpectedReloads is the number of reloads a run that never clears performs.
func (o Options) ExpectedReloads() int {
	if o.ReloadEvery <= 0 || o.MaxAttempts <= 1 {
		return 0
	}
	return (o.MaxAttempts - 1) / o.ReloadEvery
}
