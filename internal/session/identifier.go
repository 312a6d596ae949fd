// internal/session/identifier.go
// Package session derives the short correlation id used to tag log lines
// from one page when many pages are resolved concurrently.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/cfverify/internal/observability"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

const (
	DefaultRetries       = 10
	DefaultDelay         = 50 * time.Millisecond
	DefaultMaxRecomputes = 3

	tailLength = 5
)

// Identifier lazily computes and caches the session id of one page.
type Identifier struct {
	page    probe.Page
	emitter observability.Emitter

	retries       int
	delay         time.Duration
	maxRecomputes int
	sleep         func(context.Context, time.Duration) error

	mu       sync.Mutex
	id       string
	failures int
}

// Option configures an Identifier.
type Option func(*Identifier)

// WithRetries sets how many reads one round makes and the pause between them.
func WithRetries(n int, delay time.Duration) Option {
	return func(i *Identifier) {
		if n > 0 {
			i.retries = n
		}
		if delay >= 0 {
			i.delay = delay
		}
	}
}

// WithMaxRecomputes bounds how many failed rounds are attempted before the
// identifier stops trying for good.
func WithMaxRecomputes(n int) Option {
	return func(i *Identifier) {
		if n > 0 {
			i.maxRecomputes = n
		}
	}
}

// WithEmitter routes identifier diagnostics to em.
func WithEmitter(em observability.Emitter) Option {
	return func(i *Identifier) {
		if em != nil {
			i.emitter = em
		}
	}
}

// WithSleep replaces the pause between reads. Tests use it to avoid real waits.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(i *Identifier) {
		if fn != nil {
			i.sleep = fn
		}
	}
}

// NewIdentifier returns an Identifier for page.
func NewIdentifier(page probe.Page, opts ...Option) *Identifier {
	i := &Identifier{
		page:          page,
		emitter:       observability.NopEmitter{},
		retries:       DefaultRetries,
		delay:         DefaultDelay,
		maxRecomputes: DefaultMaxRecomputes,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// EnsureID returns the cached id, computing it first if needed. It reports
// false when the page never exposed both a target id and a host within the
// retry budget, or when the recompute budget is already spent.
func (i *Identifier) EnsureID(ctx context.Context) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id, true
	}
	if i.failures >= i.maxRecomputes {
		return "", false
	}

	id, ok := i.compute(ctx)
	if !ok {
		i.failures++
		i.emit(zapcore.DebugLevel, "session id could not be created.", zap.Int("failed_rounds", i.failures))
		return "", false
	}
	i.id = id
	i.emit(zapcore.DebugLevel, "Created session id.", zap.String("session_id", id))
	return id, true
}

func (i *Identifier) compute(ctx context.Context) (string, bool) {
	for attempt := 1; attempt <= i.retries; attempt++ {
		if attempt > 1 {
			if err := i.sleep(ctx, i.delay); err != nil {
				return "", false
			}
		}

		targetID, err := i.page.TargetID(ctx)
		if err != nil {
			if probe.IsFatal(err) || ctx.Err() != nil {
				return "", false
			}
			continue
		}
		rawURL, err := i.page.URL(ctx)
		if err != nil {
			if probe.IsFatal(err) || ctx.Err() != nil {
				return "", false
			}
			continue
		}

		if id, ok := Derive(targetID, rawURL); ok {
			return id, true
		}
	}
	return "", false
}

func (i *Identifier) emit(level zapcore.Level, msg string, fields ...zap.Field) {
	i.emitter.Emit(observability.Event{
		Level:     level,
		Component: "session",
		Message:   msg,
		Fields:    fields,
	})
}

// Derive builds "<last 5 of targetID>-<host>". rawURL may be a full URL or a
// bare host. It reports false when either part is empty.
func Derive(targetID, rawURL string) (string, bool) {
	targetID = strings.TrimSpace(targetID)
	host := Host(rawURL)
	if targetID == "" || host == "" {
		return "", false
	}
	return tail(targetID, tailLength) + "-" + host, true
}

// Host extracts the authority from a scheme://host/... URL. Inputs without a
// scheme separator are returned trimmed, as some backends report the host
// directly.
func Host(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		return rawURL
	}
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	// Unparseable but scheme-shaped: take the segment after "//".
	rest := rawURL[strings.Index(rawURL, "://")+3:]
	if slash := strings.IndexAny(rest, "/?#"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
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
