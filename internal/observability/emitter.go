// File: internal/observability/emitter.go
package observability

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event is one diagnostic record produced while resolving a challenge.
type Event struct {
	Level     zapcore.Level
	Component string
	// SessionID correlates events from the same page. Empty when the page
	// never produced a stable identifier.
	SessionID string
	// Attempt is the 1-based loop iteration, or 0 outside the loop.
	Attempt int
	Message string
	Err     error
	Fields  []zap.Field
}

// Emitter receives diagnostic events. Implementations must be safe for
// concurrent use; one emitter is commonly shared by many resolutions.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a plain function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ZapEmitter writes events to a zap logger, one named child per component.
type ZapEmitter struct {
	base *zap.Logger

	mu    sync.Mutex
	named map[string]*zap.Logger
}

// NewZapEmitter returns an emitter backed by logger. A nil logger falls back
// to the global one.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = GetLogger()
	}
	return &ZapEmitter{base: logger, named: make(map[string]*zap.Logger)}
}

func (z *ZapEmitter) component(name string) *zap.Logger {
	if name == "" {
		return z.base
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	l, ok := z.named[name]
	if !ok {
		l = z.base.Named(name)
		z.named[name] = l
	}
	return l
}

// Emit logs ev at its level. Messages carry a "<session-id>: " prefix when
// the session is known so console output stays greppable per page.
func (z *ZapEmitter) Emit(ev Event) {
	logger := z.component(ev.Component)
	ce := logger.Check(ev.Level, formatMessage(ev))
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, len(ev.Fields)+3)
	if ev.SessionID != "" {
		fields = append(fields, zap.String("session_id", ev.SessionID))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	fields = append(fields, ev.Fields...)
	ce.Write(fields...)
}

func formatMessage(ev Event) string {
	if ev.SessionID == "" {
		return ev.Message
	}
	return "<" + ev.SessionID + ">: " + ev.Message
}
