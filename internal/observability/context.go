// File: internal/observability/context.go
package observability

import "context"

type emitterKey struct{}

// NewContext returns a copy of ctx carrying em.
func NewContext(ctx context.Context, em Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, em)
}

// FromContext returns the emitter carried by ctx, or fallback when there is
// none. A nil fallback yields a NopEmitter.
func FromContext(ctx context.Context, fallback Emitter) Emitter {
	if em, ok := ctx.Value(emitterKey{}).(Emitter); ok && em != nil {
		return em
	}
	if fallback == nil {
		return NopEmitter{}
	}
	return fallback
}
