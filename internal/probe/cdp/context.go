// internal/probe/cdp/context.go
package cdp

import (
	"context"
	"time"
)

// CombineContext returns a context that carries tabCtx's values (the chromedp
// target) and is cancelled when either tabCtx or opCtx is done. chromedp
// actions must run on a context derived from the tab, while deadlines and
// cancellation come from the caller.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{} { return nil }
func (valueOnlyContext) Err() error { return nil }

// Detach returns a context with ctx's values that is never cancelled. Used
// to release a pressed mouse button after the operation context has expired.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
