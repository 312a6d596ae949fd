// internal/probe/probe.go
// Package probe defines the capability interface the challenge resolver
// consumes from a browser-automation backend. One adapter exists per backend
// (see the cdp and rodprobe subpackages); the caller picks one and injects it.
//
// The core never branches on backend specifics. Script results are normalised
// into Result at the adapter boundary, and backend errors are classified into
// the sentinels below so the resolver can tell a closed tab from a click that
// raced a re-layout.
package probe

import (
	"context"
	"errors"
	"fmt"
)

// ErrTargetClosed reports that the page handle is no longer usable (tab
// closed, browser gone, websocket dropped). It is fatal for a resolution call.
var ErrTargetClosed = errors.New("probe: page target is closed")

// ErrNoPosition reports that an element could not be resolved to an on-screen
// position when a click was dispatched. It usually means the element vanished
// or was re-laid out between lookup and click.
var ErrNoPosition = errors.New("probe: could not find position for element")

// Element is an opaque reference to a DOM node owned by a single Page.
// Elements are only valid for the iteration that obtained them.
type Element interface {
	// String returns a short human-readable description used in logs.
	String() string
}

// Page is the set of operations the resolver needs from one browser tab.
// Implementations must be safe to call sequentially from one goroutine; the
// resolver never issues concurrent calls against the same Page.
type Page interface {
	// Evaluate runs expr in the page's main frame and returns the normalised
	// by-value result.
	Evaluate(ctx context.Context, expr string) (Result, error)

	// FindElements returns every element in the document matching tagName.
	FindElements(ctx context.Context, tagName string) ([]Element, error)

	// Attribute returns the value of an attribute and whether it was present.
	Attribute(ctx context.Context, el Element, name string) (string, bool, error)

	// Click dispatches a left-button pointer press and release at the centre
	// of the element's on-screen position. It returns an error wrapping
	// ErrNoPosition when the element has no resolvable position.
	Click(ctx context.Context, el Element) error

	// Reload performs a full page reload.
	Reload(ctx context.Context) error

	// TargetID returns the backend's internal target identifier, or "" if it
	// is not known yet.
	TargetID(ctx context.Context) (string, error)

	// URL returns the page's current URL, or "" if it is not known yet.
	URL(ctx context.Context) (string, error)
}

// IsFatal reports whether err means the page handle itself is unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTargetClosed)
}

// IsNoPosition reports whether err means a click target had no position.
func IsNoPosition(err error) bool {
	return errors.Is(err, ErrNoPosition)
}

// ClassifiedError attaches one of the package sentinels to a backend error
// while keeping the original available through errors.Unwrap chains.
type ClassifiedError struct {
	Kind error
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel and the backend error to errors.Is/As.
func (e *ClassifiedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify wraps err with kind for operation op. A nil err yields nil.
func Classify(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}
