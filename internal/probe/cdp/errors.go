// internal/probe/cdp/errors.go
package cdp

import (
	"context"
	"errors"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/cfverify/internal/probe"
)

// errNoQuads is returned by the click action when the node has no content
// quads, i.e. it is detached, hidden or zero-sized.
var errNoQuads = errors.New("cdp: node has no content quads")

// Protocol error messages that mean the target is gone for good.
var fatalMessages = []string{
	"target closed",
	"no target with given id",
	"session with given id not found",
	"websocket: close",
	"use of closed network connection",
	"browser has been closed",
}

// Protocol error messages that mean the element cannot be hit right now.
var noPositionMessages = []string{
	"could not compute content quads",
	"could not compute box model",
	"could not find position",
	"node does not have a layout object",
}

// classify maps a chromedp error onto the probe taxonomy. opCtx is the
// caller's context: if it is done, its error wins so the caller sees a plain
// cancellation rather than a fatal page fault.
func classify(op string, opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := opCtx.Err(); ctxErr != nil {
		return ctxErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, errNoQuads),
		errors.Is(err, chromedp.ErrInvalidBoxModel),
		containsAny(msg, noPositionMessages):
		return probe.Classify(op, probe.ErrNoPosition, err)
	case errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrChannelClosed),
		// The tab context was cancelled while the caller's was not: the tab
		// has been closed underneath us.
		errors.Is(err, context.Canceled),
		containsAny(msg, fatalMessages):
		return probe.Classify(op, probe.ErrTargetClosed, err)
	default:
		return err
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
