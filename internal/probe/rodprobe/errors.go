// internal/probe/rodprobe/errors.go
package rodprobe

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/go-rod/rod"

	"github.com/xkilldash9x/cfverify/internal/probe"
)

var fatalMessages = []string{
	"target closed",
	"no target with given id",
	"session with given id not found",
	"use of closed network connection",
	"connection closed",
	"browser has been closed",
}

var noPositionMessages = []string{
	"could not compute content quads",
	"could not compute box model",
	"node does not have a layout object",
}

// classify maps a rod error onto the probe taxonomy. A done caller context
// wins over everything else.
func classify(op string, opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := opCtx.Err(); ctxErr != nil {
		return ctxErr
	}

	var invisible *rod.InvisibleShapeError
	var covered *rod.CoveredError
	if errors.As(err, &invisible) || errors.As(err, &covered) {
		return probe.Classify(op, probe.ErrNoPosition, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, noPositionMessages):
		return probe.Classify(op, probe.ErrNoPosition, err)
	case errors.Is(err, io.EOF),
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
