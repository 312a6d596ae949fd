// internal/challenge/locator.go
package challenge

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

// Locator finds the element hosting the interactive challenge widget. A nil
// element with a nil error means "not rendered (yet)".
type Locator interface {
	Locate(ctx context.Context, page probe.Page) (probe.Element, error)
}

// FrameLocator scans iframes with a non-empty src.
type FrameLocator struct {
	mode            LocatorMode
	frameSignatures []string
	idMarkers       []string
	classMarkers    []string
	emitter         observability.Emitter
}

// NewFrameLocator builds a FrameLocator from cfg. An unknown mode is an error.
func NewFrameLocator(cfg config.LocatorConfig, em observability.Emitter) (*FrameLocator, error) {
	mode, err := ParseLocatorMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &FrameLocator{
		mode:            mode,
		frameSignatures: cfg.FrameSignatures,
		idMarkers:       lowerAll(cfg.IDMarkers),
		classMarkers:    lowerAll(cfg.ClassMarkers),
		emitter:         em,
	}, nil
}

// Mode reports the configured match mode.
func (l *FrameLocator) Mode() LocatorMode { return l.mode }

// Locate returns the first matching frame in document order. Transient read
// faults yield (nil, nil); fatal faults and context errors are returned.
func (l *FrameLocator) Locate(ctx context.Context, page probe.Page) (probe.Element, error) {
	em := observability.FromContext(ctx, l.emitter)

	frames, err := page.FindElements(ctx, "iframe")
	if err != nil {
		return nil, l.transient(ctx, em, err, "Error occurred while listing iframes.")
	}

	for _, frame := range frames {
		src, ok, err := page.Attribute(ctx, frame, "src")
		if err != nil {
			return nil, l.transient(ctx, em, err, "Error occurred while reading iframe src.")
		}
		if !ok || strings.TrimSpace(src) == "" {
			continue
		}

		if l.mode != AttributeMatch {
			if _, hit := containsAny(src, l.frameSignatures); hit {
				emit(em, zapcore.DebugLevel, "locator", "Found challenge iframe by source.", zap.String("src", src))
				return frame, nil
			}
		}
		if l.mode != SourceMatch {
			hit, err := l.matchAttributes(ctx, page, frame)
			if err != nil {
				return nil, l.transient(ctx, em, err, "Error occurred while reading iframe attributes.")
			}
			if hit != "" {
				emit(em, zapcore.DebugLevel, "locator", "Found potential challenge iframe.", zap.String("match", hit))
				return frame, nil
			}
		}
	}
	return nil, nil
}

// matchAttributes returns "id=..." or "class=..." for the first marker found
// in the lowercased attribute, or "" when none matched.
func (l *FrameLocator) matchAttributes(ctx context.Context, page probe.Page, frame probe.Element) (string, error) {
	if len(l.idMarkers) > 0 {
		id, _, err := page.Attribute(ctx, frame, "id")
		if err != nil {
			return "", err
		}
		id = strings.ToLower(id)
		if _, ok := containsAny(id, l.idMarkers); ok {
			return "id=" + id, nil
		}
	}
	if len(l.classMarkers) > 0 {
		class, _, err := page.Attribute(ctx, frame, "class")
		if err != nil {
			return "", err
		}
		class = strings.ToLower(class)
		if _, ok := containsAny(class, l.classMarkers); ok {
			return "class=" + class, nil
		}
	}
	return "", nil
}

func (l *FrameLocator) transient(ctx context.Context, em observability.Emitter, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if probe.IsFatal(err) {
		return err
	}
	emit(em, zapcore.DebugLevel, "locator", msg, zap.Error(err))
	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}
