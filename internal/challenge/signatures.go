// internal/challenge/signatures.go
package challenge

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/cfverify/internal/config"
)

// Signal names the heuristic that reported a challenge.
type Signal int

const (
	SignalNone Signal = iota
	// SignalTitle: document.title carries the widget marker.
	SignalTitle
	// SignalScriptResource: a script URL matches a challenge-platform path.
	SignalScriptResource
	// SignalAPIScript: a script URL is the widget's API loader.
	SignalAPIScript
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalTitle:
		return "title"
	case SignalScriptResource:
		return "script_resource"
	case SignalAPIScript:
		return "api_script"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// signalFor classifies a script signature. Loader signatures name a .js file;
// everything else is a resource path.
func signalFor(signature string) Signal {
	if strings.HasSuffix(signature, ".js") {
		return SignalAPIScript
	}
	return SignalScriptResource
}

// matchScript returns the first signature, in list order, contained in any of
// urls, along with the matching URL.
func matchScript(signatures, urls []string) (sig, url string, ok bool) {
	for _, s := range signatures {
		if s == "" {
			continue
		}
		for _, u := range urls {
			if strings.Contains(u, s) {
				return s, u, true
			}
		}
	}
	return "", "", false
}

// LocatorMode selects which frame attributes identify a challenge frame.
type LocatorMode int

const (
	// AnyMatch accepts a frame identified by either source or attributes.
	AnyMatch LocatorMode = iota
	// SourceMatch requires the frame src to contain a frame signature.
	SourceMatch
	// AttributeMatch requires a vendor marker in the frame id or class.
	AttributeMatch
)

func (m LocatorMode) String() string {
	switch m {
	case SourceMatch:
		return config.LocatorModeSource
	case AttributeMatch:
		return config.LocatorModeAttribute
	default:
		return config.LocatorModeAny
	}
}

// ParseLocatorMode maps a config value to a LocatorMode.
func ParseLocatorMode(s string) (LocatorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.LocatorModeAny, "":
		return AnyMatch, nil
	case config.LocatorModeSource:
		return SourceMatch, nil
	case config.LocatorModeAttribute:
		return AttributeMatch, nil
	default:
		return AnyMatch, fmt.Errorf("%w: unknown locator mode %q", ErrInvalidOptions, s)
	}
}

// MissingFramePolicy decides what an attempt does when the challenge is
// still present but no frame can be found.
type MissingFramePolicy int

const (
	// MissingFrameRetry moves on to the next attempt.
	MissingFrameRetry MissingFramePolicy = iota
	// MissingFrameFail ends the loop and goes straight to the final check.
	MissingFrameFail
)

func (p MissingFramePolicy) String() string {
	if p == MissingFrameFail {
		return config.MissingFrameFail
	}
	return config.MissingFrameRetry
}

// ParseMissingFramePolicy maps a config value to a MissingFramePolicy.
func ParseMissingFramePolicy(s string) (MissingFramePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.MissingFrameRetry, "":
		return MissingFrameRetry, nil
	case config.MissingFrameFail:
		return MissingFrameFail, nil
	default:
		return MissingFrameRetry, fmt.Errorf("%w: unknown missing frame policy %q", ErrInvalidOptions, s)
	}
}
