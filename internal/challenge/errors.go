// internal/challenge/errors.go
package challenge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOptions is returned before any page interaction when the
	// options or arguments to Resolve are unusable.
	ErrInvalidOptions = errors.New("challenge: invalid options")
	// ErrPageUnavailable wraps fatal page faults (closed tab, crashed
	// browser). The probe cause stays reachable through errors.Is.
	ErrPageUnavailable = errors.New("challenge: page unavailable")
	// ErrPageBusy is returned when another Resolve already owns the page.
	ErrPageBusy = errors.New("challenge: page is already being resolved")
)

// DetectionFault reports that detection could not be evaluated and the
// detector fell back to "present".
type DetectionFault struct {
	Rounds int
	Err    error
}

func (f *DetectionFault) Error() string {
	return fmt.Sprintf("challenge: detection inconclusive after %d rounds: %v", f.Rounds, f.Err)
}

func (f *DetectionFault) Unwrap() error { return f.Err }

// IsDetectionFault reports whether err carries a *DetectionFault.
func IsDetectionFault(err error) bool {
	var f *DetectionFault
	return errors.As(err, &f)
}
