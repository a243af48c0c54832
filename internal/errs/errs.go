// Package errs defines the error kinds shared across the node so that
// callers can branch on failure class with errors.Is instead of parsing
// messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind sentinels. Wrap these with fmt.Errorf("...: %w", KindX) at the
// point a failure is first classified.
var (
	InputInvalid    = errors.New("input invalid")
	NotFound        = errors.New("not found")
	AuthFail        = errors.New("authentication failed")
	ConsensusReject = errors.New("consensus rejected")
	Transient       = errors.New("transient failure")
	Fatal           = errors.New("fatal failure")
)

// Is reports whether err is classified as kind, walking the wrap chain.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// New builds a classified error with a caller-supplied message, the
// one-line shorthand for fmt.Errorf("%w: %s", kind, msg) call sites that
// have no extra wrapped error to report.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}
