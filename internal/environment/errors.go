package environment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrPrepare     = errors.New("environment prepare failed")
	ErrTeardown    = errors.New("environment teardown failed")
	ErrTornDown    = errors.New("environment already torn down")
	ErrScopeClosed = errors.New("stage scope closed")
	ErrMount       = errors.New("mount failed")
	ErrMountSpec   = errors.New("invalid mount")
)

// Reports the releases that failed while unwinding an environment.
type TeardownError struct {
	Failures []cleanup.Failure
}

// Creates a [TeardownError], or returns nil if there are no failures.
func NewTeardownError(failures ...cleanup.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return &TeardownError{Failures: failures}
}

func (e *TeardownError) Error() string {
	merr := &multierror.Error{ErrorFormat: formatFailures}
	for _, f := range e.Failures {
		merr = multierror.Append(merr, f)
	}
	return fmt.Sprintf("%s: %s", ErrTeardown, merr.Error())
}

// Matches [ErrTeardown] and the underlying release errors.
func (e *TeardownError) Unwrap() []error {
	errs := []error{ErrTeardown}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Names of the releases that failed.
func (e *TeardownError) Names() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return names
}

func formatFailures(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	noun := "releases"
	if len(errs) == 1 {
		noun = "release"
	}
	return fmt.Sprintf("%d %s failed: %s", len(errs), noun, strings.Join(parts, "; "))
}
