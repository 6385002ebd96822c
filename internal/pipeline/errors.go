package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ClemHeyd/stager/internal/executor"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrNoStages    = stage.ErrNoStages
	ErrStageFailed = errors.New("stage failed")
	ErrCancelled   = errors.New("run cancelled")
	ErrCleanup     = errors.New("stage cleanup failed")
	ErrFinalize    = errors.New("finalize failed")
	ErrAlreadyRun  = errors.New("driver already ran")
)

// Reports the stage that stopped the run.
type StageFailure struct {
	Record executor.Record
}

func (e *StageFailure) Error() string {
	d := e.Record.Stage
	return fmt.Sprintf("%s: stage %s (order %d, %s) %s: %v", ErrStageFailed, d.Name, d.Order, d.File, e.Record.Status, e.Record.Err)
}

// Matches [ErrStageFailed] and the record's error.
func (e *StageFailure) Unwrap() []error {
	if e.Record.Err == nil {
		return []error{ErrStageFailed}
	}
	return []error{ErrStageFailed, e.Record.Err}
}

// Combines the errors of a run. Nil errors are dropped; a single error is
// returned as is.
func combine(errs ...error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	if len(merr.Errors) == 1 {
		return merr.Errors[0]
	}
	merr.ErrorFormat = func(errs []error) string {
		parts := make([]string, len(errs))
		for i, err := range errs {
			parts[i] = err.Error()
		}
		return strings.Join(parts, "; ")
	}
	return merr
}
