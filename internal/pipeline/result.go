package pipeline

import (
	"errors"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/executor"
)

// Outcome of a pipeline run.
type Result struct {
	RunID      string            // Identifier of the run.
	Root       string            // Build root, empty if preparation failed.
	State      State             // Always [Finished] once Run returns.
	Success    bool              // Every stage succeeded and nothing failed to clean up.
	Records    []executor.Record // One per stage that ran, in run order.
	Teardown   error             // Teardown failures, nil if teardown was clean or never ran.
	Err        error             // Why the run failed, nil on success.
	StartedAt  time.Time         // When Run was called.
	EndedAt    time.Time         // When the run reached [Finished].
	ReportPath string            // Where the report was written, if anywhere.
}

// Returns the stage that stopped the run, if a stage did.
func (r *Result) Failed() (executor.Record, bool) {
	var sf *StageFailure
	if errors.As(r.Err, &sf) {
		return sf.Record, true
	}
	return executor.Record{}, false
}

// Returns every cleanup failure of the run: stage-local ones in run order,
// then teardown ones in the order they were released.
func (r *Result) Anomalies() []cleanup.Failure {
	var out []cleanup.Failure
	for _, rec := range r.Records {
		out = append(out, rec.CleanupFailures...)
	}

	var terr *environment.TeardownError
	if errors.As(r.Teardown, &terr) {
		out = append(out, terr.Failures...)
	}
	return out
}
