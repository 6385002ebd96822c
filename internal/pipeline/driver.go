package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/executor"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/samber/lo"
)

// Name of the report written to the run directory.
const ReportFile = "report.json"

// Creates and destroys build environments. Implemented by
// [environment.Manager].
type Environments interface {
	Prepare(ctx context.Context) (*environment.Environment, error)
	Teardown(env *environment.Environment) error
}

// Runs the stages of one directory against one build environment.
//
// A driver runs at most once.
type Driver struct {
	RunID        string            // Identifier recorded in the result.
	Dir          string            // Stage directory.
	Resolve      []stage.Option    // Selection and exclusion applied during discovery.
	Environments Environments      // Prepares and tears down the build environment.
	Executor     executor.Executor // Runs each stage.
	RunDir       string            // Directory for the report. Empty skips it.

	// Called on every state change. Optional.
	OnTransition func(Transition)

	// Runs after the last stage succeeds and before teardown, while the
	// environment is still intact. A failure fails the run. Optional.
	Finalize func(ctx context.Context, env *environment.Environment) error

	ran   atomic.Bool
	state State
}

// Resolves the stage directory without running anything.
func (d *Driver) Plan() ([]stage.Descriptor, error) {
	return stage.Resolve(d.Dir, d.Resolve...)
}

// Executes the pipeline.
//
// The returned error is the result's Err: nil only when the run finished
// successfully. The result is never nil.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: d.RunID, StartedAt: time.Now()}

	if !d.ran.CompareAndSwap(false, true) {
		res.Err = ErrAlreadyRun
		return res, res.Err
	}

	d.transition(Transition{To: Preparing})

	stages, err := d.Plan()
	if err != nil {
		return d.finish(res, err), res.Err
	}

	env, err := d.Environments.Prepare(ctx)
	if err != nil {
		return d.finish(res, err), res.Err
	}
	res.Root = env.RootPath()

	runErr := d.runStages(ctx, env, stages, res)
	if runErr == nil && d.Finalize != nil {
		if err := d.Finalize(ctx, env); err != nil {
			runErr = fmt.Errorf("%w: %w", ErrFinalize, err)
		}
	}

	d.transition(Transition{To: TearingDown})
	res.Teardown = d.Environments.Teardown(env)

	return d.finish(res, runErr, cleanupError(res.Records), res.Teardown), res.Err
}

// Runs stages in order until one fails or the context is cancelled.
func (d *Driver) runStages(ctx context.Context, env *environment.Environment, stages []stage.Descriptor, res *Result) error {
	for i, s := range stages {
		if err := ctx.Err(); err != nil {
			slog.Warn("run cancelled", "next", s.String(), "remaining", len(stages)-i)
			return fmt.Errorf("%w before stage %s: %w", ErrCancelled, s, err)
		}

		d.transition(Transition{To: Running, Index: i + 1, Total: len(stages), Stage: s.String()})

		rec := d.Executor.Run(ctx, s, env)
		rec.Log()
		res.Records = append(res.Records, rec)

		if !rec.Succeeded() {
			return &StageFailure{Record: rec}
		}
	}
	return nil
}

// Records the terminal state and the combined error.
func (d *Driver) finish(res *Result, errs ...error) *Result {
	res.Err = combine(errs...)
	res.Success = res.Err == nil
	res.EndedAt = time.Now()

	d.transition(Transition{To: Finished, Success: res.Success})
	res.State = d.state

	if d.RunDir != "" {
		path := filepath.Join(d.RunDir, ReportFile)
		if err := res.Report().Write(path); err != nil {
			slog.Warn("failed to write report", "path", path, "error", err)
		} else {
			res.ReportPath = path
		}
	}

	if res.Success {
		slog.Info("run finished", "run", res.RunID, "stages", len(res.Records))
	} else {
		slog.Error("run failed", "run", res.RunID, "stages", len(res.Records), "error", res.Err)
	}
	return res
}

// Moves to the next state and notifies the observer.
func (d *Driver) transition(t Transition) {
	t.From = d.state
	d.state = t.To

	slog.Debug("pipeline state", "from", t.From.String(), "to", t.String())
	if d.OnTransition != nil {
		d.OnTransition(t)
	}
}

// Returns an error describing stage-local cleanup failures, or nil.
func cleanupError(records []executor.Record) error {
	var parts []string
	for _, rec := range records {
		if len(rec.CleanupFailures) == 0 {
			continue
		}
		names := lo.Map(rec.CleanupFailures, func(f cleanup.Failure, _ int) string { return f.Error() })
		parts = append(parts, fmt.Sprintf("%s: %s", rec.Stage, strings.Join(names, ", ")))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCleanup, strings.Join(parts, "; "))
}
