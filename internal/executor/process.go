package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/jesseduffield/kill"
)

// How long to wait for a killed stage's output pipes to drain.
const waitDelay = 5 * time.Second

// Runs stages as child processes of the orchestrator.
//
// Each stage runs in its own process group with the stage directory as its
// working directory, so a timeout kills the stage together with everything it
// spawned.
type Process struct {
	opts Options
}

// Creates a process executor.
func NewProcess(opts Options) *Process {
	return &Process{opts: opts}
}

// Runs a stage and returns its record.
func (p *Process) Run(ctx context.Context, d stage.Descriptor, env *environment.Environment) Record {
	return run(ctx, p.opts, d, env, launchProcess)
}

// Starts the stage as a process group leader and waits for it.
func launchProcess(ctx context.Context, spec launchSpec) (outcome, error) {
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = filepath.Dir(spec.Stage.Path)
	cmd.Env = spec.Env.Environ(spec.Extra...)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.WaitDelay = waitDelay
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return outcome{}, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	timedOut := false
	select {
	case err = <-done:
	case <-ctx.Done():
		timedOut = true
		kill.Kill(cmd)
		err = <-done
	}

	if errors.Is(err, exec.ErrWaitDelay) {
		slog.Warn("stage left processes holding its output", "stage", spec.Stage.String())
		err = nil
	}

	out := exitOutcome(err)
	out.timedOut = timedOut
	return out, nil
}

// Converts the error returned by Wait into an outcome.
func exitOutcome(err error) outcome {
	if err == nil {
		return outcome{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Output copying failed after the process exited cleanly.
		return outcome{code: -1}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return outcome{code: -1, signal: int(ws.Signal())}
	}
	return outcome{code: exitErr.ExitCode()}
}
