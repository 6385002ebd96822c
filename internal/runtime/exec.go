package runtime

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"

	"github.com/ClemHeyd/stager/internal/environment"
	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Describes a process to run inside a container.
type ExecSpec struct {
	Args   []string  // Command and arguments, run without a shell.
	Env    []string  // "KEY=value" entries merged over the image environment.
	Cwd    string    // Working directory. Empty keeps the image default.
	Stdout io.Writer // Nil discards.
	Stderr io.Writer // Nil discards.
}

// Outcome of a process run with [Container.Exec].
type ExecResult struct {
	ExitCode int  // Exit code reported by the shim.
	Killed   bool // The process was killed because ctx ended.
}

// Runs a process inside the container and waits for it to exit.
//
// The process is attached to the container's idle task as an additional
// exec. If ctx ends first the process is killed and the result has Killed
// set. A non-zero exit code is not treated as an error; the caller decides.
func (c *Container) Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	// Containerd calls must outlive ctx so a killed process is still reaped.
	bg := context.WithoutCancel(ctx)

	pspec, err := c.buildProcessSpec(bg, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task, err := c.loadTask(bg)
	if err != nil {
		return nil, err
	}

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	process, err := task.Exec(bg, nextExecID(), pspec, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer process.Delete(bg)

	statusC, err := process.Wait(bg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := process.Start(bg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	killed := false
	var exitStatus containerd.ExitStatus
	select {
	case exitStatus = <-statusC:
	case <-ctx.Done():
		killed = true
		process.Kill(bg, syscall.SIGKILL)
		exitStatus = <-statusC
	}

	code, _, err := exitStatus.Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return &ExecResult{ExitCode: int(code), Killed: killed}, nil
}

// Builds an OCI process spec from the container's own spec with the given
// arguments, environment and working directory.
func (c *Container) buildProcessSpec(ctx context.Context, spec ExecSpec) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	ociSpec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *ociSpec.Process
	pspec.Terminal = false
	pspec.Args = spec.Args

	if len(spec.Env) > 0 {
		pspec.Env = environment.MergeEnv(pspec.Env, spec.Env)
	}
	if spec.Cwd != "" {
		pspec.Cwd = spec.Cwd
	}

	return &pspec, nil
}

// Loads the container's running task.
func (c *Container) loadTask(ctx context.Context) (containerd.Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return task, nil
}
