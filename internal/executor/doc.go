// Package executor runs one stage to completion and records the outcome.
//
// An [Executor] runs a stage artifact against a prepared build environment
// and returns a [Record]. Failures of the stage itself (a non-zero exit, a
// signal, a timeout, an artifact that cannot be started) are reported in the
// record, never as a Go error, so the driver can always account for every
// stage it attempted.
//
// For the duration of a stage the executor opens an [environment.Scope] and
// serves it on a control socket exported as STAGER_CONTROL. When the stage
// exits the socket is closed and the scope drained; failures of those
// stage-local cleanup actions are attached to the record.
//
// Two executors are provided. [Process] runs the artifact as a child process
// in its own process group. [Container] runs it inside a containerd container
// started from a base image, with the build root bind-mounted at its host
// path.
//
// Example usage:
//
//	exec := executor.NewProcess(executor.Options{
//	    Timeout: 30 * time.Minute,
//	    LogDir:  runDir,
//	    Output:  os.Stdout,
//	})
//	rec := exec.Run(ctx, stages[0], env)
//	rec.Log()
//	if !rec.Succeeded() {
//	    return rec.Err
//	}
package executor
