package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ClemHeyd/stager/internal/control"
	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/paths"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/opencontainers/go-digest"
)

// Interpreter for stage artifacts that are not executable.
const defaultShell = "/bin/sh"

// Runs one stage against a prepared environment.
type Executor interface {
	Run(ctx context.Context, d stage.Descriptor, env *environment.Environment) Record
}

// Settings shared by every executor.
type Options struct {
	Timeout time.Duration // Per-stage time limit. Zero means none.
	LogDir  string        // Directory for per-stage logs. Empty disables them.
	Output  io.Writer     // Live stage output. Nil discards.
}

// Everything a launcher needs to start a stage.
type launchSpec struct {
	Stage  stage.Descriptor         // Stage being run.
	Args   []string                 // Command line for the artifact.
	Env    *environment.Environment // Environment the stage runs in.
	Extra  []string                 // Per-stage variables.
	Output io.Writer                // Receives stdout and stderr.
}

// How a launched stage ended.
type outcome struct {
	code     int  // Exit status.
	signal   int  // Terminating signal, zero if none.
	timedOut bool // Killed because the deadline passed.
}

// Starts a stage and waits for it. An error means the stage never started.
type launcher func(ctx context.Context, spec launchSpec) (outcome, error)

// Runs a stage through launch and builds its record.
//
// Parent cancellation never reaches the stage: a stage that started runs to
// completion unless its own timeout expires. The control socket and stage
// scope live exactly as long as the call.
func run(ctx context.Context, opts Options, d stage.Descriptor, env *environment.Environment, launch launcher) Record {
	rec := Record{Stage: d, ExitCode: -1, StartedAt: time.Now()}
	slog.Info(fmt.Sprintf("running stage %s", d), "path", d.Path)

	finish := func(status Status, err error) Record {
		rec.Status = status
		rec.Err = err
		rec.EndedAt = time.Now()
		return rec
	}

	dgst, err := artifactDigest(d.Path)
	if err != nil {
		return finish(StatusStartError, fmt.Errorf("%w: %w", ErrStart, err))
	}
	rec.Digest = dgst

	output, logPath, closeLog, err := openLog(opts, d)
	if err != nil {
		return finish(StatusStartError, fmt.Errorf("%w: %w", ErrStart, err))
	}
	defer closeLog()
	rec.LogPath = logPath

	scope := env.Scope(d.String())
	socket := filepath.Join(env.ScratchPath(), fmt.Sprintf("stage-%d.sock", d.Order))
	srv, err := control.Listen(socket, scope)
	if err != nil {
		rec.CleanupFailures = scope.Close()
		return finish(StatusStartError, fmt.Errorf("%w: %w", ErrStart, err))
	}

	runCtx := context.WithoutCancel(ctx)
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
		defer cancel()
	}

	out, launchErr := launch(runCtx, launchSpec{
		Stage: d,
		Args:  command(d),
		Env:   env,
		Extra: []string{
			environment.EnvStage + "=" + d.String(),
			environment.EnvOrder + "=" + strconv.Itoa(d.Order),
			environment.EnvControl + "=" + srv.Path(),
		},
		Output: output,
	})

	srv.Close()
	rec.CleanupFailures = scope.Close()

	switch {
	case launchErr != nil:
		return finish(StatusStartError, fmt.Errorf("%w: %w", ErrStart, launchErr))
	case out.timedOut:
		return finish(StatusTimedOut, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout))
	case out.signal != 0:
		rec.ExitCode = 128 + out.signal
		return finish(StatusSignaled, fmt.Errorf("%w %d", ErrSignaled, out.signal))
	case out.code != 0:
		rec.ExitCode = out.code
		return finish(StatusFailed, fmt.Errorf("%w %d", ErrExit, out.code))
	default:
		rec.ExitCode = 0
		return finish(StatusSucceeded, nil)
	}
}

// Returns the command line that runs the artifact. Artifacts without an
// execute bit are passed to the shell.
func command(d stage.Descriptor) []string {
	info, err := os.Stat(d.Path)
	if err == nil && info.Mode().Perm()&0111 != 0 {
		return []string{d.Path}
	}
	return []string{defaultShell, d.Path}
}

// Computes the SHA-256 digest of the artifact.
func artifactDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.SHA256.FromReader(f)
}

// Opens the stage log and returns the writer stage output goes to.
func openLog(opts Options, d stage.Descriptor) (io.Writer, string, func(), error) {
	console := opts.Output
	if console == nil {
		console = io.Discard
	}
	if opts.LogDir == "" {
		return console, "", func() {}, nil
	}

	if err := os.MkdirAll(opts.LogDir, paths.DefaultDirMode); err != nil {
		return nil, "", nil, err
	}

	logPath := filepath.Join(opts.LogDir, d.File+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return nil, "", nil, err
	}

	return io.MultiWriter(console, f), logPath, func() { f.Close() }, nil
}
