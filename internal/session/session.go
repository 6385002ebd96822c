package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/executor"
	"github.com/ClemHeyd/stager/internal/image"
	"github.com/ClemHeyd/stager/internal/paths"
	"github.com/ClemHeyd/stager/internal/pipeline"
	"github.com/ClemHeyd/stager/internal/runtime"
	"github.com/ClemHeyd/stager/internal/settings"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/google/uuid"
)

// Name of the payload directory looked up next to the stage scripts.
const filesDir = "files"

// Options that do not come from settings.
type Options struct {
	Output       io.Writer                 // Live stage output. Nil discards.
	OnTransition func(pipeline.Transition) // Pipeline state observer. Optional.
	Mounter      environment.Mounter       // Overrides the system mounter.
	StateDir     string                    // Parent of run directories and default roots. Empty uses the XDG state dir.
}

// One configured run.
type Session struct {
	id       string             // Run ID.
	settings *settings.Settings // Validated settings.
	opts     Options            // Session options.
	root     string             // Absolute build root.
	runDir   string             // Directory for logs and the report.
	tempDir  string             // Parent of the scratch directory.
}

// Validates the settings and assigns the run its ID, root and run directory.
//
// Nothing is created on disk until [Session.Run].
func New(s *settings.Settings, opts Options) (*Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	runDir := paths.Run(id)
	tempDir := paths.Runtime()
	root := s.Root
	if opts.StateDir != "" {
		runDir = filepath.Join(opts.StateDir, "runs", id)
		tempDir = filepath.Join(opts.StateDir, "tmp")
		if root == "" {
			root = filepath.Join(opts.StateDir, "roots", id)
		}
	}
	if root == "" {
		root = paths.Root(id)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:       id,
		settings: s,
		opts:     opts,
		root:     root,
		runDir:   runDir,
		tempDir:  tempDir,
	}, nil
}

// Run ID.
func (s *Session) ID() string {
	return s.id
}

// Absolute build root.
func (s *Session) Root() string {
	return s.root
}

// Directory holding stage logs and the report.
func (s *Session) RunDir() string {
	return s.runDir
}

// Resolves the stages that would run, without running anything.
func (s *Session) Plan() ([]stage.Descriptor, error) {
	return stage.Resolve(s.settings.Stages, s.resolveOptions()...)
}

// Executes the run.
//
// The result is nil only if the session could not be set up; otherwise it
// describes the run and the returned error is its Err.
func (s *Session) Run(ctx context.Context) (*pipeline.Result, error) {
	if err := os.MkdirAll(s.runDir, paths.DefaultDirMode); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.tempDir, paths.PrivateDirMode); err != nil {
		return nil, err
	}

	exec, closeExec, err := s.executor()
	if err != nil {
		return nil, err
	}
	defer closeExec()

	files, err := s.payload()
	if err != nil {
		return nil, err
	}

	d := &pipeline.Driver{
		RunID:   s.id,
		Dir:     s.settings.Stages,
		Resolve: s.resolveOptions(),
		Environments: &environment.Manager{
			Root:    s.root,
			RunID:   s.id,
			Locale:  s.settings.Locale,
			Files:   files,
			Env:     s.settings.Env,
			Mounts:  s.settings.Mounts,
			Mounter: s.opts.Mounter,
			TempDir: s.tempDir,
		},
		Executor:     exec,
		RunDir:       s.runDir,
		OnTransition: s.opts.OnTransition,
	}

	if s.settings.Export != "" {
		d.Finalize = s.export
	}

	slog.Info("run started", "run", s.id, "stages", s.settings.Stages, "root", s.root, "isolation", s.settings.Isolation)
	return d.Run(ctx)
}

// Returns the executor for the configured isolation and a function that
// releases it.
func (s *Session) executor() (executor.Executor, func(), error) {
	opts := executor.Options{
		Timeout: s.settings.Timeout,
		LogDir:  s.runDir,
		Output:  s.opts.Output,
	}

	if s.settings.Isolation != settings.IsolationContainer {
		return executor.NewProcess(opts), func() {}, nil
	}

	rt, err := runtime.New(runtime.Config{
		Address:     s.settings.Containerd.Address,
		Namespace:   s.settings.Containerd.Namespace,
		Snapshotter: s.settings.Containerd.Snapshotter,
	})
	if err != nil {
		return nil, nil, err
	}

	base, err := filepath.Abs(s.settings.Image)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	return executor.NewContainer(rt, base, opts), func() { rt.Close() }, nil
}

// Returns the payload directory next to the stage scripts, or an empty
// string if there is none.
func (s *Session) payload() (string, error) {
	dir := filepath.Join(s.settings.Stages, filesDir)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", nil
	case err != nil:
		return "", err
	case !info.IsDir():
		return "", nil
	}
	return dir, nil
}

// Exports the finished build root as an OCI image.
func (s *Session) export(ctx context.Context, env *environment.Environment) error {
	out, err := filepath.Abs(s.settings.Export)
	if err != nil {
		return err
	}

	_, err = image.Export(ctx, env.RootPath(), out, image.Options{
		Reference: s.settings.Reference,
		Env:       env.Exports(),
	})
	if err != nil {
		return fmt.Errorf("export %s: %w", out, err)
	}
	return nil
}

// Returns the discovery options derived from the settings.
func (s *Session) resolveOptions() []stage.Option {
	var opts []stage.Option
	if len(s.settings.Exclude) > 0 {
		opts = append(opts, stage.WithExclude(s.settings.Exclude...))
	}
	if len(s.settings.Select) > 0 {
		opts = append(opts, stage.WithSelect(s.settings.Select...))
	}
	return opts
}
