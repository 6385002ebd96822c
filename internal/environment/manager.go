package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ClemHeyd/stager/internal/paths"
)

// Default locale pinned for every stage.
const DefaultLocale = "C"

// Creates and destroys build environments.
type Manager struct {
	Root    string            // Build root path. Must be absent or an empty directory.
	RunID   string            // Identifier exported as STAGER_RUN_ID.
	Locale  string            // Value of LC_ALL and LANG. Defaults to [DefaultLocale].
	Files   string            // Optional payload directory copied into the scratch area.
	Env     map[string]string // Extra variables exported to every stage.
	Mounts  []MountSpec       // Base mounts acquired in order during prepare.
	Mounter Mounter           // Defaults to [SystemMounter].
	TempDir string            // Parent of the scratch directory. Defaults to os.TempDir.
}

// Creates a fresh build environment.
//
// On failure everything acquired so far is released before returning, and
// the error wraps [ErrPrepare].
func (m *Manager) Prepare(ctx context.Context) (*Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrepare, err)
	}

	root, created, err := m.createRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrepare, err)
	}

	scratch, err := os.MkdirTemp(m.TempDir, "stager-")
	if err != nil {
		if created {
			os.Remove(root)
		}
		return nil, fmt.Errorf("%w: %w", ErrPrepare, err)
	}

	env := &Environment{
		root:    root,
		scratch: scratch,
		runID:   m.RunID,
		mounter: m.Mounter,
	}
	if env.mounter == nil {
		env.mounter = SystemMounter{}
	}

	if m.Files != "" {
		files := filepath.Join(scratch, "files")
		if err := copyPayload(m.Files, files); err != nil {
			return nil, m.abort(env, err)
		}
		env.files = files
	}

	env.env = m.environment(env)

	for _, spec := range m.Mounts {
		if err := ctx.Err(); err != nil {
			return nil, m.abort(env, err)
		}
		if _, err := env.Mount(spec); err != nil {
			return nil, m.abort(env, err)
		}
	}

	slog.Info("environment prepared", "root", root, "mounts", len(m.Mounts))
	return env, nil
}

// Releases every resource held by env, most recently acquired first.
//
// Runs at most once per environment; later calls return nil. Release
// failures are logged, never stop the remaining releases, and are returned
// as a [*TeardownError].
func (m *Manager) Teardown(env *Environment) error {
	if env == nil {
		return nil
	}

	failures := env.teardown()
	if len(failures) == 0 {
		slog.Info("environment torn down", "root", env.root)
	}
	return NewTeardownError(failures...)
}

// Checks that the root is absent or an empty directory, then creates it.
// created reports whether the directory did not exist before.
func (m *Manager) createRoot() (root string, created bool, err error) {
	if m.Root == "" {
		return "", false, errors.New("build root not set")
	}

	root, err = filepath.Abs(m.Root)
	if err != nil {
		return "", false, err
	}

	entries, err := os.ReadDir(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		created = true
	case err != nil:
		return "", false, fmt.Errorf("build root %s: %w", root, err)
	case len(entries) > 0:
		return "", false, fmt.Errorf("build root %s is not empty", root)
	}

	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return "", false, err
	}
	return root, created, nil
}

// Builds the variables exported to every stage.
func (m *Manager) environment(env *Environment) map[string]string {
	locale := m.Locale
	if locale == "" {
		locale = DefaultLocale
	}

	vars := make(map[string]string, len(m.Env)+5)
	for k, v := range m.Env {
		vars[k] = v
	}

	vars["LC_ALL"] = locale
	vars["LANG"] = locale
	vars[EnvRoot] = env.root
	if env.runID != "" {
		vars[EnvRunID] = env.runID
	}
	if env.files != "" {
		vars[EnvFiles] = env.files
	}
	return vars
}

// Unwinds a partially prepared environment and returns the prepare error.
func (m *Manager) abort(env *Environment, cause error) error {
	err := fmt.Errorf("%w: %w", ErrPrepare, cause)
	if terr := m.Teardown(env); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}
