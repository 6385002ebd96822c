package environment

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/samber/lo"
)

// Environment variables set for every stage.
const (
	EnvRoot    = "STAGER_ROOT"    // Absolute path of the build root.
	EnvFiles   = "STAGER_FILES"   // Absolute path of the staged payload, if any.
	EnvRunID   = "STAGER_RUN_ID"  // Identifier of the current run.
	EnvStage   = "STAGER_STAGE"   // Label of the running stage (e.g., "10-users").
	EnvOrder   = "STAGER_ORDER"   // Numeric order of the running stage.
	EnvControl = "STAGER_CONTROL" // Path of the running stage's control socket.
)

// The build root and every resource acquired on its behalf.
//
// Created by [Manager.Prepare] and released by [Manager.Teardown]. Safe for
// concurrent use.
type Environment struct {
	mu        sync.Mutex
	root      string            // Absolute path of the build root.
	scratch   string            // Private directory for sockets and temporary data.
	files     string            // Staged payload directory, empty if none.
	runID     string            // Identifier of the run that owns the environment.
	env       map[string]string // Variables exported to every stage.
	mounter   Mounter           // Performs mounts for this environment.
	resources []cleanup.Action  // Release actions in acquisition order.
	tornDown  bool              // Set once teardown has started.
}

// Absolute path of the build root.
func (e *Environment) RootPath() string {
	return e.root
}

// Private scratch directory, removed at teardown.
func (e *Environment) ScratchPath() string {
	return e.scratch
}

// Staged payload directory, or an empty string if none was staged.
func (e *Environment) FilesPath() string {
	return e.files
}

// Identifier of the run that owns the environment.
func (e *Environment) RunID() string {
	return e.runID
}

// Returns a copy of the variables exported to every stage.
func (e *Environment) Env() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Assign(e.env)
}

// Returns the process environment with the stage variables and extra
// "KEY=value" entries layered on top, sorted by key.
func (e *Environment) Environ(extra ...string) []string {
	e.mu.Lock()
	vars := lo.MapToSlice(e.env, func(k, v string) string { return k + "=" + v })
	e.mu.Unlock()

	return MergeEnv(os.Environ(), vars, extra)
}

// Returns only the stage variables and extra entries, sorted by key. Used
// where the host environment does not apply, such as inside a container.
func (e *Environment) Exports(extra ...string) []string {
	e.mu.Lock()
	vars := lo.MapToSlice(e.env, func(k, v string) string { return k + "=" + v })
	e.mu.Unlock()

	return MergeEnv(vars, extra)
}

// Acquires a resource on behalf of the environment.
//
// release is recorded before acquire runs, so a resource that fails halfway
// through acquisition is still unwound at teardown. release must therefore
// tolerate a resource that was never fully acquired.
func (e *Environment) Acquire(name string, acquire, release func() error) error {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return fmt.Errorf("%w: acquire %s", ErrTornDown, name)
	}
	e.resources = append(e.resources, cleanup.Action{Name: name, Func: release})
	e.mu.Unlock()

	if acquire == nil {
		return nil
	}
	if err := acquire(); err != nil {
		return err
	}

	slog.Debug("resource acquired", "resource", name)
	return nil
}

// Takes ownership of an action so it runs at teardown.
//
// Actions adopted after teardown started run immediately.
func (e *Environment) Adopt(a cleanup.Action) {
	e.mu.Lock()
	if !e.tornDown {
		e.resources = append(e.resources, a)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	slog.Warn("environment torn down, releasing adopted action now", "action", a.Name)
	if err := a.Run(); err != nil {
		slog.Warn("release failed", "action", a.Name, "error", err)
	}
}

// Mounts spec inside the build root for the rest of the run.
//
// Returns the release action that teardown will run.
func (e *Environment) Mount(spec MountSpec) (cleanup.Action, error) {
	acquire, release, err := e.prepareMount(spec)
	if err != nil {
		return cleanup.Action{}, err
	}
	if err := e.Acquire(release.Name, acquire, release.Func); err != nil {
		return release, err
	}
	return release, nil
}

// Names of the resources currently held, in acquisition order.
func (e *Environment) Resources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Map(e.resources, func(a cleanup.Action, _ int) string { return a.Name })
}

// Opens a stage scope. See [Scope].
func (e *Environment) Scope(label string) *Scope {
	return &Scope{
		label:    label,
		env:      e,
		registry: cleanup.NewRegistry(e),
	}
}

// Validates spec and returns its acquire function and release action.
func (e *Environment) prepareMount(spec MountSpec) (func() error, cleanup.Action, error) {
	if err := spec.Validate(); err != nil {
		return nil, cleanup.Action{}, err
	}

	target, err := resolveTarget(e.root, spec.Target)
	if err != nil {
		return nil, cleanup.Action{}, err
	}

	acquire := func() error {
		return e.mounter.Mount(spec, target)
	}
	release := cleanup.Action{
		Name: "umount " + target,
		Func: func() error { return e.mounter.Unmount(target) },
	}
	return acquire, release, nil
}

// Releases every resource, most recently acquired first.
//
// Runs at most once; later calls return nil.
func (e *Environment) teardown() []cleanup.Failure {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return nil
	}
	e.tornDown = true
	resources := e.resources
	e.resources = nil
	e.mu.Unlock()

	var failures []cleanup.Failure
	for _, a := range lo.Reverse(resources) {
		if err := a.Run(); err != nil {
			slog.Warn("release failed", "resource", a.Name, "error", err)
			failures = append(failures, cleanup.Failure{Name: a.Name, Err: err})
			continue
		}
		slog.Debug("resource released", "resource", a.Name)
	}

	if e.scratch != "" {
		if err := os.RemoveAll(e.scratch); err != nil {
			slog.Warn("scratch removal failed", "path", e.scratch, "error", err)
			failures = append(failures, cleanup.Failure{Name: "remove " + e.scratch, Err: err})
		}
	}

	return failures
}

// Merges "KEY=value" layers, later layers winning, and returns the result
// sorted by key. Entries without '=' are dropped.
func MergeEnv(layers ...[]string) []string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for _, entry := range layer {
			if k, v, ok := strings.Cut(entry, "="); ok {
				merged[k] = v
			}
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
