package environment

import (
	"fmt"
	"sync"

	"github.com/ClemHeyd/stager/internal/cleanup"
)

// The capability a running stage uses to acquire resources.
//
// Actions registered on a scope are stage-local: they run, most recent
// first, when the scope closes. Promoting one moves it to the environment,
// which releases it at teardown. A closed scope refuses new work.
type Scope struct {
	mu       sync.Mutex
	label    string            // Stage label, used in log output.
	env      *Environment      // Environment the scope belongs to.
	registry *cleanup.Registry // Stage-local cleanup actions.
	closed   bool
}

// Stage label the scope was opened for.
func (s *Scope) Label() string {
	return s.label
}

// Environment the scope belongs to.
func (s *Scope) Environment() *Environment {
	return s.env
}

// Mounts spec inside the build root.
//
// A stage-local mount is undone when the scope closes. A persistent mount is
// held by the environment until teardown and has ID 0, since it can no longer
// be promoted.
func (s *Scope) Mount(spec MountSpec, persist bool) (cleanup.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	if persist {
		_, err := s.env.Mount(spec)
		return 0, err
	}

	acquire, release, err := s.env.prepareMount(spec)
	if err != nil {
		return 0, err
	}

	id := s.registry.Register(release.Name, release.Func)
	if err := acquire(); err != nil {
		return id, err
	}
	return id, nil
}

// Registers a stage-local cleanup action.
func (s *Scope) Trap(name string, fn func() error) (cleanup.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.registry.Register(name, fn), nil
}

// Hands a registered action over to the environment.
func (s *Scope) Promote(id cleanup.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.registry.Promote(id)
}

// Returns the stage-local actions that have not run yet.
func (s *Scope) Pending() []cleanup.Pending {
	return s.registry.Pending()
}

// Runs every stage-local action and closes the scope.
//
// Later calls run nothing.
func (s *Scope) Close() []cleanup.Failure {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.registry.RunAll()
}

// Returns an error if the scope is closed. Callers hold s.mu.
func (s *Scope) check() error {
	if s.closed {
		return fmt.Errorf("%w: %s", ErrScopeClosed, s.label)
	}
	return nil
}
