package cleanup

import (
	"fmt"
	"log/slog"
	"sync"
)

// Identifies an action within the registry that issued it. IDs start at 1.
type ID int

// An idempotent, zero-argument undo operation.
type Action struct {
	Name string       // Human-readable description (e.g., "umount /build/proc").
	Func func() error // Undo operation.
}

// Runs the action.
func (a Action) Run() error {
	if a.Func == nil {
		return nil
	}
	return a.Func()
}

// Receives promoted actions.
type Adopter interface {
	Adopt(Action)
}

// An action that returned an error while the registry was draining.
type Failure struct {
	Name string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Name, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

type entry struct {
	id     ID
	action Action
}

// Ordered set of cleanup actions scoped to one stage's execution window.
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	nextID  ID
	adopter Adopter
}

// Creates an empty registry. Promoted actions are handed to adopter, which
// may be nil if promotion is not supported.
func NewRegistry(adopter Adopter) *Registry {
	return &Registry{adopter: adopter}
}

// Adds an action and returns its ID.
func (r *Registry) Register(name string, fn func() error) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.entries = append(r.entries, entry{id: r.nextID, action: Action{Name: name, Func: fn}})
	return r.nextID
}

// Moves an action out of the registry into the adopter.
//
// The action no longer runs when the registry is drained; the adopter
// becomes responsible for it.
func (r *Registry) Promote(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.adopter == nil {
		return ErrNoAdopter
	}

	for i, e := range r.entries {
		if e.id != id {
			continue
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		r.adopter.Adopt(e.action)
		slog.Debug("cleanup action promoted", "action", e.action.Name)
		return nil
	}

	return fmt.Errorf("%w: %d", ErrUnknownAction, id)
}

// Returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Returns the names of pending actions keyed by ID, in registration order.
func (r *Registry) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Pending{ID: e.id, Name: e.action.Name})
	}
	return out
}

// A registered action that has not run yet.
type Pending struct {
	ID   ID
	Name string
}

// Runs every pending action, most recently registered first.
//
// Each action is removed from the registry before it runs. Failures are
// logged and collected; they never stop the remaining actions.
func (r *Registry) RunAll() []Failure {
	var failures []Failure

	for {
		a, ok := r.pop()
		if !ok {
			return failures
		}

		if err := a.Run(); err != nil {
			slog.Warn("cleanup action failed", "action", a.Name, "error", err)
			failures = append(failures, Failure{Name: a.Name, Err: err})
			continue
		}
		slog.Debug("cleanup action done", "action", a.Name)
	}
}

// Removes and returns the most recently registered action.
func (r *Registry) pop() (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if n == 0 {
		return Action{}, false
	}
	e := r.entries[n-1]
	r.entries = r.entries[:n-1]
	return e.action, true
}
