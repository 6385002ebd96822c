package stage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"
)

// Adjusts stage resolution.
type Option func(*options)

type options struct {
	exclude []string
	include []string
}

// Skips files whose base name matches any of the glob patterns. Excluded
// files take no part in collision checks.
func WithExclude(patterns ...string) Option {
	return func(o *options) {
		o.exclude = append(o.exclude, patterns...)
	}
}

// Restricts the result to the referenced stages (see [Descriptor.Matches]).
// Referencing a stage that does not exist is an error.
func WithSelect(refs ...string) Option {
	return func(o *options) {
		o.include = append(o.include, refs...)
	}
}

// Scans dir and returns its stages in ascending order.
//
// Every error wraps [ErrStageDiscovery]. The directory must exist and hold
// at least one stage after filtering ([ErrNoStages]). Orders must be
// parseable ([ErrInvalidOrder]) and unique ([ErrOrderCollision]).
func Resolve(dir string, opts ...Option) ([]Descriptor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	for _, p := range o.exclude {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%w: exclude pattern %q: %w", ErrStageDiscovery, p, err)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStageDiscovery, err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStageDiscovery, err)
	}

	var stages []Descriptor
	for _, e := range entries {
		d, ok, err := describe(abs, e, o.exclude)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStageDiscovery, err)
		}
		if ok {
			stages = append(stages, d)
		}
	}

	sort.Slice(stages, func(i, j int) bool {
		if stages[i].Order != stages[j].Order {
			return stages[i].Order < stages[j].Order
		}
		return stages[i].File < stages[j].File
	})

	for i := 1; i < len(stages); i++ {
		if stages[i].Order == stages[i-1].Order {
			return nil, fmt.Errorf("%w: %w: %s and %s", ErrStageDiscovery, ErrOrderCollision, stages[i-1].File, stages[i].File)
		}
	}

	if len(o.include) > 0 {
		stages, err = selectStages(stages, o.include)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStageDiscovery, err)
		}
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: %w in %s", ErrStageDiscovery, ErrNoStages, abs)
	}

	slog.Debug("stages resolved", "dir", abs, "count", len(stages))
	return stages, nil
}

// Builds a descriptor for a directory entry. ok is false for entries that
// are not stages.
func describe(dir string, e os.DirEntry, exclude []string) (Descriptor, bool, error) {
	file := e.Name()

	if lo.SomeBy(exclude, func(p string) bool {
		matched, _ := filepath.Match(p, file)
		return matched
	}) {
		slog.Debug("stage excluded", "file", file)
		return Descriptor{}, false, nil
	}

	order, name, ok, err := parseFilename(file)
	if !ok || err != nil {
		return Descriptor{}, false, err
	}

	path := filepath.Join(dir, file)

	// Follows symlinks; directories and dangling links are not stages.
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Descriptor{}, false, nil
	}

	return Descriptor{Order: order, Name: name, File: file, Path: path}, true, nil
}

// Keeps the stages referenced by refs, preserving resolved order.
func selectStages(stages []Descriptor, refs []string) ([]Descriptor, error) {
	for _, ref := range refs {
		if !lo.SomeBy(stages, func(d Descriptor) bool { return d.Matches(ref) }) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, ref)
		}
	}

	return lo.Filter(stages, func(d Descriptor, _ int) bool {
		return lo.SomeBy(refs, d.Matches)
	}), nil
}

// Returns the labels of the given stages, in order.
func Labels(stages []Descriptor) []string {
	return lo.Map(stages, func(d Descriptor, _ int) string { return d.String() })
}
