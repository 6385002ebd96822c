package settings

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/runtime"
	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"
)

// How stages are isolated from the host.
const (
	IsolationProcess   = "process"   // Child processes of the orchestrator.
	IsolationContainer = "container" // Exec sessions in a containerd container.
)

// Configuration of a run.
type Settings struct {
	Stages     string                  `yaml:"stages"`               // Stage directory.
	Root       string                  `yaml:"root,omitempty"`       // Build root; empty picks one under the state dir.
	Locale     string                  `yaml:"locale,omitempty"`     // Pinned LC_ALL and LANG.
	Timeout    time.Duration           `yaml:"timeout,omitempty"`    // Per-stage limit; zero means none.
	Select     []string                `yaml:"select,omitempty"`     // Stages to run; empty runs all.
	Exclude    []string                `yaml:"exclude,omitempty"`    // Filename globs to skip.
	Env        map[string]string       `yaml:"env,omitempty"`        // Extra stage environment.
	Mounts     []environment.MountSpec `yaml:"mounts,omitempty"`     // Base mounts acquired before the first stage.
	Isolation  string                  `yaml:"isolation,omitempty"`  // [IsolationProcess] or [IsolationContainer].
	Image      string                  `yaml:"image,omitempty"`      // Base OCI archive for container isolation.
	Export     string                  `yaml:"export,omitempty"`     // OCI archive written after a successful run.
	Reference  string                  `yaml:"reference,omitempty"`  // Reference annotation of the exported image.
	Containerd Containerd              `yaml:"containerd,omitempty"` // Connection to containerd.
}

// Containerd connection settings.
type Containerd struct {
	Address     string `yaml:"address,omitempty"`
	Namespace   string `yaml:"namespace,omitempty"`
	Snapshotter string `yaml:"snapshotter,omitempty"`
}

// Returns the built-in defaults.
func Defaults() *Settings {
	return &Settings{
		Locale:    environment.DefaultLocale,
		Isolation: IsolationProcess,
		Containerd: Containerd{
			Address:     runtime.DefaultAddress,
			Namespace:   runtime.DefaultNamespace,
			Snapshotter: runtime.DefaultSnapshotter,
		},
	}
}

// Loads the settings file at path over the defaults.
//
// A missing file is not an error when optional is set, so the default
// settings path can be read unconditionally.
func Load(path string, optional bool) (*Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}

	var file Settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSettings, path, err)
	}

	if err := s.Merge(&file); err != nil {
		return nil, err
	}
	return s, nil
}

// Applies the non-zero fields of overrides.
func (s *Settings) Merge(overrides *Settings) error {
	if overrides == nil {
		return nil
	}
	if err := mergo.Merge(s, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return nil
}

// Checks that the settings describe a runnable pipeline.
func (s *Settings) Validate() error {
	if s.Stages == "" {
		return fmt.Errorf("%w: no stage directory", ErrSettings)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrSettings, s.Timeout)
	}

	switch s.Isolation {
	case IsolationProcess:
	case IsolationContainer:
		if s.Image == "" {
			return fmt.Errorf("%w: container isolation needs an image", ErrSettings)
		}
	default:
		return fmt.Errorf("%w: unknown isolation %q", ErrSettings, s.Isolation)
	}

	for _, m := range s.Mounts {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrSettings, err)
		}
	}
	return nil
}
