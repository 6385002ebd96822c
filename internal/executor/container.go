package executor

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/runtime"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/google/uuid"
)

// Highest signal number a shim exit code can encode.
const maxSignal = 64

// Runs stages inside a containerd container started from a base image.
//
// One container is started per environment, on the first stage, and
// registered with the environment so teardown destroys it. The build root,
// the stage directory and the scratch directory are bind-mounted at their
// host paths.
type Container struct {
	opts    Options
	runtime *runtime.Runtime // Containerd runtime.
	image   string           // Base OCI archive.

	mu         sync.Mutex
	containers map[*environment.Environment]*runtime.Container
}

// Creates a container executor.
func NewContainer(rt *runtime.Runtime, image string, opts Options) *Container {
	return &Container{
		opts:       opts,
		runtime:    rt,
		image:      image,
		containers: make(map[*environment.Environment]*runtime.Container),
	}
}

// Runs a stage and returns its record.
func (c *Container) Run(ctx context.Context, d stage.Descriptor, env *environment.Environment) Record {
	return run(ctx, c.opts, d, env, func(ctx context.Context, spec launchSpec) (outcome, error) {
		ctr, err := c.container(ctx, env, filepath.Dir(d.Path))
		if err != nil {
			return outcome{}, err
		}

		res, err := ctr.Exec(ctx, runtime.ExecSpec{
			Args:   spec.Args,
			Env:    env.Exports(spec.Extra...),
			Cwd:    filepath.Dir(spec.Stage.Path),
			Stdout: spec.Output,
			Stderr: spec.Output,
		})
		if err != nil {
			return outcome{}, err
		}

		out := exitCodeOutcome(res.ExitCode)
		out.timedOut = res.Killed
		return out, nil
	})
}

// Returns the container for env, starting it on first use.
func (c *Container) container(ctx context.Context, env *environment.Environment, stageDir string) (*runtime.Container, error) {
	if c.runtime == nil || c.image == "" {
		return nil, ErrNoContainer
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctr, ok := c.containers[env]; ok {
		return ctr, nil
	}

	id := containerID(env)
	var ctr *runtime.Container

	acquire := func() error {
		var err error
		ctr, err = c.runtime.StartContainer(ctx, runtime.ContainerConfig{
			Archive: c.image,
			ID:      id,
			Binds:   []string{env.RootPath(), stageDir, env.ScratchPath()},
		})
		return err
	}

	release := func() error {
		c.mu.Lock()
		delete(c.containers, env)
		c.mu.Unlock()
		return c.runtime.Container(id).Destroy(context.Background())
	}

	if err := env.Acquire("container "+id, acquire, release); err != nil {
		return nil, err
	}

	c.containers[env] = ctr
	return ctr, nil
}

// Returns a container ID unique to the run.
func containerID(env *environment.Environment) string {
	if id := env.RunID(); id != "" {
		return "stager-" + id
	}
	return "stager-" + uuid.NewString()
}

// Converts a shim exit code into an outcome. The shim reports a process
// killed by signal N as 128+N.
func exitCodeOutcome(code int) outcome {
	if code > 128 && code <= 128+maxSignal {
		return outcome{code: -1, signal: code - 128}
	}
	return outcome{code: code}
}
