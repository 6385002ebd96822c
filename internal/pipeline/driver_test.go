package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/executor"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memMounter struct {
	mu       sync.Mutex
	mounted  map[string]bool
	failUmnt string // Base name of a target whose unmount fails.
}

func (m *memMounter) Mount(spec environment.MountSpec, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[target] = true
	return nil
}

func (m *memMounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if filepath.Base(target) == m.failUmnt {
		return errors.New("device or resource busy")
	}
	delete(m.mounted, target)
	return nil
}

// Counts calls to the wrapped manager.
type countingEnvs struct {
	*environment.Manager
	prepares  int
	teardowns int
}

func (c *countingEnvs) Prepare(ctx context.Context) (*environment.Environment, error) {
	c.prepares++
	return c.Manager.Prepare(ctx)
}

func (c *countingEnvs) Teardown(env *environment.Environment) error {
	c.teardowns++
	return c.Manager.Teardown(env)
}

// Returns records without running anything.
type scriptedExecutor struct {
	status map[string]executor.Status // Keyed by stage name; missing means success.
	ran    []string
	onRun  func(d stage.Descriptor, env *environment.Environment) []cleanup.Failure
}

func (e *scriptedExecutor) Run(ctx context.Context, d stage.Descriptor, env *environment.Environment) executor.Record {
	e.ran = append(e.ran, d.Name)
	rec := executor.Record{Stage: d, StartedAt: time.Now(), Status: executor.StatusSucceeded}
	if e.onRun != nil {
		rec.CleanupFailures = e.onRun(d, env)
	}
	if st, ok := e.status[d.Name]; ok {
		rec.Status = st
		rec.ExitCode = 1
		rec.Err = errors.New("exit status 1")
	}
	rec.EndedAt = time.Now()
	return rec
}

func stageDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("#!/bin/sh\ntrue\n"), 0755))
	}
	return dir
}

func newDriver(t *testing.T, dir string, exec executor.Executor, mounts ...environment.MountSpec) (*Driver, *countingEnvs, *memMounter) {
	t.Helper()
	mounter := &memMounter{mounted: map[string]bool{}}
	envs := &countingEnvs{Manager: &environment.Manager{
		Root:    filepath.Join(t.TempDir(), "rootfs"),
		RunID:   "run-1",
		Mounts:  mounts,
		Mounter: mounter,
		TempDir: t.TempDir(),
	}}
	return &Driver{
		RunID:        "run-1",
		Dir:          dir,
		Environments: envs,
		Executor:     exec,
		RunDir:       t.TempDir(),
	}, envs, mounter
}

func TestAllStagesSucceed(t *testing.T) {
	exec := &scriptedExecutor{}
	d, envs, _ := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh", "20-c.sh"), exec)

	var states []string
	d.OnTransition = func(tr Transition) { states = append(states, tr.String()) }

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, Finished, res.State)
	assert.NoError(t, res.Teardown)
	assert.Equal(t, []string{"a", "b", "c"}, stageNames(res.Records))
	assert.Equal(t, 1, envs.teardowns)
	assert.Equal(t, []string{
		"preparing", "running(1/3)", "running(2/3)", "running(3/3)", "tearing-down", "finished(success)",
	}, states)

	rep, err := ReadReport(res.ReportPath)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Len(t, rep.Stages, 3)
}

func TestFailFast(t *testing.T) {
	exec := &scriptedExecutor{status: map[string]executor.Status{"b": executor.StatusFailed}}
	d, envs, _ := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh", "20-c.sh"), exec)

	res, err := d.Run(context.Background())
	require.Error(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, exec.ran)
	require.Len(t, res.Records, 2)
	assert.True(t, res.Records[0].Succeeded())
	assert.Equal(t, executor.StatusFailed, res.Records[1].Status)
	assert.Equal(t, 1, envs.teardowns)

	assert.ErrorIs(t, err, ErrStageFailed)
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 10, sf.Record.Stage.Order)
	assert.Contains(t, err.Error(), "stage b")
	assert.Contains(t, err.Error(), "order 10")

	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "b", failed.Stage.Name)
}

func TestOrderCollisionRunsNothing(t *testing.T) {
	exec := &scriptedExecutor{}
	d, envs, _ := newDriver(t, stageDir(t, "05-x.sh", "05-y.sh"), exec)

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, stage.ErrOrderCollision)
	assert.ErrorIs(t, err, stage.ErrStageDiscovery)
	assert.Empty(t, res.Records)
	assert.Empty(t, exec.ran)
	assert.Equal(t, 0, envs.prepares)
	assert.Equal(t, 0, envs.teardowns)
	assert.Equal(t, Finished, res.State)
}

func TestTeardownFailureFailsRun(t *testing.T) {
	exec := &scriptedExecutor{}
	d, envs, mounter := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh"), exec,
		environment.MountSpec{Type: environment.MountProc, Target: "proc"},
		environment.MountSpec{Type: environment.MountTmpfs, Target: "tmp"},
	)
	mounter.failUmnt = "proc"

	res, err := d.Run(context.Background())
	require.Error(t, err)

	assert.False(t, res.Success)
	for _, rec := range res.Records {
		assert.True(t, rec.Succeeded())
	}
	assert.ErrorIs(t, err, environment.ErrTeardown)
	assert.Equal(t, 1, envs.teardowns)

	var terr *environment.TeardownError
	require.ErrorAs(t, res.Teardown, &terr)
	require.Len(t, terr.Failures, 1)
	assert.True(t, strings.HasSuffix(terr.Failures[0].Name, "/proc"))
	assert.Len(t, res.Anomalies(), 1)
}

func TestEmptyDirectory(t *testing.T) {
	d, envs, _ := newDriver(t, stageDir(t, "README.md"), &scriptedExecutor{})

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoStages)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, envs.prepares)
}

func TestCancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &scriptedExecutor{onRun: func(d stage.Descriptor, env *environment.Environment) []cleanup.Failure {
		if d.Name == "a" {
			cancel()
		}
		return nil
	}}
	d, envs, _ := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh"), exec)

	res, err := d.Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, exec.ran)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Succeeded())
	assert.Equal(t, 1, envs.teardowns)
}

func TestPrepareFailure(t *testing.T) {
	exec := &scriptedExecutor{}
	d, envs, _ := newDriver(t, stageDir(t, "00-a.sh"), exec)
	require.NoError(t, os.MkdirAll(envs.Root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(envs.Root, "stale"), nil, 0644))

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, environment.ErrPrepare)
	assert.Empty(t, res.Records)
	assert.Empty(t, exec.ran)
	assert.Equal(t, 0, envs.teardowns)
}

func TestFinalize(t *testing.T) {
	exec := &scriptedExecutor{}
	d, envs, _ := newDriver(t, stageDir(t, "00-a.sh"), exec)

	var root string
	d.Finalize = func(ctx context.Context, env *environment.Environment) error {
		root = env.RootPath()
		assert.Equal(t, 0, envs.teardowns, "finalize runs before teardown")
		return errors.New("disk full")
	}

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrFinalize)
	assert.Equal(t, res.Root, root)
	assert.Equal(t, 1, envs.teardowns)
}

func TestFinalizeSkippedAfterFailure(t *testing.T) {
	exec := &scriptedExecutor{status: map[string]executor.Status{"a": executor.StatusTimedOut}}
	d, _, _ := newDriver(t, stageDir(t, "00-a.sh"), exec)

	called := false
	d.Finalize = func(ctx context.Context, env *environment.Environment) error {
		called = true
		return nil
	}

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.False(t, called)
}

func TestStageCleanupFailureFailsRun(t *testing.T) {
	exec := &scriptedExecutor{onRun: func(d stage.Descriptor, env *environment.Environment) []cleanup.Failure {
		if d.Name == "a" {
			return []cleanup.Failure{{Name: "kill apt", Err: errors.New("no such process")}}
		}
		return nil
	}}
	d, _, _ := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh"), exec)

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrCleanup)
	assert.Equal(t, []string{"a", "b"}, exec.ran)
	assert.Contains(t, err.Error(), "00-a")
	assert.Len(t, res.Anomalies(), 1)
}

func TestStageAndTeardownFailuresCombined(t *testing.T) {
	exec := &scriptedExecutor{status: map[string]executor.Status{"a": executor.StatusFailed}}
	d, _, mounter := newDriver(t, stageDir(t, "00-a.sh"), exec,
		environment.MountSpec{Type: environment.MountProc, Target: "proc"},
	)
	mounter.failUmnt = "proc"

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, environment.ErrTeardown)
}

func TestRunOnce(t *testing.T) {
	d, _, _ := newDriver(t, stageDir(t, "00-a.sh"), &scriptedExecutor{})

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestSelectAndExclude(t *testing.T) {
	exec := &scriptedExecutor{}
	d, _, _ := newDriver(t, stageDir(t, "00-a.sh", "10-b.sh", "20-c.sh", "99-debug.sh"), exec)
	d.Resolve = []stage.Option{stage.WithExclude("99-*"), stage.WithSelect("c", "00")}

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, exec.ran)
}

func TestProcessPipeline(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755))
	}
	write("00-base.sh", `echo base >> "$STAGER_ROOT/order"`)
	write("10-users.sh", `echo users >> "$STAGER_ROOT/order"; exit 4`)
	write("20-never.sh", `echo never >> "$STAGER_ROOT/order"`)

	d, envs, _ := newDriver(t, dir, executor.NewProcess(executor.Options{}))

	res, err := d.Run(context.Background())
	require.Error(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 4, res.Records[1].ExitCode)

	order, err := os.ReadFile(filepath.Join(envs.Root, "order"))
	require.NoError(t, err)
	assert.Equal(t, "base\nusers\n", string(order))
}

func stageNames(records []executor.Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Stage.Name
	}
	return names
}
