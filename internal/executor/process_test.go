package executor

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepare(t *testing.T) *environment.Environment {
	t.Helper()
	mgr := &environment.Manager{
		Root:    filepath.Join(t.TempDir(), "rootfs"),
		RunID:   "test-run",
		TempDir: t.TempDir(),
	}
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Teardown(env) })
	return env
}

func writeStage(t *testing.T, order int, name, body string, mode os.FileMode) stage.Descriptor {
	t.Helper()
	file := name + ".sh"
	path := filepath.Join(t.TempDir(), file)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode))
	return stage.Descriptor{Order: order, Name: name, File: file, Path: path}
}

func TestProcessSuccess(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 10, "users", `echo "hello from $STAGER_STAGE"
echo "$LC_ALL $STAGER_ORDER" > "$STAGER_ROOT/marker"
test -S "$STAGER_CONTROL"`, 0755)

	var out bytes.Buffer
	logDir := t.TempDir()
	rec := NewProcess(Options{LogDir: logDir, Output: &out}).Run(context.Background(), d, env)

	require.True(t, rec.Succeeded(), "record: %+v", rec)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 0, rec.ExitCode)
	assert.NoError(t, rec.Err)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))
	assert.Contains(t, out.String(), "hello from 10-users")

	marker, err := os.ReadFile(filepath.Join(env.RootPath(), "marker"))
	require.NoError(t, err)
	assert.Equal(t, "C 10\n", string(marker))

	data, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logDir, "users.sh.log"), rec.LogPath)
	assert.Contains(t, string(data), "hello from 10-users")

	artifact, err := os.ReadFile(d.Path)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(artifact), rec.Digest)

	_, err = os.Stat(filepath.Join(env.ScratchPath(), "stage-10.sock"))
	assert.True(t, os.IsNotExist(err), "control socket removed after the stage")
}

func TestProcessNonZeroExit(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 20, "network", "exit 3", 0755)

	rec := NewProcess(Options{}).Run(context.Background(), d, env)

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.ExitCode)
	assert.ErrorIs(t, rec.Err, ErrExit)
}

func TestProcessNonExecutableRunsThroughShell(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 30, "packages", "echo via-shell", 0644)

	var out bytes.Buffer
	rec := NewProcess(Options{Output: &out}).Run(context.Background(), d, env)

	require.True(t, rec.Succeeded(), "record: %+v", rec)
	assert.Contains(t, out.String(), "via-shell")
}

func TestProcessTimeout(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 40, "slow", "sleep 30 & wait", 0755)

	start := time.Now()
	rec := NewProcess(Options{Timeout: 200 * time.Millisecond}).Run(context.Background(), d, env)

	assert.Equal(t, StatusTimedOut, rec.Status)
	assert.ErrorIs(t, rec.Err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessSignaled(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 50, "crash", "kill -9 $$", 0755)

	rec := NewProcess(Options{}).Run(context.Background(), d, env)

	assert.Equal(t, StatusSignaled, rec.Status)
	assert.Equal(t, 137, rec.ExitCode)
	assert.ErrorIs(t, rec.Err, ErrSignaled)
}

func TestProcessIgnoresParentCancellation(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 60, "finish", "sleep 0.2", 0755)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := NewProcess(Options{}).Run(ctx, d, env)
	assert.True(t, rec.Succeeded(), "record: %+v", rec)
}

func TestProcessMissingArtifact(t *testing.T) {
	env := prepare(t)
	d := stage.Descriptor{Order: 70, Name: "gone", File: "70-gone.sh", Path: filepath.Join(t.TempDir(), "70-gone.sh")}

	rec := NewProcess(Options{}).Run(context.Background(), d, env)

	assert.Equal(t, StatusStartError, rec.Status)
	assert.Equal(t, -1, rec.ExitCode)
	assert.ErrorIs(t, rec.Err, ErrStart)
}

func TestCommand(t *testing.T) {
	exe := writeStage(t, 1, "exe", "true", 0755)
	plain := writeStage(t, 2, "plain", "true", 0644)

	assert.Equal(t, []string{exe.Path}, command(exe))
	assert.Equal(t, []string{defaultShell, plain.Path}, command(plain))
}

func TestContainerExecutorUnconfigured(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 10, "users", "true", 0755)

	rec := NewContainer(nil, "", Options{}).Run(context.Background(), d, env)

	assert.Equal(t, StatusStartError, rec.Status)
	assert.ErrorIs(t, rec.Err, ErrNoContainer)
}

func TestExitCodeOutcome(t *testing.T) {
	tests := []struct {
		code int
		want outcome
	}{
		{0, outcome{code: 0}},
		{3, outcome{code: 3}},
		{128, outcome{code: 128}},
		{137, outcome{code: -1, signal: 9}},
		{143, outcome{code: -1, signal: 15}},
		{255, outcome{code: 255}},
	}

	for _, tt := range tests {
		if got := exitCodeOutcome(tt.code); got != tt.want {
			t.Fatalf("exitCodeOutcome(%d) = %+v, want %+v", tt.code, got, tt.want)
		}
	}
}

func TestProcessLingeringControlClient(t *testing.T) {
	env := prepare(t)
	d := writeStage(t, 70, "daemon", "sleep 0.5", 0755)
	socket := filepath.Join(env.ScratchPath(), "stage-70.sock")

	// Holds a control connection open past the end of the stage.
	held := make(chan net.Conn, 1)
	defer func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	}()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if conn, err := net.Dial("unix", socket); err == nil {
				held <- conn
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	done := make(chan Record, 1)
	go func() {
		done <- NewProcess(Options{Timeout: 2 * time.Second}).Run(context.Background(), d, env)
	}()

	select {
	case rec := <-done:
		assert.Equal(t, StatusSucceeded, rec.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("stage record not produced while a control client stayed connected")
	}
}
