package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memMounter struct {
	mu      sync.Mutex
	mounted map[string]bool
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
	delete(m.mounted, target)
	return nil
}

func (m *memMounter) isMounted(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[target]
}

func setup(t *testing.T) (*environment.Manager, *environment.Environment, *environment.Scope, *Server, *memMounter) {
	t.Helper()

	mounter := &memMounter{mounted: map[string]bool{}}
	mgr := &environment.Manager{
		Root:    filepath.Join(t.TempDir(), "rootfs"),
		Mounter: mounter,
		TempDir: t.TempDir(),
	}
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Teardown(env) })

	scope := env.Scope("10-users")
	srv, err := Listen(filepath.Join(env.ScratchPath(), "stage-10.sock"), scope)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return mgr, env, scope, srv, mounter
}

func TestMountStageLocal(t *testing.T) {
	_, env, scope, srv, mounter := setup(t)
	target := filepath.Join(env.RootPath(), "proc")

	res, err := Mount(srv.Path(), &protocol.MountRequest{Type: "proc", Target: "proc"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ID)
	assert.False(t, res.Promoted)
	assert.True(t, mounter.isMounted(target))

	list, err := List(srv.Path())
	require.NoError(t, err)
	require.Len(t, list.Actions, 1)
	assert.Equal(t, "umount "+target, list.Actions[0].Name)

	assert.Empty(t, scope.Close())
	assert.False(t, mounter.isMounted(target))
}

func TestMountPersistent(t *testing.T) {
	mgr, env, scope, srv, mounter := setup(t)
	target := filepath.Join(env.RootPath(), "dev")

	res, err := Mount(srv.Path(), &protocol.MountRequest{Type: "devtmpfs", Target: "dev", Persist: true})
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	scope.Close()
	assert.True(t, mounter.isMounted(target))

	require.NoError(t, mgr.Teardown(env))
	assert.False(t, mounter.isMounted(target))
}

func TestMountInvalid(t *testing.T) {
	_, _, _, srv, _ := setup(t)

	_, err := Mount(srv.Path(), &protocol.MountRequest{Type: "overlay", Target: "mnt"})
	assert.ErrorIs(t, err, protocol.ErrRemote)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestTrapRunsOnScopeClose(t *testing.T) {
	_, env, scope, srv, _ := setup(t)

	res, err := Trap(srv.Path(), &protocol.TrapRequest{Name: "marker", Command: "touch trapped"})
	require.NoError(t, err)
	assert.Equal(t, "marker", res.Name)

	assert.Empty(t, scope.Close())
	_, err = os.Stat(filepath.Join(env.RootPath(), "trapped"))
	assert.NoError(t, err)
}

func TestTrapFailureReported(t *testing.T) {
	_, _, scope, srv, _ := setup(t)

	_, err := Trap(srv.Path(), &protocol.TrapRequest{Command: "echo busy >&2; exit 3"})
	require.NoError(t, err)

	failures := scope.Close()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrTrapFail)
	assert.Contains(t, failures[0].Error(), "busy")
}

func TestTrapPromote(t *testing.T) {
	mgr, env, scope, srv, _ := setup(t)

	res, err := Trap(srv.Path(), &protocol.TrapRequest{Name: "keep", Command: "touch promoted"})
	require.NoError(t, err)

	_, err = Promote(srv.Path(), res.ID)
	require.NoError(t, err)

	_, err = Promote(srv.Path(), res.ID)
	assert.ErrorIs(t, err, protocol.ErrRemote)

	scope.Close()
	marker := filepath.Join(env.RootPath(), "promoted")
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, mgr.Teardown(env))
	_, err = os.Stat(marker)
	assert.NoError(t, err)
}

func TestTrapEmptyCommand(t *testing.T) {
	_, _, _, srv, _ := setup(t)

	_, err := Trap(srv.Path(), &protocol.TrapRequest{Command: "  "})
	assert.ErrorIs(t, err, protocol.ErrRemote)
}

func TestCloseRemovesSocket(t *testing.T) {
	_, _, _, srv, _ := setup(t)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	_, err := os.Stat(srv.Path())
	assert.True(t, os.IsNotExist(err))

	_, err = List(srv.Path())
	assert.Error(t, err)
}

func TestSocketFromEnv(t *testing.T) {
	t.Setenv(environment.EnvControl, "")
	_, err := SocketFromEnv()
	assert.ErrorIs(t, err, ErrNoSocket)

	t.Setenv(environment.EnvControl, "/run/stage.sock")
	path, err := SocketFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/run/stage.sock", path)
}

func TestCloseDoesNotWaitForIdleConnection(t *testing.T) {
	_, _, _, srv, _ := setup(t)

	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a connection that sent nothing")
	}

	_, err = os.Stat(srv.Path())
	assert.True(t, os.IsNotExist(err))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
