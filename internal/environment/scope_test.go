package environment

import (
	"context"
	"errors"
	"testing"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeCloseReleasesStageMounts(t *testing.T) {
	mgr, fm := newManager(t, MountSpec{Type: MountProc, Target: "proc"})
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)

	scope := env.Scope("10-users")
	_, err = scope.Mount(MountSpec{Type: MountBind, Source: "/", Target: "mnt/host"}, false)
	require.NoError(t, err)
	_, err = scope.Mount(MountSpec{Type: MountTmpfs, Target: "run"}, true)
	require.NoError(t, err)

	assert.Empty(t, scope.Close())
	assert.Empty(t, scope.Close())

	assert.Equal(t, []string{"mount proc", "mount mnt/host", "mount run", "umount mnt/host"}, fm.calls())
	assert.Len(t, env.Resources(), 2)

	require.NoError(t, mgr.Teardown(env))
	assert.Equal(t, []string{"umount run", "umount proc"}, fm.calls()[4:])
}

func TestScopePromote(t *testing.T) {
	mgr, fm := newManager(t)
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)

	scope := env.Scope("20-network")
	id, err := scope.Mount(MountSpec{Type: MountTmpfs, Target: "var/cache"}, false)
	require.NoError(t, err)

	var order []string
	_, err = scope.Trap("stop daemon", func() error { order = append(order, "stop daemon"); return nil })
	require.NoError(t, err)

	require.NoError(t, scope.Promote(id))
	assert.ErrorIs(t, scope.Promote(id), cleanup.ErrUnknownAction)
	assert.Len(t, scope.Pending(), 1)

	assert.Empty(t, scope.Close())
	assert.Equal(t, []string{"stop daemon"}, order)
	assert.Equal(t, []string{"mount var/cache"}, fm.calls())

	require.NoError(t, mgr.Teardown(env))
	assert.Equal(t, []string{"mount var/cache", "umount var/cache"}, fm.calls())
}

func TestScopeCloseReportsFailures(t *testing.T) {
	mgr, _ := newManager(t)
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)
	defer mgr.Teardown(env)

	scope := env.Scope("30-packages")
	_, err = scope.Trap("kill apt", func() error { return errors.New("no such process") })
	require.NoError(t, err)

	failures := scope.Close()
	require.Len(t, failures, 1)
	assert.Equal(t, "kill apt", failures[0].Name)
}

func TestScopeClosedRefusesWork(t *testing.T) {
	mgr, _ := newManager(t)
	env, err := mgr.Prepare(context.Background())
	require.NoError(t, err)
	defer mgr.Teardown(env)

	scope := env.Scope("40-late")
	scope.Close()

	_, err = scope.Trap("late", nil)
	assert.ErrorIs(t, err, ErrScopeClosed)
	_, err = scope.Mount(MountSpec{Type: MountTmpfs, Target: "tmp"}, false)
	assert.ErrorIs(t, err, ErrScopeClosed)
	assert.ErrorIs(t, scope.Promote(1), ErrScopeClosed)
}
