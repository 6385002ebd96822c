// Package environment manages the build root shared by every stage of a run.
//
// [Manager.Prepare] creates a fresh build root, a private scratch directory,
// the stage environment variables and any configured base mounts, and
// returns an [Environment]. Every resource acquired on the environment's
// behalf is recorded with its release action before it is acquired, so a
// failure halfway through acquisition is still unwound.
//
// While a stage runs it holds a [Scope]: the only way to acquire mounts and
// register cleanup actions. Stage-scoped resources are released when the
// scope closes; persistent ones are handed to the environment.
//
// [Manager.Teardown] releases everything the environment holds in strict
// reverse order of acquisition, because later mounts may be nested inside
// earlier ones. It keeps going past failures and reports them together as a
// [TeardownError]. The build root itself is kept: its contents are the
// product of the run.
//
// Example usage:
//
//	mgr := &environment.Manager{Root: "/srv/build/rootfs", Locale: "C"}
//	env, err := mgr.Prepare(ctx)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Teardown(env)
//
//	scope := env.Scope("00-base")
//	_, err = scope.Mount(environment.MountSpec{Type: environment.MountProc, Target: "proc"}, false)
//	...
//	failures := scope.Close()
package environment
