// Package runtime runs stages inside containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon. [Runtime.StartContainer]
// imports a base OCI archive, tags it with a deterministic hash of its path,
// unpacks it for the target platform, and starts a container whose task
// idles so that stages can be executed in it one after another. Host
// directories (the build root, the stage directory, the scratch area) are
// bind-mounted at their host paths, so paths exported to stages mean the
// same thing inside and outside the container.
//
// A container must be destroyed when the run ends to release its snapshot
// and task.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Config{})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, runtime.ContainerConfig{
//	    Archive: "debian.tar",
//	    ID:      "stager-1234",
//	    Binds:   []string{"/srv/build/rootfs"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(context.Background())
//
//	code, err := ctr.Exec(ctx, runtime.ExecSpec{Args: []string{"/bin/sh", "/stages/10-users.sh"}})
package runtime
