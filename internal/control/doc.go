// Package control serves the per-stage control socket.
//
// While a stage runs, the executor listens on a Unix socket inside the
// environment's scratch directory and exports its path to the stage as
// STAGER_CONTROL. The stage (normally through "stager ctl") sends one
// newline-delimited JSON request per connection to acquire mounts, register
// cleanup commands, or promote them to the environment. Every request acts on
// the stage's [environment.Scope]; the socket is closed when the stage exits.
//
// Example usage:
//
//	srv, err := control.Listen(filepath.Join(env.ScratchPath(), "stage-10.sock"), scope)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//
// From inside a stage:
//
//	res, err := control.Mount(os.Getenv("STAGER_CONTROL"), &protocol.MountRequest{Type: "proc", Target: "proc"})
package control
