// Package server implements the stager daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// "stager submit". Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command, and writes the result back before closing the
// connection.
//
// Supported commands are running a pipeline, querying daemon status, and
// initiating shutdown. Run commands are delegated to the session package.
// Runs may proceed concurrently, but never two against the same build root:
// a run whose root is already in use is refused.
//
// Example usage:
//
//	srv := server.New(server.Config{})
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
