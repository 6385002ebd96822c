// Package session turns settings into a configured pipeline run.
//
// A [Session] owns one run: it assigns the run ID, creates the run
// directory for stage logs and the report, picks the build root, stages the
// optional files/ payload found next to the stage scripts, chooses the
// executor for the configured isolation, and wires image export as the
// pipeline's finalize step. The command line and the daemon both start runs
// through a session.
//
// Example usage:
//
//	sess, err := session.New(s, session.Options{Output: os.Stdout})
//	if err != nil {
//	    return err
//	}
//	res, err := sess.Run(ctx)
package session
