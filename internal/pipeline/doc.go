// Package pipeline drives a staged build from discovery to teardown.
//
// A [Driver] resolves the stage directory, prepares a build environment,
// runs the stages strictly in order and tears the environment down. It moves
// through the states
//
//	idle -> preparing -> running(i/N) -> tearing-down -> finished(success|failed)
//
// Execution is fail-fast: the first stage that does not succeed ends the
// run and no later stage starts. Cancellation is honored only between
// stages; a stage that started is always allowed to finish. Once the
// environment has been prepared, teardown runs exactly once on every path.
//
// The run succeeds only if every stage succeeded and neither stage-local
// cleanup nor teardown reported a failure. The [Result] lists every stage
// that ran with its record, and can be rendered or persisted as a report.
//
// Example usage:
//
//	d := &pipeline.Driver{
//	    Dir:          "./stages",
//	    Environments: &environment.Manager{Root: "/srv/build/rootfs"},
//	    Executor:     executor.NewProcess(executor.Options{Output: os.Stdout}),
//	}
//	res, err := d.Run(ctx)
//	res.Render(os.Stdout, false)
//	if err != nil {
//	    return err
//	}
package pipeline
