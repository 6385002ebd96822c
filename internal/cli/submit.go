package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ClemHeyd/stager/internal/paths"
	"github.com/ClemHeyd/stager/internal/protocol"
)

// Returned when the daemon ran the pipeline and it failed.
var ErrRunFailed = errors.New("run failed")

// Represents the 'stager submit' command.
type SubmitCmd struct {
	Stages    string            `type:"path" required:"" help:"Directory of numbered stage scripts." placeholder:"DIR"`
	Root      string            `type:"path" help:"Build root. Must be absent or empty and not in use by another run." placeholder:"DIR"`
	Timeout   string            `help:"Per-stage time limit as a duration." placeholder:"DURATION"`
	Stage     []string          `short:"s" help:"Run only this stage. Repeatable." placeholder:"STAGE"`
	Exclude   []string          `help:"Skip stage files matching this glob. Repeatable." placeholder:"GLOB"`
	Env       map[string]string `short:"e" help:"Extra stage environment variable. Repeatable." placeholder:"KEY=VALUE"`
	Export    string            `type:"path" help:"Write the finished build root as an OCI image archive." placeholder:"PATH"`
	Isolation string            `help:"How stages are isolated: process or container." placeholder:"MODE"`
}

// Executes the submit command.
//
// Blocks until the daemon finishes the run, then prints its report.
// Interrupting the command disconnects from the daemon, which stops the run
// before its next stage.
func (c *SubmitCmd) Run(ctx context.Context) error {
	socket := RootCmd.Socket
	if socket == "" {
		socket = paths.Socket()
	}

	req := &protocol.RunRequest{
		Stages:    c.Stages,
		Root:      c.Root,
		Config:    RootCmd.Config,
		Select:    c.Stage,
		Exclude:   c.Exclude,
		Env:       c.Env,
		Timeout:   c.Timeout,
		Export:    c.Export,
		Isolation: c.Isolation,
	}

	type reply struct {
		res *protocol.RunResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := protocol.Call[protocol.RunResult](socket, protocol.CmdRun, req, 0)
		done <- reply{res, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	fmt.Fprint(os.Stdout, r.res.Report)
	if !r.res.Success {
		return fmt.Errorf("%w: %s", ErrRunFailed, r.res.Error)
	}
	return nil
}
