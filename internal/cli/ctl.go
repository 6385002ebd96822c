package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ClemHeyd/stager/internal/control"
	"github.com/ClemHeyd/stager/internal/protocol"
)

// Represents the 'stager ctl' command group.
//
// Each subcommand talks to the control socket of the stage it runs in,
// found through STAGER_CONTROL unless --control is given.
type CtlCmd struct {
	Control string     `type:"path" help:"Control socket. Defaults to $STAGER_CONTROL." placeholder:"PATH"`
	Mount   MountCmd   `cmd:"" help:"Mount a filesystem inside the build root."`
	Trap    TrapCmd    `cmd:"" help:"Register a shell command to run at cleanup."`
	Promote PromoteCmd `cmd:"" help:"Keep a registered action until the build environment is torn down."`
	List    ListCmd    `cmd:"" help:"List the stage's pending cleanup actions."`
}

// Returns the control socket to talk to.
func (c *CtlCmd) socket() (string, error) {
	if c.Control != "" {
		return c.Control, nil
	}
	return control.SocketFromEnv()
}

// Represents the 'stager ctl mount' command.
type MountCmd struct {
	Type     string `arg:"" help:"Filesystem type: proc, sysfs, devtmpfs, devpts, tmpfs or bind."`
	Target   string `arg:"" help:"Mount point relative to the build root."`
	Source   string `help:"Host path for bind mounts." placeholder:"PATH"`
	Options  string `short:"o" help:"Filesystem data options." placeholder:"OPTS"`
	ReadOnly bool   `help:"Mount read-only."`
	Persist  bool   `help:"Keep mounted after the stage, until teardown."`
}

// Executes the mount command and prints the cleanup action ID.
func (c *MountCmd) Run(ctx context.Context) error {
	socket, err := RootCmd.Ctl.socket()
	if err != nil {
		return err
	}

	res, err := control.Mount(socket, &protocol.MountRequest{
		Type:     c.Type,
		Source:   c.Source,
		Target:   c.Target,
		Options:  c.Options,
		ReadOnly: c.ReadOnly,
		Persist:  c.Persist,
	})
	if err != nil {
		return err
	}

	printAction(res)
	return nil
}

// Represents the 'stager ctl trap' command.
type TrapCmd struct {
	Name    string   `help:"Name shown in logs and the report." placeholder:"NAME"`
	Persist bool     `help:"Run at teardown instead of when the stage ends."`
	Command []string `arg:"" passthrough:"" help:"Shell command to run."`
}

// Executes the trap command and prints the cleanup action ID.
func (c *TrapCmd) Run(ctx context.Context) error {
	socket, err := RootCmd.Ctl.socket()
	if err != nil {
		return err
	}

	res, err := control.Trap(socket, &protocol.TrapRequest{
		Name:    c.Name,
		Command: strings.Join(c.Command, " "),
		Persist: c.Persist,
	})
	if err != nil {
		return err
	}

	printAction(res)
	return nil
}

// Represents the 'stager ctl promote' command.
type PromoteCmd struct {
	ID int `arg:"" help:"Action ID printed by mount or trap."`
}

// Executes the promote command.
func (c *PromoteCmd) Run(ctx context.Context) error {
	socket, err := RootCmd.Ctl.socket()
	if err != nil {
		return err
	}

	res, err := control.Promote(socket, c.ID)
	if err != nil {
		return err
	}

	printAction(res)
	return nil
}

// Represents the 'stager ctl list' command.
type ListCmd struct{}

// Executes the list command.
func (c *ListCmd) Run(ctx context.Context) error {
	socket, err := RootCmd.Ctl.socket()
	if err != nil {
		return err
	}

	res, err := control.List(socket)
	if err != nil {
		return err
	}

	for _, a := range res.Actions {
		printAction(&a)
	}
	return nil
}

// Prints "<id> <name>", marking actions held by the environment.
func printAction(a *protocol.ActionResult) {
	if a.Promoted {
		fmt.Fprintf(os.Stdout, "%d %s (until teardown)\n", a.ID, a.Name)
		return
	}
	fmt.Fprintf(os.Stdout, "%d %s\n", a.ID, a.Name)
}
