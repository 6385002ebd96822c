package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ClemHeyd/stager/internal"
	"github.com/ClemHeyd/stager/internal/logging"
	"github.com/ClemHeyd/stager/internal/session"
	"github.com/ClemHeyd/stager/internal/settings"
	"github.com/ClemHeyd/stager/internal/stage"
)

// Represents the 'stager run' command.
type RunCmd struct {
	Stages    string            `type:"path" help:"Directory of numbered stage scripts." placeholder:"DIR"`
	Root      string            `type:"path" help:"Build root. Must be absent or empty. Defaults to a new directory under the state dir." placeholder:"DIR"`
	Timeout   time.Duration     `help:"Per-stage time limit. Zero means none." placeholder:"DURATION"`
	Locale    string            `help:"Locale pinned for every stage (LC_ALL, LANG)." placeholder:"LOCALE"`
	Stage     []string          `short:"s" help:"Run only this stage (file name, name or order). Repeatable." placeholder:"STAGE"`
	Exclude   []string          `help:"Skip stage files matching this glob. Repeatable." placeholder:"GLOB"`
	Env       map[string]string `short:"e" help:"Extra stage environment variable. Repeatable." placeholder:"KEY=VALUE"`
	DryRun    bool              `help:"Print the stages that would run and exit."`
	Export    string            `type:"path" help:"Write the finished build root as an OCI image archive." placeholder:"PATH"`
	Reference string            `help:"Reference name recorded in the exported image." placeholder:"REF"`
	Isolation string            `help:"How stages are isolated: process or container." placeholder:"MODE"`
	Image     string            `type:"path" help:"Base OCI archive for container isolation." placeholder:"PATH"`
}

// Executes the run command.
//
// Stage output is streamed to stderr and the run report is written to
// stdout. Returns an error unless every stage succeeded and teardown was
// clean.
func (c *RunCmd) Run(ctx context.Context) error {
	cfg, err := c.settings()
	if err != nil {
		return err
	}

	var output io.Writer = os.Stderr
	if internal.IsQuiet() {
		output = nil
	}

	sess, err := session.New(cfg, session.Options{Output: output})
	if err != nil {
		return err
	}

	if c.DryRun {
		plan, err := sess.Plan()
		if err != nil {
			return err
		}
		printPlan(os.Stdout, plan)
		return nil
	}

	res, err := sess.Run(ctx)
	if res != nil {
		res.Render(os.Stdout, logging.IsTerminal(os.Stdout))
	}
	return err
}

// Returns the settings file with the command's flags applied over it.
func (c *RunCmd) settings() (*settings.Settings, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}

	err = cfg.Merge(&settings.Settings{
		Stages:    c.Stages,
		Root:      c.Root,
		Locale:    c.Locale,
		Timeout:   c.Timeout,
		Select:    c.Stage,
		Exclude:   c.Exclude,
		Env:       c.Env,
		Isolation: c.Isolation,
		Image:     c.Image,
		Export:    c.Export,
		Reference: c.Reference,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Writes one line per planned stage.
func printPlan(w io.Writer, plan []stage.Descriptor) {
	for _, d := range plan {
		fmt.Fprintf(w, "%-24s %s\n", d.String(), d.Path)
	}
}
