package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClemHeyd/stager/internal"
	"github.com/ClemHeyd/stager/internal/logging"
	"github.com/ClemHeyd/stager/internal/paths"
	"github.com/ClemHeyd/stager/internal/settings"
	"github.com/alecthomas/kong"
	"github.com/go-errors/errors"
)

// Represents the root command for stager.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Config  string     `short:"c" type:"path" help:"Settings file. Defaults to ${config}." placeholder:"FILE"`
	Socket  string     `type:"path" help:"Override the default daemon socket path." placeholder:"PATH"`
	Run     RunCmd     `cmd:"" help:"Run a stage directory."`
	Serve   ServeCmd   `cmd:"" help:"Start the daemon."`
	Submit  SubmitCmd  `cmd:"" help:"Ask the daemon to run a stage directory."`
	Ctl     CtlCmd     `cmd:"" help:"Talk to the orchestrator from inside a running stage."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Staged build orchestrator.\n\nRuns the numbered stage scripts of a directory in order against a prepared build root."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"config":  paths.ConfigFile(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	err := kongCtx.Run()
	if err != nil && internal.IsDebug() {
		slog.Debug("error stack", "trace", errors.Wrap(err, 1).ErrorStack())
	}
	return err
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*logging.Handler)
	if !ok {
		return // Not our handler, nothing to configure
	}

	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	switch {
	case internal.IsDebug():
		handler.SetLevel(slog.LevelDebug)
	case internal.IsQuiet():
		handler.SetLevel(slog.LevelWarn)
	default:
		handler.SetLevel(slog.LevelInfo)
	}

	handler.SetVerbose(internal.IsVerbose())
	handler.SetColor(logging.IsTerminal(os.Stderr))
	handler.SetOutput(os.Stderr)
}

// Loads the settings file named by --config, or the default one if present.
func loadSettings() (*settings.Settings, error) {
	if RootCmd.Config != "" {
		return settings.Load(RootCmd.Config, false)
	}
	return settings.Load(paths.ConfigFile(), true)
}
