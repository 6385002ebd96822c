// Parses flags and dispatches the stager subcommands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-c, --config    Settings file (defaults to the XDG config path).
//	    --socket    Daemon Unix socket path.
//
// Subcommands:
//
//	run       Run a stage directory in this process.
//	serve     Start the daemon.
//	submit    Ask the daemon to run a stage directory.
//	ctl       Talk to the orchestrator from inside a running stage.
//	version   Show version information.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the subcommand runs.
package cli
