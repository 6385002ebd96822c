package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "stager"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Permission mode for directories holding sockets and scratch data.
	PrivateDirMode os.FileMode = 0700
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stager or /run/user/<uid>/stager
//	macOS:   ~/Library/Caches/stager/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}

// Default path to the daemon's Unix domain socket.
func Socket() string {
	return filepath.Join(Runtime(), "stager.sock")
}

// Default path to the daemon's PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "stager.pid")
}

// Path to the directory holding per-run state.
//
//	Linux:   $XDG_STATE_HOME/stager or ~/.local/state/stager
func State() string {
	return filepath.Join(xdg.StateHome, programName)
}

// Path to the directory of a single run, containing stage logs and the run
// report.
func Run(id string) string {
	return filepath.Join(State(), "runs", id)
}

// Default build root for a run when none is given on the command line.
func Root(id string) string {
	return filepath.Join(State(), "roots", id)
}

// Default path of the optional settings file.
//
//	Linux:   $XDG_CONFIG_HOME/stager/config.yaml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, programName, "config.yaml")
}
