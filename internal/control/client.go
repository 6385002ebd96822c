package control

import (
	"os"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/protocol"
)

// How long a client waits for the orchestrator to answer.
const callTimeout = time.Minute

// Returns the control socket of the running stage from STAGER_CONTROL.
func SocketFromEnv() (string, error) {
	path := os.Getenv(environment.EnvControl)
	if path == "" {
		return "", ErrNoSocket
	}
	return path, nil
}

// Asks the orchestrator to mount req inside the build root.
func Mount(socketPath string, req *protocol.MountRequest) (*protocol.ActionResult, error) {
	return protocol.Call[protocol.ActionResult](socketPath, protocol.CmdMount, req, callTimeout)
}

// Registers a cleanup command with the orchestrator.
func Trap(socketPath string, req *protocol.TrapRequest) (*protocol.ActionResult, error) {
	return protocol.Call[protocol.ActionResult](socketPath, protocol.CmdTrap, req, callTimeout)
}

// Hands a registered action over to the environment.
func Promote(socketPath string, id int) (*protocol.ActionResult, error) {
	return protocol.Call[protocol.ActionResult](socketPath, protocol.CmdPromote, &protocol.PromoteRequest{ID: id}, callTimeout)
}

// Lists the stage's pending cleanup actions.
func List(socketPath string) (*protocol.ListResult, error) {
	return protocol.Call[protocol.ListResult](socketPath, protocol.CmdList, nil, callTimeout)
}
