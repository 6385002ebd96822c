package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/ClemHeyd/stager/internal/protocol"
)

const (

	// Socket file mode. Stages run as the same user as the orchestrator.
	socketMode = 0600

	// How long a connection may take to send its request line.
	readTimeout = callTimeout

	// Largest request line accepted.
	maxRequestSize = 1 << 20
)

// Serves control requests for one stage.
type Server struct {
	socketPath string             // Path to the Unix socket file.
	scope      *environment.Scope // Scope every request acts on.
	listener   net.Listener       // Listener for incoming connections.
	done       chan struct{}      // Closed when the server stops.
	wg         sync.WaitGroup     // In-flight connections.
	once       sync.Once

	mu     sync.Mutex
	conns  map[net.Conn]struct{} // Open connections, closed by Close.
	closed bool
}

// Opens the control socket for scope and begins accepting connections.
func Listen(socketPath string, scope *environment.Scope) (*Server, error) {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", ErrControl, socketPath, err)
	}

	if err := os.Chmod(socketPath, socketMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: chmod %s: %w", ErrControl, socketPath, err)
	}

	s := &Server{
		socketPath: socketPath,
		scope:      scope,
		listener:   listener,
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}

	slog.Debug("control socket listening", "stage", scope.Label(), "path", socketPath)

	go s.accept()
	return s, nil
}

// Path of the control socket.
func (s *Server) Path() string {
	return s.socketPath
}

// Stops accepting connections, closes the ones still open, waits for their
// handlers to return and removes the socket file.
//
// A request already being dispatched completes, but its response is lost.
func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.listener.Close()

		s.mu.Lock()
		s.closed = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		os.Remove(s.socketPath)
	})
	return nil
}

// Accepts connections in a loop until the server closes.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("control accept error", "error", err)
				continue
			}
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Registers an open connection. Returns false once the server is closed.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// Forgets a connection registered with [Server.track].
func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Processes a single connection: one request line, one response line.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestSize)).ReadBytes('\n')
	if err != nil {
		slog.Warn("control read error", "stage", s.scope.Label(), "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Debug("control command received", "stage", s.scope.Label(), "command", env.Command)

	result, err := s.dispatch(env.Command, payload)
	if err != nil {
		slog.Warn("control command failed", "stage", s.scope.Label(), "command", env.Command, "error", err)
		respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}
	respond(conn, protocol.CmdOK, result)
}

// Routes a command to its handler.
func (s *Server) dispatch(cmd protocol.Command, payload json.RawMessage) (any, error) {
	switch cmd {
	case protocol.CmdMount:
		return s.handleMount(payload)
	case protocol.CmdTrap:
		return s.handleTrap(payload)
	case protocol.CmdPromote:
		return s.handlePromote(payload)
	case protocol.CmdList:
		return s.handleList(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

// Acquires a mount in the stage scope.
func (s *Server) handleMount(payload json.RawMessage) (*protocol.ActionResult, error) {
	req, err := protocol.DecodePayload[protocol.MountRequest](payload)
	if err != nil {
		return nil, err
	}

	spec := environment.MountSpec{
		Type:     environment.MountType(req.Type),
		Source:   req.Source,
		Target:   req.Target,
		Options:  req.Options,
		ReadOnly: req.ReadOnly,
	}

	id, err := s.scope.Mount(spec, req.Persist)
	if err != nil {
		return nil, err
	}

	slog.Info("stage mounted", "stage", s.scope.Label(), "mount", spec.String(), "persist", req.Persist)
	return &protocol.ActionResult{ID: int(id), Name: spec.String(), Promoted: req.Persist}, nil
}

// Registers a shell command as a cleanup action.
func (s *Server) handleTrap(payload json.RawMessage) (*protocol.ActionResult, error) {
	req, err := protocol.DecodePayload[protocol.TrapRequest](payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: empty trap command", ErrControl)
	}

	name := req.Name
	if name == "" {
		name = req.Command
	}

	id, err := s.scope.Trap(name, trapFunc(s.scope.Environment(), req.Command))
	if err != nil {
		return nil, err
	}

	if req.Persist {
		if err := s.scope.Promote(id); err != nil {
			return nil, err
		}
		return &protocol.ActionResult{Name: name, Promoted: true}, nil
	}
	return &protocol.ActionResult{ID: int(id), Name: name}, nil
}

// Hands a stage-local action to the environment.
func (s *Server) handlePromote(payload json.RawMessage) (*protocol.ActionResult, error) {
	req, err := protocol.DecodePayload[protocol.PromoteRequest](payload)
	if err != nil {
		return nil, err
	}

	if err := s.scope.Promote(cleanup.ID(req.ID)); err != nil {
		return nil, err
	}
	return &protocol.ActionResult{ID: req.ID, Promoted: true}, nil
}

// Lists the stage-local actions that have not run yet.
func (s *Server) handleList() *protocol.ListResult {
	pending := s.scope.Pending()
	actions := make([]protocol.ActionResult, len(pending))
	for i, p := range pending {
		actions[i] = protocol.ActionResult{ID: int(p.ID), Name: p.Name}
	}
	return &protocol.ListResult{Actions: actions}
}

// Returns a cleanup function that runs command through /bin/sh inside the
// build environment. A non-zero exit is an error carrying the output.
func trapFunc(env *environment.Environment, command string) func() error {
	return func() error {
		cmd := exec.Command("/bin/sh", "-c", command)
		cmd.Dir = env.RootPath()
		cmd.Env = env.Environ()

		output, err := cmd.CombinedOutput()
		if err != nil {
			out := strings.TrimSpace(string(output))
			if out == "" {
				return fmt.Errorf("%w: %w", ErrTrapFail, err)
			}
			return fmt.Errorf("%w: %w: %s", ErrTrapFail, err, out)
		}
		return nil
	}
}

// Writes a JSON envelope response to the connection.
func respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	conn.Write(append(data, '\n'))
}
