package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Identifies the operation carried by an envelope.
type Command string

const (
	CmdOK    Command = "ok"    // Successful response.
	CmdError Command = "error" // Failed response, payload is an [ErrorResult].

	CmdRun      Command = "run"      // Daemon: execute a pipeline.
	CmdStatus   Command = "status"   // Daemon: report daemon state.
	CmdShutdown Command = "shutdown" // Daemon: stop accepting work and exit.

	CmdMount   Command = "mount"   // Control: acquire a mount inside the build root.
	CmdTrap    Command = "trap"    // Control: register a cleanup command.
	CmdPromote Command = "promote" // Control: hand a cleanup action to the environment.
	CmdList    Command = "list"    // Control: list registered cleanup actions.
)

var (
	ErrProtocol = errors.New("protocol error")
	ErrRemote   = errors.New("remote error")
)

// Wire frame for every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Serializes a command and payload into a single JSON line (without the
// trailing newline).
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Parses a JSON line into its envelope and raw payload.
func Decode(line []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &env, env.Payload, nil
}

// Decodes a raw payload into T. An empty payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &v, nil
}

// Sends one request over a Unix socket and decodes the response into T.
//
// A [CmdError] response is returned as an error wrapping [ErrRemote]. A zero
// timeout waits indefinitely, which is what run requests need.
func Call[T any](socketPath string, cmd Command, payload any, timeout time.Duration) (*T, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	data, err := Encode(cmd, payload)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	env, raw, err := Decode(line)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case CmdOK:
		return DecodePayload[T](raw)
	case CmdError:
		res, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrRemote, res.Message)
	default:
		return nil, fmt.Errorf("%w: unexpected response %q", ErrProtocol, env.Command)
	}
}
