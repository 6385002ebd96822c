// Package protocol defines the newline-delimited JSON envelopes exchanged
// over stager's Unix sockets.
//
// Two sockets speak it: the daemon socket (run, status, shutdown) and the
// per-stage control socket (mount, trap, promote, list). Each connection
// carries a single request and a single response. A request is an
// [Envelope] whose payload is the command-specific request type; the
// response is an envelope with [CmdOK] and a result payload, or [CmdError]
// and an [ErrorResult].
package protocol
