// Package logging provides the slog handler used by the stager binary.
//
// Records are written as a single line: an optional timestamp (verbose mode),
// a level tag, the message, and the record's attributes as key=value pairs.
// Level tags are colored when the output is a terminal. The level, output
// and verbosity can be changed after the handler is installed, which lets
// main install a handler before flags are parsed and the CLI reconfigure it
// afterwards.
//
// Example usage:
//
//	h := logging.NewHandler(os.Stderr)
//	slog.SetDefault(slog.New(h))
//	...
//	h.SetLevel(slog.LevelDebug)
//	h.SetColor(logging.IsTerminal(os.Stderr))
package logging
