package cli

import (
	"context"
	"log/slog"

	"github.com/ClemHeyd/stager/internal/server"
)

// Represents the 'stager serve' command.
type ServeCmd struct{}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *ServeCmd) Run(ctx context.Context) error {
	srv := server.New(server.Config{
		SocketPath:   RootCmd.Socket,
		SettingsFile: RootCmd.Config,
	})

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stager daemon is running")

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
