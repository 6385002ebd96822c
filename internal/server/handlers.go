package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"github.com/ClemHeyd/stager/internal"
	"github.com/ClemHeyd/stager/internal/pipeline"
	"github.com/ClemHeyd/stager/internal/protocol"
	"github.com/ClemHeyd/stager/internal/session"
	"github.com/ClemHeyd/stager/internal/settings"
	"github.com/samber/lo"
)

// Handles a run command.
//
// Builds the settings of the run from the request, claims its build root and
// executes the pipeline. A run that executes but fails is still answered
// with [protocol.CmdOK]; its result carries the failure.
func (s *Server) handleRun(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RunRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	cfg, err := s.runSettings(req)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	sess, err := session.New(cfg, s.sessionOpt)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	if err := s.claim(sess.Root()); err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}
	defer s.release(sess.Root())

	res, err := sess.Run(ctx)
	if res == nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, runResult(res))
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	runs := s.runs
	active := lo.Keys(s.active)
	s.mu.Unlock()

	slices.Sort(active)
	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Runs:    runs,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Marks root as in use, failing if another run already holds it.
func (s *Server) claim(root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[root]; ok {
		return fmt.Errorf("%w: %s", ErrRootInUse, root)
	}
	s.active[root] = struct{}{}
	return nil
}

// Releases a root claimed with [Server.claim].
func (s *Server) release(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, root)
}

// Returns the settings of a run: the request's settings file, or the
// daemon's default settings file if present, with the request's fields
// applied over it.
func (s *Server) runSettings(req *protocol.RunRequest) (*settings.Settings, error) {
	var (
		cfg *settings.Settings
		err error
	)
	if req.Config != "" {
		cfg, err = settings.Load(req.Config, false)
	} else {
		cfg, err = settings.Load(s.settingsFile, true)
	}
	if err != nil {
		return nil, err
	}

	overrides := &settings.Settings{
		Stages:    req.Stages,
		Root:      req.Root,
		Select:    req.Select,
		Exclude:   req.Exclude,
		Env:       req.Env,
		Export:    req.Export,
		Isolation: req.Isolation,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %w", ErrBadRequest, err)
		}
		overrides.Timeout = d
	}

	if err := cfg.Merge(overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Converts a pipeline result into its wire form.
func runResult(res *pipeline.Result) *protocol.RunResult {
	rep := res.Report()

	var text bytes.Buffer
	rep.Render(&text, false)

	return &protocol.RunResult{
		RunID:   rep.RunID,
		Root:    rep.Root,
		Success: rep.Success,
		Stages: lo.Map(rep.Stages, func(sr pipeline.StageReport, _ int) protocol.StageResult {
			return protocol.StageResult{
				Order:     sr.Order,
				Name:      sr.Name,
				Status:    sr.Status,
				ExitCode:  sr.ExitCode,
				Error:     sr.Error,
				StartedAt: sr.StartedAt,
				EndedAt:   sr.EndedAt,
			}
		}),
		Teardown: rep.Anomalies,
		Error:    rep.Error,
		Report:   text.String(),
	}
}
