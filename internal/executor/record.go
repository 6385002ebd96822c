package executor

import (
	"log/slog"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/opencontainers/go-digest"
)

// Outcome of a stage.
type Status string

const (
	StatusSucceeded  Status = "succeeded"   // Exited with status 0.
	StatusFailed     Status = "failed"      // Exited with a non-zero status.
	StatusSignaled   Status = "signaled"    // Terminated by a signal it did not handle.
	StatusTimedOut   Status = "timed-out"   // Killed after exceeding the stage timeout.
	StatusStartError Status = "start-error" // Could not be started at all.
)

// Result of running one stage. Created once per attempted stage and never
// modified afterwards.
type Record struct {
	Stage           stage.Descriptor  // Stage that ran.
	Status          Status            // Outcome.
	ExitCode        int               // Exit status; 128+signal when signaled, -1 when not started or killed.
	Err             error             // Cause of a non-success outcome.
	StartedAt       time.Time         // When the executor began the stage.
	EndedAt         time.Time         // When the stage and its cleanup finished.
	Digest          digest.Digest     // SHA-256 of the artifact that ran.
	LogPath         string            // Captured output, empty if not logged.
	CleanupFailures []cleanup.Failure // Stage-local cleanup actions that failed.
}

// Reports whether the stage exited with status 0.
func (r Record) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Returns how long the stage took, including its cleanup.
func (r Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Logs the record as one line.
func (r Record) Log() {
	attrs := []any{
		"stage", r.Stage.String(),
		"status", string(r.Status),
		"exit", r.ExitCode,
		"duration", r.Duration().Round(time.Millisecond),
	}
	if len(r.CleanupFailures) > 0 {
		attrs = append(attrs, "cleanupFailures", len(r.CleanupFailures))
	}

	if r.Succeeded() {
		slog.Info("stage finished", attrs...)
		return
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	slog.Error("stage finished", attrs...)
}
