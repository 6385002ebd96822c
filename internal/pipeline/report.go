package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ClemHeyd/stager/internal/cleanup"
	"github.com/ClemHeyd/stager/internal/paths"
	"github.com/fatih/color"
	"github.com/samber/lo"
)

// Serializable summary of a run.
type Report struct {
	RunID     string        `json:"runId"`
	Root      string        `json:"root,omitempty"`
	Success   bool          `json:"success"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Stages    []StageReport `json:"stages"`
	Anomalies []string      `json:"anomalies,omitempty"` // Cleanup failures, stage-local then teardown.
	Error     string        `json:"error,omitempty"`
}

// One stage of a [Report].
type StageReport struct {
	Order     int       `json:"order"`
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Status    string    `json:"status"`
	ExitCode  int       `json:"exitCode"`
	Error     string    `json:"error,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Log       string    `json:"log,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Cleanup   []string  `json:"cleanup,omitempty"` // Failed stage-local cleanup actions.
}

// Builds the report of a run.
func (r *Result) Report() *Report {
	rep := &Report{
		RunID:     r.RunID,
		Root:      r.Root,
		Success:   r.Success,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Stages:    make([]StageReport, 0, len(r.Records)),
		Anomalies: lo.Map(r.Anomalies(), func(f cleanup.Failure, _ int) string { return f.Error() }),
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}

	for _, rec := range r.Records {
		sr := StageReport{
			Order:     rec.Stage.Order,
			Name:      rec.Stage.Name,
			File:      rec.Stage.File,
			Status:    string(rec.Status),
			ExitCode:  rec.ExitCode,
			Digest:    rec.Digest.String(),
			Log:       rec.LogPath,
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
			Cleanup:   lo.Map(rec.CleanupFailures, func(f cleanup.Failure, _ int) string { return f.Error() }),
		}
		if rec.Err != nil {
			sr.Error = rec.Err.Error()
		}
		rep.Stages = append(rep.Stages, sr)
	}
	return rep
}

// Writes the report as indented JSON.
func (rep *Report) Write(path string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), paths.DefaultFileMode)
}

// Reads a report written by [Report.Write].
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("report %s: %w", path, err)
	}
	return &rep, nil
}

// Writes a human-readable summary of the run: every stage that ran with its
// outcome and duration, then any cleanup anomalies.
func (rep *Report) Render(w io.Writer, colored bool) {
	green := newColor(colored, color.FgGreen)
	red := newColor(colored, color.FgRed)
	yellow := newColor(colored, color.FgYellow)
	bold := newColor(colored, color.Bold)

	outcome := green.Sprint("success")
	if !rep.Success {
		outcome = red.Sprint("failed")
	}
	fmt.Fprintf(w, "%s %s: %s\n", bold.Sprint("run"), rep.RunID, outcome)

	for _, s := range rep.Stages {
		label := fmt.Sprintf("%02d-%s", s.Order, s.Name)
		status := green.Sprintf("%-11s", s.Status)
		if s.Status != "succeeded" {
			status = red.Sprintf("%-11s", s.Status)
		}

		duration := s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond)
		line := fmt.Sprintf("  %-24s %s %8s", label, status, duration)
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, line)
	}

	if len(rep.Anomalies) > 0 {
		fmt.Fprintln(w, yellow.Sprint("cleanup anomalies:"))
		for _, a := range rep.Anomalies {
			fmt.Fprintf(w, "  %s\n", a)
		}
	}

	if rep.Error != "" {
		fmt.Fprintf(w, "%s %s\n", red.Sprint("error:"), rep.Error)
	}
}

// Renders the result's report. See [Report.Render].
func (r *Result) Render(w io.Writer, colored bool) {
	r.Report().Render(w, colored)
}

// Returns a color that is enabled or disabled regardless of the terminal.
func newColor(enabled bool, attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}
