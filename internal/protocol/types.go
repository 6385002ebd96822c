package protocol

import "time"

// Payload of a [CmdError] response.
type ErrorResult struct {
	Message string `json:"message"`
}

// Payload of a [CmdRun] request.
type RunRequest struct {
	Stages    string            `json:"stages"`              // Stage directory.
	Root      string            `json:"root,omitempty"`      // Build root; empty picks one under the state dir.
	Config    string            `json:"config,omitempty"`    // Settings file.
	Select    []string          `json:"select,omitempty"`    // Stages to run; empty runs all.
	Exclude   []string          `json:"exclude,omitempty"`   // Filename globs to skip.
	Env       map[string]string `json:"env,omitempty"`       // Extra stage environment.
	Timeout   string            `json:"timeout,omitempty"`   // Per-stage timeout as a Go duration.
	Export    string            `json:"export,omitempty"`    // OCI archive to write after success.
	Isolation string            `json:"isolation,omitempty"` // "process" or "container".
}

// One stage outcome in a [RunResult].
type StageResult struct {
	Order     int       `json:"order"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	ExitCode  int       `json:"exitCode"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Payload of the response to a [CmdRun] request.
type RunResult struct {
	RunID    string        `json:"runId"`
	Root     string        `json:"root"`
	Success  bool          `json:"success"`
	Stages   []StageResult `json:"stages"`
	Teardown []string      `json:"teardown,omitempty"` // Failed releases.
	Error    string        `json:"error,omitempty"`
	Report   string        `json:"report"` // Rendered report text.
}

// Payload of the response to a [CmdStatus] request.
type StatusResult struct {
	Running bool     `json:"running"`
	Version string   `json:"version"`
	Pid     int      `json:"pid"`
	Uptime  string   `json:"uptime"`
	Runs    int      `json:"runs"`   // Runs completed since start.
	Active  []string `json:"active"` // Build roots currently in use.
}

// Payload of a [CmdMount] request.
type MountRequest struct {
	Type     string `json:"type"`             // proc, sysfs, devtmpfs, devpts, tmpfs or bind.
	Source   string `json:"source,omitempty"` // Host path for bind mounts.
	Target   string `json:"target"`           // Path relative to the build root.
	Options  string `json:"options,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
	Persist  bool   `json:"persist,omitempty"` // Keep mounted until teardown.
}

// Payload of a [CmdTrap] request.
type TrapRequest struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"` // Shell command run at cleanup.
	Persist bool   `json:"persist,omitempty"`
}

// Payload of a [CmdPromote] request.
type PromoteRequest struct {
	ID int `json:"id"`
}

// Payload of responses to mount and trap requests.
type ActionResult struct {
	ID       int    `json:"id"` // Zero when the action went straight to the environment.
	Name     string `json:"name"`
	Promoted bool   `json:"promoted"`
}

// Payload of the response to a [CmdList] request.
type ListResult struct {
	Actions []ActionResult `json:"actions"`
}
