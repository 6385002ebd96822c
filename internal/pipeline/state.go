package pipeline

import "fmt"

// Phase of a pipeline run.
type State int

const (
	Idle State = iota
	Preparing
	Running
	TearingDown
	Finished
)

var stateNames = [...]string{
	Idle:        "idle",
	Preparing:   "preparing",
	Running:     "running",
	TearingDown: "tearing-down",
	Finished:    "finished",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// A move between states, reported through [Driver.OnTransition].
type Transition struct {
	From    State
	To      State
	Index   int    // 1-based position of the stage when To is Running.
	Total   int    // Number of stages when To is Running.
	Stage   string // Label of the stage when To is Running.
	Success bool   // Outcome when To is Finished.
}

// Returns the target state in its display form, such as "running(2/5)" or
// "finished(failed)".
func (t Transition) String() string {
	switch t.To {
	case Running:
		return fmt.Sprintf("running(%d/%d)", t.Index, t.Total)
	case Finished:
		if t.Success {
			return "finished(success)"
		}
		return "finished(failed)"
	default:
		return t.To.String()
	}
}
