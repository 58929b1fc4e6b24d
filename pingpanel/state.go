package pingpanel

import (
	"fmt"
	"sync/atomic"
)

// RunnerState tracks whether the bot runner has been launched.
// NotStarted -> Running is the only transition, and Running is
// terminal for the life of the process.
type RunnerState int32

const (
	RunnerNotStarted RunnerState = iota
	RunnerRunning
)

const (
	statusRunning = "Running"
	statusStopped = "Stopped"
)

func (s RunnerState) String() string {
	switch s {
	case RunnerNotStarted:
		return "NotStarted"
	case RunnerRunning:
		return "Running"
	default:
		return fmt.Sprintf("RunnerState(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s RunnerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *RunnerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NotStarted":
		*s = RunnerNotStarted
	case "Running":
		*s = RunnerRunning
	default:
		return fmt.Errorf("unknown runner state: %q", b)
	}
	return nil
}

// statusLabel is the value shown on the status page
func (s RunnerState) statusLabel() string {
	if s == RunnerRunning {
		return statusRunning
	}
	return statusStopped
}

// stateCell holds the process-wide RunnerState. The zero value is
// RunnerNotStarted.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) Load() RunnerState {
	return RunnerState(c.v.Load())
}

// tryStart moves the cell from RunnerNotStarted to RunnerRunning.
// It returns true for exactly one caller, no matter how many race.
func (c *stateCell) tryStart() bool {
	return c.v.CompareAndSwap(int32(RunnerNotStarted), int32(RunnerRunning))
}
