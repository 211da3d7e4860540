package engine

import "fmt"

// State is the replay driver lifecycle: Idle → Running → {Completed, Failed}.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further steps will run.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time snapshot of a driver.
type Status struct {
	RunID       string `json:"run_id"`
	State       State  `json:"state"`
	Position    int    `json:"position"`
	Length      int    `json:"length"`
	Loop        int    `json:"loop"`
	Applied     uint64 `json:"applied"`
	Skipped     uint64 `json:"skipped"`
	Rejected    uint64 `json:"rejected"`
	Retries     uint64 `json:"retries"`
	Interrupted bool   `json:"interrupted,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}
