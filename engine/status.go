package engine

import "fmt"

// Status is the lifecycle state of a sequence (and, once all member
// sequences agree, of its group). The numeric values are a persisted
// contract shared with downstream consumers and must not be renumbered.
type Status int

const (
	StatusRunning           Status = 0
	StatusFinished          Status = 1
	StatusIgnored           Status = 2 // ran into an unsatisfiable cache demand
	StatusDroppedByPipeline Status = 3 // reserved for pipeline-initiated abort
	StatusDroppedByHandle   Status = 4 // cancelled through the request handle
)

// Terminal reports whether the status is final. Status transitions are
// monotonic: once a sequence leaves StatusRunning it never changes again.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	case StatusIgnored:
		return "IGNORED"
	case StatusDroppedByPipeline:
		return "DROPPED_BY_PIPELINE"
	case StatusDroppedByHandle:
		return "DROPPED_BY_HANDLE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
