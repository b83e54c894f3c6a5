package subepoch

import "fmt"

// State is the sampler's position in the sub-epoch lifecycle.
type State int

const (
	StateIdle State = iota
	StateSelectingSubjects
	StateAllocatingCounts
	StateDispatching
	StateAggregating
	StateShuffling
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelectingSubjects:
		return "selecting_subjects"
	case StateAllocatingCounts:
		return "allocating_counts"
	case StateDispatching:
		return "dispatching"
	case StateAggregating:
		return "aggregating"
	case StateShuffling:
		return "shuffling"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether a new sub-epoch may start from s.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateComplete || s == StateFailed
}
