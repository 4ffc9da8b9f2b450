package task

import "fmt"

// State is a position in the task lifecycle.
type State string

const (
	StatePending      State = "pending"
	StateAssigned     State = "assigned"
	StateImplementing State = "implementing"
	StateReviewing    State = "reviewing"
	StateTesting      State = "testing"
	StateScoring      State = "scoring"
	StateIterating    State = "iterating"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
)

// transitions lists the allowed edges. Rejected is reachable from every
// non-terminal state for fatal errors, cancellation and dependency failure.
var transitions = map[State][]State{
	StatePending:      {StateAssigned, StateRejected},
	StateAssigned:     {StateImplementing, StateRejected},
	StateImplementing: {StateReviewing, StateRejected},
	StateReviewing:    {StateTesting, StateScoring, StateRejected},
	StateTesting:      {StateScoring, StateRejected},
	StateScoring:      {StateIterating, StateAccepted, StateRejected},
	StateIterating:    {StateImplementing, StateRejected},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// CanTransition returns an error wrapping ErrInvalidTransition when the edge
// from -> to is not part of the lifecycle.
func CanTransition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
