package state

import (
	"errors"
	"fmt"
)

type RunState string

const (
	RunStateStarting            RunState = "STARTING"
	RunStateConnecting          RunState = "CONNECTING"
	RunStateAuthenticating      RunState = "AUTHENTICATING"
	RunStateAuthenticated       RunState = "AUTHENTICATED"
	RunStateResolvingSpatialRef RunState = "RESOLVING_SPATIAL_REF"
	RunStateReady               RunState = "READY"
	RunStateProcessing          RunState = "PROCESSING"
	RunStateDone                RunState = "DONE"
	RunStateAborted             RunState = "ABORTED"
)

var runTransitions = map[RunState][]RunState{
	RunStateStarting:            {RunStateConnecting, RunStateAborted},
	RunStateConnecting:          {RunStateAuthenticating, RunStateAborted},
	RunStateAuthenticating:      {RunStateAuthenticated, RunStateAborted},
	RunStateAuthenticated:       {RunStateResolvingSpatialRef, RunStateAborted},
	RunStateResolvingSpatialRef: {RunStateReady, RunStateAborted},
	RunStateReady:               {RunStateProcessing},
	RunStateProcessing:          {RunStateDone},
	RunStateDone:                {},
	RunStateAborted:             {},
}

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	return s == RunStateDone || s == RunStateAborted
}

// Outcome classifies what happened to a single row.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"
	OutcomeDryRun   Outcome = "dry_run"
)

// TransitionError signals an illegal run state transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the run state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

// ValidateRunTransition checks a move against the run state machine.
func ValidateRunTransition(id string, from, to RunState) error {
	allowed, ok := runTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "run", State: string(from)}
	}
	if _, ok := runTransitions[to]; !ok {
		return UnknownStateError{Entity: "run", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
