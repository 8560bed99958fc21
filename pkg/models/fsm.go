package models

import "fmt"

// validTransitions maps from-status to allowed to-statuses. Statuses move
// strictly forward with one exception: MODAL is an interstitial state that
// returns to IN_PROGRESS once the follow-up submission lands.
var validTransitions = map[Status]map[Status]bool{
	StatusNotStart: {
		StatusSubmitted: true, // enqueue accepted, submission issued
		StatusFailure:   true, // failed before the upstream call (validation, dead account)
		StatusCancel:    true, // removed from the queue before dispatch
	},
	StatusSubmitted: {
		StatusInProgress: true, // first progress event arrived
		StatusModal:      true, // upstream wants a modal round trip first
		StatusSuccess:    true, // single-message actions finish without progress events
		StatusFailure:    true,
		StatusCancel:     true,
	},
	StatusModal: {
		StatusInProgress: true, // modal submitted, generation resumed
		StatusSubmitted:  true, // modal re-submission re-entered the queue
		StatusFailure:    true,
		StatusCancel:     true,
	},
	StatusInProgress: {
		StatusModal:   true, // derivative flow opened another modal
		StatusSuccess: true,
		StatusFailure: true,
		StatusCancel:  true,
	},
	// Terminal states: no transitions out.
	StatusSuccess: {},
	StatusFailure: {},
	StatusCancel:  {},
}

// ValidateTransition checks whether moving from one status to another is
// allowed by the job state machine.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status is final. Terminal jobs must never
// be mutated again; the correlator relies on this for idempotent rejection
// of re-delivered events.
func IsTerminal(s Status) bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancel
}

// IsActive returns true if the job is waiting on upstream events.
func IsActive(s Status) bool {
	return s == StatusSubmitted || s == StatusInProgress || s == StatusModal
}
