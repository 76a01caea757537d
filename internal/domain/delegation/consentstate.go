package delegation

import "fmt"

// consentTransitions is the explicit transition table of the consent state
// machine. NOT_REQUIRED, GRANTED, DENIED, and EXPIRED are terminal.
//
//	PENDING   -> REQUESTED                      consent request mints a challenge
//	REQUESTED -> REQUESTED                      resend supersedes the prior challenge
//	REQUESTED -> GRANTED | DENIED | EXPIRED     challenge outcome
var consentTransitions = map[ConsentStatus][]ConsentStatus{
	StatusPending:   {StatusRequested},
	StatusRequested: {StatusRequested, StatusGranted, StatusDenied, StatusExpired},
}

// CanTransition reports whether the consent state machine permits from -> to.
func CanTransition(from, to ConsentStatus) bool {
	for _, next := range consentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to against the state machine table.
func Transition(from, to ConsentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}
