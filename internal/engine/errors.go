package engine

import (
	"errors"
	"fmt"

	"questline/internal/domain"
)

// ErrInvalidTransition marks a rejected state change: completing a
// locked unit, submitting a non-task assignment, approving something
// never submitted. Nothing is persisted when it is returned.
var ErrInvalidTransition = errors.New("invalid transition")

func transitionError(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ensureTransition validates the assignment-level state machine. The
// only legal backward edge is awaiting_approval -> active (rejection).
func ensureTransition(from, to string) error {
	ok := false
	switch to {
	case domain.StatusActive:
		ok = from == domain.StatusPendingAcceptance || from == domain.StatusAwaitingApproval
	case domain.StatusDeclined:
		ok = from == domain.StatusPendingAcceptance
	case domain.StatusAwaitingApproval:
		ok = from == domain.StatusActive
	case domain.StatusCompleted:
		ok = from == domain.StatusAwaitingApproval
	}
	if !ok {
		return transitionError(from, to)
	}
	return nil
}
