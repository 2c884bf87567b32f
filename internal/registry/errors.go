package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityNotFound is returned by every lookup for an unknown ID.
	// There is no nil-result convention anywhere in this package.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrNothingToUndo is returned when an identity has no unreversed
	// events left.
	ErrNothingToUndo = errors.New("nothing to undo")
)

// StaleVersionError is an optimistic concurrency failure: the caller acted
// on an outdated copy of the identity. Re-read and retry.
type StaleVersionError struct {
	IdentityID string
	Expected   int64
	Actual     int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("identity %s: version %d is stale, current is %d", e.IdentityID, e.Expected, e.Actual)
}

// MergedError marks operations addressed to an absorbed identity. The
// surviving ID is included so callers can follow the chain.
type MergedError struct {
	IdentityID string
	MergedInto string
}

func (e *MergedError) Error() string {
	return fmt.Sprintf("identity %s was merged into %s", e.IdentityID, e.MergedInto)
}

// NamingConflictError blocks a merge of two differently named identities
// until the caller picks a name or keeps both as aliases.
type NamingConflictError struct {
	NameA string
	NameB string
}

func (e *NamingConflictError) Error() string {
	return fmt.Sprintf("naming conflict: %q vs %q, pick a surviving name or merge with aliases", e.NameA, e.NameB)
}

// TransitionError marks an illegal state machine move.
type TransitionError struct {
	IdentityID string
	From       State
	To         State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("identity %s: illegal transition %s -> %s", e.IdentityID, e.From, e.To)
}
