package core

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// SystemUID is the random identifier assigned to a system at construction.
//
// Identifiers are random version 4 UUIDs. Collisions are improbable but not
// impossible, so bookkeeping keyed by SystemUID must still detect duplicates.
type SystemUID struct {
	id uuid.UUID
}

// NewSystemUID returns a fresh random SystemUID.
func NewSystemUID() SystemUID {
	return SystemUID{id: uuid.New()}
}

// ParseSystemUID parses the textual form produced by String.
func ParseSystemUID(s string) (SystemUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SystemUID{}, fmt.Errorf("invalid system uid %q: %w", s, err)
	}
	return SystemUID{id: id}, nil
}

// String returns the canonical textual form of the identifier.
func (u SystemUID) String() string {
	return u.id.String()
}

// IsZero reports whether u is the zero identifier, which is never minted.
func (u SystemUID) IsZero() bool {
	return u.id == uuid.Nil
}

// Compare orders identifiers bytewise. It returns -1, 0 or +1.
func (u SystemUID) Compare(other SystemUID) int {
	return bytes.Compare(u.id[:], other.id[:])
}

// State represents the lifecycle state of a system.
type State int32

const (
	// StateCreated means the inbox exists but nothing is running yet
	StateCreated State = iota

	// StateRunning means the system is servicing its queue
	StateRunning

	// StateTerminating means a shutdown was requested or the queue closed
	StateTerminating

	// StateStopped is terminal
	StateStopped
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle tracks the state of a system. The zero value is StateCreated.
//
// State is written by the owning goroutine and may be read from anywhere.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Transition moves from one state to the next. It reports false, and leaves
// the state untouched, when the current state is not from or when the move
// would go backwards.
func (l *Lifecycle) Transition(from, to State) bool {
	if to <= from {
		return false
	}
	return l.state.CompareAndSwap(int32(from), int32(to))
}
