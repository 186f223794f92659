package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateProposed  State = "proposed"
	StateCommitted State = "committed"
	StateExpired   State = "expired"
)

type Event string

const (
	EventCommit Event = "commit"
	EventExpire Event = "expire"
)

// ErrInvalidTransition is returned by Transition for events a state does
// not accept. Committed and expired are terminal.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s a %s link", e.Event, e.From)
}

func (s State) Transition(e Event) (State, error) {
	if s == StateProposed {
		switch e {
		case EventCommit:
			return StateCommitted, nil
		case EventExpire:
			return StateExpired, nil
		}
	}
	return s, ErrInvalidTransition{From: s, Event: e}
}

func (s State) Valid() bool {
	switch s {
	case StateProposed, StateCommitted, StateExpired:
		return true
	}
	return false
}

// Link is one row of a persona's chain.
type Link struct {
	ID               int64
	ExternalID       uuid.UUID
	Persona          []byte
	Platform         string
	Identity         string
	Patch            json.RawMessage
	PreviousID       *int64
	Signature        []byte
	SignaturePayload string
	State            State
	Seq              int64
	CreatedAt        time.Time
	CommittedAt      *time.Time
}

// PersonaHex is the textual persona used in payloads.
func (l Link) PersonaHex() string { return "0x" + hex.EncodeToString(l.Persona) }

// Draft rebuilds the payload input for l given the signature of the link it
// points at (nil for a root).
func (l Link) Draft(previousSignature []byte) Draft {
	return Draft{
		ExternalID:        l.ExternalID,
		Persona:           l.Persona,
		Platform:          l.Platform,
		Identity:          l.Identity,
		Patch:             l.Patch,
		CreatedAt:         l.CreatedAt,
		PreviousSignature: previousSignature,
	}
}

func (l Link) expired(now time.Time, ttl time.Duration) bool {
	return l.State == StateProposed && ttl > 0 && now.Sub(l.CreatedAt) > ttl
}
