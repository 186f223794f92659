package chain

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for chains. Stores report a missing
// link with a fault.NotFound error and a lost race on the no-fork indexes
// with fault.Conflict.
type Store interface {
	// InPersonaTx runs fn in one transaction holding the lock for persona.
	// fn's writes are discarded when it returns an error.
	InPersonaTx(ctx context.Context, persona []byte, fn func(ctx context.Context, tx Tx) error) error
	// LinkByExternalID is an unlocked read in any state.
	LinkByExternalID(ctx context.Context, id uuid.UUID) (Link, error)
	// Committed lists a persona's committed links ordered by seq.
	Committed(ctx context.Context, persona []byte) ([]Link, error)
}

// Tx is scoped to the persona passed to InPersonaTx.
type Tx interface {
	// Head is the committed link with the highest seq, or nil.
	Head(ctx context.Context) (*Link, error)
	LinkByExternalID(ctx context.Context, id uuid.UUID) (Link, error)
	// Insert stores a proposed link and sets l.ID.
	Insert(ctx context.Context, l *Link) error
	// MarkCommitted persists state, signature, seq and committed_at of l.
	MarkCommitted(ctx context.Context, l *Link) error
	MarkExpired(ctx context.Context, id int64) error
}
