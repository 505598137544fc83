// Package graph defines the boundary between the relay and the durable
// knowledge store the master writes accepted events into. The only
// contract the relay relies on is an idempotent commit keyed by event
// id: re-applying the same keyed write produces the same end state as
// applying it once.
package graph

import (
	"context"

	"github.com/watchmanio/relay/pkg/event"
)

// Outcome reports what a commit did.
type Outcome int

const (
	// Committed means the event was written for the first time.
	Committed Outcome = iota
	// AlreadyCommitted means an event with the same id was written
	// earlier; the store is unchanged. This is how at-least-once
	// delivery collapses to a single record.
	AlreadyCommitted
)

func (o Outcome) String() string {
	if o == AlreadyCommitted {
		return "already_committed"
	}
	return "committed"
}

// Committer commits events into the next stage. At the master this is
// the graph store; at a queue relay it is the queue's own buffer.
// Implementations must be idempotent on event id and safe for
// concurrent use across distinct ids; the ingestion endpoint serializes
// calls for the same id.
type Committer interface {
	Commit(ctx context.Context, ev event.Event) (Outcome, error)
}

// CommitterFunc adapts a function to the Committer interface.
type CommitterFunc func(ctx context.Context, ev event.Event) (Outcome, error)

func (f CommitterFunc) Commit(ctx context.Context, ev event.Event) (Outcome, error) {
	return f(ctx, ev)
}
