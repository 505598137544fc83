// Package event defines the activity record moved by the relay and the
// JSON wire contract between forwarders and ingestion endpoints.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known event kinds produced by the Watchman collectors. The relay
// treats kind and payload as opaque; the constants exist so collectors
// and tests agree on spelling.
const (
	KindFileCreated      = "file.created"
	KindFileModified     = "file.modified"
	KindFileDeleted      = "file.deleted"
	KindSnapshotCaptured = "snapshot.captured"
	KindContainerScanned = "container.scanned"
	KindProjectScanned   = "project.scanned"
)

// MaxPayloadBytes is the largest payload a single event may carry.
// Larger payloads are a validation error at the ingestion endpoint.
const MaxPayloadBytes = 1 << 20 // 1MB

// Event is an immutable activity record produced by a collector.
//
// ID is generated once at the producing satellite and never regenerated
// on retry; it is the idempotency key for the commit path. Sequence is a
// per-satellite monotonic counter assigned at buffer-insertion time, so
// (SourceNodeID, Sequence) is unique and strictly increasing per satellite.
type Event struct {
	ID           string    `json:"id"`
	SourceNodeID string    `json:"source_node_id"`
	Sequence     uint64    `json:"sequence"`
	CollectedAt  time.Time `json:"collected_at"`
	Kind         string    `json:"kind"`
	Payload      []byte    `json:"payload"`
}

// NewID returns a globally unique, time-sortable identifier.
// UUIDv7 embeds a millisecond timestamp in the high bits, so
// lexicographic order approximates collection order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagating an error into every collector call site.
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks the structural invariants of a single event.
// Violations are terminal at the ingestion endpoint: the event is
// rejected and must not be retried.
func Validate(ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if _, err := uuid.Parse(ev.ID); err != nil {
		return fmt.Errorf("event id %q is not a valid UUID", ev.ID)
	}
	if ev.SourceNodeID == "" {
		return fmt.Errorf("source_node_id is required")
	}
	if ev.Sequence == 0 {
		return fmt.Errorf("sequence must be positive")
	}
	if ev.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if ev.CollectedAt.IsZero() {
		return fmt.Errorf("collected_at is required")
	}
	if len(ev.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload is %d bytes, limit is %d", len(ev.Payload), MaxPayloadBytes)
	}
	return nil
}

// EncodedSize is the approximate wire size of the event, used for
// byte-capped batching and the buffer ceiling. It intentionally
// overcounts a little rather than re-encoding the event.
func EncodedSize(ev Event) int64 {
	return int64(len(ev.ID)+len(ev.SourceNodeID)+len(ev.Kind)+len(ev.Payload)) + 64
}
