// Package registry keeps the authoritative bookkeeping of every node
// known to an ingestion endpoint: identity, credential hash, liveness
// and last-reported buffer depth. The master and every queue relay own
// one registry each, describing the nodes that send to them.
package registry

import "time"

// Role tags what kind of node a record describes.
type Role string

const (
	RoleSatellite Role = "satellite"
	RoleQueue     Role = "queue"
)

// Valid reports whether the role is one a node can register as.
func (r Role) Valid() bool {
	return r == RoleSatellite || r == RoleQueue
}

// Status is the liveness state of a registered node. Nodes cycle freely
// between online and offline based on heartbeat recency; archived is
// reached only by explicit deregistration and is terminal.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusOnline   Status = "online"
	StatusArchived Status = "archived"
)

// NodeRecord is one registry row. The raw credential is never stored,
// only its hash; the raw value is returned exactly once at provisioning.
type NodeRecord struct {
	NodeID        string    `json:"node_id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	AuthTokenHash string    `json:"-"`
	Status        Status    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`

	// Buffer health from the most recent accepted heartbeat or batch.
	// For an offline node this is the depth reported just before it
	// disappeared, which is exactly what an operator wants to see.
	LastBufferDepth int64 `json:"last_reported_buffer_depth"`
	LastBufferBytes int64 `json:"last_reported_buffer_bytes"`
}
