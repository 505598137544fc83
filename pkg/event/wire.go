package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BatchRequest is the body of POST /v1/events. The per-event outcome
// list in the response is authoritative; a 200 may still carry rejects.
type BatchRequest struct {
	SourceID       string    `json:"source_id"`
	AuthCredential string    `json:"auth_credential"`
	Timestamp      time.Time `json:"timestamp"`
	Events         []Event   `json:"events"`

	// Optional piggybacked buffer health, recorded alongside the batch
	// so a dedicated heartbeat is not required on every tick.
	BufferDepth *int64 `json:"buffer_depth,omitempty"`
	BufferBytes *int64 `json:"buffer_bytes,omitempty"`
}

// RejectedEvent names one event the endpoint refused, with a reason the
// operator can act on. Rejection is terminal: the sender must not retry.
type RejectedEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResponse is the body of a 200 response to POST /v1/events.
type BatchResponse struct {
	AcceptedIDs []string        `json:"accepted_ids"`
	Rejected    []RejectedEvent `json:"rejected"`
}

// Heartbeat is the body of POST /v1/heartbeat. Success is a bare 204.
type Heartbeat struct {
	NodeID         string    `json:"node_id"`
	AuthCredential string    `json:"auth_credential"`
	Timestamp      time.Time `json:"timestamp"`
	BufferDepth    int64     `json:"buffer_depth"`
	BufferBytes    int64     `json:"buffer_bytes"`
}

// RegisterRequest is the administrative provisioning call. The raw
// credential in the response is returned exactly once.
type RegisterRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// RegisterResponse carries the one-time raw credential.
type RegisterResponse struct {
	NodeID         string `json:"node_id"`
	AuthCredential string `json:"auth_credential"`
}

// ErrorResponse is the body of non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Marshal encodes a wire value with the go-json codec used on the hot path.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode wire value: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire value.
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("decode wire value: empty body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode wire value: %w", err)
	}
	return nil
}
