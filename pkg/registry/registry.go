package registry

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/watchmanio/relay/pkg/logger"
)

// Authentication errors. Both map to a 401 at the ingestion endpoint; the
// distinction matters only for operator-facing logs.
var (
	ErrInvalidCredential = errors.New("credential is invalid for this node")
	ErrNodeArchived      = errors.New("node has been deregistered")
)

// Registry provisions nodes and authenticates their traffic.
//
// Credentials are HS256-signed tokens minted once at registration and
// returned exactly once; the registry stores only a SHA-256 hash. A
// token must both verify against the signing secret and match the stored
// hash, so deregistering a node revokes its token without key rotation.
type Registry struct {
	store  Store
	secret []byte
	now    func() time.Time
}

// New creates a registry over the given store. The secret signs node
// credentials and must be identical across restarts of the same node.
func New(store Store, secret string) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("registry: signing secret must be at least 16 bytes")
	}
	return &Registry{store: store, secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the registry clock; used by tests to drive the
// staleness scenario deterministically.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Store exposes the underlying store for the health monitor and the
// admin listing route.
func (r *Registry) Store() Store {
	return r.store
}

// Register provisions a new node: generates its id, mints a fresh
// credential, and creates the record in status offline. The raw
// credential is returned exactly once and never stored.
func (r *Registry) Register(ctx context.Context, name string, role Role) (NodeRecord, string, error) {
	if strings.TrimSpace(name) == "" {
		return NodeRecord{}, "", fmt.Errorf("registry: node name is required")
	}
	if !role.Valid() {
		return NodeRecord{}, "", fmt.Errorf("registry: role %q must be satellite or queue", role)
	}

	prefix := "sat"
	if role == RoleQueue {
		prefix = "q"
	}
	nodeID := fmt.Sprintf("%s-%s", prefix, uuid.NewString())

	credential, err := r.mintCredential(nodeID, role)
	if err != nil {
		return NodeRecord{}, "", err
	}

	rec := NodeRecord{
		NodeID:        nodeID,
		Name:          name,
		Role:          role,
		AuthTokenHash: hashCredential(credential),
		Status:        StatusOffline,
		RegisteredAt:  r.now().UTC(),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return NodeRecord{}, "", err
	}

	logger.Info().Str("node_id", nodeID).Str("role", string(role)).Str("name", name).
		Msg("node registered")
	return rec, credential, nil
}

// Authenticate verifies that credential belongs to nodeID and the node
// is still registered. It does not mutate the record; callers invoke
// MarkSeen after the request is otherwise acceptable.
func (r *Registry) Authenticate(ctx context.Context, nodeID, credential string) (NodeRecord, error) {
	if nodeID == "" || credential == "" {
		return NodeRecord{}, ErrInvalidCredential
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return NodeRecord{}, ErrInvalidCredential
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != nodeID {
		return NodeRecord{}, ErrInvalidCredential
	}

	rec, err := r.store.Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NodeRecord{}, ErrInvalidCredential
		}
		return NodeRecord{}, err
	}
	if rec.Status == StatusArchived {
		return NodeRecord{}, ErrNodeArchived
	}

	want := []byte(rec.AuthTokenHash)
	got := []byte(hashCredential(credential))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return NodeRecord{}, ErrInvalidCredential
	}
	return rec, nil
}

// MarkSeen records an accepted heartbeat or batch from nodeID.
func (r *Registry) MarkSeen(ctx context.Context, nodeID string, depth, bytes int64) error {
	return r.store.UpdateSeen(ctx, nodeID, depth, bytes, r.now().UTC())
}

// MarkSeenKeepDepth updates liveness without touching the reported
// buffer health, for batches that did not piggyback a depth.
func (r *Registry) MarkSeenKeepDepth(ctx context.Context, nodeID string) error {
	rec, err := r.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	return r.store.UpdateSeen(ctx, nodeID, rec.LastBufferDepth, rec.LastBufferBytes, r.now().UTC())
}

// List returns every registry row.
func (r *Registry) List(ctx context.Context) ([]NodeRecord, error) {
	return r.store.List(ctx)
}

// Archive deregisters a node. Its credential stops authenticating
// immediately because the stored hash is cleared.
func (r *Registry) Archive(ctx context.Context, nodeID string) error {
	if err := r.store.Archive(ctx, nodeID); err != nil {
		return err
	}
	logger.Info().Str("node_id", nodeID).Msg("node archived")
	return nil
}

func (r *Registry) mintCredential(nodeID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  nodeID,
		"role": string(role),
		"iat":  r.now().Unix(),
		"jti":  uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("registry: sign credential: %w", err)
	}
	return signed, nil
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
