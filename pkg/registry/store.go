package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Errors.
var (
	ErrNotFound      = errors.New("node is not registered")
	ErrAlreadyExists = errors.New("node id already registered")
)

// Store persists NodeRecords. Implementations must be safe for
// concurrent use; the ingestion endpoint authenticates many batches in
// parallel against the same store.
type Store interface {
	Create(ctx context.Context, rec NodeRecord) error
	Get(ctx context.Context, nodeID string) (NodeRecord, error)
	List(ctx context.Context) ([]NodeRecord, error)

	// UpdateSeen records an accepted heartbeat or batch: status online,
	// last-seen timestamp, reported buffer health.
	UpdateSeen(ctx context.Context, nodeID string, depth, bytes int64, at time.Time) error

	// MarkStaleOffline flips every online node whose last_seen_at is
	// before the cutoff to offline and returns their ids.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// Archive deregisters a node: status archived, credential hash
	// cleared. The row is kept for audit.
	Archive(ctx context.Context, nodeID string) error
}

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu   sync.RWMutex
	recs map[string]NodeRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]NodeRecord)}
}

func (s *MemStore) Create(ctx context.Context, rec NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.NodeID]; ok {
		return ErrAlreadyExists
	}
	s.recs[rec.NodeID] = rec
	return nil
}

func (s *MemStore) Get(ctx context.Context, nodeID string) (NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[nodeID]
	if !ok {
		return NodeRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) List(ctx context.Context) ([]NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemStore) UpdateSeen(ctx context.Context, nodeID string, depth, bytes int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[nodeID]
	if !ok || rec.Status == StatusArchived {
		return ErrNotFound
	}
	rec.Status = StatusOnline
	rec.LastSeenAt = at
	rec.LastBufferDepth = depth
	rec.LastBufferBytes = bytes
	s.recs[nodeID] = rec
	return nil
}

func (s *MemStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flipped []string
	for id, rec := range s.recs {
		if rec.Status == StatusOnline && rec.LastSeenAt.Before(cutoff) {
			rec.Status = StatusOffline
			s.recs[id] = rec
			flipped = append(flipped, id)
		}
	}
	sort.Strings(flipped)
	return flipped, nil
}

func (s *MemStore) Archive(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[nodeID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusArchived
	rec.AuthTokenHash = ""
	s.recs[nodeID] = rec
	return nil
}

var _ Store = (*MemStore)(nil)
