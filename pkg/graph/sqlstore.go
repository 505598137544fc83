package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/watchmanio/relay/pkg/db"
	"github.com/watchmanio/relay/pkg/event"
)

// SQLStore is the master-side committed-event store. Idempotency comes
// from the primary key on event_id plus ON CONFLICT DO NOTHING, which
// both sqlite3 and postgres execute atomically. The schema sticks to
// column types both drivers accept; sqlite has no BYTEA of its own but
// stores the bound []byte as a blob regardless of the declared type.
type SQLStore struct {
	pool *db.Pool
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS committed_events (
	event_id       TEXT PRIMARY KEY,
	source_node_id TEXT NOT NULL,
	sequence       BIGINT NOT NULL,
	collected_at   TIMESTAMP NOT NULL,
	kind           TEXT NOT NULL,
	payload        BYTEA,
	committed_at   TIMESTAMP NOT NULL
)`

// NewSQLStore creates the committed_events table if needed.
func NewSQLStore(ctx context.Context, pool *db.Pool) (*SQLStore, error) {
	if _, err := pool.Exec(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("graph: create committed_events table: %w", err)
	}
	return &SQLStore{pool: pool}, nil
}

func (s *SQLStore) Commit(ctx context.Context, ev event.Event) (Outcome, error) {
	res, err := s.pool.Exec(ctx, `
		INSERT INTO committed_events (event_id, source_node_id, sequence, collected_at, kind, payload, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, ev.SourceNodeID, int64(ev.Sequence), ev.CollectedAt, ev.Kind, ev.Payload, time.Now().UTC())
	if err != nil {
		return Committed, fmt.Errorf("graph: commit %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Committed, err
	}
	if n == 0 {
		return AlreadyCommitted, nil
	}
	return Committed, nil
}

// CommittedBySource returns the committed events for one source in
// sequence order; used by tests and the admin surface to verify per-
// source FIFO.
func (s *SQLStore) CommittedBySource(ctx context.Context, sourceID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, source_node_id, sequence, collected_at, kind, payload
		FROM committed_events WHERE source_node_id = $1 ORDER BY sequence`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("graph: list by source: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			ev  event.Event
			seq int64
		)
		if err := rows.Scan(&ev.ID, &ev.SourceNodeID, &seq, &ev.CollectedAt, &ev.Kind, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Sequence = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ Committer = (*SQLStore)(nil)

// MemStore is an in-memory Committer for tests.
type MemStore struct {
	mu     sync.Mutex
	byID   map[string]event.Event
	order  []string
	commit int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]event.Event)}
}

func (s *MemStore) Commit(ctx context.Context, ev event.Event) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ev.ID]; ok {
		return AlreadyCommitted, nil
	}
	s.byID[ev.ID] = ev
	s.order = append(s.order, ev.ID)
	s.commit++
	return Committed, nil
}

// Events returns every committed event in commit order.
func (s *MemStore) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of distinct committed events.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

var _ Committer = (*MemStore)(nil)
