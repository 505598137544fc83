package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/watchmanio/relay/pkg/db"
)

// SQLStore persists NodeRecords in a small keyed table, one row per
// node. The SQL sticks to the dialect both sqlite3 and postgres accept
// ($N placeholders, RETURNING).
type SQLStore struct {
	pool *db.Pool
}

const nodesSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id           TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	role              TEXT NOT NULL,
	auth_token_hash   TEXT NOT NULL,
	status            TEXT NOT NULL,
	registered_at     TIMESTAMP NOT NULL,
	last_seen_at      TIMESTAMP,
	last_buffer_depth BIGINT NOT NULL DEFAULT 0,
	last_buffer_bytes BIGINT NOT NULL DEFAULT 0
)`

// NewSQLStore creates the nodes table if needed and returns the store.
func NewSQLStore(ctx context.Context, pool *db.Pool) (*SQLStore, error) {
	if _, err := pool.Exec(ctx, nodesSchema); err != nil {
		return nil, fmt.Errorf("registry: create nodes table: %w", err)
	}
	return &SQLStore{pool: pool}, nil
}

func (s *SQLStore) Create(ctx context.Context, rec NodeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (node_id, name, role, auth_token_hash, status, registered_at,
			last_buffer_depth, last_buffer_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0)`,
		rec.NodeID, rec.Name, string(rec.Role), rec.AuthTokenHash, string(rec.Status), rec.RegisteredAt)
	if err != nil {
		return fmt.Errorf("registry: insert node %s: %w", rec.NodeID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, nodeID string) (NodeRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT node_id, name, role, auth_token_hash, status, registered_at,
			last_seen_at, last_buffer_depth, last_buffer_bytes
		FROM nodes WHERE node_id = $1`, nodeID)
	return scanNode(row)
}

func (s *SQLStore) List(ctx context.Context) ([]NodeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, name, role, auth_token_hash, status, registered_at,
			last_seen_at, last_buffer_depth, last_buffer_bytes
		FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		rec, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSeen(ctx context.Context, nodeID string, depth, bytes int64, at time.Time) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE nodes SET status = $1, last_seen_at = $2, last_buffer_depth = $3, last_buffer_bytes = $4
		WHERE node_id = $5 AND status != $6`,
		string(StatusOnline), at, depth, bytes, nodeID, string(StatusArchived))
	if err != nil {
		return fmt.Errorf("registry: update seen %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE nodes SET status = $1
		WHERE status = $2 AND last_seen_at < $3
		RETURNING node_id`,
		string(StatusOffline), string(StatusOnline), cutoff)
	if err != nil {
		return nil, fmt.Errorf("registry: mark stale: %w", err)
	}
	defer rows.Close()

	var flipped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		flipped = append(flipped, id)
	}
	return flipped, rows.Err()
}

func (s *SQLStore) Archive(ctx context.Context, nodeID string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE nodes SET status = $1, auth_token_hash = '' WHERE node_id = $2`,
		string(StatusArchived), nodeID)
	if err != nil {
		return fmt.Errorf("registry: archive %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (NodeRecord, error) {
	var (
		rec      NodeRecord
		role     string
		status   string
		lastSeen sql.NullTime
	)
	err := row.Scan(&rec.NodeID, &rec.Name, &role, &rec.AuthTokenHash, &status,
		&rec.RegisteredAt, &lastSeen, &rec.LastBufferDepth, &rec.LastBufferBytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return NodeRecord{}, ErrNotFound
		}
		return NodeRecord{}, fmt.Errorf("registry: scan node: %w", err)
	}
	rec.Role = Role(role)
	rec.Status = Status(status)
	if lastSeen.Valid {
		rec.LastSeenAt = lastSeen.Time
	}
	return rec, nil
}

var _ Store = (*SQLStore)(nil)
