// Package buffer implements the bounded, durable FIFO event buffer that
// every relay node keeps between its collectors (or ingestion endpoint)
// and its forwarder.
//
// Contract summary:
//   - Enqueue never blocks the producer: when the byte ceiling is reached
//     the oldest unacknowledged events are evicted first (bounded loss,
//     not unbounded growth) and the enqueue still succeeds.
//   - Every enqueue and acknowledge is flushed to an append-only log file
//     before the call returns; a crash loses at most the in-flight write.
//   - Acknowledge is idempotent, and acknowledging past an eviction gap
//     advances the cursor to the nearest live entry.
package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/logger"
)

// Errors.
var (
	ErrClosed       = errors.New("buffer is closed")
	ErrEventTooBig  = errors.New("event exceeds the buffer byte ceiling")
	ErrInvalidPeek  = errors.New("peek limits must be positive")
	ErrCorruptLog   = errors.New("buffer log is corrupt")
	ErrCursorBehind = errors.New("cursor file is ahead of the log")
)

// Config configures a buffer instance.
type Config struct {
	// Dir holds the append-only log and the cursor file. One buffer owns
	// the directory exclusively; no two processes may share it.
	Dir string

	// MaxBytes is the ceiling on total live (unacknowledged) event bytes.
	// Reaching it evicts from the head.
	MaxBytes int64

	// CompactAfterBytes triggers a rewrite of the log once the dead
	// (acknowledged or evicted) prefix on disk exceeds this size.
	CompactAfterBytes int64

	// Fsync forces an fsync after every append instead of an OS-level
	// flush. Stronger durability, lower throughput.
	Fsync bool

	// AssignSequence makes the buffer stamp each enqueued event with its
	// own monotonic position. Satellites enable this (the buffer is the
	// origin of the per-source sequence); queue relays keep the sequence
	// the originating satellite assigned.
	AssignSequence bool
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		MaxBytes:          64 << 20, // 64MB
		CompactAfterBytes: 8 << 20,  // 8MB
		Fsync:             false,
		AssignSequence:    false,
	}
}

// Entry is one live buffer position: the event plus the buffer-local
// offset used by PeekBatch/Acknowledge bookkeeping. For satellite
// buffers (AssignSequence) the offset and the event sequence coincide.
type Entry struct {
	Offset uint64
	Event  event.Event

	size int64
}

// Stats exposes operational counters for health reporting and metrics.
type Stats struct {
	LiveRecords int64
	LiveBytes   int64
	Enqueued    int64
	Acked       int64
	Evicted     int64
	LossEvents  int64
}

// Buffer is the single shared-mutable-state boundary within a node.
// All access is serialized through one mutex so concurrent collector
// enqueues never interleave with an in-progress peek/acknowledge.
type Buffer struct {
	cfg Config

	mu      sync.Mutex
	closed  bool
	entries []Entry
	floor   uint64 // highest offset removed (acked or evicted)
	next    uint64 // next offset to assign
	live    int64  // live bytes

	log *walFile

	enqueued   int64
	acked      int64
	evicted    int64
	lossEvents int64
}

// Open opens (or creates) the buffer in cfg.Dir, replaying the log to
// reconstruct the live window after a restart.
func Open(cfg Config) (*Buffer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("buffer dir is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.CompactAfterBytes <= 0 {
		cfg.CompactAfterBytes = 8 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}

	b := &Buffer{cfg: cfg, next: 1}
	if err := b.recover(); err != nil {
		if b.log != nil {
			_ = b.log.Close()
		}
		return nil, err
	}
	return b, nil
}

func (b *Buffer) recover() error {
	cur, err := readCursor(cursorPath(b.cfg.Dir))
	if err != nil {
		return err
	}
	b.floor = cur.Floor
	b.next = cur.Next
	b.evicted = cur.Evicted
	if b.next == 0 {
		b.next = 1
	}

	wal, entries, err := openWAL(logPath(b.cfg.Dir), b.floor, b.cfg.Fsync)
	if err != nil {
		return err
	}
	b.log = wal
	b.entries = entries
	for i := range entries {
		b.live += entries[i].size
		if entries[i].Offset >= b.next {
			b.next = entries[i].Offset + 1
		}
	}

	if len(entries) > 0 && entries[0].Offset <= b.floor {
		return ErrCursorBehind
	}

	// The replayed window can exceed the ceiling if the config shrank
	// between runs; enforce it now so the invariant holds from open.
	b.evictLocked(0)
	return nil
}

// Enqueue appends an event to the tail. It never blocks and never fails
// for capacity reasons: on overflow the oldest unacknowledged events are
// evicted first. The returned offset is the buffer position to use with
// Acknowledge.
func (b *Buffer) Enqueue(ev event.Event) (uint64, error) {
	size := event.EncodedSize(ev)
	if size > b.cfg.MaxBytes {
		return 0, ErrEventTooBig
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	offset := b.next
	b.next++
	if b.cfg.AssignSequence {
		ev.Sequence = offset
	}

	// Make room first so the ceiling is never exceeded, not even
	// transiently between append and evict.
	evicted := b.evictLocked(size)

	if err := b.log.append(offset, ev); err != nil {
		b.next--
		return 0, fmt.Errorf("append to buffer log: %w", err)
	}
	if evicted > 0 {
		// The floor moved; make the eviction durable so replay does not
		// resurrect dropped events.
		if err := b.persistCursorLocked(); err != nil {
			return 0, err
		}
	}

	b.entries = append(b.entries, Entry{Offset: offset, Event: ev, size: size})
	b.live += size
	b.enqueued++
	return offset, nil
}

// evictLocked drops head entries until incoming more bytes fit under the
// ceiling, returning how many were dropped. Caller holds b.mu.
func (b *Buffer) evictLocked(incoming int64) int {
	dropped := 0
	for len(b.entries) > dropped && b.live+incoming > b.cfg.MaxBytes {
		head := b.entries[dropped]
		b.live -= head.size
		b.floor = head.Offset
		b.evicted++
		b.lossEvents++
		dropped++
	}
	if dropped == 0 {
		return 0
	}
	b.entries = b.entries[dropped:]
	logger.Warn().
		Int("evicted", dropped).
		Uint64("floor", b.floor).
		Int64("live_bytes", b.live).
		Msg("buffer ceiling reached, evicted oldest events")
	return dropped
}

// PeekBatch returns up to maxCount head entries totalling at most
// maxBytes, without removing them. The slice is a copy; the caller may
// hold it across the network call.
func (b *Buffer) PeekBatch(maxCount int, maxBytes int64) ([]Entry, error) {
	if maxCount <= 0 || maxBytes <= 0 {
		return nil, ErrInvalidPeek
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	var (
		out   []Entry
		total int64
	)
	for i := 0; i < len(b.entries) && len(out) < maxCount; i++ {
		e := b.entries[i]
		if len(out) > 0 && total+e.size > maxBytes {
			break
		}
		out = append(out, e)
		total += e.size
	}
	return out, nil
}

// Acknowledge removes every entry at or before the given offset once a
// forward attempt has been durably accepted downstream. Acknowledging an
// already-acknowledged offset is a no-op; acknowledging into an eviction
// gap advances to the nearest live entry and records a loss event.
func (b *Buffer) Acknowledge(upTo uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if upTo <= b.floor {
		return nil // idempotent
	}
	if upTo >= b.next {
		// Offset was never assigned; clamp to the window and note the gap.
		upTo = b.next - 1
		b.lossEvents++
		logger.Warn().Uint64("up_to", upTo).Msg("acknowledge past the live window, clamped")
	}

	dropped := 0
	for dropped < len(b.entries) && b.entries[dropped].Offset <= upTo {
		b.live -= b.entries[dropped].size
		dropped++
	}
	b.entries = b.entries[dropped:]
	b.floor = upTo
	b.acked += int64(dropped)

	if err := b.persistCursorLocked(); err != nil {
		return err
	}
	return b.maybeCompactLocked()
}

// Depth reports the live window size for health reporting.
func (b *Buffer) Depth() (count int64, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.entries)), b.live
}

// Stats returns a snapshot of the operational counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		LiveRecords: int64(len(b.entries)),
		LiveBytes:   b.live,
		Enqueued:    b.enqueued,
		Acked:       b.acked,
		Evicted:     b.evicted,
		LossEvents:  b.lossEvents,
	}
}

// NextOffset returns the offset the next enqueue will be assigned.
func (b *Buffer) NextOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Close flushes and closes the log. Further calls fail with ErrClosed.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.persistCursorLocked(); err != nil {
		return err
	}
	return b.log.Close()
}

func (b *Buffer) persistCursorLocked() error {
	cur := cursor{
		Floor:     b.floor,
		Next:      b.next,
		Evicted:   b.evicted,
		UpdatedAt: time.Now().UTC(),
	}
	if err := writeCursor(cursorPath(b.cfg.Dir), cur); err != nil {
		return fmt.Errorf("persist buffer cursor: %w", err)
	}
	return nil
}

// maybeCompactLocked rewrites the log with only the live window once the
// dead prefix on disk passes the threshold. Caller holds b.mu.
func (b *Buffer) maybeCompactLocked() error {
	dead := b.log.diskBytes() - b.live
	if dead < b.cfg.CompactAfterBytes {
		return nil
	}
	if err := b.log.compact(b.entries); err != nil {
		return fmt.Errorf("compact buffer log: %w", err)
	}
	logger.Debug().
		Int("live_records", len(b.entries)).
		Int64("live_bytes", b.live).
		Msg("buffer log compacted")
	return nil
}

func logPath(dir string) string    { return filepath.Join(dir, "events.log") }
func cursorPath(dir string) string { return filepath.Join(dir, "cursor.json") }
