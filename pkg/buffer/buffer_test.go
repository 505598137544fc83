package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/watchmanio/relay/pkg/event"
)

func testEvent(t *testing.T, kind string, payload []byte) event.Event {
	t.Helper()
	return event.Event{
		ID:           event.NewID(),
		SourceNodeID: "sat-test",
		CollectedAt:  time.Now().UTC(),
		Kind:         kind,
		Payload:      payload,
	}
}

func mustOpen(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	b, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBuffer_EnqueuePeekAcknowledge(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.AssignSequence = true
	b := mustOpen(t, cfg)

	var offsets []uint64
	for i := 0; i < 5; i++ {
		off, err := b.Enqueue(testEvent(t, event.KindFileModified, []byte(fmt.Sprintf("p%d", i))))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			t.Fatalf("offsets not monotonic: %v", offsets)
		}
	}

	batch, err := b.PeekBatch(3, 1<<20)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(batch))
	}
	if batch[0].Offset != offsets[0] {
		t.Fatalf("peek does not start at head: %d != %d", batch[0].Offset, offsets[0])
	}
	if batch[0].Event.Sequence != batch[0].Offset {
		t.Fatalf("satellite buffer must stamp sequence = offset, got seq=%d off=%d",
			batch[0].Event.Sequence, batch[0].Offset)
	}

	// Peek is non-destructive.
	if count, _ := b.Depth(); count != 5 {
		t.Fatalf("depth changed by peek: %d", count)
	}

	if err := b.Acknowledge(offsets[2]); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	count, _ := b.Depth()
	if count != 2 {
		t.Fatalf("expected 2 live after ack, got %d", count)
	}
	batch, _ = b.PeekBatch(10, 1<<20)
	if batch[0].Offset != offsets[3] {
		t.Fatalf("head after ack should be %d, got %d", offsets[3], batch[0].Offset)
	}
}

func TestBuffer_AcknowledgeIdempotent(t *testing.T) {
	b := mustOpen(t, DefaultConfig(t.TempDir()))

	for i := 0; i < 4; i++ {
		if _, err := b.Enqueue(testEvent(t, event.KindFileCreated, []byte("x"))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := b.Acknowledge(2); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	c1, by1 := b.Depth()
	if err := b.Acknowledge(2); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	c2, by2 := b.Depth()
	if c1 != c2 || by1 != by2 {
		t.Fatalf("double acknowledge changed state: (%d,%d) -> (%d,%d)", c1, by1, c2, by2)
	}
	if got := b.Stats().Acked; got != 2 {
		t.Fatalf("expected 2 acked, got %d", got)
	}
}

func TestBuffer_BoundedEvictsOldestFirst(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	payload := make([]byte, 512)
	one := event.EncodedSize(event.Event{
		ID: event.NewID(), SourceNodeID: "sat-test", Kind: event.KindSnapshotCaptured, Payload: payload,
	})
	cfg.MaxBytes = 4 * one // room for four events
	b := mustOpen(t, cfg)

	var offsets []uint64
	for i := 0; i < 6; i++ {
		off, err := b.Enqueue(testEvent(t, event.KindSnapshotCaptured, payload))
		if err != nil {
			t.Fatalf("enqueue %d must not fail on overflow: %v", i, err)
		}
		offsets = append(offsets, off)

		if _, bytes := b.Depth(); bytes > cfg.MaxBytes {
			t.Fatalf("ceiling exceeded after enqueue %d: %d > %d", i, bytes, cfg.MaxBytes)
		}
	}

	st := b.Stats()
	if st.Evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", st.Evicted)
	}
	batch, _ := b.PeekBatch(10, 1<<20)
	if batch[0].Offset != offsets[2] {
		t.Fatalf("oldest entries must go first: head is %d, want %d", batch[0].Offset, offsets[2])
	}
}

func TestBuffer_AcknowledgeIntoEvictionGap(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	payload := make([]byte, 256)
	one := event.EncodedSize(event.Event{
		ID: event.NewID(), SourceNodeID: "sat-test", Kind: event.KindFileDeleted, Payload: payload,
	})
	cfg.MaxBytes = 2 * one
	b := mustOpen(t, cfg)

	for i := 0; i < 4; i++ { // offsets 1,2 evicted; 3,4 live
		if _, err := b.Enqueue(testEvent(t, event.KindFileDeleted, payload)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Acknowledging an evicted offset is a no-op, not an error.
	if err := b.Acknowledge(1); err != nil {
		t.Fatalf("ack evicted offset: %v", err)
	}
	if count, _ := b.Depth(); count != 2 {
		t.Fatalf("expected 2 live, got %d", count)
	}

	// Acknowledging beyond the window clamps and records a loss event.
	before := b.Stats().LossEvents
	if err := b.Acknowledge(99); err != nil {
		t.Fatalf("ack past window: %v", err)
	}
	if count, _ := b.Depth(); count != 0 {
		t.Fatalf("expected empty buffer, got %d", count)
	}
	if b.Stats().LossEvents <= before {
		t.Fatalf("expected a loss event for the gap acknowledge")
	}
}

func TestBuffer_CrashRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.AssignSequence = true

	b1, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var ids []string
	for i := 0; i < 5; i++ {
		ev := testEvent(t, event.KindContainerScanned, []byte(fmt.Sprintf("c%d", i)))
		if _, err := b1.Enqueue(ev); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	if err := b1.Acknowledge(2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Simulate a crash: no Close, just drop the handle. Every enqueue and
	// acknowledge was flushed, so nothing here may be lost.
	_ = b1.log.f.Close()

	b2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = b2.Close() })

	count, _ := b2.Depth()
	if count != 3 {
		t.Fatalf("expected 3 live after recovery, got %d", count)
	}
	batch, _ := b2.PeekBatch(10, 1<<20)
	for i, e := range batch {
		if e.Event.ID != ids[i+2] {
			t.Fatalf("recovered entry %d has id %s, want %s", i, e.Event.ID, ids[i+2])
		}
	}

	// Acknowledged events never reappear, and new offsets continue past
	// the old window.
	if next := b2.NextOffset(); next != 6 {
		t.Fatalf("next offset after recovery = %d, want 6", next)
	}
	off, err := b2.Enqueue(testEvent(t, event.KindContainerScanned, []byte("after")))
	if err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}
	if off != 6 {
		t.Fatalf("expected offset 6 after recovery, got %d", off)
	}
}

func TestBuffer_CompactionKeepsLiveWindow(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.CompactAfterBytes = 1 // compact on every acknowledge
	b := mustOpen(t, cfg)

	for i := 0; i < 20; i++ {
		if _, err := b.Enqueue(testEvent(t, event.KindProjectScanned, []byte("payload"))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := b.Acknowledge(15); err != nil {
		t.Fatalf("ack: %v", err)
	}

	batch, _ := b.PeekBatch(10, 1<<20)
	if len(batch) != 5 {
		t.Fatalf("expected 5 live after compaction, got %d", len(batch))
	}
	if batch[0].Offset != 16 {
		t.Fatalf("head after compaction should be 16, got %d", batch[0].Offset)
	}

	// The compacted log must survive a reopen.
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b2 := mustOpen(t, cfg)
	count, _ := b2.Depth()
	if count != 5 {
		t.Fatalf("expected 5 live after reopen, got %d", count)
	}
}

func TestBuffer_PeekRespectsByteCap(t *testing.T) {
	b := mustOpen(t, DefaultConfig(t.TempDir()))

	for i := 0; i < 10; i++ {
		if _, err := b.Enqueue(testEvent(t, event.KindFileModified, make([]byte, 1000))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	one := event.EncodedSize(event.Event{
		ID: event.NewID(), SourceNodeID: "sat-test", Kind: event.KindFileModified, Payload: make([]byte, 1000),
	})

	batch, err := b.PeekBatch(10, 3*one)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected byte cap to yield 3 entries, got %d", len(batch))
	}

	// A single oversized entry is still returned so delivery can make progress.
	batch, err = b.PeekBatch(10, 1)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 entry under tiny byte cap, got %d", len(batch))
	}
}

func TestBuffer_EventTooBig(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxBytes = 128
	b := mustOpen(t, cfg)

	if _, err := b.Enqueue(testEvent(t, event.KindFileModified, make([]byte, 4096))); err != ErrEventTooBig {
		t.Fatalf("expected ErrEventTooBig, got %v", err)
	}
}
