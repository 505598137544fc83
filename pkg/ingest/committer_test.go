package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/watchmanio/relay/pkg/buffer"
	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/graph"
)

func TestBufferCommitter_DuplicateWindow(t *testing.T) {
	buf, err := buffer.Open(buffer.Config{Dir: t.TempDir(), MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	c := NewBufferCommitter(buf, 4)
	ctx := context.Background()

	ev := event.Event{
		ID:           event.NewID(),
		SourceNodeID: "sat-1",
		Sequence:     1,
		CollectedAt:  time.Now().UTC(),
		Kind:         event.KindFileCreated,
		Payload:      []byte(`{}`),
	}

	out, err := c.Commit(ctx, ev)
	if err != nil || out != graph.Committed {
		t.Fatalf("first commit: out=%v err=%v", out, err)
	}
	out, err = c.Commit(ctx, ev)
	if err != nil || out != graph.AlreadyCommitted {
		t.Fatalf("redelivery inside the window: out=%v err=%v", out, err)
	}
	if depth, _ := buf.Depth(); depth != 1 {
		t.Fatalf("duplicate occupied buffer space: depth=%d", depth)
	}

	// Push the first id out of the 4-entry window; the old duplicate now
	// passes through and is left for the master's primary key.
	for i := 0; i < 4; i++ {
		more := ev
		more.ID = event.NewID()
		more.Sequence = uint64(i + 2)
		if _, err := c.Commit(ctx, more); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	out, err = c.Commit(ctx, ev)
	if err != nil || out != graph.Committed {
		t.Fatalf("redelivery outside the window should re-enqueue: out=%v err=%v", out, err)
	}
}
