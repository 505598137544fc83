package ingest

import (
	"context"
	"sync"

	"github.com/watchmanio/relay/pkg/buffer"
	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/graph"
)

// BufferCommitter is the queue relay's next stage: accepted events go
// into the queue's own buffer and are reported accepted immediately;
// the queue's forwarder owns eventual delivery to the master. This
// keeps the queue tier transparent — satellites speak the identical
// protocol whether they target a queue or the master.
//
// True idempotence lives at the master's graph store. The committer
// keeps a bounded set of recently enqueued ids so the common duplicate
// (a satellite retrying a batch the queue already accepted) does not
// occupy buffer space twice; duplicates older than the window are
// collapsed downstream.
type BufferCommitter struct {
	buf *buffer.Buffer

	mu     sync.Mutex
	recent map[string]struct{}
	order  []string
	limit  int
}

// NewBufferCommitter wraps the queue's buffer. window is the number of
// recent event ids remembered for duplicate suppression; <=0 picks a
// default.
func NewBufferCommitter(buf *buffer.Buffer, window int) *BufferCommitter {
	if window <= 0 {
		window = 8192
	}
	return &BufferCommitter{
		buf:    buf,
		recent: make(map[string]struct{}, window),
		limit:  window,
	}
}

func (c *BufferCommitter) Commit(ctx context.Context, ev event.Event) (graph.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.recent[ev.ID]; ok {
		return graph.AlreadyCommitted, nil
	}
	// Remember only after the enqueue succeeds, so a failed commit does
	// not make the sender's retry look like a duplicate.
	if _, err := c.buf.Enqueue(ev); err != nil {
		return graph.Committed, err
	}
	c.remember(ev.ID)
	return graph.Committed, nil
}

// remember inserts id, evicting the oldest remembered id at the limit.
// Caller holds c.mu.
func (c *BufferCommitter) remember(id string) {
	if len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.recent, oldest)
	}
	c.recent[id] = struct{}{}
	c.order = append(c.order, id)
}

var _ graph.Committer = (*BufferCommitter)(nil)
