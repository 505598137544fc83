// Package forwarder drains a node's event buffer toward the next hop.
// A timer-driven state machine tracks link availability: CONNECTED
// ticks and ships batches, BACKOFF retries the same head-of-queue batch
// under exponential delay with jitter, DRAINING makes one bounded
// best-effort flush on shutdown.
package forwarder

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/watchmanio/relay/pkg/buffer"
	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/fsm"
	"github.com/watchmanio/relay/pkg/logger"
	obs "github.com/watchmanio/relay/pkg/observability/prometheus"
)

// States of the forwarder link.
const (
	StateConnected fsm.State = "connected"
	StateBackoff   fsm.State = "backoff"
	StateDraining  fsm.State = "draining"
)

// Triggers.
const (
	triggerSendOK     fsm.Trigger = "send_ok"
	triggerSendFailed fsm.Trigger = "send_failed"
	triggerShutdown   fsm.Trigger = "shutdown"
)

// ErrAuthRejected marks a 401 from downstream: the batch was not
// committed and an operator needs to know, but the forwarder still
// backs off and retries rather than dropping data.
var ErrAuthRejected = errors.New("downstream rejected our credential")

// Config configures a forwarder.
type Config struct {
	// UpstreamURL is the base URL of the downstream ingestion endpoint,
	// e.g. "http://queue-1:7600".
	UpstreamURL string

	// NodeID and Credential identify this node to the downstream
	// registry.
	NodeID     string
	Credential string

	TickInterval      time.Duration
	HeartbeatInterval time.Duration

	BatchMaxCount int
	BatchMaxBytes int64

	// Backoff doubles from Base per consecutive failure, capped at Max,
	// with jitter applied to every delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// GzipMinBytes compresses batch bodies at or above this size.
	// Zero disables compression.
	GzipMinBytes int
}

// DefaultConfig returns the documented defaults: 1s drain tick, 10s
// heartbeats, 2s backoff base doubling to a 60s ceiling.
func DefaultConfig(upstreamURL, nodeID, credential string) Config {
	return Config{
		UpstreamURL:       upstreamURL,
		NodeID:            nodeID,
		Credential:        credential,
		TickInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		BatchMaxCount:     256,
		BatchMaxBytes:     1 << 20,
		BackoffBase:       2 * time.Second,
		BackoffMax:        60 * time.Second,
		RequestTimeout:    10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		GzipMinBytes:      4 << 10,
	}
}

// Forwarder is one node's drain loop. Run blocks for the process
// lifetime; the loop has no terminal state short of cancellation.
type Forwarder struct {
	cfg     Config
	buf     *buffer.Buffer
	client  *client
	machine *fsm.Machine
	metrics *obs.Metrics

	fails   int
	retryAt time.Time
	rng     *rand.Rand
}

// New wires a forwarder over the buffer.
func New(cfg Config, buf *buffer.Buffer, metrics *obs.Metrics) (*Forwarder, error) {
	if cfg.UpstreamURL == "" {
		return nil, errors.New("forwarder: upstream URL is required")
	}
	if cfg.NodeID == "" || cfg.Credential == "" {
		return nil, errors.New("forwarder: node id and credential are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.BatchMaxCount <= 0 {
		cfg.BatchMaxCount = 256
	}
	if cfg.BatchMaxBytes <= 0 {
		cfg.BatchMaxBytes = 1 << 20
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = obs.Get()
	}

	f := &Forwarder{
		cfg:     cfg,
		buf:     buf,
		client:  newClient(cfg),
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	f.machine = f.buildMachine()
	metrics.SetForwarderState(string(StateConnected))
	return f, nil
}

func (f *Forwarder) buildMachine() *fsm.Machine {
	m := fsm.New("forwarder-"+f.cfg.NodeID, StateConnected)

	m.Configure(StateConnected).
		Permit(triggerSendFailed, StateBackoff).
		Ignore(triggerSendOK).
		Permit(triggerShutdown, StateDraining)

	m.Configure(StateBackoff).
		Permit(triggerSendOK, StateConnected).
		Ignore(triggerSendFailed).
		Permit(triggerShutdown, StateDraining)

	m.Configure(StateDraining).
		Ignore(triggerSendOK).
		Ignore(triggerSendFailed).
		Ignore(triggerShutdown)

	m.OnTransition(func(t fsm.Transition) {
		if t.From != t.To {
			logger.Debug().Str("from", string(t.From)).Str("to", string(t.To)).
				Str("trigger", string(t.Trigger)).Msg("forwarder state change")
		}
		f.metrics.SetForwarderState(string(t.To))
	})
	return m
}

// State returns the current link state.
func (f *Forwarder) State() fsm.State {
	return f.machine.Current()
}

// Run drives the drain loop and the heartbeat emitter until ctx is
// cancelled, then drains best-effort within the shutdown timeout.
func (f *Forwarder) Run(ctx context.Context) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go f.heartbeatLoop(hbCtx)

	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	log := logger.Component("forwarder")
	log.Info().Str("upstream", f.cfg.UpstreamURL).Msg("forwarder started")

	for {
		select {
		case <-ctx.Done():
			_, _ = f.machine.Fire(context.Background(), triggerShutdown)
			f.drainOnShutdown()
			log.Info().Msg("forwarder stopped")
			return nil

		case <-ticker.C:
			switch f.machine.Current() {
			case StateConnected:
				f.tickConnected(ctx)
			case StateBackoff:
				f.tickBackoff(ctx)
			}
		}
	}
}

func (f *Forwarder) tickConnected(ctx context.Context) {
	delivered, err := f.attempt(ctx, f.cfg.RequestTimeout)
	if err != nil {
		f.noteFailure(ctx, err)
		return
	}
	if delivered {
		f.metrics.ForwardAttempts.WithLabelValues("ok").Inc()
	}
}

func (f *Forwarder) tickBackoff(ctx context.Context) {
	if time.Now().Before(f.retryAt) {
		return
	}
	// Retry the same head-of-queue batch; offsets were never
	// acknowledged, so PeekBatch yields the identical events.
	delivered, err := f.attempt(ctx, f.cfg.RequestTimeout)
	if err != nil {
		f.noteFailure(ctx, err)
		return
	}
	f.fails = 0
	_, _ = f.machine.Fire(ctx, triggerSendOK)
	if delivered {
		f.metrics.ForwardAttempts.WithLabelValues("ok").Inc()
		logger.Info().Str("upstream", f.cfg.UpstreamURL).Msg("downstream link recovered")
	}
}

func (f *Forwarder) noteFailure(ctx context.Context, err error) {
	f.fails++
	delay := f.backoffDelay()
	f.retryAt = time.Now().Add(delay)
	_, _ = f.machine.Fire(ctx, triggerSendFailed)

	outcome := "transport"
	if errors.Is(err, ErrAuthRejected) {
		outcome = "auth"
		logger.Error().Err(err).Str("upstream", f.cfg.UpstreamURL).
			Msg("authentication rejected downstream, check provisioning")
	} else {
		logger.Warn().Err(err).Dur("retry_in", delay).Int("consecutive", f.fails).
			Msg("batch delivery failed, backing off")
	}
	f.metrics.ForwardAttempts.WithLabelValues(outcome).Inc()
}

// backoffDelay doubles per consecutive failure from the base, capped at
// the configured maximum, with +/-25% jitter so a fleet of satellites
// does not retry in lockstep.
func (f *Forwarder) backoffDelay() time.Duration {
	shift := f.fails - 1
	if shift > 30 {
		shift = 30
	}
	d := f.cfg.BackoffBase << uint(shift)
	if d > f.cfg.BackoffMax || d <= 0 {
		d = f.cfg.BackoffMax
	}
	jitter := 0.75 + f.rng.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// attempt ships one batch within timeout. It returns (false, nil) when
// the buffer was empty, (true, nil) after a delivery whose accepted
// prefix has been acknowledged, and an error on any transport, timeout
// or non-2xx outcome.
func (f *Forwarder) attempt(ctx context.Context, timeout time.Duration) (bool, error) {
	entries, err := f.buf.PeekBatch(f.cfg.BatchMaxCount, f.cfg.BatchMaxBytes)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	events := make([]event.Event, len(entries))
	for i := range entries {
		events[i] = entries[i].Event
	}
	depth, bytes := f.buf.Depth()
	req := event.BatchRequest{
		SourceID:       f.cfg.NodeID,
		AuthCredential: f.cfg.Credential,
		Timestamp:      time.Now().UTC(),
		Events:         events,
		BufferDepth:    &depth,
		BufferBytes:    &bytes,
	}

	resp, err := f.client.postBatch(req, timeout)
	if err != nil {
		return false, err
	}
	return true, f.applyOutcome(entries, resp)
}

// applyOutcome acknowledges the classified prefix of the batch.
// Accepted events are done; rejected events are terminal downstream and
// must not be resent, so they are dropped (with a counter) by the same
// acknowledge. The first event that is neither accepted nor rejected
// ends the prefix — it and everything after it stay buffered for the
// next attempt, bounding duplicate redelivery to that suffix.
func (f *Forwarder) applyOutcome(entries []buffer.Entry, resp event.BatchResponse) error {
	accepted := make(map[string]struct{}, len(resp.AcceptedIDs))
	for _, id := range resp.AcceptedIDs {
		accepted[id] = struct{}{}
	}
	rejected := make(map[string]string, len(resp.Rejected))
	for _, r := range resp.Rejected {
		rejected[r.ID] = r.Reason
	}

	var (
		ackTo    uint64
		acks     int
		rejects  int
		anyAcked bool
	)
	for _, e := range entries {
		if _, ok := accepted[e.Event.ID]; ok {
			ackTo, anyAcked = e.Offset, true
			acks++
			continue
		}
		if reason, ok := rejected[e.Event.ID]; ok {
			logger.Warn().Str("event_id", e.Event.ID).Str("reason", reason).
				Msg("event permanently rejected downstream, dropping")
			ackTo, anyAcked = e.Offset, true
			rejects++
			continue
		}
		break
	}

	if !anyAcked {
		return nil
	}
	if err := f.buf.Acknowledge(ackTo); err != nil {
		return err
	}
	f.metrics.ForwardedEvents.Add(float64(acks))
	if rejects > 0 {
		f.metrics.DroppedRejected.Add(float64(rejects))
		f.metrics.ForwardAttempts.WithLabelValues("partial").Inc()
	}
	logger.Debug().Int("accepted", acks).Int("rejected", rejects).
		Uint64("ack_to", ackTo).Msg("batch acknowledged")
	return nil
}

// drainOnShutdown makes a best-effort final flush bounded by the
// shutdown timeout. Each attempt's request timeout is capped at the
// time left to the deadline so a stalled downstream cannot hold
// shutdown past the bound. Anything still buffered is durable and
// ships on the next start.
func (f *Forwarder) drainOnShutdown() {
	deadline := time.Now().Add(f.cfg.ShutdownTimeout)
	ctx := context.Background()
	for {
		count, _ := f.buf.Depth()
		if count == 0 {
			return
		}
		left := time.Until(deadline)
		if left <= 0 {
			logger.Info().Int64("remaining", count).
				Msg("final flush incomplete, events remain buffered for next start")
			return
		}
		timeout := f.cfg.RequestTimeout
		if timeout > left {
			timeout = left
		}
		delivered, err := f.attempt(ctx, timeout)
		if err != nil || !delivered {
			logger.Info().Int64("remaining", count).
				Msg("final flush incomplete, events remain buffered for next start")
			return
		}
	}
}

// heartbeatLoop reports buffer health on its own shorter tick so the
// downstream registry sees liveness even while the drain loop is idle
// or backing off.
func (f *Forwarder) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, bytes := f.buf.Depth()
			hb := event.Heartbeat{
				NodeID:         f.cfg.NodeID,
				AuthCredential: f.cfg.Credential,
				Timestamp:      time.Now().UTC(),
				BufferDepth:    depth,
				BufferBytes:    bytes,
			}
			if err := f.client.postHeartbeat(hb); err != nil {
				// The drain loop owns availability handling; a missed
				// heartbeat on a down link is expected noise.
				logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
