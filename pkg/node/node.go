// Package node assembles a relay process for one of the three roles.
// A satellite runs a buffer and a forwarder; a queue adds an ingestion
// endpoint whose next stage is its own buffer; the master runs the
// endpoint over the graph store and has no buffer at all.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/watchmanio/relay/pkg/buffer"
	"github.com/watchmanio/relay/pkg/config"
	"github.com/watchmanio/relay/pkg/db"
	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/forwarder"
	"github.com/watchmanio/relay/pkg/graph"
	"github.com/watchmanio/relay/pkg/ingest"
	"github.com/watchmanio/relay/pkg/logger"
	obs "github.com/watchmanio/relay/pkg/observability/prometheus"
	"github.com/watchmanio/relay/pkg/registry"
)

// Node is one assembled relay process. Fields are nil where the role
// has no use for the component.
type Node struct {
	cfg     config.Config
	metrics *obs.Metrics

	buf  *buffer.Buffer
	fwd  *forwarder.Forwarder
	srv  *ingest.Server
	reg  *registry.Registry
	mon  *registry.Monitor
	pool *db.Pool
	gdb  *graph.SQLStore

	ln net.Listener
}

// Build assembles a node from its validated configuration.
func Build(cfg config.Config, metrics *obs.Metrics) (*Node, error) {
	if metrics == nil {
		metrics = obs.Get()
	}
	n := &Node{cfg: cfg, metrics: metrics}

	switch cfg.Role {
	case "satellite":
		if err := n.buildBuffer(true); err != nil {
			return nil, err
		}
		if err := n.buildForwarder(); err != nil {
			return nil, err
		}
	case "queue":
		// The queue preserves origin sequence numbers; its buffer
		// offsets are bookkeeping only.
		if err := n.buildBuffer(false); err != nil {
			return nil, err
		}
		if err := n.buildForwarder(); err != nil {
			return nil, err
		}
		if err := n.buildEndpoint(ingest.NewBufferCommitter(n.buf, 0), n.buf.Depth); err != nil {
			return nil, err
		}
	case "master":
		if err := n.buildMasterEndpoint(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("node: unknown role %q", cfg.Role)
	}
	return n, nil
}

// BuildSatellite, BuildQueue and BuildMaster pin the role regardless of
// what the configuration says; Build picks it from cfg.Role.

func BuildSatellite(cfg config.Config, metrics *obs.Metrics) (*Node, error) {
	cfg.Role = "satellite"
	return Build(cfg, metrics)
}

func BuildQueue(cfg config.Config, metrics *obs.Metrics) (*Node, error) {
	cfg.Role = "queue"
	return Build(cfg, metrics)
}

func BuildMaster(cfg config.Config, metrics *obs.Metrics) (*Node, error) {
	cfg.Role = "master"
	return Build(cfg, metrics)
}

func (n *Node) buildBuffer(assignSequence bool) error {
	buf, err := buffer.Open(buffer.Config{
		Dir:               n.cfg.Buffer.Dir,
		MaxBytes:          n.cfg.Buffer.MaxBytes,
		CompactAfterBytes: n.cfg.Buffer.CompactAfterBytes,
		Fsync:             n.cfg.Buffer.Fsync,
		AssignSequence:    assignSequence,
	})
	if err != nil {
		return fmt.Errorf("node: open buffer: %w", err)
	}
	n.buf = buf
	return nil
}

func (n *Node) buildForwarder() error {
	up := n.cfg.Upstream
	fcfg := forwarder.Config{
		UpstreamURL:       up.URL,
		NodeID:            up.NodeID,
		Credential:        up.Credential,
		TickInterval:      up.TickInterval(),
		HeartbeatInterval: up.HeartbeatInterval(),
		BatchMaxCount:     up.BatchMaxCount,
		BatchMaxBytes:     up.BatchMaxBytes,
		BackoffBase:       up.BackoffBase(),
		BackoffMax:        up.BackoffMax(),
		RequestTimeout:    up.RequestTimeout(),
		ShutdownTimeout:   n.cfg.ShutdownTimeout(),
		GzipMinBytes:      up.GzipMinBytes,
	}
	fwd, err := forwarder.New(fcfg, n.buf, n.metrics)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.fwd = fwd
	return nil
}

func (n *Node) buildMasterEndpoint() error {
	if err := n.openPool(); err != nil {
		return err
	}
	store, err := graph.NewSQLStore(context.Background(), n.pool)
	if err != nil {
		return fmt.Errorf("node: graph store: %w", err)
	}
	n.gdb = store
	return n.buildEndpoint(store, nil)
}

func (n *Node) buildEndpoint(committer graph.Committer, depth ingest.DepthFunc) error {
	if n.pool == nil {
		if err := n.openPool(); err != nil {
			return err
		}
	}
	regStore, err := registry.NewSQLStore(context.Background(), n.pool)
	if err != nil {
		return fmt.Errorf("node: registry store: %w", err)
	}
	reg, err := registry.New(regStore, n.cfg.Registry.Secret)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.reg = reg

	n.mon = registry.NewMonitor(registry.MonitorConfig{
		StalenessThreshold: n.cfg.Registry.StalenessThreshold(),
		SweepInterval:      n.cfg.Registry.SweepInterval(),
	}, reg, func(ids []string) {
		n.metrics.NodesWentStale.Add(float64(len(ids)))
	})
	n.mon.OnSweep(func() { n.metrics.StaleSweeps.Inc() })

	scfg := ingest.DefaultConfig(n.cfg.Listen.Addr)
	scfg.AdminToken = n.cfg.Listen.AdminToken
	srv, err := ingest.NewServer(scfg, n.cfg.Role, reg, committer, n.metrics, depth)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.srv = srv
	return nil
}

func (n *Node) openPool() error {
	pool, err := db.NewPool(db.DefaultPoolConfig(n.cfg.Database.DSN, n.cfg.Database.Driver))
	if err != nil {
		return fmt.Errorf("node: open database: %w", err)
	}
	n.pool = pool
	return nil
}

// Registry exposes the node's registry, nil for satellites.
func (n *Node) Registry() *registry.Registry { return n.reg }

// EndpointAddr returns the bound ingestion address, empty for satellites.
func (n *Node) EndpointAddr() string {
	if n.srv == nil {
		return ""
	}
	return n.srv.Addr()
}

// GraphStore exposes the master's graph store, nil elsewhere.
func (n *Node) GraphStore() *graph.SQLStore { return n.gdb }

// Forwarder exposes the node's forwarder, nil at the master.
func (n *Node) Forwarder() *forwarder.Forwarder { return n.fwd }

// Submit records a locally collected event into the buffer and returns
// its id. It never blocks on the network; delivery is the forwarder's
// job. Only buffered roles collect events.
func (n *Node) Submit(kind string, payload []byte) (string, error) {
	if n.buf == nil {
		return "", fmt.Errorf("node: role %s does not collect events", n.cfg.Role)
	}
	ev := event.Event{
		ID:           event.NewID(),
		SourceNodeID: n.cfg.Upstream.NodeID,
		CollectedAt:  time.Now().UTC(),
		Kind:         kind,
		Payload:      payload,
	}
	// The buffer stamps the sequence at enqueue; validate everything else
	// up front so junk never occupies buffer space.
	probe := ev
	probe.Sequence = 1
	if err := event.Validate(probe); err != nil {
		return "", err
	}
	if _, err := n.buf.Enqueue(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Run starts every component for the role and blocks until ctx is
// cancelled, then shuts down in dependency order: stop accepting new
// batches first, flush the local buffer, then release everything.
func (n *Node) Run(ctx context.Context) error {
	log := logger.Component("node")
	log.Info().Str("role", n.cfg.Role).Str("name", n.cfg.NodeName).Msg("node starting")

	var wg sync.WaitGroup
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if n.srv != nil {
		ln := n.ln
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", n.cfg.Listen.Addr)
			if err != nil {
				return fmt.Errorf("node: listen %s: %w", n.cfg.Listen.Addr, err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.srv.Serve(ln); err != nil {
				log.Error().Err(err).Msg("ingestion endpoint stopped")
			}
		}()
	}
	if n.mon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.mon.Run(bgCtx)
		}()
	}

	fwdDone := make(chan struct{})
	fwdCtx, fwdCancel := context.WithCancel(context.Background())
	defer fwdCancel()
	if n.fwd != nil {
		go func() {
			defer close(fwdDone)
			_ = n.fwd.Run(fwdCtx)
		}()
	} else {
		close(fwdDone)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.pollStats(bgCtx)
	}()

	<-ctx.Done()
	log.Info().Msg("node shutting down")

	// 1. Refuse new inbound work so senders fail over to their backoff.
	if n.srv != nil {
		n.srv.BeginDrain()
	}

	// 2. Give the forwarder its bounded final flush.
	fwdCancel()
	select {
	case <-fwdDone:
	case <-time.After(n.cfg.ShutdownTimeout() + time.Second):
		log.Warn().Msg("forwarder did not stop in time")
	}

	// 3. Finish in-flight inbound requests, then close the listener.
	if n.srv != nil {
		sdCtx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout())
		if err := n.srv.Shutdown(sdCtx); err != nil {
			log.Warn().Err(err).Msg("endpoint shutdown")
		}
		cancel()
	}

	// 4. Stop background loops and release storage.
	bgCancel()
	wg.Wait()
	if n.buf != nil {
		if err := n.buf.Close(); err != nil {
			log.Warn().Err(err).Msg("buffer close")
		}
	}
	if n.pool != nil {
		if err := n.pool.Close(); err != nil {
			log.Warn().Err(err).Msg("database close")
		}
	}
	log.Info().Msg("node stopped")
	return nil
}

// pollStats feeds buffer depth and registry liveness into the gauges.
func (n *Node) pollStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.buf != nil {
				s := n.buf.Stats()
				n.metrics.ObserveBufferStats(s.LiveRecords, s.LiveBytes,
					s.Enqueued, s.Acked, s.Evicted, s.LossEvents)
			}
			if n.reg != nil {
				recs, err := n.reg.List(ctx)
				if err != nil {
					continue
				}
				online := 0
				for _, rec := range recs {
					if rec.Status == registry.StatusOnline {
						online++
					}
				}
				n.metrics.NodesOnline.Set(float64(online))
			}
		}
	}
}

// SetListener injects a pre-bound listener, so tests can run endpoints
// on ephemeral ports.
func (n *Node) SetListener(ln net.Listener) {
	n.ln = ln
}
