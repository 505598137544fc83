package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"

	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/graph"
	"github.com/watchmanio/relay/pkg/logger"
	"github.com/watchmanio/relay/pkg/registry"
)

// handleBatch is POST /v1/events: authenticate, commit each event
// idempotently, report per-event outcomes. A 200 with rejects is normal;
// the outcome lists are authoritative.
func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	done := s.metrics.Timer("/v1/events")

	if s.draining.Load() {
		s.metrics.IngestBatches.WithLabelValues("draining").Inc()
		writeError(ctx, fasthttp.StatusServiceUnavailable, "endpoint is draining, retry later")
		done("503")
		return
	}

	body, err := requestBody(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		done("400")
		return
	}
	var req event.BatchRequest
	if err := event.Unmarshal(body, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "malformed batch request")
		done("400")
		return
	}

	if _, err := s.registry.Authenticate(ctx, req.SourceID, req.AuthCredential); err != nil {
		s.rejectAuth(ctx, req.SourceID, err)
		done("401")
		return
	}

	resp := event.BatchResponse{AcceptedIDs: []string{}, Rejected: []event.RejectedEvent{}}
	for _, ev := range req.Events {
		if err := event.Validate(ev); err != nil {
			resp.Rejected = append(resp.Rejected, event.RejectedEvent{ID: ev.ID, Reason: err.Error()})
			s.metrics.IngestEvents.WithLabelValues("rejected").Inc()
			continue
		}
		outcome, err := s.commitOne(ctx, ev)
		if err != nil {
			// A failing next stage is the endpoint's problem, not the
			// sender's: report unavailability so the forwarder retries
			// the whole remainder with backoff.
			logger.Error().Err(err).Str("event_id", ev.ID).Msg("commit failed")
			s.metrics.IngestBatches.WithLabelValues("commit_error").Inc()
			writeError(ctx, fasthttp.StatusServiceUnavailable, "commit stage unavailable")
			done("503")
			return
		}
		resp.AcceptedIDs = append(resp.AcceptedIDs, ev.ID)
		s.metrics.IngestEvents.WithLabelValues(outcome.String()).Inc()
	}

	// Registry bookkeeping happens regardless of per-event outcomes, as
	// long as authentication succeeded.
	depth, bts := int64(-1), int64(-1)
	if req.BufferDepth != nil {
		depth = *req.BufferDepth
	}
	if req.BufferBytes != nil {
		bts = *req.BufferBytes
	}
	if depth >= 0 {
		if err := s.registry.MarkSeen(ctx, req.SourceID, depth, max64(bts, 0)); err != nil {
			logger.Warn().Err(err).Str("source_id", req.SourceID).Msg("mark seen failed")
		}
	} else if err := s.registry.MarkSeenKeepDepth(ctx, req.SourceID); err != nil {
		logger.Warn().Err(err).Str("source_id", req.SourceID).Msg("mark seen failed")
	}

	s.metrics.IngestBatches.WithLabelValues("accepted").Inc()
	writeJSON(ctx, fasthttp.StatusOK, resp)
	done("200")
}

// commitOne serializes the commit path per event id so a retry never
// races its original delivery.
func (s *Server) commitOne(ctx *fasthttp.RequestCtx, ev event.Event) (graph.Outcome, error) {
	mu := s.locks.lock(ev.ID)
	defer mu.Unlock()
	return s.committer.Commit(ctx, ev)
}

// handleHeartbeat is POST /v1/heartbeat: authenticate and record
// liveness plus reported buffer health. Success is a bare 204.
func (s *Server) handleHeartbeat(ctx *fasthttp.RequestCtx) {
	done := s.metrics.Timer("/v1/heartbeat")

	if s.draining.Load() {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "endpoint is draining, retry later")
		done("503")
		return
	}

	body, err := requestBody(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		done("400")
		return
	}
	var hb event.Heartbeat
	if err := event.Unmarshal(body, &hb); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "malformed heartbeat")
		done("400")
		return
	}

	if _, err := s.registry.Authenticate(ctx, hb.NodeID, hb.AuthCredential); err != nil {
		s.rejectAuth(ctx, hb.NodeID, err)
		done("401")
		return
	}
	if err := s.registry.MarkSeen(ctx, hb.NodeID, hb.BufferDepth, hb.BufferBytes); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "registry update failed")
		done("500")
		return
	}

	s.metrics.HeartbeatsTotal.Inc()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	done("204")
}

// handleRegister is POST /v1/nodes, the one-time administrative
// provisioning call. The raw credential is returned exactly once.
func (s *Server) handleRegister(ctx *fasthttp.RequestCtx) {
	if !s.adminAuthorized(ctx) {
		writeError(ctx, fasthttp.StatusUnauthorized, "admin token required")
		return
	}

	var req event.RegisterRequest
	if err := event.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "malformed register request")
		return
	}
	rec, credential, err := s.registry.Register(ctx, req.Name, registry.Role(req.Role))
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, event.RegisterResponse{
		NodeID:         rec.NodeID,
		AuthCredential: credential,
	})
}

// handleListNodes is GET /v1/nodes, the operator view of the registry.
func (s *Server) handleListNodes(ctx *fasthttp.RequestCtx) {
	if !s.adminAuthorized(ctx) {
		writeError(ctx, fasthttp.StatusUnauthorized, "admin token required")
		return
	}
	recs, err := s.registry.List(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "registry unavailable")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, recs)
}

// handleArchive is DELETE /v1/nodes/{id}: explicit deregistration. The
// record is archived, never deleted, and its credential stops working.
func (s *Server) handleArchive(ctx *fasthttp.RequestCtx, nodeID string) {
	if !s.adminAuthorized(ctx) {
		writeError(ctx, fasthttp.StatusUnauthorized, "admin token required")
		return
	}
	if err := s.registry.Archive(ctx, nodeID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, "unknown node")
			return
		}
		writeError(ctx, fasthttp.StatusInternalServerError, "registry unavailable")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	type health struct {
		Role        string `json:"role"`
		Draining    bool   `json:"draining"`
		BufferDepth int64  `json:"buffer_depth"`
		BufferBytes int64  `json:"buffer_bytes"`
	}
	h := health{Role: s.role, Draining: s.draining.Load()}
	if s.depth != nil {
		h.BufferDepth, h.BufferBytes = s.depth()
	}
	writeJSON(ctx, fasthttp.StatusOK, h)
}

// rejectAuth writes the 401 and logs loudly: authentication failures are
// unexpected in steady state and must reach an operator rather than
// silently cycling in a sender's backoff loop.
func (s *Server) rejectAuth(ctx *fasthttp.RequestCtx, nodeID string, err error) {
	s.metrics.IngestBatches.WithLabelValues("auth_failed").Inc()
	logger.Error().Err(err).Str("node_id", nodeID).Str("remote", ctx.RemoteIP().String()).
		Msg("authentication failed")
	writeError(ctx, fasthttp.StatusUnauthorized, "authentication failed")
}

func (s *Server) adminAuthorized(ctx *fasthttp.RequestCtx) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	token := string(ctx.Request.Header.Peek("X-Admin-Token"))
	if token == "" {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return token == s.cfg.AdminToken
}

// requestBody returns the request body, transparently decoding a
// gzip-compressed one (Content-Encoding: gzip).
func requestBody(ctx *fasthttp.RequestCtx) ([]byte, error) {
	body := ctx.PostBody()
	if !bytes.EqualFold(ctx.Request.Header.ContentEncoding(), []byte("gzip")) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bad gzip body: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("bad gzip body: %w", err)
	}
	return out, nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	data, err := event.Marshal(v)
	if err != nil {
		ctx.Error("encode response failed", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, event.ErrorResponse{Error: msg})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
