package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/watchmanio/relay/pkg/event"
	"github.com/watchmanio/relay/pkg/graph"
	obs "github.com/watchmanio/relay/pkg/observability/prometheus"
	"github.com/watchmanio/relay/pkg/registry"
)

const testAdminToken = "test-admin-token"

type testEndpoint struct {
	srv   *Server
	reg   *registry.Registry
	store *graph.MemStore
	base  string
}

// startEndpoint runs a master-style endpoint on an ephemeral port with
// an in-memory registry and graph store.
func startEndpoint(t *testing.T) *testEndpoint {
	t.Helper()

	reg, err := registry.New(registry.NewMemStore(), "0123456789abcdef")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	store := graph.NewMemStore()

	cfg := DefaultConfig("127.0.0.1:0")
	cfg.AdminToken = testAdminToken
	srv, err := NewServer(cfg, "master", reg, store, obs.New(nil, nil), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testEndpoint{
		srv:   srv,
		reg:   reg,
		store: store,
		base:  "http://" + ln.Addr().String(),
	}
}

func (e *testEndpoint) registerSatellite(t *testing.T, name string) (string, string) {
	t.Helper()
	rec, credential, err := e.reg.Register(context.Background(), name, registry.RoleSatellite)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return rec.NodeID, credential
}

func postJSON(t *testing.T, url string, v interface{}, header map[string]string) (int, []byte) {
	t.Helper()
	body, err := event.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func makeEvents(source string, n int) []event.Event {
	evs := make([]event.Event, n)
	for i := range evs {
		evs[i] = event.Event{
			ID:           event.NewID(),
			SourceNodeID: source,
			Sequence:     uint64(i + 1),
			CollectedAt:  time.Now().UTC(),
			Kind:         event.KindFileCreated,
			Payload:      []byte(`{"path":"/var/log/app.log"}`),
		}
	}
	return evs
}

// A failing next stage (database down, queue buffer unavailable) must
// come back as a retryable 503, not as per-event rejects the sender
// would drop permanently.
func TestServer_CommitFailureIsRetryable(t *testing.T) {
	reg, err := registry.New(registry.NewMemStore(), "0123456789abcdef")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	failing := graph.CommitterFunc(func(ctx context.Context, ev event.Event) (graph.Outcome, error) {
		return graph.Committed, errors.New("commit stage down")
	})

	cfg := DefaultConfig("127.0.0.1:0")
	cfg.AdminToken = testAdminToken
	srv, err := NewServer(cfg, "master", reg, failing, obs.New(nil, nil), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	rec, credential, err := reg.Register(context.Background(), "lab-sat", registry.RoleSatellite)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	status, _ := postJSON(t, "http://"+ln.Addr().String()+"/v1/events", event.BatchRequest{
		SourceID:       rec.NodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		Events:         makeEvents(rec.NodeID, 2),
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 so the sender retries with backoff", status)
	}
}

func TestServer_BatchPartialAccept(t *testing.T) {
	e := startEndpoint(t)
	nodeID, credential := e.registerSatellite(t, "lab-sat")

	evs := makeEvents(nodeID, 10)
	evs[3].Kind = "" // malformed: kind is required

	status, body := postJSON(t, e.base+"/v1/events", event.BatchRequest{
		SourceID:       nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		Events:         evs,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", status, body)
	}

	var resp event.BatchResponse
	if err := event.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.AcceptedIDs) != 9 {
		t.Fatalf("accepted %d, want 9", len(resp.AcceptedIDs))
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].ID != evs[3].ID {
		t.Fatalf("rejected = %+v, want exactly event %s", resp.Rejected, evs[3].ID)
	}
	if resp.Rejected[0].Reason == "" {
		t.Fatal("rejection carries no reason")
	}
	if e.store.Len() != 9 {
		t.Fatalf("store has %d events, want 9", e.store.Len())
	}
}

func TestServer_DuplicateDeliveryIsIdempotent(t *testing.T) {
	e := startEndpoint(t)
	nodeID, credential := e.registerSatellite(t, "lab-sat")

	evs := makeEvents(nodeID, 4)
	req := event.BatchRequest{
		SourceID:       nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		Events:         evs,
	}

	for i := 0; i < 2; i++ {
		status, body := postJSON(t, e.base+"/v1/events", req, nil)
		if status != http.StatusOK {
			t.Fatalf("delivery %d: status = %d: %s", i, status, body)
		}
		var resp event.BatchResponse
		if err := event.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		// The retry is accepted too: acceptance is about the id being
		// durable downstream, not about first arrival.
		if len(resp.AcceptedIDs) != 4 {
			t.Fatalf("delivery %d: accepted %d, want 4", i, len(resp.AcceptedIDs))
		}
	}
	if e.store.Len() != 4 {
		t.Fatalf("store has %d events after redelivery, want 4", e.store.Len())
	}
}

func TestServer_AuthRejections(t *testing.T) {
	e := startEndpoint(t)
	nodeID, _ := e.registerSatellite(t, "lab-sat")
	otherID, otherCredential := e.registerSatellite(t, "other-sat")

	cases := []struct {
		name       string
		source     string
		credential string
	}{
		{"unknown node", "sat-nonexistent", otherCredential},
		{"someone else's credential", nodeID, otherCredential},
		{"garbage credential", nodeID, "not-a-token"},
		{"empty credential", nodeID, ""},
	}
	for _, tc := range cases {
		status, _ := postJSON(t, e.base+"/v1/events", event.BatchRequest{
			SourceID:       tc.source,
			AuthCredential: tc.credential,
			Timestamp:      time.Now().UTC(),
			Events:         makeEvents(tc.source, 1),
		}, nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", tc.name, status)
		}
	}
	if e.store.Len() != 0 {
		t.Fatalf("store has %d events from unauthenticated batches, want 0", e.store.Len())
	}
	_ = otherID
}

func TestServer_HeartbeatRecordsLiveness(t *testing.T) {
	e := startEndpoint(t)
	nodeID, credential := e.registerSatellite(t, "lab-sat")

	status, body := postJSON(t, e.base+"/v1/heartbeat", event.Heartbeat{
		NodeID:         nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		BufferDepth:    42,
		BufferBytes:    1024,
	}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", status, body)
	}

	recs, err := e.reg.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rec := range recs {
		if rec.NodeID != nodeID {
			continue
		}
		if rec.Status != registry.StatusOnline {
			t.Fatalf("status = %s after heartbeat, want online", rec.Status)
		}
		if rec.LastBufferDepth != 42 {
			t.Fatalf("reported depth = %d, want 42", rec.LastBufferDepth)
		}
		return
	}
	t.Fatalf("node %s missing from listing", nodeID)
}

func TestServer_DrainingRejectsNewWork(t *testing.T) {
	e := startEndpoint(t)
	nodeID, credential := e.registerSatellite(t, "lab-sat")

	e.srv.BeginDrain()

	status, _ := postJSON(t, e.base+"/v1/events", event.BatchRequest{
		SourceID:       nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		Events:         makeEvents(nodeID, 1),
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("batch during drain: status = %d, want 503", status)
	}

	status, _ = postJSON(t, e.base+"/v1/heartbeat", event.Heartbeat{
		NodeID:         nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("heartbeat during drain: status = %d, want 503", status)
	}

	// Health stays reachable and reports the drain.
	resp, err := http.Get(e.base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var h struct {
		Draining bool `json:"draining"`
	}
	if err := event.Unmarshal(body, &h); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if !h.Draining {
		t.Fatal("healthz does not report draining")
	}
}

func TestServer_AdminProvisioningFlow(t *testing.T) {
	e := startEndpoint(t)
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	// Provisioning without the token fails.
	status, _ := postJSON(t, e.base+"/v1/nodes", event.RegisterRequest{Name: "sat-a", Role: "satellite"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated register: status = %d, want 401", status)
	}

	status, body := postJSON(t, e.base+"/v1/nodes", event.RegisterRequest{Name: "sat-a", Role: "satellite"}, admin)
	if status != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201: %s", status, body)
	}
	var reg event.RegisterResponse
	if err := event.Unmarshal(body, &reg); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if reg.NodeID == "" || reg.AuthCredential == "" {
		t.Fatalf("register response incomplete: %+v", reg)
	}

	// The minted credential works immediately.
	status, _ = postJSON(t, e.base+"/v1/events", event.BatchRequest{
		SourceID:       reg.NodeID,
		AuthCredential: reg.AuthCredential,
		Timestamp:      time.Now().UTC(),
		Events:         makeEvents(reg.NodeID, 1),
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("batch with minted credential: status = %d, want 200", status)
	}

	// Listing shows the node.
	req, _ := http.NewRequest(http.MethodGet, e.base+"/v1/nodes", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	listBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list nodes: status = %d, want 200", resp.StatusCode)
	}
	var recs []registry.NodeRecord
	if err := event.Unmarshal(listBody, &recs); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(recs) != 1 || recs[0].NodeID != reg.NodeID {
		t.Fatalf("listing = %+v, want the one provisioned node", recs)
	}

	// Archive revokes the credential.
	req, _ = http.NewRequest(http.MethodDelete, e.base+"/v1/nodes/"+reg.NodeID, nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("archive: status = %d, want 204", resp.StatusCode)
	}

	status, _ = postJSON(t, e.base+"/v1/events", event.BatchRequest{
		SourceID:       reg.NodeID,
		AuthCredential: reg.AuthCredential,
		Timestamp:      time.Now().UTC(),
		Events:         makeEvents(reg.NodeID, 1),
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("batch after archive: status = %d, want 401", status)
	}

	// Archiving an unknown node is a 404.
	req, _ = http.NewRequest(http.MethodDelete, e.base+"/v1/nodes/sat-missing", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("archive unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("archive unknown: status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_GzipBatchBody(t *testing.T) {
	e := startEndpoint(t)
	nodeID, credential := e.registerSatellite(t, "lab-sat")

	raw, err := event.Marshal(event.BatchRequest{
		SourceID:       nodeID,
		AuthCredential: credential,
		Timestamp:      time.Now().UTC(),
		Events:         makeEvents(nodeID, 3),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	zw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.base+"/v1/events", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	var br event.BatchResponse
	if err := event.Unmarshal(body, &br); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(br.AcceptedIDs) != 3 {
		t.Fatalf("accepted %d, want 3", len(br.AcceptedIDs))
	}
}
