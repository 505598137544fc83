package event

import (
	"sort"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		ID:           NewID(),
		SourceNodeID: "sat-1",
		Sequence:     1,
		CollectedAt:  time.Now().UTC(),
		Kind:         KindFileCreated,
		Payload:      []byte(`{"path":"/etc/hosts"}`),
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(validEvent()); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = "" }},
		{"non-uuid id", func(e *Event) { e.ID = "not-a-uuid" }},
		{"missing source", func(e *Event) { e.SourceNodeID = "" }},
		{"zero sequence", func(e *Event) { e.Sequence = 0 }},
		{"missing kind", func(e *Event) { e.Kind = "" }},
		{"zero collected_at", func(e *Event) { e.CollectedAt = time.Time{} }},
		{"oversized payload", func(e *Event) { e.Payload = make([]byte, MaxPayloadBytes+1) }},
	}
	for _, tc := range cases {
		ev := validEvent()
		tc.mutate(&ev)
		if err := Validate(ev); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestNewIDIsTimeSortable(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = NewID()
		time.Sleep(2 * time.Millisecond) // UUIDv7 has millisecond resolution
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("sequentially generated ids are not lexicographically ordered")
	}
}

func TestWireRoundTripPreservesPayload(t *testing.T) {
	ev := validEvent()
	req := BatchRequest{
		SourceID:       "sat-1",
		AuthCredential: "tok",
		Timestamp:      time.Now().UTC(),
		Events:         []Event{ev},
	}
	data, err := Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got BatchRequest
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].ID != ev.ID {
		t.Fatalf("events lost in transit: %+v", got.Events)
	}
	if string(got.Events[0].Payload) != string(ev.Payload) {
		t.Fatalf("payload mangled: %q", got.Events[0].Payload)
	}
	if got.BufferDepth != nil {
		t.Fatal("absent optional depth decoded as non-nil")
	}
}
