package stream_test

import (
	"fmt"
	"testing"
	"time"

	"caseline/internal/domain"
	"caseline/internal/stream"
)

type fakeState struct {
	lastSeq int64
	phase   string
}

func (f *fakeState) snapshot(investigationID string) (domain.Snapshot, error) {
	if investigationID == "missing" {
		return domain.Snapshot{}, fmt.Errorf("unknown investigation %s", investigationID)
	}
	return domain.Snapshot{
		Investigation: domain.Investigation{ID: investigationID, Phase: f.phase},
		LastSeq:       f.lastSeq,
	}, nil
}

func recv(t *testing.T, sub *stream.Subscriber) domain.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return domain.Event{}
	}
}

func TestSnapshotFirst(t *testing.T) {
	state := &fakeState{lastSeq: 7, phase: "analysis"}
	hub := stream.NewHub(state.snapshot, 8, nil)
	sub, err := hub.Subscribe("inv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer hub.Unsubscribe(sub)
	first := recv(t, sub)
	if first.Type != domain.EventSnapshot || first.Seq != 7 {
		t.Fatalf("first event must be the snapshot at seq 7, got %+v", first)
	}
	hub.Publish(domain.Event{Seq: 8, Type: domain.EventPhaseChanged, InvestigationID: "inv-1"})
	if next := recv(t, sub); next.Seq != 8 {
		t.Fatalf("delta after snapshot = %+v", next)
	}
}

func TestDeltasStayOrdered(t *testing.T) {
	state := &fakeState{lastSeq: 0}
	hub := stream.NewHub(state.snapshot, 16, nil)
	sub, err := hub.Subscribe("inv-1")
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Unsubscribe(sub)
	recv(t, sub) // snapshot
	for seq := int64(1); seq <= 5; seq++ {
		hub.Publish(domain.Event{Seq: seq, Type: domain.EventTaskProgress, InvestigationID: "inv-1"})
	}
	for seq := int64(1); seq <= 5; seq++ {
		if got := recv(t, sub); got.Seq != seq {
			t.Fatalf("out of order: got seq %d, want %d", got.Seq, seq)
		}
	}
}

func TestPublishRoutesByInvestigation(t *testing.T) {
	state := &fakeState{}
	hub := stream.NewHub(state.snapshot, 8, nil)
	a, _ := hub.Subscribe("inv-a")
	b, _ := hub.Subscribe("inv-b")
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)
	recv(t, a)
	recv(t, b)
	hub.Publish(domain.Event{Seq: 1, Type: domain.EventTaskAssigned, InvestigationID: "inv-a"})
	if got := recv(t, a); got.InvestigationID != "inv-a" {
		t.Fatalf("wrong routing: %+v", got)
	}
	select {
	case e := <-b.C:
		t.Fatalf("inv-b observer received foreign event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLaggedSubscriberResyncsWithSnapshot(t *testing.T) {
	state := &fakeState{lastSeq: 0}
	hub := stream.NewHub(state.snapshot, 2, nil)
	sub, err := hub.Subscribe("inv-1")
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Unsubscribe(sub)
	recv(t, sub) // snapshot
	// overflow the 2-slot buffer without reading
	for seq := int64(1); seq <= 10; seq++ {
		state.lastSeq = seq
		hub.Publish(domain.Event{Seq: seq, Type: domain.EventTaskProgress, InvestigationID: "inv-1"})
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type == domain.EventSnapshot && e.Seq >= 3 {
				return // resynced past the dropped range
			}
		case <-deadline:
			t.Fatal("lagged subscriber never received a resync snapshot")
		}
	}
}

func TestStateRequest(t *testing.T) {
	state := &fakeState{lastSeq: 42, phase: "synthesis"}
	hub := stream.NewHub(state.snapshot, 8, nil)
	event, err := hub.StateRequest("inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != domain.EventSnapshot || event.Seq != 42 {
		t.Fatalf("state request should answer with a fresh snapshot, got %+v", event)
	}
	if _, err := hub.StateRequest("missing"); err == nil {
		t.Fatal("unknown investigation should error")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	state := &fakeState{}
	hub := stream.NewHub(state.snapshot, 8, nil)
	sub, _ := hub.Subscribe("inv-1")
	recv(t, sub)
	hub.Unsubscribe(sub)
	if _, open := <-sub.C; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := hub.Subscribers("inv-1"); n != 0 {
		t.Fatalf("subscriber count = %d after unsubscribe", n)
	}
}
