// Package stream fans engine events out to live observers. An observer
// attaching mid-investigation receives a full state snapshot first and
// ordered deltas after it, so it never has to replay history.
package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"caseline/internal/domain"
)

// SnapshotFunc produces the current full state of one investigation.
// Supplied by the orchestration core.
type SnapshotFunc func(investigationID string) (domain.Snapshot, error)

// DefaultBuffer is the per-subscriber channel depth before the hub
// declares the subscriber lagged.
const DefaultBuffer = 64

// Hub routes events to per-investigation subscriber sets.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscriber]struct{}
	snapshot SnapshotFunc
	buffer   int
	log      *zap.Logger
	Now      func() time.Time
}

// Subscriber is one attached observer. Read from C until it closes.
type Subscriber struct {
	C chan domain.Event

	hub             *Hub
	investigationID string
	// holding queues deltas while a snapshot for this subscriber is in
	// flight, so the snapshot always lands before the deltas it predates
	holding bool
	held    []domain.Event
	lagged  bool
	closed  bool
}

func NewHub(snapshot SnapshotFunc, buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:     make(map[string]map[*Subscriber]struct{}),
		snapshot: snapshot,
		buffer:   buffer,
		log:      log,
		Now:      time.Now,
	}
}

// Subscribe attaches an observer to one investigation. The first event on
// the channel is a workflow_snapshot; every later event is a delta that
// postdates it.
func (h *Hub) Subscribe(investigationID string) (*Subscriber, error) {
	sub := &Subscriber{
		C:               make(chan domain.Event, h.buffer),
		hub:             h,
		investigationID: investigationID,
		holding:         true,
	}
	h.mu.Lock()
	set, ok := h.subs[investigationID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[investigationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	if err := h.seed(sub); err != nil {
		h.remove(sub)
		return nil, err
	}
	return sub, nil
}

// seed takes a fresh snapshot and releases it to the subscriber, then
// flushes any deltas that arrived while the snapshot was being taken.
// Deltas at or before the snapshot's sequence are dropped as stale.
func (h *Hub) seed(sub *Subscriber) error {
	snap, err := h.snapshot(sub.investigationID)
	if err != nil {
		return err
	}
	event := h.snapshotEvent(sub.investigationID, snap)
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return nil
	}
	sub.C <- event
	for _, held := range sub.held {
		if held.Seq <= snap.LastSeq {
			continue
		}
		select {
		case sub.C <- held:
		default:
			sub.lagged = true
		}
	}
	sub.held = nil
	sub.holding = false
	if sub.lagged {
		go h.resync(sub)
	}
	return nil
}

func (h *Hub) snapshotEvent(investigationID string, snap domain.Snapshot) domain.Event {
	return domain.Event{
		Seq:             snap.LastSeq,
		Type:            domain.EventSnapshot,
		InvestigationID: investigationID,
		Timestamp:       h.Now().UTC().Format(time.RFC3339),
		Payload:         map[string]any{"snapshot": snap},
	}
}

// Publish delivers one event to every subscriber of its investigation.
// Delivery never blocks the publisher: a subscriber whose buffer is full
// is marked lagged and resynced with a fresh snapshot instead.
func (h *Hub) Publish(event domain.Event) {
	h.mu.Lock()
	var resync []*Subscriber
	for sub := range h.subs[event.InvestigationID] {
		if sub.holding {
			sub.held = append(sub.held, event)
			continue
		}
		if sub.lagged {
			continue
		}
		select {
		case sub.C <- event:
		default:
			sub.lagged = true
			resync = append(resync, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range resync {
		h.log.Warn("subscriber lagged, resyncing with snapshot",
			zap.String("investigation_id", event.InvestigationID))
		go h.resync(sub)
	}
}

// resync drains the slow subscriber's backlog and starts it over from a
// fresh snapshot.
func (h *Hub) resync(sub *Subscriber) {
	h.mu.Lock()
	if sub.closed {
		h.mu.Unlock()
		return
	}
	sub.holding = true
	sub.held = nil
	for {
		select {
		case <-sub.C:
		default:
		}
		if len(sub.C) == 0 {
			break
		}
	}
	sub.lagged = false
	h.mu.Unlock()
	if err := h.seed(sub); err != nil {
		h.log.Error("resync failed, dropping subscriber",
			zap.String("investigation_id", sub.investigationID), zap.Error(err))
		h.remove(sub)
	}
}

// StateRequest answers an explicit state query with a fresh snapshot
// event, independent of any subscription.
func (h *Hub) StateRequest(investigationID string) (domain.Event, error) {
	snap, err := h.snapshot(investigationID)
	if err != nil {
		return domain.Event{}, err
	}
	return h.snapshotEvent(investigationID, snap), nil
}

// Unsubscribe detaches the observer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.remove(sub)
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	set := h.subs[sub.investigationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.investigationID)
	}
	close(sub.C)
}

// Subscribers reports the live observer count for one investigation.
func (h *Hub) Subscribers(investigationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[investigationID])
}
