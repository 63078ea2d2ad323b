package collab

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"collab-service/domain"
)

// fakeStore is an in-memory EventStore + SnapshotStore. Append mimics the
// storage layer's conditional insert: versions are assigned under a lock and
// are always unique per entity.
type fakeStore struct {
	mu        sync.Mutex
	events       map[string][]domain.Event
	snapshots    map[string]domain.Snapshot
	trims        []domain.EntityRef
	snapshotGets int

	appendErr   error
	snapshotErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:    map[string][]domain.Event{},
		snapshots: map[string]domain.Snapshot{},
	}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (f *fakeStore) Append(ctx context.Context, entityType, entityID, eventType string, data map[string]any, userID string) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return domain.Event{}, f.appendErr
	}
	key := entityKey(entityType, entityID)
	var head int64
	for _, ev := range f.events[key] {
		if ev.Version > head {
			head = ev.Version
		}
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Type:       eventType,
		Data:       data,
		UserID:     userID,
		Timestamp:  time.Now().UnixMilli(),
		Version:    head + 1,
	}
	f.events[key] = append(f.events[key], ev)
	return ev, nil
}

func (f *fakeStore) Events(ctx context.Context, entityType, entityID string, limit int) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityKey(entityType, entityID)
	out := append([]domain.Event{}, f.events[key]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) EnqueueTrim(ctx context.Context, entityType, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trims = append(f.trims, domain.EntityRef{EntityType: entityType, EntityID: entityID})
	return nil
}

func (f *fakeStore) GetSnapshot(ctx context.Context, entityType, entityID string) (*domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotGets++
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	snap, ok := f.snapshots[entityKey(entityType, entityID)]
	if !ok {
		return nil, nil
	}
	cpy := snap
	return &cpy, nil
}

func (f *fakeStore) UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[entityKey(snap.EntityType, snap.EntityID)] = snap
	return nil
}

func (f *fakeStore) snapshotGetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotGets
}

func (f *fakeStore) versions(entityType, entityID string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []int64{}
	for _, ev := range f.events[entityKey(entityType, entityID)] {
		out = append(out, ev.Version)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakeSender records delivered payloads per connection and can simulate gone
// connections.
type fakeSender struct {
	mu       sync.Mutex
	payloads map[string][][]byte
	gone     map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{payloads: map[string][][]byte{}, gone: map[string]bool{}}
}

func (f *fakeSender) Send(ctx context.Context, connectionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connectionID] {
		return ErrConnectionGone
	}
	f.payloads[connectionID] = append(f.payloads[connectionID], payload)
	return nil
}

func (f *fakeSender) markGone(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[connectionID] = true
}

func (f *fakeSender) messages(t *testing.T, connectionID string) []domain.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, 0, len(f.payloads[connectionID]))
	for _, raw := range f.payloads[connectionID] {
		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal delivered message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// stallSender delays the delivery of one entity_updated version and records
// the order in which entity_updated deliveries complete.
type stallSender struct {
	mu           sync.Mutex
	stallVersion int64
	stall        time.Duration
	completed    []int64
}

func (s *stallSender) Send(ctx context.Context, connectionID string, payload []byte) error {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if msg.Type != domain.MsgEntityUpdated || msg.Event == nil {
		return nil
	}
	if msg.Event.Version == s.stallVersion {
		time.Sleep(s.stall)
	}
	s.mu.Lock()
	s.completed = append(s.completed, msg.Event.Version)
	s.mu.Unlock()
	return nil
}

func (s *stallSender) completedVersions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64{}, s.completed...)
}

func (f *fakeSender) messagesOfType(t *testing.T, connectionID, msgType string) []domain.Message {
	t.Helper()
	out := []domain.Message{}
	for _, msg := range f.messages(t, connectionID) {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}
