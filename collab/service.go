// Package collab implements the realtime collaboration core: an event-sourced
// write path with synchronous read-model projection, subscriber fan-out,
// optimistic updates with delayed conflict verification, and deterministic
// merge of divergent change sets.
package collab

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// Config carries the tunables of the collaboration core.
type Config struct {
	// VerifyDelay is the optimistic-update verification window.
	VerifyDelay time.Duration
	// RetentionKeep is how many events a trim pass keeps per entity.
	RetentionKeep int
	// TrimCheckEvery schedules a trim pass whenever an entity's version
	// crosses a multiple of this value. <=0 disables scheduling.
	TrimCheckEvery int64
}

func (c *Config) norm() {
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = time.Second
	}
	if c.RetentionKeep <= 0 {
		c.RetentionKeep = 100
	}
}

// Service coordinates the event store, projector, registry and router.
type Service struct {
	events    EventStore
	snapshots SnapshotStore
	registry  ConnectionRegistry
	router    *Router
	logger    *log.Logger
	cfg       Config

	locks entityLocks

	verifyWG sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService wires the collaboration core together.
func NewService(events EventStore, snapshots SnapshotStore, registry ConnectionRegistry, router *Router, logger *log.Logger, cfg Config) *Service {
	cfg.norm()
	return &Service{
		events:    events,
		snapshots: snapshots,
		registry:  registry,
		router:    router,
		logger:    logger,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Close stops pending verification timers and waits for them to finish.
// Verifications lost this way are implicitly confirmed.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.verifyWG.Wait()
}

// CreateEvent is the entry point for any confirmed mutation: it appends the
// event, folds it into the entity's snapshot and notifies subscribers.
func (s *Service) CreateEvent(ctx context.Context, eventType, entityType, entityID string, data map[string]any, userID string) (domain.Event, error) {
	unlock := s.locks.lock(entityType + "/" + entityID)
	ev, err := s.createEventLocked(ctx, eventType, entityType, entityID, data, userID)
	unlock()
	if err != nil {
		return domain.Event{}, err
	}
	s.maybeScheduleTrim(ctx, ev)
	return ev, nil
}

// createEventLocked runs the read-version, append, project, broadcast
// sequence. The caller must hold the entity's lock: the lock serializes
// writers in this process (the store's conditional insert rejects racing
// writers elsewhere), and handing the broadcast to the sender before
// releasing it keeps delivery order per subscriber equal to append order.
func (s *Service) createEventLocked(ctx context.Context, eventType, entityType, entityID string, data map[string]any, userID string) (domain.Event, error) {
	ev, err := s.events.Append(ctx, entityType, entityID, eventType, data, userID)
	if err != nil {
		return domain.Event{}, err
	}
	snap, err := s.loadSnapshot(ctx, entityType, entityID)
	if err != nil {
		return domain.Event{}, err
	}
	next := domain.Project(snap, ev)
	if err := s.snapshots.UpsertSnapshot(ctx, next); err != nil {
		return domain.Event{}, err
	}

	s.router.Broadcast(ctx, domain.EntityRef{EntityType: entityType, EntityID: entityID}, domain.Message{
		Type:       domain.MsgEntityUpdated,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Event:      &ev,
		Version:    next.Version,
		Timestamp:  ev.Timestamp,
	})
	return ev, nil
}

func (s *Service) loadSnapshot(ctx context.Context, entityType, entityID string) (domain.Snapshot, error) {
	snap, err := s.snapshots.GetSnapshot(ctx, entityType, entityID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if snap == nil {
		return domain.NewSnapshot(entityType, entityID), nil
	}
	return *snap, nil
}

func (s *Service) maybeScheduleTrim(ctx context.Context, ev domain.Event) {
	if s.cfg.TrimCheckEvery <= 0 || ev.Version%s.cfg.TrimCheckEvery != 0 {
		return
	}
	if err := s.events.EnqueueTrim(ctx, ev.EntityType, ev.EntityID); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"entityType": ev.EntityType,
			"entityId":   ev.EntityID,
		}).Error("failed to schedule retention trim")
	}
}

// ResolveConflict deterministically merges two divergent change sets over the
// entity's current state. The merge is recorded as an entity-merged event so
// it is auditable and replayable; broadcasting rides the normal append path.
// The read-merge-append sequence holds the entity's lock throughout, so the
// merge base is exactly the state the entity-merged event lands on.
func (s *Service) ResolveConflict(ctx context.Context, entityType, entityID string, local, remote map[string]any, userID string) (map[string]any, error) {
	unlock := s.locks.lock(entityType + "/" + entityID)
	snap, err := s.loadSnapshot(ctx, entityType, entityID)
	if err != nil {
		unlock()
		return nil, err
	}
	merged := domain.Merge(snap.State, local, remote)
	data := map[string]any{"state": merged, "mergedBy": userID}
	ev, err := s.createEventLocked(ctx, domain.EntityMerged, entityType, entityID, data, userID)
	unlock()
	if err != nil {
		return nil, err
	}
	s.maybeScheduleTrim(ctx, ev)
	return merged, nil
}

// Status answers the read-only collaboration status query for UI display.
func (s *Service) Status(ctx context.Context, entityType, entityID string) (domain.CollaborationStatus, error) {
	ref := domain.EntityRef{EntityType: entityType, EntityID: entityID}

	events, err := s.events.Events(ctx, entityType, entityID, 10)
	if err != nil {
		return domain.CollaborationStatus{}, err
	}
	conns, err := s.registry.SubscribersOf(ctx, ref)
	if err != nil {
		return domain.CollaborationStatus{}, err
	}

	seen := map[string]struct{}{}
	users := []string{}
	for _, connectionID := range conns {
		userID, err := s.registry.UserOf(ctx, connectionID)
		if err != nil {
			return domain.CollaborationStatus{}, err
		}
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}

	status := domain.CollaborationStatus{
		RecentEvents:      events,
		ActiveSubscribers: users,
	}
	if len(events) > 0 {
		status.LastActivity = events[0].Timestamp
	}
	return status, nil
}

// Connect registers a new realtime connection for the user.
func (s *Service) Connect(ctx context.Context, connectionID, userID string) error {
	return s.registry.Register(ctx, connectionID, userID)
}

// Disconnect removes the connection and notifies each entity it was
// subscribed to.
func (s *Service) Disconnect(ctx context.Context, connectionID string) {
	s.router.Drop(ctx, connectionID)
}

// Subscribe adds the connection to the entity's subscriber set and announces
// the user to the entity's subscribers.
func (s *Service) Subscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	userID, err := s.registry.UserOf(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := s.registry.Subscribe(ctx, connectionID, ref); err != nil {
		return err
	}
	s.router.Broadcast(ctx, ref, domain.Message{
		Type:       domain.MsgUserJoined,
		EntityType: ref.EntityType,
		EntityID:   ref.EntityID,
		UserID:     userID,
		Timestamp:  time.Now().UnixMilli(),
	})
	return nil
}

// Unsubscribe removes the connection from the entity's subscriber set and
// notifies the remaining subscribers. Idempotent.
func (s *Service) Unsubscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	userID, err := s.registry.UserOf(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := s.registry.Unsubscribe(ctx, connectionID, ref); err != nil {
		return err
	}
	s.router.Broadcast(ctx, ref, domain.Message{
		Type:       domain.MsgUserLeft,
		EntityType: ref.EntityType,
		EntityID:   ref.EntityID,
		UserID:     userID,
		Timestamp:  time.Now().UnixMilli(),
	})
	return nil
}

// entityLocks hands out one mutex per entity key.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *entityLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
