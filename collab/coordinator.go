package collab

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

const verifyTimeout = 10 * time.Second

// OptimisticUpdate applies a speculative client change immediately and
// schedules a verification check after the configured delay window. The
// contract is "apply now, verify shortly": callers observe the change right
// away and are notified later only if it conflicted.
func (s *Service) OptimisticUpdate(ctx context.Context, entityType, entityID string, changes map[string]any, userID string) (domain.Event, error) {
	unlock := s.locks.lock(entityType + "/" + entityID)
	snap, err := s.loadSnapshot(ctx, entityType, entityID)
	if err != nil {
		unlock()
		return domain.Event{}, err
	}
	expected := snap.Version

	data := map[string]any{"changes": changes, "expectedVersion": expected}
	ev, err := s.events.Append(ctx, entityType, entityID, domain.OptimisticUpdate, data, userID)
	if err != nil {
		unlock()
		return domain.Event{}, err
	}
	next := domain.Project(snap, ev)
	if err := s.snapshots.UpsertSnapshot(ctx, next); err != nil {
		unlock()
		return domain.Event{}, err
	}

	// Broadcast before releasing the lock so subscribers see this update in
	// append order relative to other writers.
	s.router.Broadcast(ctx, domain.EntityRef{EntityType: entityType, EntityID: entityID}, domain.Message{
		Type:       domain.MsgEntityUpdated,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Event:      &ev,
		Version:    next.Version,
		Timestamp:  ev.Timestamp,
	})
	unlock()

	s.maybeScheduleTrim(ctx, ev)
	s.scheduleVerification(ev, changes)

	return ev, nil
}

// scheduleVerification arms the delayed conflict check. The timer is
// monotonic and fire-and-forget: once armed it either fires or is dropped at
// shutdown, in which case the change counts as implicitly confirmed.
func (s *Service) scheduleVerification(ev domain.Event, changes map[string]any) {
	s.verifyWG.Add(1)
	timer := time.NewTimer(s.cfg.VerifyDelay)
	go func() {
		defer s.verifyWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			s.verify(ev, changes)
		case <-s.stopCh:
		}
	}()
}

// verify re-reads the entity's version after the delay window. Advancement
// beyond the one expected increment means another writer landed inside the
// window: the change is treated as conflicted and the proposer is told to
// roll it back. No extra advancement means implicit confirmation.
func (s *Service) verify(ev domain.Event, changes map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	snap, err := s.snapshots.GetSnapshot(ctx, ev.EntityType, ev.EntityID)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"entityType": ev.EntityType,
			"entityId":   ev.EntityID,
		}).Error("optimistic verification read failed")
		return
	}
	if snap == nil || snap.Version <= ev.Version {
		s.logger.WithFields(log.Fields{
			"entityType": ev.EntityType,
			"entityId":   ev.EntityID,
			"version":    ev.Version,
		}).Debug("optimistic update confirmed")
		return
	}

	s.logger.WithFields(log.Fields{
		"entityType":      ev.EntityType,
		"entityId":        ev.EntityID,
		"proposedVersion": ev.Version,
		"currentVersion":  snap.Version,
		"user":            ev.UserID,
	}).Info("optimistic update conflicted, rolling back")

	ref := domain.EntityRef{EntityType: ev.EntityType, EntityID: ev.EntityID}
	now := time.Now().UnixMilli()

	s.router.Broadcast(ctx, ref, domain.Message{
		Type:       domain.MsgConflictDetected,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		UserID:     ev.UserID,
		Changes:    changes,
		Version:    snap.Version,
		Timestamp:  now,
	})

	conns, err := s.registry.ConnectionsOf(ctx, ev.UserID)
	if err != nil {
		s.logger.WithError(err).WithField("user", ev.UserID).Error("failed to resolve proposer connections for rollback")
		return
	}
	// If the proposer has since disconnected the rollback is undeliverable
	// and simply dropped.
	s.router.SendTo(ctx, conns, domain.Message{
		Type:       domain.MsgRollback,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		UserID:     ev.UserID,
		Event:      &ev,
		Changes:    changes,
		State:      snap.State,
		Version:    snap.Version,
		Timestamp:  now,
	})
}
