package collab

import (
	"context"
	"errors"

	"collab-service/domain"
)

// ErrConnectionGone is returned by a Sender when the remote end of a
// connection is permanently gone. The router treats it as steady-state
// cleanup, not a broadcast failure.
var ErrConnectionGone = errors.New("connection gone")

// EventStore appends to and reads the per-entity event log.
type EventStore interface {
	Append(ctx context.Context, entityType, entityID, eventType string, data map[string]any, userID string) (domain.Event, error)
	Events(ctx context.Context, entityType, entityID string, limit int) ([]domain.Event, error)
	EnqueueTrim(ctx context.Context, entityType, entityID string) error
}

// SnapshotStore persists the materialized read model per entity.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, entityType, entityID string) (*domain.Snapshot, error)
	UpsertSnapshot(ctx context.Context, snap domain.Snapshot) error
}

// ConnectionRegistry tracks live connections and their subscriptions across
// all service instances.
type ConnectionRegistry interface {
	Register(ctx context.Context, connectionID, userID string) error
	Subscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error
	Unsubscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error
	Unregister(ctx context.Context, connectionID string) (string, []domain.EntityRef, error)
	SubscribersOf(ctx context.Context, ref domain.EntityRef) ([]string, error)
	UserOf(ctx context.Context, connectionID string) (string, error)
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
}

// Sender delivers a payload to a single connection over the realtime
// transport.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}
