package api

import (
	"context"

	"collab-service/domain"
)

// Collab abstracts the collaboration core for the REST handlers.
type Collab interface {
	CreateEvent(ctx context.Context, eventType, entityType, entityID string, data map[string]any, userID string) (domain.Event, error)
	OptimisticUpdate(ctx context.Context, entityType, entityID string, changes map[string]any, userID string) (domain.Event, error)
	ResolveConflict(ctx context.Context, entityType, entityID string, local, remote map[string]any, userID string) (map[string]any, error)
	Status(ctx context.Context, entityType, entityID string) (domain.CollaborationStatus, error)
}

// Gateway is the slice of the core the websocket transport drives.
type Gateway interface {
	Connect(ctx context.Context, connectionID, userID string) error
	Disconnect(ctx context.Context, connectionID string)
	Subscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error
	Unsubscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate event submissions.
type Deduper interface {
	// Add records the idempotency key, returning true when it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key so a failed submission can be retried.
	Remove(ctx context.Context, userID, key string) error
}
