package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// routerRegistry is the slice of the registry the router needs.
type routerRegistry interface {
	SubscribersOf(ctx context.Context, ref domain.EntityRef) ([]string, error)
	Unregister(ctx context.Context, connectionID string) (string, []domain.EntityRef, error)
}

// Router fans messages out to the connections subscribed to an entity.
// Fan-out across subscribers is unordered and best-effort; there is no
// atomicity guarantee across subscribers.
type Router struct {
	registry routerRegistry
	sender   Sender
	logger   *log.Logger
}

// NewRouter creates a Router over the given registry and transport sender.
func NewRouter(registry routerRegistry, sender Sender, logger *log.Logger) *Router {
	return &Router{registry: registry, sender: sender, logger: logger}
}

// Broadcast sends msg to every connection subscribed to the entity and
// returns the delivery count. A gone connection is deregistered and its
// user_left notifications are emitted; transient send failures are logged
// and the fan-out continues.
func (r *Router) Broadcast(ctx context.Context, ref domain.EntityRef, msg domain.Message) int {
	subs, err := r.registry.SubscribersOf(ctx, ref)
	if err != nil {
		r.logger.WithError(err).WithField("entity", ref.Key()).Error("failed to resolve subscribers")
		return 0
	}
	return r.deliver(ctx, subs, msg)
}

// SendTo sends msg directly to the given connections, bypassing subscription
// resolution. Used for notifications addressed to a specific user.
func (r *Router) SendTo(ctx context.Context, connectionIDs []string, msg domain.Message) int {
	return r.deliver(ctx, connectionIDs, msg)
}

func (r *Router) deliver(ctx context.Context, connectionIDs []string, msg domain.Message) int {
	if len(connectionIDs) == 0 {
		return 0
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.WithError(err).Error("failed to marshal broadcast message")
		return 0
	}

	delivered := 0
	for _, connectionID := range connectionIDs {
		err := r.sender.Send(ctx, connectionID, payload)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, ErrConnectionGone) {
			r.logger.WithField("connection", connectionID).Debug("dropping stale connection")
			r.Drop(ctx, connectionID)
			continue
		}
		r.logger.WithError(err).WithField("connection", connectionID).Warn("send failed, continuing fan-out")
	}
	return delivered
}

// Drop removes a connection from the registry and notifies the remaining
// subscribers of every entity it was subscribed to.
func (r *Router) Drop(ctx context.Context, connectionID string) {
	userID, refs, err := r.registry.Unregister(ctx, connectionID)
	if err != nil {
		r.logger.WithError(err).WithField("connection", connectionID).Error("failed to unregister connection")
		return
	}
	for _, ref := range refs {
		r.Broadcast(ctx, ref, domain.Message{
			Type:       domain.MsgUserLeft,
			EntityType: ref.EntityType,
			EntityID:   ref.EntityID,
			UserID:     userID,
			Timestamp:  time.Now().UnixMilli(),
		})
	}
}
