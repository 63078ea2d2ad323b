// Package registry tracks live realtime connections and their entity
// subscriptions in Redis, so any service instance can resolve the
// subscribers of an entity and fan a broadcast out to them.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"collab-service/domain"
)

// Registry stores connection and subscription state in shared Redis sets.
// Set membership updates are atomic per key, so concurrent subscribe,
// unsubscribe and broadcast calls cannot corrupt the subscription sets.
type Registry struct {
	client *redis.Client
	now    func() time.Time
}

// New creates a Registry backed by the given Redis client.
func New(client *redis.Client) *Registry {
	return &Registry{client: client, now: time.Now}
}

func connKey(connectionID string) string      { return "conn:" + connectionID }
func connSubsKey(connectionID string) string  { return "conn:" + connectionID + ":subs" }
func entitySubsKey(ref domain.EntityRef) string { return "subs:" + ref.Key() }
func userConnsKey(userID string) string       { return "user:" + userID + ":conns" }

// Register records a new connection with an empty subscription set.
func (r *Registry) Register(ctx context.Context, connectionID, userID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, connKey(connectionID), "user", userID, "connectedAt", r.now().UnixMilli())
		pipe.SAdd(ctx, userConnsKey(userID), connectionID)
		return nil
	})
	return err
}

// Subscribe adds the entity to the connection's subscription set. Idempotent.
func (r *Registry) Subscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, connSubsKey(connectionID), ref.Key())
		pipe.SAdd(ctx, entitySubsKey(ref), connectionID)
		return nil
	})
	return err
}

// Unsubscribe removes the entity from the connection's subscription set.
// Idempotent; removing an absent subscription is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, connSubsKey(connectionID), ref.Key())
		pipe.SRem(ctx, entitySubsKey(ref), connectionID)
		return nil
	})
	return err
}

// Unregister removes the connection and all of its subscriptions. It returns
// the owning user and the entities the connection was subscribed to so the
// caller can notify each entity's remaining subscribers.
func (r *Registry) Unregister(ctx context.Context, connectionID string) (string, []domain.EntityRef, error) {
	userID, err := r.UserOf(ctx, connectionID)
	if err != nil {
		return "", nil, err
	}
	keys, err := r.client.SMembers(ctx, connSubsKey(connectionID)).Result()
	if err != nil {
		return "", nil, err
	}

	refs := make([]domain.EntityRef, 0, len(keys))
	for _, key := range keys {
		if ref, ok := parseEntityKey(key); ok {
			refs = append(refs, ref)
		}
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ref := range refs {
			pipe.SRem(ctx, entitySubsKey(ref), connectionID)
		}
		if userID != "" {
			pipe.SRem(ctx, userConnsKey(userID), connectionID)
		}
		pipe.Del(ctx, connSubsKey(connectionID), connKey(connectionID))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return userID, refs, nil
}

// SubscribersOf returns the ids of every connection subscribed to the entity.
func (r *Registry) SubscribersOf(ctx context.Context, ref domain.EntityRef) ([]string, error) {
	return r.client.SMembers(ctx, entitySubsKey(ref)).Result()
}

// UserOf resolves the owning user of a connection, or "" when unknown.
func (r *Registry) UserOf(ctx context.Context, connectionID string) (string, error) {
	userID, err := r.client.HGet(ctx, connKey(connectionID), "user").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// ConnectionsOf returns the ids of every live connection owned by the user.
func (r *Registry) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, userConnsKey(userID)).Result()
}

func parseEntityKey(key string) (domain.EntityRef, bool) {
	entityType, entityID, ok := strings.Cut(key, "/")
	if !ok || entityType == "" || entityID == "" {
		return domain.EntityRef{}, false
	}
	return domain.EntityRef{EntityType: entityType, EntityID: entityID}, true
}
