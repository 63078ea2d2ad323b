package api

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-service/collab"
)

const deliveryChannelPrefix = "deliver:"

func deliveryChannel(connectionID string) string {
	return deliveryChannelPrefix + connectionID
}

// Relay carries payloads between service instances over Redis pub/sub. Every
// delivery is published to a per-connection channel; the instance holding the
// socket is subscribed to that channel and forwards the payload to its Hub.
// A publish that reaches no subscriber means the connection is gone.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger *log.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRelay creates a Relay forwarding to the given hub.
func NewRelay(client *redis.Client, hub *Hub, logger *log.Logger) *Relay {
	return &Relay{client: client, hub: hub, logger: logger}
}

// Start opens the pub/sub subscription and begins forwarding payloads to the
// hub. It must be called before any connection is tracked.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return
	}
	r.pubsub = r.client.Subscribe(ctx)
	r.done = make(chan struct{})
	go r.forward()
}

func (r *Relay) forward() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		connectionID, ok := strings.CutPrefix(msg.Channel, deliveryChannelPrefix)
		if !ok {
			continue
		}
		if err := r.hub.Deliver(connectionID, []byte(msg.Payload)); err != nil {
			r.logger.WithField("connection_id", connectionID).Debug("dropping payload for detached connection")
		}
	}
}

// Close tears down the subscription and waits for the forwarder to stop.
func (r *Relay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// Track registers interest in deliveries for a connection attached to this
// instance.
func (r *Relay) Track(ctx context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return redis.ErrClosed
	}
	return r.pubsub.Subscribe(ctx, deliveryChannel(connectionID))
}

// Untrack removes the delivery subscription for a connection.
func (r *Relay) Untrack(ctx context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	return r.pubsub.Unsubscribe(ctx, deliveryChannel(connectionID))
}

// Send publishes a payload for the given connection. It reports
// collab.ErrConnectionGone when no instance is subscribed for the connection.
func (r *Relay) Send(ctx context.Context, connectionID string, payload []byte) error {
	n, err := r.client.Publish(ctx, deliveryChannel(connectionID), payload).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return collab.ErrConnectionGone
	}
	return nil
}
