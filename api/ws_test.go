package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-service/collab"
	"collab-service/domain"
)

type fakeGateway struct {
	mu           sync.Mutex
	connectionID string
	userID       string
	subs         []domain.EntityRef
	unsubs       []domain.EntityRef
	disconnected bool
}

func (g *fakeGateway) Connect(ctx context.Context, connectionID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectionID = connectionID
	g.userID = userID
	return nil
}

func (g *fakeGateway) Disconnect(ctx context.Context, connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected = true
}

func (g *fakeGateway) Subscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, ref)
	return nil
}

func (g *fakeGateway) Unsubscribe(ctx context.Context, connectionID string, ref domain.EntityRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubs = append(g.unsubs, ref)
	return nil
}

func (g *fakeGateway) snapshot() fakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fakeGateway{
		connectionID: g.connectionID,
		userID:       g.userID,
		subs:         append([]domain.EntityRef(nil), g.subs...),
		unsubs:       append([]domain.EntityRef(nil), g.unsubs...),
		disconnected: g.disconnected,
	}
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newGatewayFixture(t *testing.T) (*fakeGateway, *Relay, string) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := log.New()
	hub := NewHub(logger)
	relay := NewRelay(client, hub, logger)
	relay.Start(context.Background())
	t.Cleanup(func() { _ = relay.Close() })

	gw := &fakeGateway{}
	e := echo.New()
	RegisterGateway(e, hub, relay, gw, mockAuth{}, logger)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=a.b.c"
	return gw, relay, wsURL
}

func readAck(t *testing.T, conn *websocket.Conn) serverAck {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack serverAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func TestGatewayDeliversRelayedPayloads(t *testing.T) {
	gw, relay, wsURL := newGatewayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	connected := readAck(t, conn)
	if connected.Type != ackConnected || connected.ConnectionID == "" {
		t.Fatalf("unexpected connect ack: %+v", connected)
	}
	connectionID := connected.ConnectionID
	if got := gw.snapshot().connectionID; got != connectionID {
		t.Fatalf("ack connection id %q does not match gateway %q", connectionID, got)
	}

	if err := conn.WriteJSON(clientMessage{Action: actionSubscribe, EntityType: "project", EntityID: "p1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	subscribed := readAck(t, conn)
	if subscribed.Type != ackSubscribed || subscribed.EntityType != "project" || subscribed.EntityID != "p1" {
		t.Fatalf("unexpected subscribe ack: %+v", subscribed)
	}
	if got := gw.snapshot().subs; len(got) != 1 {
		t.Fatalf("expected one subscription, got %v", got)
	}

	ctx := context.Background()
	payload := []byte(`{"type":"entity_updated","entityType":"project","entityId":"p1"}`)
	waitForCond(t, "relay send", func() bool { return relay.Send(ctx, connectionID, payload) == nil })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestGatewayAcksUnsubscribeAndRejectsBadRef(t *testing.T) {
	_, _, wsURL := newGatewayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if ack := readAck(t, conn); ack.Type != ackConnected {
		t.Fatalf("unexpected connect ack: %+v", ack)
	}

	if err := conn.WriteJSON(clientMessage{Action: actionSubscribe, EntityType: "project", EntityID: "p1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readAck(t, conn); ack.Type != ackSubscribed {
		t.Fatalf("unexpected subscribe ack: %+v", ack)
	}

	if err := conn.WriteJSON(clientMessage{Action: actionUnsubscribe, EntityType: "project", EntityID: "p1"}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	ack := readAck(t, conn)
	if ack.Type != ackUnsubscribed || ack.EntityType != "project" || ack.EntityID != "p1" {
		t.Fatalf("unexpected unsubscribe ack: %+v", ack)
	}

	if err := conn.WriteJSON(clientMessage{Action: actionSubscribe, EntityType: "bad_type", EntityID: "p1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack = readAck(t, conn)
	if ack.Type != ackError || ack.Error == "" {
		t.Fatalf("expected error ack for underscored entity type, got %+v", ack)
	}
}

func TestGatewayDisconnectCleansUp(t *testing.T) {
	gw, relay, wsURL := newGatewayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForCond(t, "connect", func() bool { return gw.snapshot().connectionID != "" })
	connectionID := gw.snapshot().connectionID

	conn.Close()
	waitForCond(t, "disconnect", func() bool { return gw.snapshot().disconnected })

	waitForCond(t, "relay gone", func() bool {
		return errors.Is(relay.Send(context.Background(), connectionID, []byte("x")), collab.ErrConnectionGone)
	})
}

func TestRelaySendUnknownConnectionGone(t *testing.T) {
	_, relay, _ := newGatewayFixture(t)

	err := relay.Send(context.Background(), "missing", []byte("x"))
	if !errors.Is(err, collab.ErrConnectionGone) {
		t.Fatalf("expected ErrConnectionGone, got %v", err)
	}
}

func TestHubDeliverUnknownConnection(t *testing.T) {
	hub := NewHub(log.New())
	if err := hub.Deliver("missing", []byte("x")); !errors.Is(err, collab.ErrConnectionGone) {
		t.Fatalf("expected ErrConnectionGone, got %v", err)
	}
}
