package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"collab-service/collab"
	"collab-service/domain"
)

const (
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	maxClientMessage = 4 * 1024
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

const (
	ackConnected    = "connected"
	ackSubscribed   = "subscribed"
	ackUnsubscribed = "unsubscribed"
	ackError        = "error"
)

// clientMessage is what clients send over the socket. Everything the server
// pushes is a domain.Message or a serverAck.
type clientMessage struct {
	Action     string `json:"action"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// serverAck confirms a lifecycle action back to the client that issued it.
type serverAck struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	EntityType   string `json:"entityType,omitempty"`
	EntityID     string `json:"entityId,omitempty"`
	Error        string `json:"error,omitempty"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

// Hub tracks the websocket connections owned by this instance and writes
// payloads to them. Delivery to connections on other instances goes through
// the Relay.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewHub creates an empty Hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

func (h *Hub) add(connectionID string, conn *websocket.Conn) *wsConn {
	wc := &wsConn{conn: conn}
	h.mu.Lock()
	h.conns[connectionID] = wc
	h.mu.Unlock()
	return wc
}

func (h *Hub) remove(connectionID string) {
	h.mu.Lock()
	delete(h.conns, connectionID)
	h.mu.Unlock()
}

// Deliver writes the payload to a locally attached connection. It returns
// collab.ErrConnectionGone when the connection is unknown or its socket is no
// longer writable.
func (h *Hub) Deliver(connectionID string, payload []byte) error {
	h.mu.RLock()
	wc, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return collab.ErrConnectionGone
	}
	if err := wc.write(websocket.TextMessage, payload); err != nil {
		h.logger.WithError(err).WithField("connection_id", connectionID).Debug("websocket write failed")
		_ = wc.conn.Close()
		return collab.ErrConnectionGone
	}
	return nil
}

// deliveryTracker is the slice of the Relay the gateway needs: routing
// registration for connections attached to this instance.
type deliveryTracker interface {
	Track(ctx context.Context, connectionID string) error
	Untrack(ctx context.Context, connectionID string) error
}

// RegisterGateway wires the realtime websocket endpoint on the provided Echo
// instance.
func RegisterGateway(e *echo.Echo, hub *Hub, relay deliveryTracker, gw Gateway, auth Authenticator, logger *log.Logger) {
	e.GET("/ws", serveWS(hub, relay, gw, auth, logger))
}

func serveWS(hub *Hub, relay deliveryTracker, gw Gateway, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}

		connectionID := uuid.NewString()
		ctx := context.Background()

		wc := hub.add(connectionID, conn)
		if err := relay.Track(ctx, connectionID); err != nil {
			hub.remove(connectionID)
			_ = conn.Close()
			return err
		}
		if err := gw.Connect(ctx, connectionID, userID); err != nil {
			_ = relay.Untrack(ctx, connectionID)
			hub.remove(connectionID)
			_ = conn.Close()
			return err
		}

		logger.WithFields(log.Fields{
			"connection_id": connectionID,
			"user_id":       userID,
		}).Info("websocket connected")

		sendAck(wc, logger, serverAck{Type: ackConnected, ConnectionID: connectionID})

		defer func() {
			gw.Disconnect(ctx, connectionID)
			_ = relay.Untrack(ctx, connectionID)
			hub.remove(connectionID)
			_ = conn.Close()
			logger.WithField("connection_id", connectionID).Info("websocket disconnected")
		}()

		conn.SetReadLimit(maxClientMessage)
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})

		pingDone := make(chan struct{})
		defer close(pingDone)
		go pingLoop(wc, pingDone)

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.WithError(err).WithField("connection_id", connectionID).Debug("websocket read failed")
				}
				return nil
			}

			var msg clientMessage
			if err := sonic.Unmarshal(payload, &msg); err != nil {
				logger.WithField("connection_id", connectionID).Debug("ignoring malformed client message")
				continue
			}
			if !domain.ValidRef(msg.EntityType, msg.EntityID) {
				sendAck(wc, logger, serverAck{
					Type:       ackError,
					EntityType: msg.EntityType,
					EntityID:   msg.EntityID,
					Error:      "invalid entity reference",
				})
				continue
			}
			ref := domain.EntityRef{EntityType: msg.EntityType, EntityID: msg.EntityID}

			switch msg.Action {
			case actionSubscribe:
				if err := gw.Subscribe(ctx, connectionID, ref); err != nil {
					logger.WithError(err).WithField("connection_id", connectionID).Error("subscribe failed")
					sendAck(wc, logger, serverAck{Type: ackError, EntityType: ref.EntityType, EntityID: ref.EntityID, Error: "subscribe failed"})
					continue
				}
				sendAck(wc, logger, serverAck{Type: ackSubscribed, EntityType: ref.EntityType, EntityID: ref.EntityID})
			case actionUnsubscribe:
				if err := gw.Unsubscribe(ctx, connectionID, ref); err != nil {
					logger.WithError(err).WithField("connection_id", connectionID).Error("unsubscribe failed")
					sendAck(wc, logger, serverAck{Type: ackError, EntityType: ref.EntityType, EntityID: ref.EntityID, Error: "unsubscribe failed"})
					continue
				}
				sendAck(wc, logger, serverAck{Type: ackUnsubscribed, EntityType: ref.EntityType, EntityID: ref.EntityID})
			default:
				logger.WithFields(log.Fields{
					"connection_id": connectionID,
					"action":        msg.Action,
				}).Debug("ignoring unknown action")
			}
		}
	}
}

func sendAck(wc *wsConn, logger *log.Logger, ack serverAck) {
	payload, err := sonic.Marshal(ack)
	if err != nil {
		logger.WithError(err).Error("marshal ack")
		return
	}
	if err := wc.write(websocket.TextMessage, payload); err != nil {
		logger.WithError(err).Debug("ack write failed")
	}
}

func pingLoop(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
