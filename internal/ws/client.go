package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	proto "github.com/manpreetbhatti/sketchroom/internal/sync"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	sendBufferSize    = 512
	messagesPerSecond = 100
	messageBurst      = 200
	warnEvery         = 100
	maxViolations     = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. roomID, name and closed belong to
// the hub goroutine.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      string
	rateLimiter *ratelimit.Limiter

	roomID string
	name   string
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		userID:      userID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}
}

// ServeWs upgrades the request and attaches the connection to the hub. A
// room query parameter joins that room straight away, using name as the
// display name.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	var join *proto.Join
	if roomID := r.URL.Query().Get("room"); roomID != "" {
		var err error
		if join, err = proto.NewJoin(roomID, r.URL.Query().Get("name")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := newClient(hub, conn, uuid.NewString())
	if !hub.submitRegister(client) {
		conn.Close()
		return
	}
	if join != nil && !hub.submit(client, join) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.submitUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "user", c.userID, "err", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%warnEvery == 1 {
				slog.Warn("rate limit exceeded", "user", c.userID, "violations", violations)
			}
			if violations > maxViolations {
				slog.Warn("disconnecting client for excessive rate limit violations", "user", c.userID)
				return
			}
			continue
		}

		msg, err := proto.Decode(data)
		if err != nil {
			slog.Warn("invalid message dropped", "user", c.userID, "err", err)
			continue
		}

		if !c.hub.submit(c, msg) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
