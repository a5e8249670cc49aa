package server

import (
	"context"
	"encoding/json"
	"time"

	"agrolink/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 64
)

var droppedNotice = []byte(`{"kind":"updates_dropped"}`)

// Command is what a socket may send: a visibility change or a refresh request.
type Command struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
}

// Client is a websocket connection streaming one user's session updates.
type Client struct {
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uint

	// IncomingHandler is called for every command the peer sends.
	IncomingHandler func(ctx context.Context, cmd Command)
}

// NewClient creates a Client for conn.
func NewClient(conn *websocket.Conn, userID uint) *Client {
	return &Client{
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
	}
}

// ReadPump reads peer commands until the connection fails, then closes done.
func (c *Client) ReadPump(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.Logger.WarnContext(ctx, "websocket read failed", "user_id", c.UserID, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			observability.Logger.DebugContext(ctx, "ignoring malformed websocket command", "user_id", c.UserID)
			continue
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(ctx, cmd)
		}
	}
}

// WritePump writes queued updates and keepalive pings until done is closed or
// a write fails.
func (c *Client) WritePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a message without blocking. When the buffer is full the
// message is dropped and the peer is told to refetch.
func (c *Client) TrySend(message []byte) {
	select {
	case c.Send <- message:
	default:
		observability.UpdateBackpressureDrops.WithLabelValues("socket").Inc()
		select {
		case c.Send <- droppedNotice:
		default:
		}
	}
}
