package server

import (
	"context"

	"agrolink/internal/messaging"
	"agrolink/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketHandler streams the caller's session updates as JSON text frames.
// Peers may send {"type":"visibility","visible":bool} and {"type":"refresh"}.
func (s *Server) WebSocketHandler() fiber.Handler {
	upgrade := websocket.New(func(conn *websocket.Conn) {
		observability.ActiveWebSockets.Inc()
		defer observability.ActiveWebSockets.Dec()

		userID, ok := conn.Locals("userID").(uint)
		if !ok || userID == 0 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		ctx := observability.WithUserID(s.shutdownCtx, userID)
		logger := observability.NewSessionLogger("websocket", userID)

		sess, release, err := s.sessions.Acquire(ctx, userID)
		if err != nil {
			logger.LogError(ctx, err, "acquire_session")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"session unavailable"}`))
			_ = conn.Close()
			return
		}
		defer release()

		client := NewClient(conn, userID)
		client.IncomingHandler = func(ctx context.Context, cmd Command) {
			s.handleCommand(ctx, sess, cmd)
		}
		if !s.sessions.Attach(userID, client) {
			_ = conn.Close()
			return
		}
		defer s.sessions.Detach(userID, client)

		logger.LogLifecycle(ctx, "socket_open", nil)
		defer logger.LogLifecycle(ctx, "socket_close", nil)

		// The peer starts from a full picture, then follows updates.
		client.TrySend(mustJSON(messaging.Update{Kind: messaging.UpdateResync}))

		done := make(chan struct{})
		go client.ReadPump(ctx, done)
		client.WritePump(done)
	})

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return upgrade(c)
	}
}

func (s *Server) handleCommand(ctx context.Context, sess *messaging.Session, cmd Command) {
	switch cmd.Type {
	case "visibility":
		if cmd.Visible != nil {
			sess.SetVisible(*cmd.Visible)
		}
	case "refresh":
		if err := sess.Refresh(ctx); err != nil {
			observability.NewSessionLogger("websocket", sess.UserID()).LogError(ctx, err, "refresh")
		}
	default:
		observability.Logger.DebugContext(ctx, "ignoring websocket command", "type", cmd.Type)
	}
}
