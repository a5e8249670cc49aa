package server

import (
	"errors"
	"io"

	"agrolink/internal/messaging"
	"agrolink/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

// WithSession acquires the caller's session for the duration of the request
// and stores it in Locals("session"). Must run after AuthRequired.
func (s *Server) WithSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, release, err := s.sessions.Acquire(c.UserContext(), currentUserID(c))
		if err != nil {
			return respondWithError(c, err)
		}
		defer release()

		c.Locals("session", sess)
		return c.Next()
	}
}

func sessionFrom(c *fiber.Ctx) *messaging.Session {
	sess, _ := c.Locals("session").(*messaging.Session)
	return sess
}

// respondWithError writes err with the status its code maps to.
func respondWithError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, messaging.ErrSuperseded):
		return models.RespondWithError(c, fiber.StatusConflict, err)
	case errors.Is(err, ErrRegistryClosed):
		return models.RespondWithError(c, fiber.StatusServiceUnavailable, err)
	}
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// GetConversations handles GET /api/conversations. When the backend is
// unreachable the last known list is returned with stale=true.
func (s *Server) GetConversations(c *fiber.Ctx) error {
	sess := sessionFrom(c)
	list, err := sess.Conversations(c.UserContext())
	if err != nil && len(list.Conversations) == 0 {
		return respondWithError(c, err)
	}
	if list.Conversations == nil {
		list.Conversations = []models.Conversation{}
	}
	return c.JSON(fiber.Map{
		"conversations": list.Conversations,
		"stale":         list.Stale,
	})
}

// CreateConversation handles POST /api/conversations. Every other participant
// must have a profile.
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	var req struct {
		ParticipantIDs []uint `json:"participant_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondWithError(c, models.NewValidationError("Invalid request body"))
	}

	others := lo.Uniq(lo.Without(req.ParticipantIDs, currentUserID(c)))
	if len(others) > 0 {
		found, err := s.backend.GetProfiles(c.UserContext(), others)
		if err != nil {
			return respondWithError(c, err)
		}
		known := lo.Map(found, func(u models.User, _ int) uint { return u.ID })
		if missing, _ := lo.Difference(others, known); len(missing) > 0 {
			return respondWithError(c, models.NewNotFoundError("Profile", missing[0]))
		}
	}

	conv, err := sessionFrom(c).StartConversation(c.UserContext(), req.ParticipantIDs)
	if err != nil {
		return respondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// SetCurrentConversation handles PUT /api/conversations/current. A zero id
// closes the open conversation.
func (s *Server) SetCurrentConversation(c *fiber.Ctx) error {
	var req struct {
		ConversationID uint `json:"conversation_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondWithError(c, models.NewValidationError("Invalid request body"))
	}

	msgs, err := sessionFrom(c).SetCurrent(c.UserContext(), req.ConversationID)
	if err != nil {
		return respondWithError(c, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(fiber.Map{
		"conversation_id": req.ConversationID,
		"messages":        msgs,
	})
}

// GetCurrentMessages handles GET /api/conversations/current/messages.
func (s *Server) GetCurrentMessages(c *fiber.Ctx) error {
	sess := sessionFrom(c)
	msgs := sess.Messages()
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(fiber.Map{
		"conversation_id": sess.Current(),
		"messages":        msgs,
	})
}

// MarkConversationRead handles POST /api/conversations/:id/read.
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	convID, err := paramID(c, "id")
	if err != nil {
		return respondWithError(c, err)
	}

	sess := sessionFrom(c)
	if _, ok := sess.Conversation(convID); !ok {
		return respondWithError(c, models.NewNotFoundError("Conversation", convID))
	}
	updated, err := sess.MarkRead(c.UserContext(), convID)
	if err != nil {
		return respondWithError(c, err)
	}
	return c.JSON(fiber.Map{"updated": len(updated)})
}

// SendMessage handles POST /api/messages. A failed send answers with the
// error and the failed entry, which can then be retried or discarded by client id.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var in messaging.SendInput
	if err := c.BodyParser(&in); err != nil {
		return respondWithError(c, models.NewValidationError("Invalid request body"))
	}

	msg, err := sessionFrom(c).Send(c.UserContext(), in)
	if err != nil {
		if msg.ClientID != "" {
			code := models.CodeInternal
			var appErr *models.AppError
			if errors.As(err, &appErr) {
				code = appErr.Code
			}
			return c.Status(models.StatusFor(err)).JSON(fiber.Map{
				"error":   err.Error(),
				"code":    code,
				"message": msg,
			})
		}
		return respondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// RetryMessage handles POST /api/messages/:clientId/retry.
func (s *Server) RetryMessage(c *fiber.Ctx) error {
	msg, err := sessionFrom(c).Retry(c.UserContext(), c.Params("clientId"))
	if err != nil {
		return respondWithError(c, err)
	}
	return c.JSON(msg)
}

// DiscardMessage handles DELETE /api/messages/:clientId.
func (s *Server) DiscardMessage(c *fiber.Ctx) error {
	if err := sessionFrom(c).Discard(c.Params("clientId")); err != nil {
		return respondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UploadAttachment handles POST /api/uploads (multipart field "file") and
// returns the public URL to use as a message's file_url.
func (s *Server) UploadAttachment(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return respondWithError(c, models.NewValidationError("file is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return respondWithError(c, models.NewValidationError("unreadable upload"))
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return respondWithError(c, models.NewValidationError("unreadable upload"))
	}

	obj, err := s.backend.Upload(c.UserContext(), fh.Filename, data)
	if err != nil {
		return respondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"url":          obj.URL,
		"message_type": obj.Kind,
		"content_type": obj.ContentType,
		"size":         obj.Size,
	})
}

// GetPresence handles GET /api/presence/:userId. The answer is advisory; an
// unknown status means the user has not been polled yet.
func (s *Server) GetPresence(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return respondWithError(c, err)
	}

	status, p := sessionFrom(c).PresenceOf(userID)
	resp := fiber.Map{
		"user_id": userID,
		"status":  status.String(),
	}
	if !p.LastSeen.IsZero() {
		resp["last_seen"] = p.LastSeen
	}
	return c.JSON(resp)
}

// SetVisibility handles PUT /api/presence.
func (s *Server) SetVisibility(c *fiber.Ctx) error {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.BodyParser(&req); err != nil || req.Visible == nil {
		return respondWithError(c, models.NewValidationError("visible is required"))
	}
	sessionFrom(c).SetVisible(*req.Visible)
	return c.SendStatus(fiber.StatusNoContent)
}
