package notifications

import (
	"unicode/utf8"

	"agrolink/internal/models"
)

const maxExcerptRunes = 120

func actorName(u models.User) string {
	if name := u.DisplayName(); name != "" {
		return name
	}
	return "Someone"
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= maxExcerptRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxExcerptRunes-1]) + "…"
}

// MessageEvent notifies the receiver of a sent message.
func MessageEvent(msg models.Message, sender models.User) Event {
	return Event{
		Kind:        models.NotificationMessage,
		RecipientID: msg.ReceiverID,
		ActorID:     msg.SenderID,
		Title:       "New message from " + actorName(sender),
		Body:        excerpt(msg.Preview()),
		Data: map[string]any{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"message_type":    msg.Type,
		},
	}
}

// LikeEvent notifies a post author that actor liked the post.
func LikeEvent(actor models.User, authorID, postID uint) Event {
	return Event{
		Kind:        models.NotificationLike,
		RecipientID: authorID,
		ActorID:     actor.ID,
		Title:       actorName(actor) + " liked your post",
		Data:        map[string]any{"post_id": postID},
	}
}

// CommentEvent notifies a post author about a new comment.
func CommentEvent(actor models.User, authorID, postID, commentID uint, text string) Event {
	return Event{
		Kind:        models.NotificationComment,
		RecipientID: authorID,
		ActorID:     actor.ID,
		Title:       actorName(actor) + " commented on your post",
		Body:        excerpt(text),
		Data:        map[string]any{"post_id": postID, "comment_id": commentID},
	}
}

// FollowEvent notifies a user that actor started following them.
func FollowEvent(actor models.User, followedID uint) Event {
	return Event{
		Kind:        models.NotificationFollow,
		RecipientID: followedID,
		ActorID:     actor.ID,
		Title:       actorName(actor) + " started following you",
		Data:        map[string]any{"follower_id": actor.ID, "role": actor.Role},
	}
}
