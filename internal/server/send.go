package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	roomUpdateAttempts   = 2
	roomUpdateRetryDelay = 50 * time.Millisecond
	notificationPreview  = 100
)

// Send validates an inbound message from c and hands it to the room worker,
// which persists it, updates the room and delivers it to subscribers.
func (cs *ChatServer) Send(ctx context.Context, c *Client, id int, kind string, req *SendMessage) error {
	if err := req.Room.Validate(); err != nil {
		return ErrValidation(err.Error())
	}
	if req.Room.Kind() != kind {
		return ErrValidation(fmt.Sprintf("expected a %s reference", kind))
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		return ErrValidation("message content is required")
	}

	if cs.limiter != nil {
		allowed, err := cs.limiter.Allow(ctx, "send:"+c.user.Id)
		if err != nil {
			cs.log.Printf("rate limiter: %v", err)
		} else if !allowed {
			return ErrRateLimited()
		}
	}

	return cs.sequence(ctx, req.Room.Key(), func() error {
		_, err := cs.send(ctx, c, id, req)
		return err
	})
}

// send runs on the room worker.
func (cs *ChatServer) send(ctx context.Context, c *Client, id int, req *SendMessage) (types.Message, error) {
	ctx, span := cs.tracer.Start(ctx, "ChatServer.Send", trace.WithAttributes(
		attribute.String("chat.room", req.Room.Key()),
		attribute.String("chat.user", c.user.Id),
	))
	defer span.End()

	msg, err := cs.persistAndDeliver(ctx, c, id, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return msg, err
}

func (cs *ChatServer) persistAndDeliver(ctx context.Context, c *Client, id int, req *SendMessage) (types.Message, error) {
	sender := c.user

	room, err := cs.getRoom(ctx, req.Room)
	if err != nil {
		return types.Message{}, err
	}
	if !room.IsMember(sender.Id) {
		return types.Message{}, ErrForbidden("not a member of this room")
	}

	stored, err := cs.db.CreateMessage(ctx, database.CreateMessageParams{
		Room:        req.Room,
		SenderId:    sender.Id,
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   Now(),
	})
	if err != nil {
		cs.log.Println("CreateMessage:", err)
		return types.Message{}, ErrInternal(err)
	}
	cs.stats.Incr(NumMessagesSent)

	// The message exists from here on and is delivered even if the room
	// update fails.
	var partial error
	if err := cs.updateRoom(context.WithoutCancel(ctx), req.Room, stored.Id, sender.Id); err != nil {
		partial = ErrPartialFailure(err)
	}

	msg := toMessage(stored)
	msg.Sender = &sender

	key := req.Room.Key()
	cs.registry.Subscribe(key, c)
	cs.deliver.DeliverRoom(key, messageDelivered(id, msg), "")

	cs.notifyMembers(room, msg)

	return msg, partial
}

// updateRoom moves the room's last message pointer and increments the
// unread counters of every member but the sender, retrying once.
func (cs *ChatServer) updateRoom(ctx context.Context, ref types.RoomRef, messageId, senderId string) error {
	var err error
	for attempt := 1; attempt <= roomUpdateAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err = cs.db.UpdateRoomOnMessage(attemptCtx, ref, messageId, senderId)
		cancel()
		if err == nil {
			return nil
		}

		cs.log.Printf("UpdateRoomOnMessage %q attempt %d: %v", ref.Key(), attempt, err)
		if attempt < roomUpdateAttempts {
			time.Sleep(roomUpdateRetryDelay)
		}
	}
	return err
}

func (cs *ChatServer) notifyMembers(room database.Room, msg types.Message) {
	title := "New message from " + displayName(msg.Sender)
	if room.Ref.IsGroup() {
		title = "New message in " + room.Name
	}

	content := preview(msg.Content)
	if content == "" && len(msg.Attachments) > 0 {
		content = "Sent an attachment"
	}

	ref := msg.Room
	for _, member := range room.Members {
		if member == msg.SenderId {
			continue
		}

		cs.notifier.Enqueue(database.CreateNotificationParams{
			RecipientId: member,
			SenderId:    msg.SenderId,
			Type:        NotificationTypeMessage,
			Title:       title,
			Content:     content,
			Room:        &ref,
			MessageId:   msg.Id,
		})
	}
}

// DeleteMessage soft deletes a message sent by c's user and announces the
// deletion to the room.
func (cs *ChatServer) DeleteMessage(ctx context.Context, c *Client, id int, messageId string) error {
	if messageId == "" {
		return ErrValidation("message id is required")
	}

	msgs, err := cs.db.GetMessages(ctx, []string{messageId})
	if err != nil {
		return ErrInternal(err)
	}
	if len(msgs) == 0 {
		return ErrNotFound("message")
	}

	target := msgs[0]
	if target.SenderId != c.user.Id {
		return ErrForbidden("only the sender can delete a message")
	}
	if target.IsDeleted {
		return nil
	}

	return cs.sequence(ctx, target.Room.Key(), func() error {
		if _, err := cs.db.SoftDeleteMessage(ctx, messageId); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrNotFound("message")
			}
			return ErrInternal(err)
		}

		cs.deliver.DeliverRoom(target.Room.Key(), messageDeleted(id, messageId, target.Room), "")
		return nil
	})
}

func displayName(u *types.User) string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= notificationPreview {
		return s
	}
	return string(r[:notificationPreview]) + "..."
}
