package server

import (
	"context"
	"slices"

	"github.com/npezzotti/go-messenger/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxMarkRead = 500

// MarkRead records that c's user has read messageIds. When room is set the
// messages must belong to it and the user's unread counter for the room is
// zeroed. A read receipt is sent to the other subscribers of each room.
func (cs *ChatServer) MarkRead(ctx context.Context, c *Client, messageIds []string, room *types.RoomRef) error {
	ctx, span := cs.tracer.Start(ctx, "ChatServer.MarkRead", trace.WithAttributes(
		attribute.String("chat.user", c.user.Id),
		attribute.Int("chat.message_count", len(messageIds)),
	))
	defer span.End()

	err := cs.markRead(ctx, c.user.Id, messageIds, room)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (cs *ChatServer) markRead(ctx context.Context, readerId string, messageIds []string, room *types.RoomRef) error {
	ids := compactIds(messageIds)
	if len(ids) == 0 && room == nil {
		return ErrValidation("message ids or a room are required")
	}
	if len(ids) > maxMarkRead {
		return ErrValidation("too many message ids")
	}
	if room != nil {
		if err := room.Validate(); err != nil {
			return ErrValidation(err.Error())
		}
	}

	// messages grouped by room, in first-seen order
	byRoom := make(map[string][]string)
	refs := make(map[string]types.RoomRef)
	var order []string

	if len(ids) > 0 {
		msgs, err := cs.db.GetMessages(ctx, ids)
		if err != nil {
			return ErrInternal(err)
		}
		if len(msgs) != len(ids) {
			return ErrNotFound("message")
		}

		for _, m := range msgs {
			key := m.Room.Key()
			if room != nil && key != room.Key() {
				return ErrValidation("message does not belong to the room")
			}
			if _, ok := byRoom[key]; !ok {
				order = append(order, key)
				refs[key] = m.Room
			}
			byRoom[key] = append(byRoom[key], m.Id)
		}
	}

	if room != nil {
		key := room.Key()
		if _, ok := refs[key]; !ok {
			order = append(order, key)
			refs[key] = *room
		}
	}

	for _, key := range order {
		r, err := cs.getRoom(ctx, refs[key])
		if err != nil {
			return err
		}
		if !r.IsMember(readerId) {
			return ErrForbidden("not a member of this room")
		}
	}

	if len(ids) > 0 {
		if err := cs.db.MarkMessagesRead(ctx, readerId, ids); err != nil {
			return ErrInternal(err)
		}
	}

	if room != nil {
		if err := cs.db.ResetUnread(ctx, *room, readerId); err != nil {
			return ErrInternal(err)
		}
	}

	for _, key := range order {
		cs.deliver.DeliverRoom(key, readReceipt(readerId, byRoom[key], refs[key]), readerId)
	}

	return nil
}

func compactIds(ids []string) []string {
	var res []string
	for _, id := range ids {
		if id != "" && !slices.Contains(res, id) {
			res = append(res, id)
		}
	}
	return res
}
