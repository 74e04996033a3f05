package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

var ErrNotFound = errors.New("not found")

type MessengerRepository interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, userId string) (User, error)
	ListFriends(ctx context.Context, userId string) ([]string, error)
	UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error
	TouchLastSeen(ctx context.Context, userId string, lastSeen time.Time) error
	GetPresence(ctx context.Context, userIds []string) (map[string]types.Presence, error)

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoom(ctx context.Context, ref types.RoomRef) (Room, error)
	ListRoomsForUser(ctx context.Context, userId string) ([]types.RoomRef, error)
	// FindConversation returns the oldest active conversation between a and
	// b, or ErrNotFound.
	FindConversation(ctx context.Context, a, b string) (Room, error)
	AddGroupMember(ctx context.Context, groupId, userId string) (Room, error)
	ApplyGroupLeave(ctx context.Context, groupId string, leave GroupLeave) (Room, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	UpdateRoomOnMessage(ctx context.Context, ref types.RoomRef, messageId, senderId string) error
	GetMessages(ctx context.Context, messageIds []string) ([]Message, error)
	ListMessages(ctx context.Context, ref types.RoomRef, before time.Time, limit int) ([]Message, error)
	MarkMessagesRead(ctx context.Context, readerId string, messageIds []string) error
	ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error
	SoftDeleteMessage(ctx context.Context, messageId string) (Message, error)

	CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error)
}

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
