package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessengerRepository struct {
	mock.Mock
}

func (m *MockMessengerRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMessengerRepository) GetUser(ctx context.Context, userId string) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockMessengerRepository) ListFriends(ctx context.Context, userId string) ([]string, error) {
	args := m.Called(ctx, userId)
	if friends, ok := args.Get(0).([]string); ok {
		return friends, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessengerRepository) UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error {
	args := m.Called(ctx, userId, status, lastSeen)
	return args.Error(0)
}
func (m *MockMessengerRepository) TouchLastSeen(ctx context.Context, userId string, lastSeen time.Time) error {
	args := m.Called(ctx, userId, lastSeen)
	return args.Error(0)
}
func (m *MockMessengerRepository) GetPresence(ctx context.Context, userIds []string) (map[string]types.Presence, error) {
	args := m.Called(ctx, userIds)
	if res, ok := args.Get(0).(map[string]types.Presence); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessengerRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockMessengerRepository) GetRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockMessengerRepository) ListRoomsForUser(ctx context.Context, userId string) ([]types.RoomRef, error) {
	args := m.Called(ctx, userId)
	if refs, ok := args.Get(0).([]types.RoomRef); ok {
		return refs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessengerRepository) FindConversation(ctx context.Context, a, b string) (Room, error) {
	args := m.Called(ctx, a, b)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockMessengerRepository) AddGroupMember(ctx context.Context, groupId, userId string) (Room, error) {
	args := m.Called(ctx, groupId, userId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockMessengerRepository) ApplyGroupLeave(ctx context.Context, groupId string, leave GroupLeave) (Room, error) {
	args := m.Called(ctx, groupId, leave)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockMessengerRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockMessengerRepository) UpdateRoomOnMessage(ctx context.Context, ref types.RoomRef, messageId, senderId string) error {
	args := m.Called(ctx, ref, messageId, senderId)
	return args.Error(0)
}
func (m *MockMessengerRepository) GetMessages(ctx context.Context, messageIds []string) ([]Message, error) {
	args := m.Called(ctx, messageIds)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessengerRepository) ListMessages(ctx context.Context, ref types.RoomRef, before time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, ref, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessengerRepository) MarkMessagesRead(ctx context.Context, readerId string, messageIds []string) error {
	args := m.Called(ctx, readerId, messageIds)
	return args.Error(0)
}
func (m *MockMessengerRepository) ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error {
	args := m.Called(ctx, ref, userId)
	return args.Error(0)
}
func (m *MockMessengerRepository) SoftDeleteMessage(ctx context.Context, messageId string) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockMessengerRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Notification), args.Error(1)
}
