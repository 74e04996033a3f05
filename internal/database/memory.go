package database

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-messenger/internal/types"
)

// MemoryMessengerRepository keeps all state in process memory. Every
// operation runs under one mutex so each call is atomic.
type MemoryMessengerRepository struct {
	mu            sync.Mutex
	users         map[string]User
	friends       map[string]map[string]struct{}
	rooms         map[string]*Room
	messages      map[string]*Message
	roomMessages  map[string][]string
	notifications []Notification
}

func NewMemoryMessengerRepository() *MemoryMessengerRepository {
	return &MemoryMessengerRepository{
		users:        make(map[string]User),
		friends:      make(map[string]map[string]struct{}),
		rooms:        make(map[string]*Room),
		messages:     make(map[string]*Message),
		roomMessages: make(map[string][]string),
	}
}

// AddUser seeds a user record. Account management lives outside this
// service, so the in-memory store is populated directly.
func (m *MemoryMessengerRepository) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Status == "" {
		u.Status = types.StatusOffline
	}
	m.users[u.Id] = u
}

func (m *MemoryMessengerRepository) AddFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if m.friends[pair[0]] == nil {
			m.friends[pair[0]] = make(map[string]struct{})
		}
		m.friends[pair[0]][pair[1]] = struct{}{}
	}
}

// Notifications returns the notifications created for recipientId.
func (m *MemoryMessengerRepository) Notifications(recipientId string) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Notification
	for _, n := range m.notifications {
		if n.RecipientId == recipientId {
			res = append(res, n)
		}
	}
	return res
}

func (m *MemoryMessengerRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryMessengerRepository) GetUser(_ context.Context, userId string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userId]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryMessengerRepository) ListFriends(_ context.Context, userId string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.friends[userId])), nil
}

func (m *MemoryMessengerRepository) UpdatePresence(_ context.Context, userId, status string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userId]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.LastSeen = lastSeen
	m.users[userId] = u
	return nil
}

func (m *MemoryMessengerRepository) TouchLastSeen(_ context.Context, userId string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userId]
	if !ok {
		return ErrNotFound
	}
	u.LastSeen = lastSeen
	m.users[userId] = u
	return nil
}

func (m *MemoryMessengerRepository) GetPresence(_ context.Context, userIds []string) (map[string]types.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[string]types.Presence, len(userIds))
	for _, id := range userIds {
		if u, ok := m.users[id]; ok {
			res[id] = types.Presence{Status: u.Status, LastSeen: u.LastSeen}
		}
	}
	return res, nil
}

func (m *MemoryMessengerRepository) CreateRoom(_ context.Context, params CreateRoomParams) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	id := uuid.NewString()
	room := &Room{
		Name:        params.Name,
		Members:     slices.Clone(params.Members),
		CreatorId:   params.CreatorId,
		IsActive:    true,
		UnreadCount: make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch params.Kind {
	case types.RoomKindConversation:
		room.Ref = types.ConversationRef(id)
	case types.RoomKindGroup:
		room.Ref = types.GroupRef(id)
		room.Admins = []string{params.CreatorId}
	default:
		return Room{}, fmt.Errorf("unknown room kind %q", params.Kind)
	}

	for _, member := range room.Members {
		room.UnreadCount[member] = 0
	}

	m.rooms[room.Ref.Key()] = room
	return cloneRoom(room), nil
}

func (m *MemoryMessengerRepository) GetRoom(_ context.Context, ref types.RoomRef) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[ref.Key()]
	if !ok {
		return Room{}, ErrNotFound
	}
	return cloneRoom(room), nil
}

func (m *MemoryMessengerRepository) ListRoomsForUser(_ context.Context, userId string) ([]types.RoomRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []types.RoomRef
	for _, room := range m.rooms {
		if room.IsActive && room.IsMember(userId) {
			refs = append(refs, room.Ref)
		}
	}
	return refs, nil
}

func (m *MemoryMessengerRepository) FindConversation(_ context.Context, a, b string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *Room
	for _, room := range m.rooms {
		if room.Ref.Kind() != types.RoomKindConversation || !room.IsActive {
			continue
		}
		if !room.IsMember(a) || !room.IsMember(b) {
			continue
		}
		if found == nil || room.CreatedAt.Before(found.CreatedAt) {
			found = room
		}
	}

	if found == nil {
		return Room{}, ErrNotFound
	}
	return cloneRoom(found), nil
}

func (m *MemoryMessengerRepository) AddGroupMember(_ context.Context, groupId, userId string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[types.GroupRef(groupId).Key()]
	if !ok {
		return Room{}, ErrNotFound
	}

	if !room.IsMember(userId) {
		room.Members = append(room.Members, userId)
		room.UnreadCount[userId] = 0
		room.IsActive = true
		room.UpdatedAt = time.Now().UTC()
	}
	return cloneRoom(room), nil
}

func (m *MemoryMessengerRepository) ApplyGroupLeave(_ context.Context, groupId string, leave GroupLeave) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[types.GroupRef(groupId).Key()]
	if !ok {
		return Room{}, ErrNotFound
	}

	room.Members = slices.DeleteFunc(room.Members, func(id string) bool { return id == leave.UserId })
	room.Admins = slices.DeleteFunc(room.Admins, func(id string) bool { return id == leave.UserId })
	delete(room.UnreadCount, leave.UserId)

	if leave.PromoteTo != "" && !room.IsAdmin(leave.PromoteTo) {
		room.Admins = append(room.Admins, leave.PromoteTo)
	}
	if leave.NewCreatorId != "" {
		room.CreatorId = leave.NewCreatorId
	}
	if leave.Deactivate {
		room.IsActive = false
	}
	room.UpdatedAt = time.Now().UTC()

	return cloneRoom(room), nil
}

func (m *MemoryMessengerRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.Room.Key()
	if _, ok := m.rooms[key]; !ok {
		return Message{}, ErrNotFound
	}

	msg := &Message{
		Id:          uuid.NewString(),
		Room:        params.Room,
		SenderId:    params.SenderId,
		Content:     params.Content,
		Attachments: slices.Clone(params.Attachments),
		ReadBy:      []string{params.SenderId},
		CreatedAt:   params.CreatedAt,
		UpdatedAt:   params.CreatedAt,
	}
	if u, ok := m.users[params.SenderId]; ok {
		msg.SenderName = u.DisplayName
		msg.SenderAvatar = u.Avatar
	}

	m.messages[msg.Id] = msg
	m.roomMessages[key] = append(m.roomMessages[key], msg.Id)
	return cloneMessage(msg), nil
}

func (m *MemoryMessengerRepository) UpdateRoomOnMessage(_ context.Context, ref types.RoomRef, messageId, senderId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[ref.Key()]
	if !ok {
		return ErrNotFound
	}

	room.LastMessageId = messageId
	for _, member := range room.Members {
		if member != senderId {
			room.UnreadCount[member]++
		}
	}
	room.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryMessengerRepository) GetMessages(_ context.Context, messageIds []string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Message
	for _, id := range messageIds {
		if msg, ok := m.messages[id]; ok {
			res = append(res, cloneMessage(msg))
		}
	}
	slices.SortStableFunc(res, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

func (m *MemoryMessengerRepository) ListMessages(_ context.Context, ref types.RoomRef, before time.Time, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = normalizeLimit(limit)
	ids := m.roomMessages[ref.Key()]

	var res []Message
	for i := len(ids) - 1; i >= 0 && len(res) < limit; i-- {
		msg := m.messages[ids[i]]
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		res = append(res, cloneMessage(msg))
	}
	slices.Reverse(res)
	return res, nil
}

func (m *MemoryMessengerRepository) MarkMessagesRead(_ context.Context, readerId string, messageIds []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range messageIds {
		msg, ok := m.messages[id]
		if !ok || slices.Contains(msg.ReadBy, readerId) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, readerId)
	}
	return nil
}

func (m *MemoryMessengerRepository) ResetUnread(_ context.Context, ref types.RoomRef, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[ref.Key()]
	if !ok {
		return ErrNotFound
	}
	if room.IsMember(userId) {
		room.UnreadCount[userId] = 0
	}
	return nil
}

func (m *MemoryMessengerRepository) SoftDeleteMessage(_ context.Context, messageId string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return Message{}, ErrNotFound
	}

	msg.IsDeleted = true
	msg.Content = types.DeletedMessageContent
	msg.Attachments = nil
	msg.UpdatedAt = time.Now().UTC()
	return cloneMessage(msg), nil
}

func (m *MemoryMessengerRepository) CreateNotification(_ context.Context, params CreateNotificationParams) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := Notification{
		Id:          uuid.NewString(),
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Type:        params.Type,
		Title:       params.Title,
		Content:     params.Content,
		Room:        params.Room,
		MessageId:   params.MessageId,
		CreatedAt:   time.Now().UTC(),
	}
	m.notifications = append(m.notifications, n)
	return n, nil
}

func cloneRoom(r *Room) Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	c.Admins = slices.Clone(r.Admins)
	c.UnreadCount = maps.Clone(r.UnreadCount)
	return c
}

func cloneMessage(m *Message) Message {
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.ReadBy = slices.Clone(m.ReadBy)
	return c
}
