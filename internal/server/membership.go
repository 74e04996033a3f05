package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/types"
)

var errNotMember = errors.New("user is not a member of the group")

// roomsFor resolves the rooms a user is subscribed to when a connection is
// admitted. Later membership changes are applied through Resubscribe and
// Unsubscribe by the operation that makes them.
func (cs *ChatServer) roomsFor(ctx context.Context, userId string) ([]types.RoomRef, error) {
	refs, err := cs.db.ListRoomsForUser(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return refs, nil
}

// Resubscribe subscribes every live connection of every member of room.
func (cs *ChatServer) Resubscribe(room database.Room) {
	key := room.Ref.Key()
	for _, member := range room.Members {
		for _, c := range cs.registry.ConnectionsFor(member) {
			cs.registry.Subscribe(key, c)
		}
	}
}

// Unsubscribe removes every live connection of userId from the room.
func (cs *ChatServer) Unsubscribe(ref types.RoomRef, userId string) {
	key := ref.Key()
	for _, c := range cs.registry.ConnectionsFor(userId) {
		cs.registry.Unsubscribe(key, c)
	}
}

type CreateRoomRequest struct {
	Kind    string
	Name    string
	Members []string
}

// CreateRoom opens the conversation between creatorId and one other user,
// reusing an active one, or creates a group owned by creatorId. The
// members' live connections are subscribed to the room.
func (cs *ChatServer) CreateRoom(ctx context.Context, creatorId string, req CreateRoomRequest) (database.Room, error) {
	members := []string{creatorId}
	for _, m := range req.Members {
		if m != "" && !slices.Contains(members, m) {
			members = append(members, m)
		}
	}

	switch req.Kind {
	case types.RoomKindConversation:
		if len(members) != 2 {
			return database.Room{}, ErrValidation("a conversation needs exactly one other participant")
		}
	case types.RoomKindGroup:
		if req.Name == "" {
			return database.Room{}, ErrValidation("group name is required")
		}
	default:
		return database.Room{}, ErrValidation("room kind must be conversation or group")
	}

	for _, m := range members[1:] {
		if _, err := cs.db.GetUser(ctx, m); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return database.Room{}, ErrNotFound("user " + m)
			}
			return database.Room{}, ErrInternal(err)
		}
	}

	params := database.CreateRoomParams{
		Kind:      req.Kind,
		Name:      req.Name,
		CreatorId: creatorId,
		Members:   members,
	}

	if req.Kind == types.RoomKindConversation {
		return cs.openConversation(ctx, params)
	}

	room, err := cs.db.CreateRoom(ctx, params)
	if err != nil {
		return database.Room{}, ErrInternal(err)
	}

	cs.Resubscribe(room)
	return room, nil
}

// openConversation returns the active conversation between the two members
// of params, creating it when there is none. Requests for the same pair are
// sequenced so concurrent requests share one conversation.
func (cs *ChatServer) openConversation(ctx context.Context, params database.CreateRoomParams) (database.Room, error) {
	pair := slices.Clone(params.Members)
	slices.Sort(pair)

	var room database.Room
	err := cs.sequence(ctx, "pair:"+strings.Join(pair, ":"), func() error {
		existing, err := cs.db.FindConversation(ctx, pair[0], pair[1])
		if err == nil {
			room = existing
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return ErrInternal(fmt.Errorf("find conversation: %w", err))
		}

		room, err = cs.db.CreateRoom(ctx, params)
		if err != nil {
			return ErrInternal(err)
		}
		return nil
	})
	if err != nil {
		return database.Room{}, err
	}

	cs.Resubscribe(room)
	return room, nil
}

// AddGroupMember adds userId to a group on behalf of an admin and
// subscribes the new member's live connections.
func (cs *ChatServer) AddGroupMember(ctx context.Context, actorId, groupId, userId string) (database.Room, error) {
	ref := types.GroupRef(groupId)

	var room database.Room
	err := cs.sequence(ctx, ref.Key(), func() error {
		current, err := cs.getRoom(ctx, ref)
		if err != nil {
			return err
		}
		if !current.IsAdmin(actorId) {
			return ErrForbidden("only group admins can add members")
		}
		if current.IsMember(userId) {
			room = current
			return nil
		}

		if _, err := cs.db.GetUser(ctx, userId); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrNotFound("user")
			}
			return ErrInternal(err)
		}

		room, err = cs.db.AddGroupMember(ctx, groupId, userId)
		if err != nil {
			return ErrInternal(err)
		}
		return nil
	})
	if err != nil {
		return database.Room{}, err
	}

	for _, c := range cs.registry.ConnectionsFor(userId) {
		cs.registry.Subscribe(ref.Key(), c)
	}
	return room, nil
}

// LeaveGroup removes userId from a group, handing over administration
// when the last admin leaves, and unsubscribes the user's connections.
func (cs *ChatServer) LeaveGroup(ctx context.Context, userId, groupId string) (database.Room, error) {
	ref := types.GroupRef(groupId)

	var room database.Room
	err := cs.sequence(ctx, ref.Key(), func() error {
		current, err := cs.getRoom(ctx, ref)
		if err != nil {
			return err
		}

		leave, err := planGroupLeave(current, userId)
		if err != nil {
			return ErrForbidden(err.Error())
		}

		room, err = cs.db.ApplyGroupLeave(ctx, groupId, leave)
		if err != nil {
			return ErrInternal(err)
		}
		if leave.PromoteTo != "" {
			cs.log.Printf("promoted %q to admin of group %q", leave.PromoteTo, groupId)
		}
		return nil
	})
	if err != nil {
		return database.Room{}, err
	}

	cs.Unsubscribe(ref, userId)
	return room, nil
}

// planGroupLeave decides the membership change for userId leaving room.
// When the leaver is the last admin, the earliest remaining member becomes
// admin and owner. When the creator leaves while other admins remain, the
// earliest remaining admin becomes owner. An empty group is deactivated.
func planGroupLeave(room database.Room, userId string) (database.GroupLeave, error) {
	if !room.IsMember(userId) {
		return database.GroupLeave{}, errNotMember
	}

	leave := database.GroupLeave{UserId: userId}

	remaining := slices.DeleteFunc(slices.Clone(room.Members), func(id string) bool { return id == userId })
	if len(remaining) == 0 {
		leave.Deactivate = true
		return leave, nil
	}

	admins := slices.DeleteFunc(slices.Clone(room.Admins), func(id string) bool {
		return id == userId || !slices.Contains(remaining, id)
	})
	switch {
	case len(admins) == 0:
		leave.PromoteTo = remaining[0]
		leave.NewCreatorId = remaining[0]
	case room.CreatorId == userId:
		leave.NewCreatorId = admins[0]
	}

	return leave, nil
}

// History returns messages of a room the user belongs to, oldest first.
// Fetching history does not change unread counters.
func (cs *ChatServer) History(ctx context.Context, userId string, ref types.RoomRef, before time.Time, limit int) ([]types.Message, error) {
	if err := ref.Validate(); err != nil {
		return nil, ErrValidation(err.Error())
	}

	room, err := cs.getRoom(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !room.IsMember(userId) {
		return nil, ErrForbidden("not a member of this room")
	}

	msgs, err := cs.db.ListMessages(ctx, ref, before, limit)
	if err != nil {
		return nil, ErrInternal(err)
	}

	res := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, toMessage(m))
	}
	return res, nil
}

// Rooms returns the active rooms of userId with the user's unread count.
func (cs *ChatServer) Rooms(ctx context.Context, userId string) ([]types.Room, error) {
	refs, err := cs.roomsFor(ctx, userId)
	if err != nil {
		return nil, ErrInternal(err)
	}

	rooms := make([]types.Room, 0, len(refs))
	for _, ref := range refs {
		room, err := cs.db.GetRoom(ctx, ref)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, ErrInternal(err)
		}
		rooms = append(rooms, ToRoom(room, userId))
	}
	return rooms, nil
}

func (cs *ChatServer) getRoom(ctx context.Context, ref types.RoomRef) (database.Room, error) {
	room, err := cs.db.GetRoom(ctx, ref)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, ErrNotFound("room")
		}
		return database.Room{}, ErrInternal(err)
	}
	return room, nil
}

// ToRoom converts a stored room into its client view for userId.
func ToRoom(r database.Room, userId string) types.Room {
	return types.Room{
		Ref:           r.Ref,
		Name:          r.Name,
		Members:       r.Members,
		Admins:        r.Admins,
		CreatorId:     r.CreatorId,
		IsActive:      r.IsActive,
		LastMessageId: r.LastMessageId,
		UnreadCount:   r.Unread(userId),
	}
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:          m.Id,
		Room:        m.Room,
		SenderId:    m.SenderId,
		Content:     m.Content,
		Attachments: m.Attachments,
		ReadBy:      m.ReadBy,
		IsDeleted:   m.IsDeleted,
		CreatedAt:   m.CreatedAt,
	}
	if msg.Attachments == nil {
		msg.Attachments = []types.Attachment{}
	}
	if m.SenderName != "" || m.SenderAvatar != "" {
		msg.Sender = &types.User{Id: m.SenderId, DisplayName: m.SenderName, Avatar: m.SenderAvatar}
	}
	return msg
}
