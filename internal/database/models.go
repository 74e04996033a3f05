package database

import (
	"slices"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

type User struct {
	Id          string
	Username    string
	DisplayName string
	Avatar      string
	Status      string
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Room struct {
	Ref           types.RoomRef
	Name          string
	Members       []string
	Admins        []string
	CreatorId     string
	IsActive      bool
	LastMessageId string
	UnreadCount   map[string]int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r Room) IsMember(userId string) bool {
	return slices.Contains(r.Members, userId)
}

func (r Room) IsAdmin(userId string) bool {
	return slices.Contains(r.Admins, userId)
}

// Unread returns the unread counter of a current member. Counters left
// behind by removed members are never reported.
func (r Room) Unread(userId string) int {
	if !r.IsMember(userId) {
		return 0
	}
	return r.UnreadCount[userId]
}

type Message struct {
	Id           string
	Room         types.RoomRef
	SenderId     string
	SenderName   string
	SenderAvatar string
	Content      string
	Attachments  []types.Attachment
	ReadBy       []string
	IsDeleted    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Notification struct {
	Id          string
	RecipientId string
	SenderId    string
	Type        string
	Title       string
	Content     string
	Room        *types.RoomRef
	MessageId   string
	IsRead      bool
	CreatedAt   time.Time
}

type CreateRoomParams struct {
	Kind      string
	Name      string
	CreatorId string
	Members   []string
}

type CreateMessageParams struct {
	Room        types.RoomRef
	SenderId    string
	Content     string
	Attachments []types.Attachment
	CreatedAt   time.Time
}

type CreateNotificationParams struct {
	RecipientId string
	SenderId    string
	Type        string
	Title       string
	Content     string
	Room        *types.RoomRef
	MessageId   string
}

// GroupLeave describes the membership change applied when a member leaves a
// group. PromoteTo and NewCreatorId are empty when no promotion is needed.
type GroupLeave struct {
	UserId       string
	PromoteTo    string
	NewCreatorId string
	Deactivate   bool
}
