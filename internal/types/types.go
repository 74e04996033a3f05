package types

import (
	"errors"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
	StatusBusy    = "busy"
)

const (
	RoomKindConversation = "conversation"
	RoomKindGroup        = "group"
)

const DeletedMessageContent = "This message was deleted"

var (
	ErrRoomRefEmpty     = errors.New("room reference must name a conversation or a group")
	ErrRoomRefAmbiguous = errors.New("room reference cannot name both a conversation and a group")
)

// IsClientStatus reports whether a client may explicitly select status.
// Offline is only ever derived from the connection registry.
func IsClientStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

type User struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// RoomRef identifies exactly one conversation or group.
type RoomRef struct {
	ConversationId string `json:"conversation_id,omitempty"`
	GroupId        string `json:"group_id,omitempty"`
}

func ConversationRef(id string) RoomRef {
	return RoomRef{ConversationId: id}
}

func GroupRef(id string) RoomRef {
	return RoomRef{GroupId: id}
}

func (r RoomRef) Validate() error {
	switch {
	case r.ConversationId == "" && r.GroupId == "":
		return ErrRoomRefEmpty
	case r.ConversationId != "" && r.GroupId != "":
		return ErrRoomRefAmbiguous
	}
	return nil
}

func (r RoomRef) Kind() string {
	if r.GroupId != "" {
		return RoomKindGroup
	}
	return RoomKindConversation
}

func (r RoomRef) Id() string {
	if r.GroupId != "" {
		return r.GroupId
	}
	return r.ConversationId
}

// Key is the identifier used for in-memory room indexes and pub/sub subjects.
func (r RoomRef) Key() string {
	return r.Kind() + ":" + r.Id()
}

func (r RoomRef) IsGroup() bool {
	return r.GroupId != ""
}

type Attachment struct {
	Url      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Message struct {
	Id          string       `json:"id"`
	Room        RoomRef      `json:"room"`
	SenderId    string       `json:"sender_id"`
	Sender      *User        `json:"sender,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	ReadBy      []string     `json:"read_by"`
	IsDeleted   bool         `json:"is_deleted"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Notification struct {
	Id          string    `json:"id"`
	RecipientId string    `json:"recipient_id"`
	SenderId    string    `json:"sender_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Room        *RoomRef  `json:"room,omitempty"`
	MessageId   string    `json:"message_id,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

type Presence struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type Room struct {
	Ref           RoomRef  `json:"room"`
	Name          string   `json:"name,omitempty"`
	Members       []string `json:"members"`
	Admins        []string `json:"admins,omitempty"`
	CreatorId     string   `json:"creator_id,omitempty"`
	IsActive      bool     `json:"is_active"`
	LastMessageId string   `json:"last_message_id,omitempty"`
	UnreadCount   int      `json:"unread_count"`
}
