package server

import (
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound frame. Exactly one event field is set.
type ClientMessage struct {
	BaseMessage
	SendDirect    *SendMessage   `json:"send-direct,omitempty"`
	SendGroup     *SendMessage   `json:"send-group,omitempty"`
	TypingStart   *Typing        `json:"typing-start,omitempty"`
	TypingStop    *Typing        `json:"typing-stop,omitempty"`
	MarkRead      *MarkRead      `json:"mark-read,omitempty"`
	StatusChange  *StatusChange  `json:"status-change,omitempty"`
	StatusGet     *StatusGet     `json:"status-get,omitempty"`
	PresencePing  *PresencePing  `json:"presence-ping,omitempty"`
	DeleteMessage *DeleteMessage `json:"delete-message,omitempty"`
}

// numEvents counts the event fields present on the frame.
func (m *ClientMessage) numEvents() int {
	n := 0
	for _, present := range []bool{
		m.SendDirect != nil,
		m.SendGroup != nil,
		m.TypingStart != nil,
		m.TypingStop != nil,
		m.MarkRead != nil,
		m.StatusChange != nil,
		m.StatusGet != nil,
		m.PresencePing != nil,
		m.DeleteMessage != nil,
	} {
		if present {
			n++
		}
	}
	return n
}

type SendMessage struct {
	Room        types.RoomRef      `json:"room"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type Typing struct {
	Room types.RoomRef `json:"room"`
}

type MarkRead struct {
	MessageIds []string       `json:"message_ids"`
	Room       *types.RoomRef `json:"room,omitempty"`
}

type StatusChange struct {
	Status string `json:"status"`
}

type StatusGet struct {
	UserIds []string `json:"user_ids"`
}

type PresencePing struct{}

type DeleteMessage struct {
	MessageId string `json:"message_id"`
}

// ServerMessage is an outbound frame. A single value may be queued to many
// connections and must not be modified once queued.
type ServerMessage struct {
	BaseMessage
	MessageDelivered *MessageDelivered `json:"message-delivered,omitempty"`
	TypingUpdate     *TypingUpdate     `json:"typing-update,omitempty"`
	ReadReceipt      *ReadReceipt      `json:"read-receipt,omitempty"`
	StatusUpdated    *StatusUpdated    `json:"status-updated,omitempty"`
	UserStatus       *UserStatus       `json:"user-status,omitempty"`
	StatusList       *StatusList       `json:"status-list,omitempty"`
	NotificationNew  *NotificationNew  `json:"notification-new,omitempty"`
	MessageDeleted   *MessageDeleted   `json:"message-deleted,omitempty"`
	Error            *ErrorPayload     `json:"error,omitempty"`
}

type MessageDelivered struct {
	Message types.Message `json:"message"`
	Room    types.RoomRef `json:"room"`
}

type TypingUpdate struct {
	UserId   string        `json:"user_id"`
	IsTyping bool          `json:"is_typing"`
	Room     types.RoomRef `json:"room"`
}

type ReadReceipt struct {
	ReaderId   string        `json:"reader_id"`
	MessageIds []string      `json:"message_ids"`
	Room       types.RoomRef `json:"room"`
}

type StatusUpdated struct {
	Status string `json:"status"`
}

type UserStatus struct {
	UserId   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type StatusList map[string]types.Presence

type NotificationNew struct {
	Notification types.Notification `json:"notification"`
}

type MessageDeleted struct {
	MessageId string        `json:"message_id"`
	Room      types.RoomRef `json:"room"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newServerMessage(id int) *ServerMessage {
	msg := &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func messageDelivered(id int, m types.Message) *ServerMessage {
	msg := newServerMessage(id)
	msg.MessageDelivered = &MessageDelivered{Message: m, Room: m.Room}
	return msg
}

func typingUpdate(userId string, isTyping bool, room types.RoomRef) *ServerMessage {
	msg := newServerMessage(0)
	msg.TypingUpdate = &TypingUpdate{UserId: userId, IsTyping: isTyping, Room: room}
	return msg
}

func readReceipt(readerId string, messageIds []string, room types.RoomRef) *ServerMessage {
	if messageIds == nil {
		messageIds = []string{}
	}

	msg := newServerMessage(0)
	msg.ReadReceipt = &ReadReceipt{ReaderId: readerId, MessageIds: messageIds, Room: room}
	return msg
}

func statusUpdated(id int, status string) *ServerMessage {
	msg := newServerMessage(id)
	msg.StatusUpdated = &StatusUpdated{Status: status}
	return msg
}

func userStatus(userId string, p types.Presence) *ServerMessage {
	msg := newServerMessage(0)
	msg.UserStatus = &UserStatus{UserId: userId, Status: p.Status, LastSeen: p.LastSeen}
	return msg
}

func statusList(id int, statuses map[string]types.Presence) *ServerMessage {
	list := StatusList(statuses)
	if list == nil {
		list = StatusList{}
	}

	msg := newServerMessage(id)
	msg.StatusList = &list
	return msg
}

func notificationNew(n types.Notification) *ServerMessage {
	msg := newServerMessage(0)
	msg.NotificationNew = &NotificationNew{Notification: n}
	return msg
}

func messageDeleted(id int, messageId string, room types.RoomRef) *ServerMessage {
	msg := newServerMessage(id)
	msg.MessageDeleted = &MessageDeleted{MessageId: messageId, Room: room}
	return msg
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errorMessage(id, ErrValidation("invalid message format"))
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
