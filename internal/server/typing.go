package server

import "github.com/npezzotti/go-messenger/internal/types"

// Typing relays a typing state change to the other subscribers of room.
// Only connections subscribed to the room may emit typing events.
func (cs *ChatServer) Typing(c *Client, room types.RoomRef, isTyping bool) error {
	if err := room.Validate(); err != nil {
		return ErrValidation(err.Error())
	}

	key := room.Key()
	if !cs.registry.IsSubscribed(key, c) {
		return ErrForbidden("not subscribed to this room")
	}

	cs.deliver.DeliverRoom(key, typingUpdate(c.user.Id, isTyping, room), c.user.Id)
	return nil
}
