package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	eventTimeout   = 10 * time.Second
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once

	// mu guards the subscription bookkeeping below. Once closed is set the
	// connection accepts no further subscriptions.
	mu       sync.Mutex
	closed   bool
	rooms    map[string]struct{}
	watching map[string]struct{}
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         shortid.MustGenerate(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
		watching:   make(map[string]struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read processes inbound frames one at a time until the connection fails.
// The connection is removed from the registry before Read returns.
func (c *Client) Read() {
	defer func() {
		c.chatServer.DeregisterClient(c)
		c.stopClient()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.Timestamp = Now()

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	if msg.numEvents() != 1 {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	cs := c.chatServer
	var err error
	switch {
	case msg.SendDirect != nil:
		err = cs.Send(ctx, c, msg.Id, types.RoomKindConversation, msg.SendDirect)
	case msg.SendGroup != nil:
		err = cs.Send(ctx, c, msg.Id, types.RoomKindGroup, msg.SendGroup)
	case msg.TypingStart != nil:
		err = cs.Typing(c, msg.TypingStart.Room, true)
	case msg.TypingStop != nil:
		err = cs.Typing(c, msg.TypingStop.Room, false)
	case msg.MarkRead != nil:
		err = cs.MarkRead(ctx, c, msg.MarkRead.MessageIds, msg.MarkRead.Room)
	case msg.StatusChange != nil:
		err = cs.ChangeStatus(ctx, c, msg.Id, msg.StatusChange.Status)
	case msg.StatusGet != nil:
		err = cs.GetStatuses(ctx, c, msg.Id, msg.StatusGet.UserIds)
	case msg.PresencePing != nil:
		cs.Ping(ctx, c)
	case msg.DeleteMessage != nil:
		err = cs.DeleteMessage(ctx, c, msg.Id, msg.DeleteMessage.MessageId)
	}

	if err != nil {
		c.log.Printf("event %d from %q rejected: %v", msg.Id, c.user.Id, err)
		c.queueMessage(errorMessage(msg.Id, err))
	}
}

// queueMessage hands msg to the write pump without blocking. It reports
// false when the connection is closed or its buffer is full.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for connection %q", c.id)
		return false
	}

	return true
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// track records key in the connection's room or watch set and runs add
// while holding the connection lock, so a concurrent eviction either sees
// the key or prevents it from being added.
func (c *Client) track(key string, watch bool, add func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	if watch {
		c.watching[key] = struct{}{}
	} else {
		c.rooms[key] = struct{}{}
	}
	add()
	return true
}

func (c *Client) untrack(key string, watch bool, remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if watch {
		delete(c.watching, key)
	} else {
		delete(c.rooms, key)
	}
	remove()
}

// detach closes the connection to new subscriptions and returns the keys
// it was subscribed to.
func (c *Client) detach() (rooms, watching []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for key := range c.rooms {
		rooms = append(rooms, key)
	}
	for key := range c.watching {
		watching = append(watching, key)
	}
	clear(c.rooms)
	clear(c.watching)

	return rooms, watching
}

func (c *Client) roomKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	return keys
}
