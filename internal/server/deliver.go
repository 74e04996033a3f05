package server

import (
	"log"

	"github.com/npezzotti/go-messenger/internal/stats"
)

// Deliverer routes outbound events to live connections. The local
// implementation writes to connections held by this process; a pub/sub
// backed implementation can be substituted without changing callers.
type Deliverer interface {
	// DeliverRoom sends msg to every connection subscribed to roomKey
	// except the connections of skipUserId.
	DeliverRoom(roomKey string, msg *ServerMessage, skipUserId string)
	// DeliverUser sends msg to every connection of userId.
	DeliverUser(userId string, msg *ServerMessage)
	// DeliverWatchers sends msg to every connection watching the presence
	// of userId.
	DeliverWatchers(userId string, msg *ServerMessage)
}

type localDeliverer struct {
	log      *log.Logger
	registry *Registry
	stats    stats.StatsProvider
}

func (d *localDeliverer) DeliverRoom(roomKey string, msg *ServerMessage, skipUserId string) {
	for _, c := range d.registry.Subscribers(roomKey) {
		if skipUserId != "" && c.user.Id == skipUserId {
			continue
		}
		d.queue(c, msg)
	}
}

func (d *localDeliverer) DeliverUser(userId string, msg *ServerMessage) {
	for _, c := range d.registry.ConnectionsFor(userId) {
		d.queue(c, msg)
	}
}

func (d *localDeliverer) DeliverWatchers(userId string, msg *ServerMessage) {
	for _, c := range d.registry.Watchers(userId) {
		d.queue(c, msg)
	}
}

func (d *localDeliverer) queue(c *Client, msg *ServerMessage) {
	if !c.queueMessage(msg) {
		d.log.Printf("delivery to connection %q of %q failed", c.id, c.user.Id)
		d.stats.Incr(NumDeliveryFailures)
	}
}
