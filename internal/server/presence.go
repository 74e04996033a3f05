package server

import (
	"context"
	"slices"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

const maxStatusQuery = 500

// announcePresence sends the current presence of userId to the user's
// online friends and stores it on the user's record when it differs from
// the last one announced. Announcements of one user are delivered one at a
// time, so the last transition always wins. offlineLastSeen is used when
// the user has no connection left. The stored value is only a cache of the
// registry state.
func (cs *ChatServer) announcePresence(userId string, offlineLastSeen time.Time) {
	if !cs.registry.queueAnnouncement(userId, offlineLastSeen) {
		return
	}

	for {
		p, ok := cs.registry.nextAnnouncement(userId)
		if !ok {
			return
		}

		cs.deliver.DeliverWatchers(userId, userStatus(userId, p))

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := cs.db.UpdatePresence(ctx, userId, p.Status, p.LastSeen); err != nil {
			cs.log.Printf("UpdatePresence %q: %v", userId, err)
		}
		cancel()
	}
}

// ChangeStatus applies an explicit status change from c. Friends are
// notified only when the status actually changes.
func (cs *ChatServer) ChangeStatus(ctx context.Context, c *Client, id int, status string) error {
	if !types.IsClientStatus(status) {
		return ErrValidation("status must be one of online, away or busy")
	}

	p, changed, ok := cs.registry.SetStatus(c.user.Id, status)
	if !ok {
		return ErrValidation("status cannot change while offline")
	}

	c.queueMessage(statusUpdated(id, status))

	if changed {
		cs.announcePresence(c.user.Id, p.LastSeen)
	}
	return nil
}

// Ping refreshes lastSeen without a status transition or broadcast.
func (cs *ChatServer) Ping(ctx context.Context, c *Client) {
	lastSeen, ok := cs.registry.Touch(c.user.Id)
	if !ok {
		return
	}

	if err := cs.db.TouchLastSeen(ctx, c.user.Id, lastSeen); err != nil {
		cs.log.Printf("TouchLastSeen %q: %v", c.user.Id, err)
	}
}

// GetStatuses replies to c with the presence of each requested user. Live
// registry state wins; users without connections are reported offline with
// their stored lastSeen. Unknown users are omitted.
func (cs *ChatServer) GetStatuses(ctx context.Context, c *Client, id int, userIds []string) error {
	statuses, err := cs.Statuses(ctx, userIds)
	if err != nil {
		return err
	}

	c.queueMessage(statusList(id, statuses))
	return nil
}

func (cs *ChatServer) Statuses(ctx context.Context, userIds []string) (map[string]types.Presence, error) {
	if len(userIds) > maxStatusQuery {
		return nil, ErrValidation("too many user ids")
	}

	res := make(map[string]types.Presence, len(userIds))
	var offline []string
	for _, userId := range userIds {
		if p, ok := cs.registry.Presence(userId); ok {
			res[userId] = p
		} else if userId != "" && !slices.Contains(offline, userId) {
			offline = append(offline, userId)
		}
	}

	if len(offline) == 0 {
		return res, nil
	}

	stored, err := cs.db.GetPresence(ctx, offline)
	if err != nil {
		return nil, ErrInternal(err)
	}

	for userId, p := range stored {
		if _, ok := res[userId]; ok {
			continue
		}
		res[userId] = types.Presence{Status: types.StatusOffline, LastSeen: p.LastSeen}
	}

	return res, nil
}
