package server

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

const numShards = 32

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}

type connSet map[*Client]struct{}

func (s connSet) list() []*Client {
	clients := make([]*Client, 0, len(s))
	for c := range s {
		clients = append(clients, c)
	}
	return clients
}

// userEntry is the live state of one user. It exists only while the user
// holds at least one connection.
type userEntry struct {
	conns    connSet
	status   string
	lastSeen time.Time
}

// announceState orders the presence announcements of one user. Only one
// goroutine at a time delivers them, always reading the latest live state.
type announceState struct {
	running   bool
	pending   *types.Presence
	announced string
}

type userShard struct {
	mu       sync.Mutex
	users    map[string]*userEntry
	announce map[string]*announceState
}

type indexShard struct {
	mu   sync.RWMutex
	sets map[string]connSet
}

// connIndex maps a key to the set of connections interested in it.
type connIndex struct {
	shards [numShards]indexShard
}

func newConnIndex() *connIndex {
	x := &connIndex{}
	for i := range x.shards {
		x.shards[i].sets = make(map[string]connSet)
	}
	return x
}

func (x *connIndex) add(key string, c *Client) {
	s := &x.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sets[key] == nil {
		s.sets[key] = make(connSet)
	}
	s.sets[key][c] = struct{}{}
}

func (x *connIndex) remove(key string, c *Client) {
	s := &x.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
}

func (x *connIndex) members(key string) []*Client {
	s := &x.shards[shardIndex(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sets[key].list()
}

func (x *connIndex) contains(key string, c *Client) bool {
	s := &x.shards[shardIndex(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sets[key][c]
	return ok
}

func (x *connIndex) size() int {
	n := 0
	for i := range x.shards {
		s := &x.shards[i]
		s.mu.RLock()
		n += len(s.sets)
		s.mu.RUnlock()
	}
	return n
}

// Registry tracks live connections per user, room subscriptions per
// connection and the presence watchers of each user. Each user and each
// room key is guarded by its own shard lock; no lock is held while calling
// out of the registry.
type Registry struct {
	users    [numShards]userShard
	rooms    *connIndex
	watchers *connIndex
}

func NewRegistry() *Registry {
	r := &Registry{
		rooms:    newConnIndex(),
		watchers: newConnIndex(),
	}
	for i := range r.users {
		r.users[i].users = make(map[string]*userEntry)
		r.users[i].announce = make(map[string]*announceState)
	}
	return r
}

func (r *Registry) userShard(userId string) *userShard {
	return &r.users[shardIndex(userId)]
}

// Admit records c as a live connection of its user. It reports whether c is
// the user's first connection, in which case the user is now online.
func (r *Registry) Admit(c *Client) (first bool) {
	s := r.userShard(c.user.Id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[c.user.Id]
	if !ok {
		e = &userEntry{conns: make(connSet), status: types.StatusOnline, lastSeen: Now()}
		s.users[c.user.Id] = e
	}
	e.conns[c] = struct{}{}

	return len(e.conns) == 1
}

// Evict removes c and all of its room and presence subscriptions. It
// reports whether c was the user's last connection together with the
// user's resulting presence. Evicting an unknown connection is a no-op.
func (r *Registry) Evict(c *Client) (last bool, p types.Presence, ok bool) {
	rooms, watching := c.detach()
	for _, key := range rooms {
		r.rooms.remove(key, c)
	}
	for _, userId := range watching {
		r.watchers.remove(userId, c)
	}

	s := r.userShard(c.user.Id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.users[c.user.Id]
	if !found {
		return false, types.Presence{}, false
	}
	if _, found := e.conns[c]; !found {
		return false, types.Presence{}, false
	}

	delete(e.conns, c)
	if len(e.conns) > 0 {
		return false, types.Presence{Status: e.status, LastSeen: e.lastSeen}, true
	}

	delete(s.users, c.user.Id)
	return true, types.Presence{Status: types.StatusOffline, LastSeen: Now()}, true
}

func (r *Registry) IsOnline(userId string) bool {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.users[userId]
	return ok
}

func (r *Registry) ConnectionsFor(userId string) []*Client {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return nil
	}
	return e.conns.list()
}

// Presence returns the live presence of userId, or false when the user has
// no connection.
func (r *Registry) Presence(userId string) (types.Presence, bool) {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return types.Presence{}, false
	}
	return types.Presence{Status: e.status, LastSeen: e.lastSeen}, true
}

// SetStatus changes the status of an online user. changed is false when the
// user already had status; ok is false when the user is offline.
func (r *Registry) SetStatus(userId, status string) (p types.Presence, changed bool, ok bool) {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return types.Presence{}, false, false
	}

	e.lastSeen = Now()
	changed = e.status != status
	e.status = status

	return types.Presence{Status: e.status, LastSeen: e.lastSeen}, changed, true
}

// Touch refreshes lastSeen of an online user.
func (r *Registry) Touch(userId string) (time.Time, bool) {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return time.Time{}, false
	}
	e.lastSeen = Now()
	return e.lastSeen, true
}

// Clients returns every live connection.
func (r *Registry) Clients() []*Client {
	var clients []*Client
	for i := range r.users {
		s := &r.users[i]
		s.mu.Lock()
		for _, e := range s.users {
			for c := range e.conns {
				clients = append(clients, c)
			}
		}
		s.mu.Unlock()
	}
	return clients
}

// Subscribe adds c to the subscribers of roomKey. It returns false if c
// has already been evicted.
func (r *Registry) Subscribe(roomKey string, c *Client) bool {
	return c.track(roomKey, false, func() { r.rooms.add(roomKey, c) })
}

func (r *Registry) Unsubscribe(roomKey string, c *Client) {
	c.untrack(roomKey, false, func() { r.rooms.remove(roomKey, c) })
}

func (r *Registry) Subscribers(roomKey string) []*Client {
	return r.rooms.members(roomKey)
}

func (r *Registry) IsSubscribed(roomKey string, c *Client) bool {
	return r.rooms.contains(roomKey, c)
}

func (r *Registry) NumRooms() int {
	return r.rooms.size()
}

// Watch registers c to receive presence transitions of each of userIds.
func (r *Registry) Watch(c *Client, userIds ...string) bool {
	for _, userId := range userIds {
		if !c.track(userId, true, func() { r.watchers.add(userId, c) }) {
			return false
		}
	}
	return true
}

func (r *Registry) Unwatch(c *Client, userId string) {
	c.untrack(userId, true, func() { r.watchers.remove(userId, c) })
}

// Watchers returns the connections interested in presence of userId.
func (r *Registry) Watchers(userId string) []*Client {
	return r.watchers.members(userId)
}

// queueAnnouncement records that the presence of userId may have changed.
// The live presence is captured, or offline with offlineLastSeen when the
// user has no connection. It reports whether the caller must deliver the
// queued announcements through nextAnnouncement.
func (r *Registry) queueAnnouncement(userId string, offlineLastSeen time.Time) bool {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := types.Presence{Status: types.StatusOffline, LastSeen: offlineLastSeen}
	if e, ok := s.users[userId]; ok {
		p = types.Presence{Status: e.status, LastSeen: e.lastSeen}
	}

	a, ok := s.announce[userId]
	if !ok {
		a = &announceState{}
		s.announce[userId] = a
	}
	a.pending = &p

	if a.running {
		return false
	}
	a.running = true
	return true
}

// nextAnnouncement returns the queued presence of userId if it differs from
// the last one announced. When nothing is left the caller stops delivering.
func (r *Registry) nextAnnouncement(userId string) (types.Presence, bool) {
	s := r.userShard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.announce[userId]
	if !ok {
		return types.Presence{}, false
	}

	if a.pending != nil {
		p := *a.pending
		a.pending = nil

		last := a.announced
		if last == "" {
			last = types.StatusOffline
		}
		if p.Status != last {
			a.announced = p.Status
			return p, true
		}
	}

	a.running = false
	if a.announced == "" || a.announced == types.StatusOffline {
		delete(s.announce, userId)
	}
	return types.Presence{}, false
}
