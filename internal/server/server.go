package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	NumActiveClients        = "NumActiveClients"
	NumActiveRooms          = "NumActiveRooms"
	NumMessagesSent         = "NumMessagesSent"
	NumNotificationsCreated = "NumNotificationsCreated"
	NumDeliveryFailures     = "NumDeliveryFailures"

	jobQueueSize = 256
	storeTimeout = 5 * time.Second
)

var metrics = []string{
	NumActiveClients,
	NumActiveRooms,
	NumMessagesSent,
	NumNotificationsCreated,
	NumDeliveryFailures,
}

// RateLimiter decides whether key may perform another action.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log      *log.Logger
	db       database.MessengerRepository
	stats    stats.StatsProvider
	registry *Registry
	local    *localDeliverer
	deliver  Deliverer
	limiter  RateLimiter
	notifier *Notifier
	tracer   trace.Tracer

	// rooms is owned by the Run goroutine.
	rooms          map[string]*Room
	jobChan        chan *roomJob
	unloadRoomChan chan *Room
	stop           chan stopReq
	done           chan struct{}
}

type Options struct {
	NotificationWorkers int
	RateLimiter         RateLimiter
}

func NewChatServer(logger *log.Logger, db database.MessengerRepository, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, fmt.Errorf("repository is required")
	}

	for _, name := range metrics {
		su.RegisterMetric(name)
	}

	registry := NewRegistry()
	local := &localDeliverer{log: logger, registry: registry, stats: su}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		registry:       registry,
		local:          local,
		deliver:        local,
		limiter:        opts.RateLimiter,
		tracer:         otel.Tracer("github.com/npezzotti/go-messenger/internal/server"),
		rooms:          make(map[string]*Room),
		jobChan:        make(chan *roomJob, jobQueueSize),
		unloadRoomChan: make(chan *Room, jobQueueSize),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
	cs.notifier = NewNotifier(logger, db, su, opts.NotificationWorkers)

	return cs, nil
}

// LocalDeliverer returns the deliverer that writes to connections held by
// this process.
func (cs *ChatServer) LocalDeliverer() Deliverer {
	return cs.local
}

// SetDeliverer replaces the deliverer used for fan-out. It must be called
// before Run.
func (cs *ChatServer) SetDeliverer(d Deliverer) {
	cs.deliver = d
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) Run() {
	cs.notifier.Start(cs.deliver)

	for {
		select {
		case job := <-cs.jobChan:
			r, ok := cs.rooms[job.key]
			if !ok {
				r = cs.newRoom(job.key)
				cs.rooms[job.key] = r
				cs.stats.Incr(NumActiveRooms)
				go r.start()
			}

			r.pending.Add(1)
			select {
			case r.jobs <- job:
			default:
				r.pending.Add(-1)
				cs.log.Printf("job queue full for room %q", r.key)
				job.fail(ErrUnavailable())
			}
		case r := <-cs.unloadRoomChan:
			cs.unloadRoom(r)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for key, r := range cs.rooms {
				close(r.exit)
				<-r.done
				delete(cs.rooms, key)
				cs.stats.Decr(NumActiveRooms)
			}
			close(cs.done)

			for _, c := range cs.registry.Clients() {
				c.stopClient()
			}

			cs.notifier.Stop()
			close(req.done)
			return
		}
	}
}

// unloadRoom stops an idle room worker. The worker is left running if it
// has a job queued or in flight, so Run never waits on a busy room.
func (cs *ChatServer) unloadRoom(r *Room) {
	if cs.rooms[r.key] != r {
		return
	}
	if r.pending.Load() > 0 {
		return
	}

	cs.log.Printf("unloading room %q", r.key)
	delete(cs.rooms, r.key)
	close(r.exit)
	<-r.done
	cs.stats.Decr(NumActiveRooms)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// RegisterClient admits c, subscribes it to the rooms its user belongs to
// and to the presence of the user's friends, and announces the user online
// if c is the first connection. c is admitted before the room snapshot is
// read so a room created meanwhile subscribes c either way.
func (cs *ChatServer) RegisterClient(ctx context.Context, c *Client) error {
	userId := c.user.Id

	cs.log.Printf("adding connection %q for %q", c.id, userId)
	cs.registry.Admit(c)

	friends, err := cs.db.ListFriends(ctx, userId)
	if err != nil {
		cs.rejectClient(c)
		return fmt.Errorf("list friends: %w", err)
	}

	refs, err := cs.roomsFor(ctx, userId)
	if err != nil {
		cs.rejectClient(c)
		return err
	}

	for _, ref := range refs {
		cs.registry.Subscribe(ref.Key(), c)
	}
	cs.registry.Watch(c, friends...)
	cs.stats.Incr(NumActiveClients)

	cs.announcePresence(userId, Now())
	return nil
}

// rejectClient undoes the admission of a connection that failed to
// register. Another connection of the user may have announced the user
// online in the meantime, so the offline transition is still announced.
func (cs *ChatServer) rejectClient(c *Client) {
	if last, p, ok := cs.registry.Evict(c); ok && last {
		cs.announcePresence(c.user.Id, p.LastSeen)
	}
}

// DeregisterClient evicts c. If it was the user's last connection the user
// is announced offline.
func (cs *ChatServer) DeregisterClient(c *Client) {
	last, p, ok := cs.registry.Evict(c)
	if !ok {
		return
	}

	cs.log.Printf("removing connection %q for %q", c.id, c.user.Id)
	cs.stats.Decr(NumActiveClients)

	if last {
		cs.announcePresence(c.user.Id, p.LastSeen)
	}
}

// FriendAdded starts presence delivery between two newly connected friends.
func (cs *ChatServer) FriendAdded(userId, friendId string) {
	for _, c := range cs.registry.ConnectionsFor(userId) {
		cs.registry.Watch(c, friendId)
	}
	for _, c := range cs.registry.ConnectionsFor(friendId) {
		cs.registry.Watch(c, userId)
	}
}

func (cs *ChatServer) FriendRemoved(userId, friendId string) {
	for _, c := range cs.registry.ConnectionsFor(userId) {
		cs.registry.Unwatch(c, friendId)
	}
	for _, c := range cs.registry.ConnectionsFor(friendId) {
		cs.registry.Unwatch(c, userId)
	}
}

// sequence runs fn on the worker of roomKey. Work submitted for the same
// room runs one at a time in submission order; different rooms run in
// parallel.
func (cs *ChatServer) sequence(ctx context.Context, roomKey string, fn func() error) error {
	result := make(chan error, 1)
	job := &roomJob{
		key:  roomKey,
		run:  func() { result <- fn() },
		fail: func(err error) { result <- err },
	}

	select {
	case cs.jobChan <- job:
	case <-cs.done:
		return errShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-cs.done:
		// rooms are drained before done is closed
		select {
		case err := <-result:
			return err
		default:
			return errShuttingDown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) newRoom(key string) *Room {
	return &Room{
		key:  key,
		cs:   cs,
		log:  cs.log,
		jobs: make(chan *roomJob, jobQueueSize),
		exit: make(chan struct{}),
		done: make(chan struct{}),
	}
}
