package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

var displayNames = map[string]string{
	"alice": "Alice",
	"bob":   "Bob",
	"carol": "Carol",
	"dave":  "Dave",
}

func newMemoryRepo(userIds ...string) *database.MemoryMessengerRepository {
	db := database.NewMemoryMessengerRepository()
	for _, id := range userIds {
		db.AddUser(database.User{Id: id, Username: id, DisplayName: displayNames[id]})
	}
	return db
}

// newTestChatServer returns a running chat server that is shut down when
// the test ends.
func newTestChatServer(t *testing.T, db database.MessengerRepository) *ChatServer {
	t.Helper()
	return newTestChatServerWithOptions(t, db, Options{NotificationWorkers: 2})
}

func newTestChatServerWithOptions(t *testing.T, db database.MessengerRepository, opts Options) *ChatServer {
	t.Helper()

	cs, err := NewChatServer(testutil.TestLogger(t), db, stats.NewLenientMockStatsUpdater(), opts)
	require.NoError(t, err)

	go cs.Run()
	t.Cleanup(func() {
		select {
		case <-cs.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})
	return cs
}

// newTestClient returns a connection of userId that is not registered and
// has no socket.
func newTestClient(cs *ChatServer, userId string) *Client {
	return NewClient(types.User{Id: userId, Username: userId, DisplayName: displayNames[userId]}, nil, cs, cs.log)
}

func connect(t *testing.T, cs *ChatServer, userId string) *Client {
	t.Helper()

	c := newTestClient(cs, userId)
	require.NoError(t, cs.RegisterClient(context.Background(), c))
	return c
}

func createConversation(t *testing.T, db database.MessengerRepository, a, b string) database.Room {
	t.Helper()

	room, err := db.CreateRoom(context.Background(), database.CreateRoomParams{
		Kind:      types.RoomKindConversation,
		CreatorId: a,
		Members:   []string{a, b},
	})
	require.NoError(t, err)
	return room
}

func createGroup(t *testing.T, db database.MessengerRepository, name string, members ...string) database.Room {
	t.Helper()

	room, err := db.CreateRoom(context.Background(), database.CreateRoomParams{
		Kind:      types.RoomKindGroup,
		Name:      name,
		CreatorId: members[0],
		Members:   members,
	})
	require.NoError(t, err)
	return room
}

// nextMessage waits for the first message queued to c that satisfies
// match. Messages that do not match are discarded.
func nextMessage(t *testing.T, c *Client, match func(*ServerMessage) bool) *ServerMessage {
	t.Helper()

	timer := time.NewTimer(testTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-c.send:
			if match(msg) {
				return msg
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for message on connection of %q", c.user.Id)
			return nil
		}
	}
}

func assertNoMessage(t *testing.T, c *Client, match func(*ServerMessage) bool) {
	t.Helper()

	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case msg := <-c.send:
			if match(msg) {
				t.Errorf("unexpected message on connection of %q: %+v", c.user.Id, msg)
				return
			}
		case <-timer.C:
			return
		}
	}
}

func isMessageDelivered(m *ServerMessage) bool { return m.MessageDelivered != nil }
func isNotification(m *ServerMessage) bool     { return m.NotificationNew != nil }
func isReadReceipt(m *ServerMessage) bool      { return m.ReadReceipt != nil }
func isTypingUpdate(m *ServerMessage) bool     { return m.TypingUpdate != nil }
func isMessageDeleted(m *ServerMessage) bool   { return m.MessageDeleted != nil }
func isError(m *ServerMessage) bool            { return m.Error != nil }

func isUserStatus(userId string) func(*ServerMessage) bool {
	return func(m *ServerMessage) bool {
		return m.UserStatus != nil && m.UserStatus.UserId == userId
	}
}

func assertChatError(t *testing.T, err error, code int) {
	t.Helper()

	var ce *ChatError
	if assert.True(t, errors.As(err, &ce), "expected a ChatError, got %v", err) {
		assert.Equal(t, code, ce.Code, "unexpected code for %v", err)
	}
}

func TestNewChatServer(t *testing.T) {
	su := new(stats.MockStatsUpdater)
	for _, name := range metrics {
		su.On("RegisterMetric", name).Once()
	}

	cs, err := NewChatServer(testutil.TestLogger(t), newMemoryRepo(), su, Options{})
	require.NoError(t, err)
	assert.NotNil(t, cs.registry)
	assert.NotNil(t, cs.notifier)
	assert.Equal(t, cs.LocalDeliverer(), cs.deliver, "expected local delivery by default")
	su.AssertExpectations(t)

	_, err = NewChatServer(testutil.TestLogger(t), nil, su, Options{})
	assert.Error(t, err)
}

func TestChatServer_Shutdown(t *testing.T) {
	db := newMemoryRepo("alice")
	cs, err := NewChatServer(testutil.TestLogger(t), db, stats.NewLenientMockStatsUpdater(), Options{})
	require.NoError(t, err)
	go cs.Run()

	c := connect(t, cs, "alice")
	require.NoError(t, cs.sequence(context.Background(), "group:g1", func() error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected connection to be stopped on shutdown")
	}
	assert.Empty(t, cs.rooms)

	err = cs.sequence(context.Background(), "group:g1", func() error { return nil })
	assert.ErrorIs(t, err, errShuttingDown)
}

func TestChatServer_ShutdownTimeout(t *testing.T) {
	cs, err := NewChatServer(testutil.TestLogger(t), newMemoryRepo(), stats.NewLenientMockStatsUpdater(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRegisterClient_AnnouncesFirstAndLastConnection(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	db.AddFriendship("alice", "bob")
	cs := newTestChatServer(t, db)
	ctx := context.Background()

	bob := connect(t, cs, "bob")

	alice1 := connect(t, cs, "alice")
	online := nextMessage(t, bob, isUserStatus("alice"))
	assert.Equal(t, types.StatusOnline, online.UserStatus.Status)

	stored, err := db.GetPresence(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, stored["alice"].Status)

	alice2 := connect(t, cs, "alice")
	assertNoMessage(t, bob, isUserStatus("alice"))

	cs.DeregisterClient(alice1)
	assertNoMessage(t, bob, isUserStatus("alice"))
	assert.True(t, cs.registry.IsOnline("alice"))

	cs.DeregisterClient(alice2)
	offline := nextMessage(t, bob, isUserStatus("alice"))
	assert.Equal(t, types.StatusOffline, offline.UserStatus.Status)
	assert.False(t, offline.UserStatus.LastSeen.IsZero())
	assert.False(t, cs.registry.IsOnline("alice"))

	stored, err = db.GetPresence(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, stored["alice"].Status)
}

func TestRegisterClient_SubscribesToRooms(t *testing.T) {
	db := newMemoryRepo("alice", "bob", "carol")
	conv := createConversation(t, db, "alice", "bob")
	group := createGroup(t, db, "team", "bob", "carol")
	cs := newTestChatServer(t, db)

	alice := connect(t, cs, "alice")
	assert.True(t, cs.registry.IsSubscribed(conv.Ref.Key(), alice))
	assert.False(t, cs.registry.IsSubscribed(group.Ref.Key(), alice))

	cs.DeregisterClient(alice)
	assert.Empty(t, cs.registry.Subscribers(conv.Ref.Key()))
}

func TestRegisterClient_StoreFailure(t *testing.T) {
	db := new(database.MockMessengerRepository)
	db.On("ListFriends", mock.Anything, "alice").Return(nil, errors.New("connection refused"))

	cs, err := NewChatServer(testutil.TestLogger(t), db, stats.NewLenientMockStatsUpdater(), Options{})
	require.NoError(t, err)

	err = cs.RegisterClient(context.Background(), newTestClient(cs, "alice"))
	assert.Error(t, err)
	assert.False(t, cs.registry.IsOnline("alice"))
	db.AssertNotCalled(t, "UpdatePresence", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// pausingRepo blocks ListRoomsForUser for one user until released.
type pausingRepo struct {
	database.MessengerRepository
	userId   string
	roomsErr error
	entered  chan struct{}
	release  chan struct{}
}

func newPausingRepo(db database.MessengerRepository, userId string) *pausingRepo {
	return &pausingRepo{
		MessengerRepository: db,
		userId:              userId,
		entered:             make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (r *pausingRepo) ListRoomsForUser(ctx context.Context, userId string) ([]types.RoomRef, error) {
	if userId == r.userId {
		close(r.entered)
		<-r.release
		if r.roomsErr != nil {
			return nil, r.roomsErr
		}
	}
	return r.MessengerRepository.ListRoomsForUser(ctx, userId)
}

func TestRegisterClient_RoomCreatedDuringRegistration(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	repo := newPausingRepo(db, "bob")
	cs := newTestChatServer(t, repo)
	ctx := context.Background()

	bob := newTestClient(cs, "bob")
	registered := make(chan error, 1)
	go func() { registered <- cs.RegisterClient(ctx, bob) }()

	select {
	case <-repo.entered:
	case <-time.After(testTimeout):
		t.Fatal("registration did not read the room list")
	}

	room, err := cs.CreateRoom(ctx, "alice", CreateRoomRequest{
		Kind:    types.RoomKindConversation,
		Members: []string{"bob"},
	})
	require.NoError(t, err)

	close(repo.release)
	require.NoError(t, <-registered)

	assert.True(t, cs.registry.IsSubscribed(room.Ref.Key(), bob))
}

func TestRegisterClient_RoomListFailure(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	db.AddFriendship("alice", "bob")
	repo := newPausingRepo(db, "alice")
	repo.roomsErr = errors.New("connection refused")
	cs := newTestChatServer(t, repo)
	ctx := context.Background()

	bob := connect(t, cs, "bob")

	alice := newTestClient(cs, "alice")
	registered := make(chan error, 1)
	go func() { registered <- cs.RegisterClient(ctx, alice) }()

	select {
	case <-repo.entered:
	case <-time.After(testTimeout):
		t.Fatal("registration did not read the room list")
	}
	// admitted while the room list is read
	assert.True(t, cs.registry.IsOnline("alice"))

	close(repo.release)
	assert.Error(t, <-registered)

	assert.False(t, cs.registry.IsOnline("alice"))
	assert.Empty(t, cs.registry.Watchers("bob"))
	assertNoMessage(t, bob, isUserStatus("alice"))
}

func TestDeregisterClient_Idempotent(t *testing.T) {
	db := newMemoryRepo("alice")
	su := new(stats.MockStatsUpdater)
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", NumActiveClients).Once()
	su.On("Decr", NumActiveClients).Once()

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, Options{})
	require.NoError(t, err)

	c := newTestClient(cs, "alice")
	require.NoError(t, cs.RegisterClient(context.Background(), c))

	cs.DeregisterClient(c)
	cs.DeregisterClient(c)
	su.AssertExpectations(t)
}

func TestFriendAddedAndRemoved(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	cs := newTestChatServer(t, db)

	alice := connect(t, cs, "alice")
	bob := connect(t, cs, "bob")

	cs.FriendAdded("alice", "bob")
	assert.ElementsMatch(t, []*Client{bob}, cs.registry.Watchers("alice"))
	assert.ElementsMatch(t, []*Client{alice}, cs.registry.Watchers("bob"))

	cs.FriendRemoved("alice", "bob")
	assert.Empty(t, cs.registry.Watchers("alice"))
	assert.Empty(t, cs.registry.Watchers("bob"))
}

func TestSequence_SerializesPerRoom(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cs.sequence(context.Background(), "group:g1", func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestSequence_RoomsRunInParallel(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo())

	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- cs.sequence(context.Background(), "group:slow", func() error {
			<-release
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NoError(t, cs.sequence(ctx, "group:fast", func() error { return nil }))

	close(release)
	assert.NoError(t, <-blocked)
}

func TestSequence_ReturnsJobError(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo())

	err := cs.sequence(context.Background(), "group:g1", func() error { return ErrForbidden("nope") })
	assertChatError(t, err, 403)
}

func TestUnloadRoom(t *testing.T) {
	cs, err := NewChatServer(testutil.TestLogger(t), newMemoryRepo(), stats.NewLenientMockStatsUpdater(), Options{})
	require.NoError(t, err)

	t.Run("idle room", func(t *testing.T) {
		r := cs.newRoom("group:idle")
		cs.rooms[r.key] = r
		go r.start()

		cs.unloadRoom(r)
		assert.NotContains(t, cs.rooms, r.key)
		select {
		case <-r.done:
		case <-time.After(testTimeout):
			t.Fatal("expected room worker to exit")
		}
	})

	t.Run("room with queued work", func(t *testing.T) {
		r := cs.newRoom("group:busy")
		cs.rooms[r.key] = r
		r.pending.Add(1)
		r.jobs <- &roomJob{key: r.key, run: func() {}, fail: func(error) {}}

		cs.unloadRoom(r)
		assert.Equal(t, r, cs.rooms[r.key])
	})

	t.Run("room running a job", func(t *testing.T) {
		r := cs.newRoom("group:running")
		cs.rooms[r.key] = r
		go r.start()

		started := make(chan struct{})
		release := make(chan struct{})
		r.pending.Add(1)
		r.jobs <- &roomJob{
			key:  r.key,
			run:  func() { close(started); <-release },
			fail: func(error) {},
		}
		select {
		case <-started:
		case <-time.After(testTimeout):
			t.Fatal("job did not start")
		}

		returned := make(chan struct{})
		go func() {
			cs.unloadRoom(r)
			close(returned)
		}()
		select {
		case <-returned:
		case <-time.After(100 * time.Millisecond):
			close(release)
			t.Fatal("unloadRoom waited for the running job")
		}
		assert.Equal(t, r, cs.rooms[r.key])

		close(release)
		require.Eventually(t, func() bool { return r.pending.Load() == 0 }, testTimeout, 5*time.Millisecond)

		cs.unloadRoom(r)
		assert.NotContains(t, cs.rooms, r.key)
		select {
		case <-r.done:
		case <-time.After(testTimeout):
			t.Fatal("expected room worker to exit")
		}
	})

	t.Run("replaced room", func(t *testing.T) {
		current := cs.newRoom("group:replaced")
		cs.rooms[current.key] = current
		stale := cs.newRoom("group:replaced")

		cs.unloadRoom(stale)
		assert.Equal(t, current, cs.rooms[current.key])
	})
}

func TestRoom_RunsQueuedJobsOnExit(t *testing.T) {
	cs, err := NewChatServer(testutil.TestLogger(t), newMemoryRepo(), stats.NewLenientMockStatsUpdater(), Options{})
	require.NoError(t, err)

	r := cs.newRoom("group:g1")
	var ran int32
	for i := 0; i < 2; i++ {
		r.pending.Add(1)
		r.jobs <- &roomJob{key: r.key, run: func() { atomic.AddInt32(&ran, 1) }, fail: func(error) {}}
	}
	close(r.exit)

	go r.start()
	select {
	case <-r.done:
	case <-time.After(testTimeout):
		t.Fatal("expected room worker to exit")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
	assert.Equal(t, int32(0), r.pending.Load())
}
