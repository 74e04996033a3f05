package server

import (
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

type recordingDeliverer struct {
	users chan string
}

func (d *recordingDeliverer) DeliverRoom(string, *ServerMessage, string) {}
func (d *recordingDeliverer) DeliverWatchers(string, *ServerMessage)     {}
func (d *recordingDeliverer) DeliverUser(userId string, msg *ServerMessage) {
	if msg.NotificationNew != nil {
		d.users <- userId
	}
}

func TestNotifier(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	su := new(stats.MockStatsUpdater)
	su.On("Incr", NumNotificationsCreated).Twice()

	n := NewNotifier(testutil.TestLogger(t), db, su, 2)
	d := &recordingDeliverer{users: make(chan string, 2)}

	ref := types.GroupRef("g1")
	params := database.CreateNotificationParams{RecipientId: "bob", SenderId: "alice", Type: NotificationTypeMessage, Room: &ref}
	assert.False(t, n.Enqueue(params), "expected enqueue before start to fail")

	n.Start(d)
	assert.True(t, n.Enqueue(params))
	assert.True(t, n.Enqueue(params))

	for i := 0; i < 2; i++ {
		select {
		case userId := <-d.users:
			assert.Equal(t, "bob", userId)
		case <-time.After(testTimeout):
			t.Fatal("expected notification to be delivered")
		}
	}

	n.Stop()
	n.Stop()
	assert.False(t, n.Enqueue(params), "expected enqueue after stop to fail")
	assert.Len(t, db.Notifications("bob"), 2)
	su.AssertExpectations(t)
}

func TestNotifier_StopWaitsForQueued(t *testing.T) {
	db := new(database.MockMessengerRepository)
	db.On("CreateNotification", mock.Anything, mock.Anything).
		Return(database.Notification{Id: "n1", RecipientId: "bob"}, nil).
		After(20 * time.Millisecond)

	n := NewNotifier(testutil.TestLogger(t), db, stats.NewLenientMockStatsUpdater(), 1)
	n.Start(&recordingDeliverer{users: make(chan string, 10)})
	for i := 0; i < 3; i++ {
		require.True(t, n.Enqueue(database.CreateNotificationParams{RecipientId: "bob"}))
	}

	n.Stop()
	db.AssertNumberOfCalls(t, "CreateNotification", 3)
}

func TestLocalDeliverer(t *testing.T) {
	su := new(stats.MockStatsUpdater)
	su.On("Incr", NumDeliveryFailures).Once()

	registry := NewRegistry()
	d := &localDeliverer{log: testutil.TestLogger(t), registry: registry, stats: su}

	alice := newRegistryClient("alice")
	bob := newRegistryClient("bob")
	stopped := newRegistryClient("carol")
	for _, c := range []*Client{alice, bob, stopped} {
		registry.Admit(c)
		registry.Subscribe("group:g1", c)
	}
	registry.Watch(bob, "alice")
	stopped.stopClient()

	d.DeliverRoom("group:g1", typingUpdate("alice", true, types.GroupRef("g1")), "alice")
	assert.Len(t, bob.send, 1)
	assert.Empty(t, alice.send)

	d.DeliverUser("alice", statusUpdated(1, types.StatusAway))
	assert.Len(t, alice.send, 1)

	d.DeliverWatchers("alice", userStatus("alice", types.Presence{Status: types.StatusAway}))
	assert.Len(t, bob.send, 2)

	su.AssertExpectations(t)
}
