package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// sendAll sends each content from c into room and returns the stored
// message ids in order.
func sendAll(t *testing.T, cs *ChatServer, c *Client, room types.RoomRef, contents ...string) []string {
	t.Helper()

	var ids []string
	for i, content := range contents {
		require.NoError(t, cs.Send(context.Background(), c, i+1, room.Kind(), &SendMessage{Room: room, Content: content}))
		ids = append(ids, nextMessage(t, c, isMessageDelivered).MessageDelivered.Message.Id)
	}
	return ids
}

func TestMarkRead_Receipts(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	conv := createConversation(t, db, "alice", "bob")
	cs := newTestChatServer(t, db)
	ctx := context.Background()

	alice := connect(t, cs, "alice")
	bob1 := connect(t, cs, "bob")
	bob2 := connect(t, cs, "bob")

	ids := sendAll(t, cs, alice, conv.Ref, "one", "two")

	require.NoError(t, cs.MarkRead(ctx, bob1, ids, nil))

	receipt := nextMessage(t, alice, isReadReceipt)
	assert.Equal(t, "bob", receipt.ReadReceipt.ReaderId)
	assert.ElementsMatch(t, ids, receipt.ReadReceipt.MessageIds)
	assert.Equal(t, conv.Ref, receipt.ReadReceipt.Room)

	assertNoMessage(t, bob1, isReadReceipt)
	assertNoMessage(t, bob2, isReadReceipt)

	msgs, err := db.GetMessages(ctx, ids)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.ElementsMatch(t, []string{"alice", "bob"}, m.ReadBy)
	}

	stored, err := db.GetRoom(ctx, conv.Ref)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Unread("bob"), "marking messages without a room leaves the counter")
}

func TestMarkRead_Room(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	conv := createConversation(t, db, "alice", "bob")
	cs := newTestChatServer(t, db)
	ctx := context.Background()

	alice := connect(t, cs, "alice")
	bob := connect(t, cs, "bob")
	ids := sendAll(t, cs, alice, conv.Ref, "one", "two", "three")

	stored, err := db.GetRoom(ctx, conv.Ref)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Unread("bob"))

	ref := conv.Ref
	require.NoError(t, cs.MarkRead(ctx, bob, ids[:1], &ref))

	stored, err = db.GetRoom(ctx, conv.Ref)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Unread("bob"))

	receipt := nextMessage(t, alice, isReadReceipt)
	assert.Equal(t, ids[:1], receipt.ReadReceipt.MessageIds)

	require.NoError(t, cs.MarkRead(ctx, bob, nil, &ref), "a room alone resets the counter")
	receipt = nextMessage(t, alice, isReadReceipt)
	assert.Empty(t, receipt.ReadReceipt.MessageIds)
	assert.NotNil(t, receipt.ReadReceipt.MessageIds)
}

func TestMarkRead_Idempotent(t *testing.T) {
	db := newMemoryRepo("alice", "bob")
	conv := createConversation(t, db, "alice", "bob")
	cs := newTestChatServer(t, db)
	ctx := context.Background()

	alice := newTestClient(cs, "alice")
	bob := newTestClient(cs, "bob")
	ids := sendAll(t, cs, alice, conv.Ref, "one", "two", "three")
	withDuplicate := append(slices.Clone(ids), ids[0])

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := conv.Ref
			assert.NoError(t, cs.MarkRead(ctx, bob, withDuplicate, &ref))
		}()
	}
	wg.Wait()

	msgs, err := db.GetMessages(ctx, ids)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, []string{"alice", "bob"}, m.ReadBy, "reader recorded exactly once")
	}

	stored, err := db.GetRoom(ctx, conv.Ref)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Unread("bob"))
}

func TestMarkRead_Rejected(t *testing.T) {
	db := newMemoryRepo("alice", "bob", "carol")
	conv := createConversation(t, db, "alice", "bob")
	other := createConversation(t, db, "alice", "carol")
	cs := newTestChatServer(t, db)
	ctx := context.Background()

	alice := newTestClient(cs, "alice")
	convIds := sendAll(t, cs, alice, conv.Ref, "for bob")
	otherIds := sendAll(t, cs, alice, other.Ref, "for carol")

	convRef := conv.Ref
	tests := []struct {
		name   string
		reader string
		ids    []string
		room   *types.RoomRef
		code   int
	}{
		{name: "nothing to mark", reader: "bob", code: http.StatusBadRequest},
		{name: "invalid room", reader: "bob", room: &types.RoomRef{}, code: http.StatusBadRequest},
		{name: "unknown message", reader: "bob", ids: []string{convIds[0], "missing"}, code: http.StatusNotFound},
		{name: "message from another room", reader: "bob", ids: otherIds, room: &convRef, code: http.StatusBadRequest},
		{name: "not a member", reader: "bob", ids: otherIds, code: http.StatusForbidden},
		{name: "not a member of the room", reader: "carol", room: &convRef, code: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cs.MarkRead(ctx, newTestClient(cs, tt.reader), tt.ids, tt.room)
			assertChatError(t, err, tt.code)
		})
	}

	msgs, err := db.GetMessages(ctx, append(convIds, otherIds...))
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, []string{"alice"}, m.ReadBy, "rejected requests must not change read state")
	}
}

func TestMarkRead_TooManyIds(t *testing.T) {
	cs := newTestChatServer(t, newMemoryRepo("bob"))

	ids := make([]string, maxMarkRead+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}

	err := cs.MarkRead(context.Background(), newTestClient(cs, "bob"), ids, nil)
	assertChatError(t, err, http.StatusBadRequest)
}

func TestMarkRead_StoreFailure(t *testing.T) {
	ref := types.ConversationRef("c1")
	db := new(database.MockMessengerRepository)
	db.On("GetMessages", mock.Anything, []string{"m1"}).Return([]database.Message{{Id: "m1", Room: ref, SenderId: "alice"}}, nil)
	db.On("GetRoom", mock.Anything, ref).Return(database.Room{Ref: ref, Members: []string{"alice", "bob"}}, nil)
	db.On("MarkMessagesRead", mock.Anything, "bob", []string{"m1"}).Return(errors.New("write conflict"))

	cs := newTestChatServer(t, db)
	bob := newTestClient(cs, "bob")

	err := cs.MarkRead(context.Background(), bob, []string{"m1"}, nil)
	assertChatError(t, err, http.StatusInternalServerError)
	db.AssertNotCalled(t, "ResetUnread", mock.Anything, mock.Anything, mock.Anything)
}

func TestCompactIds(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, compactIds([]string{"a", "", "b", "a"}))
	assert.Nil(t, compactIds(nil))
}
