package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	roomsCollection         = "rooms"
	messagesCollection      = "messages"
	notificationsCollection = "notifications"
)

type mongoUser struct {
	Id          string    `bson:"_id"`
	Username    string    `bson:"username"`
	DisplayName string    `bson:"displayName"`
	Avatar      string    `bson:"avatar"`
	Status      string    `bson:"status"`
	LastSeen    time.Time `bson:"lastSeen,omitempty"`
	Friends     []string  `bson:"friends"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

type mongoRoom struct {
	Id          string         `bson:"_id"`
	Kind        string         `bson:"kind"`
	Name        string         `bson:"name"`
	Members     []string       `bson:"members"`
	Admins      []string       `bson:"admins"`
	CreatorId   string         `bson:"creatorId"`
	IsActive    bool           `bson:"isActive"`
	LastMessage string         `bson:"lastMessage,omitempty"`
	UnreadCount map[string]int `bson:"unreadCount"`
	CreatedAt   time.Time      `bson:"createdAt"`
	UpdatedAt   time.Time      `bson:"updatedAt"`
}

type mongoAttachment struct {
	Url      string `bson:"url"`
	Name     string `bson:"name,omitempty"`
	MimeType string `bson:"mimeType,omitempty"`
	Size     int64  `bson:"size,omitempty"`
}

type mongoMessage struct {
	Id          string            `bson:"_id"`
	RoomKind    string            `bson:"roomKind"`
	RoomId      string            `bson:"roomId"`
	SenderId    string            `bson:"senderId"`
	Content     string            `bson:"content"`
	Attachments []mongoAttachment `bson:"attachments"`
	ReadBy      []string          `bson:"readBy"`
	IsDeleted   bool              `bson:"isDeleted"`
	CreatedAt   time.Time         `bson:"createdAt"`
	UpdatedAt   time.Time         `bson:"updatedAt"`
}

type mongoNotification struct {
	Id          string    `bson:"_id"`
	RecipientId string    `bson:"recipientId"`
	SenderId    string    `bson:"senderId"`
	Type        string    `bson:"type"`
	Title       string    `bson:"title"`
	Content     string    `bson:"content"`
	RoomKind    string    `bson:"roomKind,omitempty"`
	RoomId      string    `bson:"roomId,omitempty"`
	MessageId   string    `bson:"messageId,omitempty"`
	IsRead      bool      `bson:"isRead"`
	CreatedAt   time.Time `bson:"createdAt"`
}

// MongoMessengerRepository stores users, rooms, messages and notifications
// as documents. Unread counters live in a map on the room document and are
// changed only with $inc/$set on individual keys.
type MongoMessengerRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoMessengerRepository(ctx context.Context, uri, dbName string) (*MongoMessengerRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &MongoMessengerRepository{client: client, db: client.Database(dbName)}, nil
}

func (s *MongoMessengerRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		roomsCollection: {
			{Keys: bson.D{{Key: "members", Value: 1}, {Key: "isActive", Value: 1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "roomKind", Value: 1}, {Key: "roomId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		notificationsCollection: {
			{Keys: bson.D{{Key: "recipientId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}

	return nil
}

func (s *MongoMessengerRepository) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoMessengerRepository) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoMessengerRepository) GetUser(ctx context.Context, userId string) (User, error) {
	var doc mongoUser
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userId}).Decode(&doc)
	if err != nil {
		return User{}, notFound(err)
	}

	return User{
		Id:          doc.Id,
		Username:    doc.Username,
		DisplayName: doc.DisplayName,
		Avatar:      doc.Avatar,
		Status:      doc.Status,
		LastSeen:    doc.LastSeen,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (s *MongoMessengerRepository) ListFriends(ctx context.Context, userId string) ([]string, error) {
	var doc mongoUser
	err := s.db.Collection(usersCollection).FindOne(ctx,
		bson.M{"_id": userId},
		options.FindOne().SetProjection(bson.M{"friends": 1}),
	).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}

	return doc.Friends, nil
}

func (s *MongoMessengerRepository) UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error {
	res, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userId},
		bson.M{"$set": bson.M{"status": status, "lastSeen": lastSeen, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *MongoMessengerRepository) TouchLastSeen(ctx context.Context, userId string, lastSeen time.Time) error {
	res, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userId},
		bson.M{"$set": bson.M{"lastSeen": lastSeen}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *MongoMessengerRepository) GetPresence(ctx context.Context, userIds []string) (map[string]types.Presence, error) {
	cur, err := s.db.Collection(usersCollection).Find(ctx,
		bson.M{"_id": bson.M{"$in": userIds}},
		options.Find().SetProjection(bson.M{"status": 1, "lastSeen": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}

	var docs []mongoUser
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	res := make(map[string]types.Presence, len(docs))
	for _, doc := range docs {
		res[doc.Id] = types.Presence{Status: doc.Status, LastSeen: doc.LastSeen}
	}

	return res, nil
}

func (s *MongoMessengerRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	if params.Kind != types.RoomKindConversation && params.Kind != types.RoomKindGroup {
		return Room{}, fmt.Errorf("unknown room kind %q", params.Kind)
	}

	now := time.Now().UTC()
	doc := mongoRoom{
		Id:          primitive.NewObjectID().Hex(),
		Kind:        params.Kind,
		Name:        params.Name,
		Members:     slices.Clone(params.Members),
		Admins:      []string{},
		CreatorId:   params.CreatorId,
		IsActive:    true,
		UnreadCount: make(map[string]int, len(params.Members)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if params.Kind == types.RoomKindGroup {
		doc.Admins = []string{params.CreatorId}
	}
	for _, member := range params.Members {
		doc.UnreadCount[member] = 0
	}

	if _, err := s.db.Collection(roomsCollection).InsertOne(ctx, doc); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return doc.toRoom(), nil
}

func (s *MongoMessengerRepository) GetRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	var doc mongoRoom
	err := s.db.Collection(roomsCollection).FindOne(ctx, roomFilter(ref)).Decode(&doc)
	if err != nil {
		return Room{}, notFound(err)
	}

	return doc.toRoom(), nil
}

func (s *MongoMessengerRepository) ListRoomsForUser(ctx context.Context, userId string) ([]types.RoomRef, error) {
	cur, err := s.db.Collection(roomsCollection).Find(ctx,
		bson.M{"members": userId, "isActive": true},
		options.Find().SetProjection(bson.M{"kind": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}

	var docs []mongoRoom
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	refs := make([]types.RoomRef, 0, len(docs))
	for _, doc := range docs {
		refs = append(refs, doc.ref())
	}

	return refs, nil
}

func (s *MongoMessengerRepository) FindConversation(ctx context.Context, a, b string) (Room, error) {
	var doc mongoRoom
	err := s.db.Collection(roomsCollection).FindOne(ctx,
		bson.M{
			"kind":     types.RoomKindConversation,
			"isActive": true,
			"members":  bson.M{"$all": bson.A{a, b}},
		},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	).Decode(&doc)
	if err != nil {
		return Room{}, notFound(err)
	}

	return doc.toRoom(), nil
}

func (s *MongoMessengerRepository) AddGroupMember(ctx context.Context, groupId, userId string) (Room, error) {
	ref := types.GroupRef(groupId)
	res, err := s.db.Collection(roomsCollection).UpdateOne(ctx,
		roomFilter(ref),
		bson.M{
			"$addToSet": bson.M{"members": userId},
			"$set":      bson.M{"isActive": true, "updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return Room{}, fmt.Errorf("add member: %w", err)
	}
	if res.MatchedCount == 0 {
		return Room{}, ErrNotFound
	}

	return s.GetRoom(ctx, ref)
}

func (s *MongoMessengerRepository) ApplyGroupLeave(ctx context.Context, groupId string, leave GroupLeave) (Room, error) {
	ref := types.GroupRef(groupId)

	set := bson.M{"updatedAt": time.Now().UTC()}
	if leave.NewCreatorId != "" {
		set["creatorId"] = leave.NewCreatorId
	}
	if leave.Deactivate {
		set["isActive"] = false
	}

	res, err := s.db.Collection(roomsCollection).UpdateOne(ctx,
		roomFilter(ref),
		bson.M{
			"$pull":  bson.M{"members": leave.UserId, "admins": leave.UserId},
			"$unset": bson.M{"unreadCount." + leave.UserId: ""},
			"$set":   set,
		},
	)
	if err != nil {
		return Room{}, fmt.Errorf("remove member: %w", err)
	}
	if res.MatchedCount == 0 {
		return Room{}, ErrNotFound
	}

	if leave.PromoteTo != "" {
		_, err := s.db.Collection(roomsCollection).UpdateOne(ctx,
			bson.M{"_id": groupId, "members": leave.PromoteTo},
			bson.M{"$addToSet": bson.M{"admins": leave.PromoteTo}},
		)
		if err != nil {
			return Room{}, fmt.Errorf("promote member: %w", err)
		}
	}

	return s.GetRoom(ctx, ref)
}

func (s *MongoMessengerRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	count, err := s.db.Collection(roomsCollection).CountDocuments(ctx, roomFilter(params.Room))
	if err != nil {
		return Message{}, fmt.Errorf("count rooms: %w", err)
	}
	if count == 0 {
		return Message{}, ErrNotFound
	}

	doc := mongoMessage{
		Id:          primitive.NewObjectID().Hex(),
		RoomKind:    params.Room.Kind(),
		RoomId:      params.Room.Id(),
		SenderId:    params.SenderId,
		Content:     params.Content,
		Attachments: toMongoAttachments(params.Attachments),
		ReadBy:      []string{params.SenderId},
		CreatedAt:   params.CreatedAt,
		UpdatedAt:   params.CreatedAt,
	}

	if _, err := s.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return doc.toMessage(), nil
}

func (s *MongoMessengerRepository) UpdateRoomOnMessage(ctx context.Context, ref types.RoomRef, messageId, senderId string) error {
	var doc mongoRoom
	err := s.db.Collection(roomsCollection).FindOne(ctx,
		roomFilter(ref),
		options.FindOne().SetProjection(bson.M{"members": 1}),
	).Decode(&doc)
	if err != nil {
		return notFound(err)
	}

	update := bson.M{
		"$set": bson.M{"lastMessage": messageId, "updatedAt": time.Now().UTC()},
	}

	inc := bson.M{}
	for _, member := range doc.Members {
		if member != senderId {
			inc["unreadCount."+member] = 1
		}
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	res, err := s.db.Collection(roomsCollection).UpdateOne(ctx, roomFilter(ref), update)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *MongoMessengerRepository) GetMessages(ctx context.Context, messageIds []string) ([]Message, error) {
	cur, err := s.db.Collection(messagesCollection).Find(ctx,
		bson.M{"_id": bson.M{"$in": messageIds}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	return s.populateSenders(ctx, docs)
}

func (s *MongoMessengerRepository) ListMessages(ctx context.Context, ref types.RoomRef, before time.Time, limit int) ([]Message, error) {
	filter := bson.M{"roomKind": ref.Kind(), "roomId": ref.Id()}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before}
	}

	cur, err := s.db.Collection(messagesCollection).Find(ctx,
		filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(normalizeLimit(limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	slices.Reverse(docs)

	return s.populateSenders(ctx, docs)
}

func (s *MongoMessengerRepository) MarkMessagesRead(ctx context.Context, readerId string, messageIds []string) error {
	_, err := s.db.Collection(messagesCollection).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": messageIds}},
		bson.M{"$addToSet": bson.M{"readBy": readerId}},
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	return nil
}

func (s *MongoMessengerRepository) ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error {
	filter := roomFilter(ref)
	filter["members"] = userId

	_, err := s.db.Collection(roomsCollection).UpdateOne(ctx,
		filter,
		bson.M{"$set": bson.M{"unreadCount." + userId: 0}},
	)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	return nil
}

func (s *MongoMessengerRepository) SoftDeleteMessage(ctx context.Context, messageId string) (Message, error) {
	var doc mongoMessage
	err := s.db.Collection(messagesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": messageId},
		bson.M{"$set": bson.M{
			"isDeleted":   true,
			"content":     types.DeletedMessageContent,
			"attachments": []mongoAttachment{},
			"updatedAt":   time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return Message{}, notFound(err)
	}

	messages, err := s.populateSenders(ctx, []mongoMessage{doc})
	if err != nil {
		return Message{}, err
	}

	return messages[0], nil
}

func (s *MongoMessengerRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	doc := mongoNotification{
		Id:          primitive.NewObjectID().Hex(),
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Type:        params.Type,
		Title:       params.Title,
		Content:     params.Content,
		MessageId:   params.MessageId,
		CreatedAt:   time.Now().UTC(),
	}
	if params.Room != nil {
		doc.RoomKind = params.Room.Kind()
		doc.RoomId = params.Room.Id()
	}

	if _, err := s.db.Collection(notificationsCollection).InsertOne(ctx, doc); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	return Notification{
		Id:          doc.Id,
		RecipientId: doc.RecipientId,
		SenderId:    doc.SenderId,
		Type:        doc.Type,
		Title:       doc.Title,
		Content:     doc.Content,
		Room:        params.Room,
		MessageId:   doc.MessageId,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func (s *MongoMessengerRepository) populateSenders(ctx context.Context, docs []mongoMessage) ([]Message, error) {
	var senderIds []string
	for _, doc := range docs {
		if !slices.Contains(senderIds, doc.SenderId) {
			senderIds = append(senderIds, doc.SenderId)
		}
	}

	senders := make(map[string]mongoUser, len(senderIds))
	if len(senderIds) > 0 {
		cur, err := s.db.Collection(usersCollection).Find(ctx,
			bson.M{"_id": bson.M{"$in": senderIds}},
			options.Find().SetProjection(bson.M{"displayName": 1, "avatar": 1}),
		)
		if err != nil {
			return nil, fmt.Errorf("find senders: %w", err)
		}

		var users []mongoUser
		if err := cur.All(ctx, &users); err != nil {
			return nil, fmt.Errorf("decode senders: %w", err)
		}
		for _, u := range users {
			senders[u.Id] = u
		}
	}

	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		msg := doc.toMessage()
		if u, ok := senders[doc.SenderId]; ok {
			msg.SenderName = u.DisplayName
			msg.SenderAvatar = u.Avatar
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func roomFilter(ref types.RoomRef) bson.M {
	return bson.M{"_id": ref.Id(), "kind": ref.Kind()}
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (d mongoRoom) ref() types.RoomRef {
	if d.Kind == types.RoomKindGroup {
		return types.GroupRef(d.Id)
	}
	return types.ConversationRef(d.Id)
}

func (d mongoRoom) toRoom() Room {
	unread := make(map[string]int, len(d.UnreadCount))
	for k, v := range d.UnreadCount {
		unread[k] = v
	}

	return Room{
		Ref:           d.ref(),
		Name:          d.Name,
		Members:       d.Members,
		Admins:        d.Admins,
		CreatorId:     d.CreatorId,
		IsActive:      d.IsActive,
		LastMessageId: d.LastMessage,
		UnreadCount:   unread,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (d mongoMessage) toMessage() Message {
	ref := types.ConversationRef(d.RoomId)
	if d.RoomKind == types.RoomKindGroup {
		ref = types.GroupRef(d.RoomId)
	}

	attachments := make([]types.Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		attachments = append(attachments, types.Attachment{
			Url:      a.Url,
			Name:     a.Name,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}

	return Message{
		Id:          d.Id,
		Room:        ref,
		SenderId:    d.SenderId,
		Content:     d.Content,
		Attachments: attachments,
		ReadBy:      d.ReadBy,
		IsDeleted:   d.IsDeleted,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toMongoAttachments(in []types.Attachment) []mongoAttachment {
	out := make([]mongoAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, mongoAttachment{
			Url:      a.Url,
			Name:     a.Name,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}
	return out
}
