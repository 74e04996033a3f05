package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/go-messenger/internal/types"
)

const messageColumns = `
	m.id, r.kind, m.room_id, m.sender_id,
	COALESCE(u.display_name, ''), COALESCE(u.avatar, ''),
	m.content, m.attachments, m.is_deleted, m.created_at, m.updated_at,
	COALESCE(array_agg(mr.user_id ORDER BY mr.read_at) FILTER (WHERE mr.user_id IS NOT NULL), '{}')
	FROM messages m
	JOIN rooms r ON r.id = m.room_id
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN message_reads mr ON mr.message_id = m.id`

const messageGroupBy = " GROUP BY m.id, r.kind, u.display_name, u.avatar"

func (db *PgMessengerRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgMessengerRepository) GetUser(ctx context.Context, userId string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, display_name, avatar, status, last_seen, created_at, updated_at "+
			"FROM users WHERE id = $1 LIMIT 1",
		userId,
	)

	var (
		u        User
		lastSeen sql.NullTime
	)
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.DisplayName,
		&u.Avatar,
		&u.Status,
		&lastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	u.LastSeen = lastSeen.Time

	return u, err
}

func (db *PgMessengerRepository) ListFriends(ctx context.Context, userId string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT friend_id FROM friendships WHERE user_id = $1 ORDER BY friend_id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, id)
	}

	return friends, rows.Err()
}

func (db *PgMessengerRepository) UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET status = $2, last_seen = $3, updated_at = $4 WHERE id = $1",
		userId,
		status,
		lastSeen,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	return requireRows(res)
}

func (db *PgMessengerRepository) TouchLastSeen(ctx context.Context, userId string, lastSeen time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_seen = $2 WHERE id = $1",
		userId,
		lastSeen,
	)
	if err != nil {
		return err
	}

	return requireRows(res)
}

func (db *PgMessengerRepository) GetPresence(ctx context.Context, userIds []string) (map[string]types.Presence, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, status, last_seen FROM users WHERE id = ANY($1)",
		pq.Array(userIds),
	)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	res := make(map[string]types.Presence, len(userIds))
	for rows.Next() {
		var (
			id       string
			p        types.Presence
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&id, &p.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.LastSeen = lastSeen.Time
		res[id] = p
	}

	return res, rows.Err()
}

func (db *PgMessengerRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	if params.Kind != types.RoomKindConversation && params.Kind != types.RoomKindGroup {
		return Room{}, fmt.Errorf("unknown room kind %q", params.Kind)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO rooms (id, kind, name, creator_id, is_active, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, TRUE, $5, $5)",
		id,
		params.Kind,
		params.Name,
		params.CreatorId,
		now,
	); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	for _, member := range params.Members {
		isAdmin := params.Kind == types.RoomKindGroup && member == params.CreatorId
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO room_members (room_id, user_id, is_admin) VALUES ($1, $2, $3)",
			id,
			member,
			isAdmin,
		); err != nil {
			return Room{}, fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit: %w", err)
	}

	ref := types.ConversationRef(id)
	if params.Kind == types.RoomKindGroup {
		ref = types.GroupRef(id)
	}

	return db.GetRoom(ctx, ref)
}

func (db *PgMessengerRepository) GetRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT name, COALESCE(creator_id, ''), COALESCE(last_message_id, ''), is_active, created_at, updated_at "+
			"FROM rooms WHERE id = $1 AND kind = $2",
		ref.Id(),
		ref.Kind(),
	)

	room := Room{
		Ref:         ref,
		UnreadCount: make(map[string]int),
	}
	err := row.Scan(
		&room.Name,
		&room.CreatorId,
		&room.LastMessageId,
		&room.IsActive,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("scan room: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id, is_admin, unread_count FROM room_members "+
			"WHERE room_id = $1 ORDER BY joined_at, user_id",
		ref.Id(),
	)
	if err != nil {
		return Room{}, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userId  string
			isAdmin bool
			unread  int
		)
		if err := rows.Scan(&userId, &isAdmin, &unread); err != nil {
			return Room{}, fmt.Errorf("scan member: %w", err)
		}

		room.Members = append(room.Members, userId)
		if isAdmin {
			room.Admins = append(room.Admins, userId)
		}
		room.UnreadCount[userId] = unread
	}

	return room, rows.Err()
}

func (db *PgMessengerRepository) ListRoomsForUser(ctx context.Context, userId string) ([]types.RoomRef, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.kind FROM rooms r "+
			"JOIN room_members m ON m.room_id = r.id "+
			"WHERE m.user_id = $1 AND r.is_active",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var refs []types.RoomRef
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}

		if kind == types.RoomKindGroup {
			refs = append(refs, types.GroupRef(id))
		} else {
			refs = append(refs, types.ConversationRef(id))
		}
	}

	return refs, rows.Err()
}

func (db *PgMessengerRepository) FindConversation(ctx context.Context, a, b string) (Room, error) {
	var id string
	err := db.conn.QueryRowContext(ctx,
		"SELECT r.id FROM rooms r "+
			"JOIN room_members ma ON ma.room_id = r.id AND ma.user_id = $1 "+
			"JOIN room_members mb ON mb.room_id = r.id AND mb.user_id = $2 "+
			"WHERE r.kind = $3 AND r.is_active "+
			"ORDER BY r.created_at, r.id LIMIT 1",
		a,
		b,
		types.RoomKindConversation,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("find conversation: %w", err)
	}

	return db.GetRoom(ctx, types.ConversationRef(id))
}

func (db *PgMessengerRepository) AddGroupMember(ctx context.Context, groupId, userId string) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET is_active = TRUE, updated_at = $2 WHERE id = $1 AND kind = 'group'",
		groupId,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, fmt.Errorf("update room: %w", err)
	}
	if err := requireRows(res); err != nil {
		return Room{}, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		groupId,
		userId,
	); err != nil {
		return Room{}, fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit: %w", err)
	}

	return db.GetRoom(ctx, types.GroupRef(groupId))
}

func (db *PgMessengerRepository) ApplyGroupLeave(ctx context.Context, groupId string, leave GroupLeave) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET creator_id = COALESCE(NULLIF($2, ''), creator_id), "+
			"is_active = is_active AND NOT $3, updated_at = $4 "+
			"WHERE id = $1 AND kind = 'group'",
		groupId,
		leave.NewCreatorId,
		leave.Deactivate,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, fmt.Errorf("update room: %w", err)
	}
	if err := requireRows(res); err != nil {
		return Room{}, err
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = $1 AND user_id = $2",
		groupId,
		leave.UserId,
	); err != nil {
		return Room{}, fmt.Errorf("delete member: %w", err)
	}

	if leave.PromoteTo != "" {
		if _, err := tx.ExecContext(ctx,
			"UPDATE room_members SET is_admin = TRUE WHERE room_id = $1 AND user_id = $2",
			groupId,
			leave.PromoteTo,
		); err != nil {
			return Room{}, fmt.Errorf("promote member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit: %w", err)
	}

	return db.GetRoom(ctx, types.GroupRef(groupId))
}

func (db *PgMessengerRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	attachments, err := json.Marshal(nonNilAttachments(params.Attachments))
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	msg := Message{
		Id:          uuid.NewString(),
		Room:        params.Room,
		SenderId:    params.SenderId,
		Content:     params.Content,
		Attachments: params.Attachments,
		ReadBy:      []string{params.SenderId},
		CreatedAt:   params.CreatedAt,
		UpdatedAt:   params.CreatedAt,
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, room_id, sender_id, content, attachments, created_at, updated_at) "+
			"SELECT $1, id, $3, $4, $5, $6, $6 FROM rooms WHERE id = $2 AND kind = $7",
		msg.Id,
		params.Room.Id(),
		params.SenderId,
		params.Content,
		attachments,
		params.CreatedAt,
		params.Room.Kind(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := requireRows(res); err != nil {
		return Message{}, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)",
		msg.Id,
		params.SenderId,
		params.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

func (db *PgMessengerRepository) UpdateRoomOnMessage(ctx context.Context, ref types.RoomRef, messageId, senderId string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET last_message_id = $2, updated_at = $3 WHERE id = $1 AND kind = $4",
		ref.Id(),
		messageId,
		time.Now().UTC(),
		ref.Kind(),
	)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if err := requireRows(res); err != nil {
		return err
	}

	// increments are applied by the database so concurrent sends never lose a count
	if _, err := tx.ExecContext(ctx,
		"UPDATE room_members SET unread_count = unread_count + 1 WHERE room_id = $1 AND user_id <> $2",
		ref.Id(),
		senderId,
	); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}

	return tx.Commit()
}

func (db *PgMessengerRepository) GetMessages(ctx context.Context, messageIds []string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT"+messageColumns+" WHERE m.id = ANY($1)"+messageGroupBy+" ORDER BY m.seq",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (db *PgMessengerRepository) ListMessages(ctx context.Context, ref types.RoomRef, before time.Time, limit int) ([]Message, error) {
	beforeParam := sql.NullTime{Time: before, Valid: !before.IsZero()}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT"+messageColumns+
			" WHERE m.room_id = $1 AND r.kind = $2 AND ($3::timestamptz IS NULL OR m.created_at < $3)"+
			messageGroupBy+" ORDER BY m.seq DESC LIMIT $4",
		ref.Id(),
		ref.Kind(),
		beforeParam,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)

	return messages, nil
}

func (db *PgMessengerRepository) MarkMessagesRead(ctx context.Context, readerId string, messageIds []string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, user_id, read_at) "+
			"SELECT id, $1, $3 FROM messages WHERE id = ANY($2) "+
			"ON CONFLICT DO NOTHING",
		readerId,
		pq.Array(messageIds),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reads: %w", err)
	}

	return nil
}

func (db *PgMessengerRepository) ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE room_members SET unread_count = 0 "+
			"WHERE room_id = $1 AND user_id = $2 "+
			"AND EXISTS (SELECT 1 FROM rooms WHERE id = $1 AND kind = $3)",
		ref.Id(),
		userId,
		ref.Kind(),
	)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	return nil
}

func (db *PgMessengerRepository) SoftDeleteMessage(ctx context.Context, messageId string) (Message, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = TRUE, content = $2, attachments = '[]', updated_at = $3 WHERE id = $1",
		messageId,
		types.DeletedMessageContent,
		time.Now().UTC(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	if err := requireRows(res); err != nil {
		return Message{}, err
	}

	messages, err := db.GetMessages(ctx, []string{messageId})
	if err != nil {
		return Message{}, err
	}
	if len(messages) == 0 {
		return Message{}, ErrNotFound
	}

	return messages[0], nil
}

func (db *PgMessengerRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	n := Notification{
		Id:          uuid.NewString(),
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Type:        params.Type,
		Title:       params.Title,
		Content:     params.Content,
		Room:        params.Room,
		MessageId:   params.MessageId,
	}

	var roomKind, roomId string
	if params.Room != nil {
		roomKind, roomId = params.Room.Kind(), params.Room.Id()
	}

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO notifications (id, recipient_id, sender_id, type, title, content, room_kind, room_id, message_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at",
		n.Id,
		n.RecipientId,
		n.SenderId,
		n.Type,
		n.Title,
		n.Content,
		roomKind,
		roomId,
		n.MessageId,
		time.Now().UTC(),
	)

	err := row.Scan(&n.CreatedAt)

	return n, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var (
			msg         Message
			kind        string
			roomId      string
			attachments []byte
			readBy      []string
		)

		err := rows.Scan(
			&msg.Id,
			&kind,
			&roomId,
			&msg.SenderId,
			&msg.SenderName,
			&msg.SenderAvatar,
			&msg.Content,
			&attachments,
			&msg.IsDeleted,
			&msg.CreatedAt,
			&msg.UpdatedAt,
			pq.Array(&readBy),
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		if kind == types.RoomKindGroup {
			msg.Room = types.GroupRef(roomId)
		} else {
			msg.Room = types.ConversationRef(roomId)
		}

		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		msg.ReadBy = readBy

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilAttachments(a []types.Attachment) []types.Attachment {
	if a == nil {
		return []types.Attachment{}
	}
	return a
}
