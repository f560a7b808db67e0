// Package realtime contains Bazaar's realtime conversation delivery core:
// the websocket gateway, room registry, delivery pipeline, typing, reactions,
// unread counters, and their persistence.
package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"bazaar/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	ids    *ids.Generator
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bazaar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "bazaar",
		ids:    ids.NewGenerator(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: ensure schema: %w", err)
	}
	return nil
}

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) t(table string) string { return pgIdent(s.schema, table) }

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// ---- rooms ----

// CreateOrGetDirect returns the direct room for the unordered pair, creating it once.
func (s *PostgresStore) CreateOrGetDirect(ctx context.Context, userA, userB string, now time.Time) (Room, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Room{}, ErrInvalidPayload
	}
	now = nowOr(now)

	id, err := s.ids.New(now)
	if err != nil {
		return Room{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := directKey(userA, userB)

	var roomID string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.t("rooms")+` (id, kind, direct_key, created_at, last_activity)
		 VALUES ($1, 'direct', $2, $3, $3)
		 ON CONFLICT (direct_key) DO NOTHING
		 RETURNING id`,
		id, key, now,
	).Scan(&roomID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx,
			`SELECT id FROM `+s.t("rooms")+` WHERE direct_key = $1`, key,
		).Scan(&roomID); err != nil {
			return Room{}, err
		}
	case err != nil:
		return Room{}, err
	default:
		if err := s.insertMembers(ctx, tx, roomID, []string{userA, userB}, now); err != nil {
			return Room{}, err
		}
	}

	room, err := s.loadRoom(ctx, tx, roomID)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}
	return room, nil
}

// CreateGroup creates a new group room. The creator is always the first member.
func (s *PostgresStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Room, error) {
	members, err := groupMembers(in.CreatorUserID, in.MemberIDs)
	if err != nil {
		return Room{}, err
	}
	now := nowOr(in.Now)

	id, err := s.ids.New(now)
	if err != nil {
		return Room{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("rooms")+` (id, kind, title, created_at, last_activity)
		 VALUES ($1, 'group', $2, $3, $3)`,
		id, strings.TrimSpace(in.Title), now,
	); err != nil {
		return Room{}, err
	}
	if err := s.insertMembers(ctx, tx, id, members, now); err != nil {
		return Room{}, err
	}

	room, err := s.loadRoom(ctx, tx, id)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *PostgresStore) insertMembers(ctx context.Context, tx pgx.Tx, roomID string, members []string, now time.Time) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("room_members")+` (room_id, user_id, position, joined_at)
		 SELECT $1, m.user_id, m.ord::int, $3
		   FROM unnest($2::text[]) WITH ORDINALITY AS m(user_id, ord)`,
		roomID, members, now,
	); err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("room_cursors")+` (room_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID,
	); err != nil {
		return fmt.Errorf("insert cursor: %w", err)
	}
	return nil
}

// GetRoom loads a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return Room{}, ErrRoomNotFound
	}
	return s.loadRoom(ctx, s.pool, roomID)
}

func (s *PostgresStore) loadRoom(ctx context.Context, q pgQuerier, roomID string) (Room, error) {
	var (
		r    Room
		kind string
	)
	err := q.QueryRow(ctx,
		`SELECT id, kind, title, archived, created_at, last_activity
		   FROM `+s.t("rooms")+`
		  WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &kind, &r.Title, &r.Archived, &r.CreatedAt, &r.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	r.Kind = RoomKind(kind)

	rows, err := q.Query(ctx,
		`SELECT user_id FROM `+s.t("room_members")+` WHERE room_id = $1 ORDER BY position ASC`,
		roomID,
	)
	if err != nil {
		return Room{}, err
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Room{}, err
	}
	r.Members = members
	return r, nil
}

// ArchiveRoom marks a room archived. Archiving twice keeps the first timestamp.
func (s *PostgresStore) ArchiveRoom(ctx context.Context, roomID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("rooms")+`
		    SET archived = true,
		        archived_at = COALESCE(archived_at, $2)
		  WHERE id = $1`,
		roomID, nowOr(now),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ListRoomsForUser returns the user's rooms ordered by most recent activity.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.kind, r.title, r.archived, r.created_at, r.last_activity
		   FROM `+s.t("rooms")+` r
		   JOIN `+s.t("room_members")+` m ON m.room_id = r.id
		  WHERE m.user_id = $1
		  ORDER BY r.last_activity DESC, r.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var (
			r    Room
			kind string
		)
		err := row.Scan(&r.ID, &kind, &r.Title, &r.Archived, &r.CreatedAt, &r.LastActivity)
		r.Kind = RoomKind(kind)
		return r, err
	})
	if err != nil || len(rooms) == 0 {
		return rooms, err
	}

	roomIDs := make([]string, len(rooms))
	index := make(map[string]int, len(rooms))
	for i, r := range rooms {
		roomIDs[i] = r.ID
		index[r.ID] = i
	}

	mrows, err := s.pool.Query(ctx,
		`SELECT room_id, user_id FROM `+s.t("room_members")+`
		  WHERE room_id = ANY($1)
		  ORDER BY room_id, position ASC`,
		roomIDs,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var roomID, uid string
		if err := mrows.Scan(&roomID, &uid); err != nil {
			return nil, err
		}
		i := index[roomID]
		rooms[i].Members = append(rooms[i].Members, uid)
	}
	return rooms, mrows.Err()
}

// ---- messages ----

const messageCols = `id, room_id, seq, sender_user_id, sender_session, client_token, body, attachment_ref, created_at, edited_at, deleted_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.RoomID,
		&m.Seq,
		&m.SenderUserID,
		&m.SenderSession,
		&m.ClientToken,
		&m.Body,
		&m.AttachmentRef,
		&m.CreatedAt,
		&m.EditedAt,
		&m.DeletedAt,
	)
	return m, err
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
// The message, a sent receipt per recipient, and the room's last activity commit together.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" || in.ClientToken == "" || in.SenderUserID == "" {
		return AppendMessageResult{}, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	msgID := in.MessageID
	if msgID == "" {
		id, err := s.ids.New(now)
		if err != nil {
			return AppendMessageResult{}, err
		}
		msgID = id
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per room to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+s.t("messages")+`
		  WHERE room_id = $1 AND sender_user_id = $2 AND client_token = $3`,
		in.RoomID, in.SenderUserID, in.ClientToken,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE `+s.t("room_cursors")+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, ErrRoomNotFound
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (
		     id, room_id, seq, sender_user_id, sender_session, client_token, body, attachment_ref, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msgID, in.RoomID, seq, in.SenderUserID, in.SenderSession, in.ClientToken, in.Body, in.AttachmentRef, now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_messages_room_seq" {
			return AppendMessageResult{}, fmt.Errorf("%w: room=%s seq=%d", ErrStaleOrdering, in.RoomID, seq)
		}
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	recipients := make([]string, 0, len(in.Recipients))
	for _, uid := range in.Recipients {
		if uid != "" && uid != in.SenderUserID {
			recipients = append(recipients, uid)
		}
	}
	slices.Sort(recipients)
	recipients = slices.Compact(recipients)
	if len(recipients) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("receipts")+` (message_id, user_id, room_id, seq, state, sent_at)
			 SELECT $1, u, $2, $3, 1, $4 FROM unnest($5::text[]) AS u
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			msgID, in.RoomID, seq, now, recipients,
		); err != nil {
			return AppendMessageResult{}, fmt.Errorf("insert receipts: %w", err)
		}
	}

	// Counters move in the same transaction as the receipts they count.
	if err := s.lockUnread(ctx, tx, recipients...); err != nil {
		return AppendMessageResult{}, err
	}
	unread := make(map[string]UnreadCount, len(recipients))
	for _, uid := range recipients {
		count, total, err := s.addUnread(ctx, tx, uid, in.RoomID, 1)
		if err != nil {
			return AppendMessageResult{}, fmt.Errorf("increment unread: %w", err)
		}
		unread[uid] = UnreadCount{Room: count, Total: total}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("rooms")+` SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`,
		in.RoomID, now,
	); err != nil {
		return AppendMessageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{
		Stored: Message{
			ID:            msgID,
			RoomID:        in.RoomID,
			Seq:           seq,
			SenderUserID:  in.SenderUserID,
			SenderSession: in.SenderSession,
			ClientToken:   in.ClientToken,
			Body:          in.Body,
			AttachmentRef: in.AttachmentRef,
			CreatedAt:     now,
		},
		Unread: unread,
	}, nil
}

// GetMessage loads a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+s.t("messages")+` WHERE id = $1`, messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

// EditMessage replaces the body of a live message.
func (s *PostgresStore) EditMessage(ctx context.Context, messageID, body string, now time.Time) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.t("messages")+`
		    SET body = $2, edited_at = $3
		  WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+messageCols,
		messageID, body, nowOr(now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetMessage(ctx, messageID); gerr != nil {
			return Message{}, gerr
		}
		return Message{}, ErrMessageDeleted
	}
	return m, err
}

// DeleteMessage soft-deletes a message. Deleting twice keeps the first timestamp.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.t("messages")+`
		    SET deleted_at = COALESCE(deleted_at, $2),
		        body = '',
		        attachment_ref = ''
		  WHERE id = $1
		RETURNING `+messageCols,
		messageID, nowOr(now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampLimit(in.Limit, 50, 200)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		   FROM `+s.t("messages")+`
		  WHERE room_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ---- receipts ----

// MarkDelivered advances sent receipts for messageID to delivered.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID string, userIDs []string, now time.Time) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.t("receipts")+`
		    SET state = 2, delivered_at = $3
		  WHERE message_id = $1 AND user_id = ANY($2) AND state = 1
		RETURNING user_id`,
		messageID, userIDs, nowOr(now),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// MarkDeliveredUpTo advances every sent receipt of userID in roomID with seq <= upToSeq.
func (s *PostgresStore) MarkDeliveredUpTo(ctx context.Context, userID, roomID string, upToSeq int64, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("receipts")+`
		    SET state = 2, delivered_at = $4
		  WHERE user_id = $1 AND room_id = $2 AND seq <= $3 AND state = 1`,
		userID, roomID, upToSeq, nowOr(now),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkReadUpTo converts unread receipts in (marker, upToSeq] to read, decrements
// the room counter by that amount, and advances the marker. The marker never moves back.
func (s *PostgresStore) MarkReadUpTo(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if in.UserID == "" || in.RoomID == "" {
		return MarkReadResult{}, ErrInvalidPayload
	}
	now := nowOr(in.Now)

	tx, err := s.begin(ctx)
	if err != nil {
		return MarkReadResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+s.t("rooms")+` WHERE id = $1`, in.RoomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarkReadResult{}, ErrRoomNotFound
	}
	if err != nil {
		return MarkReadResult{}, err
	}

	markers := s.t("read_markers")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+markers+` (user_id, room_id, last_read_seq, updated_at)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (user_id, room_id) DO NOTHING`,
		in.UserID, in.RoomID, now,
	); err != nil {
		return MarkReadResult{}, err
	}

	var prior int64
	if err := tx.QueryRow(ctx,
		`SELECT last_read_seq FROM `+markers+` WHERE user_id = $1 AND room_id = $2 FOR UPDATE`,
		in.UserID, in.RoomID,
	).Scan(&prior); err != nil {
		return MarkReadResult{}, err
	}

	res := MarkReadResult{PriorSeq: prior, MarkerSeq: prior}

	if in.UpToSeq > prior {
		tag, err := tx.Exec(ctx,
			`UPDATE `+s.t("receipts")+`
			    SET state = 3,
			        delivered_at = COALESCE(delivered_at, $5),
			        read_at = $5
			  WHERE user_id = $1 AND room_id = $2 AND seq > $3 AND seq <= $4 AND state < 3`,
			in.UserID, in.RoomID, prior, in.UpToSeq, now,
		)
		if err != nil {
			return MarkReadResult{}, err
		}
		res.Converted = tag.RowsAffected()

		if _, err := tx.Exec(ctx,
			`UPDATE `+markers+` SET last_read_seq = $3, updated_at = $4 WHERE user_id = $1 AND room_id = $2`,
			in.UserID, in.RoomID, in.UpToSeq, now,
		); err != nil {
			return MarkReadResult{}, err
		}
		res.MarkerSeq = in.UpToSeq
	}

	if err := s.lockUnread(ctx, tx, in.UserID); err != nil {
		return MarkReadResult{}, err
	}
	res.RoomCount, res.Total, err = s.addUnread(ctx, tx, in.UserID, in.RoomID, -res.Converted)
	if err != nil {
		return MarkReadResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MarkReadResult{}, err
	}
	return res, nil
}

// ReadMarker returns the user's last read seq in roomID.
func (s *PostgresStore) ReadMarker(ctx context.Context, userID, roomID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_seq FROM `+s.t("read_markers")+` WHERE user_id = $1 AND room_id = $2`,
		userID, roomID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// Receipt loads a single receipt.
func (s *PostgresStore) Receipt(ctx context.Context, messageID, userID string) (Receipt, error) {
	var (
		rc    Receipt
		state int16
	)
	err := s.pool.QueryRow(ctx,
		`SELECT message_id, user_id, room_id, seq, state, sent_at, delivered_at, read_at
		   FROM `+s.t("receipts")+`
		  WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&rc.MessageID, &rc.UserID, &rc.RoomID, &rc.Seq, &state, &rc.SentAt, &rc.DeliveredAt, &rc.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrMessageNotFound
	}
	rc.State = ReceiptState(state)
	return rc, err
}

// ---- reactions ----

// SetReaction ensures a reaction row is present or absent.
func (s *PostgresStore) SetReaction(ctx context.Context, in SetReactionInput) (bool, error) {
	if in.MessageID == "" || in.UserID == "" || in.Emoji == "" {
		return false, ErrInvalidPayload
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if in.Present {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO `+s.t("reactions")+` (message_id, emoji, user_id, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, emoji, user_id) DO NOTHING`,
			in.MessageID, in.Emoji, in.UserID, nowOr(in.Now),
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM `+s.t("reactions")+` WHERE message_id = $1 AND emoji = $2 AND user_id = $3`,
			in.MessageID, in.Emoji, in.UserID,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReactionTally returns the tally for one emoji.
func (s *PostgresStore) ReactionTally(ctx context.Context, messageID, emoji string) (Tally, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.t("reactions")+`
		  WHERE message_id = $1 AND emoji = $2
		  ORDER BY user_id ASC`,
		messageID, emoji,
	)
	if err != nil {
		return Tally{}, err
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Tally{}, err
	}
	if users == nil {
		users = []string{}
	}
	return Tally{Emoji: emoji, Count: len(users), UserIDs: users}, nil
}

// ReactionTallies returns every non-empty tally of a message ordered by emoji.
func (s *PostgresStore) ReactionTallies(ctx context.Context, messageID string) ([]Tally, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT emoji, user_id FROM `+s.t("reactions")+`
		  WHERE message_id = $1
		  ORDER BY emoji ASC, user_id ASC`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tally
	for rows.Next() {
		var emoji, uid string
		if err := rows.Scan(&emoji, &uid); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Emoji != emoji {
			out = append(out, Tally{Emoji: emoji})
		}
		last := &out[len(out)-1]
		last.UserIDs = append(last.UserIDs, uid)
		last.Count++
	}
	return out, rows.Err()
}

// ---- counters ----

// lockUnread takes the per-user counter locks, in sorted order, for the rest of tx.
// ReconcileUnread holds the same lock while it rewrites a user's counters.
func (s *PostgresStore) lockUnread(ctx context.Context, tx pgx.Tx, userIDs ...string) error {
	userIDs = slices.Clone(userIDs)
	slices.Sort(userIDs)
	for _, uid := range slices.Compact(userIDs) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`, uid); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
	}
	return nil
}

// addUnread applies delta with a floor of zero and moves the total by the applied amount.
func (s *PostgresStore) addUnread(ctx context.Context, tx pgx.Tx, userID, roomID string, delta int64) (int64, int64, error) {
	counters := s.t("unread_counters")
	totals := s.t("unread_totals")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+counters+` (user_id, room_id, count) VALUES ($1, $2, 0)
		 ON CONFLICT (user_id, room_id) DO NOTHING`,
		userID, roomID,
	); err != nil {
		return 0, 0, err
	}
	var before int64
	if err := tx.QueryRow(ctx,
		`SELECT count FROM `+counters+` WHERE user_id = $1 AND room_id = $2 FOR UPDATE`,
		userID, roomID,
	).Scan(&before); err != nil {
		return 0, 0, err
	}
	after := max(before+delta, 0)
	if after != before {
		if _, err := tx.Exec(ctx,
			`UPDATE `+counters+` SET count = $3 WHERE user_id = $1 AND room_id = $2`,
			userID, roomID, after,
		); err != nil {
			return 0, 0, err
		}
	}

	var total int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+totals+` AS t (user_id, total) VALUES ($1, GREATEST($2::bigint, 0))
		 ON CONFLICT (user_id) DO UPDATE SET total = GREATEST(t.total + $2::bigint, 0)
		 RETURNING total`,
		userID, after-before,
	).Scan(&total); err != nil {
		return 0, 0, err
	}
	return after, total, nil
}

// UnreadCounters returns the incrementally maintained counters.
func (s *PostgresStore) UnreadCounters(ctx context.Context, userID string) (Counters, error) {
	out := Counters{PerRoom: make(map[string]int64)}

	rows, err := s.pool.Query(ctx,
		`SELECT room_id, count FROM `+s.t("unread_counters")+` WHERE user_id = $1 AND count > 0`,
		userID,
	)
	if err != nil {
		return Counters{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			room string
			n    int64
		)
		if err := rows.Scan(&room, &n); err != nil {
			return Counters{}, err
		}
		out.PerRoom[room] = n
	}
	if err := rows.Err(); err != nil {
		return Counters{}, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT total FROM `+s.t("unread_totals")+` WHERE user_id = $1`, userID,
	).Scan(&out.Total)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Counters{}, err
	}
	return out, nil
}

// ReconcileUnread recomputes counters from receipts that are not read and rewrites stored values.
func (s *PostgresStore) ReconcileUnread(ctx context.Context, userID string) (Counters, error) {
	if userID == "" {
		return Counters{}, ErrInvalidPayload
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return Counters{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockUnread(ctx, tx, userID); err != nil {
		return Counters{}, err
	}

	rows, err := tx.Query(ctx,
		`SELECT room_id, COUNT(*) FROM `+s.t("receipts")+`
		  WHERE user_id = $1 AND state < 3
		  GROUP BY room_id`,
		userID,
	)
	if err != nil {
		return Counters{}, err
	}
	out := Counters{PerRoom: make(map[string]int64)}
	for rows.Next() {
		var (
			room string
			n    int64
		)
		if err := rows.Scan(&room, &n); err != nil {
			rows.Close()
			return Counters{}, err
		}
		out.PerRoom[room] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Counters{}, err
	}

	counters := s.t("unread_counters")
	if _, err := tx.Exec(ctx, `DELETE FROM `+counters+` WHERE user_id = $1`, userID); err != nil {
		return Counters{}, err
	}
	if len(out.PerRoom) > 0 {
		roomIDs := make([]string, 0, len(out.PerRoom))
		counts := make([]int64, 0, len(out.PerRoom))
		for room, n := range out.PerRoom {
			roomIDs = append(roomIDs, room)
			counts = append(counts, n)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+counters+` (user_id, room_id, count)
			 SELECT $1, r, c FROM unnest($2::text[], $3::bigint[]) AS t(r, c)`,
			userID, roomIDs, counts,
		); err != nil {
			return Counters{}, err
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("unread_totals")+` (user_id, total) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET total = EXCLUDED.total`,
		userID, out.Total,
	); err != nil {
		return Counters{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Counters{}, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
