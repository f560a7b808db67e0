package realtime

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/internal/ids"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements the full Store contract with the same semantics as PostgresStore:
//   - AppendMessage: idempotent + seq allocation + sent receipts in one step
//   - FetchHistory: paging by after_seq
//   - receipts never move backward
type InMemoryStore struct {
	mu sync.Mutex

	ids *ids.Generator

	rooms     map[string]*memRoom
	direct    map[string]string // directKey -> room id
	messages  map[string]*Message
	receipts  map[memReceiptKey]*Receipt
	markers   map[memMemberKey]int64
	reactions map[string]map[string]map[string]time.Time // message -> emoji -> user -> at
	unread    map[string]map[string]int64                // user -> room -> count
	totals    map[string]int64
}

type memRoom struct {
	room   Room
	seq    int64
	dedupe map[string]string // sender \x00 client_token -> message id
	msgs   []*Message        // ordered by seq
}

type memReceiptKey struct {
	messageID string
	userID    string
}

type memMemberKey struct {
	userID string
	roomID string
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		ids:       ids.NewGenerator(),
		rooms:     make(map[string]*memRoom),
		direct:    make(map[string]string),
		messages:  make(map[string]*Message),
		receipts:  make(map[memReceiptKey]*Receipt),
		markers:   make(map[memMemberKey]int64),
		reactions: make(map[string]map[string]map[string]time.Time),
		unread:    make(map[string]map[string]int64),
		totals:    make(map[string]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- rooms ----

// CreateOrGetDirect returns the single direct room for the unordered pair.
func (s *InMemoryStore) CreateOrGetDirect(ctx context.Context, userA, userB string, now time.Time) (Room, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Room{}, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := directKey(userA, userB)
	if id, ok := s.direct[key]; ok {
		return cloneRoom(s.rooms[id].room), nil
	}

	id, err := s.ids.New(now)
	if err != nil {
		return Room{}, err
	}
	members := []string{userA, userB}
	r := &memRoom{
		room: Room{
			ID:           id,
			Kind:         RoomKindDirect,
			Members:      members,
			CreatedAt:    now,
			LastActivity: now,
		},
		dedupe: make(map[string]string),
	}
	s.rooms[id] = r
	s.direct[key] = id
	return cloneRoom(r.room), nil
}

// CreateGroup creates a new group room. The creator is always the first member.
func (s *InMemoryStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Room, error) {
	members, err := groupMembers(in.CreatorUserID, in.MemberIDs)
	if err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ids.New(now)
	if err != nil {
		return Room{}, err
	}
	r := &memRoom{
		room: Room{
			ID:           id,
			Kind:         RoomKindGroup,
			Title:        strings.TrimSpace(in.Title),
			Members:      members,
			CreatedAt:    now,
			LastActivity: now,
		},
		dedupe: make(map[string]string),
	}
	s.rooms[id] = r
	return cloneRoom(r.room), nil
}

// GetRoom loads a room by id.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return Room{}, ErrRoomNotFound
	}
	return cloneRoom(r.room), nil
}

// ArchiveRoom marks a room archived.
func (s *InMemoryStore) ArchiveRoom(ctx context.Context, roomID string, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return ErrRoomNotFound
	}
	r.room.Archived = true
	return nil
}

// ListRoomsForUser returns the user's rooms ordered by most recent activity.
func (s *InMemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Room
	for _, r := range s.rooms {
		if r.room.HasMember(userID) {
			out = append(out, cloneRoom(r.room))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// ---- messages ----

// AppendMessage persists a message, its sent receipts, and the room's activity atomically.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.RoomID == "" || in.ClientToken == "" || in.SenderUserID == "" {
		return AppendMessageResult{}, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return AppendMessageResult{}, ErrRoomNotFound
	}

	dk := in.SenderUserID + "\x00" + in.ClientToken
	if id, ok := r.dedupe[dk]; ok {
		return AppendMessageResult{Stored: *s.messages[id], Duplicated: true}, nil
	}

	msgID := in.MessageID
	if msgID == "" {
		id, err := s.ids.New(now)
		if err != nil {
			return AppendMessageResult{}, err
		}
		msgID = id
	}
	if _, taken := s.messages[msgID]; taken {
		return AppendMessageResult{}, ErrStaleOrdering
	}

	r.seq++
	msg := &Message{
		ID:            msgID,
		RoomID:        in.RoomID,
		Seq:           r.seq,
		SenderUserID:  in.SenderUserID,
		SenderSession: in.SenderSession,
		ClientToken:   in.ClientToken,
		Body:          in.Body,
		AttachmentRef: in.AttachmentRef,
		CreatedAt:     now,
	}
	s.messages[msgID] = msg
	r.dedupe[dk] = msgID
	r.msgs = append(r.msgs, msg)
	r.room.LastActivity = now

	unread := make(map[string]UnreadCount, len(in.Recipients))
	for _, uid := range in.Recipients {
		if uid == "" || uid == in.SenderUserID {
			continue
		}
		if _, seen := unread[uid]; seen {
			continue
		}
		s.addUnreadLocked(uid, in.RoomID, 1)
		unread[uid] = UnreadCount{Room: s.unread[uid][in.RoomID], Total: s.totals[uid]}
		s.receipts[memReceiptKey{msgID, uid}] = &Receipt{
			MessageID: msgID,
			UserID:    uid,
			RoomID:    in.RoomID,
			Seq:       msg.Seq,
			State:     ReceiptSent,
			SentAt:    now,
		}
	}

	return AppendMessageResult{Stored: *msg, Unread: unread}, nil
}

// GetMessage loads a message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[messageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

// EditMessage replaces the body of a live message.
func (s *InMemoryStore) EditMessage(ctx context.Context, messageID, body string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[messageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	if m.Deleted() {
		return Message{}, ErrMessageDeleted
	}
	m.Body = body
	m.EditedAt = &now
	return *m, nil
}

// DeleteMessage soft-deletes a message. Deleting twice is a no-op.
func (s *InMemoryStore) DeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[messageID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	if m.DeletedAt == nil {
		m.DeletedAt = &now
		m.Body = ""
		m.AttachmentRef = ""
	}
	return *m, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampLimit(in.Limit, 50, 200)
	fetch := limit + 1

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []Message
	if r != nil {
		start := 0
		if in.AfterSeq != nil {
			after := *in.AfterSeq
			start = sort.Search(len(r.msgs), func(i int) bool { return r.msgs[i].Seq > after })
		}
		end := min(start+fetch, len(r.msgs))
		snap = make([]Message, 0, end-start)
		for _, m := range r.msgs[start:end] {
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if r == nil {
		return FetchHistoryResult{}, ErrRoomNotFound
	}

	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[:limit]
	}
	return FetchHistoryResult{Messages: snap, HasMore: hasMore}, nil
}

// ---- receipts ----

// MarkDelivered advances sent receipts for messageID to delivered.
func (s *InMemoryStore) MarkDelivered(ctx context.Context, messageID string, userIDs []string, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	var advanced []string
	for _, uid := range userIDs {
		rc := s.receipts[memReceiptKey{messageID, uid}]
		if rc == nil || rc.State != ReceiptSent {
			continue
		}
		rc.State = ReceiptDelivered
		t := now
		rc.DeliveredAt = &t
		advanced = append(advanced, uid)
	}
	return advanced, nil
}

// MarkDeliveredUpTo advances every sent receipt of userID in roomID with seq <= upToSeq.
func (s *InMemoryStore) MarkDeliveredUpTo(ctx context.Context, userID, roomID string, upToSeq int64, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now = nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return 0, ErrRoomNotFound
	}
	var n int64
	for _, m := range r.msgs {
		if m.Seq > upToSeq {
			break
		}
		rc := s.receipts[memReceiptKey{m.ID, userID}]
		if rc == nil || rc.State != ReceiptSent {
			continue
		}
		rc.State = ReceiptDelivered
		t := now
		rc.DeliveredAt = &t
		n++
	}
	return n, nil
}

// MarkReadUpTo converts unread receipts in (marker, upToSeq] to read and advances the marker.
func (s *InMemoryStore) MarkReadUpTo(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if in.UserID == "" || in.RoomID == "" {
		return MarkReadResult{}, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return MarkReadResult{}, ErrRoomNotFound
	}

	mk := memMemberKey{in.UserID, in.RoomID}
	prior := s.markers[mk]
	res := MarkReadResult{PriorSeq: prior, MarkerSeq: prior}

	if in.UpToSeq > prior {
		for _, m := range r.msgs {
			if m.Seq <= prior {
				continue
			}
			if m.Seq > in.UpToSeq {
				break
			}
			rc := s.receipts[memReceiptKey{m.ID, in.UserID}]
			if rc == nil || rc.State == ReceiptRead {
				continue
			}
			if rc.DeliveredAt == nil {
				t := now
				rc.DeliveredAt = &t
			}
			rc.State = ReceiptRead
			t := now
			rc.ReadAt = &t
			res.Converted++
		}
		s.markers[mk] = in.UpToSeq
		res.MarkerSeq = in.UpToSeq
		if res.Converted > 0 {
			s.addUnreadLocked(in.UserID, in.RoomID, -res.Converted)
		}
	}

	res.RoomCount = s.unread[in.UserID][in.RoomID]
	res.Total = s.totals[in.UserID]
	return res, nil
}

// ReadMarker returns the user's last read seq in roomID.
func (s *InMemoryStore) ReadMarker(ctx context.Context, userID, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[memMemberKey{userID, roomID}], nil
}

// Receipt loads a single receipt.
func (s *InMemoryStore) Receipt(ctx context.Context, messageID, userID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.receipts[memReceiptKey{messageID, userID}]
	if rc == nil {
		return Receipt{}, ErrMessageNotFound
	}
	return *rc, nil
}

// ---- reactions ----

// SetReaction ensures a reaction row is present or absent.
func (s *InMemoryStore) SetReaction(ctx context.Context, in SetReactionInput) (bool, error) {
	if in.MessageID == "" || in.UserID == "" || in.Emoji == "" {
		return false, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messages[in.MessageID] == nil {
		return false, ErrMessageNotFound
	}

	byEmoji := s.reactions[in.MessageID]
	users := byEmoji[in.Emoji]
	_, present := users[in.UserID]

	switch {
	case in.Present && !present:
		if byEmoji == nil {
			byEmoji = make(map[string]map[string]time.Time)
			s.reactions[in.MessageID] = byEmoji
		}
		if users == nil {
			users = make(map[string]time.Time)
			byEmoji[in.Emoji] = users
		}
		users[in.UserID] = nowOr(in.Now)
		return true, nil
	case !in.Present && present:
		delete(users, in.UserID)
		if len(users) == 0 {
			delete(byEmoji, in.Emoji)
		}
		return true, nil
	default:
		return false, nil
	}
}

// ReactionTally returns the tally for one emoji.
func (s *InMemoryStore) ReactionTally(ctx context.Context, messageID, emoji string) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTally(emoji, s.reactions[messageID][emoji]), nil
}

// ReactionTallies returns every non-empty tally of a message ordered by emoji.
func (s *InMemoryStore) ReactionTallies(ctx context.Context, messageID string) ([]Tally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byEmoji := s.reactions[messageID]
	out := make([]Tally, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		if len(users) == 0 {
			continue
		}
		out = append(out, memTally(emoji, users))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out, nil
}

func memTally(emoji string, users map[string]time.Time) Tally {
	uids := make([]string, 0, len(users))
	for uid := range users {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return Tally{Emoji: emoji, Count: len(uids), UserIDs: uids}
}

// ---- counters ----

func (s *InMemoryStore) addUnreadLocked(userID, roomID string, delta int64) {
	per := s.unread[userID]
	if per == nil {
		per = make(map[string]int64)
		s.unread[userID] = per
	}
	before := per[roomID]
	after := max(before+delta, 0)
	per[roomID] = after
	s.totals[userID] = max(s.totals[userID]+(after-before), 0)
}

// UnreadCounters returns the incrementally maintained counters.
func (s *InMemoryStore) UnreadCounters(ctx context.Context, userID string) (Counters, error) {
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Counters{PerRoom: make(map[string]int64), Total: s.totals[userID]}
	for room, n := range s.unread[userID] {
		if n > 0 {
			out.PerRoom[room] = n
		}
	}
	return out, nil
}

// ReconcileUnread recomputes counters from receipts that are not read.
func (s *InMemoryStore) ReconcileUnread(ctx context.Context, userID string) (Counters, error) {
	if userID == "" {
		return Counters{}, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	per := make(map[string]int64)
	for k, rc := range s.receipts {
		if k.userID != userID || rc.State == ReceiptRead {
			continue
		}
		per[rc.RoomID]++
	}

	out := Counters{PerRoom: per}
	for _, n := range per {
		out.Total += n
	}
	stored := make(map[string]int64, len(per))
	for room, n := range per {
		stored[room] = n
	}
	s.unread[userID] = stored
	s.totals[userID] = out.Total
	return out, nil
}

// ---- helpers ----

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func cloneRoom(r Room) Room {
	r.Members = slices.Clone(r.Members)
	return r
}

// groupMembers returns the deduplicated member list with the creator first.
func groupMembers(creator string, memberIDs []string) ([]string, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return nil, ErrInvalidPayload
	}
	out := []string{creator}
	seen := map[string]struct{}{creator: {}}
	for _, m := range memberIDs {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if len(out) < 2 {
		return nil, ErrInvalidPayload
	}
	return out, nil
}
