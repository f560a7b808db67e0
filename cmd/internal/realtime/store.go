package realtime

import (
	"context"
	"slices"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// RoomKind distinguishes one-to-one rooms from explicitly created groups.
type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

// Room is the persisted conversation record.
type Room struct {
	ID           string
	Kind         RoomKind
	Title        string
	Members      []string // ordered by join position
	CreatedAt    time.Time
	LastActivity time.Time
	Archived     bool
}

// HasMember reports whether userID is in the persisted member set.
func (r Room) HasMember(userID string) bool {
	return userID != "" && slices.Contains(r.Members, userID)
}

// OtherMembers returns every member except userID, preserving order.
func (r Room) OtherMembers(userID string) []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}

// Message is the canonical persisted message representation.
type Message struct {
	ID            string
	RoomID        string
	Seq           int64
	SenderUserID  string
	SenderSession string
	ClientToken   string
	Body          string
	AttachmentRef string
	CreatedAt     time.Time
	EditedAt      *time.Time
	DeletedAt     *time.Time
}

// Deleted reports whether the message carries the soft-delete flag.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// Wire converts a stored message into its protocol shape, redacting deleted content.
func (m Message) Wire() v1.Message {
	out := v1.Message{
		MessageID:     m.ID,
		RoomID:        m.RoomID,
		Seq:           m.Seq,
		SenderUserID:  m.SenderUserID,
		ClientToken:   m.ClientToken,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt,
		EditedAt:      m.EditedAt,
	}
	if m.Deleted() {
		out.Body = ""
		out.AttachmentRef = ""
		out.Deleted = true
	}
	return out
}

// ReceiptState is a forward-only delivery state.
type ReceiptState int8

const (
	ReceiptSent      ReceiptState = 1
	ReceiptDelivered ReceiptState = 2
	ReceiptRead      ReceiptState = 3
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptSent:
		return v1.ReceiptSent
	case ReceiptDelivered:
		return v1.ReceiptDelivered
	case ReceiptRead:
		return v1.ReceiptRead
	default:
		return "unknown"
	}
}

// Receipt tracks one recipient's state for one message.
type Receipt struct {
	MessageID   string
	UserID      string
	RoomID      string
	Seq         int64
	State       ReceiptState
	SentAt      time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Tally is the derived aggregate of reactions for one message/emoji pair.
type Tally struct {
	Emoji   string
	Count   int
	UserIDs []string // sorted
}

// Counters is a user's unread state.
type Counters struct {
	PerRoom map[string]int64
	Total   int64
}

// Sum returns the sum of per-room counts.
func (c Counters) Sum() int64 {
	var n int64
	for _, v := range c.PerRoom {
		n += v
	}
	return n
}

// ---- Store contracts ----

// RoomStore persists rooms and their member sets.
type RoomStore interface {
	// CreateOrGetDirect returns the direct room for the unordered pair, creating it once.
	CreateOrGetDirect(ctx context.Context, userA, userB string, now time.Time) (Room, error)
	// CreateGroup creates a new group room.
	CreateGroup(ctx context.Context, in CreateGroupInput) (Room, error)
	// GetRoom returns ErrRoomNotFound for unknown ids.
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// ArchiveRoom marks the room archived (idempotent).
	ArchiveRoom(ctx context.Context, roomID string, now time.Time) error
	// ListRoomsForUser returns rooms the user is a member of, most recent activity first.
	ListRoomsForUser(ctx context.Context, userID string) ([]Room, error)
}

// MessageStore persists messages.
//
// Requirements:
//   - Idempotency per (room_id, sender_user_id, client_token)
//   - Monotonic seq per room (no gaps for duplicates)
//   - Message + receipts + recipients' unread counters + room activity written atomically
//   - History query ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	EditMessage(ctx context.Context, messageID, body string, now time.Time) (Message, error)
	DeleteMessage(ctx context.Context, messageID string, now time.Time) (Message, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
}

// ReceiptStore persists delivery receipts and read markers. Transitions never move backward.
type ReceiptStore interface {
	// MarkDelivered advances sent receipts of messageID for userIDs; it returns the users that advanced.
	MarkDelivered(ctx context.Context, messageID string, userIDs []string, now time.Time) ([]string, error)
	// MarkDeliveredUpTo advances every sent receipt of userID in roomID with seq <= upToSeq.
	MarkDeliveredUpTo(ctx context.Context, userID, roomID string, upToSeq int64, now time.Time) (int64, error)
	// MarkReadUpTo converts unread receipts in (marker, upToSeq] to read, decrements counters, and advances the marker.
	MarkReadUpTo(ctx context.Context, in MarkReadInput) (MarkReadResult, error)
	// ReadMarker returns the last read seq (0 when none).
	ReadMarker(ctx context.Context, userID, roomID string) (int64, error)
	// Receipt loads a single receipt.
	Receipt(ctx context.Context, messageID, userID string) (Receipt, error)
}

// ReactionStore persists reaction presence rows.
type ReactionStore interface {
	// SetReaction ensures presence (present=true) or absence; changed is false when already in that state.
	SetReaction(ctx context.Context, in SetReactionInput) (changed bool, err error)
	ReactionTally(ctx context.Context, messageID, emoji string) (Tally, error)
	ReactionTallies(ctx context.Context, messageID string) ([]Tally, error)
}

// CounterStore persists incremental unread counters.
type CounterStore interface {
	UnreadCounters(ctx context.Context, userID string) (Counters, error)
	// ReconcileUnread recomputes counters from receipts in state != read and rewrites stored values.
	ReconcileUnread(ctx context.Context, userID string) (Counters, error)
}

// Store is the full persistence boundary of the realtime core.
type Store interface {
	RoomStore
	MessageStore
	ReceiptStore
	ReactionStore
	CounterStore
	Close() error
}

// CreateGroupInput describes a group creation request.
type CreateGroupInput struct {
	CreatorUserID string
	MemberIDs     []string
	Title         string
	Now           time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	MessageID     string // pre-minted ULID; ignored for duplicates
	RoomID        string
	ClientToken   string
	SenderUserID  string
	SenderSession string
	Body          string
	AttachmentRef string
	Recipients    []string // members other than the sender at send time
	Now           time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
	// Unread holds each recipient's counters right after the append. Nil for duplicates.
	Unread map[string]UnreadCount
}

// UnreadCount is one user's unread count in a room plus their total.
type UnreadCount struct {
	Room  int64
	Total int64
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

// MarkReadInput describes a read-marker advance.
type MarkReadInput struct {
	UserID  string
	RoomID  string
	UpToSeq int64
	Now     time.Time
}

// MarkReadResult reports what a read-marker advance changed.
type MarkReadResult struct {
	PriorSeq  int64
	MarkerSeq int64
	Converted int64
	RoomCount int64
	Total     int64
}

// SetReactionInput describes an ensure-present / ensure-absent request.
type SetReactionInput struct {
	MessageID string
	UserID    string
	Emoji     string
	Present   bool
	Now       time.Time
}

// directKey is the order-independent identity of a direct room.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
