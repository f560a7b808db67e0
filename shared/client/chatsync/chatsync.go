// Package chatsync is the client-side cache synchronizer for the realtime
// protocol.
//
// Local mutations (send, react, mark read) apply optimistically and are later
// confirmed, rejected, or overwritten by server pushes. Every server event goes
// through a single entry point per kind: Confirm, Reject, ApplyPushed and
// GapFill. Confirmed messages are always ordered by their room sequence, never
// by arrival time.
//
// A Cache is safe for concurrent use and has no transport dependency.
package chatsync

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// State is the lifecycle of a cached message entry.
type State int

const (
	// StatePending is an optimistic local send awaiting confirmation.
	StatePending State = iota
	// StateConfirmed is a server-sequenced message.
	StateConfirmed
	// StateFailed is a rejected send kept for the retry UI.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyRoom is returned when a local mutation names no room.
	ErrEmptyRoom = errors.New("chatsync: empty room id")
	// ErrEmptyToken is returned when a local send has no client token.
	ErrEmptyToken = errors.New("chatsync: empty client token")
	// ErrUnknownMessage is returned when a local mutation names a message the cache has not seen.
	ErrUnknownMessage = errors.New("chatsync: unknown message")
)

// Entry is one rendered message in a room timeline.
type Entry struct {
	Message v1.Message
	State   State
	// Failure is set for StateFailed entries.
	Failure *v1.ErrorPayload
	// local orders pending entries among themselves.
	local int64
}

// Tally is the displayed reaction aggregate for one message/emoji pair.
type Tally struct {
	Emoji   string
	Count   int
	UserIDs []string
	// Pending is true while a local reaction change is unconfirmed.
	Pending bool
}

type room struct {
	id        string
	confirmed []Entry // sorted by Seq
	byID      map[string]int
	pending   []Entry // local order
	failed    []Entry

	// contiguous is the highest seq up to which every message is cached.
	// Room sequences start at 1 and have no holes, so confirmed[:contiguous]
	// holds exactly seqs 1..contiguous.
	contiguous int64

	readSeq int64
	unread  int64
}

func newRoom(id string) *room {
	return &room{id: id, byID: make(map[string]int)}
}

func (r *room) lastSeq() int64 {
	if len(r.confirmed) == 0 {
		return 0
	}
	return r.confirmed[len(r.confirmed)-1].Message.Seq
}

func (r *room) advance() {
	for int(r.contiguous) < len(r.confirmed) && r.confirmed[r.contiguous].Message.Seq == r.contiguous+1 {
		r.contiguous++
	}
}

// hasGap reports whether a message past the contiguous prefix is cached.
func (r *room) hasGap() bool {
	return r.lastSeq() > r.contiguous
}

// upsert inserts m at the position of its Seq, merging with a cached copy of
// the same message. It reports whether the timeline changed.
func (r *room) upsert(m v1.Message) bool {
	if i, ok := r.byID[m.MessageID]; ok {
		merged := mergeMessage(r.confirmed[i].Message, m)
		if sameMessage(merged, r.confirmed[i].Message) {
			return false
		}
		r.confirmed[i].Message = merged
		return true
	}

	i, found := slices.BinarySearchFunc(r.confirmed, m.Seq, func(e Entry, seq int64) int {
		switch {
		case e.Message.Seq < seq:
			return -1
		case e.Message.Seq > seq:
			return 1
		default:
			return 0
		}
	})
	if found {
		// Sequence numbers are unique per room. A different id at the same
		// seq means the cached copy is stale; the server copy wins.
		delete(r.byID, r.confirmed[i].Message.MessageID)
		r.confirmed[i] = Entry{Message: m, State: StateConfirmed}
		r.byID[m.MessageID] = i
		return true
	}
	r.confirmed = slices.Insert(r.confirmed, i, Entry{Message: m, State: StateConfirmed})
	for j := i; j < len(r.confirmed); j++ {
		r.byID[r.confirmed[j].Message.MessageID] = j
	}
	r.advance()
	return true
}

func (r *room) takePending(token string) (Entry, bool) {
	for i, e := range r.pending {
		if e.Message.ClientToken == token {
			r.pending = slices.Delete(r.pending, i, i+1)
			return e, true
		}
	}
	return Entry{}, false
}

func (r *room) takeFailed(token string) (Entry, bool) {
	for i, e := range r.failed {
		if e.Message.ClientToken == token {
			r.failed = slices.Delete(r.failed, i, i+1)
			return e, true
		}
	}
	return Entry{}, false
}

// unreadAfter counts confirmed messages from other users strictly after seq.
func (r *room) unreadAfter(seq int64, self string) int64 {
	var n int64
	for _, e := range r.confirmed {
		if e.Message.Seq > seq && e.Message.SenderUserID != self {
			n++
		}
	}
	return n
}

// mergeMessage folds an incoming copy of a message into the cached one.
// Deletes are terminal and the newest edit wins regardless of arrival order.
func mergeMessage(cur, in v1.Message) v1.Message {
	if cur.Deleted && !in.Deleted {
		return cur
	}
	if in.Deleted {
		return in
	}
	if cur.EditedAt != nil && (in.EditedAt == nil || in.EditedAt.Before(*cur.EditedAt)) {
		return cur
	}
	if in.ClientToken == "" {
		in.ClientToken = cur.ClientToken
	}
	return in
}

func sameMessage(a, b v1.Message) bool {
	if a.Body != b.Body || a.Deleted != b.Deleted || a.AttachmentRef != b.AttachmentRef || a.ClientToken != b.ClientToken {
		return false
	}
	switch {
	case a.EditedAt == nil && b.EditedAt == nil:
		return true
	case a.EditedAt == nil || b.EditedAt == nil:
		return false
	default:
		return a.EditedAt.Equal(*b.EditedAt)
	}
}

type pendingRead struct {
	roomID       string
	priorReadSeq int64
	priorUnread  int64
	priorTotal   int64
}

// Cache is the client-resident conversation cache for one user.
type Cache struct {
	mu sync.Mutex

	userID string
	now    func() time.Time

	rooms     map[string]*room
	tokenRoom map[string]string // client token -> room id for in-flight and failed sends
	reactions map[reactionKey]*reactionState
	reactRef  map[string]reactionKey // request envelope id -> reaction key
	reads     map[string]pendingRead // request envelope id -> rollback state
	total     int64
	localSeq  int64
}

// New returns an empty cache for userID.
func New(userID string) *Cache {
	return &Cache{
		userID:    strings.TrimSpace(userID),
		now:       time.Now,
		rooms:     make(map[string]*room),
		tokenRoom: make(map[string]string),
		reactions: make(map[reactionKey]*reactionState),
		reactRef:  make(map[string]reactionKey),
		reads:     make(map[string]pendingRead),
	}
}

// UserID returns the owner of the cache.
func (c *Cache) UserID() string { return c.userID }

func (c *Cache) room(id string) *room {
	r, ok := c.rooms[id]
	if !ok {
		r = newRoom(id)
		c.rooms[id] = r
	}
	return r
}

// Track registers roomID so it is rejoined and gap-filled on reconnect.
func (c *Cache) Track(roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return
	}
	c.mu.Lock()
	c.room(roomID)
	c.mu.Unlock()
}

// Rooms returns the tracked room ids, sorted.
func (c *Cache) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// LocalSend records an optimistic send and returns the payload to transmit.
// Sending the same token again while it is pending or failed is a no-op that
// returns the original payload.
func (c *Cache) LocalSend(roomID, clientToken, body, attachmentRef string) (v1.MessageSendPayload, error) {
	roomID = strings.TrimSpace(roomID)
	clientToken = strings.TrimSpace(clientToken)
	if roomID == "" {
		return v1.MessageSendPayload{}, ErrEmptyRoom
	}
	if clientToken == "" {
		return v1.MessageSendPayload{}, ErrEmptyToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.room(roomID)
	if prior, ok := c.tokenRoom[clientToken]; ok && prior == roomID {
		for _, e := range slices.Concat(r.pending, r.failed) {
			if e.Message.ClientToken == clientToken {
				return sendPayload(e.Message), nil
			}
		}
	}

	c.localSeq++
	m := v1.Message{
		RoomID:        roomID,
		SenderUserID:  c.userID,
		ClientToken:   clientToken,
		Body:          body,
		AttachmentRef: attachmentRef,
		CreatedAt:     c.now().UTC(),
	}
	r.pending = append(r.pending, Entry{Message: m, State: StatePending, local: c.localSeq})
	c.tokenRoom[clientToken] = roomID
	return sendPayload(m), nil
}

func sendPayload(m v1.Message) v1.MessageSendPayload {
	return v1.MessageSendPayload{
		RoomID:        m.RoomID,
		ClientToken:   m.ClientToken,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
	}
}

// Retry moves a failed send back to pending and returns the payload to
// retransmit. The original client token is kept so the server deduplicates.
func (c *Cache) Retry(clientToken string) (v1.MessageSendPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomID, ok := c.tokenRoom[clientToken]
	if !ok {
		return v1.MessageSendPayload{}, false
	}
	r := c.room(roomID)
	e, ok := r.takeFailed(clientToken)
	if !ok {
		return v1.MessageSendPayload{}, false
	}
	c.localSeq++
	e.State = StatePending
	e.Failure = nil
	e.local = c.localSeq
	r.pending = append(r.pending, e)
	return sendPayload(e.Message), true
}

// Discard drops a failed send.
func (c *Cache) Discard(clientToken string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomID, ok := c.tokenRoom[clientToken]
	if !ok {
		return false
	}
	if _, ok := c.room(roomID).takeFailed(clientToken); !ok {
		return false
	}
	delete(c.tokenRoom, clientToken)
	return true
}

// PendingSends returns every unconfirmed send in local order, for
// retransmission after a reconnect.
func (c *Cache) PendingSends() []v1.MessageSendPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []Entry
	for _, r := range c.rooms {
		all = append(all, r.pending...)
	}
	slices.SortFunc(all, func(a, b Entry) int { return cmp.Compare(a.local, b.local) })

	out := make([]v1.MessageSendPayload, 0, len(all))
	for _, e := range all {
		out = append(out, sendPayload(e.Message))
	}
	return out
}

// Confirm replaces the pending send matching ack.ClientToken with the
// authoritative message id and sequence.
func (c *Cache) Confirm(ack v1.MessageAckPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.room(ack.RoomID)
	m := v1.Message{
		MessageID:    ack.MessageID,
		RoomID:       ack.RoomID,
		Seq:          ack.Seq,
		SenderUserID: c.userID,
		ClientToken:  ack.ClientToken,
		CreatedAt:    ack.CreatedAt,
	}
	e, hadPending := r.takePending(ack.ClientToken)
	r.takeFailed(ack.ClientToken)
	delete(c.tokenRoom, ack.ClientToken)
	if _, seen := r.byID[ack.MessageID]; seen || !hadPending {
		// Either message_created already landed, or the body is unknown and
		// message_created or gap-fill will bring it.
		return
	}
	m.Body = e.Message.Body
	m.AttachmentRef = e.Message.AttachmentRef
	r.upsert(m)
}

// Reject applies a server error to the optimistic state it refers to. Failed
// sends move to the failed list; reaction and read-marker changes roll back.
// It reports whether the error matched any local mutation.
func (c *Cache) Reject(e v1.ErrorPayload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ClientToken != "" {
		if roomID, ok := c.tokenRoom[e.ClientToken]; ok {
			r := c.room(roomID)
			if entry, ok := r.takePending(e.ClientToken); ok {
				failure := e
				entry.State = StateFailed
				entry.Failure = &failure
				r.failed = append(r.failed, entry)
				return true
			}
		}
	}
	if e.Ref == "" {
		return false
	}
	if key, ok := c.reactRef[e.Ref]; ok {
		delete(c.reactRef, e.Ref)
		if st, ok := c.reactions[key]; ok {
			st.drop(e.Ref)
		}
		return true
	}
	if pr, ok := c.reads[e.Ref]; ok {
		delete(c.reads, e.Ref)
		r := c.room(pr.roomID)
		r.readSeq = pr.priorReadSeq
		r.unread = pr.priorUnread
		c.total = pr.priorTotal
		return true
	}
	return false
}

// LocalMarkRead optimistically advances the read marker to upToMessageID.
// ref is the id of the request envelope, used to roll back on rejection.
func (c *Cache) LocalMarkRead(ref, roomID, upToMessageID string) (v1.MarkReadPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[roomID]
	if !ok {
		return v1.MarkReadPayload{}, ErrEmptyRoom
	}
	i, ok := r.byID[upToMessageID]
	if !ok {
		return v1.MarkReadPayload{}, ErrUnknownMessage
	}

	c.reads[ref] = pendingRead{roomID: roomID, priorReadSeq: r.readSeq, priorUnread: r.unread, priorTotal: c.total}
	if seq := r.confirmed[i].Message.Seq; seq > r.readSeq {
		r.readSeq = seq
		next := min(r.unread, r.unreadAfter(seq, c.userID))
		c.total -= r.unread - next
		r.unread = next
	}
	return v1.MarkReadPayload{RoomID: roomID, UpToMessageID: upToMessageID}, nil
}

// GapFill merges a history window. Messages are inserted by sequence and
// deduplicated by id, so overlapping windows are harmless.
func (c *Cache) GapFill(chunk v1.HistoryChunkPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.room(chunk.RoomID)
	for _, m := range chunk.Messages {
		if m.RoomID == "" {
			m.RoomID = chunk.RoomID
		}
		c.applyMessageLocked(r, m)
	}
}

// applyMessageLocked inserts a confirmed message and settles a matching
// pending or failed send of ours.
func (c *Cache) applyMessageLocked(r *room, m v1.Message) {
	if m.SenderUserID == c.userID && m.ClientToken != "" {
		r.takePending(m.ClientToken)
		r.takeFailed(m.ClientToken)
		delete(c.tokenRoom, m.ClientToken)
	}
	r.upsert(m)
}

// ResumePoints returns, per tracked room, the highest sequence below which
// nothing is missing. A reconnecting client fetches history strictly after
// each point; messages already cached past a hole are deduplicated on arrival.
func (c *Cache) ResumePoints() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.rooms))
	for id, r := range c.rooms {
		out[id] = r.contiguous
	}
	return out
}

// Gaps returns the resume point of every room holding a message past a hole,
// such as one pushed while the room was not subscribed. The caller gap-fills
// each room after the returned sequence.
func (c *Cache) Gaps() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out map[string]int64
	for id, r := range c.rooms {
		if r.hasGap() {
			if out == nil {
				out = make(map[string]int64)
			}
			out[id] = r.contiguous
		}
	}
	return out
}

// Messages returns the room timeline: confirmed entries in sequence order,
// then pending sends in local order.
func (c *Cache) Messages(roomID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Concat(r.confirmed, r.pending)
}

// Failed returns rejected sends for roomID.
func (c *Cache) Failed(roomID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(r.failed)
}

// Unread returns the per-room unread counts and the total.
func (c *Cache) Unread() (map[string]int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make(map[string]int64, len(c.rooms))
	for id, r := range c.rooms {
		if r.unread > 0 {
			rooms[id] = r.unread
		}
	}
	return rooms, c.total
}

// ReadSeq returns the caller's read marker for roomID.
func (c *Cache) ReadSeq(roomID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return r.readSeq
	}
	return 0
}
