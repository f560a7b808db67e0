package chatsync

import (
	"fmt"
	"slices"
	"strings"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Snapshot is the persistable state of a Cache. In-flight reaction and
// read-marker requests are not part of it.
type Snapshot struct {
	UserID    string                    `json:"user_id"`
	Total     int64                     `json:"total"`
	Rooms     []RoomSnapshot            `json:"rooms"`
	Reactions []v1.ReactionTallyPayload `json:"reactions,omitempty"`
}

// RoomSnapshot is the persisted state of one room.
type RoomSnapshot struct {
	RoomID   string       `json:"room_id"`
	ReadSeq  int64        `json:"read_seq"`
	Unread   int64        `json:"unread"`
	Messages []v1.Message `json:"messages"`
	Pending  []v1.Message `json:"pending,omitempty"`
	Failed   []FailedSend `json:"failed,omitempty"`
}

// FailedSend is a rejected send kept for the retry UI.
type FailedSend struct {
	Message v1.Message       `json:"message"`
	Failure *v1.ErrorPayload `json:"failure,omitempty"`
}

// Snapshot captures the cache state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{UserID: c.userID, Total: c.total}
	for _, r := range c.rooms {
		rs := RoomSnapshot{
			RoomID:   r.id,
			ReadSeq:  r.readSeq,
			Unread:   r.unread,
			Messages: make([]v1.Message, 0, len(r.confirmed)),
		}
		for _, e := range r.confirmed {
			rs.Messages = append(rs.Messages, e.Message)
		}
		for _, e := range r.pending {
			rs.Pending = append(rs.Pending, e.Message)
		}
		for _, e := range r.failed {
			rs.Failed = append(rs.Failed, FailedSend{Message: e.Message, Failure: e.Failure})
		}
		s.Rooms = append(s.Rooms, rs)
	}
	slices.SortFunc(s.Rooms, func(a, b RoomSnapshot) int { return strings.Compare(a.RoomID, b.RoomID) })

	for key, st := range c.reactions {
		if st.auth.Count <= 0 {
			continue
		}
		s.Reactions = append(s.Reactions, v1.ReactionTallyPayload{
			RoomID:    st.roomID,
			MessageID: key.messageID,
			Emoji:     key.emoji,
			Count:     st.auth.Count,
			UserIDs:   slices.Clone(st.auth.UserIDs),
		})
	}
	slices.SortFunc(s.Reactions, func(a, b v1.ReactionTallyPayload) int {
		if d := strings.Compare(a.MessageID, b.MessageID); d != 0 {
			return d
		}
		return strings.Compare(a.Emoji, b.Emoji)
	})
	return s
}

// Restore replaces the cache state with s. The snapshot must belong to the
// same user.
func (c *Cache) Restore(s Snapshot) error {
	if s.UserID != c.userID {
		return fmt.Errorf("chatsync: snapshot belongs to %q, cache to %q", s.UserID, c.userID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rooms = make(map[string]*room, len(s.Rooms))
	c.tokenRoom = make(map[string]string)
	c.reactions = make(map[reactionKey]*reactionState, len(s.Reactions))
	c.reactRef = make(map[string]reactionKey)
	c.reads = make(map[string]pendingRead)
	c.total = s.Total
	c.localSeq = 0

	for _, rs := range s.Rooms {
		r := c.room(rs.RoomID)
		r.readSeq = rs.ReadSeq
		r.unread = rs.Unread
		for _, m := range rs.Messages {
			r.upsert(m)
		}
		for _, m := range rs.Pending {
			c.localSeq++
			r.pending = append(r.pending, Entry{Message: m, State: StatePending, local: c.localSeq})
			c.tokenRoom[m.ClientToken] = rs.RoomID
		}
		for _, f := range rs.Failed {
			r.failed = append(r.failed, Entry{Message: f.Message, State: StateFailed, Failure: f.Failure})
			c.tokenRoom[f.Message.ClientToken] = rs.RoomID
		}
	}
	for _, p := range s.Reactions {
		c.applyTallyLocked(p)
	}
	return nil
}
