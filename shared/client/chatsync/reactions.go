package chatsync

import (
	"errors"
	"slices"
	"strings"

	v1 "bazaar/shared/contracts/realtime/v1"
)

type reactionKey struct {
	messageID string
	emoji     string
}

type reactionOp struct {
	ref  string
	want bool
}

// reactionState keeps the last authoritative tally apart from in-flight local
// changes, so a rollback re-derives the display from the server's view.
type reactionState struct {
	roomID string
	auth   Tally
	ops    []reactionOp
}

func (st *reactionState) drop(ref string) {
	st.ops = slices.DeleteFunc(st.ops, func(op reactionOp) bool { return op.ref == ref })
}

// settle drops leading ops the authoritative tally already reflects and
// returns their refs.
func (st *reactionState) settle(self string) []string {
	present := slices.Contains(st.auth.UserIDs, self)
	var done []string
	for len(st.ops) > 0 && st.ops[0].want == present {
		done = append(done, st.ops[0].ref)
		st.ops = st.ops[1:]
	}
	return done
}

func (st *reactionState) display(self string) Tally {
	t := Tally{Emoji: st.auth.Emoji, Count: st.auth.Count, UserIDs: slices.Clone(st.auth.UserIDs)}
	if len(st.ops) == 0 {
		return t
	}
	t.Pending = true
	want := st.ops[len(st.ops)-1].want
	present := slices.Contains(t.UserIDs, self)
	switch {
	case want && !present:
		t.UserIDs = append(t.UserIDs, self)
		slices.Sort(t.UserIDs)
		t.Count++
	case !want && present:
		t.UserIDs = slices.DeleteFunc(t.UserIDs, func(u string) bool { return u == self })
		t.Count--
	}
	return t
}

// LocalReact optimistically applies an ensure-present or ensure-absent
// reaction change. ref is the id of the request envelope.
func (c *Cache) LocalReact(ref, messageID, emoji string, wantPresent bool) (v1.ReactionChangePayload, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" || emoji == "" {
		return v1.ReactionChangePayload{}, errors.New("chatsync: message id and emoji are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := reactionKey{messageID: messageID, emoji: emoji}
	st, ok := c.reactions[key]
	if !ok {
		st = &reactionState{auth: Tally{Emoji: emoji}}
		c.reactions[key] = st
	}
	st.ops = append(st.ops, reactionOp{ref: ref, want: wantPresent})
	c.reactRef[ref] = key
	return v1.ReactionChangePayload{MessageID: messageID, Emoji: emoji, WantPresent: wantPresent}, nil
}

func (c *Cache) applyTallyLocked(p v1.ReactionTallyPayload) {
	key := reactionKey{messageID: p.MessageID, emoji: p.Emoji}
	st, ok := c.reactions[key]
	if !ok {
		st = &reactionState{}
		c.reactions[key] = st
	}
	if p.RoomID != "" {
		st.roomID = p.RoomID
	}
	users := slices.Clone(p.UserIDs)
	slices.Sort(users)
	st.auth = Tally{Emoji: p.Emoji, Count: p.Count, UserIDs: users}
	for _, ref := range st.settle(c.userID) {
		delete(c.reactRef, ref)
	}
}

// Reactions returns the displayed tallies for a message, sorted by emoji.
// Emoji with a zero count and no pending change are omitted.
func (c *Cache) Reactions(messageID string) []Tally {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Tally
	for key, st := range c.reactions {
		if key.messageID != messageID {
			continue
		}
		t := st.display(c.userID)
		if t.Count <= 0 && !t.Pending {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tally) int { return strings.Compare(a.Emoji, b.Emoji) })
	return out
}
