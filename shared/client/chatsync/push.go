package chatsync

import (
	"fmt"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// ApplyPushed merges one server envelope into the cache. Envelope types that
// carry no cached state (typing, receipt, heartbeat_ack, connected) are
// ignored.
func (c *Cache) ApplyPushed(env v1.Envelope) error {
	switch env.Type {
	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.Confirm(p)
		return nil
	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.Reject(p)
		return nil
	case v1.TypeHistoryChunk:
		var p v1.HistoryChunkPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.GapFill(p)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case v1.TypeMessageCreated:
		var p v1.MessageCreatedPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		m := p.Message
		if m.ClientToken == "" {
			m.ClientToken = p.ClientToken
		}
		c.applyMessageLocked(c.room(m.RoomID), m)

	case v1.TypeMessageUpdated:
		var p v1.MessageUpdatedPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.room(p.Message.RoomID).upsert(p.Message)

	case v1.TypeReactionTally:
		var p v1.ReactionTallyPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.applyTallyLocked(p)

	case v1.TypeReadAck:
		var p v1.ReadAckPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		r := c.room(p.RoomID)
		r.readSeq = max(r.readSeq, p.UpToSeq)
		r.unread = p.NewCount
		c.total = p.NewTotal
		for ref, pr := range c.reads {
			if pr.roomID == p.RoomID {
				delete(c.reads, ref)
			}
		}

	case v1.TypeReadMarker:
		var p v1.ReadMarkerPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		if p.UserID == c.userID {
			r := c.room(p.RoomID)
			r.readSeq = max(r.readSeq, p.UpToSeq)
		}

	case v1.TypeUnreadDelta:
		var p v1.UnreadDeltaPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.room(p.RoomID).unread = p.NewCount
		c.total = p.NewTotal

	case v1.TypeUnreadCounters:
		var p v1.UnreadCountersPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		for _, r := range c.rooms {
			r.unread = 0
		}
		for id, n := range p.Rooms {
			c.room(id).unread = n
		}
		c.total = p.Total

	case v1.TypeRoomJoined:
		var p v1.RoomJoinedPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.room(p.RoomID)

	case v1.TypeRoomLeft:
		var p v1.RoomLeftPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		c.forgetRoomLocked(p.RoomID)
	}
	return nil
}

func decodeErr(env v1.Envelope, err error) error {
	return fmt.Errorf("chatsync: decode %s: %w", env.Type, err)
}

// Forget stops tracking roomID and drops its cached state.
func (c *Cache) Forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetRoomLocked(roomID)
}

func (c *Cache) forgetRoomLocked(roomID string) {
	r, ok := c.rooms[roomID]
	if !ok {
		return
	}
	c.total -= r.unread
	for token, id := range c.tokenRoom {
		if id == roomID {
			delete(c.tokenRoom, token)
		}
	}
	for key, st := range c.reactions {
		if _, ok := r.byID[key.messageID]; ok || st.roomID == roomID {
			delete(c.reactions, key)
			for _, op := range st.ops {
				delete(c.reactRef, op.ref)
			}
		}
	}
	delete(c.rooms, roomID)
}

// AbandonInFlight forgets reaction and read-marker requests whose answers were
// lost with the connection. Reactions fall back to the last authoritative
// tally. Pending sends are kept; they are retransmitted with PendingSends.
func (c *Cache) AbandonInFlight() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.reactions {
		st.ops = nil
	}
	clear(c.reactRef)
	clear(c.reads)
}
