package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"

	"golang.org/x/sync/singleflight"
)

// ReadResult is the outcome of advancing a read marker.
type ReadResult struct {
	RoomID    string
	UpToSeq   int64
	Converted int64
	NewCount  int64
	NewTotal  int64
	Advanced  bool
}

// CounterService maintains per-room and per-user unread counters.
//
// Counters move incrementally on delivery and read. Reconcile recomputes them
// from receipts, which is the authority when the two disagree.
type CounterService struct {
	log     *slog.Logger
	metrics *Metrics
	store   Store
	retry   retryPolicy

	locks    *roomLocks
	sessions *SessionManager
	fan      *fanout

	flight singleflight.Group
}

// onDelivered pushes each recipient's new unread count, as committed with the
// message, to their sessions. Called under the room lock.
//
// Recipients missing from unread (an append whose first attempt committed but
// whose result was lost) are read back from the store.
func (s *CounterService) onDelivered(ctx context.Context, m Message, recipients []string, unread map[string]UnreadCount) {
	now := time.Now().UTC()
	for _, uid := range recipients {
		uc, ok := unread[uid]
		if !ok {
			var c Counters
			err := s.retry.do(ctx, func(ctx context.Context) error {
				var err error
				c, err = s.store.UnreadCounters(ctx, uid)
				return err
			})
			if err != nil {
				// Reconcile on the next connect brings the client back in line.
				s.log.Warn("unread.load.fail", "room_id", m.RoomID, "user_id", uid, "message_id", m.ID, "err", err)
				continue
			}
			uc = UnreadCount{Room: c.PerRoom[m.RoomID], Total: c.Total}
		}
		s.fan.toUser(uid, newEnvelope(v1.TypeUnreadDelta, v1.UnreadDeltaPayload{
			RoomID:   m.RoomID,
			NewCount: uc.Room,
			NewTotal: uc.Total,
		}, now), nil)
	}
}

// MarkRead advances the caller's read marker in roomID up to and including upToMessageID.
//
// The acting session receives read_ack; the user's other sessions receive
// unread_delta; the room receives read_marker when the marker moved.
func (s *CounterService) MarkRead(ctx context.Context, c *Client, roomID, upToMessageID string) (ReadResult, error) {
	roomID = strings.TrimSpace(roomID)
	upToMessageID = strings.TrimSpace(upToMessageID)
	if roomID == "" || upToMessageID == "" {
		return ReadResult{}, ErrInvalidPayload
	}

	var target Message
	err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		target, err = s.store.GetMessage(ctx, upToMessageID)
		return err
	})
	if err != nil {
		return ReadResult{}, err
	}
	if target.RoomID != roomID {
		return ReadResult{}, ErrInvalidPayload
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	var room Room
	err = s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		room, err = s.store.GetRoom(ctx, roomID)
		return err
	})
	if err != nil {
		return ReadResult{}, err
	}
	if !room.HasMember(c.UserID) {
		return ReadResult{}, ErrNotAMember
	}

	now := time.Now().UTC()
	var res MarkReadResult
	err = s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.store.MarkReadUpTo(ctx, MarkReadInput{
			UserID:  c.UserID,
			RoomID:  roomID,
			UpToSeq: target.Seq,
			Now:     now,
		})
		return err
	})
	if err != nil {
		return ReadResult{}, err
	}

	out := ReadResult{
		RoomID:    roomID,
		UpToSeq:   res.MarkerSeq,
		Converted: res.Converted,
		NewCount:  res.RoomCount,
		NewTotal:  res.Total,
		Advanced:  res.MarkerSeq > res.PriorSeq,
	}

	s.fan.toClient(c, newEnvelope(v1.TypeReadAck, v1.ReadAckPayload{
		RoomID:   roomID,
		UpToSeq:  out.UpToSeq,
		NewCount: out.NewCount,
		NewTotal: out.NewTotal,
	}, now))

	if out.Converted > 0 {
		s.fan.toUser(c.UserID, newEnvelope(v1.TypeUnreadDelta, v1.UnreadDeltaPayload{
			RoomID:   roomID,
			NewCount: out.NewCount,
			NewTotal: out.NewTotal,
		}, now), skipSession(c.SessionID))
	}

	if out.Advanced {
		s.fan.toRoom(roomID, newEnvelope(v1.TypeReadMarker, v1.ReadMarkerPayload{
			RoomID:  roomID,
			UserID:  c.UserID,
			UpToSeq: out.UpToSeq,
		}, now), skipSession(c.SessionID))
	}

	return out, nil
}

// Counters returns the incrementally maintained counters for userID.
func (s *CounterService) Counters(ctx context.Context, userID string) (Counters, error) {
	var out Counters
	err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.UnreadCounters(ctx, userID)
		return err
	})
	return out, err
}

// Reconcile recomputes userID's counters from receipts and rewrites the stored values.
// Concurrent calls for the same user share one computation.
func (s *CounterService) Reconcile(ctx context.Context, userID string) (Counters, error) {
	if strings.TrimSpace(userID) == "" {
		return Counters{}, ErrInvalidPayload
	}
	v, err, _ := s.flight.Do(userID, func() (any, error) {
		var out Counters
		err := s.retry.do(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.store.ReconcileUnread(ctx, userID)
			return err
		})
		if err != nil {
			return Counters{}, err
		}
		s.metrics.reconciled()
		return out, nil
	})
	if err != nil {
		return Counters{}, err
	}
	return v.(Counters), nil
}

// countersPayload converts counters to their wire shape.
func countersPayload(c Counters) v1.UnreadCountersPayload {
	rooms := make(map[string]int64, len(c.PerRoom))
	for room, n := range c.PerRoom {
		if n > 0 {
			rooms[room] = n
		}
	}
	return v1.UnreadCountersPayload{Rooms: rooms, Total: c.Total}
}
