package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	v1 "bazaar/shared/contracts/realtime/v1"
)

const maxClientTokenLen = 128

// SendRequest is a validated message_send.
type SendRequest struct {
	RoomID        string
	ClientToken   string
	Body          string
	AttachmentRef string
}

// SendResult is the outcome of a send.
type SendResult struct {
	Message    Message
	Duplicated bool
}

// EditRequest replaces the body of an own message.
type EditRequest struct {
	MessageID string
	Body      string
}

// DeleteRequest soft-deletes an own message.
type DeleteRequest struct {
	MessageID string
}

// HistoryResult is a window of room history.
type HistoryResult struct {
	RoomID   string
	Messages []Message
	HasMore  bool
}

// Pipeline persists messages and fans them out in per-room order.
//
// Per room, mutations run under a room lock so the broadcast order observed by
// every session equals the order of the room's ordering key.
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	store   Store
	retry   retryPolicy

	locks    *roomLocks
	registry *Registry
	sessions *SessionManager
	fan      *fanout
	typing   *TypingCoordinator
	counters *CounterService
}

// Send validates, persists, and broadcasts a message.
func (p *Pipeline) Send(ctx context.Context, c *Client, req SendRequest) (SendResult, error) {
	start := time.Now()

	req.RoomID = strings.TrimSpace(req.RoomID)
	req.ClientToken = strings.TrimSpace(req.ClientToken)
	req.AttachmentRef = strings.TrimSpace(req.AttachmentRef)
	if err := p.validateSend(req); err != nil {
		return SendResult{}, err
	}
	if !p.registry.IsJoined(c.SessionID, req.RoomID) {
		return SendResult{}, ErrNotAMember
	}

	unlock := p.locks.Lock(req.RoomID)
	defer unlock()

	room, err := p.loadRoom(ctx, req.RoomID)
	if err != nil {
		return SendResult{}, err
	}
	if !room.HasMember(c.UserID) {
		return SendResult{}, ErrNotAMember
	}
	if room.Archived {
		return SendResult{}, ErrRoomArchived
	}

	now := time.Now().UTC()
	msgID, err := NewMessageID(now)
	if err != nil {
		return SendResult{}, err
	}
	recipients := room.OtherMembers(c.UserID)

	var (
		res      AppendMessageResult
		attempts int
	)
	err = p.retry.do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := p.store.AppendMessage(ctx, AppendMessageInput{
			MessageID:     msgID,
			RoomID:        req.RoomID,
			ClientToken:   req.ClientToken,
			SenderUserID:  c.UserID,
			SenderSession: c.SessionID,
			Body:          req.Body,
			AttachmentRef: req.AttachmentRef,
			Recipients:    recipients,
			Now:           now,
		})
		if err == nil {
			res = r
		}
		return err
	})
	if err != nil {
		p.log.Warn("room.message.persist.fail",
			"room_id", req.RoomID,
			"session_id", c.SessionID,
			"client_token", req.ClientToken,
			"attempts", attempts,
			"err", err,
		)
		return SendResult{}, err
	}

	stored := res.Stored
	// A duplicate carrying our own id means an earlier attempt committed
	// before its acknowledgement was lost: this call still owns the fan-out.
	fresh := !res.Duplicated || (attempts > 1 && stored.ID == msgID)
	p.metrics.persisted(!fresh, start)

	if fresh {
		p.log.Debug("room.message.persisted",
			"room_id", stored.RoomID,
			"message_id", stored.ID,
			"seq", stored.Seq,
			"user_id", c.UserID,
		)
		p.fanOutCreated(ctx, c, stored, recipients, res.Unread, now)
	}

	p.fan.toClient(c, newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		RoomID:      stored.RoomID,
		ClientToken: stored.ClientToken,
		MessageID:   stored.ID,
		Seq:         stored.Seq,
		CreatedAt:   stored.CreatedAt,
		Duplicated:  !fresh,
	}, now))

	return SendResult{Message: stored, Duplicated: !fresh}, nil
}

func (p *Pipeline) fanOutCreated(ctx context.Context, c *Client, m Message, recipients []string, unread map[string]UnreadCount, now time.Time) {
	created := newEnvelope(v1.TypeMessageCreated, v1.MessageCreatedPayload{
		Message:     m.Wire(),
		ClientToken: m.ClientToken,
	}, now)

	accepted := p.fan.toRoom(m.RoomID, created, nil)

	// The sender's other devices see their own message even without joining the room.
	p.fan.toUser(c.UserID, created, func(s *Client) bool {
		return p.registry.IsJoined(s.SessionID, m.RoomID)
	})

	p.counters.onDelivered(ctx, m, recipients, unread)

	reached := make(map[string]struct{}, len(accepted))
	for _, s := range accepted {
		if s.UserID != c.UserID {
			reached[s.UserID] = struct{}{}
		}
	}
	if len(reached) > 0 {
		users := make([]string, 0, len(reached))
		for uid := range reached {
			users = append(users, uid)
		}
		var advanced []string
		err := p.retry.do(ctx, func(ctx context.Context) error {
			var err error
			advanced, err = p.store.MarkDelivered(ctx, m.ID, users, now)
			return err
		})
		if err != nil {
			p.log.Warn("room.receipt.deliver.fail", "room_id", m.RoomID, "message_id", m.ID, "err", err)
		}
		for _, uid := range advanced {
			p.fan.toUser(c.UserID, newEnvelope(v1.TypeReceipt, v1.ReceiptPayload{
				RoomID:    m.RoomID,
				MessageID: m.ID,
				UserID:    uid,
				State:     v1.ReceiptDelivered,
			}, now), nil)
		}
	}

	p.typing.Stop(m.RoomID, c.UserID, now)
}

// Edit replaces the body of the caller's own message and broadcasts the update.
func (p *Pipeline) Edit(ctx context.Context, c *Client, req EditRequest) (Message, error) {
	req.MessageID = strings.TrimSpace(req.MessageID)
	if utf8.RuneCountInString(req.Body) > p.cfg.MaxMessageChars {
		return Message{}, ErrPayloadTooLarge
	}
	if strings.TrimSpace(req.Body) == "" {
		return Message{}, ErrInvalidPayload
	}
	return p.mutateOwn(ctx, c, req.MessageID, func(ctx context.Context, now time.Time) (Message, error) {
		return p.store.EditMessage(ctx, req.MessageID, req.Body, now)
	})
}

// Delete soft-deletes the caller's own message and broadcasts the redacted update.
func (p *Pipeline) Delete(ctx context.Context, c *Client, req DeleteRequest) (Message, error) {
	req.MessageID = strings.TrimSpace(req.MessageID)
	return p.mutateOwn(ctx, c, req.MessageID, func(ctx context.Context, now time.Time) (Message, error) {
		return p.store.DeleteMessage(ctx, req.MessageID, now)
	})
}

func (p *Pipeline) mutateOwn(ctx context.Context, c *Client, messageID string, op func(context.Context, time.Time) (Message, error)) (Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, ErrInvalidPayload
	}

	orig, err := p.loadMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	unlock := p.locks.Lock(orig.RoomID)
	defer unlock()

	room, err := p.loadRoom(ctx, orig.RoomID)
	if err != nil {
		return Message{}, err
	}
	if !room.HasMember(c.UserID) {
		return Message{}, ErrNotAMember
	}
	if orig.SenderUserID != c.UserID {
		return Message{}, ErrForbidden
	}
	if room.Archived {
		return Message{}, ErrRoomArchived
	}

	now := time.Now().UTC()
	var updated Message
	err = p.retry.do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = op(ctx, now)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	env := newEnvelope(v1.TypeMessageUpdated, v1.MessageUpdatedPayload{Message: updated.Wire()}, now)
	p.fan.toRoom(updated.RoomID, env, nil)
	p.fan.toUser(c.UserID, env, func(s *Client) bool {
		return p.registry.IsJoined(s.SessionID, updated.RoomID)
	})
	return updated, nil
}

// FetchHistory returns messages after afterSeq for a member and marks them delivered.
func (p *Pipeline) FetchHistory(ctx context.Context, userID, roomID string, afterSeq *int64, limit int) (HistoryResult, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return HistoryResult{}, ErrInvalidPayload
	}
	if afterSeq != nil && *afterSeq < 0 {
		return HistoryResult{}, ErrInvalidPayload
	}

	room, err := p.loadRoom(ctx, roomID)
	if err != nil {
		return HistoryResult{}, err
	}
	if !room.HasMember(userID) {
		return HistoryResult{}, ErrNotAMember
	}

	limit = clampLimit(limit, p.cfg.HistoryDefaultLimit, p.cfg.HistoryMaxLimit)

	var out FetchHistoryResult
	err = p.retry.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = p.store.FetchHistory(ctx, FetchHistoryInput{RoomID: roomID, AfterSeq: afterSeq, Limit: limit})
		return err
	})
	if err != nil {
		return HistoryResult{}, err
	}

	if n := len(out.Messages); n > 0 {
		last := out.Messages[n-1].Seq
		if _, err := p.store.MarkDeliveredUpTo(ctx, userID, roomID, last, time.Now().UTC()); err != nil {
			p.log.Warn("room.receipt.deliver.fail", "room_id", roomID, "user_id", userID, "err", err)
		}
	}

	return HistoryResult{RoomID: roomID, Messages: out.Messages, HasMore: out.HasMore}, nil
}

func (p *Pipeline) validateSend(req SendRequest) error {
	if req.RoomID == "" || req.ClientToken == "" || len(req.ClientToken) > maxClientTokenLen {
		return ErrInvalidPayload
	}
	if !utf8.ValidString(req.Body) {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(req.Body) == "" && req.AttachmentRef == "" {
		return ErrInvalidPayload
	}
	if utf8.RuneCountInString(req.Body) > p.cfg.MaxMessageChars {
		return ErrPayloadTooLarge
	}
	if len(req.AttachmentRef) > p.cfg.MaxAttachmentRefLen {
		return ErrPayloadTooLarge
	}
	return nil
}

func (p *Pipeline) loadRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := p.retry.do(ctx, func(ctx context.Context) error {
		var err error
		room, err = p.store.GetRoom(ctx, roomID)
		return err
	})
	return room, err
}

func (p *Pipeline) loadMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := p.retry.do(ctx, func(ctx context.Context) error {
		var err error
		m, err = p.store.GetMessage(ctx, messageID)
		return err
	})
	return m, err
}
