package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// ReactionRequest asks for the caller's reaction to be present or absent.
type ReactionRequest struct {
	MessageID   string
	Emoji       string
	WantPresent bool
}

// TallyDelta is the aggregate after a reaction request.
type TallyDelta struct {
	RoomID    string
	MessageID string
	Emoji     string
	Count     int
	UserIDs   []string
	Changed   bool
}

// ReactionAggregator applies idempotent reaction changes and broadcasts tallies.
type ReactionAggregator struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	store   Store
	retry   retryPolicy

	locks *roomLocks
	fan   *fanout
}

// Change ensures presence or absence of the caller's reaction.
// A changed tally is broadcast to the room under the room lock, so tallies
// arrive in the order the state changed.
func (a *ReactionAggregator) Change(ctx context.Context, c *Client, req ReactionRequest) (TallyDelta, error) {
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		return TallyDelta{}, ErrInvalidPayload
	}
	if err := validEmoji(req.Emoji, a.cfg.MaxEmojiBytes); err != nil {
		return TallyDelta{}, err
	}

	var msg Message
	err := a.retry.do(ctx, func(ctx context.Context) error {
		var err error
		msg, err = a.store.GetMessage(ctx, req.MessageID)
		return err
	})
	if err != nil {
		return TallyDelta{}, err
	}

	unlock := a.locks.Lock(msg.RoomID)
	defer unlock()

	var room Room
	err = a.retry.do(ctx, func(ctx context.Context) error {
		var err error
		room, err = a.store.GetRoom(ctx, msg.RoomID)
		return err
	})
	if err != nil {
		return TallyDelta{}, err
	}
	if !room.HasMember(c.UserID) {
		return TallyDelta{}, ErrNotAMember
	}
	if room.Archived {
		return TallyDelta{}, ErrRoomArchived
	}
	if msg.Deleted() {
		return TallyDelta{}, ErrMessageDeleted
	}

	now := time.Now().UTC()
	var (
		changed bool
		tally   Tally
	)
	err = a.retry.do(ctx, func(ctx context.Context) error {
		var err error
		changed, err = a.store.SetReaction(ctx, SetReactionInput{
			MessageID: msg.ID,
			UserID:    c.UserID,
			Emoji:     req.Emoji,
			Present:   req.WantPresent,
			Now:       now,
		})
		return err
	})
	if err != nil {
		return TallyDelta{}, err
	}
	err = a.retry.do(ctx, func(ctx context.Context) error {
		var err error
		tally, err = a.store.ReactionTally(ctx, msg.ID, req.Emoji)
		return err
	})
	if err != nil {
		return TallyDelta{}, err
	}

	out := TallyDelta{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		Emoji:     req.Emoji,
		Count:     tally.Count,
		UserIDs:   tally.UserIDs,
		Changed:   changed,
	}

	env := newEnvelope(v1.TypeReactionTally, tallyPayload(out), now)
	if changed {
		a.metrics.reactionChanged()
		a.fan.toRoom(msg.RoomID, env, nil)
		// The acting session may not have joined the room.
		if !a.fan.registry.IsJoined(c.SessionID, msg.RoomID) {
			a.fan.toClient(c, env)
		}
	} else {
		a.fan.toClient(c, env)
	}
	return out, nil
}

// Tallies returns every emoji tally for a message the user can see.
func (a *ReactionAggregator) Tallies(ctx context.Context, userID, messageID string) ([]Tally, error) {
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := requireMember(ctx, a.store, userID, msg.RoomID); err != nil {
		return nil, err
	}
	return a.store.ReactionTallies(ctx, messageID)
}

func tallyPayload(d TallyDelta) v1.ReactionTallyPayload {
	users := d.UserIDs
	if users == nil {
		users = []string{}
	}
	return v1.ReactionTallyPayload{
		RoomID:    d.RoomID,
		MessageID: d.MessageID,
		Emoji:     d.Emoji,
		Count:     d.Count,
		UserIDs:   users,
	}
}

// validEmoji accepts a short printable token with no whitespace.
func validEmoji(e string, maxBytes int) error {
	if e == "" || !utf8.ValidString(e) {
		return ErrInvalidPayload
	}
	if len(e) > maxBytes {
		return ErrPayloadTooLarge
	}
	for _, r := range e {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidPayload
		}
	}
	return nil
}
