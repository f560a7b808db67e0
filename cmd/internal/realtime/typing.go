package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"

	"golang.org/x/time/rate"
)

// TypingCoordinator keeps a TTL table of (room, user) typing entries.
//
// A start is broadcast when an entry becomes active and at most once per
// throttle interval while it stays active. Exactly one stop is broadcast per
// active period, whichever of explicit stop, TTL expiry, message send, or
// disconnect comes first.
type TypingCoordinator struct {
	ttl      time.Duration
	throttle time.Duration

	registry *Registry
	fan      *fanout
	metrics  *Metrics

	// mu also covers broadcasts so peers see each pair's starts and stops
	// in the order the table changed. Fanout never blocks.
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
}

type typingKey struct {
	roomID string
	userID string
}

type typingEntry struct {
	expires time.Time
	limiter *rate.Limiter
}

// newTypingCoordinator constructs a coordinator that broadcasts through fan.
func newTypingCoordinator(cfg Config, registry *Registry, fan *fanout, metrics *Metrics) *TypingCoordinator {
	return &TypingCoordinator{
		ttl:      cfg.TypingTTL,
		throttle: cfg.TypingThrottle,
		registry: registry,
		fan:      fan,
		metrics:  metrics,
		entries:  make(map[typingKey]*typingEntry),
	}
}

// SetTyping records the caller's typing state for roomID.
// The session must have joined the room.
func (t *TypingCoordinator) SetTyping(c *Client, roomID string, isTyping bool, now time.Time) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrInvalidPayload
	}
	if !t.registry.IsJoined(c.SessionID, roomID) {
		return ErrNotAMember
	}
	if !isTyping {
		t.Stop(roomID, c.UserID, now)
		return nil
	}

	key := typingKey{roomID, c.UserID}

	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e != nil && !now.Before(e.expires) {
		// Expired but not yet swept: its period still owes a stop.
		t.broadcast(roomID, c.UserID, false, now)
		e = nil
	}
	broadcast := false
	if e == nil {
		// New active period. The limiter's single token is spent on this start.
		e = &typingEntry{limiter: rate.NewLimiter(rate.Every(t.throttle), 1)}
		e.limiter.AllowN(now, 1)
		t.entries[key] = e
		broadcast = true
	} else if e.limiter.AllowN(now, 1) {
		broadcast = true
	}
	e.expires = now.Add(t.ttl)

	if broadcast {
		t.broadcast(roomID, c.UserID, true, now)
	}
	return nil
}

// Stop ends the (room, user) active period, broadcasting a stop if one was active.
func (t *TypingCoordinator) Stop(roomID, userID string, now time.Time) bool {
	key := typingKey{roomID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
		t.broadcast(roomID, userID, false, now)
	}
	return ok
}

// IsTyping reports whether userID is typing in roomID. Expired entries count as absent.
func (t *TypingCoordinator) IsTyping(roomID, userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[typingKey{roomID, userID}]
	return e != nil && now.Before(e.expires)
}

// TypingUsers returns users currently typing in roomID.
func (t *TypingCoordinator) TypingUsers(roomID string, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, e := range t.entries {
		if k.roomID == roomID && now.Before(e.expires) {
			out = append(out, k.userID)
		}
	}
	return out
}

// Sweep removes expired entries and broadcasts one stop for each.
func (t *TypingCoordinator) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if !now.Before(e.expires) {
			delete(t.entries, k)
			t.broadcast(k.roomID, k.userID, false, now)
			n++
		}
	}
	return n
}

// Run sweeps at interval until ctx is done.
func (t *TypingCoordinator) Run(ctx context.Context, interval time.Duration) error {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tk.C:
			t.Sweep(now.UTC())
		}
	}
}

func (t *TypingCoordinator) broadcast(roomID, userID string, isTyping bool, now time.Time) {
	env := newEnvelope(v1.TypeTyping, v1.TypingPayload{
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: isTyping,
	}, now)
	t.fan.toRoom(roomID, env, skipUser(userID))
	t.metrics.typing(isTyping)
}
