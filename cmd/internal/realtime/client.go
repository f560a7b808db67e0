package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// KickReason records why the server tore a session down.
type KickReason uint8

const (
	kickNone KickReason = iota
	KickSuperseded
	KickSlowConsumer
	KickHeartbeatTimeout
	KickShutdown
)

func (r KickReason) String() string {
	switch r {
	case KickSuperseded:
		return "superseded"
	case KickSlowConsumer:
		return "slow_consumer"
	case KickHeartbeatTimeout:
		return "heartbeat_timeout"
	case KickShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Client represents one authenticated websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close and Kick are idempotent; the first one wins.
type Client struct {
	SessionID   string
	UserID      string
	DeviceID    string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	lastSeen atomic.Int64 // unix nanos
	kick     atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id Identity, sessionID string, sendQueueSize int, now time.Time) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c := &Client{
		SessionID:   sessionID,
		UserID:      id.UserID,
		DeviceID:    id.DeviceID,
		ConnectedAt: now,
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Kick closes the client and records the reason unless it is already closed.
// It reports whether this call performed the teardown.
func (c *Client) Kick(reason KickReason) bool {
	if c == nil || c.Closed() {
		return false
	}
	if !c.kick.CompareAndSwap(uint32(kickNone), uint32(reason)) {
		return false
	}
	c.Close()
	return true
}

// KickReason returns the recorded teardown reason (kickNone for a normal close).
func (c *Client) KickReason() KickReason {
	return KickReason(c.kick.Load())
}

// Closed reports whether the client has been closed.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Touch records liveness.
func (c *Client) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the last liveness timestamp.
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load()).UTC()
}

// Deliver enqueues env without blocking. A saturated queue kicks the client
// so it reconnects and gap-fills instead of silently missing events.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.Kick(KickSlowConsumer)
		return false
	}
}
