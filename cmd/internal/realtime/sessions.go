package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionManager tracks live sessions and enforces one session per (user, device).
type SessionManager struct {
	log     *slog.Logger
	metrics *Metrics
	timeout time.Duration

	mu       sync.RWMutex
	byID     map[string]*Client
	byUser   map[string]map[string]*Client // user -> session -> client
	byDevice map[deviceKey]*Client
}

type deviceKey struct {
	userID   string
	deviceID string
}

// NewSessionManager constructs a SessionManager that expires sessions silent for longer than timeout.
func NewSessionManager(log *slog.Logger, metrics *Metrics, timeout time.Duration) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConfig().HeartbeatTimeout
	}
	return &SessionManager{
		log:      log,
		metrics:  metrics,
		timeout:  timeout,
		byID:     make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		byDevice: make(map[deviceKey]*Client),
	}
}

// Register adds c and returns the session it replaced for the same device, if any.
// The replaced session is kicked with KickSuperseded.
func (m *SessionManager) Register(c *Client) *Client {
	m.mu.Lock()
	dk := deviceKey{c.UserID, c.DeviceID}
	prev := m.byDevice[dk]
	if prev != nil {
		m.removeLocked(prev)
	}
	m.byID[c.SessionID] = c
	sessions := m.byUser[c.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client)
		m.byUser[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	m.byDevice[dk] = c
	m.mu.Unlock()

	m.metrics.connOpened()
	if prev != nil {
		m.log.Info("session.superseded",
			"user_id", c.UserID,
			"device_id", c.DeviceID,
			"old_session_id", prev.SessionID,
			"new_session_id", c.SessionID,
		)
		if prev.Kick(KickSuperseded) {
			m.metrics.kicked(KickSuperseded)
		}
	}
	return prev
}

// Unregister removes c if it is still registered. It reports whether c was removed.
func (m *SessionManager) Unregister(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[c.SessionID] != c {
		return false
	}
	m.removeLocked(c)
	return true
}

func (m *SessionManager) removeLocked(c *Client) {
	if m.byID[c.SessionID] != c {
		return
	}
	delete(m.byID, c.SessionID)
	if sessions := m.byUser[c.UserID]; sessions != nil {
		delete(sessions, c.SessionID)
		if len(sessions) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	dk := deviceKey{c.UserID, c.DeviceID}
	if m.byDevice[dk] == c {
		delete(m.byDevice, dk)
	}
	m.metrics.connClosed()
}

// Get returns the live session with id, if any.
func (m *SessionManager) Get(sessionID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[sessionID]
	return c, ok
}

// Touch refreshes liveness for sessionID.
func (m *SessionManager) Touch(sessionID string, now time.Time) {
	if c, ok := m.Get(sessionID); ok {
		c.Touch(now)
	}
}

// SessionsForUser returns a snapshot of the user's live sessions.
func (m *SessionManager) SessionsForUser(userID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.byUser[userID]
	out := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live session.
func (m *SessionManager) Online(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Sweep kicks every session whose last liveness signal is older than the timeout.
// It returns the kicked sessions.
func (m *SessionManager) Sweep(now time.Time) []*Client {
	cut := now.Add(-m.timeout)

	m.mu.RLock()
	var stale []*Client
	for _, c := range m.byID {
		if c.LastSeen().Before(cut) {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	kicked := stale[:0]
	for _, c := range stale {
		if c.Kick(KickHeartbeatTimeout) {
			m.metrics.kicked(KickHeartbeatTimeout)
			m.log.Info("session.heartbeat.timeout",
				"session_id", c.SessionID,
				"user_id", c.UserID,
				"last_seen", c.LastSeen(),
			)
			kicked = append(kicked, c)
		}
	}
	return kicked
}

// CloseAll kicks every live session with KickShutdown.
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Client, 0, len(m.byID))
	for _, c := range m.byID {
		all = append(all, c)
	}
	m.mu.RUnlock()

	for _, c := range all {
		c.Kick(KickShutdown)
	}
}

// Run sweeps at interval until ctx is done.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.Sweep(now.UTC())
		}
	}
}
