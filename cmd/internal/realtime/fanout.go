package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// fanout delivers envelopes to snapshots of sessions. It never blocks:
// sessions that cannot accept an event are kicked by Client.Deliver.
type fanout struct {
	log      *slog.Logger
	registry *Registry
	sessions *SessionManager
	metrics  *Metrics
}

// toRoom delivers env to every session joined to roomID except those skip selects.
// It returns the sessions that accepted the event.
func (f *fanout) toRoom(roomID string, env v1.Envelope, skip func(*Client) bool) []*Client {
	return f.deliverAll(f.registry.SessionsForRoom(roomID), env, skip)
}

// toUser delivers env to every live session of userID except those skip selects.
func (f *fanout) toUser(userID string, env v1.Envelope, skip func(*Client) bool) []*Client {
	return f.deliverAll(f.sessions.SessionsForUser(userID), env, skip)
}

func (f *fanout) toClient(c *Client, env v1.Envelope) bool {
	ok := c.Deliver(env)
	f.metrics.delivery(ok)
	if !ok && c.KickReason() == KickSlowConsumer {
		f.log.Info("ws.send.saturated", "session_id", c.SessionID, "user_id", c.UserID, "event", env.Type)
	}
	return ok
}

func (f *fanout) deliverAll(targets []*Client, env v1.Envelope, skip func(*Client) bool) []*Client {
	accepted := make([]*Client, 0, len(targets))
	for _, c := range targets {
		if skip != nil && skip(c) {
			continue
		}
		if f.toClient(c, env) {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func skipSession(sessionID string) func(*Client) bool {
	return func(c *Client) bool { return c.SessionID == sessionID }
}

func skipUser(userID string) func(*Client) bool {
	return func(c *Client) bool { return c.UserID == userID }
}

// newEnvelope builds a server envelope. Payload types are fixed structs, so
// marshaling cannot fail.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func errorEnvelope(code, msg, ref, clientToken string) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{
		Code:        code,
		Message:     msg,
		Ref:         ref,
		ClientToken: clientToken,
	}, time.Now().UTC())
}
