package realtime

import (
	"time"

	"bazaar/cmd/internal/ids"
)

// Session, envelope, and message ids share one monotonic generator so ids
// minted within the same millisecond still sort in issue order.
var idgen = ids.NewGenerator()

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return idgen.New(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := idgen.New(now)
	if err != nil {
		// crypto/rand failure; fall back to a non-monotonic id.
		id, _ = ids.NewULID(now)
	}
	return id
}

// NewMessageID returns a ULID used as the globally unique message id.
func NewMessageID(now time.Time) (string, error) {
	return idgen.New(now)
}
