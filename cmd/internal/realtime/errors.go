package realtime

import (
	"context"
	"errors"

	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnauthorized is returned when a credential is missing, malformed, or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSuperseded is returned to a session that was replaced by a newer connection from the same device.
	ErrSuperseded = errors.New("session superseded by a newer connection")

	// ErrNotAMember is returned when the caller is not in the room's persisted member set
	// or has not joined the room on this session.
	ErrNotAMember = errors.New("not a member of room")

	// ErrPayloadTooLarge is returned when a body or attachment reference exceeds limits.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRoomArchived is returned for writes into an archived room.
	ErrRoomArchived = errors.New("room archived")

	// ErrRoomNotFound is returned when a room id is unknown.
	ErrRoomNotFound = errors.New("room not found")

	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted is returned for edits or reactions targeting a deleted message.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrForbidden is returned when a member tries to mutate another member's message.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidPayload is returned for structurally valid envelopes with unusable payloads.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrTransientStorage wraps persistence failures that survived the bounded retry policy.
	ErrTransientStorage = errors.New("storage temporarily unavailable")

	// ErrStaleOrdering signals two messages claiming the same ordering key in one room.
	// Ordering keys have a single authority per room, so observing this is a bug.
	ErrStaleOrdering = errors.New("stale ordering conflict")
)

// errorCode maps an error onto the stable wire code sent to the originating session.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return v1.CodeUnauthorized
	case errors.Is(err, ErrSuperseded):
		return v1.CodeSuperseded
	case errors.Is(err, ErrNotAMember):
		return v1.CodeNotAMember
	case errors.Is(err, ErrPayloadTooLarge):
		return v1.CodePayloadTooLarge
	case errors.Is(err, ErrRoomArchived):
		return v1.CodeRoomArchived
	case errors.Is(err, ErrRoomNotFound):
		return v1.CodeRoomNotFound
	case errors.Is(err, ErrMessageNotFound):
		return v1.CodeMessageNotFound
	case errors.Is(err, ErrMessageDeleted):
		return v1.CodeMessageDeleted
	case errors.Is(err, ErrForbidden):
		return v1.CodeForbidden
	case errors.Is(err, ErrInvalidPayload):
		return v1.CodeInvalidPayload
	case errors.Is(err, ErrTransientStorage):
		return v1.CodeStorageUnavailable
	case errors.Is(err, ErrStaleOrdering):
		return v1.CodeStaleOrdering
	default:
		return v1.CodeInternal
	}
}

// isTransient reports whether a storage error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransientStorage) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "57P03", "53300":
			// serialization_failure, deadlock_detected, admin_shutdown,
			// cannot_connect_now, too_many_connections
			return true
		}
	}
	return false
}
