package realtime

import (
	"context"
	"strings"
)

// RoomDirectory resolves persisted room state for membership checks.
type RoomDirectory interface {
	GetRoom(ctx context.Context, roomID string) (Room, error)
}

// requireMember loads roomID and checks that userID is in its persisted member set.
func requireMember(ctx context.Context, dir RoomDirectory, userID, roomID string) (Room, error) {
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Room{}, ErrInvalidPayload
	}
	if userID == "" {
		return Room{}, ErrUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	room, err := dir.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.HasMember(userID) {
		return Room{}, ErrNotAMember
	}
	return room, nil
}
