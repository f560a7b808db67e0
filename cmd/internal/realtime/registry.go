package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 64

// Registry is the connection-scoped index of which sessions have joined which rooms.
//
// Room -> sessions lookups are sharded by room id; session -> rooms lookups use
// a single map because each session touches only its own entry.
type Registry struct {
	dir RoomDirectory

	shards [registryShards]registryShard

	sessMu   sync.RWMutex
	sessions map[string]map[string]struct{} // session -> rooms
}

type registryShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client // room -> session -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(dir RoomDirectory) *Registry {
	r := &Registry{
		dir:      dir,
		sessions: make(map[string]map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]map[string]*Client)
	}
	return r
}

func (r *Registry) shard(roomID string) *registryShard {
	return &r.shards[xxhash.Sum64String(roomID)%registryShards]
}

// Join subscribes c to roomID after checking the persisted member set.
// Joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, c *Client, roomID string) (Room, error) {
	roomID = strings.TrimSpace(roomID)
	room, err := requireMember(ctx, r.dir, c.UserID, roomID)
	if err != nil {
		return Room{}, err
	}
	if c.Closed() {
		return Room{}, ErrUnauthorized
	}
	r.add(c, roomID)
	// A teardown that ran between the check and add has already swept
	// this session's rooms; undo so a dead client is not left indexed.
	if c.Closed() {
		r.Leave(c, roomID)
		return Room{}, ErrUnauthorized
	}
	return room, nil
}

func (r *Registry) add(c *Client, roomID string) {
	sh := r.shard(roomID)
	sh.mu.Lock()
	members := sh.rooms[roomID]
	if members == nil {
		members = make(map[string]*Client)
		sh.rooms[roomID] = members
	}
	members[c.SessionID] = c
	sh.mu.Unlock()

	r.sessMu.Lock()
	rooms := r.sessions[c.SessionID]
	if rooms == nil {
		rooms = make(map[string]struct{})
		r.sessions[c.SessionID] = rooms
	}
	rooms[roomID] = struct{}{}
	r.sessMu.Unlock()
}

// Leave unsubscribes c from roomID. It reports whether c had joined.
func (r *Registry) Leave(c *Client, roomID string) bool {
	sh := r.shard(roomID)
	sh.mu.Lock()
	members := sh.rooms[roomID]
	_, ok := members[c.SessionID]
	if ok {
		delete(members, c.SessionID)
		if len(members) == 0 {
			delete(sh.rooms, roomID)
		}
	}
	sh.mu.Unlock()

	r.sessMu.Lock()
	if rooms := r.sessions[c.SessionID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.sessions, c.SessionID)
		}
	}
	r.sessMu.Unlock()
	return ok
}

// RemoveSession drops every subscription of c and returns the rooms it had joined.
func (r *Registry) RemoveSession(c *Client) []string {
	r.sessMu.Lock()
	rooms := r.sessions[c.SessionID]
	delete(r.sessions, c.SessionID)
	r.sessMu.Unlock()

	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		sh := r.shard(roomID)
		sh.mu.Lock()
		if members := sh.rooms[roomID]; members != nil && members[c.SessionID] == c {
			delete(members, c.SessionID)
			if len(members) == 0 {
				delete(sh.rooms, roomID)
			}
		}
		sh.mu.Unlock()
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// SessionsForRoom returns a snapshot of the sessions joined to roomID.
func (r *Registry) SessionsForRoom(roomID string) []*Client {
	sh := r.shard(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	members := sh.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// RoomsForSession returns the rooms sessionID has joined, sorted.
func (r *Registry) RoomsForSession(sessionID string) []string {
	r.sessMu.RLock()
	rooms := r.sessions[sessionID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	r.sessMu.RUnlock()
	sort.Strings(out)
	return out
}

// IsJoined reports whether sessionID has joined roomID.
func (r *Registry) IsJoined(sessionID, roomID string) bool {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	_, ok := r.sessions[sessionID][roomID]
	return ok
}

// UserJoined reports whether any session of userID has joined roomID.
func (r *Registry) UserJoined(userID, roomID string) bool {
	sh := r.shard(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, c := range sh.rooms[roomID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
