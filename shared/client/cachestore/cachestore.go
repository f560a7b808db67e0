// Package cachestore persists chatsync snapshots in a local Pebble database so
// a client can render its last known state before the first reconnect.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bazaar/shared/client/chatsync"
	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/cockroachdb/pebble"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cachestore: closed")

// Key layout, all segments path-escaped:
//
//	user/<user_id>/meta            -> metaRecord
//	user/<user_id>/room/<room_id>  -> chatsync.RoomSnapshot
type metaRecord struct {
	Total     int64                     `json:"total"`
	Reactions []v1.ReactionTallyPayload `json:"reactions,omitempty"`
}

// Store is a Pebble-backed snapshot store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cachestore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cachestore: mkdir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cachestore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func userPrefix(userID string) string {
	return "user/" + url.PathEscape(userID) + "/"
}

// prefixEnd returns the smallest key greater than every key with prefix p.
// p always ends in '/', so bumping the last byte is enough.
func prefixEnd(p string) []byte {
	b := []byte(p)
	b[len(b)-1]++
	return b
}

// Save replaces everything stored for snap.UserID with snap, atomically.
func (s *Store) Save(snap chatsync.Snapshot) error {
	if snap.UserID == "" {
		return errors.New("cachestore: snapshot has no user")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	prefix := userPrefix(snap.UserID)
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange([]byte(prefix), prefixEnd(prefix), nil); err != nil {
		return fmt.Errorf("cachestore: clear: %w", err)
	}

	meta, err := json.Marshal(metaRecord{Total: snap.Total, Reactions: snap.Reactions})
	if err != nil {
		return fmt.Errorf("cachestore: encode meta: %w", err)
	}
	if err := b.Set([]byte(prefix+"meta"), meta, nil); err != nil {
		return err
	}
	for _, r := range snap.Rooms {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("cachestore: encode room %s: %w", r.RoomID, err)
		}
		if err := b.Set([]byte(prefix+"room/"+url.PathEscape(r.RoomID)), raw, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Load returns the stored snapshot for userID. ok is false when nothing has
// been saved for the user.
func (s *Store) Load(userID string) (snap chatsync.Snapshot, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chatsync.Snapshot{}, false, ErrClosed
	}

	prefix := userPrefix(userID)
	raw, closer, err := s.db.Get([]byte(prefix + "meta"))
	if errors.Is(err, pebble.ErrNotFound) {
		return chatsync.Snapshot{}, false, nil
	}
	if err != nil {
		return chatsync.Snapshot{}, false, fmt.Errorf("cachestore: read meta: %w", err)
	}
	var meta metaRecord
	err = json.Unmarshal(raw, &meta)
	_ = closer.Close()
	if err != nil {
		return chatsync.Snapshot{}, false, fmt.Errorf("cachestore: decode meta: %w", err)
	}

	snap = chatsync.Snapshot{UserID: userID, Total: meta.Total, Reactions: meta.Reactions}

	roomPrefix := prefix + "room/"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(roomPrefix),
		UpperBound: prefixEnd(roomPrefix),
	})
	if err != nil {
		return chatsync.Snapshot{}, false, fmt.Errorf("cachestore: iterate: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var r chatsync.RoomSnapshot
		// Value is only valid until the next call; Unmarshal copies.
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return chatsync.Snapshot{}, false, fmt.Errorf("cachestore: decode %s: %w", iter.Key(), err)
		}
		snap.Rooms = append(snap.Rooms, r)
	}
	if err := iter.Error(); err != nil {
		return chatsync.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Delete removes everything stored for userID.
func (s *Store) Delete(userID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	prefix := userPrefix(userID)
	return s.db.DeleteRange([]byte(prefix), prefixEnd(prefix), pebble.Sync)
}
