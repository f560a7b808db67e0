package cachestore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"bazaar/shared/client/chatsync"
	v1 "bazaar/shared/contracts/realtime/v1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seeded(t *testing.T, user string) *chatsync.Cache {
	t.Helper()
	c := chatsync.New(user)
	apply := func(typ string, payload any) {
		raw, _ := json.Marshal(payload)
		if err := c.ApplyPushed(v1.Envelope{V: v1.Version, Type: typ, Payload: raw}); err != nil {
			t.Fatalf("apply %s: %v", typ, err)
		}
	}
	apply(v1.TypeMessageCreated, v1.MessageCreatedPayload{Message: v1.Message{MessageID: "m1", RoomID: "r/1", Seq: 1, SenderUserID: "bob", Body: "hi"}})
	apply(v1.TypeMessageCreated, v1.MessageCreatedPayload{Message: v1.Message{MessageID: "m2", RoomID: "r2", Seq: 1, SenderUserID: "bob", Body: "yo"}})
	apply(v1.TypeUnreadCounters, v1.UnreadCountersPayload{Rooms: map[string]int64{"r/1": 1, "r2": 1}, Total: 2})
	apply(v1.TypeReactionTally, v1.ReactionTallyPayload{RoomID: "r2", MessageID: "m2", Emoji: "👍", Count: 1, UserIDs: []string{"bob"}})
	if _, err := c.LocalSend("r2", "tok", "pending", ""); err != nil {
		t.Fatalf("local send: %v", err)
	}
	return c
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	c := seeded(t, "alice")

	if err := s.Save(c.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, ok, err := s.Load("alice")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}

	restored := chatsync.New("alice")
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Messages("r/1"); len(got) != 1 || got[0].Message.Body != "hi" {
		t.Fatalf("r/1=%+v", got)
	}
	if got := restored.Messages("r2"); len(got) != 2 || got[1].State != chatsync.StatePending {
		t.Fatalf("r2=%+v", got)
	}
	if _, total := restored.Unread(); total != 2 {
		t.Fatalf("total=%d", total)
	}
	if got := restored.Reactions("m2"); len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("reactions=%+v", got)
	}
}

func TestStore_SaveReplacesPreviousSnapshot(t *testing.T) {
	s := openTestStore(t)
	c := seeded(t, "alice")
	if err := s.Save(c.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	c.Forget("r2")
	if err := s.Save(c.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, _, err := s.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].RoomID != "r/1" {
		t.Fatalf("rooms=%+v", snap.Rooms)
	}
}

func TestStore_UsersAreIsolated(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(seeded(t, "alice").Snapshot()); err != nil {
		t.Fatalf("save alice: %v", err)
	}
	// A user id that extends another one must not share its key range.
	if err := s.Save(seeded(t, "alice/phone").Snapshot()); err != nil {
		t.Fatalf("save alice/phone: %v", err)
	}
	if err := s.Delete("alice/phone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok, err := s.Load("alice/phone"); err != nil || ok {
		t.Fatalf("deleted user: ok=%v err=%v", ok, err)
	}
	snap, ok, err := s.Load("alice")
	if err != nil || !ok || len(snap.Rooms) != 2 {
		t.Fatalf("alice: ok=%v err=%v rooms=%d", ok, err, len(snap.Rooms))
	}
	if _, ok, err := s.Load("nobody"); err != nil || ok {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}
}

func TestStore_ClosedAndInvalid(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(chatsync.Snapshot{}); err == nil {
		t.Fatalf("expected error for snapshot without user")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := s.Load("alice"); !errors.Is(err, ErrClosed) {
		t.Fatalf("load after close: %v", err)
	}
	if _, err := Open(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
