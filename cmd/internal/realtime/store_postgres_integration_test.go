package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// newPostgresTestStore opens an isolated schema for one test. It skips unless
// BAZAAR_DATABASE_URL points at a reachable database.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("BAZAAR_DATABASE_URL"))
	if dsn == "" {
		t.Skip("BAZAAR_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "bazaar_test_" + strings.ToLower(ulid.Make().String())
	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})
	return store
}

func TestPostgresStore_AppendDedupeAndHistory(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	room, err := s.CreateOrGetDirect(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	again, err := s.CreateOrGetDirect(ctx, "bob", "alice", now)
	if err != nil || again.ID != room.ID {
		t.Fatalf("reversed direct: room=%+v err=%v", again, err)
	}

	for i := range 3 {
		res, err := s.AppendMessage(ctx, AppendMessageInput{
			MessageID:    ulid.Make().String(),
			RoomID:       room.ID,
			ClientToken:  fmt.Sprintf("tok-%d", i),
			SenderUserID: "alice",
			Body:         fmt.Sprintf("m%d", i),
			Recipients:   []string{"bob"},
			Now:          now,
		})
		if err != nil || res.Duplicated || res.Stored.Seq != int64(i+1) {
			t.Fatalf("append %d: res=%+v err=%v", i, res, err)
		}
	}

	dup, err := s.AppendMessage(ctx, AppendMessageInput{
		MessageID:    ulid.Make().String(),
		RoomID:       room.ID,
		ClientToken:  "tok-0",
		SenderUserID: "alice",
		Body:         "resend",
		Recipients:   []string{"bob"},
		Now:          now,
	})
	if err != nil || !dup.Duplicated || dup.Stored.Seq != 1 || dup.Stored.Body != "m0" {
		t.Fatalf("duplicate: res=%+v err=%v", dup, err)
	}

	after := int64(1)
	page, err := s.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, AfterSeq: &after, Limit: 1})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Seq != 2 || !page.HasMore {
		t.Fatalf("page=%+v", page)
	}

	counters, err := s.UnreadCounters(ctx, "bob")
	if err != nil || counters.Total != 3 {
		t.Fatalf("counters=%+v err=%v", counters, err)
	}
}

func TestPostgresStore_ConcurrentAppendsAreGapless(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	room, err := s.CreateOrGetDirect(ctx, "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, AppendMessageInput{
				MessageID:    ulid.Make().String(),
				RoomID:       room.ID,
				ClientToken:  fmt.Sprintf("c-%d", i),
				SenderUserID: "alice",
				Body:         "x",
				Recipients:   []string{"bob"},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := s.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, Limit: n})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for i, m := range page.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, m.Seq)
		}
	}
	if len(page.Messages) != n {
		t.Fatalf("got %d messages", len(page.Messages))
	}
}

func TestPostgresStore_ReceiptsReactionsAndReconcile(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	room, err := s.CreateGroup(ctx, CreateGroupInput{CreatorUserID: "alice", MemberIDs: []string{"bob", "carol"}, Now: now})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var last Message
	for i := range 2 {
		res, err := s.AppendMessage(ctx, AppendMessageInput{
			MessageID:    ulid.Make().String(),
			RoomID:       room.ID,
			ClientToken:  fmt.Sprintf("g-%d", i),
			SenderUserID: "alice",
			Body:         "hi",
			Recipients:   []string{"bob", "carol"},
			Now:          now,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if got := res.Unread["carol"]; got != (UnreadCount{Room: int64(i + 1), Total: int64(i + 1)}) {
			t.Fatalf("append %d unread[carol]=%+v", i, got)
		}
		last = res.Stored
	}

	delivered, err := s.MarkDelivered(ctx, last.ID, []string{"bob", "carol"}, now)
	if err != nil || len(delivered) != 2 {
		t.Fatalf("mark delivered: %v err=%v", delivered, err)
	}
	again, err := s.MarkDelivered(ctx, last.ID, []string{"bob"}, now)
	if err != nil || len(again) != 0 {
		t.Fatalf("second mark delivered: %v err=%v", again, err)
	}

	res, err := s.MarkReadUpTo(ctx, MarkReadInput{UserID: "bob", RoomID: room.ID, UpToSeq: last.Seq, Now: now})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if res.MarkerSeq != last.Seq || res.RoomCount != 0 {
		t.Fatalf("mark read result=%+v", res)
	}
	back, err := s.MarkReadUpTo(ctx, MarkReadInput{UserID: "bob", RoomID: room.ID, UpToSeq: 1, Now: now})
	if err != nil || back.MarkerSeq != last.Seq {
		t.Fatalf("backwards mark read=%+v err=%v", back, err)
	}

	for range 2 {
		if _, err := s.SetReaction(ctx, SetReactionInput{MessageID: last.ID, UserID: "bob", Emoji: "🎉", Present: true, Now: now}); err != nil {
			t.Fatalf("react: %v", err)
		}
	}
	tally, err := s.ReactionTally(ctx, last.ID, "🎉")
	if err != nil || tally.Count != 1 {
		t.Fatalf("tally=%+v err=%v", tally, err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := s.addUnread(ctx, tx, "carol", room.ID, 7); err != nil {
		_ = tx.Rollback(ctx)
		t.Fatalf("drift: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fixed, err := s.ReconcileUnread(ctx, "carol")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fixed.Total != 2 || fixed.PerRoom[room.ID] != 2 {
		t.Fatalf("reconciled=%+v", fixed)
	}
}
