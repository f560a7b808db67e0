package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func sendN(t *testing.T, svc *Service, c *Client, roomID string, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for i := range n {
		res, err := svc.Pipeline().Send(context.Background(), c, SendRequest{
			RoomID:      roomID,
			ClientToken: fmt.Sprintf("%s-%d", c.SessionID, i),
			Body:        fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		out = append(out, res.Message)
	}
	return out
}

func TestCounters_MarkReadFansOut(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room := mustDirect(t, svc, "alice", "bob")

	a := mustConnect(t, svc, "alice", "phone")
	b := mustConnect(t, svc, "bob", "phone")
	tablet := mustConnect(t, svc, "bob", "tablet")
	mustJoin(t, svc, a, room.ID)
	mustJoin(t, svc, b, room.ID)

	msgs := sendN(t, svc, a, room.ID, 3)
	drain(a)
	drain(b)
	drain(tablet)

	res, err := svc.Counters().MarkRead(ctx, b, room.ID, msgs[1].ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !res.Advanced || res.UpToSeq != 2 || res.Converted != 2 || res.NewCount != 1 || res.NewTotal != 1 {
		t.Fatalf("res=%+v", res)
	}

	bEvents := drain(b)
	acks := ofType(bEvents, v1.TypeReadAck)
	if len(acks) != 1 {
		t.Fatalf("read acks=%d", len(acks))
	}
	if ack := decodeAs[v1.ReadAckPayload](t, acks[0]); ack.UpToSeq != 2 || ack.NewCount != 1 {
		t.Fatalf("ack=%+v", ack)
	}
	if len(ofType(bEvents, v1.TypeReadMarker)) != 0 || len(ofType(bEvents, v1.TypeUnreadDelta)) != 0 {
		t.Fatalf("acting session must only get the ack: %+v", bEvents)
	}

	deltas := ofType(drain(tablet), v1.TypeUnreadDelta)
	if len(deltas) != 1 || decodeAs[v1.UnreadDeltaPayload](t, deltas[0]).NewTotal != 1 {
		t.Fatalf("tablet deltas=%+v", deltas)
	}

	markers := ofType(drain(a), v1.TypeReadMarker)
	if len(markers) != 1 {
		t.Fatalf("read markers=%d", len(markers))
	}
	if m := decodeAs[v1.ReadMarkerPayload](t, markers[0]); m.UserID != "bob" || m.UpToSeq != 2 {
		t.Fatalf("marker=%+v", m)
	}

	// Marking an older message read again does not move anything.
	res, err = svc.Counters().MarkRead(ctx, b, room.ID, msgs[0].ID)
	if err != nil || res.Advanced || res.Converted != 0 || res.UpToSeq != 2 {
		t.Fatalf("backward mark read: res=%+v err=%v", res, err)
	}
	if n := len(ofType(drain(a), v1.TypeReadMarker)); n != 0 {
		t.Fatalf("backward mark read broadcast %d markers", n)
	}
}

func TestCounters_MarkReadValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	r1 := mustDirect(t, svc, "alice", "bob")
	r2 := mustDirect(t, svc, "alice", "carol")

	a := mustConnect(t, svc, "alice", "phone")
	mustJoin(t, svc, a, r1.ID)
	mustJoin(t, svc, a, r2.ID)
	m1 := sendN(t, svc, a, r1.ID, 1)[0]

	carol := mustConnect(t, svc, "carol", "phone")
	if _, err := svc.Counters().MarkRead(ctx, carol, r1.ID, m1.ID); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("outsider: err=%v", err)
	}
	if _, err := svc.Counters().MarkRead(ctx, a, r2.ID, m1.ID); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("message from another room: err=%v", err)
	}
	if _, err := svc.Counters().MarkRead(ctx, a, r1.ID, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message: err=%v", err)
	}
}

func TestCounters_ReconcileRepairsDrift(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := newTestService(t, WithMetrics(metrics))
	ctx := context.Background()

	r1 := mustDirect(t, svc, "alice", "bob")
	r2 := mustDirect(t, svc, "carol", "bob")
	a := mustConnect(t, svc, "alice", "phone")
	c := mustConnect(t, svc, "carol", "phone")
	mustJoin(t, svc, a, r1.ID)
	mustJoin(t, svc, c, r2.ID)
	sendN(t, svc, a, r1.ID, 2)
	sendN(t, svc, c, r2.ID, 3)

	// Drift the incremental counters.
	driftUnread(t, svc.Store(), "bob", r1.ID, 7)

	got, err := svc.Counters().Reconcile(ctx, "bob")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Total != 5 || got.PerRoom[r1.ID] != 2 || got.PerRoom[r2.ID] != 3 {
		t.Fatalf("reconciled=%+v", got)
	}
	stored, _ := svc.Counters().Counters(ctx, "bob")
	if stored.Total != 5 {
		t.Fatalf("stored=%+v", stored)
	}

	payload := countersPayload(got)
	if payload.Total != 5 || len(payload.Rooms) != 2 {
		t.Fatalf("payload=%+v", payload)
	}
	if n := testutil.ToFloat64(metrics.UnreadReconciles); n != 1 {
		t.Fatalf("unread_reconciles=%v", n)
	}
}

func TestCounters_ConcurrentReconcile(t *testing.T) {
	svc := newTestService(t)
	room := mustDirect(t, svc, "alice", "bob")
	a := mustConnect(t, svc, "alice", "phone")
	mustJoin(t, svc, a, room.ID)
	sendN(t, svc, a, room.ID, 4)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.Counters().Reconcile(context.Background(), "bob")
			if err != nil || got.Total != 4 {
				t.Errorf("reconcile: %+v err=%v", got, err)
			}
		}()
	}
	wg.Wait()
}

func TestCounters_DeletedMessagesStillCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	room := mustDirect(t, svc, "alice", "bob")
	a := mustConnect(t, svc, "alice", "phone")
	mustJoin(t, svc, a, room.ID)
	msgs := sendN(t, svc, a, room.ID, 2)

	if _, err := svc.Pipeline().Delete(ctx, a, DeleteRequest{MessageID: msgs[0].ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := svc.Counters().Reconcile(ctx, "bob")
	if err != nil || got.Total != 2 {
		t.Fatalf("reconcile=%+v err=%v", got, err)
	}
}

// reconcilingStore reconciles a user's counters right after each append commits,
// the way a connect landing mid-send would.
type reconcilingStore struct {
	*InMemoryStore
	user string
}

func (s *reconcilingStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	res, err := s.InMemoryStore.AppendMessage(ctx, in)
	if err == nil {
		if _, rerr := s.InMemoryStore.ReconcileUnread(ctx, s.user); rerr != nil {
			return AppendMessageResult{}, rerr
		}
	}
	return res, err
}

func TestCounters_ReconcileDuringSendDoesNotDoubleCount(t *testing.T) {
	store := &reconcilingStore{InMemoryStore: NewInMemoryStore(), user: "bob"}
	svc := NewService(store, testConfig(), WithLogger(testLogger()))
	ctx := context.Background()

	room := mustDirect(t, svc, "alice", "bob")
	a := mustConnect(t, svc, "alice", "phone")
	b := mustConnect(t, svc, "bob", "phone")
	mustJoin(t, svc, a, room.ID)
	mustJoin(t, svc, b, room.ID)
	drain(b)

	sendN(t, svc, a, room.ID, 1)

	stored, err := svc.Counters().Counters(ctx, "bob")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if stored.Total != 1 || stored.PerRoom[room.ID] != 1 {
		t.Fatalf("incremental counters=%+v want 1", stored)
	}
	fresh, err := svc.Counters().Reconcile(ctx, "bob")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fresh.Total != stored.Total {
		t.Fatalf("receipts say %d, counters say %d", fresh.Total, stored.Total)
	}

	deltas := ofType(drain(b), v1.TypeUnreadDelta)
	if len(deltas) != 1 {
		t.Fatalf("unread deltas=%d", len(deltas))
	}
	if d := decodeAs[v1.UnreadDeltaPayload](t, deltas[0]); d.NewCount != 1 || d.NewTotal != 1 {
		t.Fatalf("delta=%+v", d)
	}
}

func TestInMemoryStore_AppendReportsRecipientCounters(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	room, err := s.CreateGroup(ctx, CreateGroupInput{CreatorUserID: "alice", MemberIDs: []string{"bob", "carol"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var last AppendMessageResult
	for i := range 2 {
		last, err = s.AppendMessage(ctx, AppendMessageInput{
			RoomID: room.ID, ClientToken: fmt.Sprintf("t%d", i), SenderUserID: "alice", Body: "m",
			Recipients: []string{"bob", "carol", "bob"},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	want := map[string]UnreadCount{"bob": {Room: 2, Total: 2}, "carol": {Room: 2, Total: 2}}
	if len(last.Unread) != len(want) {
		t.Fatalf("unread=%+v", last.Unread)
	}
	for uid, uc := range want {
		if last.Unread[uid] != uc {
			t.Fatalf("unread[%s]=%+v want %+v", uid, last.Unread[uid], uc)
		}
	}

	dup, err := s.AppendMessage(ctx, AppendMessageInput{
		RoomID: room.ID, ClientToken: "t1", SenderUserID: "alice", Body: "m", Recipients: []string{"bob", "carol"},
	})
	if err != nil || !dup.Duplicated || dup.Unread != nil {
		t.Fatalf("duplicate=%+v err=%v", dup, err)
	}
	if c, _ := s.UnreadCounters(ctx, "bob"); c.Total != 2 {
		t.Fatalf("duplicate moved counters: %+v", c)
	}
}
