package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bazaar/shared/client/chatsync"
	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type fakeServer struct {
	ts        *httptest.Server
	conns     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	frames    chan v1.Envelope
}

// newFakeServer accepts connections, greets them with connected and hands
// each one to serve along with its 1-based connection number.
func newFakeServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{frames: make(chan v1.Envelope, 256)}
	fs.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		n := fs.conns.Add(1)
		a := fs.active.Add(1)
		defer fs.active.Add(-1)
		for {
			m := fs.maxActive.Load()
			if a <= m || fs.maxActive.CompareAndSwap(m, a) {
				break
			}
		}

		frame(t, conn, v1.TypeConnected, v1.ConnectedPayload{SessionID: "s-1", UserID: "alice", HeartbeatIntervalMS: 20})
		serve(n, conn)
	}))
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.ts.URL, "http") }

// collect forwards client frames until the connection drops.
func (fs *fakeServer) collect(conn *websocket.Conn) {
	for {
		env, err := readEnvelope(context.Background(), conn)
		if err != nil {
			return
		}
		fs.frames <- env
	}
}

func frame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, Payload: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, b)
}

func fastConfig(url string) Config {
	return Config{
		URL:          url,
		Credential:   "alice/laptop",
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextFrame(t *testing.T, fs *fakeServer, typ string) v1.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-fs.frames:
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Config{}, chatsync.New("alice")); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := New(Config{URL: "ws://x"}, nil); err == nil {
		t.Fatalf("expected error for nil cache")
	}
}

func TestClient_BackoffBounds(t *testing.T) {
	c, err := New(Config{URL: "ws://x", ReconnectMin: 100 * time.Millisecond, ReconnectMax: time.Second}, chatsync.New("a"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoff(attempt)
		ceil := min(100*time.Millisecond<<(attempt-1), time.Second)
		if d < ceil/2 || d > ceil {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, ceil/2, ceil)
		}
	}
}

func TestClient_StartIsIdempotentAndReconnects(t *testing.T) {
	fs := newFakeServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	c, err := New(fastConfig(fs.url()), chatsync.New("alice"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("initial state=%s", c.State())
	}

	ctx := context.Background()
	for range 3 {
		c.Start(ctx)
	}
	t.Cleanup(c.Stop)

	waitFor(t, "second connection", func() bool { return fs.conns.Load() >= 2 && c.State() == StateConnected })
	if m := fs.maxActive.Load(); m != 1 {
		t.Fatalf("max concurrent connections=%d", m)
	}
	if c.SessionID() != "s-1" {
		t.Fatalf("session=%q", c.SessionID())
	}

	c.Stop()
	if c.State() != StateDisconnected {
		t.Fatalf("state after stop=%s", c.State())
	}
	if !errors.Is(c.Err(), context.Canceled) {
		t.Fatalf("err=%v", c.Err())
	}
}

func TestClient_UnauthorizedStops(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	c, _ := New(fastConfig("ws"+strings.TrimPrefix(ts.URL, "http")), chatsync.New("alice"))
	c.Start(context.Background())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not stop")
	}
	if !errors.Is(c.Err(), ErrUnauthorized) {
		t.Fatalf("err=%v", c.Err())
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%s", c.State())
	}
}

func TestClient_SupersededStops(t *testing.T) {
	fs := newFakeServer(t, func(_ int32, conn *websocket.Conn) {
		frame(t, conn, v1.TypeError, v1.ErrorPayload{Code: v1.CodeSuperseded})
		_ = conn.Close(statusSuperseded, "superseded")
	})

	c, _ := New(fastConfig(fs.url()), chatsync.New("alice"))
	c.Start(context.Background())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not stop")
	}
	if !errors.Is(c.Err(), ErrSuperseded) {
		t.Fatalf("err=%v", c.Err())
	}
	if n := fs.conns.Load(); n != 1 {
		t.Fatalf("client reconnected after supersede: %d connections", n)
	}
}

type memPersister struct{ saves atomic.Int32 }

func (m *memPersister) Save(chatsync.Snapshot) error {
	m.saves.Add(1)
	return nil
}

func TestClient_ResyncOnConnect(t *testing.T) {
	var fs *fakeServer
	fs = newFakeServer(t, func(_ int32, conn *websocket.Conn) { fs.collect(conn) })

	cache := chatsync.New("alice")
	for seq := int64(1); seq <= 2; seq++ {
		raw, _ := json.Marshal(v1.MessageCreatedPayload{Message: v1.Message{MessageID: fmt.Sprintf("m%d", seq), RoomID: "r1", Seq: seq, SenderUserID: "bob"}})
		if err := cache.ApplyPushed(v1.Envelope{V: v1.Version, Type: v1.TypeMessageCreated, Payload: raw}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := cache.LocalSend("r1", "tok-1", "offline", ""); err != nil {
		t.Fatalf("local send: %v", err)
	}

	p := &memPersister{}
	c, _ := New(fastConfig(fs.url()), cache, WithPersister(p))
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	join := nextFrame(t, fs, v1.TypeRoomJoin)
	var jp v1.RoomJoinPayload
	_ = join.Decode(&jp)
	if jp.RoomID != "r1" {
		t.Fatalf("join=%+v", jp)
	}

	fetch := nextFrame(t, fs, v1.TypeHistoryFetch)
	var fp v1.HistoryFetchPayload
	_ = fetch.Decode(&fp)
	if fp.RoomID != "r1" || fp.AfterSeq == nil || *fp.AfterSeq != 2 {
		t.Fatalf("fetch=%+v", fp)
	}

	send := nextFrame(t, fs, v1.TypeMessageSend)
	var sp v1.MessageSendPayload
	_ = send.Decode(&sp)
	if sp.ClientToken != "tok-1" || sp.Body != "offline" {
		t.Fatalf("resend=%+v", sp)
	}

	nextFrame(t, fs, v1.TypeUnreadReconcile)
	nextFrame(t, fs, v1.TypeHeartbeat)

	if c.Synced() {
		t.Fatalf("should not be synced before history arrives")
	}
	if err := c.MarkRead(context.Background(), "r1", "m2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	nextFrame(t, fs, v1.TypeMarkRead)

	c.Stop()
	if p.saves.Load() == 0 {
		t.Fatalf("expected a snapshot on stop")
	}
	if _, err := c.Send(context.Background(), "r1", "queued"); err != nil {
		t.Fatalf("send while stopped: %v", err)
	}
	if n := len(cache.PendingSends()); n != 2 {
		t.Fatalf("pending=%d", n)
	}
}

func TestClient_EchoPastHoleTriggersGapFill(t *testing.T) {
	fetches := make(chan int64, 4)
	echo := v1.Message{MessageID: "m3", RoomID: "r1", Seq: 3, SenderUserID: "alice", ClientToken: "phone-1", Body: "from phone"}
	missed := v1.Message{MessageID: "m2", RoomID: "r1", Seq: 2, SenderUserID: "bob", Body: "missed"}

	fs := newFakeServer(t, func(_ int32, conn *websocket.Conn) {
		ctx := context.Background()
		fetch := 0
		for {
			env, err := readEnvelope(ctx, conn)
			if err != nil {
				return
			}
			if env.Type != v1.TypeHistoryFetch {
				continue
			}
			var p v1.HistoryFetchPayload
			_ = env.Decode(&p)
			fetches <- *p.AfterSeq
			fetch++
			switch fetch {
			case 1:
				// Nothing new since seq 1, then our phone's send arrives.
				frame(t, conn, v1.TypeHistoryChunk, v1.HistoryChunkPayload{RoomID: "r1", Messages: []v1.Message{}})
				frame(t, conn, v1.TypeMessageCreated, v1.MessageCreatedPayload{Message: echo, ClientToken: echo.ClientToken})
			default:
				frame(t, conn, v1.TypeHistoryChunk, v1.HistoryChunkPayload{RoomID: "r1", Messages: []v1.Message{missed, echo}})
			}
		}
	})

	cache := chatsync.New("alice")
	raw, _ := json.Marshal(v1.MessageCreatedPayload{Message: v1.Message{MessageID: "m1", RoomID: "r1", Seq: 1, SenderUserID: "bob"}})
	if err := cache.ApplyPushed(v1.Envelope{V: v1.Version, Type: v1.TypeMessageCreated, Payload: raw}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c, _ := New(fastConfig(fs.url()), cache)
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	for i, want := range []int64{1, 1} {
		select {
		case got := <-fetches:
			if got != want {
				t.Fatalf("fetch %d after_seq=%d want %d", i, got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for fetch %d", i)
		}
	}

	waitFor(t, "hole filled", func() bool {
		msgs := cache.Messages("r1")
		return c.Synced() && len(msgs) == 3 && cache.ResumePoints()["r1"] == 3
	})
	for i, e := range cache.Messages("r1") {
		if e.Message.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Message.Seq)
		}
	}
}
