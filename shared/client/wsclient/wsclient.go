// Package wsclient is a reconnecting realtime client. It owns one websocket
// connection at a time and keeps a chatsync.Cache converged with the server:
// after every (re)connect it rejoins tracked rooms, gap-fills each room from
// its resume point, retransmits pending sends and requests an unread recount.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bazaar/shared/client/chatsync"
	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// State is the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// statusSuperseded is the close code for a session replaced by a newer
// connection from the same device.
const statusSuperseded websocket.StatusCode = 4001

var (
	// ErrNotConnected is returned by writes while no connection is up.
	ErrNotConnected = errors.New("wsclient: not connected")
	// ErrUnauthorized stops the client: the credential was rejected.
	ErrUnauthorized = errors.New("wsclient: unauthorized")
	// ErrSuperseded stops the client: another connection took over this device.
	ErrSuperseded = errors.New("wsclient: superseded by another connection")
)

// Config configures a Client.
type Config struct {
	URL        string
	Credential string
	// Origin is sent on the upgrade request when set.
	Origin string

	DialTimeout time.Duration
	// HeartbeatInterval overrides the interval announced by the server.
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HistoryPageSize   int
	MaxReadBytes      int64
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 100
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 1 << 20
	}
	return c
}

// Persister stores cache snapshots. cachestore.Store implements it.
type Persister interface {
	Save(chatsync.Snapshot) error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPersister saves a snapshot after each completed gap-fill and on Stop.
func WithPersister(p Persister) Option {
	return func(c *Client) { c.persist = p }
}

// WithEventHandler receives every server envelope after the cache applied it.
// It runs on the read goroutine and must not block.
func WithEventHandler(fn func(v1.Envelope)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// Client is a reconnecting realtime client bound to one cache.
type Client struct {
	cfg     Config
	log     *slog.Logger
	cache   *chatsync.Cache
	persist Persister
	onEvent func(v1.Envelope)

	state atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error

	// Per-connection history state, guarded by mu. filling holds rooms with a
	// history fetch in flight, fetchRef maps fetch request ids to their room,
	// syncing holds rooms not yet gap-filled since connect.
	filling  map[string]struct{}
	fetchRef map[string]string
	syncing  map[string]struct{}
}

// New constructs a Client. It does not connect.
func New(cfg Config, cache *chatsync.Cache, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("wsclient: empty url")
	}
	if cache == nil {
		return nil, errors.New("wsclient: nil cache")
	}
	c := &Client{
		cfg:   cfg.withDefaults(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		cache: cache,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Cache returns the cache the client keeps in sync.
func (c *Client) Cache() *chatsync.Cache { return c.cache }

// SessionID returns the server-assigned id of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start begins connecting in the background. Calling Start while the client
// is connecting or connected is a no-op.
func (c *Client) Start(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.loop(ctx)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.state.Store(int32(StateDisconnected))
		c.saveSnapshot()
	}()
}

// Stop disconnects and waits for the background loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the background loop started by the last Start exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the background loop stopped: ErrUnauthorized,
// ErrSuperseded or the context error.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Synced reports whether the current connection has finished gap-filling
// every room tracked when it connected.
func (c *Client) Synced() bool {
	c.mu.Lock()
	pending := len(c.syncing)
	c.mu.Unlock()
	return c.State() == StateConnected && pending == 0
}

func (c *Client) loop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSuperseded) {
			c.log.Warn("ws.client.stopped", "err", err)
			return err
		}
		if connected {
			attempt = 1
		}
		c.state.Store(int32(StateConnecting))

		wait := c.backoff(attempt)
		c.log.Info("ws.client.reconnect", "attempt", attempt, "wait_ms", wait.Milliseconds(), "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff grows exponentially from ReconnectMin and is jittered over the
// upper half of the window.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectMin << (attempt - 1)
	if d <= 0 || d > c.cfg.ReconnectMax {
		d = c.cfg.ReconnectMax
	}
	return d/2 + rand.N(d/2+1)
}

// session runs one connection until it fails. connected reports whether the
// handshake completed.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(c.cfg.MaxReadBytes)

	hello, err := c.awaitConnected(ctx, conn)
	if err != nil {
		return false, err
	}

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = hello.SessionID
	c.filling = make(map[string]struct{})
	c.fetchRef = make(map[string]string)
	c.syncing = make(map[string]struct{})
	for _, roomID := range c.cache.Rooms() {
		c.syncing[roomID] = struct{}{}
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.state.Store(int32(StateConnected))
	c.log.Info("ws.client.connected", "session_id", hello.SessionID, "user_id", hello.UserID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx, conn, interval) })
	g.Go(func() error { return c.resync(gctx, conn) })
	return true, g.Wait()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if c.cfg.Credential != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Credential)
	}
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}
	conn, resp, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol")
		return nil, fmt.Errorf("wsclient: server selected subprotocol %q", conn.Subprotocol())
	}
	return conn, nil
}

func (c *Client) awaitConnected(ctx context.Context, conn *websocket.Conn) (v1.ConnectedPayload, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	env, err := readEnvelope(hctx, conn)
	if err != nil {
		return v1.ConnectedPayload{}, classifyClose(err)
	}
	switch env.Type {
	case v1.TypeConnected:
		var p v1.ConnectedPayload
		if err := env.Decode(&p); err != nil {
			return v1.ConnectedPayload{}, fmt.Errorf("wsclient: decode connected: %w", err)
		}
		return p, nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		if p.Code == v1.CodeUnauthorized {
			return v1.ConnectedPayload{}, ErrUnauthorized
		}
		return v1.ConnectedPayload{}, fmt.Errorf("wsclient: handshake error %s: %s", p.Code, p.Message)
	default:
		return v1.ConnectedPayload{}, fmt.Errorf("wsclient: unexpected first frame %q", env.Type)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return classifyClose(err)
		}
		if err := c.cache.ApplyPushed(env); err != nil {
			c.log.Warn("ws.client.apply.fail", "type", env.Type, "err", err)
			continue
		}
		switch env.Type {
		case v1.TypeHistoryChunk:
			c.continueGapFill(ctx, conn, env)
		case v1.TypeMessageCreated, v1.TypeMessageUpdated, v1.TypeMessageAck:
			// A message past a hole, e.g. our own send echoed from a room this
			// device was not subscribed to.
			c.fillGaps(ctx, conn)
		case v1.TypeError:
			c.abandonFetch(env)
		}
		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := writeEnvelope(ctx, conn, v1.TypeHeartbeat, v1.HeartbeatPayload{}); err != nil {
				return err
			}
		}
	}
}

// resync runs once per connection: rejoin, gap-fill, retransmit, recount.
func (c *Client) resync(ctx context.Context, conn *websocket.Conn) error {
	c.cache.AbandonInFlight()

	rooms := c.cache.Rooms()
	points := c.cache.ResumePoints()
	for _, roomID := range rooms {
		if _, err := writeEnvelope(ctx, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID}); err != nil {
			return err
		}
		if err := c.fetchHistory(ctx, conn, roomID, points[roomID]); err != nil {
			return err
		}
	}

	for _, p := range c.cache.PendingSends() {
		if _, err := writeEnvelope(ctx, conn, v1.TypeMessageSend, p); err != nil {
			return err
		}
	}
	if _, err := writeEnvelope(ctx, conn, v1.TypeUnreadReconcile, v1.UnreadReconcilePayload{}); err != nil {
		return err
	}
	if len(rooms) == 0 {
		c.saveSnapshot()
	}
	return nil
}

// fetchHistory requests the page of roomID after seq and marks the room as filling.
func (c *Client) fetchHistory(ctx context.Context, conn *websocket.Conn, roomID string, after int64) error {
	id := ulid.Make().String()
	c.mu.Lock()
	if c.filling != nil {
		c.filling[roomID] = struct{}{}
		c.fetchRef[id] = roomID
	}
	c.mu.Unlock()
	return writeRaw(ctx, conn, id, v1.TypeHistoryFetch, v1.HistoryFetchPayload{
		RoomID:   roomID,
		AfterSeq: &after,
		Limit:    c.cfg.HistoryPageSize,
	})
}

// fillGaps starts a gap-fill for every room holding a message past a hole,
// unless one is already running for that room.
func (c *Client) fillGaps(ctx context.Context, conn *websocket.Conn) {
	for roomID, after := range c.cache.Gaps() {
		c.mu.Lock()
		_, busy := c.filling[roomID]
		c.mu.Unlock()
		if busy {
			continue
		}
		c.log.Debug("ws.client.gap_fill.start", "room_id", roomID, "after_seq", after)
		if err := c.fetchHistory(ctx, conn, roomID, after); err != nil {
			c.log.Warn("ws.client.gap_fill.fail", "room_id", roomID, "err", err)
		}
	}
}

// continueGapFill requests the next page until the server reports no more.
func (c *Client) continueGapFill(ctx context.Context, conn *websocket.Conn, env v1.Envelope) {
	var chunk v1.HistoryChunkPayload
	if err := env.Decode(&chunk); err != nil {
		return
	}
	if chunk.HasMore && len(chunk.Messages) > 0 {
		after := chunk.Messages[len(chunk.Messages)-1].Seq
		if err := c.fetchHistory(ctx, conn, chunk.RoomID, after); err != nil {
			c.log.Warn("ws.client.gap_fill.fail", "room_id", chunk.RoomID, "err", err)
		}
		return
	}
	c.finishFill(chunk.RoomID)
	// Pushes that raced the fill may have opened a new hole.
	c.fillGaps(ctx, conn)
}

// abandonFetch ends a gap-fill whose request the server rejected.
func (c *Client) abandonFetch(env v1.Envelope) {
	var e v1.ErrorPayload
	if err := env.Decode(&e); err != nil || e.Ref == "" {
		return
	}
	c.mu.Lock()
	roomID, ok := c.fetchRef[e.Ref]
	c.mu.Unlock()
	if ok {
		c.log.Warn("ws.client.gap_fill.rejected", "room_id", roomID, "code", e.Code)
		c.finishFill(roomID)
	}
}

func (c *Client) finishFill(roomID string) {
	c.mu.Lock()
	delete(c.filling, roomID)
	for ref, id := range c.fetchRef {
		if id == roomID {
			delete(c.fetchRef, ref)
		}
	}
	_, initial := c.syncing[roomID]
	delete(c.syncing, roomID)
	synced := initial && len(c.syncing) == 0
	c.mu.Unlock()

	if synced {
		c.log.Debug("ws.client.synced")
		c.saveSnapshot()
	}
}

func (c *Client) saveSnapshot() {
	if c.persist == nil {
		return
	}
	if err := c.persist.Save(c.cache.Snapshot()); err != nil {
		c.log.Warn("ws.client.persist.fail", "err", err)
	}
}

// ---- requests ----

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) write(ctx context.Context, typ string, payload any) (string, error) {
	conn, err := c.current()
	if err != nil {
		return "", err
	}
	return writeEnvelope(ctx, conn, typ, payload)
}

// Join tracks roomID and subscribes to it. While disconnected the room is
// joined on the next connect.
func (c *Client) Join(ctx context.Context, roomID string) error {
	c.cache.Track(roomID)
	if _, err := c.write(ctx, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID}); err != nil {
		return err
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	return c.fetchHistory(ctx, conn, roomID, c.cache.ResumePoints()[roomID])
}

// Leave unsubscribes from roomID and drops it from the cache.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	c.cache.Forget(roomID)
	_, err := c.write(ctx, v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: roomID})
	return err
}

// Send records an optimistic message and transmits it. The returned client
// token identifies the entry in the cache. A send made while disconnected
// stays pending and is retransmitted on the next connect.
func (c *Client) Send(ctx context.Context, roomID, body string) (string, error) {
	token := ulid.Make().String()
	p, err := c.cache.LocalSend(roomID, token, body, "")
	if err != nil {
		return "", err
	}
	if _, err := c.write(ctx, v1.TypeMessageSend, p); err != nil && !errors.Is(err, ErrNotConnected) {
		return token, err
	}
	return token, nil
}

// Retry retransmits a failed send under its original token.
func (c *Client) Retry(ctx context.Context, clientToken string) error {
	p, ok := c.cache.Retry(clientToken)
	if !ok {
		return fmt.Errorf("wsclient: no failed send %q", clientToken)
	}
	if _, err := c.write(ctx, v1.TypeMessageSend, p); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// React asks for the caller's reaction to be present or absent.
func (c *Client) React(ctx context.Context, messageID, emoji string, wantPresent bool) error {
	ref := ulid.Make().String()
	p, err := c.cache.LocalReact(ref, messageID, emoji, wantPresent)
	if err != nil {
		return err
	}
	if err := c.writeWithID(ctx, ref, v1.TypeReactionChange, p); err != nil {
		c.cache.Reject(v1.ErrorPayload{Code: v1.CodeInternal, Ref: ref})
		return err
	}
	return nil
}

// MarkRead advances the read marker up to messageID.
func (c *Client) MarkRead(ctx context.Context, roomID, messageID string) error {
	ref := ulid.Make().String()
	p, err := c.cache.LocalMarkRead(ref, roomID, messageID)
	if err != nil {
		return err
	}
	if err := c.writeWithID(ctx, ref, v1.TypeMarkRead, p); err != nil {
		c.cache.Reject(v1.ErrorPayload{Code: v1.CodeInternal, Ref: ref})
		return err
	}
	return nil
}

// SetTyping reports the local typing state.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	_, err := c.write(ctx, v1.TypeTypingSet, v1.TypingSetPayload{RoomID: roomID, IsTyping: typing})
	return err
}

func (c *Client) writeWithID(ctx context.Context, id, typ string, payload any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return writeRaw(ctx, conn, id, typ, payload)
}

// ---- framing ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return v1.Envelope{}, errors.New("wsclient: binary frame")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("wsclient: bad frame: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("wsclient: bad envelope: %w", err)
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) (string, error) {
	id := ulid.Make().String()
	return id, writeRaw(ctx, conn, id, typ, payload)
}

func writeRaw(ctx context.Context, conn *websocket.Conn, id, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func classifyClose(err error) error {
	switch websocket.CloseStatus(err) {
	case statusSuperseded:
		return ErrSuperseded
	case websocket.StatusPolicyViolation:
		// Handshake rejection closes with 1008 after an unauthorized error frame.
		return fmt.Errorf("wsclient: policy violation: %w", err)
	}
	return err
}
