package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// StatusSuperseded is the close code sent to a session replaced by a newer
// connection from the same device.
const StatusSuperseded websocket.StatusCode = 4001

var errBadJSON = errors.New("bad json")

// WSGateway is the websocket entrypoint for bazaar realtime.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits
// and transport pings, then routes validated envelopes to the Service.
type WSGateway struct {
	svc *Service
	log *slog.Logger
	cfg Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway serving svc.
func NewWSGateway(svc *Service) *WSGateway {
	cfg := svc.Config()
	return &WSGateway{
		svc:            svc,
		log:            svc.log,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
//
// A bearer credential in the Authorization header is checked before the upgrade.
// Without one, the first frame must be a connect envelope within the handshake timeout.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var (
		id       Identity
		preAuthd bool
	)
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		var err error
		id, err = g.svc.Authenticate(r.Context(), token)
		if err != nil {
			g.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		preAuthd = true
	}

	// Server read/write timeouts must not outlive the upgrade.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !preAuthd {
		id, err = g.handshake(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.handshake", "remote", r.RemoteAddr, "err", err)
			_ = writeEnvelope(ctx, conn, errorEnvelope(v1.CodeUnauthorized, "authentication required", "", ""), g.cfg.WriteTimeout)
			_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
	}

	client, err := g.svc.Connect(id, time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connect.fail", "user_id", id.UserID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	sessionID := client.SessionID

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Disconnect(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				g.closeKicked(ctx, conn, client, shutdown)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.svc.Welcome(ctx, client)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.svc.fan.toClient(client, errorEnvelope(v1.CodeBadJSON, "invalid JSON", "", ""))
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		client.Touch(now)

		if !rl.Allow(now) {
			_ = writeEnvelope(ctx, conn, errorEnvelope(v1.CodeRateLimited, "too many events", env.ID, ""), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.svc.fan.toClient(client, errorEnvelope(v1.CodeBadEnvelope, err.Error(), env.ID, ""))
			continue readLoop
		}
		if !v1.IsClientType(env.Type) {
			g.svc.fan.toClient(client, errorEnvelope(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), env.ID, ""))
			continue readLoop
		}

		g.dispatch(ctx, client, env, now)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake waits for a connect envelope and authenticates its credential.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn) (Identity, error) {
	hsCtx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	env, err := readEnvelope(hsCtx, conn)
	if err != nil {
		return Identity{}, err
	}
	if err := env.Validate(); err != nil {
		return Identity{}, err
	}
	if env.Type != v1.TypeConnect {
		return Identity{}, fmt.Errorf("expected %s, got %s", v1.TypeConnect, env.Type)
	}
	var p v1.ConnectPayload
	if err := env.Decode(&p); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return g.svc.Authenticate(ctx, p.Credential)
}

// closeKicked writes the final error frame for a server-side kick and closes
// the connection with the matching status.
func (g *WSGateway) closeKicked(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	reason := client.KickReason()
	switch reason {
	case KickSuperseded:
		_ = writeEnvelope(ctx, conn, errorEnvelope(v1.CodeSuperseded, "session superseded by a newer connection", "", ""), g.cfg.WriteTimeout)
		shutdown(StatusSuperseded, "superseded")
	case KickSlowConsumer:
		shutdown(websocket.StatusPolicyViolation, "slow consumer")
	case KickHeartbeatTimeout:
		shutdown(websocket.StatusGoingAway, "heartbeat timeout")
	case KickShutdown:
		shutdown(websocket.StatusGoingAway, "server shutdown")
	default:
		shutdown(websocket.StatusNormalClosure, "bye")
	}
}

// ---- dispatch ----

func (g *WSGateway) dispatch(ctx context.Context, c *Client, env v1.Envelope, now time.Time) {
	var (
		err         error
		clientToken string
	)

	switch env.Type {
	case v1.TypeConnect:
		err = fmt.Errorf("%w: already connected", ErrInvalidPayload)

	case v1.TypeHeartbeat:
		g.svc.Heartbeat(c, now)

	case v1.TypeRoomJoin:
		var p v1.RoomJoinPayload
		if err = decodePayload(env, &p); err == nil {
			var room Room
			if room, err = g.svc.Join(ctx, c, p.RoomID); err == nil {
				g.reply(c, v1.TypeRoomJoined, v1.RoomJoinedPayload{
					RoomID:   room.ID,
					Kind:     string(room.Kind),
					Members:  room.Members,
					Archived: room.Archived,
				}, now)
			}
		}

	case v1.TypeRoomLeave:
		var p v1.RoomLeavePayload
		if err = decodePayload(env, &p); err == nil {
			g.svc.Leave(c, p.RoomID)
			g.reply(c, v1.TypeRoomLeft, v1.RoomLeftPayload{RoomID: strings.TrimSpace(p.RoomID)}, now)
		}

	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err = decodePayload(env, &p); err == nil {
			clientToken = p.ClientToken
			_, err = g.svc.Pipeline().Send(ctx, c, SendRequest{
				RoomID:        p.RoomID,
				ClientToken:   p.ClientToken,
				Body:          p.Body,
				AttachmentRef: p.AttachmentRef,
			})
		}

	case v1.TypeMessageEdit:
		var p v1.MessageEditPayload
		if err = decodePayload(env, &p); err == nil {
			_, err = g.svc.Pipeline().Edit(ctx, c, EditRequest{MessageID: p.MessageID, Body: p.Body})
		}

	case v1.TypeMessageDelete:
		var p v1.MessageDeletePayload
		if err = decodePayload(env, &p); err == nil {
			_, err = g.svc.Pipeline().Delete(ctx, c, DeleteRequest{MessageID: p.MessageID})
		}

	case v1.TypeTypingSet:
		var p v1.TypingSetPayload
		if err = decodePayload(env, &p); err == nil {
			err = g.svc.Typing().SetTyping(c, p.RoomID, p.IsTyping, now)
		}

	case v1.TypeReactionChange:
		var p v1.ReactionChangePayload
		if err = decodePayload(env, &p); err == nil {
			_, err = g.svc.Reactions().Change(ctx, c, ReactionRequest{
				MessageID:   p.MessageID,
				Emoji:       p.Emoji,
				WantPresent: p.WantPresent,
			})
		}

	case v1.TypeMarkRead:
		var p v1.MarkReadPayload
		if err = decodePayload(env, &p); err == nil {
			_, err = g.svc.Counters().MarkRead(ctx, c, p.RoomID, p.UpToMessageID)
		}

	case v1.TypeUnreadReconcile:
		var counters Counters
		if counters, err = g.svc.Counters().Reconcile(ctx, c.UserID); err == nil {
			g.reply(c, v1.TypeUnreadCounters, countersPayload(counters), now)
		}

	case v1.TypeHistoryFetch:
		var p v1.HistoryFetchPayload
		if err = decodePayload(env, &p); err == nil {
			var res HistoryResult
			if res, err = g.svc.Pipeline().FetchHistory(ctx, c.UserID, p.RoomID, p.AfterSeq, p.Limit); err == nil {
				msgs := make([]v1.Message, 0, len(res.Messages))
				for _, m := range res.Messages {
					msgs = append(msgs, m.Wire())
				}
				g.reply(c, v1.TypeHistoryChunk, v1.HistoryChunkPayload{
					RoomID:   res.RoomID,
					Messages: msgs,
					HasMore:  res.HasMore,
				}, now)
			}
		}

	default:
		err = fmt.Errorf("unsupported type: %s", env.Type)
		g.svc.fan.toClient(c, errorEnvelope(v1.CodeUnsupported, err.Error(), env.ID, ""))
		return
	}

	if err != nil {
		g.replyError(c, env, err, clientToken)
	}
}

func (g *WSGateway) reply(c *Client, typ string, payload any, now time.Time) {
	g.svc.fan.toClient(c, newEnvelope(typ, payload, now))
}

// replyError sends the wire error for err to the originating session only.
func (g *WSGateway) replyError(c *Client, env v1.Envelope, err error, clientToken string) {
	code := errorCode(err)
	msg := err.Error()
	switch code {
	case v1.CodeInternal:
		g.log.Error("ws.request.fail", "session_id", c.SessionID, "type", env.Type, "err", err)
		msg = "internal error"
	case v1.CodeStorageUnavailable:
		g.log.Warn("ws.request.fail", "session_id", c.SessionID, "type", env.Type, "err", err)
		msg = ErrTransientStorage.Error()
	default:
		g.log.Debug("ws.request.reject", "session_id", c.SessionID, "type", env.Type, "code", code, "err", err)
	}
	g.svc.fan.toClient(c, errorEnvelope(code, msg, env.ID, clientToken))
}

func decodePayload(env v1.Envelope, dst any) error {
	if err := env.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted host patterns
// websocket.Accept matches cross-origin requests against. Accept matches
// against host:port, so every host is allowed on any port as well.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
