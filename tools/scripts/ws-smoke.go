// Package main is a CI-friendly end-to-end smoke test for the bazaar realtime
// gateway.
//
// It validates:
//   - direct room create-or-get over REST
//   - handshake, join and gap-fill through wsclient
//   - send -> fan-out to the peer
//   - reaction tally convergence
//   - mark read -> unread counters
//   - reconnect gap-fill of messages sent while offline
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bazaar/shared/client/chatsync"
	"bazaar/shared/client/wsclient"

	"github.com/spf13/pflag"
)

type options struct {
	baseURL string
	origin  string
	userA   string
	userB   string
	text    string
	timeout time.Duration
	verbose bool
}

func main() {
	var o options
	fs := pflag.NewFlagSet("ws-smoke", pflag.ExitOnError)
	fs.StringVar(&o.baseURL, "url", "http://127.0.0.1:8080", "Server base URL")
	fs.StringVar(&o.origin, "origin", "http://localhost", "Origin header for the websocket handshake")
	fs.StringVar(&o.userA, "a", "smoke-a/laptop", "Credential for client A")
	fs.StringVar(&o.userB, "b", "smoke-b/phone", "Credential for client B")
	fs.StringVar(&o.text, "text", "hello bazaar 👋", "Message text to send")
	fs.DurationVar(&o.timeout, "timeout", 7*time.Second, "Per-step timeout")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Verbose output")
	_ = fs.Parse(os.Args[1:])

	if err := run(context.Background(), o); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	wsURL, err := websocketURL(o.baseURL)
	if err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	userB, _, _ := strings.Cut(o.userB, "/")
	roomID, err := createDirect(ctx, o.baseURL, o.userA, userB, o.timeout)
	if err != nil {
		return err
	}

	a, err := startClient(ctx, log, wsURL, o.origin, o.userA, roomID, o.timeout)
	if err != nil {
		return fmt.Errorf("client A: %w", err)
	}
	defer a.Stop()
	b, err := startClient(ctx, log, wsURL, o.origin, o.userB, roomID, o.timeout)
	if err != nil {
		return fmt.Errorf("client B: %w", err)
	}
	defer b.Stop()

	base := len(b.Cache().Messages(roomID))

	token, err := a.Send(ctx, roomID, o.text)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	var delivered chatsync.Entry
	if err := waitUntil(o.timeout, "fan-out to B", func() bool {
		for _, e := range b.Cache().Messages(roomID) {
			if e.Message.ClientToken == token && e.State == chatsync.StateConfirmed {
				delivered = e
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}
	if delivered.Message.Body != o.text {
		return fmt.Errorf("fan-out body mismatch: %q", delivered.Message.Body)
	}

	msgID := delivered.Message.MessageID
	if err := b.React(ctx, msgID, "👍", true); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	if err := waitUntil(o.timeout, "reaction tally on A", func() bool {
		for _, t := range a.Cache().Reactions(msgID) {
			if t.Emoji == "👍" && t.Count >= 1 && !t.Pending {
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}

	if err := b.MarkRead(ctx, roomID, msgID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := waitUntil(o.timeout, "B unread cleared", func() bool {
		rooms, _ := b.Cache().Unread()
		return rooms[roomID] == 0 && b.Cache().ReadSeq(roomID) == delivered.Message.Seq
	}); err != nil {
		return err
	}

	b.Stop()
	for i := range 2 {
		if _, err := a.Send(ctx, roomID, fmt.Sprintf("offline %d", i)); err != nil {
			return fmt.Errorf("offline send: %w", err)
		}
	}
	b.Start(ctx)
	if err := waitUntil(o.timeout, "B gap-fill", func() bool {
		return b.Synced() && len(b.Cache().Messages(roomID)) == base+3
	}); err != nil {
		return err
	}

	msgs := b.Cache().Messages(roomID)
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Message.Seq <= msgs[i-1].Message.Seq {
			return fmt.Errorf("order violated at %d: %d after %d", i, msgs[i].Message.Seq, msgs[i-1].Message.Seq)
		}
	}

	fmt.Printf("OK: room_id=%s seq=%d message_id=%s a=%s b=%s\n", roomID, delivered.Message.Seq, msgID, a.SessionID(), b.SessionID())
	return nil
}

func startClient(ctx context.Context, log *slog.Logger, wsURL, origin, credential, roomID string, timeout time.Duration) (*wsclient.Client, error) {
	user, _, _ := strings.Cut(credential, "/")
	cache := chatsync.New(user)
	cache.Track(roomID)

	c, err := wsclient.New(wsclient.Config{
		URL:        wsURL,
		Credential: credential,
		Origin:     origin,
	}, cache, wsclient.WithLogger(log.With("client", credential)))
	if err != nil {
		return nil, err
	}
	c.Start(ctx)
	if err := waitUntil(timeout, "connect "+credential, c.Synced); err != nil {
		c.Stop()
		if cerr := c.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return c, nil
}

func createDirect(ctx context.Context, baseURL, credential, peer string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"peer_user_id": peer})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/rooms/direct", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create direct room: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create direct room: status %d", resp.StatusCode)
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode room: %w", err)
	}
	if out.RoomID == "" {
		return "", errors.New("create direct room: empty room_id")
	}
	return out.RoomID, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func waitUntil(timeout time.Duration, what string, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", what)
}
