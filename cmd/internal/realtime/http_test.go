package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	v1 "bazaar/shared/contracts/realtime/v1"
)

func newTestMux(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(t)
	mux := http.NewServeMux()
	NewHTTPHandler(svc).Register(mux)
	return svc, mux
}

func doJSON(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHTTPHandler_RoomLifecycle(t *testing.T) {
	_, h := newTestMux(t)

	rr := doJSON(t, h, http.MethodPost, "/v1/rooms/direct", "alice", `{"peer_user_id":"bob"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("direct status=%d body=%s", rr.Code, rr.Body.String())
	}
	direct := decodeBody[roomResponse](t, rr)
	if direct.Kind != "direct" || len(direct.Members) != 2 {
		t.Fatalf("direct=%+v", direct)
	}

	again := decodeBody[roomResponse](t, doJSON(t, h, http.MethodPost, "/v1/rooms/direct", "bob", `{"peer_user_id":"alice"}`))
	if again.RoomID != direct.RoomID {
		t.Fatalf("direct room not reused: %s vs %s", again.RoomID, direct.RoomID)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/rooms/group", "alice", `{"member_ids":["bob","carol"],"title":"Lunch"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("group status=%d body=%s", rr.Code, rr.Body.String())
	}
	group := decodeBody[roomResponse](t, rr)
	if group.Title != "Lunch" || group.Members[0] != "alice" {
		t.Fatalf("group=%+v", group)
	}

	list := decodeBody[roomsResponse](t, doJSON(t, h, http.MethodGet, "/v1/rooms", "carol", ""))
	if len(list.Rooms) != 1 || list.Rooms[0].RoomID != group.RoomID {
		t.Fatalf("carol rooms=%+v", list)
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/rooms/"+group.RoomID+"/archive", "mallory", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("outsider archive status=%d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/rooms/"+group.RoomID+"/archive", "carol", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("archive status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/rooms/missing/archive", "carol", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing archive status=%d", rr.Code)
	}
}

func TestHTTPHandler_RejectsBadInput(t *testing.T) {
	_, h := newTestMux(t)

	if rr := doJSON(t, h, http.MethodGet, "/v1/rooms", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no auth status=%d", rr.Code)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/rooms/direct", "alice", `{"peer_user_id":"bob","extra":1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", rr.Code)
	}
	if e := decodeBody[errorResponse](t, rr); e.Error.Code != v1.CodeInvalidPayload {
		t.Fatalf("error=%+v", e)
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/rooms/direct", "alice", `{"peer_user_id":"alice"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("self direct status=%d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/rooms/x/messages?after_seq=-1", "alice", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative after_seq status=%d", rr.Code)
	}
}

func TestHTTPHandler_HistoryReactionsAndUnread(t *testing.T) {
	svc, h := newTestMux(t)
	ctx := context.Background()
	room := mustDirect(t, svc, "alice", "bob")
	a := mustConnect(t, svc, "alice", "phone")
	mustJoin(t, svc, a, room.ID)
	msgs := sendN(t, svc, a, room.ID, 3)
	if _, err := svc.Reactions().Change(ctx, a, ReactionRequest{MessageID: msgs[0].ID, Emoji: "👍", WantPresent: true}); err != nil {
		t.Fatalf("react: %v", err)
	}

	rr := doJSON(t, h, http.MethodGet, "/v1/rooms/"+room.ID+"/messages?after_seq=1&limit=1", "bob", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history status=%d body=%s", rr.Code, rr.Body.String())
	}
	chunk := decodeBody[v1.HistoryChunkPayload](t, rr)
	if len(chunk.Messages) != 1 || chunk.Messages[0].Seq != 2 || !chunk.HasMore {
		t.Fatalf("chunk=%+v", chunk)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/rooms/"+room.ID+"/messages", "mallory", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("outsider history status=%d", rr.Code)
	}

	reactions := decodeBody[reactionsResponse](t, doJSON(t, h, http.MethodGet, "/v1/messages/"+msgs[0].ID+"/reactions", "bob", ""))
	if len(reactions.Tallies) != 1 || reactions.Tallies[0].Count != 1 || reactions.Tallies[0].MessageID != msgs[0].ID {
		t.Fatalf("reactions=%+v", reactions)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/messages/missing/reactions", "bob", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing message status=%d", rr.Code)
	}

	unread := decodeBody[v1.UnreadCountersPayload](t, doJSON(t, h, http.MethodGet, "/v1/unread", "bob", ""))
	if unread.Total != 3 || unread.Rooms[room.ID] != 3 {
		t.Fatalf("unread=%+v", unread)
	}

	driftUnread(t, svc.Store(), "bob", room.ID, 5)
	reconciled := decodeBody[v1.UnreadCountersPayload](t, doJSON(t, h, http.MethodPost, "/v1/unread/reconcile", "bob", ""))
	if reconciled.Total != 3 {
		t.Fatalf("reconciled=%+v", reconciled)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		v1.CodeUnauthorized:       http.StatusUnauthorized,
		v1.CodeNotAMember:         http.StatusForbidden,
		v1.CodeRoomNotFound:       http.StatusNotFound,
		v1.CodePayloadTooLarge:    http.StatusRequestEntityTooLarge,
		v1.CodeRoomArchived:       http.StatusConflict,
		v1.CodeStorageUnavailable: http.StatusServiceUnavailable,
		v1.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := httpStatus(code); got != want {
			t.Fatalf("httpStatus(%s)=%d want %d", code, got, want)
		}
	}
}
