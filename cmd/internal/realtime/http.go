package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"
)

const maxRequestBodyBytes = 64 << 10

// HTTPHandler serves the request/response side of the realtime subsystem:
// room lifecycle, history, reaction tallies and unread counters.
type HTTPHandler struct {
	svc *Service
	log *slog.Logger
}

// NewHTTPHandler returns the REST handler for svc.
func NewHTTPHandler(svc *Service) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: svc.log}
}

// Register mounts the routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rooms", h.handleListRooms)
	mux.HandleFunc("POST /v1/rooms/direct", h.handleCreateDirect)
	mux.HandleFunc("POST /v1/rooms/group", h.handleCreateGroup)
	mux.HandleFunc("POST /v1/rooms/{room_id}/archive", h.handleArchive)
	mux.HandleFunc("GET /v1/rooms/{room_id}/messages", h.handleHistory)
	mux.HandleFunc("GET /v1/messages/{message_id}/reactions", h.handleReactions)
	mux.HandleFunc("GET /v1/unread", h.handleUnread)
	mux.HandleFunc("POST /v1/unread/reconcile", h.handleReconcile)
}

// ---- models ----

type roomResponse struct {
	RoomID         string    `json:"room_id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title,omitempty"`
	Members        []string  `json:"members"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Archived       bool      `json:"archived"`
}

type createDirectRequest struct {
	PeerUserID string `json:"peer_user_id"`
}

type createGroupRequest struct {
	MemberIDs []string `json:"member_ids"`
	Title     string   `json:"title"`
}

type roomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type reactionsResponse struct {
	MessageID string                    `json:"message_id"`
	Tallies   []v1.ReactionTallyPayload `json:"tallies"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func toRoomResponse(r Room) roomResponse {
	members := r.Members
	if members == nil {
		members = []string{}
	}
	return roomResponse{
		RoomID:         r.ID,
		Kind:           string(r.Kind),
		Title:          r.Title,
		Members:        members,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivity,
		Archived:       r.Archived,
	}
}

// ---- handlers ----

func (h *HTTPHandler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	rooms, err := h.svc.ListRooms(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, "rooms.list.fail", err)
		return
	}
	out := roomsResponse{Rooms: make([]roomResponse, 0, len(rooms))}
	for _, room := range rooms {
		out.Rooms = append(out.Rooms, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req createDirectRequest
	if err := decodeJSON(w, r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidPayload, "invalid JSON body")
		return
	}
	room, err := h.svc.CreateDirect(r.Context(), id.UserID, req.PeerUserID)
	if err != nil {
		h.writeServiceError(w, "rooms.direct.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *HTTPHandler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := decodeJSON(w, r, maxRequestBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidPayload, "invalid JSON body")
		return
	}
	room, err := h.svc.CreateGroup(r.Context(), id.UserID, req.MemberIDs, req.Title)
	if err != nil {
		h.writeServiceError(w, "rooms.group.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *HTTPHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.svc.ArchiveRoom(r.Context(), id.UserID, r.PathValue("room_id")); err != nil {
		h.writeServiceError(w, "rooms.archive.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var afterSeq *int64
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, v1.CodeInvalidPayload, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, v1.CodeInvalidPayload, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res, err := h.svc.Pipeline().FetchHistory(r.Context(), id.UserID, r.PathValue("room_id"), afterSeq, limit)
	if err != nil {
		h.writeServiceError(w, "rooms.history.fail", err)
		return
	}
	msgs := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, m.Wire())
	}
	writeJSON(w, http.StatusOK, v1.HistoryChunkPayload{
		RoomID:   res.RoomID,
		Messages: msgs,
		HasMore:  res.HasMore,
	})
}

func (h *HTTPHandler) handleReactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	messageID := r.PathValue("message_id")
	tallies, err := h.svc.Reactions().Tallies(r.Context(), id.UserID, messageID)
	if err != nil {
		h.writeServiceError(w, "reactions.list.fail", err)
		return
	}

	out := reactionsResponse{MessageID: messageID, Tallies: make([]v1.ReactionTallyPayload, 0, len(tallies))}
	for _, t := range tallies {
		out.Tallies = append(out.Tallies, tallyPayload(TallyDelta{
			MessageID: messageID,
			Emoji:     t.Emoji,
			Count:     t.Count,
			UserIDs:   t.UserIDs,
		}))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleUnread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	counters, err := h.svc.Counters().Counters(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, "unread.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, countersPayload(counters))
}

func (h *HTTPHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	counters, err := h.svc.Counters().Reconcile(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, "unread.reconcile.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, countersPayload(counters))
}

// ---- helpers ----

func (h *HTTPHandler) requireAuth(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "missing bearer token")
		return Identity{}, false
	}
	id, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "invalid token")
		return Identity{}, false
	}
	return id, true
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, event string, err error) {
	code := errorCode(err)
	status := httpStatus(code)
	msg := err.Error()
	switch {
	case status >= 500 && code == v1.CodeInternal:
		h.log.Error(event, "err", err)
		msg = "internal error"
	case status >= 500:
		h.log.Warn(event, "err", err)
		msg = ErrTransientStorage.Error()
	}
	writeError(w, status, code, msg)
}

// httpStatus maps a wire error code onto an HTTP status.
func httpStatus(code string) int {
	switch code {
	case v1.CodeUnauthorized:
		return http.StatusUnauthorized
	case v1.CodeNotAMember, v1.CodeForbidden:
		return http.StatusForbidden
	case v1.CodeRoomNotFound, v1.CodeMessageNotFound:
		return http.StatusNotFound
	case v1.CodeInvalidPayload:
		return http.StatusBadRequest
	case v1.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case v1.CodeRoomArchived, v1.CodeMessageDeleted, v1.CodeStaleOrdering:
		return http.StatusConflict
	case v1.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
