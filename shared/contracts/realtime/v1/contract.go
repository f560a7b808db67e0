// Package v1 defines the Bazaar Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract.
const Subprotocol = "bazaar.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeConnect carries the bearer credential when it was not sent at upgrade time (client -> server).
	TypeConnect = "connect"
	// TypeConnected acknowledges an authenticated session (server -> client).
	TypeConnected = "connected"

	// TypeRoomJoin subscribes the session to a room's broadcasts (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined acknowledges a join (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave unsubscribes the session from a room (client -> server).
	TypeRoomLeave = "room_leave"
	// TypeRoomLeft acknowledges a leave (server -> client).
	TypeRoomLeft = "room_left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request to the sending session (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageCreated broadcasts a persisted message (server -> room members).
	TypeMessageCreated = "message_created"
	// TypeMessageEdit requests an edit of an own message (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete requests a soft delete of an own message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageUpdated broadcasts an edit or delete transition (server -> room members).
	TypeMessageUpdated = "message_updated"
	// TypeReceipt reports a recipient's delivery state to the sender (server -> client).
	TypeReceipt = "receipt"

	// TypeTypingSet reports local typing state (client -> server).
	TypeTypingSet = "typing_set"
	// TypeTyping broadcasts a user's typing state (server -> room members).
	TypeTyping = "typing"

	// TypeReactionChange requests presence or absence of a reaction (client -> server).
	TypeReactionChange = "reaction_change"
	// TypeReactionTally broadcasts the aggregate tally for a message/emoji pair (server -> room members).
	TypeReactionTally = "reaction_tally"

	// TypeMarkRead advances the caller's read marker (client -> server).
	TypeMarkRead = "mark_read"
	// TypeReadAck acknowledges mark_read to the acting session (server -> client).
	TypeReadAck = "read_ack"
	// TypeReadMarker broadcasts a member's read position (server -> room members).
	TypeReadMarker = "read_marker"
	// TypeUnreadDelta pushes a new unread count for one room (server -> client).
	TypeUnreadDelta = "unread_delta"
	// TypeUnreadReconcile requests a full recount of unread counters (client -> server).
	TypeUnreadReconcile = "unread_reconcile"
	// TypeUnreadCounters carries the full unread counter set (server -> client).
	TypeUnreadCounters = "unread_counters"

	// TypeHistoryFetch requests room history after an ordering key (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeHeartbeat signals client liveness (client -> server).
	TypeHeartbeat = "heartbeat"
	// TypeHeartbeatAck answers a heartbeat (server -> client).
	TypeHeartbeatAck = "heartbeat_ack"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnauthorized       = "unauthorized"
	CodeSuperseded         = "superseded"
	CodeNotAMember         = "not_a_member"
	CodePayloadTooLarge    = "payload_too_large"
	CodeRoomArchived       = "room_archived"
	CodeRoomNotFound       = "room_not_found"
	CodeMessageNotFound    = "message_not_found"
	CodeMessageDeleted     = "message_deleted"
	CodeForbidden          = "forbidden"
	CodeInvalidPayload     = "invalid_payload"
	CodeStorageUnavailable = "storage_unavailable"
	CodeStaleOrdering      = "stale_ordering"
	CodeBadJSON            = "bad_json"
	CodeBadEnvelope        = "bad_envelope"
	CodeRateLimited        = "rate_limited"
	CodeUnsupported        = "unsupported"
	CodeInternal           = "internal"
)

// Receipt states, in forward-only order.
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

var clientTypes = map[string]struct{}{
	TypeConnect:         {},
	TypeRoomJoin:        {},
	TypeRoomLeave:       {},
	TypeMessageSend:     {},
	TypeMessageEdit:     {},
	TypeMessageDelete:   {},
	TypeTypingSet:       {},
	TypeReactionChange:  {},
	TypeMarkRead:        {},
	TypeUnreadReconcile: {},
	TypeHistoryFetch:    {},
	TypeHeartbeat:       {},
}

var serverTypes = map[string]struct{}{
	TypeConnected:      {},
	TypeRoomJoined:     {},
	TypeRoomLeft:       {},
	TypeMessageAck:     {},
	TypeMessageCreated: {},
	TypeMessageUpdated: {},
	TypeReceipt:        {},
	TypeTyping:         {},
	TypeReactionTally:  {},
	TypeReadAck:        {},
	TypeReadMarker:     {},
	TypeUnreadDelta:    {},
	TypeUnreadCounters: {},
	TypeHistoryChunk:   {},
	TypeHeartbeatAck:   {},
	TypeError:          {},
}

// IsClientType reports whether typ may be sent by a client.
func IsClientType(typ string) bool {
	_, ok := clientTypes[typ]
	return ok
}

// IsServerType reports whether typ may be sent by the server.
func IsServerType(typ string) bool {
	_, ok := serverTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) && !IsServerType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst. An absent payload decodes as "{}".
func (e Envelope) Decode(dst any) error {
	raw := e.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, dst)
}

// ---- Shared shapes ----

// Message is the wire representation of a persisted message.
// Deleted messages keep their position (Seq) and carry no body.
type Message struct {
	MessageID     string     `json:"message_id"`
	RoomID        string     `json:"room_id"`
	Seq           int64      `json:"seq"`
	SenderUserID  string     `json:"sender_user_id"`
	ClientToken   string     `json:"client_token,omitempty"`
	Body          string     `json:"body,omitempty"`
	AttachmentRef string     `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
}

// ---- Payloads ----

// ConnectPayload authenticates a session when no bearer header was sent at upgrade.
type ConnectPayload struct {
	Credential string `json:"credential,omitempty"`
}

// ConnectedPayload carries the server-assigned session identity.
type ConnectedPayload struct {
	SessionID           string `json:"session_id"`
	UserID              string `json:"user_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

// RoomJoinPayload requests a room subscription.
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
}

// RoomJoinedPayload acknowledges a room subscription.
type RoomJoinedPayload struct {
	RoomID   string   `json:"room_id"`
	Kind     string   `json:"kind"`
	Members  []string `json:"members"`
	Archived bool     `json:"archived,omitempty"`
}

// RoomLeavePayload requests leaving a room subscription.
type RoomLeavePayload struct {
	RoomID string `json:"room_id"`
}

// RoomLeftPayload acknowledges a leave.
type RoomLeftPayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	RoomID        string `json:"room_id"`
	ClientToken   string `json:"client_token"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical ids.
type MessageAckPayload struct {
	RoomID      string    `json:"room_id"`
	ClientToken string    `json:"client_token"`
	MessageID   string    `json:"message_id"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	Duplicated  bool      `json:"duplicated,omitempty"`
}

// MessageCreatedPayload is broadcast once a message is durably persisted.
type MessageCreatedPayload struct {
	Message     Message `json:"message"`
	ClientToken string  `json:"client_token,omitempty"`
}

// MessageEditPayload requests replacing the body of an own message.
type MessageEditPayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// MessageDeletePayload requests a soft delete of an own message.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// MessageUpdatedPayload is broadcast after an edit or delete.
type MessageUpdatedPayload struct {
	Message Message `json:"message"`
}

// ReceiptPayload reports a recipient's receipt state for a message.
type ReceiptPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	State     string `json:"state"`
}

// TypingSetPayload reports the local typing state.
type TypingSetPayload struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// TypingPayload broadcasts a member's typing state.
type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReactionChangePayload requests that the caller's reaction be present or absent.
type ReactionChangePayload struct {
	MessageID   string `json:"message_id"`
	Emoji       string `json:"emoji"`
	WantPresent bool   `json:"want_present"`
}

// ReactionTallyPayload carries the aggregate for one message/emoji pair.
type ReactionTallyPayload struct {
	RoomID    string   `json:"room_id"`
	MessageID string   `json:"message_id"`
	Emoji     string   `json:"emoji"`
	Count     int      `json:"count"`
	UserIDs   []string `json:"user_ids"`
}

// MarkReadPayload advances the read marker up to (and including) a message.
type MarkReadPayload struct {
	RoomID        string `json:"room_id"`
	UpToMessageID string `json:"up_to_message_id"`
}

// ReadAckPayload acknowledges mark_read with the resulting counters.
type ReadAckPayload struct {
	RoomID   string `json:"room_id"`
	UpToSeq  int64  `json:"up_to_seq"`
	NewCount int64  `json:"new_count"`
	NewTotal int64  `json:"new_total"`
}

// ReadMarkerPayload broadcasts a member's read position.
type ReadMarkerPayload struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	UpToSeq int64  `json:"up_to_seq"`
}

// UnreadDeltaPayload pushes the new unread count for one room.
type UnreadDeltaPayload struct {
	RoomID   string `json:"room_id"`
	NewCount int64  `json:"new_count"`
	NewTotal int64  `json:"new_total"`
}

// UnreadReconcilePayload requests a full recount.
type UnreadReconcilePayload struct{}

// UnreadCountersPayload carries the complete unread counter set.
type UnreadCountersPayload struct {
	Rooms map[string]int64 `json:"rooms"`
	Total int64            `json:"total"`
}

// HistoryFetchPayload requests history strictly after AfterSeq.
type HistoryFetchPayload struct {
	RoomID   string `json:"room_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// HeartbeatPayload is intentionally empty.
type HeartbeatPayload struct{}

// HeartbeatAckPayload answers a heartbeat.
type HeartbeatAckPayload struct {
	ServerTS time.Time `json:"server_ts"`
}

// ErrorPayload is a generic error response payload.
// Ref is the id of the request envelope that failed, when known.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Ref         string `json:"ref,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}
