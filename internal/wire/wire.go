// Package wire holds the envelope protocol spoken between the hub and
// meeting participants.
package wire

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// Reserved topic for socket-level traffic.
const TopicSocket = "phoenix"

const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventReply           = "reply"
	EventHeartbeat       = "heartbeat"
	EventPresenceState   = "presence_state"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventSignal          = "signal"
	EventChatHistory     = "chat_history"
	EventNewMsg          = "new_msg"
	EventTyping          = "typing"
	EventHandToggle      = "hand_toggle"
	EventRecordingToggle = "recording_toggle"
	EventKicked          = "kicked"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Join rejection reasons.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonRoomFull     = "room_full"
	ReasonBadPayload   = "bad_payload"
	ReasonNotJoined    = "not_joined"
	ReasonRateLimited  = "rate_limited"
	ReasonUnknownEvent = "unknown_event"
	ReasonDuplicate    = "duplicate_session"
	ReasonNoTarget     = "no_target"
	ReasonInternal     = "internal"
)

type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type JoinParams struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
	// Rejoin marks an automatic re-join after a transport reconnect by the
	// same client instance.
	Rejoin bool `json:"rejoin,omitempty"`
}

type JoinResponse struct {
	Self    domain.Participant   `json:"self"`
	Roster  []domain.Participant `json:"roster"`
	Resumed bool                 `json:"resumed"`
}

type PresenceMeta struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
	Order    int64     `json:"order,omitempty"`
}

// PresenceState is the full membership map pushed on every change.
type PresenceState map[domain.UserID]PresenceMeta

type UserEvent struct {
	UserID domain.UserID `json:"user_id"`
	Name   string        `json:"name,omitempty"`
}

type ChatHistory struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// NewMsgPush is what a participant sends; the hub fills in the rest.
type NewMsgPush struct {
	ClientID string `json:"client_id"`
	Body     string `json:"body"`
}

type NewMsgAck struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sent_at"`
}

type Typing struct {
	UserID domain.UserID `json:"user_id"`
	Typing bool          `json:"typing"`
}

type HandToggle struct {
	UserID     domain.UserID `json:"user_id"`
	HandRaised bool          `json:"hand_raised"`
}

type RecordingToggle struct {
	UserID    domain.UserID `json:"user_id"`
	Recording bool          `json:"recording"`
}

type Kicked struct {
	Reason string `json:"reason"`
}

// Encode builds an envelope around v.
func Encode(topic, event, ref string, v any) ([]byte, error) {
	env := Envelope{Topic: topic, Event: event, Ref: ref}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func OKReply(v any) (Reply, error) {
	r := Reply{Status: StatusOK}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Reply{}, err
		}
		r.Response = raw
	}
	return r, nil
}

func ErrorReply(reason string) Reply {
	return Reply{Status: StatusError, Reason: reason}
}
