package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType enumerates the wire envelope tags.
type MessageType string

const (
	// MessageTypePing is a client liveness probe.
	MessageTypePing MessageType = "PING"
	// MessageTypePong answers a ping.
	MessageTypePong MessageType = "PONG"
	// MessageTypeSync carries a base64-encoded CRDT update.
	MessageTypeSync MessageType = "SYNC"
	// MessageTypePresence carries cursor/awareness state.
	MessageTypePresence MessageType = "PRESENCE"
	// MessageTypeControl carries server-originated room state and errors.
	MessageTypeControl MessageType = "CONTROL"
)

// PresenceEvent enumerates presence frame events.
type PresenceEvent string

const (
	PresenceEventJoined    PresenceEvent = "JOINED"
	PresenceEventLeft      PresenceEvent = "LEFT"
	PresenceEventCursor    PresenceEvent = "CURSOR"
	PresenceEventAwareness PresenceEvent = "AWARENESS"
)

// ControlEvent enumerates control frame events.
type ControlEvent string

const (
	ControlEventRoomState ControlEvent = "ROOM_STATE"
	ControlEventError     ControlEvent = "ERROR"
)

// errorCodeRateLimitWarning marks the advisory frame emitted as a connection
// approaches its message budget. It never closes the connection.
const errorCodeRateLimitWarning = "RATE_LIMIT_WARNING"

var (
	// ErrMalformedMessage indicates a frame that could not be decoded.
	ErrMalformedMessage = errors.New("realtime: malformed message")
	// ErrUnknownMessageType indicates a frame with a tag outside the closed set.
	ErrUnknownMessageType = errors.New("realtime: unknown message type")
)

// Selection is an optional cursor selection range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor is a participant's cursor position and optional selection.
type Cursor struct {
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// UserInfo identifies a participant on the wire.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// RoomInfo describes a room in a ROOM_STATE control frame.
type RoomInfo struct {
	ID           string     `json:"id"`
	Participants []UserInfo `json:"participants"`
}

// ErrorInfo describes a failure in an ERROR control frame.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Message is the wire envelope. The populated fields depend on Type; control
// and sync metadata travel as JSON while CRDT payloads are base64 strings.
type Message struct {
	Type   MessageType `json:"type"`
	Update string      `json:"update,omitempty"`
	Event  string      `json:"event,omitempty"`
	User   *UserInfo   `json:"user,omitempty"`
	Cursor *Cursor     `json:"cursor,omitempty"`
	Idle   *bool       `json:"idle,omitempty"`
	Room   *RoomInfo   `json:"room,omitempty"`
	State  string      `json:"state,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// DecodeMessage decodes an inbound frame and enforces the closed type set and
// per-variant required fields. Unknown tags are rejected explicitly.
func DecodeMessage(data []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch message.Type {
	case MessageTypePing, MessageTypePong:
		return message, nil
	case MessageTypeSync:
		if message.Update == "" {
			return Message{}, fmt.Errorf("%w: sync frame missing update", ErrMalformedMessage)
		}
		if _, err := base64.StdEncoding.DecodeString(message.Update); err != nil {
			return Message{}, fmt.Errorf("%w: sync update is not valid base64", ErrMalformedMessage)
		}
		return message, nil
	case MessageTypePresence:
		switch PresenceEvent(message.Event) {
		case PresenceEventCursor, PresenceEventAwareness:
			return message, nil
		case PresenceEventJoined, PresenceEventLeft:
			return Message{}, fmt.Errorf("%w: presence event %q is server-originated", ErrMalformedMessage, message.Event)
		default:
			return Message{}, fmt.Errorf("%w: unknown presence event %q", ErrMalformedMessage, message.Event)
		}
	case MessageTypeControl:
		return Message{}, fmt.Errorf("%w: control frames are server-originated", ErrMalformedMessage)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, message.Type)
	}
}

// EncodeMessage serializes a frame for the wire.
func EncodeMessage(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// NewSyncMessage builds a SYNC frame from raw update bytes.
func NewSyncMessage(update []byte) Message {
	return Message{
		Type:   MessageTypeSync,
		Update: base64.StdEncoding.EncodeToString(update),
	}
}

// NewErrorMessage builds a CONTROL/ERROR frame from a realtime error.
func NewErrorMessage(err error) Message {
	info := &ErrorInfo{Code: string(CodeOf(err))}
	var realtimeErr *Error
	if errors.As(err, &realtimeErr) {
		info.Message = realtimeErr.Message()
	} else if err != nil {
		info.Message = err.Error()
	}
	return Message{
		Type:  MessageTypeControl,
		Event: string(ControlEventError),
		Error: info,
	}
}

// NewRoomStateMessage builds the CONTROL/ROOM_STATE bootstrap frame.
func NewRoomStateMessage(roomID string, participants []UserInfo, state []byte) Message {
	return Message{
		Type:  MessageTypeControl,
		Event: string(ControlEventRoomState),
		Room:  &RoomInfo{ID: roomID, Participants: participants},
		State: base64.StdEncoding.EncodeToString(state),
	}
}

// NewRateLimitWarning builds the advisory frame sent as a connection nears
// its message budget.
func NewRateLimitWarning(remaining int) Message {
	return Message{
		Type:  MessageTypeControl,
		Event: string(ControlEventError),
		Error: &ErrorInfo{
			Code:    errorCodeRateLimitWarning,
			Message: fmt.Sprintf("%d messages remaining in the current window", remaining),
		},
	}
}

// UpdateBytes decodes the base64 CRDT payload of a SYNC frame.
func (m Message) UpdateBytes() ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(m.Update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return decoded, nil
}
