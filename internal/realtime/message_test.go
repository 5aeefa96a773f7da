package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeMessagePing(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"type":"PING"}`))
	if err != nil {
		t.Fatalf("unexpected decode failure: %v", err)
	}
	if message.Type != MessageTypePing {
		t.Fatalf("unexpected type: %s", message.Type)
	}
}

func TestDecodeMessageSync(t *testing.T) {
	update := base64.StdEncoding.EncodeToString([]byte("payload"))
	frame, err := json.Marshal(Message{Type: MessageTypeSync, Update: update})
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}

	message, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("unexpected decode failure: %v", err)
	}
	decoded, err := message.UpdateBytes()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if string(decoded) != "payload" {
		t.Fatalf("unexpected payload: %q", decoded)
	}
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"GOSSIP"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestDecodeMessageRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeMessageRejectsSyncWithoutUpdate(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"SYNC"}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeMessageRejectsSyncWithBadBase64(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"SYNC","update":"%%%"}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeMessageRejectsServerOriginatedPresenceEvents(t *testing.T) {
	for _, event := range []string{"JOINED", "LEFT"} {
		frame := []byte(`{"type":"PRESENCE","event":"` + event + `"}`)
		if _, err := DecodeMessage(frame); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected rejection of %s presence frame, got %v", event, err)
		}
	}
}

func TestDecodeMessageRejectsInboundControl(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"CONTROL","event":"ROOM_STATE"}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeMessageAcceptsCursorPresence(t *testing.T) {
	frame := []byte(`{"type":"PRESENCE","event":"CURSOR","cursor":{"position":7,"selection":{"start":3,"end":7}}}`)
	message, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("unexpected decode failure: %v", err)
	}
	if message.Cursor == nil || message.Cursor.Position != 7 {
		t.Fatalf("unexpected cursor: %+v", message.Cursor)
	}
	if message.Cursor.Selection == nil || message.Cursor.Selection.End != 7 {
		t.Fatalf("unexpected selection: %+v", message.Cursor.Selection)
	}
}

func TestNewRoomStateMessageCarriesParticipantsAndState(t *testing.T) {
	state := []byte{0x01, 0x02, 0x03}
	message := NewRoomStateMessage("records:rec-1", []UserInfo{{ID: "user-1", Name: "Alice", Color: "#E63946"}}, state)

	if message.Type != MessageTypeControl || message.Event != string(ControlEventRoomState) {
		t.Fatalf("unexpected envelope: %+v", message)
	}
	if message.Room == nil || message.Room.ID != "records:rec-1" || len(message.Room.Participants) != 1 {
		t.Fatalf("unexpected room info: %+v", message.Room)
	}
	decoded, err := base64.StdEncoding.DecodeString(message.State)
	if err != nil || len(decoded) != len(state) {
		t.Fatalf("unexpected state encoding: %v", err)
	}
}

func TestNewErrorMessageCarriesCode(t *testing.T) {
	message := NewErrorMessage(NewError(CodePermissionDenied, "nope"))
	if message.Error == nil || message.Error.Code != string(CodePermissionDenied) {
		t.Fatalf("unexpected error info: %+v", message.Error)
	}
	if message.Error.Message != "nope" {
		t.Fatalf("unexpected error message: %q", message.Error.Message)
	}
}

func TestNewRateLimitWarningIsAdvisory(t *testing.T) {
	message := NewRateLimitWarning(3)
	if message.Type != MessageTypeControl || message.Event != string(ControlEventError) {
		t.Fatalf("unexpected envelope: %+v", message)
	}
	if message.Error == nil || message.Error.Code != errorCodeRateLimitWarning {
		t.Fatalf("unexpected error info: %+v", message.Error)
	}
}
