package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket text payload variants. Audio travels in
// binary frames next to these messages.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"

	TypeSTTPartial         MessageType = "stt_partial"
	TypeSTTFinal           MessageType = "stt_final"
	TypeTurnStarted        MessageType = "turn_started"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudioMeta MessageType = "assistant_audio_meta"
	TypeTurnEnded          MessageType = "turn_ended"
	TypeTurnBusy           MessageType = "turn_busy"
	TypeSessionStarted     MessageType = "session_started"
	TypeErrorEvent         MessageType = "error_event"
)

// ActionEnd asks the server to close the session.
const ActionEnd = "end"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type TurnStarted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Transcript string      `json:"transcript"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

// AssistantAudioMeta precedes the binary frame carrying chunk Seq.
type AssistantAudioMeta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int         `json:"seq"`
	Text      string      `json:"text"`
	Format    string      `json:"format"`
	Bytes     int         `json:"bytes"`
}

type TurnEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type TurnBusy struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Action     string      `json:"action"`
	Transcript string      `json:"transcript"`
}

type SessionStarted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes a text frame sent by the client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
