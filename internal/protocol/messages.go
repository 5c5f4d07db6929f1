package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/parley/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeSessionUpdated MessageType = "session_updated"
	TypeSessionDeleted MessageType = "session_deleted"
	TypeLoadingChanged MessageType = "loading_changed"
	TypeAutoSendState  MessageType = "auto_send_state"
	TypeAudioState     MessageType = "audio_state"
	TypeSegmentState   MessageType = "segment_state"
	TypeAttachment     MessageType = "attachment_state"
	TypeNotification   MessageType = "notification"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions accepted over the socket.
const (
	ActionCancelGeneration = "cancel_generation"
	ActionStopAutoSend     = "stop_auto_send"
	ActionPauseAudio       = "pause_audio"
	ActionResumeAudio      = "resume_audio"
	ActionStopAudio        = "stop_audio"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type SessionUpdated struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Session   session.Session `json:"session"`
}

type SessionDeleted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type LoadingChanged struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	IsLoading        bool        `json:"is_loading"`
	ElapsedMs        int64       `json:"elapsed_ms"`
	ElapsedText      string      `json:"elapsed_text"`
	PendingMessageID string      `json:"pending_message_id,omitempty"`
}

type AutoSendState struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	Active           bool        `json:"active"`
	Remaining        int         `json:"remaining"`
	Preparing        bool        `json:"preparing"`
	WaitingForRetry  bool        `json:"waiting_for_retry"`
	CountdownSeconds int         `json:"countdown_seconds"`
	Text             string      `json:"text,omitempty"`
	CharacterID      string      `json:"character_id,omitempty"`
}

// AudioState is the UI tuple for the single playback target.
type AudioState struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id,omitempty"`
	SegmentKey   string      `json:"segment_key,omitempty"`
	MessageID    string      `json:"message_id,omitempty"`
	PartIndex    int         `json:"part_index"`
	Status       string      `json:"status"`
	CurrentTime  float64     `json:"current_time"`
	Duration     float64     `json:"duration"`
	PlaybackRate float64     `json:"playback_rate"`
	Error        string      `json:"error,omitempty"`
}

// SegmentState reports the fetch state of one audio segment.
type SegmentState struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	MessageID  string      `json:"message_id"`
	SegmentKey string      `json:"segment_key"`
	PartIndex  int         `json:"part_index"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
}

type AttachmentState struct {
	Type       MessageType        `json:"type"`
	SessionID  string             `json:"session_id"`
	Index      int                `json:"index"`
	Attachment session.Attachment `json:"attachment"`
}

type Notification struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Level     string      `json:"level"`
	Text      string      `json:"text"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

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
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionCancelGeneration, ActionStopAutoSend, ActionPauseAudio, ActionResumeAudio, ActionStopAudio:
			return msg, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
