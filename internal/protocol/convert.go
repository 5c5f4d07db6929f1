package protocol

import (
	"github.com/ent0n29/parley/internal/autosend"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

func NewSessionUpdated(s session.Session) SessionUpdated {
	return SessionUpdated{Type: TypeSessionUpdated, SessionID: s.ID, Session: s.WithoutAudio()}
}

func NewLoadingChanged(st generation.Status) LoadingChanged {
	return LoadingChanged{
		Type:             TypeLoadingChanged,
		SessionID:        st.SessionID,
		IsLoading:        st.IsLoading,
		ElapsedMs:        st.ElapsedMs,
		ElapsedText:      st.ElapsedText,
		PendingMessageID: st.PendingMessageID,
	}
}

func NewAutoSendState(st autosend.State) AutoSendState {
	return AutoSendState{
		Type:             TypeAutoSendState,
		SessionID:        st.SessionID,
		Active:           st.Active,
		Remaining:        st.Remaining,
		Preparing:        st.Preparing,
		WaitingForRetry:  st.WaitingForRetry,
		CountdownSeconds: st.CountdownSeconds,
		Text:             st.Text,
		CharacterID:      st.CharacterID,
	}
}

// NewAudioState flattens the engine state. Times are seconds.
func NewAudioState(st tts.PlaybackState) AudioState {
	out := AudioState{
		Type:         TypeAudioState,
		SegmentKey:   st.SegmentKey,
		Status:       string(st.Status),
		CurrentTime:  st.CurrentTime.Seconds(),
		Duration:     st.Duration.Seconds(),
		PlaybackRate: st.Rate,
		Error:        st.Error,
	}
	if st.Target != nil {
		out.SessionID = st.Target.SessionID
		out.MessageID = st.Target.MessageID
		out.PartIndex = st.Target.Part
	}
	return out
}

func NewSegmentState(evt tts.SegmentEvent) SegmentState {
	return SegmentState{
		Type:       TypeSegmentState,
		SessionID:  evt.SessionID,
		MessageID:  evt.MessageID,
		SegmentKey: evt.Key,
		PartIndex:  evt.Part,
		Status:     string(evt.Status),
		Error:      evt.Error,
	}
}

func NewNotification(sessionID, level, text string) Notification {
	return Notification{Type: TypeNotification, SessionID: sessionID, Level: level, Text: text}
}

// TypeOf reports the wire type of a known event value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case SessionUpdated:
		return m.Type, true
	case SessionDeleted:
		return m.Type, true
	case LoadingChanged:
		return m.Type, true
	case AutoSendState:
		return m.Type, true
	case AudioState:
		return m.Type, true
	case SegmentState:
		return m.Type, true
	case AttachmentState:
		return m.Type, true
	case Notification:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
