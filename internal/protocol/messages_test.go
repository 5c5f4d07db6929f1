package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"cancel_generation"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionCancelGeneration {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageControlValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "missing session", raw: `{"type":"client_control","action":"stop_audio"}`},
		{name: "missing action", raw: `{"type":"client_control","session_id":"s1"}`},
		{name: "unknown action", raw: `{"type":"client_control","session_id":"s1","action":"dance"}`, want: ErrUnsupportedAction},
		{name: "bad json", raw: `{"type":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("ParseClientMessage() error = nil, want error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNewAudioStateFlattensTarget(t *testing.T) {
	st := tts.PlaybackState{
		Target:      &tts.Target{SessionID: "s1", MessageID: "m1", Part: 1, Total: 3},
		SegmentKey:  "m1_part_1",
		Status:      tts.StatusPlaying,
		CurrentTime: 1500 * time.Millisecond,
		Duration:    3 * time.Second,
		Rate:        1.25,
	}
	got := NewAudioState(st)
	if got.Type != TypeAudioState || got.SessionID != "s1" || got.MessageID != "m1" || got.PartIndex != 1 {
		t.Fatalf("NewAudioState() = %+v", got)
	}
	if got.CurrentTime != 1.5 || got.Duration != 3 || got.PlaybackRate != 1.25 || got.Status != "playing" {
		t.Fatalf("NewAudioState() timing = %+v", got)
	}

	idle := NewAudioState(tts.PlaybackState{Status: tts.StatusIdle, Rate: 1})
	if idle.MessageID != "" || idle.Status != "idle" {
		t.Fatalf("idle state = %+v", idle)
	}
}

func TestNewSessionUpdatedStripsAudio(t *testing.T) {
	s := session.Session{ID: "s1", Messages: []session.Message{{ID: "m1", AudioBuffers: [][]byte{{1, 2}}}}}
	evt := NewSessionUpdated(s)
	if evt.SessionID != "s1" || evt.Session.Messages[0].AudioBuffers != nil || evt.Session.Messages[0].AudioParts != 1 {
		t.Fatalf("NewSessionUpdated() = %+v", evt)
	}
	if typ, ok := TypeOf(evt); !ok || typ != TypeSessionUpdated {
		t.Fatalf("TypeOf() = %q, %v", typ, ok)
	}
}
