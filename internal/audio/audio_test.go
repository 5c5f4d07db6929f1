package audio

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) || !bytes.Equal(wav[36:40], []byte("data")) {
		t.Fatalf("bad chunk ids: %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatalf("payload = %v, want %v", wav[44:], pcm)
	}
}

func TestDecodePCM16LERoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x01}
	buf, err := DecodePCM16LE(pcm, 4)
	if err != nil {
		t.Fatalf("DecodePCM16LE() error = %v", err)
	}
	if len(buf.Samples) != 3 {
		t.Fatalf("samples = %d, want 3 (odd byte dropped)", len(buf.Samples))
	}
	if buf.Samples[0] != 0 || buf.Samples[2] != -1 {
		t.Fatalf("samples = %v", buf.Samples)
	}
	if buf.Duration() != 750*time.Millisecond {
		t.Fatalf("Duration() = %v, want 750ms", buf.Duration())
	}
	if got := buf.From(500 * time.Millisecond); len(got.Samples) != 1 {
		t.Fatalf("From(500ms) samples = %d, want 1", len(got.Samples))
	}
	if got := buf.From(time.Hour); len(got.Samples) != 0 {
		t.Fatalf("From(1h) samples = %d, want 0", len(got.Samples))
	}

	out := buf.PCM16LE()
	if len(out) != 6 || out[0] != 0 || out[1] != 0 {
		t.Fatalf("PCM16LE() = %v, want 6 bytes starting with silence", out)
	}
	if v := int16(binary.LittleEndian.Uint16(out[2:])); v < 32760 {
		t.Fatalf("PCM16LE() peak = %d, want near max", v)
	}

	if _, err := DecodePCM16LE([]byte{1}, 24000); err != ErrEmptyAudio {
		t.Fatalf("DecodePCM16LE(1 byte) error = %v, want ErrEmptyAudio", err)
	}
}

func TestTimerOutputEndsAndStops(t *testing.T) {
	buf := Buffer{Samples: make([]float32, 100), SampleRate: 1000} // 100ms
	var ended atomic.Int32
	out := NewTimerOutput()

	if _, err := out.Start(buf, 50*time.Millisecond, 2, func() { ended.Add(1) }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if ended.Load() != 1 {
		t.Fatalf("ended = %d, want 1", ended.Load())
	}

	s, _ := out.Start(buf, 0, 1, func() { ended.Add(1) })
	s.Stop()
	s.Stop()
	time.Sleep(150 * time.Millisecond)
	if ended.Load() != 1 {
		t.Fatalf("ended after Stop = %d, want 1", ended.Load())
	}
}

func TestNewCommandOutputRejectsMissingBinary(t *testing.T) {
	if _, err := NewCommandOutput(""); err == nil {
		t.Fatalf("NewCommandOutput(empty) error = nil")
	}
	if _, err := NewCommandOutput("/definitely/missing/player -"); err == nil {
		t.Fatalf("NewCommandOutput(missing) error = nil")
	}
}
