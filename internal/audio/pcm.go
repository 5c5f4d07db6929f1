package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	DefaultSampleRate = 24000
	bytesPerSample    = 2
)

var ErrEmptyAudio = errors.New("audio buffer is empty")

// Buffer is decoded mono audio ready for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// DecodePCM16LE converts raw signed 16-bit little-endian mono PCM into samples
// in [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return Buffer{}, ErrEmptyAudio
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// From returns the buffer starting at offset, clamped to the buffer bounds.
func (b Buffer) From(offset time.Duration) Buffer {
	if offset <= 0 {
		return b
	}
	idx := int(offset.Seconds() * float64(b.SampleRate))
	if idx >= len(b.Samples) {
		return Buffer{SampleRate: b.SampleRate}
	}
	return Buffer{Samples: b.Samples[idx:], SampleRate: b.SampleRate}
}

// PCM16LE encodes the samples back to raw PCM, clipping out-of-range values.
func (b Buffer) PCM16LE() []byte {
	out := make([]byte, len(b.Samples)*bytesPerSample)
	for i, s := range b.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// PCMDuration is the playback length of raw PCM16LE mono bytes.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return time.Duration(len(pcm)/bytesPerSample) * time.Second / time.Duration(sampleRate)
}
