package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stream is one running playback. Stop is idempotent, and once it returns the
// stream's end callback will not fire.
type Stream interface {
	Stop()
}

// Output is the single audio device. Start plays buf from offset at the given
// rate and calls onEnded when the audio runs out naturally.
type Output interface {
	Start(buf Buffer, offset time.Duration, rate float64, onEnded func()) (Stream, error)
}

// TimerOutput is a headless output that only tracks time.
type TimerOutput struct{}

func NewTimerOutput() *TimerOutput { return &TimerOutput{} }

func (TimerOutput) Start(buf Buffer, offset time.Duration, rate float64, onEnded func()) (Stream, error) {
	if rate <= 0 {
		rate = 1
	}
	remaining := buf.Duration() - offset
	if remaining < 0 {
		remaining = 0
	}
	s := &timerStream{}
	s.timer = time.AfterFunc(time.Duration(float64(remaining)/rate), func() {
		s.mu.Lock()
		stopped := s.stopped
		s.stopped = true
		s.mu.Unlock()
		if !stopped && onEnded != nil {
			onEnded()
		}
	})
	return s, nil
}

type timerStream struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (s *timerStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.timer.Stop()
}

// CommandOutput pipes each stream as WAV into an external player process,
// e.g. "ffplay -nodisp -autoexit -loglevel quiet -af atempo={rate} -".
// The literal {rate} in any argument is replaced with the playback rate.
type CommandOutput struct {
	argv []string
}

func NewCommandOutput(command string) (*CommandOutput, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("audio player command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("audio player %q: %w", argv[0], err)
	}
	return &CommandOutput{argv: argv}, nil
}

func (o *CommandOutput) Start(buf Buffer, offset time.Duration, rate float64, onEnded func()) (Stream, error) {
	if rate <= 0 {
		rate = 1
	}
	wav, err := EncodeWAVPCM16LE(buf.From(offset).PCM16LE(), buf.SampleRate)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(o.argv)-1)
	rateText := strconv.FormatFloat(rate, 'f', -1, 64)
	for _, a := range o.argv[1:] {
		args = append(args, strings.ReplaceAll(a, "{rate}", rateText))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, o.argv[0], args...)
	cmd.Stdin = bytes.NewReader(wav)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start audio player: %w", err)
	}

	s := &commandStream{cancel: cancel}
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		stopped := s.stopped
		s.stopped = true
		s.mu.Unlock()
		cancel()
		if !stopped && onEnded != nil {
			onEnded()
		}
	}()
	return s, nil
}

type commandStream struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func (s *commandStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}
