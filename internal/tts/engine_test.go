package tts

import (
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/audio"
)

// fakeOutput records every Start and lets tests end streams by hand.
type fakeOutput struct {
	mu     sync.Mutex
	starts []*fakeStream
}

type fakeStream struct {
	offset  time.Duration
	rate    float64
	onEnded func()

	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (o *fakeOutput) Start(_ audio.Buffer, offset time.Duration, rate float64, onEnded func()) (audio.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeStream{offset: offset, rate: rate, onEnded: onEnded}
	o.starts = append(o.starts, s)
	return s, nil
}

func (o *fakeOutput) last() *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.starts) == 0 {
		return nil
	}
	return o.starts[len(o.starts)-1]
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.starts)
}

// pcmOf returns silent PCM lasting d at the default sample rate.
func pcmOf(d time.Duration) []byte {
	n := int(d.Seconds() * audio.DefaultSampleRate)
	return make([]byte, n*2)
}

func TestEnginePauseResumeSeek(t *testing.T) {
	out := &fakeOutput{}
	e := NewEngine(out, 0, 0, nil)
	target := Target{SessionID: "s", MessageID: "m", Part: 0, Total: 1}

	if err := e.Play(target, pcmOf(4*time.Second), time.Second); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	st := e.State()
	if st.Status != StatusPlaying || st.Duration != 4*time.Second || st.SegmentKey != "m" {
		t.Fatalf("State() after Play = %+v", st)
	}
	if got := out.last().offset; got != time.Second {
		t.Fatalf("start offset = %v, want 1s", got)
	}

	e.Pause()
	first := out.last()
	if !first.isStopped() {
		t.Fatalf("Pause() did not stop the stream")
	}
	paused := e.State()
	if paused.Status != StatusPaused || paused.CurrentTime < time.Second {
		t.Fatalf("State() after Pause = %+v", paused)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.count() != 2 || out.last().offset != paused.CurrentTime {
		t.Fatalf("Resume() restarted at %v, want %v", out.last().offset, paused.CurrentTime)
	}

	if err := e.SeekAbsolute(10 * time.Second); err != nil {
		t.Fatalf("SeekAbsolute() error = %v", err)
	}
	if got := out.last().offset; got != 4*time.Second {
		t.Fatalf("seek past end offset = %v, want clamp to 4s", got)
	}
	if err := e.SeekRelative(-time.Hour); err != nil {
		t.Fatalf("SeekRelative() error = %v", err)
	}
	if got := out.last().offset; got != 0 {
		t.Fatalf("seek before start offset = %v, want 0", got)
	}
}

func TestEngineChangeSpeedStepsAndClamps(t *testing.T) {
	out := &fakeOutput{}
	e := NewEngine(out, 0, 0, nil)
	if err := e.Play(Target{SessionID: "s", MessageID: "m", Total: 1}, pcmOf(2*time.Second), 0); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	rate, err := e.ChangeSpeed(1)
	if err != nil || rate != 1.25 {
		t.Fatalf("ChangeSpeed(+1) = %v, %v; want 1.25", rate, err)
	}
	if out.count() != 2 || out.last().rate != 1.25 {
		t.Fatalf("speed change did not restart at new rate: %+v", out.last())
	}
	for i := 0; i < 10; i++ {
		rate, _ = e.ChangeSpeed(1)
	}
	if rate != 2 {
		t.Fatalf("rate after many steps up = %v, want 2", rate)
	}
	for i := 0; i < 10; i++ {
		rate, _ = e.ChangeSpeed(-1)
	}
	if rate != 0.5 {
		t.Fatalf("rate after many steps down = %v, want 0.5", rate)
	}
}

func TestEngineSwitchTargetTearsDownPrevious(t *testing.T) {
	out := &fakeOutput{}
	e := NewEngine(out, 0, 0, nil)
	var left []string
	e.SetTargetLeftHook(func(old Target, next *Target) {
		if next == nil {
			left = append(left, old.Key()+"->nil")
			return
		}
		left = append(left, old.Key()+"->"+next.Key())
	})

	x := Target{SessionID: "s", MessageID: "x", Total: 1}
	y := Target{SessionID: "s", MessageID: "y", Total: 1}
	if err := e.Play(x, pcmOf(time.Second), 0); err != nil {
		t.Fatalf("Play(x) error = %v", err)
	}
	xs := out.last()
	e.SetLoading(y)
	if !xs.isStopped() {
		t.Fatalf("switching target left x playing")
	}
	if st := e.State(); st.Status != StatusLoading || st.SegmentKey != "y" {
		t.Fatalf("State() after SetLoading(y) = %+v", st)
	}

	// A late end of x must not advance anything.
	advanced := false
	e.SetAutoAdvanceHook(func(Target) { advanced = true })
	xs.onEnded()
	if advanced {
		t.Fatalf("stale stream end fired auto-advance")
	}

	e.StopAndClear()
	if _, ok := e.Current(); ok {
		t.Fatalf("Current() still set after StopAndClear")
	}
	if len(left) != 2 || left[0] != "x->y" || left[1] != "y->nil" {
		t.Fatalf("target-left calls = %v", left)
	}
}

func TestEngineNaturalEndAdvances(t *testing.T) {
	out := &fakeOutput{}
	e := NewEngine(out, 0, 0, nil)
	var finished []Target
	e.SetAutoAdvanceHook(func(t Target) { finished = append(finished, t) })

	target := Target{SessionID: "s", MessageID: "m", Part: 0, Total: 2}
	if err := e.Play(target, pcmOf(time.Second), 0); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	out.last().onEnded()
	if len(finished) != 1 || finished[0] != target {
		t.Fatalf("auto-advance calls = %+v", finished)
	}
	if e.IsPlaying() {
		t.Fatalf("IsPlaying() = true after natural end")
	}
	if st := e.State(); st.CurrentTime != st.Duration {
		t.Fatalf("position after end = %v, want %v", st.CurrentTime, st.Duration)
	}
	if err := e.Resume(); err != nil || out.last().offset != 0 {
		t.Fatalf("Resume() after end should restart from 0, err = %v", err)
	}
}

func TestEngineResumeWithoutTarget(t *testing.T) {
	e := NewEngine(&fakeOutput{}, 0, 0, nil)
	if err := e.Resume(); err != ErrNoTarget {
		t.Fatalf("Resume() error = %v, want %v", err, ErrNoTarget)
	}
	if err := e.Play(Target{MessageID: "m", Total: 1}, nil, 0); err != audio.ErrEmptyAudio {
		t.Fatalf("Play(empty) error = %v, want %v", err, audio.ErrEmptyAudio)
	}
}

func TestEnginePlayReleasesOldTargetBeforeStarting(t *testing.T) {
	out := &fakeOutput{}
	e := NewEngine(out, 0, 0, nil)
	x := Target{SessionID: "s", MessageID: "x", Total: 1}
	y := Target{SessionID: "s", MessageID: "y", Total: 1}
	if err := e.Play(x, pcmOf(time.Second), 0); err != nil {
		t.Fatalf("Play(x) error = %v", err)
	}

	startsAtHook := -1
	e.SetTargetLeftHook(func(old Target, next *Target) {
		if old.Key() == "x" && next != nil && next.Key() == "y" {
			startsAtHook = out.count()
		}
	})
	if err := e.Play(y, pcmOf(time.Second), 0); err != nil {
		t.Fatalf("Play(y) error = %v", err)
	}
	if startsAtHook != 1 {
		t.Fatalf("output starts when x was released = %d, want 1", startsAtHook)
	}
	if out.count() != 2 || !e.IsPlaying() {
		t.Fatalf("y not playing after switch: starts = %d", out.count())
	}
}
