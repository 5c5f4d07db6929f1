package tts

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/audio"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusCached  Status = "cached"
	StatusError   Status = "error"
)

// PlaybackRates are the speed steps ChangeSpeed moves through.
var PlaybackRates = []float64{0.5, 0.75, 1, 1.25, 1.5, 1.75, 2}

const defaultRateIndex = 2

var ErrNoTarget = errors.New("no audio segment is loaded")

// Target identifies one segment of one message.
type Target struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Part      int    `json:"part"`
	Total     int    `json:"total"`
}

func (t Target) Key() string { return SegmentKey(t.MessageID, t.Part, t.Total) }

// PlaybackState is the engine's view of the current target.
type PlaybackState struct {
	Target      *Target       `json:"target,omitempty"`
	SegmentKey  string        `json:"segment_key,omitempty"`
	Status      Status        `json:"status"`
	CurrentTime time.Duration `json:"current_time"`
	Duration    time.Duration `json:"duration"`
	Rate        float64       `json:"rate"`
	Error       string        `json:"error,omitempty"`
}

// Engine plays at most one segment at a time through a single Output.
// The output has no native pause, so pause, seek and speed changes stop the
// stream and start a new one from the computed offset.
type Engine struct {
	mu         sync.Mutex
	out        audio.Output
	sampleRate int
	tick       time.Duration
	logger     *zap.Logger

	target   *Target
	loading  bool
	lastErr  string
	buf      audio.Buffer
	hasBuf   bool
	stream   audio.Stream
	playing  bool
	offset   time.Duration
	anchor   time.Time
	rateIdx  int
	gen      uint64
	playSeq  uint64
	tickStop chan struct{}

	hookMu       sync.RWMutex
	onAdvance    func(finished Target)
	onTargetLeft func(old Target, next *Target)
	onState      func(PlaybackState)
}

// NewEngine builds an engine. tick is the interval of position updates
// published while playing; zero disables them.
func NewEngine(out audio.Output, sampleRate int, tick time.Duration, logger *zap.Logger) *Engine {
	if out == nil {
		out = audio.NewTimerOutput()
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		out:        out,
		sampleRate: sampleRate,
		tick:       tick,
		logger:     logger,
		rateIdx:    defaultRateIndex,
	}
}

// SetAutoAdvanceHook registers the callback fired when a segment plays to its end.
func (e *Engine) SetAutoAdvanceHook(fn func(finished Target)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onAdvance = fn
}

// SetTargetLeftHook registers the callback fired after the engine abandons a
// target, either for another one (next != nil) or for nothing.
func (e *Engine) SetTargetLeftHook(fn func(old Target, next *Target)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onTargetLeft = fn
}

func (e *Engine) SetStateHook(fn func(PlaybackState)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onState = fn
}

// Current returns the targeted segment, if any.
func (e *Engine) Current() (Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.target == nil {
		return Target{}, false
	}
	return *e.target, true
}

func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// SetLoading targets t while its audio is being fetched.
func (e *Engine) SetLoading(t Target) {
	e.mu.Lock()
	left := e.switchTargetLocked(t)
	e.loading = true
	e.lastErr = ""
	state := e.stateLocked()
	e.mu.Unlock()

	e.targetLeft(left, &t)
	e.emit(state)
}

// ClearLoading drops the loading flag if t is still the target.
func (e *Engine) ClearLoading(t Target) {
	e.mu.Lock()
	if !e.isTargetLocked(t) || !e.loading {
		e.mu.Unlock()
		return
	}
	e.loading = false
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
}

// SetError records a fetch failure if t is still the target.
func (e *Engine) SetError(t Target, msg string) {
	e.mu.Lock()
	if !e.isTargetLocked(t) {
		e.mu.Unlock()
		return
	}
	e.loading = false
	e.lastErr = msg
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
}

// Play decodes pcm and starts it from offset, replacing whatever was targeted.
// The target-left hook for the replaced target runs before output starts.
func (e *Engine) Play(t Target, pcm []byte, offset time.Duration) error {
	buf, err := audio.DecodePCM16LE(pcm, e.sampleRate)
	if err != nil {
		return err
	}

	e.mu.Lock()
	left := e.switchTargetLocked(t)
	e.stopStreamLocked()
	e.buf = buf
	e.hasBuf = true
	e.loading = false
	e.lastErr = ""
	e.offset = clamp(offset, 0, buf.Duration())
	e.playSeq++
	seq := e.playSeq
	e.mu.Unlock()

	e.targetLeft(left, &t)

	e.mu.Lock()
	if seq != e.playSeq || !e.isTargetLocked(t) {
		// Superseded while the hook ran.
		e.mu.Unlock()
		return nil
	}
	if !e.playing {
		err = e.startLocked()
	}
	state := e.stateLocked()
	e.mu.Unlock()

	e.emit(state)
	if err == nil {
		e.logger.Debug("segment playing", zap.String("segment", t.Key()), zap.Duration("duration", buf.Duration()))
	}
	return err
}

func (e *Engine) Pause() {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return
	}
	pos := e.positionLocked()
	e.stopStreamLocked()
	e.offset = pos
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.playing {
		e.mu.Unlock()
		return nil
	}
	if !e.hasBuf {
		e.mu.Unlock()
		return ErrNoTarget
	}
	if e.offset >= e.buf.Duration() {
		e.offset = 0
	}
	err := e.startLocked()
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
	return err
}

func (e *Engine) SeekRelative(delta time.Duration) error {
	e.mu.Lock()
	pos := e.positionLocked()
	e.mu.Unlock()
	return e.SeekAbsolute(pos + delta)
}

// SeekAbsolute moves to pos, clamped to the segment bounds.
func (e *Engine) SeekAbsolute(pos time.Duration) error {
	e.mu.Lock()
	if !e.hasBuf {
		e.mu.Unlock()
		return ErrNoTarget
	}
	pos = clamp(pos, 0, e.buf.Duration())
	var err error
	if e.playing {
		e.stopStreamLocked()
		e.offset = pos
		err = e.startLocked()
	} else {
		e.offset = pos
	}
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
	return err
}

// ChangeSpeed steps the playback rate up (direction > 0) or down
// (direction < 0), keeping the position continuous.
func (e *Engine) ChangeSpeed(direction int) (float64, error) {
	e.mu.Lock()
	idx := e.rateIdx
	switch {
	case direction > 0 && idx < len(PlaybackRates)-1:
		idx++
	case direction < 0 && idx > 0:
		idx--
	}
	if idx == e.rateIdx {
		rate := PlaybackRates[idx]
		e.mu.Unlock()
		return rate, nil
	}

	var err error
	if e.playing {
		pos := e.positionLocked()
		e.stopStreamLocked()
		e.rateIdx = idx
		e.offset = pos
		err = e.startLocked()
	} else {
		e.rateIdx = idx
	}
	rate := PlaybackRates[e.rateIdx]
	state := e.stateLocked()
	e.mu.Unlock()
	e.emit(state)
	return rate, err
}

// StopAndClear stops output and forgets the target.
func (e *Engine) StopAndClear() {
	e.mu.Lock()
	if e.target == nil {
		e.mu.Unlock()
		return
	}
	old := *e.target
	e.clearLocked()
	state := e.stateLocked()
	e.mu.Unlock()

	e.targetLeft(&old, nil)
	e.emit(state)
}

// StopIfMessage clears the target when it belongs to one of messageIDs.
func (e *Engine) StopIfMessage(messageIDs ...string) bool {
	e.mu.Lock()
	if e.target == nil {
		e.mu.Unlock()
		return false
	}
	hit := false
	for _, id := range messageIDs {
		if e.target.MessageID == id {
			hit = true
			break
		}
	}
	e.mu.Unlock()
	if hit {
		e.StopAndClear()
	}
	return hit
}

// StopSession clears the target when it belongs to sessionID.
func (e *Engine) StopSession(sessionID string) bool {
	e.mu.Lock()
	hit := e.target != nil && e.target.SessionID == sessionID
	e.mu.Unlock()
	if hit {
		e.StopAndClear()
	}
	return hit
}

func (e *Engine) State() PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() PlaybackState {
	st := PlaybackState{Status: StatusIdle, Rate: PlaybackRates[e.rateIdx]}
	if e.target == nil {
		return st
	}
	t := *e.target
	st.Target = &t
	st.SegmentKey = t.Key()
	if e.hasBuf {
		st.Duration = e.buf.Duration()
		st.CurrentTime = e.positionLocked()
	}
	switch {
	case e.playing:
		st.Status = StatusPlaying
	case e.loading:
		st.Status = StatusLoading
	case e.lastErr != "":
		st.Status = StatusError
		st.Error = e.lastErr
	case e.hasBuf && e.offset > 0 && e.offset < e.buf.Duration():
		st.Status = StatusPaused
	case e.hasBuf:
		st.Status = StatusCached
	}
	return st
}

func (e *Engine) isTargetLocked(t Target) bool {
	return e.target != nil && e.target.SessionID == t.SessionID && e.target.Key() == t.Key()
}

// switchTargetLocked tears down the previous target when t differs from it
// and returns the abandoned target.
func (e *Engine) switchTargetLocked(t Target) *Target {
	if e.isTargetLocked(t) {
		e.target.Total = t.Total
		return nil
	}
	var old *Target
	if e.target != nil {
		prev := *e.target
		old = &prev
	}
	e.clearLocked()
	e.target = &t
	return old
}

func (e *Engine) clearLocked() {
	e.playSeq++
	e.stopStreamLocked()
	e.target = nil
	e.buf = audio.Buffer{}
	e.hasBuf = false
	e.loading = false
	e.lastErr = ""
	e.offset = 0
}

func (e *Engine) startLocked() error {
	e.gen++
	gen := e.gen
	rate := PlaybackRates[e.rateIdx]
	stream, err := e.out.Start(e.buf, e.offset, rate, func() { e.handleEnded(gen) })
	if err != nil {
		e.lastErr = err.Error()
		e.playing = false
		return err
	}
	e.stream = stream
	e.anchor = time.Now()
	e.playing = true
	e.startTickerLocked()
	return nil
}

func (e *Engine) stopStreamLocked() {
	if e.stream != nil {
		e.stream.Stop()
		e.stream = nil
	}
	if e.playing {
		e.gen++
	}
	e.playing = false
	e.stopTickerLocked()
}

func (e *Engine) positionLocked() time.Duration {
	if !e.playing {
		return e.offset
	}
	elapsed := time.Duration(float64(time.Since(e.anchor)) * PlaybackRates[e.rateIdx])
	return clamp(e.offset+elapsed, 0, e.buf.Duration())
}

func (e *Engine) handleEnded(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.playing || e.target == nil {
		e.mu.Unlock()
		return
	}
	e.stream = nil
	e.playing = false
	e.offset = e.buf.Duration()
	e.stopTickerLocked()
	finished := *e.target
	state := e.stateLocked()
	e.mu.Unlock()

	e.emit(state)
	e.hookMu.RLock()
	fn := e.onAdvance
	e.hookMu.RUnlock()
	if fn != nil {
		fn(finished)
	}
}

func (e *Engine) startTickerLocked() {
	e.stopTickerLocked()
	if e.tick <= 0 {
		return
	}
	stop := make(chan struct{})
	e.tickStop = stop
	go func() {
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				if e.tickStop != stop {
					e.mu.Unlock()
					return
				}
				state := e.stateLocked()
				e.mu.Unlock()
				e.emit(state)
			}
		}
	}()
}

func (e *Engine) stopTickerLocked() {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

func (e *Engine) targetLeft(old *Target, next *Target) {
	if old == nil {
		return
	}
	e.hookMu.RLock()
	fn := e.onTargetLeft
	e.hookMu.RUnlock()
	if fn != nil {
		fn(*old, next)
	}
}

func (e *Engine) emit(state PlaybackState) {
	e.hookMu.RLock()
	fn := e.onState
	e.hookMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
