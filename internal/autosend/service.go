package autosend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
)

var (
	ErrInvalidRequest = errors.New("auto-send needs text and at least one repetition")
	ErrActive         = errors.New("auto-send is already running for this session")

	errNothingToRetry = errors.New("no response follows the failed message")
)

// Generator is the part of the generation controller the loop drives.
type Generator interface {
	SendMessage(ctx context.Context, sessionID string, req generation.SendRequest) (*generation.Attempt, error)
	RegenerateResponseForUserMessage(ctx context.Context, sessionID, userMessageID string) (*generation.Attempt, error)
	Cancel(sessionID string)
	IsLoading(sessionID string) bool
	OnAttemptFinished(fn func(generation.AttemptFinished)) func()
}

type Sessions interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
}

type Config struct {
	RepeatDelay    time.Duration
	RetryCountdown time.Duration
	CountdownTick  time.Duration
}

// State is the UI view of one session's loop.
type State struct {
	SessionID        string `json:"session_id"`
	Active           bool   `json:"active"`
	Remaining        int    `json:"remaining"`
	Preparing        bool   `json:"preparing"`
	WaitingForRetry  bool   `json:"waiting_for_retry"`
	CountdownSeconds int    `json:"countdown_seconds"`
	Text             string `json:"text,omitempty"`
	CharacterID      string `json:"character_id,omitempty"`
}

type loop struct {
	sessionID   string
	text        string
	characterID string
	remaining   int

	awaiting    bool
	preparing   bool
	waiting     bool
	countdown   time.Duration
	retryUserID string

	gen      uint64
	timer    *time.Timer
	tickStop chan struct{}
}

func (l *loop) state() State {
	st := State{
		SessionID:       l.sessionID,
		Active:          true,
		Remaining:       l.remaining,
		Preparing:       l.preparing,
		WaitingForRetry: l.waiting,
		Text:            l.text,
		CharacterID:     l.characterID,
	}
	if l.waiting {
		st.CountdownSeconds = int((l.countdown + time.Second - 1) / time.Second)
	}
	return st
}

// Service runs at most one repeat-send loop per session. The loop only
// moves on when the attempt it started has finished.
type Service struct {
	mu       sync.Mutex
	gen      Generator
	sessions Sessions
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	loops    map[string]*loop
	last     map[string]State
	seq      uint64

	onState     func(State)
	notify      func(sessionID, level, text string)
	unsubscribe func()
}

func NewService(gen Generator, sessions Sessions, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RepeatDelay <= 0 {
		cfg.RepeatDelay = time.Second
	}
	if cfg.RetryCountdown <= 0 {
		cfg.RetryCountdown = 30 * time.Second
	}
	if cfg.CountdownTick <= 0 {
		cfg.CountdownTick = time.Second
	}
	s := &Service{
		gen:      gen,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		loops:    make(map[string]*loop),
		last:     make(map[string]State),
	}
	s.unsubscribe = gen.OnAttemptFinished(s.handleFinished)
	return s
}

func (s *Service) SetStateHook(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Service) SetNotifier(fn func(sessionID, level, text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Start begins sending text repetitions times.
func (s *Service) Start(ctx context.Context, sessionID, text string, repetitions int, characterID string) (State, error) {
	if strings.TrimSpace(text) == "" || repetitions < 1 {
		return State{}, ErrInvalidRequest
	}

	s.mu.Lock()
	if _, ok := s.loops[sessionID]; ok {
		s.mu.Unlock()
		return State{}, ErrActive
	}
	if s.gen.IsLoading(sessionID) {
		s.mu.Unlock()
		return State{}, generation.ErrBusy
	}
	s.seq++
	l := &loop{
		sessionID:   sessionID,
		text:        text,
		characterID: characterID,
		remaining:   repetitions,
		gen:         s.seq,
	}
	s.loops[sessionID] = l
	err := s.sendLocked(ctx, l)
	if err != nil {
		s.stopLocked(l, false)
	}
	st := s.stateLocked(sessionID)
	hook := s.onState
	s.mu.Unlock()

	if err != nil {
		return State{}, err
	}
	s.metrics.AutoSend("started")
	s.logger.Info("auto-send started", zap.String("session_id", sessionID), zap.Int("repetitions", repetitions))
	if hook != nil {
		hook(st)
	}
	return st, nil
}

func (s *Service) sendLocked(ctx context.Context, l *loop) error {
	l.preparing = false
	l.awaiting = true
	_, err := s.gen.SendMessage(ctx, l.sessionID, generation.SendRequest{Text: l.text, CharacterID: l.characterID})
	if err != nil {
		l.awaiting = false
		return err
	}
	s.metrics.AutoSend("sent")
	return nil
}

// Stop halts the session's loop. A user stop also cancels the generation
// the loop is waiting on and resets the remaining count.
func (s *Service) Stop(sessionID string, byUser bool) {
	s.mu.Lock()
	l, ok := s.loops[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	awaiting := l.awaiting
	s.stopLocked(l, byUser)
	st := s.stateLocked(sessionID)
	hook := s.onState
	s.mu.Unlock()

	if byUser && awaiting && s.gen.IsLoading(sessionID) {
		s.gen.Cancel(sessionID)
	}
	s.metrics.AutoSend("stopped")
	s.logger.Info("auto-send stopped", zap.String("session_id", sessionID), zap.Bool("by_user", byUser))
	if hook != nil {
		hook(st)
	}
}

// SwitchSession stops every loop that does not belong to sessionID.
func (s *Service) SwitchSession(sessionID string) {
	s.mu.Lock()
	var others []string
	for id := range s.loops {
		if id != sessionID {
			others = append(others, id)
		}
	}
	s.mu.Unlock()
	for _, id := range others {
		s.Stop(id, false)
	}
}

// State returns the live loop state, or the last state of a stopped loop.
func (s *Service) State(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(sessionID)
}

func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id, false)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Service) stateLocked(sessionID string) State {
	if l, ok := s.loops[sessionID]; ok {
		return l.state()
	}
	if st, ok := s.last[sessionID]; ok {
		return st
	}
	return State{SessionID: sessionID}
}

func (s *Service) stopLocked(l *loop, byUser bool) {
	l.gen = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.tickStop != nil {
		close(l.tickStop)
		l.tickStop = nil
	}
	if byUser {
		l.remaining = 0
	}
	delete(s.loops, l.sessionID)
	s.last[l.sessionID] = State{SessionID: l.sessionID, Remaining: l.remaining, Text: l.text, CharacterID: l.characterID}
}

func (s *Service) handleFinished(evt generation.AttemptFinished) {
	s.mu.Lock()
	l, ok := s.loops[evt.SessionID]
	if !ok || !l.awaiting {
		s.mu.Unlock()
		return
	}
	l.awaiting = false

	var (
		event  string
		notice string
	)
	switch evt.Outcome {
	case generation.OutcomeAborted:
		s.stopLocked(l, false)
		event = "aborted"
	case generation.OutcomeErrored:
		userID, err := s.causingUserMessage(evt.SessionID, evt.MessageID)
		if err != nil {
			s.stopLocked(l, false)
			event = "stopped"
			notice = "Auto-send stopped: the message that failed could not be found."
			break
		}
		l.retryUserID = userID
		l.waiting = true
		l.countdown = s.cfg.RetryCountdown
		s.startCountdownLocked(l)
		event = "retry_scheduled"
	default:
		l.remaining--
		if l.remaining <= 0 {
			l.remaining = 0
			s.stopLocked(l, false)
			event = "completed"
			break
		}
		l.preparing = true
		gen := l.gen
		l.timer = time.AfterFunc(s.cfg.RepeatDelay, func() { s.nextRepetition(evt.SessionID, gen) })
		event = "repetition_done"
	}
	st := s.stateLocked(evt.SessionID)
	hook, notify := s.onState, s.notify
	s.mu.Unlock()

	s.metrics.AutoSend(event)
	if notice != "" && notify != nil {
		notify(evt.SessionID, "warning", notice)
	}
	if hook != nil {
		hook(st)
	}
}

func (s *Service) causingUserMessage(sessionID, messageID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	idx := sess.IndexOf(messageID)
	if idx < 0 {
		return "", session.ErrNotFound
	}
	userIdx := sess.PrecedingUserIndex(idx)
	if userIdx < 0 {
		return "", session.ErrNotFound
	}
	return sess.Messages[userIdx].ID, nil
}

func (s *Service) startCountdownLocked(l *loop) {
	stop := make(chan struct{})
	l.tickStop = stop
	gen := l.gen
	sessionID := l.sessionID
	tick := s.cfg.CountdownTick
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if done := s.countdownTick(sessionID, gen, tick); done {
					return
				}
			}
		}
	}()
}

// countdownTick advances the retry countdown and reports whether it is over.
func (s *Service) countdownTick(sessionID string, gen uint64, tick time.Duration) bool {
	s.mu.Lock()
	l, ok := s.loops[sessionID]
	if !ok || l.gen != gen || !l.waiting {
		s.mu.Unlock()
		return true
	}
	l.countdown -= tick
	if l.countdown > 0 {
		st := l.state()
		hook := s.onState
		s.mu.Unlock()
		if hook != nil {
			hook(st)
		}
		return false
	}

	l.waiting = false
	l.countdown = 0
	l.tickStop = nil
	l.awaiting = true
	attempt, err := s.gen.RegenerateResponseForUserMessage(context.Background(), sessionID, l.retryUserID)
	if err == nil && attempt == nil {
		err = errNothingToRetry
	}
	if err != nil {
		l.awaiting = false
		s.stopLocked(l, false)
	}
	st := s.stateLocked(sessionID)
	hook, notify := s.onState, s.notify
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("auto-send retry failed", zap.String("session_id", sessionID), zap.Error(err))
		s.metrics.AutoSend("stopped")
		if notify != nil {
			notify(sessionID, "warning", "Auto-send stopped: retry could not start.")
		}
	} else {
		s.metrics.AutoSend("retried")
	}
	if hook != nil {
		hook(st)
	}
	return true
}

func (s *Service) nextRepetition(sessionID string, gen uint64) {
	s.mu.Lock()
	l, ok := s.loops[sessionID]
	if !ok || l.gen != gen || !l.preparing {
		s.mu.Unlock()
		return
	}
	l.timer = nil
	err := s.sendLocked(context.Background(), l)
	if err != nil {
		s.stopLocked(l, false)
	}
	st := s.stateLocked(sessionID)
	hook, notify := s.onState, s.notify
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("auto-send repetition failed", zap.String("session_id", sessionID), zap.Error(err))
		s.metrics.AutoSend("stopped")
		if notify != nil {
			notify(sessionID, "warning", "Auto-send stopped: "+err.Error())
		}
	}
	if hook != nil {
		hook(st)
	}
}
