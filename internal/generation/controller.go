package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/policy"
	"github.com/ent0n29/parley/internal/session"
)

var (
	ErrBusy          = errors.New("a generation is already in flight for this session")
	ErrInvalidTarget = errors.New("invalid generation target")
	ErrEmptyMessage  = errors.New("message needs text or attachments")
	ErrCharacterMode = errors.New("not available in character mode")
	ErrEmptySession  = errors.New("session has no messages")
)

// silentFailureText replaces a placeholder when a call returns neither text nor an error.
const silentFailureText = "Error: processing failed, the response stream ended unexpectedly without any content."

type Kind string

const (
	KindSend           Kind = "send"
	KindRegenerate     Kind = "regenerate"
	KindContinuePrefix Kind = "continue_prefix"
	KindPersona        Kind = "persona"
)

type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeErrored   Outcome = "errored"
	OutcomeAborted   Outcome = "aborted"
)

// AttemptFinished is emitted exactly once per attempt.
type AttemptFinished struct {
	SessionID string
	MessageID string
	Kind      Kind
	Outcome   Outcome
	Err       string
	Elapsed   time.Duration
}

// Status is the per-session loading view.
type Status struct {
	SessionID        string        `json:"session_id"`
	IsLoading        bool          `json:"is_loading"`
	PendingMessageID string        `json:"pending_message_id,omitempty"`
	Elapsed          time.Duration `json:"-"`
	ElapsedMs        int64         `json:"elapsed_ms"`
	ElapsedText      string        `json:"elapsed_text"`
}

// Sessions is the subset of the session manager the controller writes through.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Update(ctx context.Context, sessionID string, fn func(*session.Session) error) (session.Session, error)
	GetMetadataJSON(ctx context.Context, key string, v any) (bool, error)
	SetMetadataJSON(ctx context.Context, key string, v any) error
}

type Config struct {
	DefaultModel       string
	PersonaInstruction string
	StoreTimeout       time.Duration
}

// Attempt is the caller's handle on one in-flight generation.
type Attempt struct {
	SessionID string
	MessageID string
	Kind      Kind
	done      chan struct{}
}

// Done is closed once the attempt is finalized, errored or aborted.
func (a *Attempt) Done() <-chan struct{} { return a.done }

func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attempt struct {
	token           uint64
	sessionID       string
	messageID       string
	kind            Kind
	cancel          context.CancelFunc
	snapshot        *session.Message
	prefix          string
	startedAt       time.Time
	cancelledByUser bool
	handle          *Attempt
}

type sessionState struct {
	active        *attempt
	lastConfigKey string
}

// Controller owns the single in-flight generation slot of every session.
// All slot transitions happen under mu; completion callbacks carry the token
// of the attempt they belong to and are dropped when it is no longer active.
type Controller struct {
	mu        sync.Mutex
	sessions  Sessions
	clients   *gateway.ClientCache
	logger    *zap.Logger
	metrics   *observability.Metrics
	cfg       Config
	states    map[string]*sessionState
	nextToken uint64
	timesMu   sync.Mutex

	hookMu            sync.RWMutex
	onFinalized       func(sessionID string, msg session.Message)
	onMessagesChanged func(sessionID string, messageIDs []string)
	onLoadingChanged  func(Status)
	listeners         map[int]func(AttemptFinished)
	nextListener      int
}

func NewController(sessions Sessions, clients *gateway.ClientCache, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.PersonaInstruction) == "" {
		cfg.PersonaInstruction = DefaultPersonaInstruction
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &Controller{
		sessions:  sessions,
		clients:   clients,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		states:    make(map[string]*sessionState),
		listeners: make(map[int]func(AttemptFinished)),
	}
}

// SetFinalizedHook registers the callback fired when a message receives its final content.
func (c *Controller) SetFinalizedHook(fn func(sessionID string, msg session.Message)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onFinalized = fn
}

// SetMessagesChangedHook registers the callback fired when messages are
// removed or have their content replaced, so dependent caches can drop them.
func (c *Controller) SetMessagesChangedHook(fn func(sessionID string, messageIDs []string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onMessagesChanged = fn
}

func (c *Controller) SetLoadingHook(fn func(Status)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onLoadingChanged = fn
}

// OnAttemptFinished subscribes fn to every attempt outcome. The returned
// function unsubscribes.
func (c *Controller) OnAttemptFinished(fn func(AttemptFinished)) func() {
	c.hookMu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.hookMu.Unlock()
	return func() {
		c.hookMu.Lock()
		defer c.hookMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) IsLoading(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[sessionID]
	return st != nil && st.active != nil
}

func (c *Controller) Status(sessionID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(sessionID)
}

func (c *Controller) statusLocked(sessionID string) Status {
	out := Status{SessionID: sessionID}
	st := c.states[sessionID]
	if st == nil || st.active == nil {
		return out
	}
	out.IsLoading = true
	out.PendingMessageID = st.active.messageID
	out.Elapsed = time.Since(st.active.startedAt)
	out.ElapsedMs = out.Elapsed.Milliseconds()
	out.ElapsedText = FormatElapsed(out.Elapsed)
	return out
}

func (c *Controller) stateLocked(sessionID string) *sessionState {
	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{}
		c.states[sessionID] = st
	}
	return st
}

func (c *Controller) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
}

// plan is everything an attempt needs once its placeholder is in place.
type plan struct {
	messageID   string
	snapshot    *session.Message
	prefix      string
	history     []gateway.Content
	current     gateway.Content
	persona     bool
	instruction string
	instanceKey string
	model       string
	config      gateway.GenerationConfig
	changedIDs  []string
	removedIDs  []string
}

// begin atomically claims the session's slot and applies prepare to the
// latest stored session. prepare must insert or reset the placeholder and
// return the plan for the gateway call.
func (c *Controller) begin(ctx context.Context, sessionID string, kind Kind, prepare func(*session.Session) (plan, error)) (*Attempt, error) {
	c.mu.Lock()
	st := c.stateLocked(sessionID)
	if st.active != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}

	var p plan
	_, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		var err error
		p, err = prepare(s)
		return err
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	configKey := p.model + "|" + gateway.SettingsHash(p.config)
	if !p.persona && p.instanceKey == sessionID {
		if st.lastConfigKey != "" && st.lastConfigKey != configKey {
			n := c.clients.InvalidateSession(sessionID)
			c.logger.Debug("settings changed, dropped cached clients", zap.String("session_id", sessionID), zap.Int("clients", n))
		}
		st.lastConfigKey = configKey
	}

	c.nextToken++
	runCtx, cancel := context.WithCancel(context.Background())
	att := &attempt{
		token:     c.nextToken,
		sessionID: sessionID,
		messageID: p.messageID,
		kind:      kind,
		cancel:    cancel,
		snapshot:  p.snapshot,
		prefix:    p.prefix,
		startedAt: time.Now(),
		handle: &Attempt{
			SessionID: sessionID,
			MessageID: p.messageID,
			Kind:      kind,
			done:      make(chan struct{}),
		},
	}
	st.active = att
	status := c.statusLocked(sessionID)
	c.mu.Unlock()

	if len(p.removedIDs) > 0 {
		c.deleteGenerationTimes(sessionID, p.removedIDs...)
	}
	c.messagesChanged(sessionID, append(append([]string(nil), p.changedIDs...), p.removedIDs...))
	c.loadingChanged(status)
	c.logger.Info("generation started",
		zap.String("session_id", sessionID),
		zap.String("message_id", p.messageID),
		zap.String("kind", string(kind)),
		zap.String("model", p.model),
	)
	c.logger.Debug("generation prompt",
		zap.String("message_id", p.messageID),
		zap.String("text", policy.LogText(p.current.Text(), 160)),
		zap.Int("history", len(p.history)),
	)

	go c.run(runCtx, att, p)
	return att.handle, nil
}

func (c *Controller) run(ctx context.Context, att *attempt, p plan) {
	var (
		res gateway.ChatResult
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("generation panicked", zap.Any("panic", r), zap.String("session_id", att.sessionID))
			c.finish(att, gateway.ChatResult{}, nil)
			return
		}
		c.finish(att, res, err)
	}()

	client := c.clients.Get(p.instanceKey, p.model, p.config)
	if p.persona {
		res.Text, err = client.Persona(ctx, p.history, p.instruction)
		return
	}
	res, err = client.Send(ctx, p.history, p.current)
}

// finish reconciles a gateway result into the placeholder, once.
func (c *Controller) finish(att *attempt, res gateway.ChatResult, callErr error) {
	c.mu.Lock()
	st := c.states[att.sessionID]
	if st == nil || st.active == nil || st.active.token != att.token {
		c.mu.Unlock()
		c.logger.Debug("dropping stale generation result",
			zap.String("session_id", att.sessionID),
			zap.String("message_id", att.messageID),
		)
		return
	}
	st.active = nil
	elapsed := time.Since(att.startedAt)

	// Only a user cancel reverts; an abort from anywhere else is an error.
	if callErr != nil && gateway.IsAbort(callErr) && att.cancelledByUser {
		removed := c.revertLocked(att)
		status := c.statusLocked(att.sessionID)
		c.mu.Unlock()
		c.afterAbort(att, removed, status, elapsed)
		return
	}

	outcome := OutcomeFinalized
	errText := ""
	switch {
	case callErr != nil:
		outcome = OutcomeErrored
		errText = gateway.FormatError(callErr)
		var gwErr *gateway.Error
		if errors.As(callErr, &gwErr) {
			c.metrics.GatewayError(gwErr.Op, string(gwErr.Kind))
		}
	case strings.TrimSpace(res.Text) == "":
		outcome = OutcomeErrored
		errText = silentFailureText
	}

	var final session.Message
	ctx, cancel := c.storeCtx()
	_, err := c.sessions.Update(ctx, att.sessionID, func(s *session.Session) error {
		msg := s.FindMessage(att.messageID)
		if msg == nil {
			return ErrInvalidTarget
		}
		msg.IsStreaming = false
		if outcome == OutcomeErrored {
			msg.Role = session.RoleError
			msg.Content = errText
			msg.Citations = nil
		} else {
			if att.kind == KindPersona {
				msg.Role = session.RoleUser
			} else {
				msg.Role = session.RoleModel
			}
			msg.Content = att.prefix + res.Text
			msg.Citations = res.Citations
		}
		msg.AudioBuffers = nil
		final = msg.Clone()
		return nil
	})
	cancel()
	status := c.statusLocked(att.sessionID)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("finalize write failed", zap.String("session_id", att.sessionID), zap.String("message_id", att.messageID), zap.Error(err))
	} else {
		c.recordGenerationTime(att.sessionID, att.messageID, elapsed)
	}

	c.metrics.ObserveGeneration(string(att.kind), string(outcome), elapsed)
	c.logger.Info("generation finished",
		zap.String("session_id", att.sessionID),
		zap.String("message_id", att.messageID),
		zap.String("outcome", string(outcome)),
		zap.Duration("elapsed", elapsed),
	)

	if err == nil {
		c.finalized(att.sessionID, final)
	}
	c.loadingChanged(status)
	c.emit(AttemptFinished{
		SessionID: att.sessionID,
		MessageID: att.messageID,
		Kind:      att.kind,
		Outcome:   outcome,
		Err:       errText,
		Elapsed:   elapsed,
	})
	close(att.handle.done)
}

// revertLocked restores the pre-attempt snapshot or removes the placeholder.
// It reports whether the placeholder was removed.
func (c *Controller) revertLocked(att *attempt) bool {
	removed := false
	ctx, cancel := c.storeCtx()
	defer cancel()
	_, err := c.sessions.Update(ctx, att.sessionID, func(s *session.Session) error {
		idx := s.IndexOf(att.messageID)
		if idx < 0 {
			return nil
		}
		if att.snapshot != nil {
			s.Messages[idx] = att.snapshot.Clone()
			return nil
		}
		s.RemoveMessages(att.messageID)
		removed = true
		return nil
	})
	if err != nil {
		c.logger.Warn("revert after cancel failed", zap.String("session_id", att.sessionID), zap.Error(err))
	}
	return removed
}

// Cancel aborts the session's in-flight attempt, if any. It is idempotent.
func (c *Controller) Cancel(sessionID string) {
	c.mu.Lock()
	st := c.states[sessionID]
	if st == nil || st.active == nil {
		status := c.statusLocked(sessionID)
		c.mu.Unlock()
		c.loadingChanged(status)
		return
	}
	att := st.active
	st.active = nil
	att.cancelledByUser = true
	att.cancel()
	removed := c.revertLocked(att)
	status := c.statusLocked(sessionID)
	c.mu.Unlock()

	c.afterAbort(att, removed, status, time.Since(att.startedAt))
}

func (c *Controller) afterAbort(att *attempt, removed bool, status Status, elapsed time.Duration) {
	if removed {
		c.messagesChanged(att.sessionID, []string{att.messageID})
	}
	c.metrics.ObserveGeneration(string(att.kind), string(OutcomeAborted), elapsed)
	c.logger.Info("generation aborted",
		zap.String("session_id", att.sessionID),
		zap.String("message_id", att.messageID),
		zap.Bool("by_user", att.cancelledByUser),
		zap.Bool("placeholder_removed", removed),
	)
	c.loadingChanged(status)
	c.emit(AttemptFinished{
		SessionID: att.sessionID,
		MessageID: att.messageID,
		Kind:      att.kind,
		Outcome:   OutcomeAborted,
		Elapsed:   elapsed,
	})
	close(att.handle.done)
}

// Close cancels every in-flight attempt.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.states))
	for id, st := range c.states {
		if st.active != nil {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id)
	}
}

// Forget drops per-session bookkeeping, e.g. after the session is deleted.
func (c *Controller) Forget(sessionID string) {
	c.Cancel(sessionID)
	c.mu.Lock()
	delete(c.states, sessionID)
	c.mu.Unlock()
	c.clients.InvalidateSession(sessionID)
}

func (c *Controller) finalized(sessionID string, msg session.Message) {
	c.hookMu.RLock()
	fn := c.onFinalized
	c.hookMu.RUnlock()
	if fn != nil {
		fn(sessionID, msg)
	}
}

func (c *Controller) messagesChanged(sessionID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	c.hookMu.RLock()
	fn := c.onMessagesChanged
	c.hookMu.RUnlock()
	if fn != nil {
		fn(sessionID, ids)
	}
}

func (c *Controller) loadingChanged(status Status) {
	c.hookMu.RLock()
	fn := c.onLoadingChanged
	c.hookMu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

func (c *Controller) emit(evt AttemptFinished) {
	c.hookMu.RLock()
	fns := make([]func(AttemptFinished), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.hookMu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// FormatElapsed renders a generation duration for display, e.g. "4.2s" or "1m 05s".
func FormatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%dm %02ds", m, s)
}
