package tts

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/session"
)

// Player is what AutoPlay triggers.
type Player interface {
	PlayOrFetch(ctx context.Context, sessionID, messageID string, part int, opts PlayOptions) error
}

// AutoPlay speaks each newly finalized model message once, after a debounce.
type AutoPlay struct {
	mu       sync.Mutex
	player   Player
	enabled  func(ctx context.Context, sessionID string) bool
	debounce time.Duration
	logger   *zap.Logger

	sessionID string
	seen      map[string]struct{}
	timer     *time.Timer
	gen       uint64
}

// NewAutoPlay builds the trigger. enabled reports whether the session has
// auto-play switched on and is consulted when the debounce fires.
func NewAutoPlay(player Player, enabled func(ctx context.Context, sessionID string) bool, debounce time.Duration, logger *zap.Logger) *AutoPlay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoPlay{
		player:   player,
		enabled:  enabled,
		debounce: debounce,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// OnFinalized considers msg for auto-play when it belongs to the current
// session. Only the first call per message id counts, and a newer message
// replaces a pending one.
func (a *AutoPlay) OnFinalized(sessionID string, msg session.Message) {
	if msg.Role != session.RoleModel || msg.IsStreaming || strings.TrimSpace(msg.Content) == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" || sessionID != a.sessionID {
		return
	}
	if _, ok := a.seen[msg.ID]; ok {
		return
	}
	a.seen[msg.ID] = struct{}{}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	messageID := msg.ID
	a.timer = time.AfterFunc(a.debounce, func() { a.fire(gen, sessionID, messageID) })
}

func (a *AutoPlay) fire(gen uint64, sessionID, messageID string) {
	a.mu.Lock()
	stale := gen != a.gen || sessionID != a.sessionID
	a.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.enabled != nil && !a.enabled(ctx, sessionID) {
		return
	}
	if err := a.player.PlayOrFetch(ctx, sessionID, messageID, 0, PlayOptions{PlayWhenReady: true}); err != nil {
		a.logger.Debug("auto-play skipped", zap.String("message_id", messageID), zap.Error(err))
	}
}

// SwitchSession forgets every considered message and drops a pending trigger.
func (a *AutoPlay) SwitchSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.sessionID = sessionID
	a.seen = make(map[string]struct{})
}

// Considered reports whether messageID has already been seen.
func (a *AutoPlay) Considered(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[messageID]
	return ok
}
