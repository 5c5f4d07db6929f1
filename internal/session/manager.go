package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const activeSessionKey = "active_session_id"

// Manager owns all session mutations. Every write goes through Update, which
// re-reads the latest stored value, so concurrent write paths never clobber
// each other with stale copies.
type Manager struct {
	mu       sync.Mutex
	store    Store
	logger   *zap.Logger
	defaults Settings
	onChange func(Session)
	onDelete func(string)
}

func NewManager(store Store, defaults Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		logger:   logger,
		defaults: defaults,
	}
}

// SetChangeHook registers a callback invoked after every successful write.
func (m *Manager) SetChangeHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

func (m *Manager) SetDeleteHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = hook
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	now := time.Now().UTC()
	s := Session{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(req.Title),
		Messages:      []Message{},
		Settings:      m.defaults,
		CharacterMode: req.CharacterMode,
		Characters:    append([]Character(nil), req.Characters...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.Title == "" {
		s.Title = DefaultTitle
	}
	if req.Settings != nil {
		s.Settings = *req.Settings
	}
	if s.Settings.Model == "" {
		s.Settings.Model = m.defaults.Model
	}
	for i := range s.Characters {
		if s.Characters[i].ID == "" {
			s.Characters[i].ID = uuid.NewString()
		}
	}

	m.mu.Lock()
	if err := m.store.PutSession(ctx, s); err != nil {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	hook := m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(s.Clone())
	}
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.store.Get(ctx, sessionID)
}

func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	all, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	current, _ := m.Current(ctx)
	out := make([]Summary, 0, len(all))
	for _, s := range all {
		out = append(out, s.Summary(s.ID == current))
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (m *Manager) Count(ctx context.Context) int {
	all, err := m.store.GetAll(ctx)
	if err != nil {
		return 0
	}
	return len(all)
}

// Update applies fn to the latest stored session and persists the result.
// If fn returns an error nothing is written.
func (m *Manager) Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	if err := fn(&s); err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.PutSession(ctx, s); err != nil {
		m.mu.Unlock()
		m.logger.Error("session write failed", zap.String("session_id", sessionID), zap.Error(err))
		return Session{}, fmt.Errorf("put session: %w", err)
	}
	hook := m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(s.Clone())
	}
	return s, nil
}

func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("delete session: %w", err)
	}
	hook := m.onDelete
	m.mu.Unlock()

	current, _ := m.Current(ctx)
	if current == sessionID {
		if err := m.store.SetMetadata(ctx, activeSessionKey, nil); err != nil {
			m.logger.Warn("clear active session failed", zap.Error(err))
		}
	}
	if hook != nil {
		hook(sessionID)
	}
	return nil
}

// SetCurrent marks sessionID as the session the UI is looking at.
func (m *Manager) SetCurrent(ctx context.Context, sessionID string) error {
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		return err
	}
	return m.SetMetadataJSON(ctx, activeSessionKey, sessionID)
}

// Current returns the active session id, or "" when none is set.
func (m *Manager) Current(ctx context.Context) (string, error) {
	var id string
	ok, err := m.GetMetadataJSON(ctx, activeSessionKey, &id)
	if err != nil || !ok {
		return "", err
	}
	return id, nil
}

// GetMetadataJSON decodes the metadata value for key into v. It reports false
// when the key has never been written.
func (m *Manager) GetMetadataJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := m.store.GetMetadata(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMetadataNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode metadata %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) SetMetadataJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", key, err)
	}
	return m.store.SetMetadata(ctx, key, raw)
}

func (m *Manager) DeleteMetadata(ctx context.Context, key string) error {
	return m.store.SetMetadata(ctx, key, nil)
}
