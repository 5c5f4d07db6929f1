package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/session"
)

// SendRequest describes one user turn.
type SendRequest struct {
	Text        string               `json:"text"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
	// HistoryOverride replaces the stored messages as prior turns when non-nil.
	HistoryOverride []session.Message `json:"-"`
	CharacterID     string            `json:"character_id,omitempty"`
	// TemporaryContext sends the turn without storing the user message.
	TemporaryContext bool `json:"temporary_context,omitempty"`
}

type EditAction string

const (
	EditSaveLocally    EditAction = "SAVE_LOCALLY"
	EditSaveAndSubmit  EditAction = "SAVE_AND_SUBMIT"
	EditContinuePrefix EditAction = "CONTINUE_PREFIX"
	EditCancel         EditAction = "CANCEL"
)

type EditRequest struct {
	Action    EditAction `json:"action"`
	MessageID string     `json:"message_id"`
	Content   string     `json:"content"`
}

func hasUsableAttachments(atts []session.Attachment) bool {
	for _, a := range atts {
		if a.Usable() {
			return true
		}
	}
	return false
}

// SendMessage appends the user turn and a model placeholder, then starts
// generation. In character mode an empty turn with a character id is a silent
// trigger: the character speaks without a new user message.
func (c *Controller) SendMessage(ctx context.Context, sessionID string, req SendRequest) (*Attempt, error) {
	return c.begin(ctx, sessionID, KindSend, func(s *session.Session) (plan, error) {
		return c.sendPlan(s, req, nil)
	})
}

// sendPlan appends the user turn and a placeholder to s. A non-nil user is
// stored as the turn instead of a new message built from req.
func (c *Controller) sendPlan(s *session.Session, req SendRequest, user *session.Message) (plan, error) {
	text := strings.TrimSpace(req.Text)
	usable := hasUsableAttachments(req.Attachments)
	silent := user == nil && text == "" && !usable && s.CharacterMode && req.CharacterID != ""
	if text == "" && !usable && !silent {
		return plan{}, ErrEmptyMessage
	}

	instanceKey, model, cfg := effectiveConfig(s, req.CharacterID, c.cfg.DefaultModel)
	prior := s.Messages
	if req.HistoryOverride != nil {
		prior = req.HistoryOverride
	}

	current := gateway.Content{Role: "user", Parts: messageParts(req.Text, req.Attachments)}
	charName := ""
	if ch := s.Character(req.CharacterID); s.CharacterMode && ch != nil {
		charName = ch.Name
		if silent {
			current = gateway.Content{Role: "user", Parts: []gateway.Part{{Text: fmt.Sprintf("(%s, continue the conversation.)", ch.Name)}}}
		}
	}

	p := plan{
		history:     buildHistory(prior),
		current:     current,
		instanceKey: instanceKey,
		model:       model,
		config:      cfg,
	}

	if user == nil && !silent && !req.TemporaryContext {
		u := session.NewMessage(session.RoleUser, req.Text)
		u.Attachments = append([]session.Attachment(nil), req.Attachments...)
		user = &u
	}
	if user != nil {
		s.Messages = append(s.Messages, *user)
		if s.Title == session.DefaultTitle && text != "" {
			s.Title = session.DeriveTitle(text)
		}
	}
	placeholder := session.NewPlaceholder(session.RoleModel, charName)
	s.Messages = append(s.Messages, placeholder)
	p.messageID = placeholder.ID
	return p, nil
}

// ContinueFlow advances the conversation without new user input. After a
// user turn it resends that turn; after a model or error turn it asks the
// model to write the user's next message.
func (c *Controller) ContinueFlow(ctx context.Context, sessionID string) (*Attempt, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.CharacterMode {
		return nil, ErrCharacterMode
	}
	last := s.LastMessage()
	if last == nil {
		return nil, ErrEmptySession
	}
	if last.Role == session.RoleUser {
		return c.resendLastUser(ctx, sessionID)
	}
	return c.continueAsUser(ctx, sessionID)
}

func (c *Controller) resendLastUser(ctx context.Context, sessionID string) (*Attempt, error) {
	return c.begin(ctx, sessionID, KindSend, func(s *session.Session) (plan, error) {
		last := s.LastMessage()
		if last == nil || last.Role != session.RoleUser {
			return plan{}, ErrInvalidTarget
		}
		instanceKey, model, cfg := effectiveConfig(s, "", c.cfg.DefaultModel)
		p := plan{
			history:     buildHistory(s.Messages[:len(s.Messages)-1]),
			current:     gateway.Content{Role: "user", Parts: messageParts(last.Content, last.Attachments)},
			instanceKey: instanceKey,
			model:       model,
			config:      cfg,
		}
		placeholder := session.NewPlaceholder(session.RoleModel, "")
		s.Messages = append(s.Messages, placeholder)
		p.messageID = placeholder.ID
		return p, nil
	})
}

func (c *Controller) continueAsUser(ctx context.Context, sessionID string) (*Attempt, error) {
	return c.begin(ctx, sessionID, KindPersona, func(s *session.Session) (plan, error) {
		if len(s.Messages) == 0 {
			return plan{}, ErrEmptySession
		}
		_, model, cfg := effectiveConfig(s, "", c.cfg.DefaultModel)
		instruction := strings.TrimSpace(s.Settings.UserPersonaInstruction)
		if instruction == "" {
			instruction = c.cfg.PersonaInstruction
		}
		p := plan{
			history:     buildPersonaHistory(s.Messages),
			persona:     true,
			instruction: instruction,
			instanceKey: gateway.InstanceKey(s.ID, "persona"),
			model:       model,
			config:      personaConfig(cfg),
		}
		placeholder := session.NewPlaceholder(session.RoleUser, "")
		s.Messages = append(s.Messages, placeholder)
		p.messageID = placeholder.ID
		return p, nil
	})
}

// RegenerateAIMessage replaces a model or error message with a fresh answer
// to the nearest preceding user turn, reusing the same message id.
func (c *Controller) RegenerateAIMessage(ctx context.Context, sessionID, messageID string) (*Attempt, error) {
	return c.begin(ctx, sessionID, KindRegenerate, func(s *session.Session) (plan, error) {
		idx := s.IndexOf(messageID)
		if idx < 0 {
			return plan{}, ErrInvalidTarget
		}
		target := &s.Messages[idx]
		if target.Role != session.RoleModel && target.Role != session.RoleError {
			return plan{}, ErrInvalidTarget
		}
		userIdx := s.PrecedingUserIndex(idx)
		if userIdx < 0 {
			return plan{}, ErrInvalidTarget
		}

		charID := characterIDByName(s, target.CharacterName)
		instanceKey, model, cfg := effectiveConfig(s, charID, c.cfg.DefaultModel)
		user := s.Messages[userIdx]
		p := plan{
			messageID:   target.ID,
			history:     buildHistory(s.Messages[:userIdx]),
			current:     gateway.Content{Role: "user", Parts: messageParts(user.Content, user.Attachments)},
			instanceKey: instanceKey,
			model:       model,
			config:      cfg,
			changedIDs:  []string{target.ID},
		}
		snap := target.Clone()
		p.snapshot = &snap

		target.Role = session.RoleModel
		target.Content = ""
		target.Citations = nil
		target.AudioBuffers = nil
		target.IsStreaming = true
		return p, nil
	})
}

// RegenerateResponseForUserMessage regenerates the answer that directly
// follows a user message. It returns a nil attempt when there is none.
func (c *Controller) RegenerateResponseForUserMessage(ctx context.Context, sessionID, userMessageID string) (*Attempt, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	idx := s.IndexOf(userMessageID)
	if idx < 0 || s.Messages[idx].Role != session.RoleUser {
		return nil, ErrInvalidTarget
	}
	if idx+1 >= len(s.Messages) {
		return nil, nil
	}
	next := s.Messages[idx+1]
	if next.Role != session.RoleModel && next.Role != session.RoleError {
		return nil, nil
	}
	return c.RegenerateAIMessage(ctx, sessionID, next.ID)
}

// EditPanelSubmit applies an edit panel action. Only SAVE_AND_SUBMIT and
// CONTINUE_PREFIX return an attempt.
func (c *Controller) EditPanelSubmit(ctx context.Context, sessionID string, req EditRequest) (*Attempt, error) {
	switch req.Action {
	case EditCancel:
		c.mu.Lock()
		st := c.states[sessionID]
		streaming := st != nil && st.active != nil && (req.MessageID == "" || st.active.messageID == req.MessageID)
		c.mu.Unlock()
		if streaming {
			c.Cancel(sessionID)
		}
		return nil, nil
	case EditSaveLocally:
		return nil, c.saveLocally(ctx, sessionID, req)
	case EditSaveAndSubmit:
		return c.saveAndSubmit(ctx, sessionID, req)
	case EditContinuePrefix:
		return c.continuePrefix(ctx, sessionID, req)
	default:
		return nil, fmt.Errorf("%w: unknown edit action %q", ErrInvalidTarget, req.Action)
	}
}

func (c *Controller) saveLocally(ctx context.Context, sessionID string, req EditRequest) error {
	c.mu.Lock()
	if st := c.states[sessionID]; st != nil && st.active != nil && st.active.messageID == req.MessageID {
		c.mu.Unlock()
		return ErrBusy
	}
	var aiMessage bool
	_, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		msg := s.FindMessage(req.MessageID)
		if msg == nil {
			return ErrInvalidTarget
		}
		msg.Content = req.Content
		msg.AudioBuffers = nil
		aiMessage = msg.Role == session.RoleModel || msg.Role == session.RoleError
		return nil
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if aiMessage {
		c.deleteGenerationTimes(sessionID, req.MessageID)
	}
	c.messagesChanged(sessionID, []string{req.MessageID})
	return nil
}

// saveAndSubmit truncates the conversation at the edited message and sends
// the edited text as the new current turn.
func (c *Controller) saveAndSubmit(ctx context.Context, sessionID string, req EditRequest) (*Attempt, error) {
	text := strings.TrimSpace(req.Content)
	return c.begin(ctx, sessionID, KindSend, func(s *session.Session) (plan, error) {
		idx := s.IndexOf(req.MessageID)
		if idx < 0 {
			return plan{}, ErrInvalidTarget
		}
		edited := s.Messages[idx]

		var keep int
		var current session.Message
		switch edited.Role {
		case session.RoleUser:
			if text == "" && !hasUsableAttachments(edited.Attachments) {
				return plan{}, ErrEmptyMessage
			}
			keep = idx
			current = edited.Clone()
			current.Content = req.Content
			current.AudioBuffers = nil
		case session.RoleModel, session.RoleError:
			if text == "" {
				return plan{}, ErrEmptyMessage
			}
			userIdx := s.PrecedingUserIndex(idx)
			if userIdx < 0 {
				return plan{}, ErrInvalidTarget
			}
			keep = userIdx + 1
			current = session.NewMessage(session.RoleUser, req.Content)
		default:
			return plan{}, ErrInvalidTarget
		}

		removed := make([]string, 0, len(s.Messages)-keep)
		for _, m := range s.Messages[keep:] {
			if m.ID != current.ID {
				removed = append(removed, m.ID)
			}
		}
		changed := []string(nil)
		if edited.Role == session.RoleUser {
			changed = []string{current.ID}
		}

		charID := ""
		if s.CharacterMode {
			charID = characterIDByName(s, lastCharacterName(s.Messages[keep:]))
		}

		s.Messages = s.Messages[:keep:keep]
		p, err := c.sendPlan(s, SendRequest{
			Text:            current.Content,
			Attachments:     current.Attachments,
			HistoryOverride: s.Messages,
			CharacterID:     charID,
		}, &current)
		if err != nil {
			return plan{}, err
		}
		p.changedIDs = changed
		p.removedIDs = removed
		return p, nil
	})
}

// continuePrefix keeps an edited model message as the start of the answer
// and asks the model to carry on from it.
func (c *Controller) continuePrefix(ctx context.Context, sessionID string, req EditRequest) (*Attempt, error) {
	return c.begin(ctx, sessionID, KindContinuePrefix, func(s *session.Session) (plan, error) {
		idx := s.IndexOf(req.MessageID)
		if idx < 0 {
			return plan{}, ErrInvalidTarget
		}
		target := &s.Messages[idx]
		if target.Role != session.RoleModel {
			return plan{}, ErrInvalidTarget
		}
		if strings.TrimSpace(req.Content) == "" {
			return plan{}, ErrEmptyMessage
		}

		charID := characterIDByName(s, target.CharacterName)
		instanceKey, model, cfg := effectiveConfig(s, charID, c.cfg.DefaultModel)
		p := plan{
			messageID:   target.ID,
			prefix:      req.Content,
			history:     buildHistory(s.Messages[:idx]),
			current:     gateway.Content{Role: "model", Parts: []gateway.Part{{Text: req.Content}}},
			instanceKey: instanceKey,
			model:       model,
			config:      cfg,
			changedIDs:  []string{target.ID},
		}
		snap := target.Clone()
		p.snapshot = &snap

		target.Content = req.Content
		target.Citations = nil
		target.AudioBuffers = nil
		target.IsStreaming = true
		return p, nil
	})
}

func characterIDByName(s *session.Session, name string) string {
	if !s.CharacterMode || name == "" {
		return ""
	}
	for _, ch := range s.Characters {
		if ch.Name == name {
			return ch.ID
		}
	}
	return ""
}

func lastCharacterName(msgs []session.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].CharacterName != "" {
			return msgs[i].CharacterName
		}
	}
	return ""
}
