package session

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const titleMaxRunes = 40

// NewMessageID returns a timestamp-prefixed id that is unique within a session.
func NewMessageID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(b[:])
}

func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewPlaceholder returns an empty streaming message that holds a position while a generation runs.
func NewPlaceholder(role Role, characterName string) Message {
	m := NewMessage(role, "")
	m.IsStreaming = true
	m.CharacterName = characterName
	return m
}

// IndexOf returns the position of the message with the given id, or -1.
func (s *Session) IndexOf(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// FindMessage returns a pointer into s.Messages so updaters can mutate in place.
func (s *Session) FindMessage(messageID string) *Message {
	idx := s.IndexOf(messageID)
	if idx < 0 {
		return nil
	}
	return &s.Messages[idx]
}

func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// RemoveMessages deletes the given ids and returns the ones actually removed.
func (s *Session) RemoveMessages(ids ...string) []string {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.Messages[:0]
	var removed []string
	for _, m := range s.Messages {
		if _, ok := drop[m.ID]; ok {
			removed = append(removed, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.Messages = kept
	return removed
}

// PrecedingUserIndex returns the index of the nearest user message before idx, or -1.
func (s *Session) PrecedingUserIndex(idx int) int {
	if idx > len(s.Messages) {
		idx = len(s.Messages)
	}
	for i := idx - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

func (s *Session) Character(id string) *Character {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	for i := range s.Characters {
		if s.Characters[i].ID == id {
			return &s.Characters[i]
		}
	}
	return nil
}

// StreamingCount returns how many messages are currently marked as streaming.
func (s Session) StreamingCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

// DeriveTitle builds a short title from the first line of a user message.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleMaxRunes-3])) + "..."
}

// Clone returns a deep copy so callers never share slices with the store.
func (s Session) Clone() Session {
	c := s
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			c.Messages[i] = m.Clone()
		}
	}
	if s.Characters != nil {
		c.Characters = append([]Character(nil), s.Characters...)
	}
	if s.Settings.SafetySettings != nil {
		c.Settings.SafetySettings = append([]SafetySetting(nil), s.Settings.SafetySettings...)
	}
	return c
}

func (m Message) Clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Citations != nil {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.AudioBuffers != nil {
		// Segment buffers are immutable once set; only the slot slice is copied.
		c.AudioBuffers = append([][]byte(nil), m.AudioBuffers...)
	}
	return c
}

func (s Session) Summary(current bool) Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		MessageCount: len(s.Messages),
		UpdatedAt:    s.UpdatedAt,
		Current:      current,
	}
}

// WithoutAudio returns a copy with cached audio and retained attachment data
// dropped, for client views. AudioParts reports how many segment slots were
// filled.
func (s Session) WithoutAudio() Session {
	c := s
	if s.Messages == nil {
		return c
	}
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.AudioParts = 0
		for _, b := range m.AudioBuffers {
			if len(b) > 0 {
				m.AudioParts++
			}
		}
		m.AudioBuffers = nil
		if m.Attachments != nil {
			atts := make([]Attachment, len(m.Attachments))
			for j, a := range m.Attachments {
				a.LocalData = ""
				atts[j] = a
			}
			m.Attachments = atts
		}
		c.Messages[i] = m
	}
	return c
}
