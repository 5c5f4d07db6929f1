package generation

import (
	"strings"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/session"
)

// DefaultPersonaInstruction drives "continue as me" when the session has no
// persona instruction of its own.
const DefaultPersonaInstruction = "You are writing the next message of the human user in this conversation. " +
	"Mimic their voice, tone, vocabulary and typical message length. " +
	"Reply with the message text only, without any preamble or quotation marks."

// personaSafetyCategories are set to BLOCK_NONE for persona continuation.
var personaSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// toContent converts one stored message. Only usable attachments are sent.
func toContent(m session.Message) gateway.Content {
	role := "user"
	if m.Role == session.RoleModel {
		role = "model"
	}
	return gateway.Content{Role: role, Parts: messageParts(m.Content, m.Attachments)}
}

func messageParts(text string, attachments []session.Attachment) []gateway.Part {
	parts := make([]gateway.Part, 0, len(attachments)+1)
	for _, a := range attachments {
		if !a.Usable() {
			continue
		}
		if uri := strings.TrimSpace(a.FileURI); uri != "" {
			parts = append(parts, gateway.Part{FileData: &gateway.FileData{MimeType: a.MimeType, FileURI: uri}})
			continue
		}
		parts = append(parts, gateway.Part{InlineData: &gateway.InlineData{
			MimeType: a.MimeType,
			Data:     stripDataURL(a.LocalData),
		}})
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, gateway.Part{Text: text})
	}
	return parts
}

func stripDataURL(data string) string {
	if !strings.HasPrefix(data, "data:") {
		return data
	}
	if i := strings.Index(data, ","); i >= 0 {
		return data[i+1:]
	}
	return data
}

// buildHistory converts stored messages into prior turns. Error messages and
// unfinished placeholders never reach the model.
func buildHistory(msgs []session.Message) []gateway.Content {
	out := make([]gateway.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleError || m.IsStreaming {
			continue
		}
		c := toContent(m)
		if len(c.Parts) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// buildPersonaHistory swaps roles: the model speaks as the user, so the
// user's turns become model turns and everything else becomes user turns.
func buildPersonaHistory(msgs []session.Message) []gateway.Content {
	out := make([]gateway.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.IsStreaming {
			continue
		}
		role := "user"
		if m.Role == session.RoleUser {
			role = "model"
		}
		parts := messageParts(m.Content, m.Attachments)
		if len(parts) == 0 {
			continue
		}
		out = append(out, gateway.Content{Role: role, Parts: parts})
	}
	return out
}

// effectiveConfig resolves model, client instance and generation config for a
// turn. In character mode the character's instruction replaces the session's.
func effectiveConfig(s *session.Session, characterID, defaultModel string) (instanceKey, model string, cfg gateway.GenerationConfig) {
	model = strings.TrimSpace(s.Settings.Model)
	if model == "" {
		model = defaultModel
	}
	cfg = gateway.GenerationConfig{
		SystemInstruction: s.Settings.SystemInstruction,
		Temperature:       s.Settings.Temperature,
		TopP:              s.Settings.TopP,
		TopK:              s.Settings.TopK,
		MaxOutputTokens:   s.Settings.MaxOutputTokens,
		SafetySettings:    append([]session.SafetySetting(nil), s.Settings.SafetySettings...),
		UseGoogleSearch:   s.Settings.UseGoogleSearch,
		UseURLContext:     s.Settings.UseURLContext,
	}
	instanceKey = s.ID
	if !s.CharacterMode {
		return instanceKey, model, cfg
	}
	if ch := s.Character(characterID); ch != nil {
		cfg.SystemInstruction = ch.SystemInstruction
		instanceKey = gateway.InstanceKey(s.ID, ch.ID)
	}
	return instanceKey, model, cfg
}

// personaConfig derives the persona-continuation config: tools off and
// every safety category unblocked.
func personaConfig(base gateway.GenerationConfig) gateway.GenerationConfig {
	cfg := base
	cfg.SystemInstruction = ""
	cfg.UseGoogleSearch = false
	cfg.UseURLContext = false
	cfg.SafetySettings = make([]session.SafetySetting, 0, len(personaSafetyCategories))
	for _, cat := range personaSafetyCategories {
		cfg.SafetySettings = append(cfg.SafetySettings, session.SafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return cfg
}
