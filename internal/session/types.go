package session

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleError Role = "error"
)

// DefaultTitle is the title a session carries until one is derived from its first user message.
const DefaultTitle = "New Chat"

type UploadState string

const (
	UploadReading    UploadState = "reading"
	UploadUploading  UploadState = "uploading"
	UploadProcessing UploadState = "processing"
	UploadCompleted  UploadState = "completed"
	UploadError      UploadState = "error"
)

// Attachment is a file attached to a message, tracked through its upload lifecycle.
type Attachment struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	MimeType   string      `json:"mime_type"`
	Size       int64       `json:"size"`
	LocalData  string      `json:"local_data,omitempty"`
	FileURI    string      `json:"file_uri,omitempty"`
	FileName   string      `json:"file_name,omitempty"`
	State      UploadState `json:"state"`
	Error      string      `json:"error,omitempty"`
	UploadedAt *time.Time  `json:"uploaded_at,omitempty"`
}

// Usable reports whether the attachment may be sent to the gateway.
func (a Attachment) Usable() bool {
	if a.State != UploadCompleted {
		return false
	}
	return strings.TrimSpace(a.FileURI) != "" || strings.TrimSpace(a.LocalData) != ""
}

type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type Message struct {
	ID            string       `json:"id"`
	Role          Role         `json:"role"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	AudioBuffers  [][]byte     `json:"audio_buffers,omitempty"`
	AudioParts    int          `json:"audio_parts,omitempty"`
	IsStreaming   bool         `json:"is_streaming"`
	CharacterName string       `json:"character_name,omitempty"`
	Citations     []Citation   `json:"citations,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

type Character struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	SystemInstruction string `json:"system_instruction"`
	Description       string `json:"description,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type TTSSettings struct {
	Model            string `json:"model"`
	Voice            string `json:"voice"`
	StyleInstruction string `json:"style_instruction,omitempty"`
	AutoPlay         bool   `json:"auto_play"`
	MaxWordsPerPart  int    `json:"max_words_per_part"`
}

type Settings struct {
	Model                  string          `json:"model"`
	Temperature            *float64        `json:"temperature,omitempty"`
	TopP                   *float64        `json:"top_p,omitempty"`
	TopK                   *int            `json:"top_k,omitempty"`
	MaxOutputTokens        int             `json:"max_output_tokens,omitempty"`
	SafetySettings         []SafetySetting `json:"safety_settings,omitempty"`
	SystemInstruction      string          `json:"system_instruction,omitempty"`
	UserPersonaInstruction string          `json:"user_persona_instruction,omitempty"`
	UseGoogleSearch        bool            `json:"use_google_search"`
	UseURLContext          bool            `json:"use_url_context"`
	TTS                    TTSSettings     `json:"tts"`
}

type Session struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Messages      []Message   `json:"messages"`
	Settings      Settings    `json:"settings"`
	CharacterMode bool        `json:"character_mode"`
	Characters    []Character `json:"characters,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Current      bool      `json:"current"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Title         string      `json:"title"`
	Settings      *Settings   `json:"settings,omitempty"`
	CharacterMode bool        `json:"character_mode"`
	Characters    []Character `json:"characters,omitempty"`
}
