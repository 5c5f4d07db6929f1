package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/session"
)

// Part is one piece of turn content: text, a remote file reference, or inline data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	FileData   *FileData   `json:"fileData,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is a single conversational turn as the remote API sees it.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenated text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// GenerationConfig carries everything about a request that is not the conversation itself.
type GenerationConfig struct {
	SystemInstruction string                  `json:"system_instruction,omitempty"`
	Temperature       *float64                `json:"temperature,omitempty"`
	TopP              *float64                `json:"top_p,omitempty"`
	TopK              *int                    `json:"top_k,omitempty"`
	MaxOutputTokens   int                     `json:"max_output_tokens,omitempty"`
	SafetySettings    []session.SafetySetting `json:"safety_settings,omitempty"`
	UseGoogleSearch   bool                    `json:"use_google_search,omitempty"`
	UseURLContext     bool                    `json:"use_url_context,omitempty"`
}

type ChatRequest struct {
	Model   string
	History []Content
	Current Content
	Config  GenerationConfig
}

type ChatResult struct {
	Text      string
	Citations []session.Citation
}

type PersonaRequest struct {
	Model              string
	History            []Content
	PersonaInstruction string
	Config             GenerationConfig
}

type SpeechRequest struct {
	Model string
	Text  string
	Voice string
	Style string
}

type FileState string

const (
	FileProcessing FileState = "PROCESSING"
	FileActive     FileState = "ACTIVE"
	FileFailed     FileState = "FAILED"
)

// FileRef identifies an uploaded file on the remote side.
type FileRef struct {
	Name     string    `json:"name"`
	URI      string    `json:"uri"`
	MimeType string    `json:"mimeType"`
	State    FileState `json:"state"`
}

// Gateway is the remote generation API. Every call honors ctx cancellation.
type Gateway interface {
	CreateChatTurn(ctx context.Context, req ChatRequest) (ChatResult, error)
	GeneratePersonaText(ctx context.Context, req PersonaRequest) (string, error)
	// SynthesizeSpeech returns raw 16-bit little-endian mono PCM.
	SynthesizeSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
	UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (FileRef, error)
	GetFile(ctx context.Context, name string) (FileRef, error)
	DeleteFile(ctx context.Context, name string) error
}

// Config controls gateway construction.
type Config struct {
	Mode              string
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
}

// NewGateway builds the configured gateway. "auto" selects the HTTP gateway
// when an API key is present and the mock otherwise.
func NewGateway(cfg Config) (Gateway, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var gw Gateway
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			gw = NewHTTPGateway(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
		} else {
			gw = NewMockGateway()
		}
	case "http":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("gateway API key is required for http mode")
		}
		gw = NewHTTPGateway(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	case "mock":
		gw = NewMockGateway()
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}

	if cfg.RequestsPerMinute > 0 {
		gw = NewRateLimited(gw, cfg.RequestsPerMinute)
	}
	return gw, nil
}
