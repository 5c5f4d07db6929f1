package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
)

const mockSampleRate = 24000

// MockGateway provides deterministic local replies when no API key is configured.
type MockGateway struct {
	// Delay is applied to every chat and speech call so cancellation can be exercised locally.
	Delay time.Duration

	mu    sync.Mutex
	files map[string]FileRef
	seq   int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{files: make(map[string]FileRef)}
}

func (g *MockGateway) wait(ctx context.Context, op string) error {
	if g.Delay <= 0 {
		select {
		case <-ctx.Done():
			return &Error{Op: op, Kind: reliability.ClassifyError(ctx.Err()), Err: ctx.Err()}
		default:
			return nil
		}
	}
	timer := time.NewTimer(g.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Error{Op: op, Kind: reliability.ClassifyError(ctx.Err()), Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

func (g *MockGateway) CreateChatTurn(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if err := g.wait(ctx, "create_chat_turn"); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Text: buildMockReply(req)}, nil
}

func buildMockReply(req ChatRequest) string {
	base := strings.TrimSpace(req.Current.Text())
	if req.Current.Role == "model" {
		return " and that is how the thought continues."
	}
	if base == "" {
		base = "(no text)"
	}
	files := 0
	for _, p := range req.Current.Parts {
		if p.FileData != nil || p.InlineData != nil {
			files++
		}
	}
	reply := fmt.Sprintf("I heard you: %s", base)
	if files > 0 {
		reply += fmt.Sprintf(" (with %d attachment(s))", files)
	}
	if len(req.History) > 0 {
		reply += fmt.Sprintf("\nWe have exchanged %d turns so far.", len(req.History))
	}
	return reply
}

func (g *MockGateway) GeneratePersonaText(ctx context.Context, req PersonaRequest) (string, error) {
	if err := g.wait(ctx, "generate_persona_text"); err != nil {
		return "", err
	}
	return "Interesting, tell me more about that.", nil
}

// SynthesizeSpeech returns a quiet tone whose length follows the word count.
func (g *MockGateway) SynthesizeSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if err := g.wait(ctx, "synthesize_speech"); err != nil {
		return nil, err
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		return nil, &Error{Op: "synthesize_speech", Kind: reliability.KindInvalidRequest, Detail: "empty text"}
	}
	samples := words * mockSampleRate / 4
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.1 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/mockSampleRate))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	return pcm, nil
}

func (g *MockGateway) UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (FileRef, error) {
	if err := ctx.Err(); err != nil {
		return FileRef{}, &Error{Op: "upload_file", Kind: reliability.ClassifyError(err), Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	name := fmt.Sprintf("files/mock-%d", g.seq)
	ref := FileRef{
		Name:     name,
		URI:      "mock://" + name,
		MimeType: mimeType,
		State:    FileActive,
	}
	g.files[name] = ref
	return ref, nil
}

func (g *MockGateway) GetFile(_ context.Context, name string) (FileRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref, ok := g.files[name]
	if !ok {
		return FileRef{}, &Error{Op: "get_file", Kind: reliability.KindInvalidRequest, Status: 404, Detail: "file not found"}
	}
	return ref, nil
}

func (g *MockGateway) DeleteFile(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.files, name)
	return nil
}
