package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
	"github.com/ent0n29/parley/internal/session"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// HTTPGateway speaks the Gemini REST API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

type textPart struct {
	Text string `json:"text"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig struct {
		VoiceName string `json:"voiceName"`
	} `json:"prebuiltVoiceConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type wireGenerationConfig struct {
	Temperature        *float64      `json:"temperature,omitempty"`
	TopP               *float64      `json:"topP,omitempty"`
	TopK               *int          `json:"topK,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type wireSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type wireTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
	URLContext   *struct{} `json:"urlContext,omitempty"`
}

type generateRequest struct {
	Contents          []Content             `json:"contents"`
	SystemInstruction *systemInstruction    `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []wireSafetySetting   `json:"safetySettings,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content           Content `json:"content"`
		FinishReason      string  `json:"finishReason"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func buildGenerateRequest(contents []Content, cfg GenerationConfig) generateRequest {
	req := generateRequest{Contents: contents}
	if s := strings.TrimSpace(cfg.SystemInstruction); s != "" {
		req.SystemInstruction = &systemInstruction{Parts: []textPart{{Text: s}}}
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.TopK != nil || cfg.MaxOutputTokens > 0 {
		req.GenerationConfig = &wireGenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}
	}
	for _, s := range cfg.SafetySettings {
		req.SafetySettings = append(req.SafetySettings, wireSafetySetting{Category: s.Category, Threshold: s.Threshold})
	}
	if cfg.UseGoogleSearch {
		req.Tools = append(req.Tools, wireTool{GoogleSearch: &struct{}{}})
	}
	if cfg.UseURLContext {
		req.Tools = append(req.Tools, wireTool{URLContext: &struct{}{}})
	}
	return req
}

func (g *HTTPGateway) CreateChatTurn(ctx context.Context, req ChatRequest) (ChatResult, error) {
	contents := make([]Content, 0, len(req.History)+1)
	contents = append(contents, req.History...)
	contents = append(contents, req.Current)

	var res generateResponse
	if err := g.generate(ctx, "create_chat_turn", req.Model, buildGenerateRequest(contents, req.Config), &res); err != nil {
		return ChatResult{}, err
	}
	if err := blocked("create_chat_turn", res); err != nil {
		return ChatResult{}, err
	}
	return extractChatResult(res), nil
}

func (g *HTTPGateway) GeneratePersonaText(ctx context.Context, req PersonaRequest) (string, error) {
	cfg := req.Config
	cfg.SystemInstruction = req.PersonaInstruction

	var res generateResponse
	if err := g.generate(ctx, "generate_persona_text", req.Model, buildGenerateRequest(req.History, cfg), &res); err != nil {
		return "", err
	}
	if err := blocked("generate_persona_text", res); err != nil {
		return "", err
	}
	return extractChatResult(res).Text, nil
}

func (g *HTTPGateway) SynthesizeSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	text := strings.TrimSpace(req.Text)
	if style := strings.TrimSpace(req.Style); style != "" {
		text = style + ": " + text
	}
	body := generateRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		GenerationConfig: &wireGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       &speechConfig{},
		},
	}
	body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = req.Voice

	var res generateResponse
	if err := g.generate(ctx, "synthesize_speech", req.Model, body, &res); err != nil {
		return nil, err
	}
	for _, c := range res.Candidates {
		for _, p := range c.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, &Error{Op: "synthesize_speech", Kind: reliability.KindUnknown, Detail: "decode audio payload", Err: err}
			}
			return pcm, nil
		}
	}
	return nil, &Error{Op: "synthesize_speech", Kind: reliability.KindUnknown, Detail: "response contained no audio"}
}

func (g *HTTPGateway) UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (FileRef, error) {
	const op = "upload_file"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=utf-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}
	meta := map[string]any{"file": map[string]string{"display_name": displayName}}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", mimeType)
	filePart, err := mw.CreatePart(fileHeader)
	if err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}
	if _, err := filePart.Write(data); err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}
	if err := mw.Close(); err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint("/upload/v1beta/files"), &body)
	if err != nil {
		return FileRef{}, &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}
	httpReq.Header.Set("X-Goog-Upload-Protocol", "multipart")
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var res struct {
		File FileRef `json:"file"`
	}
	if err := g.do(op, httpReq, &res); err != nil {
		return FileRef{}, err
	}
	return res.File, nil
}

func (g *HTTPGateway) GetFile(ctx context.Context, name string) (FileRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint("/v1beta/"+strings.TrimPrefix(name, "/")), nil)
	if err != nil {
		return FileRef{}, &Error{Op: "get_file", Kind: reliability.KindUnknown, Err: err}
	}
	var ref FileRef
	if err := g.do("get_file", httpReq, &ref); err != nil {
		return FileRef{}, err
	}
	return ref, nil
}

func (g *HTTPGateway) DeleteFile(ctx context.Context, name string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.endpoint("/v1beta/"+strings.TrimPrefix(name, "/")), nil)
	if err != nil {
		return &Error{Op: "delete_file", Kind: reliability.KindUnknown, Err: err}
	}
	return g.do("delete_file", httpReq, nil)
}

func (g *HTTPGateway) endpoint(path string) string {
	return g.baseURL + path + "?key=" + url.QueryEscape(g.apiKey)
}

func (g *HTTPGateway) generate(ctx context.Context, op, model string, body generateRequest, out *generateResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Kind: reliability.KindUnknown, Detail: "marshal request", Err: err}
	}
	path := "/v1beta/models/" + url.PathEscape(strings.TrimPrefix(model, "models/")) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Kind: reliability.KindUnknown, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return g.do(op, httpReq, out)
}

func (g *HTTPGateway) do(op string, httpReq *http.Request, out any) error {
	res, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return &Error{Op: op, Kind: reliability.ClassifyError(ctxErr), Err: ctxErr}
		}
		return transportError(op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &Error{
			Op:     op,
			Kind:   reliability.ClassifyHTTPStatus(res.StatusCode, string(body)),
			Status: res.StatusCode,
			Detail: upstreamMessage(body),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return &Error{Op: op, Kind: reliability.ClassifyError(ctxErr), Err: ctxErr}
		}
		return &Error{Op: op, Kind: reliability.KindUnknown, Detail: "decode response", Err: err}
	}
	return nil
}

// upstreamMessage pulls error.message out of a Google API error body, falling
// back to the raw (trimmed) body.
func upstreamMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		if env.Error.Status != "" {
			return fmt.Sprintf("%s (%s)", env.Error.Message, env.Error.Status)
		}
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func blocked(op string, res generateResponse) error {
	if len(res.Candidates) == 0 && res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		return &Error{Op: op, Kind: reliability.KindInvalidRequest, Detail: "prompt blocked: " + res.PromptFeedback.BlockReason}
	}
	return nil
}

func extractChatResult(res generateResponse) ChatResult {
	var out ChatResult
	if len(res.Candidates) == 0 {
		return out
	}
	c := res.Candidates[0]
	out.Text = c.Content.Text()
	if c.GroundingMetadata != nil {
		seen := make(map[string]struct{})
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			if _, ok := seen[chunk.Web.URI]; ok {
				continue
			}
			seen[chunk.Web.URI] = struct{}{}
			out.Citations = append(out.Citations, session.Citation{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}
	return out
}
