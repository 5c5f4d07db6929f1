package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/parley/internal/reliability"
)

// RateLimited throttles every call to the wrapped gateway with a token bucket.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

func NewRateLimited(next Gateway, requestsPerMinute int) *RateLimited {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst),
	}
}

// Unwrap returns the throttled gateway.
func (r *RateLimited) Unwrap() Gateway { return r.next }

func (r *RateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Error{Op: op, Kind: reliability.ClassifyError(ctxErr), Err: ctxErr}
		}
		// Wait fails early when the deadline cannot accommodate the next token.
		return &Error{Op: op, Kind: reliability.KindRateLimited, Detail: "local request budget exhausted", Err: err}
	}
	return nil
}

func (r *RateLimited) CreateChatTurn(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if err := r.wait(ctx, "create_chat_turn"); err != nil {
		return ChatResult{}, err
	}
	return r.next.CreateChatTurn(ctx, req)
}

func (r *RateLimited) GeneratePersonaText(ctx context.Context, req PersonaRequest) (string, error) {
	if err := r.wait(ctx, "generate_persona_text"); err != nil {
		return "", err
	}
	return r.next.GeneratePersonaText(ctx, req)
}

func (r *RateLimited) SynthesizeSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if err := r.wait(ctx, "synthesize_speech"); err != nil {
		return nil, err
	}
	return r.next.SynthesizeSpeech(ctx, req)
}

func (r *RateLimited) UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (FileRef, error) {
	if err := r.wait(ctx, "upload_file"); err != nil {
		return FileRef{}, err
	}
	return r.next.UploadFile(ctx, data, mimeType, displayName)
}

// GetFile is not throttled; upload polling has its own fixed cadence.
func (r *RateLimited) GetFile(ctx context.Context, name string) (FileRef, error) {
	return r.next.GetFile(ctx, name)
}

func (r *RateLimited) DeleteFile(ctx context.Context, name string) error {
	return r.next.DeleteFile(ctx, name)
}
