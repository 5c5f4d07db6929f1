package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/attachment"
	"github.com/ent0n29/parley/internal/autosend"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/events"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

// Deps are the engine components the API drives.
type Deps struct {
	Sessions   *session.Manager
	Generation *generation.Controller
	AutoSend   *autosend.Service
	Audio      *tts.Cache
	Playback   *tts.Engine
	Uploader   *attachment.Uploader
	Staging    *attachment.Staging
	Bus        *events.Bus
	Metrics    *observability.Metrics

	// Activate makes sessionID the current session. Defaults to
	// Sessions.SetCurrent.
	Activate func(ctx context.Context, sessionID string) error
}

type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	sessions   *session.Manager
	generation *generation.Controller
	autoSend   *autosend.Service
	audio      *tts.Cache
	playback   *tts.Engine
	uploader   *attachment.Uploader
	staging    *attachment.Staging
	bus        *events.Bus
	metrics    *observability.Metrics
	activate   func(ctx context.Context, sessionID string) error
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		sessions:   deps.Sessions,
		generation: deps.Generation,
		autoSend:   deps.AutoSend,
		audio:      deps.Audio,
		playback:   deps.Playback,
		uploader:   deps.Uploader,
		staging:    deps.Staging,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		activate:   deps.Activate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if s.activate == nil {
		s.activate = s.sessions.SetCurrent
	}
	if s.staging == nil {
		s.staging = attachment.NewStaging(0)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Get("/current", s.handleCurrentSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleUpdateSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/activate", s.handleActivateSession)
			r.Get("/ws", s.handleSessionWS)

			r.Get("/status", s.handleGenerationStatus)
			r.Get("/generation-times", s.handleGenerationTimes)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/continue", s.handleContinue)
			r.Post("/cancel", s.handleCancel)

			r.Get("/auto-send", s.handleAutoSendState)
			r.Post("/auto-send", s.handleStartAutoSend)
			r.Delete("/auto-send", s.handleStopAutoSend)

			r.Post("/audio/reset", s.handleResetSessionAudio)

			r.Route("/messages/{mid}", func(r chi.Router) {
				r.Post("/regenerate", s.handleRegenerate)
				r.Post("/regenerate-response", s.handleRegenerateResponse)
				r.Post("/edit", s.handleEdit)

				r.Get("/audio", s.handleSegmentStates)
				r.Post("/audio", s.handlePlayOrFetch)
				r.Delete("/audio", s.handleCancelGroupFetch)
				r.Post("/audio/reset", s.handleResetAudio)
				r.Get("/audio/{part}.wav", s.handleSegmentWAV)

				r.Post("/attachments/{aid}/resync", s.handleResyncAttachment)
			})
		})
	})

	r.Post("/v1/attachments", s.handleUploadAttachments)

	r.Route("/v1/playback", func(r chi.Router) {
		r.Get("/", s.handlePlaybackState)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/seek", s.handleSeek)
		r.Post("/speed", s.handleSpeed)
		r.Post("/stop", s.handleStopPlayback)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": storeMode(s.cfg.DatabaseURL),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.List(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"store_mode":  storeMode(s.cfg.DatabaseURL),
		"subscribers": s.bus.SubscriberCount(),
	})
}

func storeMode(databaseURL string) string {
	if strings.TrimSpace(databaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps engine sentinels onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, tts.ErrMessageNotFound), errors.Is(err, attachment.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, generation.ErrBusy), errors.Is(err, autosend.ErrActive):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, tts.ErrNoTarget):
		respondError(w, http.StatusConflict, "no_audio_target", err.Error())
	case errors.Is(err, generation.ErrInvalidTarget),
		errors.Is(err, generation.ErrEmptyMessage),
		errors.Is(err, generation.ErrCharacterMode),
		errors.Is(err, generation.ErrEmptySession),
		errors.Is(err, autosend.ErrInvalidRequest),
		errors.Is(err, tts.ErrNothingToSpeak),
		errors.Is(err, tts.ErrPartOutOfRange):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func messageID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "mid"))
}
