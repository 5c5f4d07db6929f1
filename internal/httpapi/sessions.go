package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/session"
)

type updateSessionRequest struct {
	Title         *string              `json:"title"`
	Settings      *session.Settings    `json:"settings"`
	CharacterMode *bool                `json:"character_mode"`
	Characters    *[]session.Character `json:"characters"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []session.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
		s.metrics.Sessions.Set(float64(s.sessions.Count(r.Context())))
	}
	// With no current session, the new one becomes current.
	if current, err := s.sessions.Current(r.Context()); err == nil && current == "" {
		if err := s.activate(r.Context(), sess.ID); err != nil {
			s.logger.Warn("activate new session failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	respondJSON(w, http.StatusCreated, sess.WithoutAudio())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), sessionID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.WithoutAudio())
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.Update(r.Context(), sessionID(r), func(sess *session.Session) error {
		if req.Title != nil {
			if title := strings.TrimSpace(*req.Title); title != "" {
				sess.Title = title
			}
		}
		if req.Settings != nil {
			sess.Settings = *req.Settings
		}
		if req.CharacterMode != nil {
			sess.CharacterMode = *req.CharacterMode
		}
		if req.Characters != nil {
			sess.Characters = append([]session.Character(nil), (*req.Characters)...)
		}
		return nil
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.WithoutAudio())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
		s.metrics.Sessions.Set(float64(s.sessions.Count(r.Context())))
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted": true})
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := s.activate(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "current": true})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Current(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id})
}
