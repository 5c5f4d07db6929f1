package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/session"
)

type sendMessageRequest struct {
	Text             string   `json:"text"`
	AttachmentIDs    []string `json:"attachment_ids"`
	CharacterID      string   `json:"character_id"`
	TemporaryContext bool     `json:"temporary_context"`
}

type editRequest struct {
	Action  generation.EditAction `json:"action"`
	Content string                `json:"content"`
}

type autoSendRequest struct {
	Text        string `json:"text"`
	Repetitions int    `json:"repetitions"`
	CharacterID string `json:"character_id"`
}

type attemptResponse struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	Kind      generation.Kind `json:"kind,omitempty"`
	Started   bool            `json:"started"`
	// Session is filled when the caller asked to wait for completion.
	Session *session.Session `json:"session,omitempty"`
}

// respondAttempt answers 202 with the attempt handle, or 200 with the
// settled session when the request carries ?wait=true.
func (s *Server) respondAttempt(w http.ResponseWriter, r *http.Request, sid string, att *generation.Attempt) {
	if att == nil {
		respondJSON(w, http.StatusOK, attemptResponse{SessionID: sid})
		return
	}
	resp := attemptResponse{SessionID: sid, MessageID: att.MessageID, Kind: att.Kind, Started: true}
	if !strings.EqualFold(r.URL.Query().Get("wait"), "true") {
		respondJSON(w, http.StatusAccepted, resp)
		return
	}
	if err := att.Wait(r.Context()); err != nil {
		respondError(w, http.StatusRequestTimeout, "wait_cancelled", err.Error())
		return
	}
	sess, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	view := sess.WithoutAudio()
	resp.Session = &view
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sid := sessionID(r)

	atts, err := s.staging.Take(req.AttachmentIDs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	att, err := s.generation.SendMessage(r.Context(), sid, generation.SendRequest{
		Text:             req.Text,
		Attachments:      atts,
		CharacterID:      strings.TrimSpace(req.CharacterID),
		TemporaryContext: req.TemporaryContext,
	})
	if err != nil {
		for _, a := range atts {
			s.staging.Put(a)
		}
		respondServiceError(w, err)
		return
	}
	s.respondAttempt(w, r, sid, att)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	att, err := s.generation.ContinueFlow(r.Context(), sid)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondAttempt(w, r, sid, att)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	s.generation.Cancel(sid)
	respondJSON(w, http.StatusOK, s.generation.Status(sid))
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	att, err := s.generation.RegenerateAIMessage(r.Context(), sid, messageID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondAttempt(w, r, sid, att)
}

func (s *Server) handleRegenerateResponse(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	att, err := s.generation.RegenerateResponseForUserMessage(r.Context(), sid, messageID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondAttempt(w, r, sid, att)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sid := sessionID(r)
	att, err := s.generation.EditPanelSubmit(r.Context(), sid, generation.EditRequest{
		Action:    generation.EditAction(strings.ToUpper(strings.TrimSpace(string(req.Action)))),
		MessageID: messageID(r),
		Content:   req.Content,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondAttempt(w, r, sid, att)
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.generation.Status(sessionID(r)))
}

func (s *Server) handleGenerationTimes(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	times, err := s.generation.GenerationTimes(r.Context(), sid)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if times == nil {
		times = map[string]int64{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sid, "times_ms": times})
}

func (s *Server) handleStartAutoSend(w http.ResponseWriter, r *http.Request) {
	var req autoSendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sid := sessionID(r)
	if _, err := s.sessions.Get(r.Context(), sid); err != nil {
		respondServiceError(w, err)
		return
	}
	st, err := s.autoSend.Start(r.Context(), sid, req.Text, req.Repetitions, strings.TrimSpace(req.CharacterID))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleStopAutoSend(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	s.autoSend.Stop(sid, true)
	respondJSON(w, http.StatusOK, s.autoSend.State(sid))
}

func (s *Server) handleAutoSendState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.autoSend.State(sessionID(r)))
}
