package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/tts"
)

type playRequest struct {
	// Part is the segment index; -1 fetches every segment. Defaults to 0.
	Part          *int `json:"part"`
	PlayWhenReady bool `json:"play_when_ready"`
}

type resetAudioRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type seekRequest struct {
	DeltaMS    *int64 `json:"delta_ms"`
	PositionMS *int64 `json:"position_ms"`
}

type speedRequest struct {
	Direction int `json:"direction"`
}

type segmentsResponse struct {
	SessionID string             `json:"session_id"`
	MessageID string             `json:"message_id"`
	Segments  []tts.SegmentState `json:"segments"`
}

func (s *Server) respondSegments(w http.ResponseWriter, r *http.Request, status int) {
	sid, mid := sessionID(r), messageID(r)
	segs, err := s.audio.SegmentStates(r.Context(), sid, mid)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, status, segmentsResponse{SessionID: sid, MessageID: mid, Segments: segs})
}

func (s *Server) handleSegmentStates(w http.ResponseWriter, r *http.Request) {
	s.respondSegments(w, r, http.StatusOK)
}

func (s *Server) handlePlayOrFetch(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	part := 0
	if req.Part != nil {
		part = *req.Part
	}
	if part < 0 {
		part = tts.AllParts
	}
	err := s.audio.PlayOrFetch(r.Context(), sessionID(r), messageID(r), part, tts.PlayOptions{PlayWhenReady: req.PlayWhenReady})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondSegments(w, r, http.StatusAccepted)
}

func (s *Server) handleCancelGroupFetch(w http.ResponseWriter, r *http.Request) {
	cancelled := s.audio.CancelGroupFetch(messageID(r))
	respondJSON(w, http.StatusOK, map[string]any{"message_id": messageID(r), "cancelled": cancelled})
}

func (s *Server) handleResetAudio(w http.ResponseWriter, r *http.Request) {
	if err := s.audio.ResetCache(r.Context(), sessionID(r), messageID(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	s.respondSegments(w, r, http.StatusOK)
}

func (s *Server) handleResetSessionAudio(w http.ResponseWriter, r *http.Request) {
	var req resetAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ids := make([]string, 0, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "message_ids is required")
		return
	}
	if err := s.audio.ResetCacheForMany(r.Context(), sessionID(r), ids); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID(r), "reset": ids})
}

func (s *Server) handleSegmentWAV(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "part")))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "part must be an integer")
		return
	}
	pcm, err := s.audio.SegmentAudio(r.Context(), sessionID(r), messageID(r), part)
	if err != nil {
		if errors.Is(err, audio.ErrEmptyAudio) {
			respondError(w, http.StatusNotFound, "audio_not_cached", err.Error())
			return
		}
		respondServiceError(w, err)
		return
	}
	rate := s.cfg.TTSSampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, rate)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"%s_part_%d.wav\"", messageID(r), part))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.playback.Pause()
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.playback.Resume(); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var err error
	switch {
	case req.PositionMS != nil:
		err = s.playback.SeekAbsolute(time.Duration(*req.PositionMS) * time.Millisecond)
	case req.DeltaMS != nil:
		err = s.playback.SeekRelative(time.Duration(*req.DeltaMS) * time.Millisecond)
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "delta_ms or position_ms is required")
		return
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, err := s.playback.ChangeSpeed(req.Direction); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, _ *http.Request) {
	s.playback.StopAndClear()
	respondJSON(w, http.StatusOK, protocol.NewAudioState(s.playback.State()))
}
