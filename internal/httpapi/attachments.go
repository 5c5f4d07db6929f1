package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/parley/internal/attachment"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
)

const maxUploadBytes = 64 << 20

type uploadResponse struct {
	Attachments []session.Attachment `json:"attachments"`
}

// handleUploadAttachments accepts multipart "files" parts, uploads them and
// stages the results for a following send. Progress is published to the
// session named by ?session_id.
func (s *Server) handleUploadAttachments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "at least one file part named files is required")
		return
	}

	files := make([]attachment.LocalFile, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		files = append(files, attachment.LocalFile{
			Name:     h.Filename,
			MimeType: h.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	sid := strings.TrimSpace(r.URL.Query().Get("session_id"))
	var onUpdate func(int, session.Attachment)
	if sid != "" {
		onUpdate = func(i int, a session.Attachment) {
			a.LocalData = ""
			s.bus.Publish(sid, protocol.AttachmentState{Type: protocol.TypeAttachment, SessionID: sid, Index: i, Attachment: a})
		}
	}

	out := s.uploader.UploadAll(r.Context(), files, onUpdate)
	for i := range out {
		s.staging.Put(out[i])
		out[i].LocalData = ""
	}
	respondJSON(w, http.StatusCreated, uploadResponse{Attachments: out})
}

func (s *Server) handleResyncAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := s.uploader.ResyncInMessage(r.Context(), s.sessions, sessionID(r), messageID(r), strings.TrimSpace(chi.URLParam(r, "aid")))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	a.LocalData = ""
	respondJSON(w, http.StatusOK, a)
}
