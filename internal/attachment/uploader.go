package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
)

var (
	ErrNoLocalCopy = errors.New("attachment has no local copy to re-upload")
	ErrNotFound    = errors.New("attachment not found")
)

// LocalFile is a file picked by the user, before upload.
type LocalFile struct {
	Name     string
	MimeType string
	Data     []byte
}

type Config struct {
	PollInterval time.Duration
	PollAttempts int
	Concurrency  int
}

// Uploader moves attachments through reading, uploading and processing to
// completed or error. Failures are recorded on the attachment itself.
type Uploader struct {
	gw      gateway.Gateway
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewUploader(gw gateway.Gateway, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Uploader{gw: gw, cfg: cfg, logger: logger, metrics: metrics}
}

// Upload sends one file. onUpdate, when set, sees every state transition.
func (u *Uploader) Upload(ctx context.Context, f LocalFile, onUpdate func(session.Attachment)) session.Attachment {
	a := session.Attachment{
		ID:       uuid.NewString(),
		Name:     f.Name,
		MimeType: strings.TrimSpace(f.MimeType),
		Size:     int64(len(f.Data)),
		State:    session.UploadReading,
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	emit(onUpdate, a)

	a.LocalData = dataURL(a.MimeType, f.Data)
	return u.push(ctx, a, f.Data, onUpdate)
}

func (u *Uploader) push(ctx context.Context, a session.Attachment, data []byte, onUpdate func(session.Attachment)) session.Attachment {
	start := time.Now()
	a.Error = ""
	a.State = session.UploadUploading
	emit(onUpdate, a)

	ref, err := u.gw.UploadFile(ctx, data, a.MimeType, a.Name)
	if err != nil {
		return u.fail(a, err, onUpdate)
	}
	a.FileName = ref.Name

	if ref.State != gateway.FileActive {
		a.State = session.UploadProcessing
		emit(onUpdate, a)
		ref, err = gateway.PollUntilActive(ctx, u.gw, ref.Name, u.cfg.PollInterval, u.cfg.PollAttempts)
		if err != nil {
			return u.fail(a, err, onUpdate)
		}
	}

	now := time.Now().UTC()
	a.FileURI = ref.URI
	a.State = session.UploadCompleted
	a.UploadedAt = &now
	emit(onUpdate, a)

	u.metrics.ObserveStage(observability.StageUploadReady, time.Since(start))
	u.logger.Debug("attachment ready", zap.String("name", a.Name), zap.String("file", a.FileName), zap.Duration("elapsed", time.Since(start)))
	return a
}

func (u *Uploader) fail(a session.Attachment, err error, onUpdate func(session.Attachment)) session.Attachment {
	a.State = session.UploadError
	a.Error = gateway.FormatError(err)
	a.FileURI = ""
	emit(onUpdate, a)
	u.logger.Warn("attachment upload failed", zap.String("name", a.Name), zap.Error(err))
	return a
}

// UploadAll uploads files concurrently. Results keep the input order and a
// failed file never fails the batch.
func (u *Uploader) UploadAll(ctx context.Context, files []LocalFile, onUpdate func(index int, a session.Attachment)) []session.Attachment {
	out := make([]session.Attachment, len(files))
	var g errgroup.Group
	g.SetLimit(u.cfg.Concurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			var cb func(session.Attachment)
			if onUpdate != nil {
				cb = func(a session.Attachment) { onUpdate(i, a) }
			}
			out[i] = u.Upload(ctx, f, cb)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Resync makes sure the remote copy of a is still usable and re-uploads it
// from the retained local data when it is not.
func (u *Uploader) Resync(ctx context.Context, a session.Attachment, onUpdate func(session.Attachment)) session.Attachment {
	if a.State == session.UploadCompleted && a.FileName != "" {
		ref, err := u.gw.GetFile(ctx, a.FileName)
		if err == nil && ref.State == gateway.FileActive {
			return a
		}
	}
	data, err := decodeDataURL(a.LocalData)
	if err != nil {
		return u.fail(a, err, onUpdate)
	}
	a.FileName = ""
	a.FileURI = ""
	a.UploadedAt = nil
	return u.push(ctx, a, data, onUpdate)
}

// Remove deletes the remote copy, if any.
func (u *Uploader) Remove(ctx context.Context, a session.Attachment) error {
	if a.FileName == "" {
		return nil
	}
	return u.gw.DeleteFile(ctx, a.FileName)
}

// Sessions is what ResyncInMessage writes through.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Update(ctx context.Context, sessionID string, fn func(*session.Session) error) (session.Session, error)
}

// ResyncInMessage resyncs an attachment stored on a message and persists
// every state change back onto that message.
func (u *Uploader) ResyncInMessage(ctx context.Context, sessions Sessions, sessionID, messageID, attachmentID string) (session.Attachment, error) {
	s, err := sessions.Get(ctx, sessionID)
	if err != nil {
		return session.Attachment{}, err
	}
	msg := s.FindMessage(messageID)
	if msg == nil {
		return session.Attachment{}, ErrNotFound
	}
	var current *session.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == attachmentID {
			current = &msg.Attachments[i]
			break
		}
	}
	if current == nil {
		return session.Attachment{}, ErrNotFound
	}

	persist := func(a session.Attachment) {
		_, err := sessions.Update(ctx, sessionID, func(s *session.Session) error {
			m := s.FindMessage(messageID)
			if m == nil {
				return ErrNotFound
			}
			for i := range m.Attachments {
				if m.Attachments[i].ID == a.ID {
					m.Attachments[i] = a
					return nil
				}
			}
			return ErrNotFound
		})
		if err != nil {
			u.logger.Warn("persist attachment state failed", zap.String("attachment_id", a.ID), zap.Error(err))
		}
	}
	return u.Resync(ctx, *current, persist), nil
}

func emit(fn func(session.Attachment), a session.Attachment) {
	if fn != nil {
		fn(a)
	}
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeDataURL(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrNoLocalCopy
	}
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, ErrNoLocalCopy
		}
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
