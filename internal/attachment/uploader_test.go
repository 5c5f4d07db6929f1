package attachment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/ent0n29/parley/internal/session"
)

// fileGateway serves uploads that stay PROCESSING for a few polls. Files whose
// name starts with a key in failed report FAILED.
type fileGateway struct {
	gateway.Gateway

	mu          sync.Mutex
	pollsBefore int
	polls       map[string]int
	uploads     int
	failUpload  bool
	failed      map[string]bool
}

func (g *fileGateway) isFailed(name string) bool {
	for prefix := range g.failed {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func newFileGateway(pollsBefore int) *fileGateway {
	return &fileGateway{pollsBefore: pollsBefore, polls: map[string]int{}, failed: map[string]bool{}}
}

func (g *fileGateway) UploadFile(_ context.Context, data []byte, mimeType, displayName string) (gateway.FileRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failUpload {
		return gateway.FileRef{}, &gateway.Error{Op: "upload_file", Kind: reliability.KindServer, Status: 503}
	}
	g.uploads++
	name := fmt.Sprintf("files/%s#%d", displayName, g.uploads)
	return gateway.FileRef{Name: name, URI: "https://files.example/" + name, MimeType: mimeType, State: gateway.FileProcessing}, nil
}

func (g *fileGateway) GetFile(_ context.Context, name string) (gateway.FileRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isFailed(name) {
		return gateway.FileRef{Name: name, State: gateway.FileFailed}, nil
	}
	g.polls[name]++
	state := gateway.FileProcessing
	if g.polls[name] > g.pollsBefore {
		state = gateway.FileActive
	}
	return gateway.FileRef{Name: name, URI: "https://files.example/" + name, State: state}, nil
}

func (g *fileGateway) DeleteFile(context.Context, string) error { return nil }

func TestUploadWalksStates(t *testing.T) {
	u := NewUploader(newFileGateway(2), Config{PollInterval: time.Millisecond, PollAttempts: 5}, nil, nil)
	var states []session.UploadState
	a := u.Upload(context.Background(), LocalFile{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello")}, func(a session.Attachment) {
		states = append(states, a.State)
	})

	want := []session.UploadState{session.UploadReading, session.UploadUploading, session.UploadProcessing, session.UploadCompleted}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if !a.Usable() || a.FileURI == "" || a.UploadedAt == nil || a.Size != 5 {
		t.Fatalf("completed attachment = %+v", a)
	}
	if !strings.HasPrefix(a.LocalData, "data:text/plain;base64,") {
		t.Fatalf("LocalData = %q", a.LocalData)
	}
}

func TestUploadTimesOutWhileProcessing(t *testing.T) {
	u := NewUploader(newFileGateway(100), Config{PollInterval: time.Millisecond, PollAttempts: 3}, nil, nil)
	a := u.Upload(context.Background(), LocalFile{Name: "big.pdf", MimeType: "application/pdf", Data: []byte("%PDF")}, nil)
	if a.State != session.UploadError || a.Usable() {
		t.Fatalf("attachment = %+v, want error state", a)
	}
	if !strings.Contains(a.Error, "Request timed out") {
		t.Fatalf("Error = %q, want timeout", a.Error)
	}
}

func TestUploadAllToleratesFailures(t *testing.T) {
	gw := newFileGateway(0)
	gw.failed["files/bad.png"] = true
	u := NewUploader(gw, Config{PollInterval: time.Millisecond, PollAttempts: 2, Concurrency: 2}, nil, nil)

	out := u.UploadAll(context.Background(), []LocalFile{
		{Name: "a.png", MimeType: "image/png", Data: []byte{1}},
		{Name: "bad.png", MimeType: "image/png", Data: []byte{2}},
		{Name: "c.png", MimeType: "image/png", Data: []byte{3}},
	}, nil)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if !out[0].Usable() || out[1].Usable() || !out[2].Usable() {
		t.Fatalf("usable flags = %v %v %v, want true false true", out[0].Usable(), out[1].Usable(), out[2].Usable())
	}
	if out[1].Name != "bad.png" || out[1].State != session.UploadError {
		t.Fatalf("failed attachment = %+v", out[1])
	}
}

func TestResyncReuploadsFromLocalData(t *testing.T) {
	gw := newFileGateway(0)
	u := NewUploader(gw, Config{PollInterval: time.Millisecond, PollAttempts: 2}, nil, nil)
	a := u.Upload(context.Background(), LocalFile{Name: "x.txt", MimeType: "text/plain", Data: []byte("abc")}, nil)

	same := u.Resync(context.Background(), a, nil)
	if gw.uploads != 1 || same.FileURI != a.FileURI {
		t.Fatalf("active file should not be re-uploaded: uploads=%d", gw.uploads)
	}

	gw.failed[a.FileName] = true
	again := u.Resync(context.Background(), a, nil)
	if gw.uploads != 2 {
		t.Fatalf("uploads = %d, want 2", gw.uploads)
	}
	if again.ID != a.ID || !again.Usable() || again.FileName == a.FileName {
		t.Fatalf("resync = %+v, want a fresh remote copy under id %s", again, a.ID)
	}

	missing := u.Resync(context.Background(), session.Attachment{ID: "z", State: session.UploadError}, nil)
	if missing.State != session.UploadError || !strings.Contains(missing.Error, ErrNoLocalCopy.Error()) {
		t.Fatalf("resync without data = %+v", missing)
	}
}

func TestResyncInMessagePersists(t *testing.T) {
	ctx := context.Background()
	mgr := session.NewManager(session.NewInMemoryStore(), session.Settings{}, nil)
	s, err := mgr.Create(ctx, session.CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	gw := newFileGateway(0)
	u := NewUploader(gw, Config{PollInterval: time.Millisecond, PollAttempts: 2}, nil, nil)

	gw.failUpload = true
	a := u.Upload(ctx, LocalFile{Name: "y.txt", MimeType: "text/plain", Data: []byte("y")}, nil)
	gw.failUpload = false

	msg := session.NewMessage(session.RoleUser, "see file")
	msg.Attachments = []session.Attachment{a}
	if _, err := mgr.Update(ctx, s.ID, func(s *session.Session) error {
		s.Messages = append(s.Messages, msg)
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := u.ResyncInMessage(ctx, mgr, s.ID, msg.ID, a.ID)
	if err != nil {
		t.Fatalf("ResyncInMessage() error = %v", err)
	}
	if !got.Usable() {
		t.Fatalf("resynced attachment = %+v", got)
	}
	stored, _ := mgr.Get(ctx, s.ID)
	if !stored.Messages[0].Attachments[0].Usable() {
		t.Fatalf("stored attachment not updated: %+v", stored.Messages[0].Attachments[0])
	}

	if _, err := u.ResyncInMessage(ctx, mgr, s.ID, msg.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResyncInMessage(unknown) error = %v, want %v", err, ErrNotFound)
	}
}

func TestStagingTakeIsAllOrNothing(t *testing.T) {
	st := NewStaging(time.Minute)
	st.Put(session.Attachment{ID: "a", Name: "a.txt"})
	st.Put(session.Attachment{ID: "b", Name: "b.txt"})

	if _, err := st.Take([]string{"a", "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Take() error = %v, want %v", err, ErrNotFound)
	}
	if st.Len() != 2 {
		t.Fatalf("Len() = %d after failed take, want 2", st.Len())
	}

	got, err := st.Take([]string{"b", "a"})
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "b.txt" || got[1].Name != "a.txt" {
		t.Fatalf("Take() = %+v", got)
	}
	if st.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", st.Len())
	}
}
