package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/attachment"
	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/autosend"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/events"
	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

type testAPI struct {
	ts       *httptest.Server
	gw       *gateway.MockGateway
	sessions *session.Manager
	ctl      *generation.Controller
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gw := gateway.NewMockGateway()
	metrics := observability.NewMetrics("test_httpapi")
	mgr := session.NewManager(session.NewInMemoryStore(), session.Settings{Model: "mock-model"}, nil)
	bus := events.NewBus(64)

	ctl := generation.NewController(mgr, gateway.NewClientCache(gw, time.Minute), generation.Config{DefaultModel: "mock-model"}, nil, metrics)
	ctl.SetLoadingHook(func(st generation.Status) {
		bus.Publish(st.SessionID, protocol.NewLoadingChanged(st))
	})
	engine := tts.NewEngine(audio.NewTimerOutput(), audio.DefaultSampleRate, 20*time.Millisecond, nil)
	cache := tts.NewCache(gw, mgr, engine, tts.CacheConfig{Model: "tts", Voice: "v"}, nil, metrics)
	loop := autosend.NewService(ctl, mgr, autosend.Config{RepeatDelay: time.Millisecond, RetryCountdown: 10 * time.Millisecond, CountdownTick: 5 * time.Millisecond}, nil, metrics)
	t.Cleanup(func() {
		loop.Close()
		ctl.Close()
		engine.StopAndClear()
	})

	srv := New(config.Config{TTSSampleRate: audio.DefaultSampleRate}, Deps{
		Sessions:   mgr,
		Generation: ctl,
		AutoSend:   loop,
		Audio:      cache,
		Playback:   engine,
		Uploader:   attachment.NewUploader(gw, attachment.Config{PollInterval: time.Millisecond, PollAttempts: 3}, nil, metrics),
		Staging:    attachment.NewStaging(time.Minute),
		Bus:        bus,
		Metrics:    metrics,
	}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testAPI{ts: ts, gw: gw, sessions: mgr, ctl: ctl}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func (a *testAPI) createSession(t *testing.T) string {
	t.Helper()
	var created session.Session
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/v1/sessions", nil, &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	id := api.createSession(t)

	var list struct {
		Sessions []session.Summary `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/sessions", nil, &list))
	require.Len(t, list.Sessions, 1)

	var current map[string]string
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/sessions/current", nil, &current))
	require.Equal(t, id, current["session_id"], "first session becomes current")
	second := api.createSession(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/sessions/current", nil, &current))
	require.Equal(t, id, current["session_id"])
	require.Equal(t, http.StatusOK, api.do(t, http.MethodDelete, "/v1/sessions/"+second, nil, nil))

	var updated session.Session
	title := "Renamed"
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPatch, "/v1/sessions/"+id, map[string]any{"title": title}, &updated))
	require.Equal(t, title, updated.Title)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/activate", nil, nil))
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/sessions/current", nil, &current))
	require.Equal(t, id, current["session_id"])

	require.Equal(t, http.StatusOK, api.do(t, http.MethodDelete, "/v1/sessions/"+id, nil, nil))
	var errResp errorResponse
	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/v1/sessions/"+id, nil, &errResp))
	require.Equal(t, "session_not_found", errResp.Code)
}

func TestSendMessageWaitReturnsSettledSession(t *testing.T) {
	api := newTestAPI(t)
	id := api.createSession(t)

	var resp attemptResponse
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]any{"text": "hello there"}, &resp))
	require.True(t, resp.Started)
	require.NotNil(t, resp.Session)
	require.Len(t, resp.Session.Messages, 2)
	model := resp.Session.Messages[1]
	require.Equal(t, session.RoleModel, model.Role)
	require.Equal(t, resp.MessageID, model.ID)
	require.Contains(t, model.Content, "I heard you: hello there")
	require.Equal(t, "hello there", resp.Session.Title)

	var times struct {
		TimesMS map[string]int64 `json:"times_ms"`
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/sessions/"+id+"/generation-times", nil, &times))
	require.Contains(t, times.TimesMS, model.ID)
}

func TestGenerationErrorsMapToStatusCodes(t *testing.T) {
	api := newTestAPI(t)
	api.gw.Delay = time.Second
	id := api.createSession(t)

	var errResp errorResponse
	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"text": "  "}, &errResp))
	require.Equal(t, "invalid_request", errResp.Code)
	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/v1/sessions/nope/messages", map[string]any{"text": "hi"}, nil))

	var resp attemptResponse
	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"text": "hi"}, &resp))
	require.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"text": "again"}, &errResp))
	require.Equal(t, "busy", errResp.Code)

	var status generation.Status
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, &status))
	require.False(t, status.IsLoading)

	sess, err := api.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	require.Equal(t, session.RoleUser, sess.Messages[0].Role)

	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages/"+sess.Messages[0].ID+"/regenerate", nil, nil))
}

func TestAudioFetchThenExportWAV(t *testing.T) {
	api := newTestAPI(t)
	id := api.createSession(t)
	var resp attemptResponse
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]any{"text": "speak"}, &resp))
	base := "/v1/sessions/" + id + "/messages/" + resp.MessageID + "/audio"

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, base, map[string]any{"part": 0}, nil))
	require.Eventually(t, func() bool {
		var segs segmentsResponse
		if api.do(t, http.MethodGet, base, nil, &segs) != http.StatusOK || len(segs.Segments) != 1 {
			return false
		}
		return segs.Segments[0].Status == tts.StatusCached
	}, 2*time.Second, 10*time.Millisecond)

	res, err := http.Get(api.ts.URL + base + "/0.wav")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "audio/wav", res.Header.Get("Content-Type"))
	head := make([]byte, 4)
	_, err = io.ReadFull(res.Body, head)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(head))

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, base+"/reset", nil, nil))
	var errResp errorResponse
	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, base+"/0.wav", nil, &errResp))
	require.Equal(t, "audio_not_cached", errResp.Code)

	sessionReset := "/v1/sessions/" + id + "/audio/reset"
	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, sessionReset, map[string]any{"message_ids": []string{" "}}, nil))
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, sessionReset, map[string]any{"message_ids": []string{resp.MessageID}}, nil))

	require.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/v1/playback/resume", nil, nil))
}

func TestUploadThenSendWithAttachment(t *testing.T) {
	api := newTestAPI(t)
	id := api.createSession(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("remember the milk"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	res, err := http.Post(api.ts.URL+"/v1/attachments", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var uploaded uploadResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&uploaded))
	require.Len(t, uploaded.Attachments, 1)
	att := uploaded.Attachments[0]
	require.Equal(t, session.UploadCompleted, att.State)
	require.Empty(t, att.LocalData)

	var resp attemptResponse
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]any{
		"text":           "see file",
		"attachment_ids": []string{att.ID},
	}, &resp))
	require.Len(t, resp.Session.Messages[0].Attachments, 1)
	require.Contains(t, resp.Session.Messages[1].Content, "(with 1 attachment(s))")

	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{
		"text":           "again",
		"attachment_ids": []string{att.ID},
	}, nil))

	var resynced session.Attachment
	path := "/v1/sessions/" + id + "/messages/" + resp.Session.Messages[0].ID + "/attachments/" + att.ID + "/resync"
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, path, nil, &resynced))
	require.True(t, resynced.Usable())
}

func TestAutoSendEndpoints(t *testing.T) {
	api := newTestAPI(t)
	id := api.createSession(t)

	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/auto-send", map[string]any{"text": "go", "repetitions": 0}, nil))

	var st autosend.State
	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/auto-send", map[string]any{"text": "go", "repetitions": 2}, &st))
	require.True(t, st.Active)

	require.Eventually(t, func() bool {
		var cur autosend.State
		api.do(t, http.MethodGet, "/v1/sessions/"+id+"/auto-send", nil, &cur)
		return !cur.Active
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := api.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
}

func TestSessionWebSocketStreamsLoadingAndAcceptsCancel(t *testing.T) {
	api := newTestAPI(t)
	api.gw.Delay = 2 * time.Second
	id := api.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readUntil := func(pred func(map[string]any) bool) map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var evt map[string]any
			require.NoError(t, conn.ReadJSON(&evt))
			if pred(evt) {
				return evt
			}
		}
	}

	first := readUntil(func(map[string]any) bool { return true })
	require.Equal(t, string(protocol.TypeSessionUpdated), first["type"])

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]any{"text": "slow"}, nil))
	readUntil(func(evt map[string]any) bool {
		return evt["type"] == string(protocol.TypeLoadingChanged) && evt["is_loading"] == true
	})

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: id,
		Action:    protocol.ActionCancelGeneration,
	}))
	readUntil(func(evt map[string]any) bool {
		return evt["type"] == string(protocol.TypeLoadingChanged) && evt["is_loading"] == false
	})
	require.False(t, api.ctl.IsLoading(id))
}

func TestHealthAndPerfRoutes(t *testing.T) {
	api := newTestAPI(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/healthz", nil, &health))
	require.Equal(t, "in-memory", health["store_mode"])
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/readyz", nil, nil))

	var perf observability.StageSnapshot
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/perf/latency", nil, &perf))

	res, err := http.Get(api.ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}
