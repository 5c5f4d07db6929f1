package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:       "test_app",
		ShutdownTimeout:        time.Second,
		GatewayMode:            "mock",
		GatewayTimeout:         time.Second,
		DefaultModel:           "mock-model",
		ClientCacheTTL:         time.Minute,
		TTSModel:               "mock-tts",
		TTSVoice:               "mock-voice",
		TTSSampleRate:          24000,
		TTSFetchConcurrency:    2,
		AutoSendRepeatDelay:    time.Millisecond,
		AutoSendRetryCountdown: 10 * time.Millisecond,
		AutoPlayDebounce:       5 * time.Millisecond,
		UploadPollInterval:     time.Millisecond,
		UploadPollAttempts:     3,
	}
}

func build(t *testing.T) *BuildResult {
	t.Helper()
	res, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })
	require.Equal(t, "mock", res.Gateway)
	require.Equal(t, "headless", res.Output.Output)
	return res
}

func drain(ch <-chan any, want protocol.MessageType, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			if typ, ok := protocol.TypeOf(evt); ok && typ == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestBuildPublishesEngineEvents(t *testing.T) {
	res := build(t)
	ctx := context.Background()
	s, err := res.Sessions.Create(ctx, session.CreateRequest{})
	require.NoError(t, err)

	events, unsubscribe := res.Bus.Subscribe(s.ID)
	defer unsubscribe()

	att, err := res.Generation.SendMessage(ctx, s.ID, generation.SendRequest{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, att.Wait(ctx))

	require.True(t, drain(events, protocol.TypeLoadingChanged, time.Second))
	require.True(t, drain(events, protocol.TypeSessionUpdated, time.Second))
}

func TestAutoPlaySpeaksFinalizedReply(t *testing.T) {
	res := build(t)
	ctx := context.Background()
	s, err := res.Sessions.Create(ctx, session.CreateRequest{
		Settings: &session.Settings{Model: "mock-model", TTS: session.TTSSettings{AutoPlay: true}},
	})
	require.NoError(t, err)
	require.NoError(t, res.SwitchSession(ctx, s.ID))

	att, err := res.Generation.SendMessage(ctx, s.ID, generation.SendRequest{Text: "read this aloud"})
	require.NoError(t, err)
	require.NoError(t, att.Wait(ctx))

	require.Eventually(t, func() bool {
		cur, ok := res.Playback.Current()
		return ok && cur.MessageID == att.MessageID && res.Playback.IsPlaying()
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, res.AutoPlay.Considered(att.MessageID))
}

func TestSwitchSessionStopsOtherSessionWork(t *testing.T) {
	res := build(t)
	ctx := context.Background()
	a, err := res.Sessions.Create(ctx, session.CreateRequest{})
	require.NoError(t, err)
	b, err := res.Sessions.Create(ctx, session.CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, res.SwitchSession(ctx, a.ID))

	att, err := res.Generation.SendMessage(ctx, a.ID, generation.SendRequest{Text: "speak"})
	require.NoError(t, err)
	require.NoError(t, att.Wait(ctx))
	require.NoError(t, res.Audio.PlayOrFetch(ctx, a.ID, att.MessageID, 0, tts.PlayOptions{PlayWhenReady: true}))
	require.Eventually(t, res.Playback.IsPlaying, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, res.SwitchSession(ctx, b.ID))
	_, ok := res.Playback.Current()
	require.False(t, ok)

	current, err := res.Sessions.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID, current)
}

func TestDeleteSessionForgetsEngineState(t *testing.T) {
	res := build(t)
	ctx := context.Background()
	s, err := res.Sessions.Create(ctx, session.CreateRequest{})
	require.NoError(t, err)
	events, unsubscribe := res.Bus.Subscribe(s.ID)
	defer unsubscribe()

	require.NoError(t, res.Sessions.Delete(ctx, s.ID))
	require.True(t, drain(events, protocol.TypeSessionDeleted, time.Second))
	require.False(t, res.Generation.IsLoading(s.ID))
}
