package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/session"
)

type recordingPlayer struct {
	mu    sync.Mutex
	calls []string
	opts  []PlayOptions
}

func (p *recordingPlayer) PlayOrFetch(_ context.Context, sessionID, messageID string, part int, opts PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, sessionID+"/"+messageID)
	p.opts = append(p.opts, opts)
	return nil
}

func (p *recordingPlayer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func modelMessage(id, text string) session.Message {
	return session.Message{ID: id, Role: session.RoleModel, Content: text}
}

func TestAutoPlayDebouncesAndPlaysOnce(t *testing.T) {
	player := &recordingPlayer{}
	ap := NewAutoPlay(player, func(context.Context, string) bool { return true }, 20*time.Millisecond, nil)
	ap.SwitchSession("s")

	ap.OnFinalized("s", modelMessage("m1", "first"))
	ap.OnFinalized("s", modelMessage("m2", "second"))
	require.Eventually(t, func() bool { return len(player.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"s/m2"}, player.snapshot())
	require.True(t, player.opts[0].PlayWhenReady)

	ap.OnFinalized("s", modelMessage("m2", "second"))
	time.Sleep(60 * time.Millisecond)
	require.Len(t, player.snapshot(), 1, "a message must not auto-play twice")
}

func TestAutoPlayIgnoresNonModelAndDisabled(t *testing.T) {
	player := &recordingPlayer{}
	enabled := false
	ap := NewAutoPlay(player, func(context.Context, string) bool { return enabled }, 5*time.Millisecond, nil)
	ap.SwitchSession("s")

	ap.OnFinalized("s", session.Message{ID: "u", Role: session.RoleUser, Content: "hi"})
	ap.OnFinalized("s", session.Message{ID: "e", Role: session.RoleError, Content: "Error: x"})
	ap.OnFinalized("s", session.Message{ID: "p", Role: session.RoleModel, IsStreaming: true})
	ap.OnFinalized("s", modelMessage("m", "hello"))
	time.Sleep(40 * time.Millisecond)
	require.Empty(t, player.snapshot())
	require.True(t, ap.Considered("m"))
	require.False(t, ap.Considered("u"))
}

func TestAutoPlaySwitchSessionCancelsPending(t *testing.T) {
	player := &recordingPlayer{}
	ap := NewAutoPlay(player, nil, 30*time.Millisecond, nil)
	ap.SwitchSession("a")

	ap.OnFinalized("a", modelMessage("m1", "hello"))
	require.True(t, ap.Considered("m1"))
	ap.SwitchSession("b")
	require.False(t, ap.Considered("m1"))

	ap.OnFinalized("a", modelMessage("m2", "from the old session"))
	ap.OnFinalized("b", modelMessage("m3", "current"))
	require.Eventually(t, func() bool { return len(player.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"b/m3"}, player.snapshot())
}

func TestAutoPlayIgnoresMessagesWithoutCurrentSession(t *testing.T) {
	player := &recordingPlayer{}
	ap := NewAutoPlay(player, nil, 5*time.Millisecond, nil)

	ap.OnFinalized("a", modelMessage("m1", "hello"))
	ap.OnFinalized("b", modelMessage("m2", "hello again"))
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, player.snapshot())
	require.False(t, ap.Considered("m1"))

	ap.SwitchSession("b")
	ap.OnFinalized("b", modelMessage("m3", "now current"))
	require.Eventually(t, func() bool { return len(player.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"b/m3"}, player.snapshot())
}
