package autosend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/ent0n29/parley/internal/session"
)

// flakyGateway fails the first failures chat calls with a quota error.
type flakyGateway struct {
	*gateway.MockGateway
	failures atomic.Int32
	calls    atomic.Int32
}

func (g *flakyGateway) CreateChatTurn(ctx context.Context, req gateway.ChatRequest) (gateway.ChatResult, error) {
	g.calls.Add(1)
	if g.failures.Add(-1) >= 0 {
		return gateway.ChatResult{}, &gateway.Error{Op: "create_chat_turn", Kind: reliability.KindQuota, Status: 429}
	}
	return g.MockGateway.CreateChatTurn(ctx, req)
}

type harness struct {
	svc      *Service
	ctl      *generation.Controller
	sessions *session.Manager
	gw       *flakyGateway
	sid      string

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, failures int32, delay time.Duration) *harness {
	t.Helper()
	gw := &flakyGateway{MockGateway: gateway.NewMockGateway()}
	gw.Delay = delay
	gw.failures.Store(failures)

	mgr := session.NewManager(session.NewInMemoryStore(), session.Settings{}, nil)
	clients := gateway.NewClientCache(gw, time.Minute)
	ctl := generation.NewController(mgr, clients, generation.Config{DefaultModel: "test"}, nil, nil)
	svc := NewService(ctl, mgr, Config{
		RepeatDelay:    5 * time.Millisecond,
		RetryCountdown: 30 * time.Millisecond,
		CountdownTick:  10 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(svc.Close)

	s, err := mgr.Create(context.Background(), session.CreateRequest{})
	require.NoError(t, err)
	h := &harness{svc: svc, ctl: ctl, sessions: mgr, gw: gw, sid: s.ID}
	svc.SetStateHook(func(st State) {
		h.mu.Lock()
		h.states = append(h.states, st)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) messages(t *testing.T) []session.Message {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), h.sid)
	require.NoError(t, err)
	return s.Messages
}

func (h *harness) sawState(pred func(State) bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if pred(st) {
			return true
		}
	}
	return false
}

func TestLoopSendsExactlyN(t *testing.T) {
	h := newHarness(t, 0, 0)
	st, err := h.svc.Start(context.Background(), h.sid, "ping", 3, "")
	require.NoError(t, err)
	require.True(t, st.Active)
	require.Equal(t, 3, st.Remaining)

	require.Eventually(t, func() bool { return !h.svc.State(h.sid).Active }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.svc.State(h.sid).Remaining)
	require.False(t, h.ctl.IsLoading(h.sid))

	msgs := h.messages(t)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		if i%2 == 0 {
			require.Equal(t, session.RoleUser, m.Role)
			require.Equal(t, "ping", m.Content)
		} else {
			require.Equal(t, session.RoleModel, m.Role)
		}
	}
	require.EqualValues(t, 3, h.gw.calls.Load())
	require.True(t, h.sawState(func(st State) bool { return st.Preparing }))
}

func TestLoopRetriesErrorWithoutConsumingRepetition(t *testing.T) {
	h := newHarness(t, 1, 0)
	_, err := h.svc.Start(context.Background(), h.sid, "ping", 2, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !h.svc.State(h.sid).Active }, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.sawState(func(st State) bool {
		return st.WaitingForRetry && st.Remaining == 2 && st.CountdownSeconds == 1
	}), "expected a countdown state with the repetition count untouched")

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		require.NotEqual(t, session.RoleError, m.Role)
	}
	require.EqualValues(t, 3, h.gw.calls.Load())
}

func TestUserStopCancelsInFlightGeneration(t *testing.T) {
	h := newHarness(t, 0, time.Second)
	_, err := h.svc.Start(context.Background(), h.sid, "ping", 5, "")
	require.NoError(t, err)
	require.True(t, h.ctl.IsLoading(h.sid))

	h.svc.Stop(h.sid, true)
	st := h.svc.State(h.sid)
	require.False(t, st.Active)
	require.Equal(t, 0, st.Remaining)
	require.False(t, h.ctl.IsLoading(h.sid))

	msgs := h.messages(t)
	require.Len(t, msgs, 1, "placeholder should be removed on cancel")
	require.Equal(t, session.RoleUser, msgs[0].Role)
}

func TestExternalCancelStopsLoop(t *testing.T) {
	h := newHarness(t, 0, time.Second)
	_, err := h.svc.Start(context.Background(), h.sid, "ping", 5, "")
	require.NoError(t, err)

	h.ctl.Cancel(h.sid)
	require.Eventually(t, func() bool { return !h.svc.State(h.sid).Active }, time.Second, 5*time.Millisecond)
	require.Equal(t, 5, h.svc.State(h.sid).Remaining)
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t, 0, time.Second)
	_, err := h.svc.Start(context.Background(), h.sid, "  ", 3, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.Start(context.Background(), h.sid, "ping", 0, "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.ctl.SendMessage(context.Background(), h.sid, generation.SendRequest{Text: "manual"})
	require.NoError(t, err)
	_, err = h.svc.Start(context.Background(), h.sid, "ping", 3, "")
	require.True(t, errors.Is(err, generation.ErrBusy), "err = %v", err)
	h.ctl.Cancel(h.sid)

	_, err = h.svc.Start(context.Background(), h.sid, "ping", 3, "")
	require.NoError(t, err)
	_, err = h.svc.Start(context.Background(), h.sid, "ping", 3, "")
	require.ErrorIs(t, err, ErrActive)
}

func TestSwitchSessionStopsOtherLoops(t *testing.T) {
	h := newHarness(t, 1, 0)
	_, err := h.svc.Start(context.Background(), h.sid, "ping", 2, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.svc.State(h.sid).WaitingForRetry }, time.Second, 2*time.Millisecond)

	h.svc.SwitchSession("another")
	st := h.svc.State(h.sid)
	require.False(t, st.Active)
	require.Equal(t, 2, st.Remaining)

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, h.gw.calls.Load(), "retry must not fire after the switch")
}
