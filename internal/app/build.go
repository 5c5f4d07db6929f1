package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/attachment"
	"github.com/ent0n29/parley/internal/autosend"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/events"
	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/generation"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/tts"
)

const playbackTick = 250 * time.Millisecond

type PlaybackInfo struct {
	Output string
	Detail string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Generation *generation.Controller
	AutoSend   *autosend.Service
	AutoPlay   *tts.AutoPlay
	Audio      *tts.Cache
	Playback   *tts.Engine
	Bus        *events.Bus
	Metrics    *observability.Metrics
	Gateway    string
	Output     PlaybackInfo

	// Cleanup should be called on shutdown to stop loops and release the store.
	Cleanup func() error
}

// Build constructs the engine in dependency order and wires the hooks that
// connect components after construction.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	sessions := session.NewManager(store, session.Settings{
		Model: cfg.DefaultModel,
		TTS: session.TTSSettings{
			Model:           cfg.TTSModel,
			Voice:           cfg.TTSVoice,
			MaxWordsPerPart: cfg.TTSMaxWordsPerPart,
		},
	}, logger.Named("session"))

	gw, err := gateway.NewGateway(gateway.Config{
		Mode:              cfg.GatewayMode,
		APIKey:            cfg.GeminiAPIKey,
		BaseURL:           cfg.GeminiBaseURL,
		Timeout:           cfg.GatewayTimeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}
	gatewayKind := gatewayName(gw)

	playback, err := resolvePlaybackOutput(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clients := gateway.NewClientCache(gw, cfg.ClientCacheTTL)
	bus := events.NewBus(0)

	controller := generation.NewController(sessions, clients, generation.Config{
		DefaultModel: cfg.DefaultModel,
	}, logger.Named("generation"), metrics)

	engine := tts.NewEngine(playback.output, cfg.TTSSampleRate, playbackTick, logger.Named("playback"))
	audioCache := tts.NewCache(gw, sessions, engine, tts.CacheConfig{
		Model:           cfg.TTSModel,
		Voice:           cfg.TTSVoice,
		MaxWordsPerPart: cfg.TTSMaxWordsPerPart,
		Concurrency:     cfg.TTSFetchConcurrency,
	}, logger.Named("tts"), metrics)

	autoPlay := tts.NewAutoPlay(audioCache, func(ctx context.Context, sessionID string) bool {
		s, err := sessions.Get(ctx, sessionID)
		return err == nil && s.Settings.TTS.AutoPlay
	}, cfg.AutoPlayDebounce, logger.Named("autoplay"))

	autoSend := autosend.NewService(controller, sessions, autosend.Config{
		RepeatDelay:    cfg.AutoSendRepeatDelay,
		RetryCountdown: cfg.AutoSendRetryCountdown,
	}, logger.Named("autosend"), metrics)

	uploader := attachment.NewUploader(gw, attachment.Config{
		PollInterval: cfg.UploadPollInterval,
		PollAttempts: cfg.UploadPollAttempts,
	}, logger.Named("attachment"), metrics)

	wireEvents(bus, sessions, controller, engine, audioCache, autoPlay, autoSend)

	res := &BuildResult{
		Config:     cfg,
		Sessions:   sessions,
		Generation: controller,
		AutoSend:   autoSend,
		AutoPlay:   autoPlay,
		Audio:      audioCache,
		Playback:   engine,
		Bus:        bus,
		Metrics:    metrics,
		Gateway:    gatewayKind,
		Output:     PlaybackInfo{Output: playback.resolved, Detail: playback.detail},
	}

	res.API = httpapi.New(cfg, httpapi.Deps{
		Sessions:   sessions,
		Generation: controller,
		AutoSend:   autoSend,
		Audio:      audioCache,
		Playback:   engine,
		Uploader:   uploader,
		Staging:    attachment.NewStaging(time.Hour),
		Bus:        bus,
		Metrics:    metrics,
		Activate:   res.SwitchSession,
	}, logger.Named("httpapi"))

	metrics.Sessions.Set(float64(sessions.Count(ctx)))
	if current, err := sessions.Current(ctx); err == nil && current != "" {
		autoPlay.SwitchSession(current)
	}

	res.Cleanup = func() error {
		autoSend.Close()
		autoPlay.SwitchSession("")
		controller.Close()
		engine.StopAndClear()
		if err := store.Close(); err != nil {
			return fmt.Errorf("close session store: %w", err)
		}
		return nil
	}
	return res, nil
}

// wireEvents assigns the post-construction hooks: engine state flows onto
// the bus, finalized messages reach auto-play and removed messages drop
// their audio work.
func wireEvents(
	bus *events.Bus,
	sessions *session.Manager,
	controller *generation.Controller,
	engine *tts.Engine,
	audioCache *tts.Cache,
	autoPlay *tts.AutoPlay,
	autoSend *autosend.Service,
) {
	notify := func(sessionID, level, text string) {
		evt := protocol.NewNotification(sessionID, level, text)
		if sessionID == "" {
			bus.Broadcast(evt)
			return
		}
		bus.Publish(sessionID, evt)
	}

	sessions.SetChangeHook(func(s session.Session) {
		bus.Publish(s.ID, protocol.NewSessionUpdated(s))
	})
	sessions.SetDeleteHook(func(sessionID string) {
		autoSend.Stop(sessionID, false)
		controller.Forget(sessionID)
		engine.StopSession(sessionID)
		bus.Publish(sessionID, protocol.SessionDeleted{Type: protocol.TypeSessionDeleted, SessionID: sessionID})
	})

	controller.SetFinalizedHook(autoPlay.OnFinalized)
	controller.SetMessagesChangedHook(func(_ string, messageIDs []string) {
		audioCache.Forget(messageIDs...)
	})
	controller.SetLoadingHook(func(st generation.Status) {
		bus.Publish(st.SessionID, protocol.NewLoadingChanged(st))
	})

	engine.SetStateHook(func(st tts.PlaybackState) {
		evt := protocol.NewAudioState(st)
		if st.Target == nil {
			bus.Broadcast(evt)
			return
		}
		bus.Publish(st.Target.SessionID, evt)
	})
	audioCache.SetSegmentHook(func(evt tts.SegmentEvent) {
		bus.Publish(evt.SessionID, protocol.NewSegmentState(evt))
	})
	audioCache.SetNotifier(notify)

	autoSend.SetStateHook(func(st autosend.State) {
		bus.Publish(st.SessionID, protocol.NewAutoSendState(st))
	})
	autoSend.SetNotifier(notify)
}

// SwitchSession makes sessionID current. Auto-send loops of other sessions
// stop, auto-play forgets what it has seen and playback of another session
// is cleared.
func (r *BuildResult) SwitchSession(ctx context.Context, sessionID string) error {
	if err := r.Sessions.SetCurrent(ctx, sessionID); err != nil {
		return err
	}
	r.AutoSend.SwitchSession(sessionID)
	r.AutoPlay.SwitchSession(sessionID)
	if cur, ok := r.Playback.Current(); ok && cur.SessionID != sessionID {
		r.Playback.StopAndClear()
	}
	return nil
}

func gatewayName(gw gateway.Gateway) string {
	if rl, ok := gw.(*gateway.RateLimited); ok {
		return gatewayName(rl.Unwrap()) + "+ratelimit"
	}
	switch gw.(type) {
	case *gateway.MockGateway:
		return "mock"
	case *gateway.HTTPGateway:
		return "http"
	default:
		return strings.TrimPrefix(fmt.Sprintf("%T", gw), "*")
	}
}
