package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
)

// AllParts asks PlayOrFetch for the whole message rather than one segment.
const AllParts = -1

var (
	ErrNothingToSpeak  = errors.New("message has no speakable text")
	ErrPartOutOfRange  = errors.New("segment index out of range")
	ErrMessageNotFound = errors.New("message not found")
	errStaleSegment    = errors.New("message content changed while fetching audio")
)

// Sessions is the subset of the session manager the cache reads and writes.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Update(ctx context.Context, sessionID string, fn func(*session.Session) error) (session.Session, error)
}

type CacheConfig struct {
	Model           string
	Voice           string
	MaxWordsPerPart int
	Concurrency     int
	StoreTimeout    time.Duration
}

type PlayOptions struct {
	// PlayWhenReady starts playback once the fetch lands, provided the
	// segment is still the engine's target.
	PlayWhenReady bool
}

// SegmentEvent reports a change in one segment's fetch state.
type SegmentEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Key       string `json:"segment_key"`
	Part      int    `json:"part"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

type SegmentState struct {
	Key    string `json:"segment_key"`
	Part   int    `json:"part"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type fetch struct {
	cancel        context.CancelFunc
	done          chan struct{}
	playWhenReady bool
	// stored is set before done is closed.
	stored bool
}

type groupFetch struct {
	cancel context.CancelFunc
}

type job struct {
	target   Target
	text     string
	req      gateway.SpeechRequest
	maxWords int
}

// Cache fetches segment audio at most once and stores it on the message.
type Cache struct {
	mu       sync.Mutex
	gw       gateway.Gateway
	sessions Sessions
	engine   *Engine
	cfg      CacheConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	fetching map[string]*fetch
	groups   map[string]*groupFetch
	errs     map[string]string

	hookMu    sync.RWMutex
	onSegment func(SegmentEvent)
	notify    func(sessionID, level, text string)
}

// NewCache builds the cache and installs itself as the engine's target-left
// and auto-advance handler.
func NewCache(gw gateway.Gateway, sessions Sessions, engine *Engine, cfg CacheConfig, logger *zap.Logger, metrics *observability.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	c := &Cache{
		gw:       gw,
		sessions: sessions,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		fetching: make(map[string]*fetch),
		groups:   make(map[string]*groupFetch),
		errs:     make(map[string]string),
	}
	engine.SetTargetLeftHook(c.targetLeft)
	engine.SetAutoAdvanceHook(c.advance)
	return c
}

func (c *Cache) SetSegmentHook(fn func(SegmentEvent)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onSegment = fn
}

// SetNotifier registers the transient notification sink.
func (c *Cache) SetNotifier(fn func(sessionID, level, text string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.notify = fn
}

// resolved is a message with its segments and speech settings.
type resolved struct {
	msg      session.Message
	segments []string
	maxWords int
	req      gateway.SpeechRequest
}

func (c *Cache) resolve(ctx context.Context, sessionID, messageID string) (resolved, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return resolved{}, err
	}
	msg := s.FindMessage(messageID)
	if msg == nil {
		return resolved{}, ErrMessageNotFound
	}
	settings := s.Settings.TTS
	maxWords := settings.MaxWordsPerPart
	if maxWords <= 0 {
		maxWords = c.cfg.MaxWordsPerPart
	}
	segs := Segments(msg.Content, maxWords)
	if len(segs) == 0 {
		return resolved{}, ErrNothingToSpeak
	}
	req := gateway.SpeechRequest{
		Model: firstNonEmpty(settings.Model, c.cfg.Model),
		Voice: firstNonEmpty(settings.Voice, c.cfg.Voice),
		Style: settings.StyleInstruction,
	}
	return resolved{msg: *msg, segments: segs, maxWords: maxWords, req: req}, nil
}

func cachedPart(msg session.Message, part, total int) []byte {
	if len(msg.AudioBuffers) != total || part < 0 || part >= total {
		return nil
	}
	return msg.AudioBuffers[part]
}

// PlayOrFetch plays a cached segment or starts fetching it. With part ==
// AllParts it covers the whole message: play segment 0 when everything is
// cached, otherwise fetch every missing segment without playing.
func (c *Cache) PlayOrFetch(ctx context.Context, sessionID, messageID string, part int, opts PlayOptions) error {
	r, err := c.resolve(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	total := len(r.segments)
	if part == AllParts {
		return c.playOrFetchAll(sessionID, r)
	}
	if part < 0 || part >= total {
		return ErrPartOutOfRange
	}

	t := Target{SessionID: sessionID, MessageID: messageID, Part: part, Total: total}
	if pcm := cachedPart(r.msg, part, total); pcm != nil {
		c.clearError(t.Key())
		c.metrics.CountIndicator("tts_cache_hit")
		return c.engine.Play(t, pcm, 0)
	}

	c.engine.SetLoading(t)
	f, fctx, claimed := c.claim(context.Background(), t, opts.PlayWhenReady)
	if !claimed {
		return nil
	}
	go func() {
		_ = c.runFetch(fctx, job{target: t, text: r.segments[part], req: r.req, maxWords: r.maxWords}, f)
	}()
	return nil
}

func (c *Cache) playOrFetchAll(sessionID string, r resolved) error {
	total := len(r.segments)
	first := Target{SessionID: sessionID, MessageID: r.msg.ID, Part: 0, Total: total}

	jobs := make([]job, 0, total)
	for i, text := range r.segments {
		if cachedPart(r.msg, i, total) != nil {
			continue
		}
		t := Target{SessionID: sessionID, MessageID: r.msg.ID, Part: i, Total: total}
		jobs = append(jobs, job{target: t, text: text, req: r.req, maxWords: r.maxWords})
	}
	if len(jobs) == 0 {
		c.clearError(first.Key())
		c.metrics.CountIndicator("tts_cache_hit")
		return c.engine.Play(first, cachedPart(r.msg, 0, total), 0)
	}

	c.engine.SetLoading(first)

	c.mu.Lock()
	if _, running := c.groups[r.msg.ID]; running {
		c.mu.Unlock()
		return nil
	}
	gctx, cancel := context.WithCancel(context.Background())
	g := &groupFetch{cancel: cancel}
	c.groups[r.msg.ID] = g
	c.mu.Unlock()

	go c.runGroup(gctx, g, first, jobs)
	return nil
}

// runGroup fetches every job and tolerates individual failures. Jobs that
// end without audio while the group is still live count as failed or
// skipped and make the report partial.
func (c *Cache) runGroup(ctx context.Context, g *groupFetch, first Target, jobs []job) {
	var (
		eg      errgroup.Group
		failed  atomic.Int32
		skipped atomic.Int32
	)
	eg.SetLimit(c.cfg.Concurrency)
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			f, fctx, claimed := c.claim(ctx, j.target, false)
			if !claimed {
				select {
				case <-f.done:
				case <-ctx.Done():
					return nil
				}
				switch {
				case f.stored:
				case c.errorFor(j.target.Key()) != "":
					failed.Add(1)
				default:
					skipped.Add(1)
				}
				return nil
			}
			err := c.runFetch(fctx, j, f)
			switch {
			case err == nil:
			case !gateway.IsAbort(err):
				failed.Add(1)
			case ctx.Err() == nil:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	c.mu.Lock()
	if c.groups[first.MessageID] == g {
		delete(c.groups, first.MessageID)
	}
	c.mu.Unlock()
	cancelled := ctx.Err() != nil
	g.cancel()

	c.engine.ClearLoading(first)
	nFailed, nSkipped := int(failed.Load()), int(skipped.Load())
	switch {
	case cancelled:
		c.logger.Debug("segment group fetch cancelled", zap.String("message_id", first.MessageID))
	case nFailed == 0 && nSkipped == 0:
		c.notifyf(first.SessionID, "success", "Audio ready: all %d part(s) fetched. Press play to listen.", first.Total)
	case nSkipped == 0:
		c.notifyf(first.SessionID, "warning", "Audio partially ready: %d of %d part(s) failed.", nFailed, len(jobs))
	default:
		c.notifyf(first.SessionID, "warning", "Audio partially ready: %d of %d part(s) missing (%d failed, %d cancelled).",
			nFailed+nSkipped, len(jobs), nFailed, nSkipped)
	}
}

// claim registers a fetch for t. When one is already running it returns
// that fetch with claimed == false.
func (c *Cache) claim(parent context.Context, t Target, playWhenReady bool) (*fetch, context.Context, bool) {
	key := t.Key()
	c.mu.Lock()
	if f, ok := c.fetching[key]; ok {
		if playWhenReady {
			f.playWhenReady = true
		}
		c.mu.Unlock()
		c.metrics.CountIndicator("tts_fetch_deduplicated")
		return f, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	f := &fetch{cancel: cancel, done: make(chan struct{}), playWhenReady: playWhenReady}
	c.fetching[key] = f
	delete(c.errs, key)
	c.mu.Unlock()

	c.segmentChanged(t, StatusLoading, "")
	return f, ctx, true
}

func (c *Cache) runFetch(ctx context.Context, j job, f *fetch) error {
	defer close(f.done)
	t := j.target
	key := t.Key()
	start := time.Now()

	req := j.req
	req.Text = j.text
	pcm, err := c.gw.SynthesizeSpeech(ctx, req)
	if err == nil && len(pcm) == 0 {
		err = audio.ErrEmptyAudio
	}
	f.cancel()

	c.mu.Lock()
	current := c.fetching[key] == f
	if current {
		delete(c.fetching, key)
	}
	playWhenReady := f.playWhenReady
	aborted := !current || gateway.IsAbort(err)
	if err != nil && !aborted {
		c.errs[key] = gateway.FormatError(err)
	}
	c.mu.Unlock()

	if aborted {
		c.metrics.TTSFetch("aborted")
		c.engine.ClearLoading(t)
		c.segmentChanged(t, StatusIdle, "")
		if err == nil {
			return context.Canceled
		}
		return err
	}
	if err != nil {
		msg := gateway.FormatError(err)
		c.metrics.TTSFetch("error")
		c.logger.Warn("segment fetch failed", zap.String("segment", key), zap.Error(err))
		c.engine.SetError(t, msg)
		c.segmentChanged(t, StatusError, msg)
		return err
	}

	if err := c.store(j, pcm); err != nil {
		c.metrics.TTSFetch("discarded")
		c.logger.Info("fetched audio not stored", zap.String("segment", key), zap.Error(err))
		c.engine.ClearLoading(t)
		c.segmentChanged(t, StatusIdle, "")
		return err
	}
	f.stored = true
	c.metrics.TTSFetch("ok")
	c.metrics.ObserveStage(observability.StageTTSFetch, time.Since(start))
	c.segmentChanged(t, StatusCached, "")

	if playWhenReady {
		if cur, ok := c.engine.Current(); ok && cur.SessionID == t.SessionID && cur.Key() == key && !c.engine.IsPlaying() {
			return c.engine.Play(t, pcm, 0)
		}
		return nil
	}
	c.engine.ClearLoading(t)
	return nil
}

// store writes pcm into the message's buffer slot, unless the message text
// no longer splits into the segments the fetch was made for.
func (c *Cache) store(j job, pcm []byte) error {
	t := j.target
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	_, err := c.sessions.Update(ctx, t.SessionID, func(s *session.Session) error {
		msg := s.FindMessage(t.MessageID)
		if msg == nil {
			return ErrMessageNotFound
		}
		segs := Segments(msg.Content, j.maxWords)
		if len(segs) != t.Total || segs[t.Part] != j.text {
			return errStaleSegment
		}
		if len(msg.AudioBuffers) != t.Total {
			msg.AudioBuffers = make([][]byte, t.Total)
		}
		msg.AudioBuffers[t.Part] = pcm
		return nil
	})
	return err
}

// advance plays the next segment after a natural end, only if it is cached.
func (c *Cache) advance(finished Target) {
	next := finished.Part + 1
	if next >= finished.Total {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	s, err := c.sessions.Get(ctx, finished.SessionID)
	if err != nil {
		return
	}
	msg := s.FindMessage(finished.MessageID)
	if msg == nil {
		return
	}
	pcm := cachedPart(*msg, next, finished.Total)
	if pcm == nil {
		c.logger.Debug("next segment not cached, stopping", zap.String("message_id", finished.MessageID), zap.Int("part", next))
		return
	}
	t := finished
	t.Part = next
	if err := c.engine.Play(t, pcm, 0); err != nil {
		c.logger.Warn("auto-advance failed", zap.String("segment", t.Key()), zap.Error(err))
	}
}

// targetLeft cancels work for a segment the engine no longer targets.
func (c *Cache) targetLeft(old Target, next *Target) {
	key := old.Key()
	c.mu.Lock()
	var cancelled []*fetch
	if f, ok := c.fetching[key]; ok {
		delete(c.fetching, key)
		cancelled = append(cancelled, f)
	}
	if next == nil || next.MessageID != old.MessageID {
		if g, ok := c.groups[old.MessageID]; ok {
			delete(c.groups, old.MessageID)
			g.cancel()
		}
	}
	c.mu.Unlock()
	for _, f := range cancelled {
		f.cancel()
	}
}

// CancelGroupFetch aborts the fetch-all group of a message. Segments that
// already landed stay cached.
func (c *Cache) CancelGroupFetch(messageID string) bool {
	c.mu.Lock()
	g, ok := c.groups[messageID]
	if ok {
		delete(c.groups, messageID)
	}
	c.mu.Unlock()
	if ok {
		g.cancel()
	}
	return ok
}

// Forget cancels fetches and playback for the given messages and drops
// their recorded errors. Stored buffers are left to the caller.
func (c *Cache) Forget(messageIDs ...string) {
	if len(messageIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}

	c.mu.Lock()
	var cancels []context.CancelFunc
	for key, f := range c.fetching {
		if mid, _ := ParseSegmentKey(key); hasID(ids, mid) {
			delete(c.fetching, key)
			cancels = append(cancels, f.cancel)
		}
	}
	for mid, g := range c.groups {
		if hasID(ids, mid) {
			delete(c.groups, mid)
			cancels = append(cancels, g.cancel)
		}
	}
	for key := range c.errs {
		if mid, _ := ParseSegmentKey(key); hasID(ids, mid) {
			delete(c.errs, key)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.engine.StopIfMessage(messageIDs...)
}

// ResetCache clears the stored audio of one message.
func (c *Cache) ResetCache(ctx context.Context, sessionID, messageID string) error {
	return c.ResetCacheForMany(ctx, sessionID, []string{messageID})
}

// ResetCacheForMany drops in-flight work and stored audio for every listed
// message. Unknown ids are ignored.
func (c *Cache) ResetCacheForMany(ctx context.Context, sessionID string, messageIDs []string) error {
	c.Forget(messageIDs...)
	_, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		for _, id := range messageIDs {
			if msg := s.FindMessage(id); msg != nil {
				msg.AudioBuffers = nil
			}
		}
		return nil
	})
	return err
}

// SegmentStates reports every segment of a message.
func (c *Cache) SegmentStates(ctx context.Context, sessionID, messageID string) ([]SegmentState, error) {
	r, err := c.resolve(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	total := len(r.segments)
	playback := c.engine.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SegmentState, 0, total)
	for i := 0; i < total; i++ {
		key := SegmentKey(messageID, i, total)
		st := SegmentState{Key: key, Part: i, Status: StatusIdle}
		_, loading := c.fetching[key]
		switch {
		case playback.Target != nil && playback.Target.SessionID == sessionID && playback.SegmentKey == key &&
			(playback.Status == StatusPlaying || playback.Status == StatusPaused):
			st.Status = playback.Status
		case loading:
			st.Status = StatusLoading
		case c.errs[key] != "":
			st.Status = StatusError
			st.Error = c.errs[key]
		case cachedPart(r.msg, i, total) != nil:
			st.Status = StatusCached
		}
		out = append(out, st)
	}
	return out, nil
}

// SegmentAudio returns the cached PCM of one segment.
func (c *Cache) SegmentAudio(ctx context.Context, sessionID, messageID string, part int) ([]byte, error) {
	r, err := c.resolve(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	if part < 0 || part >= len(r.segments) {
		return nil, ErrPartOutOfRange
	}
	pcm := cachedPart(r.msg, part, len(r.segments))
	if pcm == nil {
		return nil, fmt.Errorf("segment %s: %w", SegmentKey(messageID, part, len(r.segments)), audio.ErrEmptyAudio)
	}
	return pcm, nil
}

func (c *Cache) errorFor(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[key]
}

func (c *Cache) clearError(key string) {
	c.mu.Lock()
	delete(c.errs, key)
	c.mu.Unlock()
}

func (c *Cache) segmentChanged(t Target, status Status, errText string) {
	c.hookMu.RLock()
	fn := c.onSegment
	c.hookMu.RUnlock()
	if fn == nil {
		return
	}
	fn(SegmentEvent{
		SessionID: t.SessionID,
		MessageID: t.MessageID,
		Key:       t.Key(),
		Part:      t.Part,
		Status:    status,
		Error:     errText,
	})
}

func (c *Cache) notifyf(sessionID, level, format string, args ...any) {
	c.hookMu.RLock()
	fn := c.notify
	c.hookMu.RUnlock()
	if fn != nil {
		fn(sessionID, level, fmt.Sprintf(format, args...))
	}
}

func hasID(ids map[string]struct{}, id string) bool {
	_, ok := ids[id]
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
