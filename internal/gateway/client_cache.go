package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ChatClient is a gateway bound to one model and one generation config.
type ChatClient struct {
	gw           Gateway
	InstanceKey  string
	Model        string
	Config       GenerationConfig
	SettingsHash string
	CreatedAt    time.Time
}

func (c *ChatClient) Send(ctx context.Context, history []Content, current Content) (ChatResult, error) {
	return c.gw.CreateChatTurn(ctx, ChatRequest{
		Model:   c.Model,
		History: history,
		Current: current,
		Config:  c.Config,
	})
}

func (c *ChatClient) Persona(ctx context.Context, history []Content, instruction string) (string, error) {
	return c.gw.GeneratePersonaText(ctx, PersonaRequest{
		Model:              c.Model,
		History:            history,
		PersonaInstruction: instruction,
		Config:             c.Config,
	})
}

// SettingsHash fingerprints a generation config so a changed instruction or
// sampling parameter never reuses a stale client.
func SettingsHash(cfg GenerationConfig) string {
	raw, _ := json.Marshal(cfg)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// InstanceKey names the owner of a client: the session, or one character inside it.
func InstanceKey(sessionID, characterID string) string {
	if characterID == "" {
		return sessionID
	}
	return sessionID + "#" + characterID
}

// ClientCache keeps configured chat clients for reuse across turns. It is
// owned by the composition root and injected where needed.
type ClientCache struct {
	gw      Gateway
	entries *gocache.Cache
	created atomic.Int64
}

func NewClientCache(gw Gateway, ttl time.Duration) *ClientCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ClientCache{
		gw:      gw,
		entries: gocache.New(ttl, ttl/2),
	}
}

func cacheKey(instanceKey, model, settingsHash string) string {
	return instanceKey + "|" + model + "|" + settingsHash
}

// Get returns the cached client for (instance, model, config), creating it on a miss.
func (c *ClientCache) Get(instanceKey, model string, cfg GenerationConfig) *ChatClient {
	hash := SettingsHash(cfg)
	key := cacheKey(instanceKey, model, hash)
	if v, ok := c.entries.Get(key); ok {
		return v.(*ChatClient)
	}
	client := &ChatClient{
		gw:           c.gw,
		InstanceKey:  instanceKey,
		Model:        model,
		Config:       cfg,
		SettingsHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	c.entries.SetDefault(key, client)
	c.created.Add(1)
	return client
}

func (c *ClientCache) Invalidate(instanceKey, model, settingsHash string) {
	c.entries.Delete(cacheKey(instanceKey, model, settingsHash))
}

// InvalidateSession drops the session's own client and every per-character client.
func (c *ClientCache) InvalidateSession(sessionID string) int {
	removed := 0
	for key := range c.entries.Items() {
		instance, _, _ := strings.Cut(key, "|")
		if instance == sessionID || strings.HasPrefix(instance, sessionID+"#") {
			c.entries.Delete(key)
			removed++
		}
	}
	return removed
}

func (c *ClientCache) Len() int { return c.entries.ItemCount() }

// Created counts clients built since startup.
func (c *ClientCache) Created() int64 { return c.created.Load() }
