package generation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func generationTimesKey(sessionID string) string {
	return "generation_times:" + sessionID
}

// GenerationTimes returns recorded wall-clock generation times in
// milliseconds, keyed by message id.
func (c *Controller) GenerationTimes(ctx context.Context, sessionID string) (map[string]int64, error) {
	times := map[string]int64{}
	if _, err := c.sessions.GetMetadataJSON(ctx, generationTimesKey(sessionID), &times); err != nil {
		return nil, err
	}
	return times, nil
}

func (c *Controller) recordGenerationTime(sessionID, messageID string, elapsed time.Duration) {
	c.updateGenerationTimes(sessionID, func(times map[string]int64) {
		times[messageID] = elapsed.Milliseconds()
	})
}

func (c *Controller) deleteGenerationTimes(sessionID string, messageIDs ...string) {
	c.updateGenerationTimes(sessionID, func(times map[string]int64) {
		for _, id := range messageIDs {
			delete(times, id)
		}
	})
}

func (c *Controller) updateGenerationTimes(sessionID string, fn func(map[string]int64)) {
	c.timesMu.Lock()
	defer c.timesMu.Unlock()

	ctx, cancel := c.storeCtx()
	defer cancel()
	key := generationTimesKey(sessionID)
	times := map[string]int64{}
	if _, err := c.sessions.GetMetadataJSON(ctx, key, &times); err != nil {
		c.logger.Warn("load generation times failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	fn(times)
	if err := c.sessions.SetMetadataJSON(ctx, key, times); err != nil {
		c.logger.Warn("store generation times failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
