package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/config"
)

type playbackSetup struct {
	output   audio.Output
	resolved string
	detail   string
}

// resolvePlaybackOutput picks the speaker behind the playback engine. An
// external player is used when AUDIO_PLAYER_CMD is set and resolvable;
// otherwise playback runs on a headless virtual clock.
func resolvePlaybackOutput(cfg config.Config) (playbackSetup, error) {
	command := strings.TrimSpace(cfg.AudioPlayerCmd)
	if command == "" {
		return playbackSetup{
			output:   audio.NewTimerOutput(),
			resolved: "headless",
			detail:   "headless timer output (AUDIO_PLAYER_CMD not set)",
		}, nil
	}

	out, err := audio.NewCommandOutput(command)
	if err != nil {
		return playbackSetup{}, fmt.Errorf("audio player init failed: %w", err)
	}
	return playbackSetup{
		output:   out,
		resolved: "command",
		detail:   fmt.Sprintf("external player (%s)", strings.Fields(command)[0]),
	}, nil
}
