package handlers

import (
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"relaybot/controller"
	"relaybot/discord"
	"relaybot/models"
)

const (
	webhookHint = "Pro tip: give the bot Manage Webhooks in this channel so links are posted under your name"
	namingHint  = "Pro tip: YouTube titles written as \"Artist - Title\" match best on Spotify"
)

// Hints appends an occasional tip to /playlist replies. A tip explaining the
// outcome the user just saw always wins over the general ones.
type Hints struct {
	cooldowns   map[string]time.Time // guildID -> last hint time
	cooldownMu  sync.Mutex
	cooldownDur time.Duration
	hintChance  float32
	general     []string
}

func NewHints() *Hints {
	return &Hints{
		cooldowns:   make(map[string]time.Time),
		cooldownDur: 5 * time.Minute,
		hintChance:  0.15,
		general: []string{
			"Pro tip: /playlist takes YouTube Shorts and youtu.be links too",
			"Pro tip: Spotify links also land in the YouTube playlist when the same song is found",
			"Pro tip: songs already in the playlist are skipped, so posting twice is harmless",
			"Pro tip: /help lists everything the bot can do",
		},
	}
}

// ForResult returns the formatted hint for a finished /playlist, or "" when
// the guild is cooling down or the roll for a general hint fails
func (h *Hints) ForResult(guildID string, result *controller.RouteResult, sent discord.SendResult, sendErr error) string {
	hint := outcomeHint(result, sent, sendErr)
	if hint == "" && rand.Float32() >= h.hintChance {
		return ""
	}

	h.cooldownMu.Lock()
	defer h.cooldownMu.Unlock()
	if lastHint, ok := h.cooldowns[guildID]; ok && time.Since(lastHint) < h.cooldownDur {
		return ""
	}
	h.cooldowns[guildID] = time.Now()

	if hint == "" {
		hint = h.general[rand.IntN(len(h.general))]
	}
	log.Debugf("Showing hint for guild %s: %s", guildID, hint)
	return "\n\n💡 " + hint
}

// outcomeHint picks the tip that explains what went wrong, if anything did
func outcomeHint(result *controller.RouteResult, sent discord.SendResult, sendErr error) string {
	if sendErr == nil && !sent.Mirrored {
		return webhookHint
	}
	if result == nil || result.Primary == nil || result.Primary.Platform != models.YouTube {
		return ""
	}
	for _, mirror := range result.Mirrors {
		if mirror.Status == models.MirrorNotFound || mirror.Status == models.MirrorMetadataMissing {
			return namingHint
		}
	}
	return ""
}
