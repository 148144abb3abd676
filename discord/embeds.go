package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/models"
)

const (
	spotifyColor = 0x1DB954
	youtubeColor = 0xFF0000
	skippedColor = 0x808080
)

// BuildAdditionEmbed creates the card attached to a /playlist reply: the
// primary addition plus one field per mirror attempt.
func BuildAdditionEmbed(primary *models.AdditionResult, mirrors []models.MirrorOutcome) *discordgo.MessageEmbed {
	color := PlatformColor(primary.Platform)
	status := "Added to the " + primary.Platform.DisplayName() + " playlist"
	if primary.Skipped {
		color = skippedColor
		status = "Already in the " + primary.Platform.DisplayName() + " playlist"
	}

	embed := &discordgo.MessageEmbed{
		Title:       primary.Title,
		URL:         primary.PlaylistURL,
		Description: status,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}

	if primary.Platform == models.YouTube && primary.ExternalID != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", primary.ExternalID),
		}
	}

	for _, mirror := range mirrors {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   mirror.Platform.DisplayName(),
			Value:  MirrorSummary(mirror),
			Inline: true,
		})
	}

	return embed
}

func PlatformColor(platform models.Platform) int {
	switch platform {
	case models.Spotify:
		return spotifyColor
	case models.YouTube:
		return youtubeColor
	default:
		return skippedColor
	}
}

// MirrorSummary is the one line status of a mirror attempt
func MirrorSummary(mirror models.MirrorOutcome) string {
	name := mirror.Platform.DisplayName()
	switch mirror.Status {
	case models.MirrorAdded:
		return linkOr(mirror, "Also added to the "+name+" playlist")
	case models.MirrorSkipped:
		return linkOr(mirror, "Already in the "+name+" playlist")
	case models.MirrorNotFound:
		return "No match found on " + name
	case models.MirrorMetadataMissing:
		return "Couldn't tell the title and artist to search " + name
	default:
		if mirror.Message != "" {
			return "Couldn't add to " + name + ": " + mirror.Message
		}
		return "Couldn't add to " + name
	}
}

func linkOr(mirror models.MirrorOutcome, text string) string {
	if mirror.PlaylistURL == "" {
		return text
	}
	return "[" + text + "](" + mirror.PlaylistURL + ")"
}
