package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type FollowUpRequest struct {
	Token   string
	AppID   string
	UserID  string
	Content string
	Embeds  []*discordgo.MessageEmbed
	Flags   discordgo.MessageFlags
}

// SendFollowup edits in the answer to a deferred interaction
func SendFollowup(ctx context.Context, api API, request *FollowUpRequest) error {
	_, err := api.FollowupMessageCreate(&discordgo.Interaction{
		AppID: request.AppID,
		Token: request.Token,
	}, false, &discordgo.WebhookParams{
		Content:         request.Content,
		Embeds:          request.Embeds,
		Flags:           request.Flags,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		sentry.CaptureException(err)
		log.WithFields(log.Fields{"module": "discord", "function": "SendFollowup", "user_id": request.UserID}).
			Errorf("Error sending followup: %v", err)
		return err
	}
	return nil
}
