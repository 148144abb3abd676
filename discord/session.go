package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"relaybot/config"
)

// NewSession creates a REST-only session. Interactions arrive over HTTP, so
// the gateway is never opened.
func NewSession() (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + config.Config.Discord.BotToken)
	if err != nil {
		log.Errorf("Error creating Discord session: %v", err)
		return nil, err
	}
	return session, nil
}

// Commands is the slash command set the bot registers globally
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "playlist",
		Description: "Add a Spotify or YouTube link to this server's playlists",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "link",
				Description: "A Spotify track or YouTube video link",
				Required:    true,
			},
		},
	},
	{
		Name:        "help",
		Description: "Show what the bot can do",
	},
	{
		Name:        "ping",
		Description: "Check the bot is alive",
	},
}

type commandRegistrar interface {
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// RegisterCommands replaces the application's global commands with Commands
func RegisterCommands(session commandRegistrar, appID string) error {
	registered, err := session.ApplicationCommandBulkOverwrite(appID, "", Commands)
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	log.Infof("Registered %d slash commands", len(registered))
	return nil
}
