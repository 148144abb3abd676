package handlers

// handlers are the functions that handle the interactions from discord
// they are responsible for parsing the interaction, verifying the request,
// and answering it, deferring anything that talks to the catalogs

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"relaybot/audit"
	"relaybot/controller"
	"relaybot/discord"
	"relaybot/links"
	"relaybot/models"
	"relaybot/sentryhelper"
	"relaybot/telemetry"
)

const (
	interactionPing                = 1
	responsePong                   = 1
	responseChannelMessage         = 4
	responseDeferredChannelMessage = 5
)

const DefaultCommandTimeout = 60 * time.Second

type Response struct {
	Type int          `json:"type"`
	Data ResponseData `json:"data"`
}

type ResponseData struct {
	Content string `json:"content,omitempty"`
	Flags   int    `json:"flags,omitempty"`
}

type InteractionOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type InteractionData struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Type    int                 `json:"type"`
	Options []InteractionOption `json:"options"`
}

type UserData struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Avatar     string `json:"avatar"`
	GlobalName string `json:"global_name"`
}

type MemberData struct {
	User     UserData `json:"user"`
	Roles    []string `json:"roles"`
	JoinedAt string   `json:"joined_at"`
	Nick     *string  `json:"nick"`
}

type Interaction struct {
	ApplicationID string          `json:"application_id"`
	Type          int             `json:"type"`
	Data          InteractionData `json:"data"`
	Token         string          `json:"token"`
	Member        *MemberData     `json:"member"`
	// set instead of Member in DMs
	User      *UserData `json:"user"`
	Version   int       `json:"version"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
}

func (i *Interaction) user() UserData {
	if i.Member != nil {
		return i.Member.User
	}
	if i.User != nil {
		return *i.User
	}
	return UserData{}
}

// displayName prefers the server nickname, then the global display name
func (i *Interaction) displayName() string {
	if i.Member != nil && i.Member.Nick != nil && *i.Member.Nick != "" {
		return *i.Member.Nick
	}
	user := i.user()
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func (i *Interaction) avatarURL() string {
	user := i.user()
	if user.ID == "" {
		return ""
	}
	return (&discordgo.User{ID: user.ID, Avatar: user.Avatar}).AvatarURL("128")
}

func (i *Interaction) option(name string) string {
	for _, option := range i.Data.Options {
		if option.Name == name {
			return option.Value
		}
	}
	return ""
}

type router interface {
	Route(ctx context.Context, link models.PlaylistLink, opts controller.RouteOptions) (*controller.RouteResult, error)
}

type relayer interface {
	SendAsMember(ctx context.Context, req discord.SendRequest) (discord.SendResult, error)
}

type Manager struct {
	AppID     string
	PublicKey string

	Controller     router
	Relay          relayer
	API            discord.API
	Audit          *audit.Recorder
	Hints          *Hints
	CommandTimeout time.Duration

	// run executes deferred work, in a new goroutine unless a test replaces it
	run func(func())
}

func NewManager(appID, publicKey string, controller router, relay relayer, api discord.API, recorder *audit.Recorder, timeout time.Duration) *Manager {
	if publicKey == "" {
		log.Fatal("DISCORD_PUBLIC_KEY must be set")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	return &Manager{
		AppID:          appID,
		PublicKey:      publicKey,
		Controller:     controller,
		Relay:          relay,
		API:            api,
		Audit:          recorder,
		Hints:          NewHints(),
		CommandTimeout: timeout,
		run:            func(f func()) { go f() },
	}
}

func (manager *Manager) ParseInteraction(body []byte) (*Interaction, error) {
	var interaction Interaction
	if err := json.Unmarshal(body, &interaction); err != nil {
		log.Errorf("Error unmarshalling interaction: %v", err)
		return nil, err
	}
	return &interaction, nil
}

func (manager *Manager) handlePing() Response {
	return Response{
		Type: responseChannelMessage,
		Data: ResponseData{
			Content: "Pong! 🏓",
		},
	}
}

func (manager *Manager) handleHelp() Response {
	return Response{
		Type: responseChannelMessage,
		Data: ResponseData{
			Content: "**🎵 Playlist Relay**\n\n" +
				"**`/playlist <link>`**\n" +
				"> Add a Spotify track or YouTube video to this server's playlist\n" +
				"> The same song is added to the other platform's playlist when a match is found\n" +
				"> Example: `/playlist https://open.spotify.com/track/...`\n\n" +
				"**`/ping`**\n" +
				"> Check the bot is alive\n\n" +
				"Your link is also posted in the channel under your name.",
			Flags: int(discordgo.MessageFlagsEphemeral),
		},
	}
}

func (manager *Manager) handlePlaylist(interaction *Interaction) Response {
	manager.run(func() { manager.relayLink(interaction) })

	return Response{
		Type: responseDeferredChannelMessage,
		Data: ResponseData{Flags: int(discordgo.MessageFlagsEphemeral)},
	}
}

// relayLink does the catalog work for /playlist and sends the result as the
// followup to the deferred response
func (manager *Manager) relayLink(interaction *Interaction) {
	user := interaction.user()
	ctx, transaction := sentryhelper.StartCommandTransaction(context.Background(), "playlist", interaction.GuildID, user.ID)
	defer transaction.Finish()

	ctx, cancel := context.WithTimeout(ctx, manager.CommandTimeout)
	defer cancel()

	reply := manager.processPlaylist(ctx, interaction)

	if err := discord.SendFollowup(ctx, manager.API, &discord.FollowUpRequest{
		Token:   interaction.Token,
		AppID:   manager.AppID,
		UserID:  user.ID,
		Content: reply.Content,
		Embeds:  reply.Embeds,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		sentryhelper.CaptureException(ctx, err)
	}
}

type Reply struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
}

func (manager *Manager) processPlaylist(ctx context.Context, interaction *Interaction) Reply {
	user := interaction.user()
	logger := log.WithFields(log.Fields{
		"module":       "handlers",
		"function":     "processPlaylist",
		"community_id": interaction.GuildID,
		"user_id":      user.ID,
	})

	link, err := links.Parse(interaction.option("link"))
	if err != nil {
		logger.Debugf("Rejected link: %v", err)
		return Reply{Content: models.UserMessageOf(err)}
	}
	sentryhelper.AddBreadcrumb(ctx, "playlist", "parsed "+string(link.Platform)+" link "+link.ID)

	result, err := manager.Controller.Route(ctx, link, controller.RouteOptions{CommunityID: interaction.GuildID})
	if err != nil {
		if _, tagged := models.AsError(err); !tagged {
			logger.Errorf("Unexpected routing failure: %v", err)
			sentryhelper.CaptureException(ctx, err)
		}
		return Reply{Content: "❌ " + models.UserMessageOf(err)}
	}

	sent, sendErr := manager.Relay.SendAsMember(ctx, discord.SendRequest{
		ChannelID: interaction.ChannelID,
		Content:   link.NormalizedURL,
		Username:  interaction.displayName(),
		AvatarURL: interaction.avatarURL(),
	})
	if sendErr != nil {
		logger.Warnf("Relay failed: %v", sendErr)
		sentryhelper.CaptureMessage(ctx, "relay send failed: "+sendErr.Error())
	}

	if manager.Audit != nil {
		manager.Audit.Record(ctx, audit.NewRecord(interaction.GuildID, interaction.ChannelID, user.ID, result.Primary, result.Mirrors))
	}

	content := ComposeReply(result, sent, sendErr)
	if manager.Hints != nil {
		content += manager.Hints.ForResult(interaction.GuildID, result, sent, sendErr)
	}
	return Reply{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{discord.BuildAdditionEmbed(result.Primary, result.Mirrors)},
	}
}

// ComposeReply renders one line for the primary addition, one per mirror and
// one for how the link was posted in the channel
func ComposeReply(result *controller.RouteResult, sent discord.SendResult, sendErr error) string {
	primary := result.Primary
	playlist := primary.Platform.DisplayName() + " playlist"
	if primary.PlaylistURL != "" {
		playlist = "[" + playlist + "](" + primary.PlaylistURL + ")"
	}

	var lines []string
	if primary.Skipped {
		lines = append(lines, "⏭️ **"+primary.Title+"** is already in the "+playlist)
	} else {
		lines = append(lines, "✅ Added **"+primary.Title+"** to the "+playlist)
	}

	for _, mirror := range result.Mirrors {
		lines = append(lines, mirrorIcon(mirror.Status)+" "+discord.MirrorSummary(mirror))
	}

	switch {
	case sendErr != nil:
		lines = append(lines, "⚠️ "+models.UserMessageOf(sendErr))
	case sent.Mirrored:
		lines = append(lines, "💬 Posted the link in the channel as you")
	case sent.Note != "":
		lines = append(lines, "💬 "+sent.Note)
	}

	return strings.Join(lines, "\n")
}

func mirrorIcon(status models.MirrorStatus) string {
	switch status {
	case models.MirrorAdded:
		return "🔁"
	case models.MirrorSkipped:
		return "⏭️"
	case models.MirrorError:
		return "⚠️"
	default:
		return "➖"
	}
}

func (manager *Manager) HandleInteraction(interaction *Interaction) (response Response) {
	// Defer a recover function that will catch any panics
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("Panic in command handling: %v", err)
			response = Response{
				Type: responseChannelMessage,
				Data: ResponseData{
					Content: "An error occurred while processing your command",
					Flags:   int(discordgo.MessageFlagsEphemeral),
				},
			}
		}
	}()

	if interaction.Type == interactionPing {
		return Response{Type: responsePong}
	}

	log.Debugf("Received command: %s", interaction.Data.Name)
	telemetry.RecordCommand(interaction.Data.Name)
	switch interaction.Data.Name {
	case "ping":
		return manager.handlePing()
	case "help":
		return manager.handleHelp()
	case "playlist":
		return manager.handlePlaylist(interaction)
	default:
		return Response{
			Type: responseChannelMessage,
			Data: ResponseData{
				Content: "Sorry, I don't know how to handle this type of interaction",
				Flags:   int(discordgo.MessageFlagsEphemeral),
			},
		}
	}
}

func (manager *Manager) VerifyDiscordRequest(signature, timestamp string, body []byte) bool {
	pubKeyBytes, err := hex.DecodeString(manager.PublicKey)
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		log.Errorf("Error decoding public key: %v", err)
		return false
	}

	signatureBytes, err := hex.DecodeString(signature)
	if err != nil {
		log.Debugf("Error decoding signature: %v", err)
		return false
	}

	message := []byte(timestamp + string(body))
	return ed25519.Verify(pubKeyBytes, message, signatureBytes)
}
