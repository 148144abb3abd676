package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"relaybot/models"
	"relaybot/telemetry"
)

// WebhookName is the name the relay gives the webhooks it creates and looks
// for when reusing one
const WebhookName = "Playlist Relay"

const DefaultWebhookCacheTTL = 6 * time.Hour

// API is the part of *discordgo.Session the relay and command handlers use
type API interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type WebhookHandle struct {
	ID        string
	Token     string
	ChannelID string
}

type cacheEntry struct {
	// nil when the bot can't use webhooks in the channel
	handle  *WebhookHandle
	expires time.Time
}

type SendRequest struct {
	ChannelID string
	Content   string
	Username  string
	AvatarURL string
}

type SendResult struct {
	// Mirrored is true when the message went out under the member's name and avatar
	Mirrored bool
	Note     string
}

// Relay posts submitted links into the channel under the submitting member's
// identity, through a per-channel webhook it finds or creates.
type Relay struct {
	api API
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	cache     map[string]cacheEntry
	botUserID string
}

func NewRelay(api API, ttl time.Duration) *Relay {
	if ttl <= 0 {
		ttl = DefaultWebhookCacheTTL
	}
	return &Relay{
		api:   api,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// ResolveWebhook returns the channel's relay webhook, or nil when the bot
// can't manage webhooks there. Both answers are cached until the TTL runs out.
func (r *Relay) ResolveWebhook(ctx context.Context, channelID string) (*WebhookHandle, error) {
	logger := log.WithFields(log.Fields{"module": "discord", "function": "ResolveWebhook", "channel_id": channelID})

	if handle, ok := r.cached(channelID); ok {
		logger.Tracef("Webhook cache hit (usable: %t)", handle != nil)
		return handle, nil
	}

	botUserID, err := r.botID(ctx)
	if err != nil {
		return nil, err
	}

	permissions, err := r.api.UserChannelPermissions(botUserID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if permissions&discordgo.PermissionManageWebhooks == 0 {
		logger.Debug("Bot can't manage webhooks in this channel")
		r.store(channelID, nil)
		return nil, nil
	}

	webhooks, err := r.api.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	for _, webhook := range webhooks {
		if webhook.Name == WebhookName && webhook.Token != "" {
			logger.Debugf("Reusing webhook %s", webhook.ID)
			handle := &WebhookHandle{ID: webhook.ID, Token: webhook.Token, ChannelID: channelID}
			r.store(channelID, handle)
			return handle, nil
		}
	}

	webhook, err := r.api.WebhookCreate(channelID, WebhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	logger.Infof("Created webhook %s", webhook.ID)
	handle := &WebhookHandle{ID: webhook.ID, Token: webhook.Token, ChannelID: channelID}
	r.store(channelID, handle)
	return handle, nil
}

// SendAsMember posts req.Content as the member when a webhook is available and
// as the bot otherwise. Only a failed bot post is an error.
func (r *Relay) SendAsMember(ctx context.Context, req SendRequest) (SendResult, error) {
	logger := log.WithFields(log.Fields{"module": "discord", "function": "SendAsMember", "channel_id": req.ChannelID})

	if req.ChannelID == "" {
		return SendResult{}, models.NewError("", models.KindChannel, "Couldn't tell which channel to post the link in.")
	}

	span := sentry.StartSpan(ctx, "discord.relay")
	span.Description = "Relay link into channel"
	span.SetTag("channel_id", req.ChannelID)
	defer span.Finish()
	ctx = span.Context()

	var note string
	handle, err := r.ResolveWebhook(ctx, req.ChannelID)
	switch {
	case err != nil:
		logger.Warnf("Couldn't resolve webhook: %v", err)
		note = "Couldn't set up posting under your name, so the bot posted the link instead."
	case handle == nil:
		note = "The bot can't manage webhooks in this channel, so it posted the link itself."
	default:
		_, err := r.api.WebhookExecute(handle.ID, handle.Token, true, &discordgo.WebhookParams{
			Content:         req.Content,
			Username:        req.Username,
			AvatarURL:       req.AvatarURL,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}, discordgo.WithContext(ctx))
		if err == nil {
			telemetry.RecordRelaySend("webhook")
			span.Status = sentry.SpanStatusOK
			return SendResult{Mirrored: true}, nil
		}
		logger.Warnf("Webhook send failed, evicting and posting as the bot: %v", err)
		r.Evict(req.ChannelID)
		note = "Posting under your name failed, so the bot posted the link instead."
	}

	if _, err := r.api.ChannelMessageSend(req.ChannelID, req.Content, discordgo.WithContext(ctx)); err != nil {
		logger.Errorf("Fallback send failed: %v", err)
		telemetry.RecordRelaySend("failed")
		span.Status = sentry.SpanStatusInternalError
		if isNotFound(err) {
			return SendResult{}, models.WrapError("", models.KindChannel, "The channel couldn't be found to post the link in.", err)
		}
		return SendResult{}, models.WrapError("", models.KindSendFailed, "Couldn't post the link in the channel.", err)
	}

	telemetry.RecordRelaySend("bot")
	span.Status = sentry.SpanStatusOK
	return SendResult{Mirrored: false, Note: note}, nil
}

// Evict drops the channel's cached webhook so the next send looks it up again
func (r *Relay) Evict(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, channelID)
}

func (r *Relay) cached(channelID string) (*WebhookHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[channelID]
	if !ok {
		return nil, false
	}
	if !r.now().Before(entry.expires) {
		delete(r.cache, channelID)
		return nil, false
	}
	return entry.handle, true
}

func (r *Relay) store(channelID string, handle *WebhookHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[channelID] = cacheEntry{handle: handle, expires: r.now().Add(r.ttl)}
}

func (r *Relay) botID(ctx context.Context) (string, error) {
	r.mu.Lock()
	botUserID := r.botUserID
	r.mu.Unlock()
	if botUserID != "" {
		return botUserID, nil
	}

	user, err := r.api.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.botUserID = user.ID
	r.mu.Unlock()
	return user.ID, nil
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
