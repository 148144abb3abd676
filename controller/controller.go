package controller

import (
	"context"
	"fmt"
	"sync/atomic"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"relaybot/config"
	"relaybot/metadata"
	"relaybot/models"
	"relaybot/pipeline"
	"relaybot/spotify"
	"relaybot/telemetry"
	"relaybot/youtube"
)

// Provider is one catalog the relay can add songs to
type Provider interface {
	Platform() models.Platform
	Add(ctx context.Context, externalID, communityID string) (*models.AdditionResult, error)
	// FindMatch returns the provider's id for song, or false when nothing matches
	FindMatch(ctx context.Context, song *models.SongMetadata) (string, bool)
}

// Providers is an immutable snapshot of the providers built from one config
// version. Platforms without credentials are simply absent.
type Providers struct {
	Version    uint64
	byPlatform map[models.Platform]Provider
}

func NewProviders(version uint64, providers ...Provider) *Providers {
	snapshot := &Providers{Version: version, byPlatform: make(map[models.Platform]Provider, len(providers))}
	for _, provider := range providers {
		if provider != nil {
			snapshot.byPlatform[provider.Platform()] = provider
		}
	}
	return snapshot
}

func (p *Providers) Get(platform models.Platform) (Provider, bool) {
	if p == nil {
		return nil, false
	}
	provider, ok := p.byPlatform[platform]
	return provider, ok
}

func (p *Providers) Len() int {
	if p == nil {
		return 0
	}
	return len(p.byPlatform)
}

// Build creates a provider for every configured platform in cfg
func Build(ctx context.Context, version uint64, cfg *config.ConfigStruct) (*Providers, error) {
	logger := log.WithFields(log.Fields{"module": "controller", "function": "Build", "version": version})
	pipelineOpts := pipeline.Options{RequestsPerSecond: cfg.Options.ProviderRateLimit}

	var providers []Provider
	if cfg.Spotify.Configured() {
		providers = append(providers, spotify.NewProvider(cfg.Spotify, spotify.Options{Pipeline: pipelineOpts}))
	} else {
		logger.Warn("Spotify credentials missing, Spotify links are disabled")
	}

	if cfg.YouTube.Configured() {
		yt, err := youtube.NewProvider(ctx, cfg.YouTube, youtube.Options{Pipeline: pipelineOpts})
		if err != nil {
			return nil, fmt.Errorf("build youtube provider: %w", err)
		}
		providers = append(providers, yt)
	} else {
		logger.Warn("YouTube credentials missing, YouTube links are disabled")
	}

	return NewProviders(version, providers...), nil
}

// Registry holds the current provider snapshot. Commands load it once and
// keep that snapshot for their whole run.
type Registry struct {
	current atomic.Pointer[Providers]
}

func NewRegistry(initial *Providers) *Registry {
	r := &Registry{}
	r.current.Store(initial)
	return r
}

func (r *Registry) Current() *Providers {
	return r.current.Load()
}

// Swap installs next and returns the snapshot it replaced
func (r *Registry) Swap(next *Providers) *Providers {
	return r.current.Swap(next)
}

type RouteOptions struct {
	CommunityID string
}

type RouteResult struct {
	Primary *models.AdditionResult
	Mirrors []models.MirrorOutcome
}

type Controller struct {
	registry *Registry
}

func NewController(registry *Registry) *Controller {
	return &Controller{registry: registry}
}

// Route adds link to its platform's playlist, then makes one best-effort
// attempt to mirror it onto the companion platform. Only the primary addition
// can fail the call.
func (c *Controller) Route(ctx context.Context, link models.PlaylistLink, opts RouteOptions) (*RouteResult, error) {
	logger := log.WithFields(log.Fields{
		"module":       "controller",
		"function":     "Route",
		"platform":     link.Platform,
		"external_id":  link.ID,
		"community_id": opts.CommunityID,
	})

	providers := c.registry.Current()
	if providers.Len() == 0 {
		logger.Warn("No providers configured")
		return nil, models.NewError(link.Platform, models.KindDisabled, "The playlist relay is not configured on this bot yet.")
	}

	primary, ok := providers.Get(link.Platform)
	if !ok {
		logger.Debug("Platform disabled")
		return nil, models.NewError(link.Platform, models.KindDisabled,
			link.Platform.DisplayName()+" links aren't enabled on this bot.")
	}

	span := sentry.StartSpan(ctx, "controller.route")
	span.Description = "Route playlist link"
	span.SetTag("platform", string(link.Platform))
	defer span.Finish()
	ctx = span.Context()

	result, err := primary.Add(ctx, link.ID, opts.CommunityID)
	if err != nil {
		logger.Warnf("Primary addition failed: %v", err)
		telemetry.RecordAddition(string(link.Platform), "error")
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}
	if result.Skipped {
		telemetry.RecordAddition(string(link.Platform), "skipped")
	} else {
		telemetry.RecordAddition(string(link.Platform), "added")
	}

	routed := &RouteResult{Primary: result}
	if companion, ok := providers.Get(link.Platform.Companion()); ok {
		outcome := mirror(ctx, companion, result.Song, opts.CommunityID)
		telemetry.RecordMirror(string(outcome.Platform), string(outcome.Status))
		logger.Debugf("Mirror onto %s: %s", outcome.Platform, outcome.Status)
		routed.Mirrors = append(routed.Mirrors, outcome)
	}

	span.Status = sentry.SpanStatusOK
	return routed, nil
}

func mirror(ctx context.Context, companion Provider, song *models.SongMetadata, communityID string) (outcome models.MirrorOutcome) {
	platform := companion.Platform()
	outcome = models.MirrorOutcome{Platform: platform}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"module": "controller", "function": "mirror", "platform": platform}).
				Errorf("Mirror panicked: %v", r)
			sentry.CurrentHub().Recover(r)
			outcome = models.MirrorOutcome{
				Platform: platform,
				Status:   models.MirrorError,
				Message:  fmt.Sprintf("Mirroring to %s failed unexpectedly.", platform.DisplayName()),
			}
		}
	}()

	span := sentry.StartSpan(ctx, "controller.mirror")
	span.Description = "Mirror addition onto companion platform"
	span.SetTag("platform", string(platform))
	defer span.Finish()
	ctx = span.Context()

	if !metadata.Searchable(song) {
		outcome.Status = models.MirrorMetadataMissing
		outcome.Message = "Couldn't tell the song's title and artist, so it wasn't added to " + platform.DisplayName() + "."
		span.Status = sentry.SpanStatusOK
		return outcome
	}

	externalID, found := companion.FindMatch(ctx, song)
	if !found {
		outcome.Status = models.MirrorNotFound
		outcome.Message = "No match found on " + platform.DisplayName() + "."
		span.Status = sentry.SpanStatusNotFound
		return outcome
	}

	result, err := companion.Add(ctx, externalID, communityID)
	if err != nil {
		outcome.Status = models.MirrorError
		outcome.Message = models.UserMessageOf(err)
		span.Status = sentry.SpanStatusInternalError
		return outcome
	}

	outcome.Title = result.Title
	outcome.PlaylistURL = result.PlaylistURL
	outcome.Status = models.MirrorAdded
	if result.Skipped {
		outcome.Status = models.MirrorSkipped
	}
	span.Status = sentry.SpanStatusOK
	return outcome
}
