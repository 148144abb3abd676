package youtube

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"relaybot/config"
	"relaybot/links"
	"relaybot/metadata"
	"relaybot/models"
	"relaybot/pipeline"
)

const (
	// 50 is the API's page size limit, so this scans 250 items at most
	duplicateScanPages    = 5
	duplicateScanPageSize = 50
	searchLimit           = 5
)

type Options struct {
	// Endpoint and TokenURL override the real endpoints. Endpoint must end with a slash.
	Endpoint string
	TokenURL string
	Pipeline pipeline.Options
}

// Provider adds videos to the community's YouTube playlist and finds YouTube
// equivalents of songs posted from Spotify.
type Provider struct {
	config  config.ProviderConfig
	tokens  *pipeline.TokenManager
	service *ytapi.Service
}

func NewProvider(ctx context.Context, cfg config.ProviderConfig, opts Options) (*Provider, error) {
	endpoint := google.Endpoint
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}

	var tokenHTTPClient *http.Client
	if opts.Pipeline.Base != nil {
		tokenHTTPClient = &http.Client{Transport: opts.Pipeline.Base}
	}

	tokens := pipeline.NewTokenManager(models.YouTube, pipeline.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
	}, endpoint, tokenHTTPClient)

	clientOpts := []option.ClientOption{
		option.WithHTTPClient(pipeline.New(models.YouTube, tokens, opts.Pipeline).Client()),
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	service, err := ytapi.NewService(ctx, clientOpts...)
	if err != nil {
		log.Errorf("error creating YouTube client: %v", err)
		return nil, err
	}

	return &Provider{config: cfg, tokens: tokens, service: service}, nil
}

func (p *Provider) Platform() models.Platform {
	return models.YouTube
}

func (p *Provider) Add(ctx context.Context, externalID, communityID string) (*models.AdditionResult, error) {
	return p.AddVideo(ctx, externalID, communityID)
}

func (p *Provider) FindMatch(ctx context.Context, song *models.SongMetadata) (string, bool) {
	return p.FindMatchingVideo(ctx, song)
}

// AddVideo adds videoID to the community's playlist. The result carries song
// metadata guessed from the video title, or none when the title can't be read
// as "Artist - Title" and the channel name doesn't help.
func (p *Provider) AddVideo(ctx context.Context, videoID, communityID string) (*models.AdditionResult, error) {
	logger := log.WithFields(log.Fields{
		"module":       "youtube",
		"function":     "AddVideo",
		"video_id":     videoID,
		"community_id": communityID,
	})

	playlistID := p.config.PlaylistFor(communityID)
	if playlistID == "" {
		logger.Warn("No YouTube playlist configured")
		return nil, models.NewError(models.YouTube, models.KindPlaylistMissing, "No YouTube playlist is set up for this server yet.")
	}

	span := sentry.StartSpan(ctx, "youtube.add_video")
	span.Description = "Add video to YouTube playlist"
	span.SetTag("video_id", videoID)
	span.SetTag("playlist_id", playlistID)
	defer span.Finish()
	ctx = span.Context()

	response, err := p.service.Videos.List([]string{"snippet"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		logger.Errorf("error querying YouTube: %v", err)
		span.Status = sentry.SpanStatusInternalError
		return nil, classify(err, models.KindNotFound)
	}
	if len(response.Items) == 0 || response.Items[0].Snippet == nil {
		logger.Debug("Video not found")
		span.Status = sentry.SpanStatusNotFound
		return nil, models.NewError(models.YouTube, models.KindNotFound, notFoundMessage)
	}

	snippet := response.Items[0].Snippet
	result := &models.AdditionResult{
		Platform:    models.YouTube,
		Title:       snippet.Title,
		PlaylistID:  playlistID,
		PlaylistURL: links.YouTubePlaylistURL(playlistID),
		ExternalID:  videoID,
	}
	if song, ok := metadata.ParseVideoTitle(snippet.Title, snippet.ChannelTitle); ok {
		result.Song = song
	} else {
		logger.Debugf("Couldn't read song metadata from %q by %q", snippet.Title, snippet.ChannelTitle)
	}

	if p.config.SkipDuplicates {
		found, err := p.playlistContains(ctx, playlistID, videoID)
		if err != nil {
			logger.Errorf("Duplicate scan failed: %v", err)
			span.Status = sentry.SpanStatusInternalError
			return nil, classify(err, models.KindPlaylistNotFound)
		}
		if found {
			logger.Debugf("Video '%s' already in playlist %s, skipping", snippet.Title, playlistID)
			result.Skipped = true
			span.Status = sentry.SpanStatusOK
			return result, nil
		}
	}

	item := &ytapi.PlaylistItem{
		Snippet: &ytapi.PlaylistItemSnippet{
			PlaylistId: playlistID,
			ResourceId: &ytapi.ResourceId{
				Kind:    "youtube#video",
				VideoId: videoID,
			},
		},
	}
	if _, err := p.service.PlaylistItems.Insert([]string{"snippet"}, item).Context(ctx).Do(); err != nil {
		logger.Errorf("Failed to insert into playlist %s: %v", playlistID, err)
		span.Status = sentry.SpanStatusInternalError
		return nil, classify(err, models.KindPlaylistNotFound)
	}

	logger.Debugf("Added '%s' to YouTube playlist %s", snippet.Title, playlistID)
	span.Status = sentry.SpanStatusOK
	return result, nil
}

func (p *Provider) playlistContains(ctx context.Context, playlistID, videoID string) (bool, error) {
	span := sentry.StartSpan(ctx, "youtube.scan_playlist")
	span.Description = "Scan YouTube playlist for duplicates"
	span.SetTag("playlist_id", playlistID)
	defer span.Finish()

	pageToken := ""
	scanned := 0
	for page := 0; page < duplicateScanPages; page++ {
		call := p.service.PlaylistItems.List([]string{"snippet"}).
			PlaylistId(playlistID).
			MaxResults(duplicateScanPageSize).
			Context(span.Context())
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		response, err := call.Do()
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
			return false, err
		}

		for _, item := range response.Items {
			scanned++
			if item.Snippet != nil && item.Snippet.ResourceId != nil && item.Snippet.ResourceId.VideoId == videoID {
				span.SetData("scanned", scanned)
				span.Status = sentry.SpanStatusOK
				return true, nil
			}
		}

		pageToken = response.NextPageToken
		if pageToken == "" {
			span.SetData("scanned", scanned)
			span.Status = sentry.SpanStatusOK
			return false, nil
		}
	}

	log.Debugf("Duplicate scan of YouTube playlist %s stopped after %d items", playlistID, scanned)
	span.SetData("scanned", scanned)
	span.Status = sentry.SpanStatusOK
	return false, nil
}

// FindMatchingVideo searches YouTube for "artist title" and returns the first
// of the top results whose title reads as the same song.
func (p *Provider) FindMatchingVideo(ctx context.Context, song *models.SongMetadata) (string, bool) {
	logger := log.WithFields(log.Fields{"module": "youtube", "function": "FindMatchingVideo"})
	if !metadata.Searchable(song) {
		return "", false
	}

	query := strings.TrimSpace(metadata.SearchArtist(song.PrimaryArtist()) + " " + metadata.SearchTitle(song.Title))

	span := sentry.StartSpan(ctx, "youtube.search")
	span.Description = "Search YouTube API"
	span.SetTag("query", query)
	defer span.Finish()

	response, err := p.service.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		MaxResults(searchLimit).
		Context(span.Context()).
		Do()
	if err != nil {
		logger.Warnf("YouTube search for %q failed: %v", query, err)
		span.Status = sentry.SpanStatusInternalError
		return "", false
	}
	span.Status = sentry.SpanStatusOK

	for i, item := range response.Items {
		if i >= searchLimit {
			break
		}
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		candidate, ok := metadata.ParseVideoTitle(html.UnescapeString(item.Snippet.Title), html.UnescapeString(item.Snippet.ChannelTitle))
		if ok && metadata.SameSong(song, candidate) {
			logger.Debugf("Matched %q to YouTube video %s", query, item.Id.VideoId)
			return item.Id.VideoId, true
		}
	}

	logger.Debugf("No YouTube match among %d results for %q", len(response.Items), query)
	return "", false
}

const notFoundMessage = "That video doesn't exist on YouTube or is private."

// classify maps the API's structured error reasons onto tagged errors
func classify(err error, notFoundKind models.ErrorKind) error {
	if relayErr, ok := models.AsError(err); ok {
		if relayErr.Kind == models.KindRetry && relayErr.Status == http.StatusTooManyRequests {
			return models.WrapError(models.YouTube, models.KindRateLimited, rateLimitedMessage, err)
		}
		return relayErr
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return models.WrapError(models.YouTube, models.KindRequest, "YouTube rejected the request.", err)
	}

	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			return models.WrapError(models.YouTube, models.KindRateLimited, rateLimitedMessage, err)
		case "playlistNotFound":
			return models.WrapError(models.YouTube, models.KindPlaylistNotFound, playlistNotFoundMessage, err)
		case "videoNotFound":
			return models.WrapError(models.YouTube, models.KindNotFound, notFoundMessage, err)
		case "invalidValue":
			return models.WrapError(models.YouTube, models.KindInvalid, "YouTube rejected a value. Check the configured playlist id.", err)
		}
	}

	switch apiErr.Code {
	case http.StatusNotFound:
		if notFoundKind == models.KindPlaylistNotFound {
			return models.WrapError(models.YouTube, models.KindPlaylistNotFound, playlistNotFoundMessage, err)
		}
		return models.WrapError(models.YouTube, models.KindNotFound, notFoundMessage, err)
	case http.StatusTooManyRequests:
		return models.WrapError(models.YouTube, models.KindRateLimited, rateLimitedMessage, err)
	case http.StatusUnauthorized:
		return models.WrapError(models.YouTube, models.KindAuth, "Couldn't sign in to YouTube. The bot's credentials may need to be refreshed.", err)
	}

	message := apiErr.Message
	if message == "" {
		message = http.StatusText(apiErr.Code)
	}
	relayErr := models.WrapError(models.YouTube, models.KindRequest, "YouTube rejected the request: "+message, err)
	relayErr.Status = apiErr.Code
	return relayErr
}

const (
	rateLimitedMessage      = "YouTube is rate limiting the bot or its daily quota is used up. Try again later."
	playlistNotFoundMessage = "The YouTube playlist for this server couldn't be found."
)
