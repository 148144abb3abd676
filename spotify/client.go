package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	spotifyclient "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"relaybot/config"
	"relaybot/links"
	"relaybot/metadata"
	"relaybot/models"
	"relaybot/pipeline"
)

const (
	// the duplicate scan stops here even if the playlist is longer
	duplicateScanPages    = 5
	duplicateScanPageSize = 100
	searchLimit           = 5
)

type Options struct {
	// APIBaseURL and TokenURL override the real endpoints. APIBaseURL must end with a slash.
	APIBaseURL string
	TokenURL   string
	Pipeline   pipeline.Options
}

// Provider adds tracks to the community's Spotify playlist and finds Spotify
// equivalents of songs posted from YouTube.
type Provider struct {
	config config.ProviderConfig
	tokens *pipeline.TokenManager
	client *spotifyclient.Client
}

func NewProvider(cfg config.ProviderConfig, opts Options) *Provider {
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyauth.TokenURL
	}

	var tokenHTTPClient *http.Client
	if opts.Pipeline.Base != nil {
		tokenHTTPClient = &http.Client{Transport: opts.Pipeline.Base}
	}

	tokens := pipeline.NewTokenManager(models.Spotify, pipeline.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
	}, oauth2.Endpoint{
		TokenURL:  tokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}, tokenHTTPClient)

	clientOpts := []spotifyclient.ClientOption{}
	if opts.APIBaseURL != "" {
		clientOpts = append(clientOpts, spotifyclient.WithBaseURL(opts.APIBaseURL))
	}

	return &Provider{
		config: cfg,
		tokens: tokens,
		client: spotifyclient.New(pipeline.New(models.Spotify, tokens, opts.Pipeline).Client(), clientOpts...),
	}
}

func (p *Provider) Platform() models.Platform {
	return models.Spotify
}

func (p *Provider) Add(ctx context.Context, externalID, communityID string) (*models.AdditionResult, error) {
	return p.AddTrack(ctx, externalID, communityID)
}

func (p *Provider) FindMatch(ctx context.Context, song *models.SongMetadata) (string, bool) {
	return p.FindMatchingTrack(ctx, song)
}

// AddTrack adds trackID to the community's playlist. With duplicate skipping
// on, a track already in the first 500 items is reported as skipped and
// nothing is written.
func (p *Provider) AddTrack(ctx context.Context, trackID, communityID string) (*models.AdditionResult, error) {
	logger := log.WithFields(log.Fields{
		"module":       "spotify",
		"function":     "AddTrack",
		"track_id":     trackID,
		"community_id": communityID,
	})

	playlistID := p.config.PlaylistFor(communityID)
	if playlistID == "" {
		logger.Warn("No Spotify playlist configured")
		return nil, models.NewError(models.Spotify, models.KindPlaylistMissing, "No Spotify playlist is set up for this server yet.")
	}

	span := sentry.StartSpan(ctx, "spotify.add_track")
	span.Description = "Add track to Spotify playlist"
	span.SetTag("track_id", trackID)
	span.SetTag("playlist_id", playlistID)
	defer span.Finish()
	ctx = span.Context()

	logger.Tracef("Fetching track from Spotify API")
	track, err := p.client.GetTrack(ctx, spotifyclient.ID(trackID))
	if err != nil {
		logger.Errorf("Failed to fetch Spotify track: %v", err)
		span.Status = sentry.SpanStatusInternalError
		return nil, classify(err, models.KindNotFound, "That track doesn't exist on Spotify.")
	}

	song := songFromTrack(track)
	result := &models.AdditionResult{
		Platform:    models.Spotify,
		Title:       displayTitle(song),
		PlaylistID:  playlistID,
		PlaylistURL: links.SpotifyPlaylistURL(playlistID),
		ExternalID:  trackID,
		Song:        song,
	}

	if p.config.SkipDuplicates {
		found, err := p.playlistContains(ctx, playlistID, trackID)
		if err != nil {
			logger.Errorf("Duplicate scan failed: %v", err)
			span.Status = sentry.SpanStatusInternalError
			return nil, classify(err, models.KindPlaylistNotFound, "The Spotify playlist for this server couldn't be found.")
		}
		if found {
			logger.Debugf("Track '%s' already in playlist %s, skipping", track.Name, playlistID)
			result.Skipped = true
			span.Status = sentry.SpanStatusOK
			return result, nil
		}
	}

	if _, err := p.client.AddTracksToPlaylist(ctx, spotifyclient.ID(playlistID), spotifyclient.ID(trackID)); err != nil {
		logger.Errorf("Failed to add track to playlist %s: %v", playlistID, err)
		span.Status = sentry.SpanStatusInternalError
		return nil, classify(err, models.KindPlaylistNotFound, "The Spotify playlist for this server couldn't be found.")
	}

	logger.Debugf("Added '%s' to Spotify playlist %s", track.Name, playlistID)
	span.Status = sentry.SpanStatusOK
	return result, nil
}

func (p *Provider) playlistContains(ctx context.Context, playlistID, trackID string) (bool, error) {
	span := sentry.StartSpan(ctx, "spotify.scan_playlist")
	span.Description = "Scan Spotify playlist for duplicates"
	span.SetTag("playlist_id", playlistID)
	defer span.Finish()

	target := spotifyclient.URI("spotify:track:" + trackID)
	scanned := 0
	for page := 0; page < duplicateScanPages; page++ {
		items, err := p.client.GetPlaylistItems(span.Context(), spotifyclient.ID(playlistID),
			spotifyclient.Limit(duplicateScanPageSize),
			spotifyclient.Offset(page*duplicateScanPageSize),
		)
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
			return false, err
		}

		for _, item := range items.Items {
			scanned++
			// episodes and local files have no track
			if item.Track.Track != nil && item.Track.Track.URI == target {
				span.SetData("scanned", scanned)
				span.Status = sentry.SpanStatusOK
				return true, nil
			}
		}

		if items.Next == "" || len(items.Items) == 0 {
			span.SetData("scanned", scanned)
			span.Status = sentry.SpanStatusOK
			return false, nil
		}
	}

	log.Debugf("Duplicate scan of Spotify playlist %s stopped after %d items", playlistID, scanned)
	span.SetData("scanned", scanned)
	span.Status = sentry.SpanStatusOK
	return false, nil
}

// FindMatchingTrack searches Spotify for song and returns the id of the first
// of the top results that is the same song. Failures are logged and reported
// as no match.
func (p *Provider) FindMatchingTrack(ctx context.Context, song *models.SongMetadata) (string, bool) {
	logger := log.WithFields(log.Fields{"module": "spotify", "function": "FindMatchingTrack"})
	if !metadata.Searchable(song) {
		return "", false
	}

	query := fmt.Sprintf(`track:"%s" artist:"%s"`, unquote(metadata.SearchTitle(song.Title)), unquote(metadata.SearchArtist(song.PrimaryArtist())))

	span := sentry.StartSpan(ctx, "spotify.search")
	span.Description = "Search Spotify API"
	span.SetTag("query", query)
	defer span.Finish()

	results, err := p.client.Search(span.Context(), query, spotifyclient.SearchTypeTrack, spotifyclient.Limit(searchLimit))
	if err != nil {
		logger.Warnf("Spotify search for %q failed: %v", query, err)
		span.Status = sentry.SpanStatusInternalError
		return "", false
	}
	span.Status = sentry.SpanStatusOK

	if results == nil || results.Tracks == nil {
		return "", false
	}

	for i, track := range results.Tracks.Tracks {
		if i >= searchLimit {
			break
		}
		if metadata.SameSong(song, songFromTrack(&track)) {
			logger.Debugf("Matched %q to Spotify track %s", query, track.ID)
			return string(track.ID), true
		}
	}

	logger.Debugf("No Spotify match among %d results for %q", len(results.Tracks.Tracks), query)
	return "", false
}

// classify turns an SDK error into a tagged error. A 404 becomes notFoundKind.
func classify(err error, notFoundKind models.ErrorKind, notFoundMessage string) error {
	if relayErr, ok := models.AsError(err); ok {
		if relayErr.Kind == models.KindRetry && relayErr.Status == http.StatusTooManyRequests {
			return models.WrapError(models.Spotify, models.KindRateLimited, "Spotify is rate limiting the bot. Try again in a minute.", err)
		}
		return relayErr
	}

	status, message := apiError(err)
	switch status {
	case http.StatusNotFound:
		return models.WrapError(models.Spotify, notFoundKind, notFoundMessage, err)
	case http.StatusTooManyRequests:
		return models.WrapError(models.Spotify, models.KindRateLimited, "Spotify is rate limiting the bot. Try again in a minute.", err)
	case http.StatusUnauthorized:
		return models.WrapError(models.Spotify, models.KindAuth, "Couldn't sign in to Spotify. The bot's credentials may need to be refreshed.", err)
	}

	if message == "" {
		message = err.Error()
	}
	relayErr := models.WrapError(models.Spotify, models.KindRequest, "Spotify rejected the request: "+message, err)
	relayErr.Status = status
	return relayErr
}

// apiError digs the status and message out of the SDK's error type, when present
func apiError(err error) (int, string) {
	var apiErr spotifyclient.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Message
	}
	var apiErrPtr *spotifyclient.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Status, apiErrPtr.Message
	}
	return 0, ""
}

func songFromTrack(track *spotifyclient.FullTrack) *models.SongMetadata {
	artists := make([]string, 0, len(track.Artists))
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}
	return &models.SongMetadata{Title: track.Name, Artists: artists}
}

func displayTitle(song *models.SongMetadata) string {
	if len(song.Artists) == 0 {
		return song.Title
	}
	return song.Title + " by " + strings.Join(song.Artists, ", ")
}

func unquote(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
}
