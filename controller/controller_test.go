package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/config"
	"relaybot/models"
)

type fakeProvider struct {
	platform models.Platform

	mu         sync.Mutex
	addCalls   []string
	findCalls  int
	addResult  *models.AdditionResult
	addErr     error
	matchID    string
	matchFound bool
	panicOn    string
}

func (f *fakeProvider) Platform() models.Platform { return f.platform }

func (f *fakeProvider) Add(ctx context.Context, externalID, communityID string) (*models.AdditionResult, error) {
	f.mu.Lock()
	f.addCalls = append(f.addCalls, externalID)
	f.mu.Unlock()
	if f.panicOn == "add" {
		panic("boom")
	}
	if f.addErr != nil {
		return nil, f.addErr
	}
	result := *f.addResult
	result.ExternalID = externalID
	return &result, nil
}

func (f *fakeProvider) FindMatch(ctx context.Context, song *models.SongMetadata) (string, bool) {
	f.mu.Lock()
	f.findCalls++
	f.mu.Unlock()
	if f.panicOn == "find" {
		panic("boom")
	}
	return f.matchID, f.matchFound
}

func newSpotify() *fakeProvider {
	return &fakeProvider{
		platform: models.Spotify,
		addResult: &models.AdditionResult{
			Platform:    models.Spotify,
			Title:       "Señorita by Shawn Mendes, Camila Cabello",
			PlaylistURL: "https://open.spotify.com/playlist/sp",
			Song:        &models.SongMetadata{Title: "Señorita", Artists: []string{"Shawn Mendes", "Camila Cabello"}},
		},
	}
}

func newYouTube() *fakeProvider {
	return &fakeProvider{
		platform: models.YouTube,
		addResult: &models.AdditionResult{
			Platform:    models.YouTube,
			Title:       "Shawn Mendes - Señorita",
			PlaylistURL: "https://www.youtube.com/playlist?list=yt",
		},
		matchID:    "video1",
		matchFound: true,
	}
}

func route(t *testing.T, providers *Providers, link models.PlaylistLink) (*RouteResult, error) {
	t.Helper()
	c := NewController(NewRegistry(providers))
	return c.Route(context.Background(), link, RouteOptions{CommunityID: "guild-1"})
}

var spotifyLink = models.PlaylistLink{Platform: models.Spotify, ID: "track1", NormalizedURL: "https://open.spotify.com/track/track1"}
var youtubeLink = models.PlaylistLink{Platform: models.YouTube, ID: "video9", NormalizedURL: "https://www.youtube.com/watch?v=video9"}

func TestRouteAddsAndMirrors(t *testing.T) {
	sp, yt := newSpotify(), newYouTube()

	result, err := route(t, NewProviders(1, sp, yt), spotifyLink)
	require.NoError(t, err)

	assert.Equal(t, "track1", result.Primary.ExternalID)
	require.Len(t, result.Mirrors, 1)
	assert.Equal(t, models.MirrorOutcome{
		Platform:    models.YouTube,
		Status:      models.MirrorAdded,
		Title:       "Shawn Mendes - Señorita",
		PlaylistURL: "https://www.youtube.com/playlist?list=yt",
	}, result.Mirrors[0])
	assert.Equal(t, []string{"video1"}, yt.addCalls)
}

func TestRouteMirrorSkipped(t *testing.T) {
	sp, yt := newSpotify(), newYouTube()
	yt.addResult.Skipped = true

	result, err := route(t, NewProviders(1, sp, yt), spotifyLink)
	require.NoError(t, err)
	require.Len(t, result.Mirrors, 1)
	assert.Equal(t, models.MirrorSkipped, result.Mirrors[0].Status)
}

func TestRouteDisabledPlatformMakesNoCalls(t *testing.T) {
	sp := newSpotify()

	_, err := route(t, NewProviders(1, sp), youtubeLink)
	require.Error(t, err)
	assert.Equal(t, models.KindDisabled, models.KindOf(err))
	assert.Empty(t, sp.addCalls)
	assert.Zero(t, sp.findCalls)
}

func TestRouteWithoutProviders(t *testing.T) {
	for _, providers := range []*Providers{nil, NewProviders(1)} {
		_, err := route(t, providers, spotifyLink)
		require.Error(t, err)
		assert.Equal(t, models.KindDisabled, models.KindOf(err))
		assert.Contains(t, models.UserMessageOf(err), "not configured")
	}
}

func TestRoutePrimaryFailureAborts(t *testing.T) {
	sp, yt := newSpotify(), newYouTube()
	sp.addErr = models.NewError(models.Spotify, models.KindPlaylistMissing, "No Spotify playlist is set up for this server yet.")

	result, err := route(t, NewProviders(1, sp, yt), spotifyLink)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, models.KindPlaylistMissing, models.KindOf(err))
	assert.Zero(t, yt.findCalls)
	assert.Empty(t, yt.addCalls)
}

func TestRouteWithoutCompanionHasNoMirrors(t *testing.T) {
	result, err := route(t, NewProviders(1, newSpotify()), spotifyLink)
	require.NoError(t, err)
	assert.Empty(t, result.Mirrors)
}

func TestRouteMirrorOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(sp, yt *fakeProvider)
		link        models.PlaylistLink
		wantStatus  models.MirrorStatus
		wantMessage string
	}{
		{
			name:        "metadata missing",
			setup:       func(sp, yt *fakeProvider) { sp.addResult.Song = nil },
			link:        spotifyLink,
			wantStatus:  models.MirrorMetadataMissing,
			wantMessage: "wasn't added to YouTube",
		},
		{
			name: "blank artist",
			setup: func(sp, yt *fakeProvider) {
				sp.addResult.Song = &models.SongMetadata{Title: "Señorita", Artists: []string{"  "}}
			},
			link:        spotifyLink,
			wantStatus:  models.MirrorMetadataMissing,
			wantMessage: "wasn't added to YouTube",
		},
		{
			name:        "no match",
			setup:       func(sp, yt *fakeProvider) { yt.matchFound = false },
			link:        spotifyLink,
			wantStatus:  models.MirrorNotFound,
			wantMessage: "No match found on YouTube.",
		},
		{
			name: "companion add fails",
			setup: func(sp, yt *fakeProvider) {
				yt.addErr = models.NewError(models.YouTube, models.KindRateLimited, "YouTube quota used up.")
			},
			link:        spotifyLink,
			wantStatus:  models.MirrorError,
			wantMessage: "YouTube quota used up.",
		},
		{
			name:        "companion add fails untagged",
			setup:       func(sp, yt *fakeProvider) { yt.addErr = errors.New("socket closed") },
			link:        spotifyLink,
			wantStatus:  models.MirrorError,
			wantMessage: "Something went wrong",
		},
		{
			name:        "search panics",
			setup:       func(sp, yt *fakeProvider) { yt.panicOn = "find" },
			link:        spotifyLink,
			wantStatus:  models.MirrorError,
			wantMessage: "failed unexpectedly",
		},
		{
			name:        "companion add panics",
			setup:       func(sp, yt *fakeProvider) { yt.panicOn = "add" },
			link:        spotifyLink,
			wantStatus:  models.MirrorError,
			wantMessage: "failed unexpectedly",
		},
		{
			name: "youtube link mirrors to spotify",
			setup: func(sp, yt *fakeProvider) {
				yt.addResult.Song = &models.SongMetadata{Title: "Señorita", Artists: []string{"Shawn Mendes"}}
				sp.matchID, sp.matchFound = "track1", true
			},
			link:       youtubeLink,
			wantStatus: models.MirrorAdded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, yt := newSpotify(), newYouTube()
			tt.setup(sp, yt)

			result, err := route(t, NewProviders(1, sp, yt), tt.link)
			require.NoError(t, err)
			require.NotNil(t, result.Primary)
			require.Len(t, result.Mirrors, 1)
			assert.Equal(t, tt.link.Platform.Companion(), result.Mirrors[0].Platform)
			assert.Equal(t, tt.wantStatus, result.Mirrors[0].Status)
			assert.Contains(t, result.Mirrors[0].Message, tt.wantMessage)
		})
	}
}

func TestRegistrySwapKeepsLoadedSnapshot(t *testing.T) {
	first := NewProviders(1, newSpotify())
	registry := NewRegistry(first)
	loaded := registry.Current()

	second := NewProviders(2, newSpotify(), newYouTube())
	previous := registry.Swap(second)

	assert.Same(t, first, previous)
	assert.Same(t, first, loaded)
	assert.Equal(t, 1, loaded.Len())
	assert.EqualValues(t, 2, registry.Current().Version)
	_, ok := registry.Current().Get(models.YouTube)
	assert.True(t, ok)
}

func TestBuildOnlyConfiguredProviders(t *testing.T) {
	creds := config.ProviderConfig{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}
	tests := []struct {
		name string
		cfg  config.ConfigStruct
		want []models.Platform
	}{
		{"none", config.ConfigStruct{}, nil},
		{"spotify only", config.ConfigStruct{Spotify: creds}, []models.Platform{models.Spotify}},
		{"youtube only", config.ConfigStruct{YouTube: creds}, []models.Platform{models.YouTube}},
		{"both", config.ConfigStruct{Spotify: creds, YouTube: creds}, []models.Platform{models.Spotify, models.YouTube}},
		{"partial credentials", config.ConfigStruct{Spotify: config.ProviderConfig{ClientID: "id"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers, err := Build(context.Background(), 7, &tt.cfg)
			require.NoError(t, err)
			assert.EqualValues(t, 7, providers.Version)
			assert.Equal(t, len(tt.want), providers.Len())
			for _, platform := range tt.want {
				provider, ok := providers.Get(platform)
				require.True(t, ok)
				assert.Equal(t, platform, provider.Platform())
			}
		})
	}
}
