package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/config"
	"relaybot/models"
	"relaybot/pipeline"
)

type fakeTrack struct {
	ID      string
	Name    string
	Artists []string
}

func (f fakeTrack) json() map[string]any {
	artists := []map[string]any{}
	for _, name := range f.Artists {
		artists = append(artists, map[string]any{"name": name})
	}
	return map[string]any{
		"type":    "track",
		"id":      f.ID,
		"uri":     "spotify:track:" + f.ID,
		"name":    f.Name,
		"artists": artists,
	}
}

// fakeSpotify serves the token endpoint and the handful of Web API routes the provider uses
type fakeSpotify struct {
	*httptest.Server

	mu            sync.Mutex
	tracks        map[string]fakeTrack
	playlist      []fakeTrack
	searchResults []fakeTrack
	lastQuery     string
	addStatus     int

	requests  atomic.Int32
	pageReads atomic.Int32
	writes    atomic.Int32
}

func newFakeSpotify(t *testing.T) *fakeSpotify {
	t.Helper()
	f := &fakeSpotify{tracks: map[string]fakeTrack{}, addStatus: http.StatusCreated}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"spotify-access","token_type":"Bearer","expires_in":3600}`))
	})

	mux.HandleFunc("GET /v1/tracks/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		track, ok := f.tracks[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "Non existing id")
			return
		}
		writeJSON(w, http.StatusOK, track.json())
	})

	mux.HandleFunc("GET /v1/playlists/{id}/tracks", func(w http.ResponseWriter, r *http.Request) {
		f.pageReads.Add(1)
		if r.PathValue("id") == "missing" {
			writeError(w, http.StatusNotFound, "Not found.")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		f.mu.Lock()
		defer f.mu.Unlock()

		items := []map[string]any{}
		for i := offset; i < len(f.playlist) && i < offset+limit; i++ {
			items = append(items, map[string]any{"added_at": "2024-01-01T00:00:00Z", "track": f.playlist[i].json()})
		}
		next := ""
		if offset+limit < len(f.playlist) {
			next = fmt.Sprintf("%s/v1/playlists/%s/tracks?offset=%d&limit=%d", f.URL, r.PathValue("id"), offset+limit, limit)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"href":   r.URL.String(),
			"items":  items,
			"limit":  limit,
			"offset": offset,
			"total":  len(f.playlist),
			"next":   next,
		})
	})

	mux.HandleFunc("POST /v1/playlists/{id}/tracks", func(w http.ResponseWriter, r *http.Request) {
		f.writes.Add(1)
		f.mu.Lock()
		status := f.addStatus
		f.mu.Unlock()
		switch {
		case status == http.StatusCreated:
			writeJSON(w, http.StatusCreated, map[string]any{"snapshot_id": "snap-1"})
		case status == http.StatusTooManyRequests:
			w.WriteHeader(status)
		default:
			writeError(w, status, "Invalid track uri: spotify:track:nope")
		}
	})

	mux.HandleFunc("GET /v1/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastQuery = r.URL.Query().Get("q")
		items := []map[string]any{}
		for _, track := range f.searchResults {
			items = append(items, track.json())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tracks": map[string]any{"href": "", "items": items, "limit": 5, "offset": 0, "total": len(items)},
		})
	})

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"status": status, "message": message}})
}

func newTestProvider(f *fakeSpotify, cfg config.ProviderConfig) *Provider {
	cfg.ClientID = "client"
	cfg.ClientSecret = "secret"
	cfg.RefreshToken = "refresh"
	return NewProvider(cfg, Options{
		APIBaseURL: f.URL + "/v1/",
		TokenURL:   f.URL + "/api/token",
		Pipeline: pipeline.Options{
			RequestsPerSecond: 1000,
			Sleep:             func(ctx context.Context, d time.Duration) error { return nil },
		},
	})
}

var senorita = fakeTrack{ID: "0TK2YIli7K1leLovkQiNik", Name: "Señorita", Artists: []string{"Shawn Mendes", "Camila Cabello"}}

func TestAddTrack(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	p := newTestProvider(f, config.ProviderConfig{FallbackPlaylist: "fallback-playlist"})

	result, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, models.Spotify, result.Platform)
	assert.Equal(t, "fallback-playlist", result.PlaylistID)
	assert.Equal(t, "https://open.spotify.com/playlist/fallback-playlist", result.PlaylistURL)
	assert.Equal(t, "Señorita by Shawn Mendes, Camila Cabello", result.Title)
	require.NotNil(t, result.Song)
	assert.Equal(t, []string{"Shawn Mendes", "Camila Cabello"}, result.Song.Artists)
	assert.EqualValues(t, 1, f.writes.Load())
	assert.Zero(t, f.pageReads.Load(), "no duplicate scan when skipping is off")
}

func TestAddTrackUsesCommunityPlaylist(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	p := newTestProvider(f, config.ProviderConfig{
		FallbackPlaylist:   "fallback-playlist",
		CommunityPlaylists: map[string]string{"guild-1": "guild-playlist"},
	})

	result, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "guild-playlist", result.PlaylistID)
}

func TestAddTrackSkipsDuplicateWithoutWriting(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	for i := 0; i < 150; i++ {
		f.playlist = append(f.playlist, fakeTrack{ID: fmt.Sprintf("other%03d", i), Name: "Other", Artists: []string{"Someone"}})
	}
	f.playlist = append(f.playlist, senorita)
	p := newTestProvider(f, config.ProviderConfig{FallbackPlaylist: "fallback-playlist", SkipDuplicates: true})

	result, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.NotNil(t, result.Song)
	assert.Zero(t, f.writes.Load())
	assert.EqualValues(t, 2, f.pageReads.Load())
}

func TestDuplicateScanIsBounded(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	for i := 0; i < 700; i++ {
		f.playlist = append(f.playlist, fakeTrack{ID: fmt.Sprintf("other%03d", i), Name: "Other", Artists: []string{"Someone"}})
	}
	// past the scan window, so it gets added again
	f.playlist = append(f.playlist, senorita)
	p := newTestProvider(f, config.ProviderConfig{FallbackPlaylist: "fallback-playlist", SkipDuplicates: true})

	result, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.EqualValues(t, duplicateScanPages, f.pageReads.Load())
	assert.EqualValues(t, 1, f.writes.Load())
}

func TestAddTrackErrors(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ProviderConfig
		trackID   string
		addStatus int
		wantKind  models.ErrorKind
		wantCalls bool
	}{
		{
			name:     "no playlist configured",
			cfg:      config.ProviderConfig{},
			trackID:  senorita.ID,
			wantKind: models.KindPlaylistMissing,
		},
		{
			name:      "unknown track",
			cfg:       config.ProviderConfig{FallbackPlaylist: "fallback-playlist"},
			trackID:   "doesnotexist",
			wantKind:  models.KindNotFound,
			wantCalls: true,
		},
		{
			name:      "missing playlist during duplicate scan",
			cfg:       config.ProviderConfig{FallbackPlaylist: "missing", SkipDuplicates: true},
			trackID:   senorita.ID,
			wantKind:  models.KindPlaylistNotFound,
			wantCalls: true,
		},
		{
			name:      "rate limited after retries",
			cfg:       config.ProviderConfig{FallbackPlaylist: "fallback-playlist"},
			trackID:   senorita.ID,
			addStatus: http.StatusTooManyRequests,
			wantKind:  models.KindRateLimited,
			wantCalls: true,
		},
		{
			name:      "upstream rejection",
			cfg:       config.ProviderConfig{FallbackPlaylist: "fallback-playlist"},
			trackID:   senorita.ID,
			addStatus: http.StatusBadRequest,
			wantKind:  models.KindRequest,
			wantCalls: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSpotify(t)
			f.tracks[senorita.ID] = senorita
			if tt.addStatus != 0 {
				f.addStatus = tt.addStatus
			}
			p := newTestProvider(f, tt.cfg)

			_, err := p.AddTrack(context.Background(), tt.trackID, "guild-1")
			require.Error(t, err)
			relayErr, ok := models.AsError(err)
			require.True(t, ok, "expected a tagged error, got %v", err)
			assert.Equal(t, tt.wantKind, relayErr.Kind)
			assert.Equal(t, models.Spotify, relayErr.Platform)
			assert.NotEmpty(t, relayErr.UserMessage)
			if !tt.wantCalls {
				assert.Zero(t, f.requests.Load())
			}
		})
	}
}

func TestAddTrackUpstreamMessageIsKept(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	f.addStatus = http.StatusBadRequest
	p := newTestProvider(f, config.ProviderConfig{FallbackPlaylist: "fallback-playlist"})

	_, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.Error(t, err)
	assert.Contains(t, models.UserMessageOf(err), "Invalid track uri")
}

func TestAddTrackRateLimitRetriesFiveTimes(t *testing.T) {
	f := newFakeSpotify(t)
	f.tracks[senorita.ID] = senorita
	f.addStatus = http.StatusTooManyRequests
	p := newTestProvider(f, config.ProviderConfig{FallbackPlaylist: "fallback-playlist"})

	_, err := p.AddTrack(context.Background(), senorita.ID, "guild-1")
	require.Error(t, err)
	assert.EqualValues(t, pipeline.MaxAttempts, f.writes.Load())
}

func TestFindMatchingTrack(t *testing.T) {
	f := newFakeSpotify(t)
	f.searchResults = []fakeTrack{
		{ID: "cover", Name: "Señorita", Artists: []string{"Some Cover Band"}},
		senorita,
	}
	p := newTestProvider(f, config.ProviderConfig{})

	id, ok := p.FindMatchingTrack(context.Background(), &models.SongMetadata{
		Title:   "Senorita (Official Music Video)",
		Artists: []string{"Shawn Mendes - Topic"},
	})
	require.True(t, ok)
	assert.Equal(t, senorita.ID, id)
	assert.Equal(t, `track:"Senorita" artist:"Shawn Mendes"`, f.lastQuery)
}

func TestFindMatchingTrackNoMatch(t *testing.T) {
	f := newFakeSpotify(t)
	f.searchResults = []fakeTrack{{ID: "other", Name: "Havana", Artists: []string{"Camila Cabello"}}}
	p := newTestProvider(f, config.ProviderConfig{})

	_, ok := p.FindMatchingTrack(context.Background(), &models.SongMetadata{Title: "Señorita", Artists: []string{"Camila Cabello"}})
	assert.False(t, ok)
}

func TestFindMatchingTrackSkipsUnsearchableSongs(t *testing.T) {
	f := newFakeSpotify(t)
	p := newTestProvider(f, config.ProviderConfig{})

	_, ok := p.FindMatchingTrack(context.Background(), &models.SongMetadata{Title: "(Official Video)"})
	assert.False(t, ok)
	assert.Zero(t, f.requests.Load())
}
