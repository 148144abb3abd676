package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

type ConfigStruct struct {
	Discord DiscordConfig
	Options Options
	Spotify ProviderConfig
	YouTube ProviderConfig
}

type DiscordConfig struct {
	BotToken  string
	AppID     string
	PublicKey string
}

type Options struct {
	Port               string
	LogLevel           string
	DBPath             string
	SentryDSN          string
	PlaylistConfigPath string
	ProviderRateLimit  int // requests per second, per provider
	WebhookCacheTTL    time.Duration
	CommandTimeout     time.Duration
}

// ProviderConfig is everything one catalog provider needs. A provider is only
// built when Configured reports true.
type ProviderConfig struct {
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	FallbackPlaylist string
	SkipDuplicates   bool
	// community (guild) id -> playlist id
	CommunityPlaylists map[string]string
}

func (p ProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.RefreshToken != ""
}

// PlaylistFor returns the community's own playlist, else the fallback, else ""
func (p ProviderConfig) PlaylistFor(communityID string) string {
	if playlistID := strings.TrimSpace(p.CommunityPlaylists[communityID]); playlistID != "" {
		return playlistID
	}
	return strings.TrimSpace(p.FallbackPlaylist)
}

var Config *ConfigStruct

// NewConfig loads the configuration into Config. A broken playlist file is
// logged and ignored so the bot still starts from the environment alone.
func NewConfig() {
	config, err := Load()
	if err != nil {
		log.Errorf("Failed to load playlist config, using environment only: %v", err)
		config = fromEnv()
	}
	Config = config
}

// Load reads the environment and, when PLAYLIST_CONFIG_PATH is set, the TOML
// playlist file on top of it.
func Load() (*ConfigStruct, error) {
	config := fromEnv()
	if config.Options.PlaylistConfigPath == "" {
		return config, nil
	}

	file, err := readPlaylistFile(config.Options.PlaylistConfigPath)
	if err != nil {
		return nil, err
	}
	file.Spotify.applyTo(&config.Spotify)
	file.YouTube.applyTo(&config.YouTube)
	return config, nil
}

func fromEnv() *ConfigStruct {
	return &ConfigStruct{
		Discord: DiscordConfig{
			BotToken:  os.Getenv("DISCORD_BOT_TOKEN"),
			AppID:     os.Getenv("DISCORD_APP_ID"),
			PublicKey: os.Getenv("DISCORD_PUBLIC_KEY"),
		},
		Options: Options{
			Port:               os.Getenv("PORT"),
			LogLevel:           os.Getenv("LOG_LEVEL"),
			DBPath:             os.Getenv("DB_PATH"),
			SentryDSN:          os.Getenv("SENTRY_DSN"),
			PlaylistConfigPath: os.Getenv("PLAYLIST_CONFIG_PATH"),
			ProviderRateLimit:  getProviderRateLimit(),
			WebhookCacheTTL:    time.Duration(getWebhookCacheTTLMinutes()) * time.Minute,
			CommandTimeout:     time.Duration(getCommandTimeoutSeconds()) * time.Second,
		},
		Spotify: ProviderConfig{
			ClientID:           os.Getenv("SPOTIFY_CLIENT_ID"),
			ClientSecret:       os.Getenv("SPOTIFY_CLIENT_SECRET"),
			RefreshToken:       os.Getenv("SPOTIFY_REFRESH_TOKEN"),
			FallbackPlaylist:   os.Getenv("SPOTIFY_PLAYLIST_ID"),
			SkipDuplicates:     os.Getenv("SPOTIFY_SKIP_DUPLICATES") == "true",
			CommunityPlaylists: map[string]string{},
		},
		YouTube: ProviderConfig{
			ClientID:           os.Getenv("YOUTUBE_CLIENT_ID"),
			ClientSecret:       os.Getenv("YOUTUBE_CLIENT_SECRET"),
			RefreshToken:       os.Getenv("YOUTUBE_REFRESH_TOKEN"),
			FallbackPlaylist:   os.Getenv("YOUTUBE_PLAYLIST_ID"),
			SkipDuplicates:     os.Getenv("YOUTUBE_SKIP_DUPLICATES") == "true",
			CommunityPlaylists: map[string]string{},
		},
	}
}

type playlistFile struct {
	Spotify playlistSection `toml:"spotify"`
	YouTube playlistSection `toml:"youtube"`
}

type playlistSection struct {
	FallbackPlaylist *string           `toml:"fallback_playlist"`
	SkipDuplicates   *bool             `toml:"skip_duplicates"`
	Communities      map[string]string `toml:"communities"`
}

func (s playlistSection) applyTo(provider *ProviderConfig) {
	if s.FallbackPlaylist != nil {
		provider.FallbackPlaylist = *s.FallbackPlaylist
	}
	if s.SkipDuplicates != nil {
		provider.SkipDuplicates = *s.SkipDuplicates
	}
	for communityID, playlistID := range s.Communities {
		provider.CommunityPlaylists[communityID] = playlistID
	}
}

func readPlaylistFile(path string) (*playlistFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist config: %w", err)
	}

	var file playlistFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse playlist config: %w", err)
	}
	return &file, nil
}

func getProviderRateLimit() int {
	return getClampedInt("PROVIDER_RATE_LIMIT", 5, 1, 50)
}

func getWebhookCacheTTLMinutes() int {
	return getClampedInt("WEBHOOK_CACHE_TTL_MINUTES", 360, 1, 10080) // a week at most
}

func getCommandTimeoutSeconds() int {
	return getClampedInt("COMMAND_TIMEOUT_SECONDS", 60, 10, 300)
}

func getClampedInt(key string, fallback, lower, upper int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
