// Package links recognizes Spotify track and YouTube video links in chat text
// and reduces them to a canonical (platform, id, url) triple.
package links

import (
	"net/url"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"relaybot/models"
)

var (
	spotifyIDRegex = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	youtubeIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	// open.spotify.com/intl-de/track/<id>
	spotifyLocaleRegex = regexp.MustCompile(`^intl-[a-z]{2}(-[a-z]{2})?$`)
)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

const (
	MissingMessage     = "Paste a Spotify track or YouTube video link."
	UnsupportedMessage = "That doesn't look like a Spotify track or YouTube video link."
)

// Parse finds the first supported link in raw. It never fails with anything
// other than a missing or unsupported error.
func Parse(raw string) (models.PlaylistLink, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.PlaylistLink{}, models.NewError("", models.KindMissing, MissingMessage)
	}

	for _, candidate := range strings.Fields(trimmed) {
		if link, ok := parseCandidate(candidate); ok {
			link.Raw = raw
			log.Tracef("parsed %s link: %s", link.Platform, link.ID)
			return link, nil
		}
	}

	log.Debugf("unsupported link submitted: %q", trimmed)
	return models.PlaylistLink{}, models.NewError("", models.KindUnsupported, UnsupportedMessage)
}

func parseCandidate(candidate string) (models.PlaylistLink, bool) {
	// discord's "<url>" embed suppression
	candidate = strings.TrimSuffix(strings.TrimPrefix(candidate, "<"), ">")

	if id, ok := parseSpotifyURI(candidate); ok {
		return spotifyLink(id), true
	}

	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	parsedURL, err := url.Parse(candidate)
	if err != nil || parsedURL.Host == "" {
		return models.PlaylistLink{}, false
	}

	host := strings.ToLower(parsedURL.Hostname())
	segments := pathSegments(parsedURL.Path)

	switch {
	case host == "open.spotify.com":
		if len(segments) > 0 && spotifyLocaleRegex.MatchString(segments[0]) {
			segments = segments[1:]
		}
		if len(segments) >= 2 && segments[0] == "track" && spotifyIDRegex.MatchString(segments[1]) {
			return spotifyLink(segments[1]), true
		}
	case host == "youtu.be" || host == "www.youtu.be":
		if len(segments) >= 1 && youtubeIDRegex.MatchString(segments[0]) {
			return youtubeLink(segments[0]), true
		}
	case youtubeHosts[host]:
		if len(segments) == 1 && segments[0] == "watch" {
			if id := parsedURL.Query().Get("v"); youtubeIDRegex.MatchString(id) {
				return youtubeLink(id), true
			}
		}
		if len(segments) >= 2 && segments[0] == "shorts" && youtubeIDRegex.MatchString(segments[1]) {
			return youtubeLink(segments[1]), true
		}
	}

	return models.PlaylistLink{}, false
}

func parseSpotifyURI(candidate string) (string, bool) {
	const prefix = "spotify:track:"
	if len(candidate) < len(prefix) || !strings.EqualFold(candidate[:len(prefix)], prefix) {
		return "", false
	}
	id := candidate[len(prefix):]
	if !spotifyIDRegex.MatchString(id) {
		return "", false
	}
	return id, true
}

func pathSegments(path string) []string {
	segments := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

func spotifyLink(id string) models.PlaylistLink {
	return models.PlaylistLink{
		Platform:      models.Spotify,
		ID:            id,
		NormalizedURL: SpotifyTrackURL(id),
	}
}

func youtubeLink(id string) models.PlaylistLink {
	return models.PlaylistLink{
		Platform:      models.YouTube,
		ID:            id,
		NormalizedURL: YouTubeVideoURL(id),
	}
}

func SpotifyTrackURL(id string) string {
	return "https://open.spotify.com/track/" + id
}

func SpotifyPlaylistURL(id string) string {
	return "https://open.spotify.com/playlist/" + id
}

func YouTubeVideoURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func YouTubePlaylistURL(id string) string {
	return "https://www.youtube.com/playlist?list=" + id
}
