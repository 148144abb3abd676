package metadata

import (
	"regexp"
	"strings"

	"relaybot/models"
)

var (
	// "Artist - Title", "Artist – Title", "Artist — Title"
	titleSeparatorRegex = regexp.MustCompile(`\s+[-–—]+\s+`)
	featSplitRegex      = regexp.MustCompile(`(?i)\s+(?:feat\.?|ft\.?|featuring)\s+`)
	channelSuffixRegex  = regexp.MustCompile(`(?i)(?:\s*-\s*topic|\s+official)\s*$`)
	vevoSuffixRegex     = regexp.MustCompile(`(?i)\s*vevo\s*$`)
	camelBoundaryRegex  = regexp.MustCompile(`(\p{Ll})(\p{Lu})`)
)

// ParseVideoTitle guesses song metadata from a YouTube video title and its
// channel name. It returns false when neither yields a usable title and artist.
func ParseVideoTitle(videoTitle, channelTitle string) (*models.SongMetadata, bool) {
	videoTitle = strings.TrimSpace(videoTitle)
	if videoTitle == "" {
		return nil, false
	}

	// "Title | Official Video" style suffixes
	if idx := strings.Index(videoTitle, " | "); idx > 0 {
		videoTitle = strings.TrimSpace(videoTitle[:idx])
	}

	if loc := titleSeparatorRegex.FindStringIndex(videoTitle); loc != nil {
		song := &models.SongMetadata{
			Title:   strings.TrimSpace(videoTitle[loc[1]:]),
			Artists: splitArtists(videoTitle[:loc[0]]),
		}
		if Searchable(song) {
			return song, true
		}
	}

	song := &models.SongMetadata{
		Title:   videoTitle,
		Artists: splitArtists(channelArtist(channelTitle)),
	}
	if Searchable(song) {
		return song, true
	}
	return nil, false
}

// channelArtist reads an artist name out of a channel title. VEVO channels
// run the name together ("RickAstleyVEVO"), so those are split at case changes.
func channelArtist(channelTitle string) string {
	channel := strings.TrimSpace(channelSuffixRegex.ReplaceAllString(channelTitle, ""))
	if !vevoSuffixRegex.MatchString(channel) {
		return channel
	}
	channel = strings.TrimSpace(vevoSuffixRegex.ReplaceAllString(channel, ""))
	if strings.ContainsRune(channel, ' ') {
		return channel
	}
	return camelBoundaryRegex.ReplaceAllString(channel, "$1 $2")
}

// splitArtists turns "Lead feat. A, B" into [Lead A B]. The lead is kept
// whole so duos like "Simon & Garfunkel" survive.
func splitArtists(credit string) []string {
	credit = strings.TrimSpace(credit)
	if credit == "" {
		return nil
	}

	parts := featSplitRegex.Split(credit, 2)
	artists := []string{strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		for _, featured := range strings.FieldsFunc(parts[1], func(r rune) bool { return r == ',' || r == '&' }) {
			if featured = strings.TrimSpace(featured); featured != "" {
				artists = append(artists, featured)
			}
		}
	}
	return artists
}
