// Package metadata turns catalog titles and artist names into comparison keys
// so the same song can be recognized across Spotify and YouTube.
package metadata

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"relaybot/models"
)

var (
	quoteStripper = strings.NewReplacer(
		`"`, "", "'", "", "`", "",
		"‘", "", "’", "", "“", "", "”", "",
		"«", "", "»", "", "´", "",
	)

	topicSuffixRegex = regexp.MustCompile(`(?i)\s*-\s*topic\s*$`)
)

var featTokens = map[string]struct{}{
	"feat":      {},
	"ft":        {},
	"featuring": {},
}

// NormalizeTitleKey reduces a song title to lowercase letter/digit tokens,
// dropping asides like "(Official Video)" and any trailing featuring clause.
func NormalizeTitleKey(title string) string {
	tokens := tokenize(title)
	for i, token := range tokens {
		if _, ok := featTokens[token]; ok && i > 0 {
			tokens = tokens[:i]
			break
		}
	}
	return strings.Join(tokens, " ")
}

// NormalizeArtistKey is NormalizeTitleKey for artist names, additionally
// dropping YouTube's auto-generated "- Topic" channel suffix.
func NormalizeArtistKey(artist string) string {
	return strings.Join(tokenize(topicSuffixRegex.ReplaceAllString(stripAsides(artist), "")), " ")
}

func tokenize(input string) []string {
	if input == "" {
		return nil
	}

	cleaned := stripAsides(input)
	cleaned = foldAccents(strings.ToLower(cleaned))
	cleaned = strings.ReplaceAll(cleaned, "&", " and ")

	return strings.Fields(cleanSeparators(cleaned))
}

func stripAsides(input string) string {
	return stripBracketedSegments(quoteStripper.Replace(input))
}

// foldAccents turns é into e. A chain carries state between calls, so every
// call builds its own.
func foldAccents(input string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, input)
	if err != nil {
		return input
	}
	return folded
}

func stripBracketedSegments(input string) string {
	var out strings.Builder
	depth := 0
	for _, r := range input {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				out.WriteRune(r)
			}
		}
	}

	return out.String()
}

func cleanSeparators(input string) string {
	var out strings.Builder
	lastSpace := false
	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			out.WriteRune(' ')
			lastSpace = true
		}
	}

	return out.String()
}

// ArtistKeys normalizes every artist, dropping the ones that normalize to nothing
func ArtistKeys(artists []string) []string {
	keys := make([]string, 0, len(artists))
	for _, artist := range artists {
		if key := NormalizeArtistKey(artist); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Searchable reports whether song has a non-empty title key and at least one
// non-empty artist key, the minimum needed to look it up elsewhere.
func Searchable(song *models.SongMetadata) bool {
	if song == nil {
		return false
	}
	return NormalizeTitleKey(song.Title) != "" && len(ArtistKeys(song.Artists)) > 0
}

// SameSong reports whether a and b have equal title keys and share at least
// one artist key.
func SameSong(a, b *models.SongMetadata) bool {
	if !Searchable(a) || !Searchable(b) {
		return false
	}
	if NormalizeTitleKey(a.Title) != NormalizeTitleKey(b.Title) {
		return false
	}

	seen := make(map[string]struct{})
	for _, key := range ArtistKeys(a.Artists) {
		seen[key] = struct{}{}
	}
	for _, key := range ArtistKeys(b.Artists) {
		if _, ok := seen[key]; ok {
			return true
		}
	}
	return false
}

// SearchTitle is title as a catalog search wants it: original casing and
// accents kept, bracketed asides and any featuring clause removed.
func SearchTitle(title string) string {
	cleaned := stripBracketedSegments(title)
	if loc := featSplitRegex.FindStringIndex(cleaned); loc != nil && loc[0] > 0 {
		cleaned = cleaned[:loc[0]]
	}
	return strings.TrimRight(strings.Join(strings.Fields(cleaned), " "), " -–—|:")
}

// SearchArtist strips the "- Topic" channel suffix and bracketed asides
func SearchArtist(artist string) string {
	cleaned := topicSuffixRegex.ReplaceAllString(stripBracketedSegments(artist), "")
	return strings.Join(strings.Fields(cleaned), " ")
}
