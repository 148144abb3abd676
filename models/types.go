package models

type Platform string

const (
	Spotify Platform = "spotify"
	YouTube Platform = "youtube"
)

// DisplayName is the user facing name of the platform
func (p Platform) DisplayName() string {
	switch p {
	case Spotify:
		return "Spotify"
	case YouTube:
		return "YouTube"
	default:
		return string(p)
	}
}

// Companion returns the platform an addition gets mirrored onto
func (p Platform) Companion() Platform {
	if p == Spotify {
		return YouTube
	}
	return Spotify
}

// PlaylistLink is a parsed and canonicalized submission
type PlaylistLink struct {
	Platform      Platform
	ID            string
	NormalizedURL string
	Raw           string
}

type SongMetadata struct {
	Title   string
	Artists []string
}

// PrimaryArtist returns the first credited artist, or "" when there is none
func (s *SongMetadata) PrimaryArtist() string {
	if s == nil || len(s.Artists) == 0 {
		return ""
	}
	return s.Artists[0]
}

type AdditionResult struct {
	Platform    Platform
	Title       string
	PlaylistID  string
	PlaylistURL string
	ExternalID  string
	// Skipped is true when the item was already in the playlist and nothing was written
	Skipped bool
	Song    *SongMetadata
}

type MirrorStatus string

const (
	MirrorAdded           MirrorStatus = "added"
	MirrorSkipped         MirrorStatus = "skipped"
	MirrorNotFound        MirrorStatus = "notFound"
	MirrorMetadataMissing MirrorStatus = "metadataMissing"
	MirrorError           MirrorStatus = "error"
)

type MirrorOutcome struct {
	Platform    Platform     `json:"platform"`
	Status      MirrorStatus `json:"status"`
	Title       string       `json:"title,omitempty"`
	PlaylistURL string       `json:"playlist_url,omitempty"`
	Message     string       `json:"message,omitempty"`
}
