// Package audit records one line per relayed link: a JSON log line on its own
// logger, plus a row in the store when one is configured.
package audit

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"relaybot/models"
)

type Record struct {
	ID          string                 `json:"id"`
	CommunityID string                 `json:"community_id"`
	ChannelID   string                 `json:"channel_id"`
	UserID      string                 `json:"user_id"`
	Platform    models.Platform        `json:"platform"`
	ExternalID  string                 `json:"external_id"`
	PlaylistID  string                 `json:"playlist_id"`
	Skipped     bool                   `json:"skipped"`
	Mirrors     []models.MirrorOutcome `json:"mirrors"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewRecord fills in the id and timestamp for a successful primary addition
func NewRecord(communityID, channelID, userID string, primary *models.AdditionResult, mirrors []models.MirrorOutcome) Record {
	if mirrors == nil {
		mirrors = []models.MirrorOutcome{}
	}
	return Record{
		ID:          uuid.NewString(),
		CommunityID: communityID,
		ChannelID:   channelID,
		UserID:      userID,
		Platform:    primary.Platform,
		ExternalID:  primary.ExternalID,
		PlaylistID:  primary.PlaylistID,
		Skipped:     primary.Skipped,
		Mirrors:     mirrors,
		Timestamp:   time.Now().UTC(),
	}
}

type Store interface {
	RecordAudit(ctx context.Context, record Record) error
}

type Recorder struct {
	logger *log.Logger
	store  Store
}

// NewRecorder writes JSON lines to out (stdout when nil). store may be nil.
func NewRecorder(out io.Writer, store Store) *Recorder {
	if out == nil {
		out = os.Stdout
	}
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        log.FieldMap{log.FieldKeyMsg: "event", log.FieldKeyTime: "timestamp"},
	})
	logger.SetLevel(log.InfoLevel)
	return &Recorder{logger: logger, store: store}
}

func (r *Recorder) Record(ctx context.Context, record Record) {
	r.logger.WithFields(log.Fields{
		"id":           record.ID,
		"community_id": record.CommunityID,
		"channel_id":   record.ChannelID,
		"user_id":      record.UserID,
		"platform":     record.Platform,
		"external_id":  record.ExternalID,
		"playlist_id":  record.PlaylistID,
		"skipped":      record.Skipped,
		"mirrors":      record.Mirrors,
	}).WithTime(record.Timestamp).Info("playlist_addition")

	if r.store == nil {
		return
	}
	if err := r.store.RecordAudit(ctx, record); err != nil {
		log.WithFields(log.Fields{"module": "audit", "function": "Record", "id": record.ID}).
			Errorf("Failed to store audit record: %v", err)
	}
}
