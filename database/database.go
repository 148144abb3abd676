package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"relaybot/audit"
)

type Database struct {
	db *sql.DB
}

// New opens the sqlite database at dbPath, defaulting to /app/data/relaybot.db
func New(dbPath string) (*Database, error) {
	if dbPath == "" {
		dbPath = "/app/data/relaybot.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the audit writer and readers run concurrently
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infof("Database initialized at %s", dbPath)
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS playlist_audit (
			id TEXT PRIMARY KEY,
			community_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			external_id TEXT NOT NULL,
			playlist_id TEXT NOT NULL DEFAULT '',
			skipped INTEGER NOT NULL DEFAULT 0,
			mirrors TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playlist_audit_community ON playlist_audit(community_id, created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// RecordAudit stores one relayed addition
func (d *Database) RecordAudit(ctx context.Context, record audit.Record) error {
	mirrors, err := json.Marshal(record.Mirrors)
	if err != nil {
		return fmt.Errorf("failed to encode mirrors: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO playlist_audit (id, community_id, channel_id, user_id, platform, external_id, playlist_id, skipped, mirrors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.CommunityID, record.ChannelID, record.UserID, string(record.Platform),
		record.ExternalID, record.PlaylistID, record.Skipped, string(mirrors),
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}
