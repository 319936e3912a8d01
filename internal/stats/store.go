// Package stats keeps per-channel delivery counters in SQLite so that
// `echobot status` can report on a gateway that is running elsewhere.
// Only counts are stored, never message content.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind selects which counter a Record call increments.
type Kind int

const (
	Received Kind = iota
	Sent
	Failed
)

func (k Kind) String() string {
	switch k {
	case Received:
		return "received"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ChannelStats is one row of the channel_stats table.
type ChannelStats struct {
	Channel  string    `json:"channel"`
	Received int64     `json:"received"`
	Sent     int64     `json:"sent"`
	Failed   int64     `json:"failed"`
	LastSeen time.Time `json:"last_seen"`
}

// Store implements delivery counters on top of SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database directory if needed, opens dbPath and applies
// the schema.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS channel_stats (
		channel    TEXT PRIMARY KEY,
		received   INTEGER NOT NULL DEFAULT 0,
		sent       INTEGER NOT NULL DEFAULT 0,
		failed     INTEGER NOT NULL DEFAULT 0,
		last_seen  DATETIME
	);`)
	return err
}

// Record increments the counter of the given kind for channel.
func (s *Store) Record(ctx context.Context, channel string, kind Kind) error {
	var query string
	switch kind {
	case Received:
		query = `INSERT INTO channel_stats (channel, received, last_seen) VALUES (?, 1, ?)
			ON CONFLICT(channel) DO UPDATE SET received = received + 1, last_seen = excluded.last_seen`
	case Sent:
		query = `INSERT INTO channel_stats (channel, sent, last_seen) VALUES (?, 1, ?)
			ON CONFLICT(channel) DO UPDATE SET sent = sent + 1, last_seen = excluded.last_seen`
	case Failed:
		query = `INSERT INTO channel_stats (channel, failed, last_seen) VALUES (?, 1, ?)
			ON CONFLICT(channel) DO UPDATE SET failed = failed + 1, last_seen = excluded.last_seen`
	default:
		return fmt.Errorf("unknown stats kind %s", kind)
	}

	if _, err := s.db.ExecContext(ctx, query, channel, time.Now().UTC()); err != nil {
		return fmt.Errorf("record %s for %s: %w", kind, channel, err)
	}
	return nil
}

// List returns the counters of every channel seen so far, ordered by name.
func (s *Store) List(ctx context.Context) ([]ChannelStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, received, sent, failed, last_seen FROM channel_stats ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var result []ChannelStats
	for rows.Next() {
		var cs ChannelStats
		var lastSeen sql.NullTime
		if err := rows.Scan(&cs.Channel, &cs.Received, &cs.Sent, &cs.Failed, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if lastSeen.Valid {
			cs.LastSeen = lastSeen.Time
		}
		result = append(result, cs)
	}
	return result, rows.Err()
}

// Ping checks that the database is reachable and writable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
