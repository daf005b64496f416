package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const maxRecentEvents = 500

// EventRecord is a stored motion event.
type EventRecord struct {
	ID           string       `json:"id"`
	OccurredAt   time.Time    `json:"occurred_at"`
	Region       MotionRegion `json:"region"`
	FrameSeq     uint64       `json:"frame_seq"`
	SnapshotPath string       `json:"snapshot_path,omitempty"`
	Text         string       `json:"text,omitempty"`
}

// EventStore keeps a log of motion events in SQLite.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenEventStore opens (or creates) the database at path and brings its
// schema up to date.
func OpenEventStore(path string, logger *slog.Logger) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	// One writer; sqlite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	s := &EventStore{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrateUp() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close s.db.
	m.Log = migrateLogger{s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger routes migration progress into slog at debug level.
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug("Schema migration", "detail", fmt.Sprintf(format, v...))
}

func (l migrateLogger) Verbose() bool { return false }

// Name implements AlertReporter.
func (s *EventStore) Name() string { return "event_store" }

// Report implements AlertReporter.
func (s *EventStore) Report(ctx context.Context, a *Alert) error {
	return s.Record(ctx, a)
}

// Record inserts a.
func (s *EventStore) Record(ctx context.Context, a *Alert) error {
	var seq uint64
	if a.Frame != nil {
		seq = a.Frame.Seq
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO motion_events
			(id, occurred_at, min_x, min_y, max_x, max_y, frame_seq, snapshot_path, ocr_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Timestamp.UnixNano(),
		a.Region.MinX, a.Region.MinY, a.Region.MaxX, a.Region.MaxY,
		int64(seq), a.SnapshotPath, a.Text)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", a.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > maxRecentEvents {
		limit = maxRecentEvents
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, min_x, min_y, max_x, max_y, frame_seq, snapshot_path, ocr_text
		FROM motion_events
		ORDER BY occurred_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			r        EventRecord
			occurred int64
			seq      int64
		)
		if err := rows.Scan(&r.ID, &occurred,
			&r.Region.MinX, &r.Region.MinY, &r.Region.MaxX, &r.Region.MaxY,
			&seq, &r.SnapshotPath, &r.Text); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.OccurredAt = time.Unix(0, occurred)
		r.FrameSeq = uint64(seq)
		events = append(events, r)
	}
	return events, rows.Err()
}

// Count returns the number of stored events.
func (s *EventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM motion_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}
