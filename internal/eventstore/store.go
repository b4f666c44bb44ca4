// Package eventstore records live session timelines (deltas, diagnostics,
// lifecycle events) in SQLite when retention is enabled.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	_ "modernc.org/sqlite"
)

// Event types written by the live pipeline.
const (
	TypeSessionStart = "session.start"
	TypeSessionStop  = "session.stop"
	TypeDeltaPrefix  = "delta."
	TypeDiagPrefix   = "diagnostic."
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	SegmentID uint64
	Type      string
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed event timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the recorder is fed from a single session loop
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    segment_id INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    text TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession creates or restarts a session row and records its start.
func (s *Store) BeginSession(ctx context.Context, sessionID, source string) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, started_at, stopped_at)
		 VALUES(?, ?, ?, NULL)
		 ON CONFLICT(session_id) DO UPDATE SET source=excluded.source, started_at=excluded.started_at, stopped_at=NULL`,
		sessionID, source, now.UnixNano())
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, Type: TypeSessionStart, Text: source, CreatedAt: now})
}

// EndSession marks a session stopped.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ? WHERE session_id = ?`, now.UnixNano(), sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, Type: TypeSessionStop, CreatedAt: now})
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, segment_id, event_type, text, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, int64(evt.SegmentID), evt.Type, evt.Text, evt.Payload, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, segment_id, event_type, text, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			segment int64
			text    sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &segment, &e.Type, &text, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.SegmentID = uint64(segment)
		e.Text = text.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// CommittedText rebuilds the finalized transcript of a session, one paragraph
// per committed segment.
func (s *Store) CommittedText(ctx context.Context, sessionID string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT text FROM events
		 WHERE session_id = ? AND event_type IN (?, ?) AND text <> ''
		 ORDER BY id ASC`,
		sessionID, TypeDeltaPrefix+"committed", TypeDeltaPrefix+"forced")
	if err != nil {
		return "", fmt.Errorf("query committed text: %w", err)
	}
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
