package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-playback/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session has no recorded timeline.
var ErrNotFound = errors.New("session not found")

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID uint64
	Kind      string
	Bytes     int
	Total     int64
	Reason    string
	TraceID   string
	CreatedAt time.Time
}

// Session is the recorded summary of one playback session.
type Session struct {
	ID        uint64
	Text      string
	Voice     string
	Language  string
	Status    string
	Reason    string
	Bytes     int64
	TraceID   string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Store wraps a SQLite-backed playback timeline. Session ids restart with
// every controller, so rows are keyed by the run that recorded them.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
	runID string
}

// Open initializes the event store according to config. The ephemeral
// retention mode records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, runID: uuid.NewString()}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL commits ordered with event delivery.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, runID: uuid.NewString()}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
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
    run_id TEXT NOT NULL,
    session_id INTEGER NOT NULL,
    text TEXT,
    voice TEXT,
    language TEXT,
    status TEXT NOT NULL,
    reason TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    trace_id TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER,
    PRIMARY KEY(run_id, session_id)
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    session_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    bytes INTEGER,
    total INTEGER,
    reason TEXT,
    trace_id TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id, session_id) REFERENCES sessions(run_id, session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(run_id, session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunID identifies the sessions recorded through this store.
func (s *Store) RunID() string { return s.runID }

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) now(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock().UTC()
	}
	return t.UTC()
}

// StartSession records a new session as pending.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	if sess.Status == "" {
		sess.Status = "pending"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(run_id, session_id, text, voice, language, status, trace_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, session_id) DO UPDATE SET text=excluded.text, voice=excluded.voice,
		   language=excluded.language, trace_id=excluded.trace_id`,
		s.runID, int64(sess.ID), sess.Text, sess.Voice, sess.Language, sess.Status, sess.TraceID, s.now(sess.CreatedAt).UnixNano())
	return err
}

// EndSession stores the terminal status of a session.
func (s *Store) EndSession(ctx context.Context, id uint64, status, reason string, bytes int64, endedAt time.Time) error {
	if !s.enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, reason = ?, bytes = ?, ended_at = ? WHERE run_id = ? AND session_id = ?`,
		status, reason, bytes, s.now(endedAt).UnixNano(), s.runID, int64(id))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendEvent writes an event into the store. The session must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, session_id, kind, bytes, total, reason, trace_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, int64(evt.SessionID), evt.Kind, evt.Bytes, evt.Total, evt.Reason, evt.TraceID, s.now(evt.CreatedAt).UnixNano())
	return err
}

// GetSession returns the recorded summary of a session.
func (s *Store) GetSession(ctx context.Context, id uint64) (Session, error) {
	if !s.enabled() {
		return Session{}, ErrNotFound
	}
	var (
		sess              Session
		sid, created      int64
		text, voice, lang sql.NullString
		reason, traceID   sql.NullString
		ended             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, text, voice, language, status, reason, bytes, trace_id, created_at, ended_at
		 FROM sessions WHERE run_id = ? AND session_id = ?`, s.runID, int64(id)).
		Scan(&sid, &text, &voice, &lang, &sess.Status, &reason, &sess.Bytes, &traceID, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.ID = uint64(sid)
	sess.Text, sess.Voice, sess.Language = text.String, voice.String, lang.String
	sess.Reason, sess.TraceID = reason.String, traceID.String
	sess.CreatedAt = time.Unix(0, created).UTC()
	if ended.Valid {
		sess.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in recording order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID uint64, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, bytes, total, reason, trace_id, created_at
		 FROM events WHERE run_id = ? AND session_id = ? ORDER BY id ASC LIMIT ?`, s.runID, int64(sessionID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			sid     int64
			bytes   sql.NullInt64
			total   sql.NullInt64
			reason  sql.NullString
			traceID sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &sid, &e.Kind, &bytes, &total, &reason, &traceID, &created); err != nil {
			return nil, err
		}
		e.SessionID = uint64(sid)
		e.Bytes = int(bytes.Int64)
		e.Total = total.Int64
		e.Reason = reason.String
		e.TraceID = traceID.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE rowid IN (
			SELECT rowid FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" {
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE run_id <> ?`, s.runID); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE run_id <> ?`, s.runID); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
