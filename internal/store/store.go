// Package store persists trips, planning sessions and their message logs
// in SQLite. Trip children live in their own tables keyed by the trip's
// generated ids and are deleted with their parent.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/wanderplan/internal/conversation"
)

// ErrNotFound is returned when a trip or session does not exist.
var ErrNotFound = errors.New("not found")

// Session is a stored planning session.
type Session struct {
	ID        string
	TripID    string
	CreatedAt time.Time
}

// Store is a SQLite store. All public methods are safe for concurrent
// use; the store holds a single connection so SQLite serializes access.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates the schema.
func New(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS trips (
		id          TEXT PRIMARY KEY,
		destination TEXT NOT NULL DEFAULT '',
		duration    TEXT NOT NULL DEFAULT '',
		start_date  TEXT NOT NULL DEFAULT '',
		end_date    TEXT NOT NULL DEFAULT '',
		meal_cost   REAL NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		shared_at   TEXT
	);

	CREATE TABLE IF NOT EXISTS flight_groups (
		id           TEXT PRIMARY KEY,
		trip_id      TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		position     INTEGER NOT NULL,
		description  TEXT NOT NULL,
		total_price  REAL NOT NULL,
		layover_time TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS flights (
		id             TEXT PRIMARY KEY,
		group_id       TEXT NOT NULL REFERENCES flight_groups(id) ON DELETE CASCADE,
		position       INTEGER NOT NULL,
		airline        TEXT NOT NULL,
		flight_number  TEXT NOT NULL DEFAULT '',
		origin         TEXT NOT NULL,
		origin_city    TEXT NOT NULL DEFAULT '',
		destination    TEXT NOT NULL,
		dest_city      TEXT NOT NULL DEFAULT '',
		departure_time TEXT NOT NULL,
		arrival_time   TEXT NOT NULL,
		duration       TEXT NOT NULL DEFAULT '',
		class          TEXT NOT NULL DEFAULT '',
		carry_on       INTEGER NOT NULL DEFAULT 0,
		checked_bags   INTEGER NOT NULL DEFAULT 0,
		meal_included  TEXT NOT NULL DEFAULT '',
		aircraft       TEXT NOT NULL DEFAULT '',
		seat           TEXT NOT NULL DEFAULT '',
		price          REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hotels (
		id              TEXT PRIMARY KEY,
		trip_id         TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		position        INTEGER NOT NULL,
		name            TEXT NOT NULL,
		location        TEXT NOT NULL DEFAULT '',
		rating          REAL NOT NULL DEFAULT 0,
		nights          INTEGER NOT NULL,
		price_per_night REAL NOT NULL,
		total_price     REAL NOT NULL,
		amenities       TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS restaurants (
		id          TEXT PRIMARY KEY,
		trip_id     TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		position    INTEGER NOT NULL,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT '',
		rating      REAL NOT NULL DEFAULT 0,
		price_range TEXT NOT NULL DEFAULT '',
		location    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS activities (
		id       TEXT PRIMARY KEY,
		trip_id  TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name     TEXT NOT NULL,
		type     TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		price    REAL NOT NULL,
		location TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS itinerary_days (
		id         TEXT PRIMARY KEY,
		trip_id    TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		day        INTEGER NOT NULL,
		title      TEXT NOT NULL,
		activities TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		trip_id    TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		role       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		body       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_flight_groups_trip ON flight_groups(trip_id);
	CREATE INDEX IF NOT EXISTS idx_flights_group ON flights(group_id);
	CREATE INDEX IF NOT EXISTS idx_hotels_trip ON hotels(trip_id);
	CREATE INDEX IF NOT EXISTS idx_restaurants_trip ON restaurants(trip_id);
	CREATE INDEX IF NOT EXISTS idx_activities_trip ON activities(trip_id);
	CREATE INDEX IF NOT EXISTS idx_itinerary_trip ON itinerary_days(trip_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateSession records a new session for an existing trip.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, trip_id, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.TripID, formatTime(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Session loads a session by id.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, trip_id, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.TripID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	return sess, nil
}

// SessionSummary is a listed session with its trip's headline fields.
type SessionSummary struct {
	Session
	Destination string
	StartDate   string
	EndDate     string
	SharedAt    time.Time
}

// Sessions returns up to limit sessions, newest first, after skipping
// offset of them, together with the total number of sessions.
func (s *Store) Sessions(ctx context.Context, limit, offset int) ([]SessionSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.trip_id, s.created_at, t.destination, t.start_date, t.end_date, t.shared_at
		 FROM sessions s JOIN trips t ON t.id = s.trip_id
		 ORDER BY s.created_at DESC, s.id DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var (
			sum      SessionSummary
			created  string
			sharedAt sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.TripID, &created, &sum.Destination, &sum.StartDate, &sum.EndDate, &sharedAt); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		if sharedAt.Valid {
			sum.SharedAt = parseTime(sharedAt.String)
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

// SaveMessage inserts m or replaces the stored form of a message with the
// same id. New messages go to the end of the session's log.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, m conversation.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, position, role, created_at, body)
		 VALUES (?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE session_id = ?), ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		m.ID, sessionID, sessionID, string(m.Role), formatTime(m.CreatedAt), string(body),
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// Messages returns a session's log in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m conversation.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
