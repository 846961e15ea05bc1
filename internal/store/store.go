package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepscribe/deepscribe/internal/pipeline"
	"github.com/deepscribe/deepscribe/internal/session"
)

// listSessionsCap bounds the recent-session listing.
const listSessionsCap = 100

type Store struct {
	DB *sql.DB
}

// SessionRecord is the sessions table row returned by listings.
type SessionRecord struct {
	ID          string     `json:"session_id"`
	Query       string     `json:"query"`
	Variant     string     `json:"model_variant"`
	Title       string     `json:"title,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// CreateSession records a new research session in the initializing state.
func (s *Store) CreateSession(ctx context.Context, id, query, variant string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, query, model_variant, created_at)
VALUES ($1,$2,$3,NOW())
`, id, query, variant)
	return err
}

// AppendEvent persists one pipeline event. The event row is the durable
// record of session progress; sessions rows only receive the title and
// completion point-updates.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO session_events (session_id, kind, status, message, payload, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`, sessionID, string(ev.Kind), statusForKind(ev.Kind), ev.Message, payload)
	return err
}

// SetTitle records the generated report title on the session row.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET title=$2 WHERE id=$1`, sessionID, title)
	return err
}

// MarkCompleted records the session's completion time.
func (s *Store) MarkCompleted(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET completed_at=$2 WHERE id=$1`, sessionID, at)
	return err
}

// GetSnapshot reconstructs a session snapshot from the sessions row and its
// event log. The status is derived: completed_at set means a terminal
// session, and the latest event row distinguishes success from error.
func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (session.Snapshot, bool, error) {
	var snap session.Snapshot
	var title sql.NullString
	var completedAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, query, model_variant, title, created_at, completed_at
FROM sessions
WHERE id=$1
`, sessionID).Scan(&snap.ID, &snap.Query, &snap.Variant, &title, &snap.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Snapshot{}, false, nil
		}
		return session.Snapshot{}, false, err
	}
	if title.Valid {
		snap.Title = title.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		snap.CompletedAt = &t
	}

	var lastKind sql.NullString
	var lastMessage sql.NullString
	err = s.DB.QueryRowContext(ctx, `
SELECT kind, message
FROM session_events
WHERE session_id=$1
ORDER BY id DESC
LIMIT 1
`, sessionID).Scan(&lastKind, &lastMessage)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, false, err
	}

	switch {
	case lastKind.Valid && lastKind.String == string(pipeline.EventError):
		snap.Status = session.StatusError
		snap.Error = lastMessage.String
	case lastKind.Valid && lastKind.String == string(pipeline.EventComplete):
		snap.Status = session.StatusCompleted
	case lastKind.Valid:
		snap.Status = session.StatusInProgress
	default:
		snap.Status = session.StatusInitializing
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT payload
FROM session_events
WHERE session_id=$1 AND kind IN ($2,$3)
ORDER BY id
`, sessionID, string(pipeline.EventQuestions), string(pipeline.EventQA))
	if err != nil {
		return session.Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return session.Snapshot{}, false, err
		}
		var ev pipeline.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return session.Snapshot{}, false, fmt.Errorf("decode event: %w", err)
		}
		switch ev.Kind {
		case pipeline.EventQuestions:
			snap.Questions = append([]string(nil), ev.Questions...)
		case pipeline.EventQA:
			snap.Answers = append(snap.Answers, session.QA{Question: ev.Question, Answer: ev.Answer})
		}
	}
	if err := rows.Err(); err != nil {
		return session.Snapshot{}, false, err
	}

	if err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM session_events WHERE session_id=$1
`, sessionID).Scan(&snap.EventCount); err != nil {
		return session.Snapshot{}, false, err
	}
	return snap, true, nil
}

// GetReport returns the final report persisted with the report event.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*pipeline.Report, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT payload
FROM session_events
WHERE session_id=$1 AND kind=$2
ORDER BY id DESC
LIMIT 1
`, sessionID, string(pipeline.EventReport)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev pipeline.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, false, fmt.Errorf("decode report event: %w", err)
	}
	if ev.Report == nil {
		return nil, false, fmt.Errorf("report event %s has no report payload", sessionID)
	}
	return ev.Report, true, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, query, model_variant, title, created_at, completed_at
FROM sessions
ORDER BY created_at DESC
LIMIT $1
`, listSessionsCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var title sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Variant, &title, &rec.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			rec.Title = title.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// statusForKind tags the event row with the lifecycle state it implies so
// snapshot reconstruction reads one column instead of decoding payloads.
func statusForKind(kind pipeline.EventKind) string {
	switch kind {
	case pipeline.EventComplete:
		return string(session.StatusCompleted)
	case pipeline.EventError:
		return string(session.StatusError)
	default:
		return string(session.StatusInProgress)
	}
}
