package session

import (
	"sync"
	"time"

	"github.com/deepscribe/deepscribe/internal/pipeline"
)

// Status is the session lifecycle state. Transitions are monotone:
// initializing -> in_progress -> completed | error. Terminal states are
// sticky; only eviction removes a terminal session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further stage may mutate the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// QA is one answered follow-up question.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Session tracks one research job end to end. All mutable fields are
// guarded by mu; mutation happens only on the session's single pipeline
// goroutine plus the registry's sweep.
type Session struct {
	ID        string
	Query     string
	Variant   pipeline.Variant
	CreatedAt time.Time

	mu           sync.Mutex
	status       Status
	title        string
	errMsg       string
	completedAt  *time.Time
	events       []pipeline.Event
	questions    []string
	answers      []QA
	observers    map[int]chan pipeline.Event
	nextObserver int
	started      bool
	evictAt      time.Time
}

// Snapshot is the point-query view of a session, also the shape persisted
// to the redis snapshot cache.
type Snapshot struct {
	ID          string     `json:"session_id"`
	Query       string     `json:"query"`
	Variant     string     `json:"model_variant"`
	Status      Status     `json:"status"`
	Title       string     `json:"title,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Questions   []string   `json:"questions,omitempty"`
	Answers     []QA       `json:"answers,omitempty"`
	EventCount  int        `json:"event_count"`
}

// Snapshot returns the current status/metadata without attaching.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:         s.ID,
		Query:      s.Query,
		Variant:    string(s.Variant),
		Status:     s.status,
		Title:      s.title,
		Error:      s.errMsg,
		CreatedAt:  s.CreatedAt,
		EventCount: len(s.events),
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	if len(s.questions) > 0 {
		snap.Questions = append([]string(nil), s.questions...)
	}
	if len(s.answers) > 0 {
		snap.Answers = append([]QA(nil), s.answers...)
	}
	return snap
}
