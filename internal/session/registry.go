package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/pipeline"
)

// ErrNotFound is returned when a session identifier is unknown to both the
// registry and the durable layers.
var ErrNotFound = errors.New("session not found")

// observerBuffer bounds each attached observer's event channel. A slow
// observer that falls this far behind loses events; the terminal state is
// always queryable via Get.
const observerBuffer = 64

// persistTimeout bounds each write to the persistence sink so a slow
// database never stalls the pipeline's event ordering.
const persistTimeout = 5 * time.Second

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscribe_sessions_created_total",
		Help: "Research sessions accepted.",
	})
	sessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscribe_sessions_completed_total",
		Help: "Research sessions that produced a report.",
	})
	sessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscribe_sessions_failed_total",
		Help: "Research sessions that ended in error.",
	})
	sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepscribe_sessions_evicted_total",
		Help: "Terminal sessions removed by the eviction sweep.",
	})
)

// Runner executes the pipeline for one session. Satisfied by
// *pipeline.Orchestrator; narrowed to an interface so registry tests can
// script the event stream.
type Runner interface {
	Run(ctx context.Context, sessionID, query string, variant pipeline.Variant, emit func(pipeline.Event)) error
}

// Store is the durable write-sink the registry fans events out to, plus the
// snapshot fallback consulted by Get after eviction. The registry never
// reads from it mid-pipeline.
type Store interface {
	CreateSession(ctx context.Context, id, query, variant string) error
	AppendEvent(ctx context.Context, sessionID string, ev pipeline.Event) error
	SetTitle(ctx context.Context, sessionID, title string) error
	MarkCompleted(ctx context.Context, sessionID string, at time.Time) error
	GetSnapshot(ctx context.Context, sessionID string) (Snapshot, bool, error)
}

// Cache holds terminal session snapshots with a TTL, consulted by Get
// before the relational store.
type Cache interface {
	PutSnapshot(ctx context.Context, snap Snapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, bool, error)
}

// Registry maps generated session identifiers to live sessions, bridges
// pipeline events to attached observers and the persistence sink, and
// evicts terminal sessions with a periodic sweep rather than one timer per
// session.
type Registry struct {
	cfg    *config.Config
	runner Runner
	store  Store
	cache  Cache
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its eviction sweep. store and
// cache may be nil (no durable fallback).
func NewRegistry(cfg *config.Config, runner Runner, store Store, cache Cache, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[SESS] ", log.LstdFlags)
	}
	r := &Registry{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		cache:    cache,
		logger:   logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the eviction sweep. Running pipelines are unaffected.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Create allocates a new session in the initializing state and returns its
// identifier. The pipeline does not start until the first observer
// attaches, so no events can be lost before anyone is listening.
func (r *Registry) Create(ctx context.Context, query string, variant pipeline.Variant) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query required")
	}
	if _, err := pipeline.ParseVariant(string(variant)); err != nil {
		return "", err
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Query:     query,
		Variant:   variant,
		CreatedAt: time.Now(),
		status:    StatusInitializing,
		observers: make(map[int]chan pipeline.Event),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CreateSession(ctx, sess.ID, query, string(variant)); err != nil {
			r.logger.Printf("session %s: durable create failed: %v", sess.ID, err)
		}
	}
	sessionsCreated.Inc()
	return sess.ID, nil
}

// Attach registers an observer for every subsequent event and lazily starts
// the pipeline on the first attachment. It returns the event channel and a
// detach func; the channel is closed after the terminal event (or
// immediately if the session already finished — earlier events are not
// replayed, only the snapshot is queryable retroactively).
func (r *Registry) Attach(id string) (<-chan pipeline.Event, func(), error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan pipeline.Event, observerBuffer)

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	obsID := sess.nextObserver
	sess.nextObserver++
	sess.observers[obsID] = ch
	startNow := !sess.started
	sess.started = true
	sess.mu.Unlock()

	if startNow {
		go r.run(sess)
	}

	// detach only removes the map entry. Closing is owned by dispatch,
	// which may be sending on this channel concurrently; a detached
	// channel is simply never selected for fan-out again.
	detach := func() {
		sess.mu.Lock()
		delete(sess.observers, obsID)
		sess.mu.Unlock()
	}
	return ch, detach, nil
}

// Get returns the session snapshot, falling back to the redis cache and
// then the relational store when the in-memory entry has been evicted.
func (r *Registry) Get(ctx context.Context, id string) (Snapshot, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return sess.Snapshot(), nil
	}
	if r.cache != nil {
		if snap, ok, err := r.cache.GetSnapshot(ctx, id); err != nil {
			r.logger.Printf("session %s: snapshot cache read failed: %v", id, err)
		} else if ok {
			return snap, nil
		}
	}
	if r.store != nil {
		snap, ok, err := r.store.GetSnapshot(ctx, id)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			return snap, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// run executes the pipeline for a session. The context is deliberately
// detached: an observer disconnecting never cancels the pipeline — the
// external-call cost is sunk once a stage begins and partial results stay
// valuable for later retrieval.
func (r *Registry) run(sess *Session) {
	ctx := context.Background()
	if err := r.runner.Run(ctx, sess.ID, sess.Query, sess.Variant, func(ev pipeline.Event) {
		r.dispatch(sess, ev)
	}); err != nil {
		r.logger.Printf("session %s: pipeline aborted: %v", sess.ID, err)
	}
}

// dispatch applies one event to the session record, fans it out to all
// attached observers, and forwards it to the persistence sink. Events
// arriving after a terminal state are dropped (terminal states are sticky).
func (r *Registry) dispatch(sess *Session, ev pipeline.Event) {
	now := time.Now()

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return
	}
	switch ev.Kind {
	case pipeline.EventProgress:
		sess.status = StatusInProgress
	case pipeline.EventQuestions:
		sess.questions = append([]string(nil), ev.Questions...)
	case pipeline.EventQA:
		sess.answers = append(sess.answers, QA{Question: ev.Question, Answer: ev.Answer})
	case pipeline.EventTitle:
		sess.title = ev.Title
	case pipeline.EventComplete:
		sess.status = StatusCompleted
		sess.completedAt = &now
		sess.evictAt = now.Add(r.cfg.Pipeline.CompletedTTL)
	case pipeline.EventError:
		sess.status = StatusError
		sess.errMsg = ev.Message
		sess.completedAt = &now
		sess.evictAt = now.Add(r.cfg.Pipeline.ErrorTTL)
	}
	sess.events = append(sess.events, ev)

	terminal := ev.Terminal()
	observers := make([]chan pipeline.Event, 0, len(sess.observers))
	for _, ch := range sess.observers {
		observers = append(observers, ch)
	}
	if terminal {
		sess.observers = make(map[int]chan pipeline.Event)
	}
	var snap Snapshot
	if terminal {
		snap = sess.snapshotLocked()
	}
	sess.mu.Unlock()

	for _, ch := range observers {
		select {
		case ch <- ev:
		default:
			r.logger.Printf("session %s: observer lagging, dropping %s event", sess.ID, ev.Kind)
		}
		if terminal {
			close(ch)
		}
	}

	r.persist(sess.ID, ev, now)

	if terminal {
		if ev.Kind == pipeline.EventComplete {
			sessionsCompleted.Inc()
		} else {
			sessionsFailed.Inc()
		}
		if r.cache != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := r.cache.PutSnapshot(ctx, snap, r.cfg.Pipeline.SnapshotCacheTTL); err != nil {
				r.logger.Printf("session %s: snapshot cache write failed: %v", sess.ID, err)
			}
			cancel()
		}
	}
}

// persist forwards one event to the durable sink, best-effort: persistence
// failures are logged, never propagated into the pipeline.
func (r *Registry) persist(sessionID string, ev pipeline.Event, now time.Time) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.AppendEvent(ctx, sessionID, ev); err != nil {
		r.logger.Printf("session %s: event persistence failed: %v", sessionID, err)
	}
	switch ev.Kind {
	case pipeline.EventTitle:
		if err := r.store.SetTitle(ctx, sessionID, ev.Title); err != nil {
			r.logger.Printf("session %s: title persistence failed: %v", sessionID, err)
		}
	case pipeline.EventComplete:
		if err := r.store.MarkCompleted(ctx, sessionID, now); err != nil {
			r.logger.Printf("session %s: completion persistence failed: %v", sessionID, err)
		}
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.Pipeline.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

// sweepOnce evicts every session whose terminal TTL has elapsed. Eviction
// is best-effort: an attached observer's transport simply closes.
func (r *Registry) sweepOnce(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		sess.mu.Lock()
		due := !sess.evictAt.IsZero() && !now.Before(sess.evictAt)
		sess.mu.Unlock()
		if due {
			delete(r.sessions, id)
			sessionsEvicted.Inc()
		}
	}
}
