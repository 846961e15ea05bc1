package session

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/pipeline"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.CompletedTTL = time.Hour
	cfg.Pipeline.ErrorTTL = 10 * time.Minute
	cfg.Pipeline.SweepInterval = time.Minute
	cfg.Pipeline.SnapshotCacheTTL = 24 * time.Hour
	return cfg
}

type scriptedRunner struct {
	starts int64
	script []pipeline.Event
	block  chan struct{}
}

func (s *scriptedRunner) Run(ctx context.Context, sessionID, query string, variant pipeline.Variant, emit func(pipeline.Event)) error {
	atomic.AddInt64(&s.starts, 1)
	if s.block != nil {
		<-s.block
	}
	for _, ev := range s.script {
		emit(ev)
	}
	return nil
}

func newTestRegistry(t *testing.T, runner Runner) *Registry {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	r := NewRegistry(testConfig(), runner, nil, nil, logger)
	t.Cleanup(r.Close)
	return r
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry(t, &scriptedRunner{})
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := r.Create(context.Background(), "quantum error correction", pipeline.VariantFast)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
}

func TestCreateRejectsEmptyQuery(t *testing.T) {
	r := newTestRegistry(t, &scriptedRunner{})
	if _, err := r.Create(context.Background(), "   ", pipeline.VariantFast); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestCreateDoesNotStartPipeline(t *testing.T) {
	runner := &scriptedRunner{}
	r := newTestRegistry(t, runner)
	if _, err := r.Create(context.Background(), "solar panel efficiency", pipeline.VariantFast); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt64(&runner.starts); n != 0 {
		t.Fatalf("pipeline started %d times before attach", n)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	r := newTestRegistry(t, &scriptedRunner{})
	if _, _, err := r.Attach("no-such-id"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachStartsPipelineOnce(t *testing.T) {
	runner := &scriptedRunner{block: make(chan struct{})}
	r := newTestRegistry(t, runner)
	id, err := r.Create(context.Background(), "fusion startups", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, detach1, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach1()
	_, detach2, err := r.Attach(id)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	defer detach2()
	close(runner.block)
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt64(&runner.starts); n != 1 {
		t.Fatalf("pipeline started %d times, want 1", n)
	}
}

func TestObserverReceivesEventsAndCloseOnTerminal(t *testing.T) {
	runner := &scriptedRunner{script: []pipeline.Event{
		pipeline.NewProgressEvent("init", "Starting research", 0, false),
		pipeline.NewTitleEvent("Battery Storage Outlook"),
		pipeline.NewCompleteEvent("Report generation complete"),
	}}
	r := newTestRegistry(t, runner)
	id, err := r.Create(context.Background(), "battery storage", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, detach, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()

	var kinds []pipeline.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	want := []pipeline.EventKind{pipeline.EventProgress, pipeline.EventTitle, pipeline.EventComplete}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(kinds), len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}

	snap, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", snap.Status, StatusCompleted)
	}
	if snap.Title != "Battery Storage Outlook" {
		t.Fatalf("title = %q", snap.Title)
	}
}

func TestAttachAfterTerminalClosesImmediately(t *testing.T) {
	runner := &scriptedRunner{script: []pipeline.Event{pipeline.NewCompleteEvent("Report generation complete")}}
	r := newTestRegistry(t, runner)
	id, err := r.Create(context.Background(), "carbon markets", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, detach, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()
	for range ch {
	}

	ch2, detach2, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach after terminal: %v", err)
	}
	defer detach2()
	select {
	case _, open := <-ch2:
		if open {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed for terminal session")
	}
	if n := atomic.LoadInt64(&runner.starts); n != 1 {
		t.Fatalf("pipeline restarted: %d starts", n)
	}
}

func TestErrorEventMarksSession(t *testing.T) {
	runner := &scriptedRunner{script: []pipeline.Event{
		pipeline.NewProgressEvent("init", "Starting research", 0, false),
		pipeline.NewErrorEvent("upstream rejected request"),
	}}
	r := newTestRegistry(t, runner)
	id, err := r.Create(context.Background(), "rare earth supply", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, detach, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()
	for range ch {
	}

	snap, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want %s", snap.Status, StatusError)
	}
	if snap.Error != "upstream rejected request" {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	runner := &scriptedRunner{script: []pipeline.Event{pipeline.NewCompleteEvent("Report generation complete")}}
	r := newTestRegistry(t, runner)
	id, err := r.Create(context.Background(), "grid interconnects", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, detach, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()
	for range ch {
	}

	r.sweepOnce(time.Now())
	if _, err := r.Get(context.Background(), id); err != nil {
		t.Fatalf("session evicted before TTL: %v", err)
	}

	r.sweepOnce(time.Now().Add(2 * time.Hour))
	if _, err := r.Get(context.Background(), id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
}

func TestDetachDuringDispatch(t *testing.T) {
	r := newTestRegistry(t, &scriptedRunner{})
	id, err := r.Create(context.Background(), "hydrogen pipelines", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, first, err := r.Attach(id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer first()

	r.mu.RLock()
	sess := r.sessions[id]
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			r.dispatch(sess, pipeline.NewProgressEvent("answers", "working", 20, false))
		}
		r.dispatch(sess, pipeline.NewCompleteEvent("Report generation complete"))
	}()
	for i := 0; i < 200; i++ {
		ch, detach, err := r.Attach(id)
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		detach()
		// drain whatever made it into the buffer without blocking: a
		// detached channel is only closed if a terminal dispatch
		// snapshotted it
		for {
			if _, open := drain(ch); !open {
				break
			}
		}
	}
	<-done
}

func TestGetFallsBackToStore(t *testing.T) {
	snap := Snapshot{ID: "archived", Query: "old topic", Status: StatusCompleted}
	r := NewRegistry(testConfig(), &scriptedRunner{}, stubStore{snap: snap}, nil, log.New(io.Discard, "", 0))
	defer r.Close()

	got, err := r.Get(context.Background(), "archived")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Query != "old topic" {
		t.Fatalf("query = %q", got.Query)
	}
	if _, err := r.Get(context.Background(), "never-existed"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// drain performs one non-blocking receive; false means the channel is
// closed or empty.
func drain(ch <-chan pipeline.Event) (pipeline.Event, bool) {
	select {
	case ev, open := <-ch:
		return ev, open
	default:
		return pipeline.Event{}, false
	}
}

type stubStore struct{ snap Snapshot }

func (s stubStore) CreateSession(ctx context.Context, id, query, variant string) error { return nil }
func (s stubStore) AppendEvent(ctx context.Context, sessionID string, ev pipeline.Event) error {
	return nil
}
func (s stubStore) SetTitle(ctx context.Context, sessionID, title string) error          { return nil }
func (s stubStore) MarkCompleted(ctx context.Context, sessionID string, at time.Time) error { return nil }
func (s stubStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	if sessionID == s.snap.ID {
		return s.snap, true, nil
	}
	return Snapshot{}, false, nil
}
