package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	appconfig "github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/pipeline"
	"github.com/deepscribe/deepscribe/internal/session"
)

type fakeRunner struct {
	script []pipeline.Event
}

func (f *fakeRunner) Run(ctx context.Context, sessionID, query string, variant pipeline.Variant, emit func(pipeline.Event)) error {
	for _, ev := range f.script {
		emit(ev)
	}
	return nil
}

func handlerConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Server.StreamEnabled = true
	cfg.Pipeline.CompletedTTL = time.Hour
	cfg.Pipeline.ErrorTTL = 10 * time.Minute
	cfg.Pipeline.SweepInterval = time.Minute
	cfg.Pipeline.SnapshotCacheTTL = 24 * time.Hour
	return cfg
}

func newHandler(t *testing.T, runner session.Runner) *ResearchHandler {
	t.Helper()
	cfg := handlerConfig()
	registry := session.NewRegistry(cfg, runner, nil, nil, log.New(io.Discard, "", 0))
	t.Cleanup(registry.Close)
	return &ResearchHandler{Registry: registry, Cfg: cfg}
}

func TestCreateResearchSession(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"tidal power economics","model_variant":"deep"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["session_id"] == "" {
		t.Fatal("missing session_id")
	}
}

func TestCreateResearchSessionValidation(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})

	cases := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":"  "}`},
		{"bad variant", `{"query":"tidal power","model_variant":"turbo"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(tc.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			ctx := e.NewContext(req, rec)

			err := h.create(ctx)
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if he.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", he.Code)
			}
		})
	}
}

func TestGetUnknownSession(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/research/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err := h.get(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", he.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{script: []pipeline.Event{
		pipeline.NewProgressEvent("init", "Starting research", 0, false),
		pipeline.NewTitleEvent("Tidal Power Economics"),
		pipeline.NewCompleteEvent("Report generation complete"),
	}})

	id, err := h.Registry.Create(context.Background(), "tidal power economics", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/research/"+id+"/stream", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(id)

	if err := h.stream(ctx); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, marker := range []string{"event: progress", "event: title", "event: complete", `"title":"Tidal Power Economics"`} {
		if !strings.Contains(body, marker) {
			t.Fatalf("stream body missing %q:\n%s", marker, body)
		}
	}
	if strings.Index(body, "event: progress") > strings.Index(body, "event: complete") {
		t.Fatal("events out of order")
	}
}

func TestStreamUnknownSession(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/research/nope/stream", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err := h.stream(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", he.Code)
	}
}

// noFlushWriter hides the recorder's Flush method so the handler sees a
// transport without streaming support.
type noFlushWriter struct{ http.ResponseWriter }

func TestStreamUnsupportedTransportFailsBeforeCommit(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})

	id, err := h.Registry.Create(context.Background(), "tidal power economics", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+id+"/stream", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, noFlushWriter{rec})
	ctx.SetParamNames("id")
	ctx.SetParamValues(id)

	err = h.stream(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", he.Code)
	}
	if ctx.Response().Committed {
		t.Fatal("response committed before the streaming check")
	}
}

func TestStreamDisabled(t *testing.T) {
	e := echo.New()
	h := newHandler(t, &fakeRunner{})
	h.Cfg.Server.StreamEnabled = false

	id, err := h.Registry.Create(context.Background(), "tidal power economics", pipeline.VariantFast)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+id+"/stream", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(id)

	err = h.stream(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", he.Code)
	}
}
