package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	appconfig "github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/pipeline"
	"github.com/deepscribe/deepscribe/internal/session"
	"github.com/deepscribe/deepscribe/internal/store"
)

var researchTracer = otel.Tracer("deepscribe/server/research")

// ResearchHandler owns the /api/research surface: session creation, point
// queries, report retrieval and the live event stream.
type ResearchHandler struct {
	Registry *session.Registry
	Store    *store.Store
	Cfg      *appconfig.Config
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/report", h.report)
	g.GET("/:id/stream", h.stream)
}

// create accepts a research query and allocates a session. The pipeline
// does not start until a client attaches to the stream.
func (h *ResearchHandler) create(c echo.Context) error {
	var req struct {
		Query   string `json:"query"`
		Variant string `json:"model_variant"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	if req.Variant == "" {
		req.Variant = string(pipeline.VariantFast)
	}
	variant, err := pipeline.ParseVariant(req.Variant)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Registry.Create(c.Request().Context(), req.Query, variant)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"session_id": id})
}

// list returns recent sessions from durable storage.
func (h *ResearchHandler) list(c echo.Context) error {
	if h.Store == nil {
		return c.JSON(http.StatusOK, []store.SessionRecord{})
	}
	items, err := h.Store.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.SessionRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

// get returns the session snapshot without attaching to the stream.
func (h *ResearchHandler) get(c echo.Context) error {
	snap, err := h.Registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

// report returns the final report for a completed session.
func (h *ResearchHandler) report(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "report not available")
	}
	report, ok, err := h.Store.GetReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "report not available")
	}
	return c.JSON(http.StatusOK, report)
}

// stream attaches to a session's event stream via Server-Sent Events. The
// first attachment starts the pipeline.
func (h *ResearchHandler) stream(c echo.Context) error {
	if h.Cfg != nil && !h.Cfg.Server.StreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream disabled")
	}
	req := c.Request()
	ctx := req.Context()
	id := c.Param("id")
	ctx, span := researchTracer.Start(ctx, "ResearchHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))
	c.SetRequest(req.WithContext(ctx))

	resp := c.Response()
	// flusher support is checked before attaching (and before the response
	// commits): an unstreamable transport must not start the pipeline or
	// turn the error into a 200
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ch, detach, err := h.Registry.Attach(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			span.SetStatus(codes.Error, "session not found")
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer detach()

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-ch:
			if !open {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				span.RecordError(err)
				continue
			}
			if _, err := resp.Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
