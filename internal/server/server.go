package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/pipeline"
	"github.com/deepscribe/deepscribe/internal/provider"
	"github.com/deepscribe/deepscribe/internal/session"
	"github.com/deepscribe/deepscribe/internal/store"
)

// Run wires the full service and blocks serving HTTP on addr. An empty addr
// falls back to the configured server address.
func Run(configPath, addr string) error {
	cfg := appconfig.LoadConfig(configPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	var st *store.Store
	if err := cfg.Storage.Postgres.Validate(); err == nil {
		dsn := cfg.Storage.Postgres.DSN()
		// best-effort: a missing migrations dir or an already-current schema
		// must not block startup
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
			baseLogger.Printf("migrations skipped: %v", err)
		}
		var err error
		st, err = store.NewWithDSN(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	} else {
		baseLogger.Printf("postgres not configured, running without durable storage: %v", err)
	}

	var cache *store.SnapshotCache
	if cfg.Storage.Redis.Enabled() {
		cache = store.NewSnapshotCache(cfg.Storage.Redis)
	}

	providerCfg, ok := cfg.LLM.Providers["openai"]
	if !ok {
		return fmt.Errorf("llm provider %q not configured", "openai")
	}
	client := provider.NewOpenAIClient(providerCfg)

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := pipeline.NewOrchestrator(cfg, client, orchLogger)

	sessLogger := log.New(log.Writer(), "[SESS] ", log.LstdFlags)
	var regStore session.Store
	if st != nil {
		regStore = st
	}
	var regCache session.Cache
	if cache != nil {
		regCache = cache
	}
	registry := session.NewRegistry(cfg, orch, regStore, regCache, sessLogger)

	rh := &ResearchHandler{Registry: registry, Store: st, Cfg: cfg}
	rh.Register(e.Group("/api/research"))

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10030"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
