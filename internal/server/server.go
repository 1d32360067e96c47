package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/storyforge/storyforge/config"
	"github.com/storyforge/storyforge/internal/decompose"
	"github.com/storyforge/storyforge/internal/embedding"
	"github.com/storyforge/storyforge/internal/guardrail"
	"github.com/storyforge/storyforge/internal/llm"
	"github.com/storyforge/storyforge/internal/runlock"
	"github.com/storyforge/storyforge/internal/runtime"
	"github.com/storyforge/storyforge/internal/store"
	"github.com/storyforge/storyforge/internal/telemetry"
	"github.com/storyforge/storyforge/internal/ticketing"
)

// Run wires dependencies and serves the HTTP API until the listener stops.
func Run(cfg *config.Config) error {
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
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(telemetry.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("migrate: %v (continuing)", err)
	}

	st, err := store.Open(cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	// Redis is optional; without it run locks are process-local.
	var locker decompose.Locker
	if cfg.Storage.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
		}
		locker = runlock.NewRedisLocker(rdb)
	} else {
		log.Printf("redis not configured, using process-local run locks")
		locker = runlock.NewLocalLocker()
	}

	provider, err := llm.NewProviderFromConfig(cfg.LLM, cfg.Embedding.Model)
	if err != nil {
		log.Printf("llm: %v (dry runs only)", err)
		provider = nil
	}
	var embedClient embedding.Client
	if provider != nil {
		embedClient = provider
	}
	embedder := embedding.NewAdapter(embedClient, cfg.Embedding, nil)

	tickets := ticketing.NewHTTPClient(cfg.Ticketing)
	quotas := guardrail.NewManager(st, cfg.Guardrails)

	pipeLogger := log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	pipeline := decompose.NewPipeline(cfg, provider, st, quotas, locker, tickets, embedder, pipeLogger)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	dh := &DecomposeHandler{Pipeline: pipeline}
	dh.Register(api.Group("/v1"), secret)

	addr := cfg.General.Listen
	if addr == "" {
		addr = ":10020"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
