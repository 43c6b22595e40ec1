package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/livelearn/livelearn/internal/api/http"
	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/auth/jwks"
	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/config"
	"github.com/livelearn/livelearn/internal/db"
	"github.com/livelearn/livelearn/internal/gradebook"
	"github.com/livelearn/livelearn/internal/grading"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/lti"
	"github.com/livelearn/livelearn/internal/session"
	"github.com/livelearn/livelearn/internal/storage"
	"github.com/livelearn/livelearn/internal/store"
)

func main() {
	cfg := config.FromEnv()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("db open failed")
	}
	defer dbh.Close()
	st := store.NewSQLStore(dbh)

	// --- Canvas ---
	hc := canvas.NewHTTPClient(cfg.CanvasTimeout, canvas.DefaultBreakerConfig())
	tokens := canvas.NewTokenHandler(st, hc, cfg.PublicURL+"/v1/lti/enableCourse")
	ags := canvas.NewAGS(canvas.NewDispatcher(st, tokens, hc))
	grades := gradebook.New(st, ags, nil)

	// --- Auth + LTI ---
	authSvc := auth.NewAuthService(cfg.AuthHMACSecret, cfg.AuthTokenTTL)
	ltiSvc := lti.NewService(st, jwks.NewCache(hc, 10*time.Minute), tokens, authSvc, lti.Options{
		PublicURL:   cfg.PublicURL,
		FrontendURL: cfg.FrontendURL,
		Title:       cfg.ToolTitle,
		Description: cfg.ToolDescription,
	})

	// --- Sessions ---
	var sessions session.Store = session.NewSQLStore(dbh)
	if cfg.RedisURL != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer rdb.Close()
		sessions = session.NewRedisStore(rdb, session.DefaultRedisTTL)
		log.Info().Msg("sessions stored in redis")
	}
	hub := session.NewHub(cfg.CORSOrigins)
	sessionSvc := session.NewService(sessions, st, grading.New(), hub)

	// --- Blobs ---
	bs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("blob store")
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.RequestLogger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.AdminPassHash == "" {
		log.Warn().Msg("ADMIN_PASS_HASH not set; admin API disabled")
	}

	api.Mount(r, api.Deps{
		Store:         st,
		DB:            dbh,
		Auth:          authSvc,
		LTI:           ltiSvc,
		Grades:        grades,
		Sessions:      sessionSvc,
		Hub:           hub,
		Images:        storage.NewImages(bs),
		AdminUser:     cfg.AdminUser,
		AdminPassHash: cfg.AdminPassHash,
		LTIRateLimit:  cfg.RateLimitPerMin,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("db", cfg.DBDriver).Str("public_url", cfg.PublicURL).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
		os.Exit(1)
	}
}
