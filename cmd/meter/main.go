package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mkorolev/usage-meter/config"
	"github.com/mkorolev/usage-meter/internal/api"
	"github.com/mkorolev/usage-meter/internal/schema"
	"github.com/mkorolev/usage-meter/internal/telemetry"
	"github.com/mkorolev/usage-meter/internal/usage"
	"github.com/mkorolev/usage-meter/internal/users"
	"github.com/mkorolev/usage-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("usage-meter", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Provision tables if RUN_MIGRATE=true
	if cfg.RunMigrate {
		if err := schema.Ensure(ctx, pool); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
		if cfg.AdminUserID != 0 {
			if err := schema.SeedAdmin(ctx, pool, cfg.AdminUserID); err != nil {
				log.Fatalf("failed to seed admin: %v", err)
			}
		}
	}

	// 6. Init stores and cache
	usageStore := usage.NewPostgresStore(pool)
	usersStore := users.NewPostgresStore(pool)
	cache := usage.NewFileCache(cfg.CacheDir)

	// 7. Init user middleware and rate limiter
	userMiddleware := users.NewMiddleware(usersStore, rdb)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 8. Init handler
	prices := usage.Prices{
		ChatTokens:          cfg.TokenPrice,
		Images:              cfg.ImagePrices,
		VisionTokens:        cfg.VisionTokenPrice,
		TTS:                 cfg.TTSPrices,
		TranscriptionMinute: cfg.TranscriptionPrice,
	}
	tracer := otel.GetTracerProvider().Tracer("usage-meter")
	handler := api.NewHandler(usageStore, cache, usersStore, limiter, prices, tracer)

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usage-meter"}`))
	})
	r.Get("/v1/admins", handler.ListAdmins)

	// Per-user routes
	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Use(userMiddleware)
		r.Post("/usage/chat-tokens", handler.RecordChatTokens)
		r.Post("/usage/images", handler.RecordImage)
		r.Post("/usage/vision-tokens", handler.RecordVisionTokens)
		r.Post("/usage/tts", handler.RecordTTS)
		r.Post("/usage/transcription", handler.RecordTranscription)
		r.Get("/usage", handler.GetUsage)
		r.Get("/cost", handler.GetCost)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Usage meter starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
