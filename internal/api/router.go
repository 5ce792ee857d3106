package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/api/middleware"
	"github.com/example/order-saga/internal/auth"
)

type RouterConfig struct {
	JWT *auth.JWTService
	// Redis enables Idempotency-Key handling on POST /orders when set
	Redis          redis.UniversalClient
	IdempotencyTTL time.Duration
	Logger         zerolog.Logger
}

func NewRouter(handlers *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Orders
	r.Route("/orders", func(r chi.Router) {
		if cfg.Redis != nil {
			r.With(middleware.Idempotency(cfg.Redis, cfg.IdempotencyTTL, cfg.Logger)).Post("/", handlers.CreateOrder)
		} else {
			r.Post("/", handlers.CreateOrder)
		}
		r.Get("/{id}", handlers.GetOrder)
	})

	// Sagas
	r.Get("/sagas/{id}", handlers.GetSaga)

	// Operator routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWT))
		r.Use(middleware.RequireRole(auth.RoleOperator))

		r.Get("/sagas", handlers.ListSagas)
		r.Post("/sagas/{id}/compensate", handlers.CompensateSaga)

		r.Get("/dead-letters", handlers.ListDeadLetters)
		r.Get("/dead-letters/stats", handlers.DeadLetterStats)
		r.Post("/dead-letters/{eventId}/reprocess", handlers.ReprocessDeadLetter)
		r.Post("/dead-letters/{eventId}/resolve", handlers.ResolveDeadLetter)
	})

	return r
}
