package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/postfeed/pkg/client"
	"github.com/Sternrassler/postfeed/pkg/dispatch"
	"github.com/Sternrassler/postfeed/pkg/lease"
	"github.com/Sternrassler/postfeed/pkg/logging"
	"github.com/Sternrassler/postfeed/pkg/metrics"
	"github.com/Sternrassler/postfeed/pkg/pagination"
	"github.com/Sternrassler/postfeed/pkg/viewmodel"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Configuration from environment
	baseURL := getEnv("BASE_URL", client.DefaultBaseURL)
	port := getEnv("PORT", "8080")
	redisURL := getEnv("REDIS_URL", "")
	userAgent := getEnv("USER_AGENT", "postfeed/0.1.0")

	logger := logging.Setup(logging.Config{
		Level:   getEnv("LOG_LEVEL", "info"),
		Pretty:  getEnvBool("LOG_PRETTY", false),
		Output:  os.Stderr,
		Service: "postfeed",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Completions of every fetch are applied on this loop
	loop := dispatch.NewLoop(logging.NewLogger("dispatch"))
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Dispatch loop stopped")
		}
	}()

	cfg := client.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.UserAgent = userAgent
	cfg.PageSize = getEnvInt("PAGE_SIZE", client.DefaultPageSize)
	cfg.RateLimit = getEnvFloat("RATE_LIMIT", 0)
	cfg.Burst = getEnvInt("RATE_BURST", 1)
	cfg.Executor = loop

	if redisURL != "" {
		redisClient, err := connectRedis(ctx, redisURL)
		if err != nil {
			logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		l, err := lease.NewRedisLease(lease.Config{
			Redis:  redisClient,
			Key:    getEnv("LEASE_KEY", lease.DefaultKey),
			Logger: logging.NewLogger("lease"),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create lease")
		}
		cfg.Lease = l
		logger.Info().Str("key", l.Key()).Msg("Shared fetch lease enabled")
	}

	svc, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create post fetch service")
	}

	srv := newServer(ctx, svc, viewmodel.New(svc, logging.NewLogger("post-list")), logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("base_url", baseURL).
			Int("page_size", cfg.PageSize).
			Msg("Starting postfeed server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	loop.Close()
	select {
	case <-loop.Stopped():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Dispatch loop did not stop in time")
	}
}

// connectRedis accepts a redis:// URL or a bare host:port address.
func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, err
	}
	return redisClient, nil
}

// server exposes a post list over HTTP.
type server struct {
	// ctx outlives individual requests; loads started by POST /posts/load
	// keep running after the response is written.
	ctx    context.Context
	svc    *client.Service
	list   *viewmodel.PostList
	logger zerolog.Logger
}

func newServer(ctx context.Context, svc *client.Service, list *viewmodel.PostList, logger zerolog.Logger) *server {
	return &server{ctx: ctx, svc: svc, list: list, logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.statusHandler)
		r.Post("/load", s.loadHandler)
		r.Post("/drain", s.drainHandler)
		r.Get("/{index}", s.rowHandler)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type loadResponse struct {
	Started bool `json:"started"`
	Footer  bool `json:"footer"`
}

type statusResponse struct {
	Count  int  `json:"count"`
	Footer bool `json:"footer"`
	Cursor int  `json:"cursor"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type drainResponse struct {
	pagination.Summary
	Error string `json:"error,omitempty"`
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Count:  s.list.RowCount(),
		Footer: s.list.ShouldShowFooter(),
		Cursor: s.svc.Cursor(),
	})
}

func (s *server) loadHandler(w http.ResponseWriter, r *http.Request) {
	requestID := chiMiddleware.GetReqID(r.Context())

	started := s.list.LoadMore(s.ctx,
		func() {
			s.logger.Debug().Str("request_id", requestID).Msg("Load completed")
		},
		func(err error) {
			s.logger.Warn().Err(err).Str("request_id", requestID).Msg("Load failed")
		},
	)

	writeJSON(w, http.StatusAccepted, loadResponse{
		Started: started,
		Footer:  s.list.ShouldShowFooter(),
	})
}

func (s *server) drainHandler(w http.ResponseWriter, r *http.Request) {
	cfg := pagination.DefaultConfig()
	if raw := r.URL.Query().Get("pages"); raw != "" {
		pages, err := strconv.Atoi(raw)
		if err != nil || pages < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pages must be a positive integer"})
			return
		}
		cfg.MaxPages = pages
	}

	summary, err := pagination.NewDrainer(s.list, cfg).Drain(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, drainResponse{Summary: summary})
	case errors.Is(err, client.ErrFetchInProgress):
		writeJSON(w, http.StatusConflict, drainResponse{Summary: summary, Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, drainResponse{Summary: summary, Error: err.Error()})
	}
}

func (s *server) rowHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index must be an integer"})
		return
	}

	p, err := s.list.RowAt(index)
	if errors.Is(err, viewmodel.ErrIndexOutOfRange) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// requestLogger logs each request with its status and duration.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("request_id", chiMiddleware.GetReqID(r.Context())).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer, using default")
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid number, using default")
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean, using default")
		return defaultValue
	}
	return b
}
