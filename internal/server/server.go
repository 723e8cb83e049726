// Package server wires the HTTP surface: route registration, the
// correlation-id middleware, and the process lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kendrak/infergate/internal/auth"
	"github.com/kendrak/infergate/internal/backend"
	"github.com/kendrak/infergate/internal/config"
	"github.com/kendrak/infergate/internal/pricebook"
	"github.com/kendrak/infergate/internal/ratelimit"
	"github.com/kendrak/infergate/internal/store"
	"github.com/kendrak/infergate/internal/usage"
)

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	store      store.Store
	authMw     *auth.Middleware
	counters   *ratelimit.Counters
	limiter    *ratelimit.Limiter
	prices     *pricebook.Book
	backend    *backend.Client
	tracker    *usage.Tracker
	httpServer *http.Server
}

func New(cfg *config.Config, s store.Store) *Server {
	authMw := auth.NewMiddleware(cfg.AdminToken, s)
	counters := ratelimit.NewCounters()
	limiter := ratelimit.NewLimiter(s, counters)
	prices := pricebook.New(s)
	be := backend.New(cfg.BackendURL, cfg.BackendTimeout, int64(cfg.BackendMaxConcurrent))
	tracker := usage.New(s, prices, limiter)

	srv := &Server{
		cfg:      cfg,
		store:    s,
		authMw:   authMw,
		counters: counters,
		limiter:  limiter,
		prices:   prices,
		backend:  be,
		tracker:  tracker,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        correlationID(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.BackendTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate
	admin := func(h http.Handler) http.Handler { return authed(s.authMw.RequireAdmin(h)) }

	mux.Handle("POST /v1/chat/completions", authed(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("POST /v1/chat/completions/upload", authed(http.HandlerFunc(s.handleChatCompletionsUpload)))
	mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /v1/usage", authed(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /v1/usage/history", authed(http.HandlerFunc(s.handleUsageHistory)))
	mux.Handle("GET /v1/pricing", authed(http.HandlerFunc(s.handlePricing)))

	mux.Handle("POST /admin/users", admin(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("GET /admin/users", admin(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("GET /admin/users/{id}", admin(http.HandlerFunc(s.handleGetUser)))
	mux.Handle("DELETE /admin/users/{id}", admin(http.HandlerFunc(s.handleDeleteUser)))

	mux.Handle("GET /admin/users/{id}/limits", admin(http.HandlerFunc(s.handleGetRateLimit)))
	mux.Handle("PUT /admin/users/{id}/limits", admin(http.HandlerFunc(s.handleSetRateLimit)))

	mux.Handle("GET /admin/pricing", admin(http.HandlerFunc(s.handleListPrices)))
	mux.Handle("PUT /admin/pricing/{model}", admin(http.HandlerFunc(s.handleSetPrice)))
	mux.Handle("GET /admin/pricing/{model}/history", admin(http.HandlerFunc(s.handlePriceHistory)))
	mux.Handle("GET /admin/pricing/history", admin(http.HandlerFunc(s.handleAllPriceHistory)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":%q}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.counters.RunPruner(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type contextKey string

const requestIDKey contextKey = "requestID"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// correlationID accepts a well-formed inbound X-Request-Id, or mints a
// fresh one, and always echoes it on the response.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || !requestIDPattern.MatchString(id) {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
