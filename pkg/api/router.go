package api

import (
	"net/http"
	"time"

	"github.com/easzlab/ezproxy/pkg/config"
	"github.com/easzlab/ezproxy/pkg/metrics"
	"github.com/easzlab/ezproxy/pkg/proxy"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// HealthStatus reports preset server reachability. *healthcheck.Manager implements it.
type HealthStatus interface {
	IsHealthy(name string) bool
	Tracked(name string) bool
}

// Handler serves the proxy rule API.
type Handler struct {
	proxy    *proxy.Manager
	settings func() *config.Config
	health   HealthStatus
	logger   *zap.Logger
}

// NewHandler creates a Handler. settings returns the current daemon config and
// is consulted on every request so preset servers follow hot reloads.
// health may be nil.
func NewHandler(manager *proxy.Manager, settings func() *config.Config, health HealthStatus, logger *zap.Logger) *Handler {
	return &Handler{
		proxy:    manager,
		settings: settings,
		health:   health,
		logger:   logger,
	}
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(h *Handler, metricsRegistry *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(allowCrossDomain)
	r.Use(noCache)

	r.Get("/status_check", func(w http.ResponseWriter, r *http.Request) {
		respondStatus(w, http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metricsRegistry.Handler())

	r.Route("/api/1", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.HandleFunc("/proxy/{ip}/set", h.SetProxy)
		r.HandleFunc("/proxy/{ip}/clear", h.ClearProxy)
	})

	return r
}

// requestLogger logs every request once it has been served.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// allowCrossDomain reflects the caller's Origin and answers preflight requests.
func allowCrossDomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" || r.Method == http.MethodOptions {
			header := w.Header()
			header.Set("Access-Control-Allow-Credentials", "true")
			if origin != "" {
				header.Set("Access-Control-Allow-Origin", origin)
				header.Add("Vary", "Origin")
			} else {
				header.Set("Access-Control-Allow-Origin", "*")
			}
			header.Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE,OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type,Accept,X-Requested-With,X-HTTP-Method-Override")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}
