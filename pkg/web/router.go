package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	resultrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/result"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/service"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/cache/loadercache"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/web/auth"
)

// RouterConfig collects the dependencies of the http layer.
type RouterConfig struct {
	Manager   *service.Manager
	DataProxy proxy.DataProxy
	Lookup    *utils.SessionLookup
	// optional, enables the archive endpoints
	Pool *pgxpool.Pool

	AdminToken    string
	ProviderToken string

	// optional pre-configured rate limiter. When nil a new one is built
	// from RateLimitConfig (or the defaults).
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	MaxWSConnectionsTotal int
	MaxWSConnectionsPerIP int

	// debug helper, logs inbound frame payloads
	PrintFrames bool

	DisableRequestLogging bool
	Logger                *log.Logger
}

// NewRouter builds the http router. Safe to use with httptest.
func NewRouter(cfg RouterConfig) *chi.Mux {
	l := cfg.Logger
	if l == nil {
		l = log.Default().Named("web")
	}
	r := chi.NewRouter()

	if !cfg.DisableRequestLogging {
		r.Use(requestLogger(l))
	}
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	// reject throttled clients before doing any further work
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)
	r.Use(newCORS().Handler)
	r.Use(auth.NewMiddleware(
		auth.WithAdminToken(cfg.AdminToken),
		auth.WithProviderToken(cfg.ProviderToken),
	))

	maxPerIP := cfg.MaxWSConnectionsPerIP
	if maxPerIP <= 0 {
		maxPerIP = DefaultMaxWSConnectionsPerIP
	}
	maxTotal := cfg.MaxWSConnectionsTotal
	if maxTotal <= 0 {
		maxTotal = DefaultMaxWSConnectionsTotal
	}
	h := &routerHandlers{
		manager:     cfg.Manager,
		dataProxy:   cfg.DataProxy,
		lookup:      cfg.Lookup,
		pool:        cfg.Pool,
		wsLimiter:   NewWebSocketRateLimiter(maxPerIP),
		maxWSTotal:  maxTotal,
		printFrames: cfg.PrintFrames,
		l:           l,
	}
	if cfg.Pool != nil {
		h.resultCache = loadercache.New(
			loadercache.WithLoader[string, model.DuelResult](
				func(key string) (*model.DuelResult, error) {
					entry, err := resultrepos.LoadByDuelKey(
						context.Background(), cfg.Pool, key)
					if err != nil {
						return nil, err
					}
					return &entry.Data, nil
				}),
		)
	}

	r.Get("/health", h.handleHealth)
	r.Get("/api/v1/version", h.handleVersionCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/duels", func(r chi.Router) {
		r.Get("/", h.handleListDuels)
		r.Post("/", h.handleRegisterDuel)
		r.Delete("/", h.handleUnregisterAll)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.handleGetDuel)
			r.Get("/state", h.handleGetState)
			r.Get("/events", h.handleGetEvents)
			r.Get("/results", h.handleGetResults)
			r.Get("/runs", h.handleGetRuns)
			r.Delete("/", h.handleUnregisterDuel)
		})
	})
	r.Route("/ws/v1", func(r chi.Router) {
		r.Get("/duels/{key}/live", h.handleSpectatorWS)
		r.Get("/provider/{key}", h.handleProviderWS)
	})
	return r
}

func requestLogger(l *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			l.Debug("request",
				log.String("method", r.Method),
				log.String("path", r.URL.Path),
				log.Int("status", ww.Status()),
				log.Duration("duration", time.Since(start)))
		})
	}
}

func newCORS() *cors.Cors {
	// Spectator overlays may be served from anywhere, so we need a very
	// permissive CORS setup.
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			// Allow all origins, which effectively disables CORS.
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			// Content-Type is in the default safelist.
			"Accept",
			"Accept-Encoding",
			"Content-Encoding",
			"Retry-After",
		},
		// Let browsers cache CORS information for longer, which reduces the
		// number of preflight requests. FF caps this value at 24h, and modern
		// Chrome caps it at 2h.
		MaxAge: int(2 * time.Hour / time.Second),
	})
}
