package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/kitchenops/internal/api"
	"github.com/onnwee/kitchenops/internal/auth"
	"github.com/onnwee/kitchenops/internal/catalog"
	"github.com/onnwee/kitchenops/internal/config"
	"github.com/onnwee/kitchenops/internal/datacache"
	"github.com/onnwee/kitchenops/internal/facade"
	"github.com/onnwee/kitchenops/internal/health"
	"github.com/onnwee/kitchenops/internal/middleware"
	"github.com/onnwee/kitchenops/internal/preference"
	"github.com/onnwee/kitchenops/internal/remote"
	"github.com/onnwee/kitchenops/internal/selector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const serviceName = "kitchenops-api"

// janitorInterval is how often idle sessions and expired in-memory rate
// limit windows are pruned.
const janitorInterval = time.Minute

// backends are the external dependencies the server runs against.
// DB and Redis may be nil; Redis falls back to in-memory stores.
type backends struct {
	Fetcher remote.Fetcher
	DB      *sql.DB
	Redis   redis.Cmdable
}

// server is the wired API: the root handler and the components that need
// lifecycle management.
type server struct {
	Handler  http.Handler
	Sessions *facade.Sessions
	Catalog  *catalog.Catalog
	Registry *prometheus.Registry

	memLimits *middleware.InMemoryRateLimitStore
	logger    *slog.Logger
}

// newServer wires every component from cfg.
func newServer(cfg *config.Config, b backends, logger *slog.Logger) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	catalogMetrics := catalog.NewMetrics()
	cacheMetrics := datacache.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{
		catalogMetrics.Register,
		cacheMetrics.Register,
		httpMetrics.Register,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}

	cat := catalog.New(b.Fetcher, catalog.Config{
		TTL:     cfg.CatalogTTL,
		Logger:  logger,
		Metrics: catalogMetrics,
	})

	srv := &server{Catalog: cat, Registry: reg, logger: logger}

	var (
		prefs      preference.Factory
		limitStore middleware.RateLimitStore
		redisCheck api.HealthChecker
	)
	if b.Redis != nil {
		prefs = preference.RedisFactory(b.Redis, preference.DefaultKeyPrefix)
		limitStore = middleware.NewRedisRateLimitStore(b.Redis).WithMetrics(httpMetrics)
		redisCheck = health.NewRedisChecker(b.Redis)
	} else {
		logger.Warn("redis not configured, using in-memory preferences and rate limits")
		prefs = preference.InMemoryFactory()
		srv.memLimits = middleware.NewInMemoryRateLimitStore()
		limitStore = srv.memLimits
	}

	srv.Sessions = facade.NewSessions(cat, b.Fetcher, facade.SessionsConfig{
		Selector: selector.Config{
			ProximityThresholdKm: cfg.ProximityThresholdKm,
			GeolocationTimeout:   cfg.GeolocationTimeout,
			DefaultLocationCode:  cfg.DefaultLocationCode,
		},
		Cache: datacache.Config{
			ActiveTTL:   cfg.ActiveBundleTTL,
			PrefetchTTL: cfg.PrefetchBundleTTL,
			MaxEntries:  cfg.BundleCacheMaxEntries,
			RowLimit:    cfg.CollectionRowLimit,
			Metrics:     cacheMetrics,
		},
		Preferences: prefs,
		IdleTTL:     cfg.SessionIdleTTL,
		Logger:      logger,
	})

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)

	var dbCheck api.HealthChecker
	if b.DB != nil {
		dbCheck = health.NewDBChecker(b.DB)
	}

	locations := api.NewLocationHandlers(srv.Sessions, nil, logger).WithAllowedOrigins(cfg.AllowedOrigins)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      dbCheck,
		RedisChecker:   redisCheck,
		CatalogChecker: health.NewCatalogChecker(cat),
	})
	positionLimit := middleware.RateLimiter(limitStore, middleware.DefaultPositionLimit(),
		middleware.UserKeyFunc(), "position", httpMetrics)
	reloadLimit := middleware.RateLimiter(limitStore, middleware.DefaultCatalogReloadLimit(),
		middleware.UserKeyFunc(), "catalog_reload", httpMetrics)

	router := api.NewRouter(api.RouterConfig{
		Locations:     locations,
		Health:        healthHandlers,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Auth:          auth.Middleware(jwtService),
		PositionLimit: positionLimit,
		ReloadLimit:   reloadLimit,
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> router
	srv.Handler = middleware.RequestID(
		middleware.Tracing(serviceName)(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(httpMetrics)(
					middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowedOrigins))(router),
				),
			),
		),
	)
	return srv, nil
}

// Warm loads the catalog once in the background. A failure is logged and
// the catalog stays failed until POST /location/catalog/reload.
func (s *server) Warm(ctx context.Context) {
	go func() {
		if _, err := s.Catalog.Load(ctx); err != nil {
			s.logger.Warn("initial catalog load failed", "error", err)
			return
		}
		s.logger.Info("catalog loaded", "locations", len(s.Catalog.Records()))
	}()
}

// RunJanitor prunes idle sessions and in-memory rate limit windows until
// ctx is done.
func (s *server) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *server) sweep(ctx context.Context) {
	s.Sessions.Prune(ctx)
	if s.memLimits != nil {
		s.memLimits.Cleanup()
	}
}

// Close detaches the live sessions.
func (s *server) Close() {
	s.Sessions.Close()
}
