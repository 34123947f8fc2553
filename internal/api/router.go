package api

import (
	"net/http"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RouterConfig wires the handlers into a mux. Nil middlewares are skipped.
type RouterConfig struct {
	Locations *LocationHandlers
	Health    *HealthHandlers
	// Metrics serves /metrics when set.
	Metrics http.Handler

	Auth          Middleware
	PositionLimit Middleware
	ReloadLimit   Middleware
}

// NewRouter registers every route. Location routes require Auth.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if l := cfg.Locations; l != nil {
		authed := func(h http.HandlerFunc, extra ...Middleware) http.Handler {
			var out http.Handler = h
			for i := len(extra) - 1; i >= 0; i-- {
				if extra[i] != nil {
					out = extra[i](out)
				}
			}
			if cfg.Auth != nil {
				out = cfg.Auth(out)
			}
			return out
		}

		mux.Handle("GET /location", authed(l.GetState))
		mux.Handle("PUT /location/active", authed(l.SetActive))
		mux.Handle("POST /location/position", authed(l.ReportPosition, cfg.PositionLimit))
		mux.Handle("POST /location/suggestion/accept", authed(l.AcceptSuggestion))
		mux.Handle("POST /location/suggestion/dismiss", authed(l.DismissSuggestion))
		mux.Handle("POST /location/prefetch", authed(l.Prefetch))
		mux.Handle("POST /location/invalidate", authed(l.Invalidate))
		mux.Handle("GET /location/cache", authed(l.CacheReport))
		mux.Handle("POST /location/catalog/reload", authed(l.ReloadCatalog, cfg.ReloadLimit))
		mux.Handle("GET /location/events", authed(l.Events))
		mux.Handle("DELETE /session", authed(l.Logout))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}
