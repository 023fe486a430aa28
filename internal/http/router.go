package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/go-shorty-cache/internal/config"
	"github.com/roniherschmann/go-shorty-cache/internal/core"
	"github.com/roniherschmann/go-shorty-cache/internal/metrics"
	"github.com/roniherschmann/go-shorty-cache/internal/store"
)

// CountryHeader carries the client's ISO country code when the service
// sits behind a CDN that sets it.
const CountryHeader = "CF-IPCountry"

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type Router struct {
	cfg     config.Config
	svc     *core.Service
	limiter *rateLimiter
	ready   []Pinger
}

func NewRouter(cfg config.Config, svc *core.Service, ready ...Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	api := &Router{
		cfg:     cfg,
		svc:     svc,
		limiter: newRateLimiter(cfg.CreateRateRPS, cfg.CreateRateBurst),
		ready:   ready,
	}

	r.Get("/healthz", api.handleHealth)
	r.Get("/readyz", api.handleReady)
	r.Get("/metrics", metrics.Handler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/shorten", api.handleShorten)
		r.Get("/stats/{code}", api.handleStats)
		r.With(api.requireAdmin).Put("/links/{code}", api.handleEdit)
	})

	r.Get("/r/{code}", api.handleRedirect)

	return r
}

type shortenReq struct {
	URL   string `json:"url"`
	Code  string `json:"code,omitempty"`
	Title string `json:"title,omitempty"`
}

type linkResp struct {
	Code     string `json:"code"`
	ShortURL string `json:"short_url,omitempty"`
	Target   string `json:"target"`
	Title    string `json:"title,omitempty"`
}

func (rt *Router) linkResp(u store.URL) linkResp {
	resp := linkResp{Code: u.Keyword, Target: u.URL, Title: u.Title}
	if rt.cfg.BaseURL != "" {
		resp.ShortURL = strings.TrimRight(rt.cfg.BaseURL, "/") + "/r/" + u.Keyword
	}
	return resp
}

func (rt *Router) handleShorten(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !rt.limiter.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req shortenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	u, err := rt.svc.Shorten(r.Context(), strings.TrimSpace(req.Code), strings.TrimSpace(req.URL), req.Title, ip)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rt.linkResp(u), http.StatusCreated)
	metrics.Shortens.Inc()
}

func (rt *Router) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req shortenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	u, err := rt.svc.Edit(r.Context(), chi.URLParam(r, "code"), strings.TrimSpace(req.URL), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rt.linkResp(u), http.StatusOK)
}

func (rt *Router) handleRedirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	u, err := rt.svc.Resolve(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.Redirects.Inc()

	rt.svc.RecordClick(u.Keyword, clientIP(r), r.UserAgent(), r.Referer(), r.Header.Get(CountryHeader))
	http.Redirect(w, r, u.URL, http.StatusMovedPermanently)
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.svc.Stats(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, stats, http.StatusOK)
}

// requireAdmin rejects requests without the configured bearer token. With no
// token configured the admin endpoints are disabled.
func (rt *Router) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if rt.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(rt.cfg.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, ping := range rt.ready {
		if err := ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("not ready")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, core.ErrKeywordTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, core.ErrInvalidURL), errors.Is(err, core.ErrInvalidKeyword):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientIP is the peer address, already rewritten by RealIP when the
// service runs behind a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
