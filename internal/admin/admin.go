// Package admin serves the purge and inspection API.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/middleware"
	"github.com/wudi/tiercache/internal/purge"
)

// Reserved path segments. Stores may not use these names.
const (
	TargetAll  = "all"
	TargetTags = "tags"
)

const (
	defaultLimit   = 100
	maxBody        = 1 << 20
	healthDeadline = 2 * time.Second
)

// Authorizer decides whether a request may use protected endpoints.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) bool

func (f AuthorizerFunc) Authorize(r *http.Request) bool { return f(r) }

// APIKeyAuthorizer accepts requests carrying one of a fixed set of keys.
type APIKeyAuthorizer struct {
	header string
	keys   [][]byte
}

// NewAPIKeyAuthorizer accepts keys in header, X-Purge-Key when empty.
// With no keys every request is refused.
func NewAPIKeyAuthorizer(header string, keys ...string) *APIKeyAuthorizer {
	if header == "" {
		header = "X-Purge-Key"
	}
	a := &APIKeyAuthorizer{header: header}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Authorize compares the presented key against every configured key in
// constant time.
func (a *APIKeyAuthorizer) Authorize(r *http.Request) bool {
	got := []byte(r.Header.Get(a.header))
	if len(got) == 0 {
		return false
	}
	ok := 0
	for _, k := range a.keys {
		ok |= subtle.ConstantTimeCompare(got, k)
	}
	return ok == 1
}

// Config configures the API.
type Config struct {
	// Authorizer guards purges, and stats unless PublicStats is set.
	// Nil refuses every protected request.
	Authorizer  Authorizer
	PublicStats bool
	// RateLimit caps purge requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// Metrics is served at MetricsPath (default /metrics) when set.
	Metrics     http.Handler
	MetricsPath string
	// HealthChecks are run by /health; any failure reports degraded.
	HealthChecks map[string]func(ctx context.Context) error
	// Snapshot returns the running configuration with secrets redacted,
	// served at /config to authorized callers.
	Snapshot func() (any, error)
}

// API is the admin HTTP handler.
type API struct {
	svc     *purge.Service
	cfg     Config
	limiter *rate.Limiter
	router  *httprouter.Router
	handler http.Handler
	started time.Time
}

// New builds the API over svc.
func New(svc *purge.Service, cfg Config) *API {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	a := &API{svc: svc, cfg: cfg, started: time.Now()}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	r := httprouter.New()
	r.POST("/purge/:target", a.handlePurge)
	r.GET("/stats", a.handleStoreStats)
	r.GET("/stats/:store", a.handleStats)
	r.GET("/groups", a.handleGroups)
	r.GET("/health", a.handleHealth)
	if cfg.Snapshot != nil {
		r.GET("/config", a.handleConfig)
	}
	if cfg.Metrics != nil {
		r.Handler(http.MethodGet, cfg.MetricsPath, cfg.Metrics)
	}
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})
	a.router = r

	a.handler = middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{SkipPaths: []string{"/health", cfg.MetricsPath}}),
	).Then(r)
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func (a *API) authorized(r *http.Request) bool {
	return a.cfg.Authorizer != nil && a.cfg.Authorizer.Authorize(r)
}

func (a *API) canReadStats(r *http.Request) bool {
	return a.cfg.PublicStats || a.authorized(r)
}

// handlePurge dispatches POST /purge/all, /purge/tags and /purge/:store.
func (a *API) handlePurge(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !a.authorized(r) {
		logging.Warn("unauthorized purge request",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("path", r.URL.Path),
		)
		errors.ErrForbidden.WriteJSON(w)
		return
	}
	if a.limiter != nil && !a.limiter.Allow() {
		errors.ErrTooManyRequests.WriteJSON(w)
		return
	}

	target := ps.ByName("target")
	if target == TargetAll {
		writeJSON(w, http.StatusOK, a.svc.PurgeAll(r.Context()))
		return
	}

	list, err := decodeList(w, r)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if target == TargetTags {
		writeJSON(w, http.StatusOK, a.svc.PurgeTags(r.Context(), list))
		return
	}
	writeJSON(w, http.StatusOK, a.svc.PurgeKeys(r.Context(), target, list))
}

// decodeList reads a JSON array of strings from the body.
func decodeList(w http.ResponseWriter, r *http.Request) ([]string, error) {
	var list []string
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// handleStats serves GET /stats/tags and GET /stats/:store.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !a.canReadStats(r) {
		errors.ErrForbidden.WriteJSON(w)
		return
	}
	offset, limit, err := paging(r)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	name := ps.ByName("store")
	if name == TargetTags {
		writeJSON(w, http.StatusOK, a.svc.TagStats(offset, limit))
		return
	}
	page, ok := a.svc.Entries(name, offset, limit)
	if !ok {
		errors.ErrNotFound.WithDetails("unknown store " + strconv.Quote(name)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleStoreStats serves GET /stats, a summary of every store.
func (a *API) handleStoreStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !a.canReadStats(r) {
		errors.ErrForbidden.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !a.canReadStats(r) {
		errors.ErrForbidden.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Groups().Groups())
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !a.authorized(r) {
		errors.ErrForbidden.WriteJSON(w)
		return
	}
	snap, err := a.cfg.Snapshot()
	if err != nil {
		logging.Error("config snapshot failed", zap.Error(err))
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHealth reports liveness along with any configured dependency checks.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]any, len(a.cfg.HealthChecks))
	healthy := true
	for name, check := range a.cfg.HealthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), healthDeadline)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = map[string]string{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]string{"status": "ok"}
	}

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(a.started).String(),
		"stores":    a.svc.Names(),
		"checks":    checks,
	})
}

func paging(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New(http.StatusBadRequest, "offset must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, errors.New(http.StatusBadRequest, "limit must be a positive integer")
		}
	}
	return offset, limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("admin response write failed", zap.Error(err))
	}
}
