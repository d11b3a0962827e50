// Package httpapi is the HTTP layer. It serves the public auth endpoints
// (login, refresh), the internal session-store API consumed by peer services,
// and the health/metrics plumbing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"medilink.org/internal/auth"
	"medilink.org/internal/identity"
	"medilink.org/internal/obs"
	"medilink.org/internal/session"
	"medilink.org/internal/token"
)

// ReadyProbe answers readiness checks. Pinger is optional; without one the
// service reports ready as soon as it listens.
type ReadyProbe struct {
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Pinger == nil {
		return nil
	}
	return rp.Pinger.Ping(ctx)
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	codec   *token.Codec
	store   session.Store
	dir     identity.Directory
	ready   ReadyProbe
	version string

	rateBurst  int
	ratePerSec int
}

// Option configures the API.
type Option func(*API)

// WithReadyProbe sets the readiness check backend.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.ready = rp }
}

// WithVersion sets the version string reported by health endpoints.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithStoreBackend exposes the internal session-store API backed by the given
// store and directory. Without it only the public endpoints are served.
func WithStoreBackend(store session.Store, dir identity.Directory) Option {
	return func(a *API) {
		a.store = store
		a.dir = dir
	}
}

// WithRateLimit sets the per-IP token bucket for the public auth endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func New(svc *auth.Service, codec *token.Codec, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		codec:      codec,
		version:    "dev",
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// public auth endpoints, rate limited per client IP
	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	a.mux.Handle("/login", limited(a.handleLogin))
	a.mux.Handle("/refresh", limited(a.handleRefresh))

	// internal store API, service tokens only
	if a.store != nil {
		a.mux.Handle("/internal/v1/", a.requireServiceToken(http.HandlerFunc(a.handleInternal)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medilink-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
