// Package api exposes enqueue, lookup and operator endpoints over HTTP on a
// grpc-gateway mux.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/jobharbor/internal/auth"
	"github.com/austindbirch/jobharbor/internal/breaker"
	"github.com/austindbirch/jobharbor/internal/dispatcher"
	"github.com/austindbirch/jobharbor/internal/dlq"
	"github.com/austindbirch/jobharbor/internal/engine"
	"github.com/austindbirch/jobharbor/internal/health"
	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/job"
	"github.com/austindbirch/jobharbor/internal/logging"
)

// MaxBodyBytes leaves room for a 1 MiB payload plus the envelope fields.
const MaxBodyBytes = job.MaxPayloadBytes + 64<<10

var (
	errForbidden = errors.New("forbidden")
	errBadBody   = errors.New("malformed request body")
)

type Options struct {
	// Validator guards every route except health and metrics. Nil disables
	// authentication and treats every caller as an operator.
	Validator *auth.JWTValidator
	Health    []health.Check
	Metrics   http.Handler
	Logger    *logging.Logger
}

type Server struct {
	engine    *engine.Engine
	validator *auth.JWTValidator
	logger    *logging.Logger
	mux       *runtime.ServeMux
}

func New(e *engine.Engine, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Server{engine: e, validator: opts.Validator, logger: opts.Logger, mux: runtime.NewServeMux()}

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/enqueue", s.enqueue},
		{http.MethodGet, "/v1/jobs/{id}", s.getJob},
		{http.MethodGet, "/v1/idempotency/{tenant}/{key}", s.getRecord},
		{http.MethodGet, "/queues/{name}/stats", s.operator(s.queueStats)},
		{http.MethodGet, "/dlq", s.operator(s.listDeadLetters)},
		{http.MethodGet, "/dlq/{id}", s.operator(s.getDeadLetter)},
		{http.MethodPost, "/dlq/{id}/retry", s.operator(s.retryDeadLetter)},
		{http.MethodPost, "/dlq/{id}/discard", s.operator(s.discardDeadLetter)},
		{http.MethodGet, "/circuit-breakers", s.operator(s.listBreakers)},
		{http.MethodPost, "/circuit-breakers/{dependency}/panic", s.operator(s.setPanic)},
		{http.MethodGet, "/healthz", wrap(health.HTTPHandler(opts.Health...))},
	}
	if opts.Metrics != nil {
		routes = append(routes, struct {
			method, path string
			h            runtime.HandlerFunc
		}{http.MethodGet, "/metrics", wrap(opts.Metrics)})
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}
	return s, nil
}

func wrap(h http.Handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h.ServeHTTP(w, r)
	}
}

// Handler returns the routed mux behind the JWT middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.validator != nil {
		h = s.validator.HTTPMiddleware(h)
	}
	return http.MaxBytesHandler(h, MaxBodyBytes)
}

// caller returns the authenticated claims, or nil when authentication is
// disabled.
func caller(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}

func (s *Server) isOperator(r *http.Request) bool {
	if s.validator == nil {
		return true
	}
	return caller(r).HasRole(auth.RoleOperator)
}

// canActFor reports whether the caller may read or write tenant's work.
func (s *Server) canActFor(r *http.Request, tenant string) bool {
	if s.isOperator(r) {
		return true
	}
	c := caller(r)
	return c != nil && c.TenantID == tenant
}

func (s *Server) operator(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		if !s.isOperator(r) {
			s.writeError(w, r, errForbidden)
			return
		}
		h(w, r, p)
	}
}

// actor names the operator for audit fields, preferring the token subject.
func actor(r *http.Request, fallback string) string {
	if c := caller(r); c != nil && c.Subject != "" {
		return c.Subject
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBadBody),
		errors.Is(err, dispatcher.ErrMissingTenant),
		errors.Is(err, dispatcher.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrUnknownQueue),
		errors.Is(err, engine.ErrUnknownDependency),
		errors.Is(err, job.ErrNotFound),
		errors.Is(err, idempotency.ErrNotFound),
		errors.Is(err, dlq.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, dispatcher.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, dlq.ErrAlreadyResolved),
		errors.Is(err, dispatcher.ErrKeyInUse),
		errors.Is(err, breaker.ErrNotPanicked):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrPanicMode),
		errors.Is(err, dispatcher.ErrIdempotencyUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		s.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
