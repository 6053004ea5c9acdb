// Package server implements the backend side of the token contract: the
// bearer-authenticated minting endpoint the conversation manager calls for
// its ephemeral realtime credentials, plus health and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/saem-app/saem/internal/health"
	"github.com/saem-app/saem/internal/observe"
	"github.com/saem-app/saem/internal/token"
)

// Config wires a Server. Minter is required.
type Config struct {
	Minter  Minter
	Metrics *observe.Metrics

	// DefaultModel and DefaultVoice fill requests that omit them.
	DefaultModel string
	DefaultVoice string

	// TokenRequestsPerMinute is the per-user limit on the token endpoint. It
	// is deliberately generous so an active conversation that reconnects a
	// few times is never cut off. Default 20.
	TokenRequestsPerMinute int

	// Authorize validates a bearer token and returns the rate-limit subject.
	// The default accepts any non-empty token and keys on the token itself.
	Authorize func(bearer string) (subject string, ok bool)

	// Checkers feed the /readyz endpoint.
	Checkers []health.Checker
}

// Server is the backend HTTP surface. Create with New and mount Routes.
type Server struct {
	minter    Minter
	metrics   *observe.Metrics
	model     string
	voice     string
	perMinute int
	authorize func(string) (string, bool)
	health    *health.Handler
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.TokenRequestsPerMinute <= 0 {
		cfg.TokenRequestsPerMinute = 20
	}
	if cfg.Authorize == nil {
		cfg.Authorize = func(bearer string) (string, bool) { return bearer, bearer != "" }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		minter:    cfg.Minter,
		metrics:   cfg.Metrics,
		model:     cfg.DefaultModel,
		voice:     cfg.DefaultVoice,
		perMinute: cfg.TokenRequestsPerMinute,
		authorize: cfg.Authorize,
		health:    health.New(cfg.Checkers...),
	}
}

type subjectKeyType struct{}

// subjectKey carries the authenticated rate-limit subject in the request
// context between the auth middleware and the limiter.
var subjectKey subjectKeyType

// Routes builds the router: open health probes, then the authenticated and
// per-user rate-limited token endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Use(httprate.Limit(
			s.perMinute,
			time.Minute,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				subject, _ := r.Context().Value(subjectKey).(string)
				return subject, nil
			}),
			httprate.WithLimitHandler(s.rateLimited),
		))
		r.Post(token.TokenPath, s.handleToken)
	})

	return r
}

// requireBearer authenticates the request and stashes the subject for the
// rate limiter. Missing or rejected tokens get a 401.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		subject, ok := s.authorize(auth[len(prefix):])
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

// rateLimited writes the 429 contract: a Retry-After header and a JSON body
// carrying retryAfter seconds for clients that only read the body.
func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) {
	retryAfter := 60
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"retryAfter": retryAfter,
	})
}

// tokenResponse is the canonical success body. The provider secret is never
// part of any response.
type tokenResponse struct {
	Success bool `json:"success"`
	Data    struct {
		EphemeralKey string `json:"ephemeralKey"`
	} `json:"data"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req token.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	if req.Model == "" {
		req.Model = s.model
	}
	if req.Voice == "" {
		req.Voice = s.voice
	}
	if req.Model == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "model is required")
		return
	}

	key, err := s.minter.Mint(r.Context(), MintRequest{
		Model:        req.Model,
		Voice:        req.Voice,
		Instructions: BuildInstructions(req),
	})
	if err != nil {
		s.metrics.RecordTokenRequest(r.Context(), "error")
		observe.Logger(r.Context()).Error("minting ephemeral credential failed",
			"scenario_id", req.ScenarioID,
			"err", err,
		)
		s.writeError(w, http.StatusBadGateway, "mint_failed", "could not mint session credential")
		return
	}
	s.metrics.RecordTokenRequest(r.Context(), "ok")

	var resp tokenResponse
	resp.Success = true
	resp.Data.EphemeralKey = key
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: encoding response failed", "err", err)
	}
}
