package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"veilescrow/core/events"
	"veilescrow/gateway/api"
	"veilescrow/gateway/auth"
	"veilescrow/gateway/middleware"
	"veilescrow/native/escrow"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerAuditID        = "X-Audit-Id"
	maxRequestBody       = 1 << 20 // 1 MiB
	defaultOpTimeout     = 15 * time.Second
)

// ServerOptions collects the collaborators of the HTTP front-end.
type ServerOptions struct {
	Engine        *escrow.Engine
	Store         *SQLiteStore
	Bus           *events.Bus
	Authenticator *auth.Authenticator
	Identity      *auth.IdentityResolver
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	OpTimeout     time.Duration
}

// Server is the HTTP front-end for escrow interactions.
type Server struct {
	engine        *escrow.Engine
	store         *SQLiteStore
	bus           *events.Bus
	authenticator *auth.Authenticator
	identity      *auth.IdentityResolver
	limiter       *middleware.RateLimiter
	obs           *middleware.Observability
	cors          middleware.CORSConfig
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	opTimeout     time.Duration
	nowFn         func() time.Time
}

func NewServer(opts ServerOptions) *Server {
	if opts.Engine == nil {
		panic("escrow engine required")
	}
	if opts.Store == nil {
		panic("sqlite store required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(0)
	}
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewRateLimiter(nil)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Server{
		engine:        opts.Engine,
		store:         opts.Store,
		bus:           opts.Bus,
		authenticator: opts.Authenticator,
		identity:      opts.Identity,
		limiter:       opts.Limiter,
		obs:           opts.Observability,
		cors:          opts.CORS,
		gatherer:      opts.Gatherer,
		logger:        opts.Logger,
		opTimeout:     opts.OpTimeout,
		nowFn:         time.Now,
	}
}

// Routes builds the router. Mutations by participants need a valid request
// signature and bearer token; operator routes need only the signature.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))
	if s.obs != nil {
		r.Use(s.obs.Handler)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("reads"))
			r.Get("/escrows", s.handleList)
			r.Get("/escrows/count", s.handleCount)
			r.Get("/escrows/{id}", s.handleGet)
			r.Get("/escrows/{id}/signers/{address}", s.handleHasSigned)
			r.Get("/escrows/{id}/events", s.handleEscrowEvents)
			r.Get("/escrows/{id}/export", s.handleExport)
			r.Get("/events", s.handleEvents)
			r.Get("/events/stream", s.handleStream)
			r.Get("/keys/{address}", s.handleGetKey)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("reads"))
			r.Use(middleware.Participant(s.identity, true))
			r.Get("/escrows/{id}/amount", s.handleAmount)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("mutations"))
			r.Use(middleware.Signed(s.authenticator, s.logger))
			r.Use(middleware.Participant(s.identity, true))
			r.Post("/escrows", s.mutation(s.handleCreate))
			r.Post("/escrows/{id}/approve", s.mutation(s.handleApprove))
			r.Post("/escrows/{id}/refund", s.mutation(s.handleRefund))
			r.Post("/escrows/{id}/dispute", s.mutation(s.handleDispute))
			r.Post("/escrows/{id}/emergency-refund", s.mutation(s.handleEmergencyRefund))
			r.Post("/keys", s.mutation(s.handlePutKey))
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("mutations"))
			r.Use(middleware.Signed(s.authenticator, s.logger))
			r.Post("/escrows/{id}/fund", s.mutation(s.handleFund))
			r.Post("/escrows/{id}/settle", s.mutation(s.handleSettle))
			r.Post("/webhooks", s.mutation(s.handleRegisterWebhook))
		})
	})
	return r
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Routes(), "escrow-gateway")
}

// mutationFunc handles a buffered request body and returns the status and
// JSON payload to send.
type mutationFunc func(ctx context.Context, r *http.Request, body []byte) (int, interface{})

// mutation wraps a handler with idempotency replay and audit logging.
func (s *Server) mutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := uuid.NewString()
		w.Header().Set(headerAuditID, auditID)
		body, err := readRequestBody(r)
		if err != nil {
			s.respond(w, r, auditID, nil, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: err.Error()})
			return
		}
		scope := idempotencyScope(r.Context())
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
		if key != "" {
			cached, err := s.store.LookupIdempotency(r.Context(), scope, key, requestHash)
			switch {
			case errors.Is(err, ErrIdempotencyMismatch):
				s.respond(w, r, auditID, body, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
				return
			case err != nil:
				s.respond(w, r, auditID, body, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
				return
			case cached != nil:
				w.Header().Set("Idempotent-Replayed", "true")
				s.writeRaw(w, r, auditID, body, cached.Status, cached.Body)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
		defer cancel()
		status, payload := fn(ctx, r, body)
		encoded, err := json.Marshal(payload)
		if err != nil {
			s.respond(w, r, auditID, body, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
		if key != "" && status < http.StatusInternalServerError {
			if err := s.store.SaveIdempotency(r.Context(), scope, key, requestHash, status, encoded); err != nil {
				s.logger.Warn("save idempotency key", "error", err)
			}
		}
		s.writeRaw(w, r, auditID, body, status, encoded)
	}
}

// idempotencyScope namespaces idempotency keys by integration and, on
// participant routes, by the verified caller address.
func idempotencyScope(ctx context.Context) string {
	scope := ""
	if principal, ok := auth.PrincipalFrom(ctx); ok {
		scope = principal.APIKey
	}
	if addr, ok := auth.ParticipantFrom(ctx); ok {
		scope += "/" + addr.String()
	}
	return scope
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, auditID string, requestBody []byte, status int, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(`{"error":"encode response"}`)
		status = http.StatusInternalServerError
	}
	s.writeRaw(w, r, auditID, requestBody, status, encoded)
}

func (s *Server) writeRaw(w http.ResponseWriter, r *http.Request, auditID string, requestBody []byte, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.audit(r, auditID, requestBody, status, body)
}

func (s *Server) audit(r *http.Request, auditID string, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		RequestID:      auditID,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if principal, ok := auth.PrincipalFrom(r.Context()); ok {
		entry.APIKey = principal.APIKey
	}
	if participant, ok := auth.ParticipantFrom(r.Context()); ok {
		entry.Participant = participant.String()
	}
	if err := s.store.InsertAuditLog(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Warn("write audit log", "request_id", auditID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.Count()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"escrows": count,
		"events":  s.bus.Latest(),
	})
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps engine and request errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrWrongState), errors.Is(err, escrow.ErrAlreadySigned):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrTimeoutNotReached):
		return http.StatusTooEarly
	case errors.Is(err, escrow.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrDepositNotConfirmed):
		return http.StatusAccepted
	case errors.Is(err, escrow.ErrInvalidParticipants),
		errors.Is(err, escrow.ErrInvalidCiphertext),
		errors.Is(err, escrow.ErrInvalidTimeout),
		errors.Is(err, escrow.ErrInvalidOutcome),
		errors.Is(err, escrow.ErrDescriptionTooLong),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func errorBody(err error) api.ErrorResponse {
	body := api.ErrorResponse{Error: err.Error()}
	if !errors.Is(err, errBadRequest) {
		body.Kind = escrow.ErrorKind(err)
	}
	return body
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
