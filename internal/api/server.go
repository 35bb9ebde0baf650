// Package api exposes the engine, payout calculator, and onboarding tracker
// over JSON HTTP. Request bodies are schema-validated before any business
// logic runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/engine"
	"marketplace-engine/internal/onboarding"
)

// Pinger is a connectivity probe on a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP traffic to the engine and tracker.
type Server struct {
	engine  *engine.Engine
	tracker *onboarding.Tracker
	jobs    JobCreator
	effects EffectProvider
	feeRate float64
	pingers map[string]Pinger
	log     logger.Logger

	httpServer *http.Server
}

type ServerOptions struct {
	Address string
	Engine  *engine.Engine
	Tracker *onboarding.Tracker
	Jobs    JobCreator
	Effects EffectProvider
	// DefaultFeeRate applies when a request omits feeRate.
	DefaultFeeRate float64
	// Pingers are probed by /healthz, keyed by service name.
	Pingers map[string]Pinger
	Logger  logger.Logger
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		engine:  opts.Engine,
		tracker: opts.Tracker,
		jobs:    opts.Jobs,
		effects: opts.Effects,
		feeRate: opts.DefaultFeeRate,
		pingers: opts.Pingers,
		log:     opts.Logger.WithFields(map[string]interface{}{"component": "api"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /jobs/{id}/decline", s.handleDecline)
	mux.HandleFunc("POST /jobs/{id}/travel", s.handleStartTravel)
	mux.HandleFunc("POST /jobs/{id}/delay", s.handleReportDelay)
	mux.HandleFunc("POST /jobs/{id}/start", s.handleBeginWork)
	mux.HandleFunc("POST /jobs/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)

	mux.HandleFunc("POST /payouts/quote", s.handlePayoutQuote)
	mux.HandleFunc("POST /payouts/target", s.handlePayoutTarget)

	mux.HandleFunc("POST /providers/{id}/onboarding", s.handleRegisterOnboarding)
	mux.HandleFunc("GET /providers/{id}/onboarding", s.handleOnboardingState)
	mux.HandleFunc("POST /providers/{id}/onboarding/advance", s.handleAdvance)
	mux.HandleFunc("POST /providers/{id}/onboarding/rewind", s.handleRewind)
	mux.HandleFunc("POST /providers/{id}/onboarding/steps/{step}/complete", s.handleCompleteStep)
	mux.HandleFunc("POST /providers/{id}/onboarding/finish", s.handleFinish)
	mux.HandleFunc("POST /providers/{id}/onboarding/verify", s.handleVerify)
	mux.HandleFunc("POST /providers/{id}/onboarding/activate", s.handleActivate)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         opts.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a fatal listener error.
func (s *Server) Start() error {
	s.log.Info("http server listening", map[string]interface{}{
		"address": s.httpServer.Addr,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make(map[string]string, len(s.pingers))
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			services[name] = "unreachable"
			status = http.StatusServiceUnavailable
			continue
		}
		services[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   http.StatusText(status),
		"services": services,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// ==========================
// Request/Response Plumbing
// ==========================

// decodeValidated decodes the body into both a generic document for schema
// validation and the typed target.
func decodeValidated(r *http.Request, schema map[string]interface{}, target interface{}) error {
	var document interface{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&document); err != nil {
		return errors.NewInvalidInputError("request body is not valid JSON")
	}
	if err := validatePayload(schema, document); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}

	raw, err := json.Marshal(document)
	if err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	std := errors.Normalize(err)
	s.writeJSON(w, statusForCode(std.Code), map[string]interface{}{
		"error":   std.Code,
		"message": std.Message,
		"details": std.Details,
	})
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeJobNotFound, errors.ErrCodeOnboardingNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeAlreadyClaimed, errors.ErrCodeOnboardingComplete:
		return http.StatusConflict
	case errors.ErrCodeCollaboratorUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeSettlementFailed, errors.ErrCodeStepEffectFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
