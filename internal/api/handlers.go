// internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/job"
	"marketplace-engine/internal/onboarding"
	"marketplace-engine/internal/payout"
	"marketplace-engine/internal/store"
)

// JobCreator creates new bookings. Creation sits outside the lifecycle
// engine: a new job has no prior status to guard.
type JobCreator interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error)
}

// EffectProvider supplies the side effect to run for an onboarding step.
type EffectProvider interface {
	Effect(providerID string, step int) onboarding.StepEffect
}

type CreateJobRequest struct {
	RequesterID     string       `json:"requesterId"`
	ScheduledAt     time.Time    `json:"scheduledAt"`
	DurationMinutes int          `json:"durationMinutes"`
	GrossPrice      int64        `json:"grossPrice"`
	FeeRate         *float64     `json:"feeRate,omitempty"`
	AddOns          []string     `json:"addOns,omitempty"`
	Location        job.Location `json:"location"`
}

// StoreJobCreator persists new bookings through the job store.
type StoreJobCreator struct {
	Store          store.JobStore
	DefaultFeeRate float64
}

func (c *StoreJobCreator) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	feeRate := c.DefaultFeeRate
	if req.FeeRate != nil {
		feeRate = *req.FeeRate
	}
	// Reject price/duration/fee combinations the payout calculator cannot
	// settle later.
	if _, err := payout.Compute(req.GrossPrice, req.DurationMinutes, feeRate); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:              uuid.NewString(),
		Status:          job.StatusPending,
		RequesterID:     req.RequesterID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		GrossPrice:      req.GrossPrice,
		FeeRate:         feeRate,
		AddOns:          req.AddOns,
		Location:        req.Location,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.Store.InsertJob(ctx, j); err != nil {
		return nil, errors.NewCollaboratorUnavailableError("storage", err)
	}
	return j, nil
}

// ResourceEffects mints a fresh resource id per step completion, standing in
// for provisioning systems (document stores, catalog services) that live
// outside this process.
type ResourceEffects struct{}

func (ResourceEffects) Effect(providerID string, step int) onboarding.StepEffect {
	return func(ctx context.Context) (string, error) {
		return uuid.NewString(), nil
	}
}

// ==========================
// Job Handlers
// ==========================

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeValidated(r, createJobSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

type fulfillerAction struct {
	FulfillerID string `json:"fulfillerId"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req fulfillerAction
	if err := decodeValidated(r, fulfillerActionSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, err := s.engine.Accept(r.Context(), r.PathValue("id"), req.FulfillerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req fulfillerAction
	if err := decodeValidated(r, fulfillerActionSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.engine.Decline(r.Context(), r.PathValue("id"), req.FulfillerID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

func (s *Server) handleStartTravel(w http.ResponseWriter, r *http.Request) {
	var req fulfillerAction
	if err := decodeValidated(r, fulfillerActionSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, err := s.engine.StartTravel(r.Context(), r.PathValue("id"), req.FulfillerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleReportDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FulfillerID  string `json:"fulfillerId"`
		DelayMinutes int    `json:"delayMinutes"`
	}
	if err := decodeValidated(r, reportDelaySchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.engine.ReportDelay(r.Context(), r.PathValue("id"), req.FulfillerID, req.DelayMinutes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reported"})
}

func (s *Server) handleBeginWork(w http.ResponseWriter, r *http.Request) {
	var req fulfillerAction
	if err := decodeValidated(r, fulfillerActionSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, err := s.engine.BeginWork(r.Context(), r.PathValue("id"), req.FulfillerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req fulfillerAction
	if err := decodeValidated(r, fulfillerActionSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, breakdown, err := s.engine.Complete(r.Context(), r.PathValue("id"), req.FulfillerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":    j,
		"payout": breakdown,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartyID string `json:"partyId"`
		Reason  string `json:"reason"`
	}
	if err := decodeValidated(r, cancelSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	j, err := s.engine.Cancel(r.Context(), r.PathValue("id"), req.PartyID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// ==========================
// Payout Handlers
// ==========================

func (s *Server) handlePayoutQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrossPrice      int64    `json:"grossPrice"`
		DurationMinutes int      `json:"durationMinutes"`
		FeeRate         *float64 `json:"feeRate"`
	}
	if err := decodeValidated(r, payoutQuoteSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	feeRate := s.feeRate
	if req.FeeRate != nil {
		feeRate = *req.FeeRate
	}
	breakdown, err := payout.Compute(req.GrossPrice, req.DurationMinutes, feeRate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, breakdown)
}

func (s *Server) handlePayoutTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NetPayout int64    `json:"netPayout"`
		FeeRate   *float64 `json:"feeRate"`
	}
	if err := decodeValidated(r, payoutTargetSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	feeRate := s.feeRate
	if req.FeeRate != nil {
		feeRate = *req.FeeRate
	}
	gross, err := payout.GrossFromNet(req.NetPayout, feeRate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"grossPrice": gross})
}

// ==========================
// Onboarding Handlers
// ==========================

// onboardingView is the API shape of an onboarding state, with the derived
// stage and eligibility attached.
type onboardingView struct {
	*onboarding.State
	Stage    onboarding.Stage `json:"stage"`
	Eligible bool             `json:"eligible"`
	Verified bool             `json:"verified"`
}

func (s *Server) view(st *onboarding.State) onboardingView {
	return onboardingView{
		State:    st,
		Stage:    s.tracker.Stage(st),
		Eligible: s.tracker.Eligible(st),
		Verified: st.Verification().IsVerified(),
	}
}

func (s *Server) handleRegisterOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variant string `json:"variant"`
	}
	if err := decodeValidated(r, registerOnboardingSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	st, err := s.tracker.Register(r.Context(), r.PathValue("id"), req.Variant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.view(st))
}

func (s *Server) handleOnboardingState(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := decodeValidated(r, stepTargetSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	st, err := s.tracker.Advance(r.Context(), r.PathValue("id"), req.Step)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := decodeValidated(r, stepTargetSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	st, err := s.tracker.Rewind(r.Context(), r.PathValue("id"), req.Step)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("id")
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil {
		s.writeError(w, errors.NewInvalidInputError("step must be an integer"))
		return
	}

	resourceID, err := s.tracker.CompleteStep(r.Context(), providerID, step, s.effects.Effect(providerID, step))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"step":       step,
		"resourceId": resourceID,
	})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Finish(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Verify(r.Context(), r.PathValue("id"), time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Activate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(st))
}
