// Package engine implements the job lifecycle state machine. Every
// state-mutating operation is a single atomic conditional write against the
// storage collaborator; the engine never assumes it holds a lock.
package engine

import (
	"context"
	stderrors "errors"
	"time"

	"marketplace-engine/internal/audit"
	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/metrics"
	"marketplace-engine/internal/common/observability"
	"marketplace-engine/internal/common/retry"
	"marketplace-engine/internal/job"
	"marketplace-engine/internal/mirror"
	"marketplace-engine/internal/notify"
	"marketplace-engine/internal/payout"
	"marketplace-engine/internal/settlement"
	"marketplace-engine/internal/store"
)

// Locator supplies coordinates for travel-start notifications. Optional,
// best-effort input only.
type Locator interface {
	Position(ctx context.Context, partyID string) (lat, lng *float64, err error)
}

// Engine owns every job status mutation after creation.
type Engine struct {
	store       store.JobStore
	mirror      *mirror.Mirror
	notifier    *notify.BestEffort
	settlements settlement.Recorder
	audit       audit.Sink
	locator     Locator // may be nil
	obs         *observability.Observability
	retry       *retry.Policy
	timeout     time.Duration
	log         logger.Logger
}

type Options struct {
	Store       store.JobStore
	Mirror      *mirror.Mirror
	Notifier    *notify.BestEffort
	Settlements settlement.Recorder
	Audit       audit.Sink
	Locator     Locator
	Obs         *observability.Observability
	Retry       *retry.Policy
	// Timeout bounds each storage collaborator call.
	Timeout time.Duration
	Logger  logger.Logger
}

func New(opts Options) *Engine {
	if opts.Audit == nil {
		opts.Audit = audit.Noop{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Engine{
		store:       opts.Store,
		mirror:      opts.Mirror,
		notifier:    opts.Notifier,
		settlements: opts.Settlements,
		audit:       opts.Audit,
		locator:     opts.Locator,
		obs:         opts.Obs,
		retry:       opts.Retry,
		timeout:     opts.Timeout,
		log:         opts.Logger.WithFields(map[string]interface{}{"component": "engine"}),
	}
}

// ==========================
// Transition Operations
// ==========================

// Accept claims a pending job for a fulfiller. Exactly one of several
// concurrent acceptors wins; losers get AlreadyClaimed when the job went to
// another fulfiller, InvalidTransition when it moved anywhere else.
func (e *Engine) Accept(ctx context.Context, jobID, fulfillerID string) (*job.Job, error) {
	defer e.observe("accept", time.Now())

	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, e.reject("accept", err)
	}
	if j.Status != job.StatusPending {
		return nil, e.reject("accept", e.acceptConflictError(j, fulfillerID))
	}

	now := time.Now().UTC()
	tok := e.mirror.ApplyOptimistic(j, func(u *job.Job) {
		u.Status = job.StatusAccepted
		u.FulfillerID = fulfillerID
		u.AcceptedAt = &now
	})

	err = e.conditionalUpdate(ctx, jobID, job.StatusPending, job.StatusAccepted, store.Fields{
		FulfillerID: &fulfillerID,
		AcceptedAt:  &now,
	})
	if err != nil {
		e.mirror.Rollback(tok)
		if stderrors.Is(err, store.ErrStatusConflict) {
			// Lost the race. Re-read to tell the caller which way.
			fresh, readErr := e.getJob(ctx, jobID)
			if readErr != nil {
				return nil, e.reject("accept", errors.NewInvalidTransitionError(jobID, "accept", "unknown"))
			}
			return nil, e.reject("accept", e.acceptConflictError(fresh, fulfillerID))
		}
		return nil, e.reject("accept", err)
	}
	e.mirror.Confirm(tok)

	j.Status = job.StatusAccepted
	j.FulfillerID = fulfillerID
	j.AcceptedAt = &now

	e.audit.Record(ctx, audit.TransitionEntry(jobID, fulfillerID, "accept", job.StatusPending, job.StatusAccepted))
	e.notifier.Send(ctx, j.RequesterID, notify.EventJobAccepted, notify.Payload{
		JobID:      jobID,
		OccurredAt: now,
	})

	e.applied(ctx, "accept")
	e.log.Info("job accepted", map[string]interface{}{
		"jobId":       jobID,
		"fulfillerId": fulfillerID,
	})
	return j, nil
}

// Decline returns a pending offer to the pool. The shared job row is not
// mutated; reassignment is an external dispatch concern. Only an audit
// entry records the decline.
func (e *Engine) Decline(ctx context.Context, jobID, fulfillerID string) error {
	defer e.observe("decline", time.Now())

	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return e.reject("decline", err)
	}
	if j.Status != job.StatusPending {
		return e.reject("decline", errors.NewInvalidTransitionError(jobID, "decline", string(j.Status)))
	}

	e.audit.Record(ctx, audit.DeclineEntry(jobID, fulfillerID))
	e.applied(ctx, "decline")
	e.log.Info("job declined", map[string]interface{}{
		"jobId":       jobID,
		"fulfillerId": fulfillerID,
	})
	return nil
}

// StartTravel marks the fulfiller en route and notifies the requester with
// best-effort coordinates.
func (e *Engine) StartTravel(ctx context.Context, jobID, fulfillerID string) (*job.Job, error) {
	defer e.observe("start_travel", time.Now())

	j, err := e.transition(ctx, "start_travel", jobID, fulfillerID, job.StatusOnTheWay, store.Fields{})
	if err != nil {
		return nil, err
	}

	payload := notify.Payload{JobID: jobID, OccurredAt: time.Now().UTC()}
	if e.locator != nil {
		if lat, lng, locErr := e.locator.Position(ctx, fulfillerID); locErr == nil {
			payload.Lat = lat
			payload.Lng = lng
		}
	}
	e.notifier.Send(ctx, j.RequesterID, notify.EventTravelStarted, payload)
	return j, nil
}

// ReportDelay informs the requester of a delay. It is a side channel: the
// status never changes, and the report succeeds whenever the job is in a
// reportable state.
func (e *Engine) ReportDelay(ctx context.Context, jobID, fulfillerID string, minutes int) error {
	defer e.observe("report_delay", time.Now())

	if minutes <= 0 {
		return e.reject("report_delay", errors.NewInvalidInputError("delay minutes must be positive"))
	}

	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return e.reject("report_delay", err)
	}
	if !j.IsFulfiller(fulfillerID) {
		return e.reject("report_delay", errors.NewUnauthorizedError(jobID, fulfillerID))
	}
	if j.Status != job.StatusAccepted && j.Status != job.StatusOnTheWay {
		return e.reject("report_delay", errors.NewInvalidTransitionError(jobID, "report_delay", string(j.Status)))
	}

	e.notifier.Send(ctx, j.RequesterID, notify.EventDelayReported, notify.Payload{
		JobID:        jobID,
		DelayMinutes: minutes,
		OccurredAt:   time.Now().UTC(),
	})
	e.audit.Record(ctx, audit.Entry{
		JobID:      jobID,
		Actor:      fulfillerID,
		Action:     "report_delay",
		FromStatus: string(j.Status),
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// BeginWork marks the job underway. Valid from accepted or on_the_way,
// since some flows skip the travel sub-state.
func (e *Engine) BeginWork(ctx context.Context, jobID, fulfillerID string) (*job.Job, error) {
	defer e.observe("begin_work", time.Now())

	j, err := e.transition(ctx, "begin_work", jobID, fulfillerID, job.StatusInProgress, store.Fields{})
	if err != nil {
		return nil, err
	}

	e.notifier.Send(ctx, j.RequesterID, notify.EventWorkStarted, notify.Payload{
		JobID:      jobID,
		OccurredAt: time.Now().UTC(),
	})
	return j, nil
}

// Complete finishes the job. The payout breakdown becomes the settlement
// record, and the settlement must be recorded before the status flips:
// completion without a payout record is an invariant violation.
func (e *Engine) Complete(ctx context.Context, jobID, fulfillerID string) (*job.Job, payout.Breakdown, error) {
	defer e.observe("complete", time.Now())

	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, payout.Breakdown{}, e.reject("complete", err)
	}
	if !j.IsFulfiller(fulfillerID) {
		return nil, payout.Breakdown{}, e.reject("complete", errors.NewUnauthorizedError(jobID, fulfillerID))
	}
	if j.Status != job.StatusInProgress {
		return nil, payout.Breakdown{}, e.reject("complete",
			errors.NewInvalidTransitionError(jobID, "complete", string(j.Status)))
	}

	breakdown, err := payout.Compute(j.GrossPrice, j.DurationMinutes, j.FeeRate)
	if err != nil {
		return nil, payout.Breakdown{}, e.reject("complete", err)
	}

	now := time.Now().UTC()
	tok := e.mirror.ApplyOptimistic(j, func(u *job.Job) {
		u.Status = job.StatusCompleted
		u.CompletedAt = &now
	})

	// Settle first. The recorder dedupes on job id, so a retry after a
	// timeout cannot double-settle.
	err = e.retry.Do(ctx, "record settlement", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		if err := e.settlements.RecordSettlement(callCtx, jobID, breakdown); err != nil {
			return errors.NewSettlementFailedError(jobID, err)
		}
		return nil
	})
	if err != nil {
		e.mirror.Rollback(tok)
		e.log.Error("settlement failed, job remains in progress", map[string]interface{}{
			"jobId":          jobID,
			"attempted":      "complete",
			"expectedStatus": string(job.StatusInProgress),
			"actualStatus":   string(j.Status),
			"netPayout":      breakdown.NetPayout,
		})
		return nil, payout.Breakdown{}, e.reject("complete", err)
	}

	err = e.conditionalUpdate(ctx, jobID, job.StatusInProgress, job.StatusCompleted, store.Fields{
		CompletedAt: &now,
	})
	if err != nil {
		e.mirror.Rollback(tok)
		if stderrors.Is(err, store.ErrStatusConflict) {
			fresh, readErr := e.getJob(ctx, jobID)
			actual := "unknown"
			if readErr == nil {
				actual = string(fresh.Status)
			}
			return nil, payout.Breakdown{}, e.reject("complete",
				errors.NewInvalidTransitionError(jobID, "complete", actual))
		}
		return nil, payout.Breakdown{}, e.reject("complete", err)
	}
	e.mirror.Confirm(tok)
	e.mirror.Evict(jobID)

	j.Status = job.StatusCompleted
	j.CompletedAt = &now

	e.audit.Record(ctx, audit.TransitionEntry(jobID, fulfillerID, "complete", job.StatusInProgress, job.StatusCompleted))
	e.notifier.Send(ctx, j.RequesterID, notify.EventJobCompleted, notify.Payload{
		JobID:      jobID,
		OccurredAt: now,
	})

	e.applied(ctx, "complete")
	e.log.Info("job completed", map[string]interface{}{
		"jobId":     jobID,
		"netPayout": breakdown.NetPayout,
	})
	return j, breakdown, nil
}

// Cancel aborts a job that is not yet underway. A job in progress or
// completed is never silently cancellable; that path is a dispute/refund
// process outside the engine.
func (e *Engine) Cancel(ctx context.Context, jobID, actingParty, reason string) (*job.Job, error) {
	defer e.observe("cancel", time.Now())

	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	if !j.IsParty(actingParty) {
		return nil, e.reject("cancel", errors.NewUnauthorizedError(jobID, actingParty))
	}
	if !job.CanTransition(j.Status, job.StatusCancelled) {
		return nil, e.reject("cancel", errors.NewInvalidTransitionError(jobID, "cancel", string(j.Status)))
	}

	from := j.Status
	tok := e.mirror.ApplyOptimistic(j, func(u *job.Job) {
		u.Status = job.StatusCancelled
	})

	err = e.conditionalUpdate(ctx, jobID, from, job.StatusCancelled, store.Fields{
		CancelReason: &reason,
		CancelledBy:  &actingParty,
	})
	if err != nil {
		e.mirror.Rollback(tok)
		if stderrors.Is(err, store.ErrStatusConflict) {
			return e.retryCancelOnce(ctx, jobID, actingParty, reason)
		}
		return nil, e.reject("cancel", err)
	}
	e.mirror.Confirm(tok)
	e.mirror.Evict(jobID)

	j.Status = job.StatusCancelled

	e.audit.Record(ctx, audit.CancelEntry(jobID, actingParty, from, reason))
	now := time.Now().UTC()
	payload := notify.Payload{JobID: jobID, Reason: reason, OccurredAt: now}
	e.notifier.Send(ctx, j.RequesterID, notify.EventJobCancelled, payload)
	if j.FulfillerID != "" && j.FulfillerID != actingParty {
		e.notifier.Send(ctx, j.FulfillerID, notify.EventJobCancelled, payload)
	}

	e.applied(ctx, "cancel")
	e.log.Info("job cancelled", map[string]interface{}{
		"jobId":  jobID,
		"by":     actingParty,
		"reason": reason,
	})
	return j, nil
}

// GetJob serves display reads through the cache-backed path and reconciles
// the mirror with what it finds.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	j, err := e.store.GetJobCached(callCtx, jobID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NewJobNotFoundError(jobID)
		}
		return nil, errors.NewCollaboratorUnavailableError("storage", err)
	}
	e.mirror.Reconcile(j)
	return j, nil
}

// ==========================
// Internal Helpers
// ==========================

// transition performs the read-verify-write sequence shared by StartTravel
// and BeginWork. The verify and write collapse into one conditional update;
// a conflict triggers exactly one re-read and retry in case a concurrent
// session moved the job within the allowed source set.
func (e *Engine) transition(ctx context.Context, op, jobID, fulfillerID string, target job.Status, fields store.Fields) (*job.Job, error) {
	for attempt := 0; attempt < 2; attempt++ {
		j, err := e.getJob(ctx, jobID)
		if err != nil {
			return nil, e.reject(op, err)
		}
		if !j.IsFulfiller(fulfillerID) {
			return nil, e.reject(op, errors.NewUnauthorizedError(jobID, fulfillerID))
		}
		if !job.CanTransition(j.Status, target) {
			e.log.Debug("transition not allowed", map[string]interface{}{
				"jobId":       jobID,
				"target":      string(target),
				"from":        string(j.Status),
				"allowedFrom": job.AllowedSources(target),
			})
			return nil, e.reject(op, errors.NewInvalidTransitionError(jobID, op, string(j.Status)))
		}

		from := j.Status
		tok := e.mirror.ApplyOptimistic(j, func(u *job.Job) {
			u.Status = target
		})

		err = e.conditionalUpdate(ctx, jobID, from, target, fields)
		if err == nil {
			e.mirror.Confirm(tok)
			j.Status = target
			e.audit.Record(ctx, audit.TransitionEntry(jobID, fulfillerID, op, from, target))
			e.applied(ctx, op)
			return j, nil
		}

		e.mirror.Rollback(tok)
		if !stderrors.Is(err, store.ErrStatusConflict) {
			return nil, e.reject(op, err)
		}
		// Conflict: loop re-reads and revalidates against the fresh status.
	}
	return nil, e.reject(op, errors.NewInvalidTransitionError(jobID, op, "conflict"))
}

func (e *Engine) retryCancelOnce(ctx context.Context, jobID, actingParty, reason string) (*job.Job, error) {
	j, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	if !job.CanTransition(j.Status, job.StatusCancelled) {
		return nil, e.reject("cancel", errors.NewInvalidTransitionError(jobID, "cancel", string(j.Status)))
	}

	from := j.Status
	err = e.conditionalUpdate(ctx, jobID, from, job.StatusCancelled, store.Fields{
		CancelReason: &reason,
		CancelledBy:  &actingParty,
	})
	if err != nil {
		if stderrors.Is(err, store.ErrStatusConflict) {
			return nil, e.reject("cancel", errors.NewInvalidTransitionError(jobID, "cancel", "conflict"))
		}
		return nil, e.reject("cancel", err)
	}

	j.Status = job.StatusCancelled
	e.mirror.Evict(jobID)
	e.audit.Record(ctx, audit.CancelEntry(jobID, actingParty, from, reason))
	e.applied(ctx, "cancel")
	return j, nil
}

// acceptConflictError classifies a failed accept: claimed by someone else
// versus moved to any other state.
func (e *Engine) acceptConflictError(j *job.Job, fulfillerID string) *errors.StandardError {
	if j.Status == job.StatusAccepted && j.FulfillerID != "" && j.FulfillerID != fulfillerID {
		return errors.NewAlreadyClaimedError(j.ID, j.FulfillerID)
	}
	return errors.NewInvalidTransitionError(j.ID, "accept", string(j.Status))
}

// getJob reads authoritative state, never the cache: money and exclusivity
// decisions re-check the store at call time. Every successful read also
// reconciles the mirror, so stale cached entries self-correct.
func (e *Engine) getJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j *job.Job
	err := e.retry.Do(ctx, "get job", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		got, err := e.store.GetJob(callCtx, jobID)
		if err != nil {
			if stderrors.Is(err, store.ErrNotFound) {
				return errors.NewJobNotFoundError(jobID)
			}
			return errors.NewCollaboratorUnavailableError("storage", err)
		}
		j = got
		return nil
	})
	if err == nil {
		e.mirror.Reconcile(j)
	}
	return j, err
}

func (e *Engine) conditionalUpdate(ctx context.Context, jobID string, expected, target job.Status, fields store.Fields) error {
	return e.retry.Do(ctx, "conditional update", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		err := e.store.ConditionalUpdateStatus(callCtx, jobID, expected, target, fields)
		if err != nil {
			if stderrors.Is(err, store.ErrStatusConflict) {
				return err // business outcome, never retried
			}
			return errors.NewCollaboratorUnavailableError("storage", err)
		}
		return nil
	})
}

func (e *Engine) applied(ctx context.Context, op string) {
	metrics.TransitionsApplied.WithLabelValues(op).Inc()
	if e.obs != nil {
		e.obs.RecordTransition(ctx, op, "applied")
	}
}

func (e *Engine) reject(op string, err error) error {
	metrics.TransitionsRejected.WithLabelValues(op, string(errors.CodeOf(err))).Inc()
	if e.obs != nil {
		e.obs.RecordTransition(context.Background(), op, "rejected")
	}
	return err
}

func (e *Engine) observe(op string, start time.Time) {
	elapsed := time.Since(start)
	metrics.TransitionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if e.obs != nil {
		e.obs.RecordTransitionDuration(context.Background(), elapsed, op)
	}
}
