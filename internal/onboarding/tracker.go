package onboarding

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/metrics"
	"marketplace-engine/internal/common/retry"
)

// ErrNotFound reports a provider with no onboarding record. Stores must
// return it for absence so the tracker can tell a missing record from a
// storage failure.
var ErrNotFound = stderrors.New("onboarding: record not found")

// Store is the persistence the tracker needs. Upserts keyed on provider id
// must be idempotent.
type Store interface {
	GetOnboarding(ctx context.Context, providerID string) (*State, error)
	UpsertOnboarding(ctx context.Context, s *State) error
}

// Guard deduplicates in-flight step side effects across sessions of the
// same provider. Best-effort: the recorded StepResources entry is the
// durable idempotency record.
type Guard interface {
	// Acquire claims the key for the given window. Returns false when
	// another session currently holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// StepEffect is a side-effecting step completion action (document capture,
// package creation). It returns the id of the resource it created.
type StepEffect func(ctx context.Context) (resourceID string, err error)

// Tracker owns every OnboardingState mutation. States become read-only
// once complete, except for activation.
type Tracker struct {
	store      Store
	guard      Guard
	thresholds map[string]Thresholds
	retry      *retry.Policy
	timeout    time.Duration
	log        logger.Logger
}

type TrackerOptions struct {
	Store      Store
	Guard      Guard
	Thresholds map[string]Thresholds
	Retry      *retry.Policy
	// Timeout bounds each storage collaborator call.
	Timeout time.Duration
	Logger  logger.Logger
}

func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Tracker{
		store:      opts.Store,
		guard:      opts.Guard,
		thresholds: opts.Thresholds,
		retry:      opts.Retry,
		timeout:    opts.Timeout,
		log:        opts.Logger.WithFields(map[string]interface{}{"component": "onboarding"}),
	}
}

// Register creates the onboarding record at first provider signup.
// Re-registering an existing provider returns the existing state unchanged.
func (t *Tracker) Register(ctx context.Context, providerID, variant string) (*State, error) {
	th, ok := t.thresholds[variant]
	if !ok {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("unknown onboarding variant: %s", variant))
	}

	// Only a confirmed absence creates a fresh record. A storage failure
	// here must not be mistaken for "no record": the upsert would reset a
	// mid-onboarding provider to step 1 and discard recorded resources.
	existing, err := t.getState(ctx, providerID)
	if err == nil {
		return existing, nil
	}
	if !errors.IsCode(err, errors.ErrCodeOnboardingNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	s := &State{
		ProviderID:    providerID,
		Variant:       variant,
		CurrentStep:   1,
		TotalSteps:    th.TotalSteps,
		StepResources: map[int]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Advance moves the provider forward to toStep, clamped to the variant's
// step range. Advance never decreases the current step; a stale or
// replayed call is a no-op.
func (t *Tracker) Advance(ctx context.Context, providerID string, toStep int) (*State, error) {
	s, th, err := t.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if s.Complete {
		return nil, errors.NewOnboardingCompleteError(providerID)
	}

	toStep = th.Clamp(toStep)
	if toStep <= s.CurrentStep {
		return s, nil
	}

	s.CurrentStep = toStep
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Rewind moves the provider back to toStep for explicit "go back" actions.
// Rewind never increases the current step.
func (t *Tracker) Rewind(ctx context.Context, providerID string, toStep int) (*State, error) {
	s, th, err := t.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if s.Complete {
		return nil, errors.NewOnboardingCompleteError(providerID)
	}

	toStep = th.Clamp(toStep)
	if toStep >= s.CurrentStep {
		return s, nil
	}

	s.CurrentStep = toStep
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// CompleteStep runs the step's side effect and records the created
// resource. Re-invoking a step that already recorded its resource returns
// the recorded id without running the effect again, so retries after a
// crash or timeout never duplicate resources. On effect failure the
// tracker stays at the failed step.
func (t *Tracker) CompleteStep(ctx context.Context, providerID string, step int, effect StepEffect) (string, error) {
	s, th, err := t.load(ctx, providerID)
	if err != nil {
		return "", err
	}
	if s.Complete {
		return "", errors.NewOnboardingCompleteError(providerID)
	}
	if step < 1 || step > th.TotalSteps {
		return "", errors.NewInvalidInputError(fmt.Sprintf("step %d out of range [1, %d]", step, th.TotalSteps))
	}

	if id, done := s.StepResources[step]; done {
		t.log.Debug("step effect already recorded, skipping", map[string]interface{}{
			"providerId": providerID,
			"step":       step,
			"resourceId": id,
		})
		return id, nil
	}

	guardKey := fmt.Sprintf("onboarding:effect:%s:%d", providerID, step)
	acquired, err := t.guard.Acquire(ctx, guardKey, 30*time.Second)
	if err != nil {
		return "", errors.NewCollaboratorUnavailableError("idempotency guard", err)
	}
	if !acquired {
		return "", errors.NewStepEffectFailedError(providerID, step,
			fmt.Errorf("step effect already in flight for another session"))
	}
	defer t.guard.Release(ctx, guardKey)

	resourceID, err := effect(ctx)
	if err != nil {
		return "", errors.NewStepEffectFailedError(providerID, step, err)
	}

	s.StepResources[step] = resourceID
	if step >= s.CurrentStep && step < th.TotalSteps {
		s.CurrentStep = step + 1
	} else if step >= s.CurrentStep {
		s.CurrentStep = th.TotalSteps
	}
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return "", err
	}

	metrics.OnboardingStepsCompleted.WithLabelValues(s.Variant).Inc()
	return resourceID, nil
}

// Finish records completion. It requires the provider to be at the final
// step with the final step's side effect recorded; reaching the last step's
// data alone is not completion.
func (t *Tracker) Finish(ctx context.Context, providerID string) (*State, error) {
	s, th, err := t.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if s.Complete {
		return s, nil
	}
	if s.CurrentStep < th.TotalSteps {
		return nil, errors.NewInvalidInputError(fmt.Sprintf(
			"cannot finish at step %d of %d", s.CurrentStep, th.TotalSteps))
	}
	if _, done := s.StepResources[th.TotalSteps]; !done {
		return nil, errors.NewInvalidInputError(fmt.Sprintf(
			"final step %d side effect not recorded", th.TotalSteps))
	}

	s.Complete = true
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}

	t.log.Info("onboarding complete", map[string]interface{}{
		"providerId": providerID,
		"variant":    s.Variant,
	})
	return s, nil
}

// Verify records that the provider passed identity verification. Verifying
// an already verified profile keeps the original verification time.
func (t *Tracker) Verify(ctx context.Context, providerID string, at time.Time) (*State, error) {
	s, _, err := t.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if s.Verification().IsVerified() {
		return s, nil
	}

	at = at.UTC()
	s.VerifiedAt = &at
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Activate flips a finished profile live, making it offer-eligible.
func (t *Tracker) Activate(ctx context.Context, providerID string) (*State, error) {
	s, _, err := t.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !s.Complete {
		return nil, errors.NewInvalidInputError(fmt.Sprintf(
			"provider %s has not completed onboarding", providerID))
	}
	if s.Activated {
		return s, nil
	}

	s.Activated = true
	s.UpdatedAt = time.Now().UTC()
	if err := t.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Stage returns the derived capability tier for the state.
func (t *Tracker) Stage(s *State) Stage {
	th, ok := t.thresholds[s.Variant]
	if !ok {
		return StageApplicant
	}
	return th.StageFor(s.CurrentStep, s.Activated)
}

// Eligible reports whether the provider may receive job offers.
func (t *Tracker) Eligible(s *State) bool {
	return s.Complete && s.Activated
}

// State returns the provider's current onboarding state.
func (t *Tracker) State(ctx context.Context, providerID string) (*State, error) {
	s, _, err := t.load(ctx, providerID)
	return s, err
}

func (t *Tracker) load(ctx context.Context, providerID string) (*State, Thresholds, error) {
	s, err := t.getState(ctx, providerID)
	if err != nil {
		return nil, Thresholds{}, err
	}
	th, ok := t.thresholds[s.Variant]
	if !ok {
		return nil, Thresholds{}, errors.NewInvalidInputError(fmt.Sprintf("unknown onboarding variant: %s", s.Variant))
	}
	if s.StepResources == nil {
		s.StepResources = map[int]string{}
	}
	return s, th, nil
}

// getState reads through the shared retry policy with a bounded per-call
// timeout. Absence maps to OnboardingNotFound; anything else is a storage
// failure the caller may retry.
func (t *Tracker) getState(ctx context.Context, providerID string) (*State, error) {
	var s *State
	err := t.retry.Do(ctx, "get onboarding", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		got, err := t.store.GetOnboarding(callCtx, providerID)
		if err != nil {
			if stderrors.Is(err, ErrNotFound) {
				return errors.NewOnboardingNotFoundError(providerID)
			}
			return errors.NewCollaboratorUnavailableError("storage", err)
		}
		s = got
		return nil
	})
	return s, err
}

// persist writes the state through the retry policy. The upsert is keyed
// on provider id and idempotent, so a retry after a timeout cannot
// duplicate or corrupt the record.
func (t *Tracker) persist(ctx context.Context, s *State) error {
	return t.retry.Do(ctx, "upsert onboarding", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		if err := t.store.UpsertOnboarding(callCtx, s); err != nil {
			return errors.NewCollaboratorUnavailableError("storage", err)
		}
		return nil
	})
}
