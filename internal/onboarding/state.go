// Package onboarding tracks a provider's progressive profile completion and
// gates which capabilities the profile has unlocked.
package onboarding

import "time"

// Stage is the coarse capability tier derived from step progress. It is
// always recomputed from the current step; storage may cache it for query
// convenience but the cache is never the source of truth.
type Stage string

const (
	StageApplicant      Stage = "APPLICANT"
	StageServiceDefined Stage = "SERVICE_DEFINED"
	StageStaging        Stage = "STAGING"
	StageLive           Stage = "LIVE"
)

// Thresholds places the stage boundaries for one onboarding variant. The
// source flows ship several variants with different step counts, so these
// are configuration, not constants.
type Thresholds struct {
	TotalSteps         int
	ServiceDefinedStep int
	LiveStep           int
}

// StageFor derives the stage from a step position. A profile that reached
// the live threshold is STAGING until it is explicitly activated.
func (t Thresholds) StageFor(step int, activated bool) Stage {
	if activated {
		return StageLive
	}
	switch {
	case step >= t.LiveStep:
		return StageStaging
	case step >= t.ServiceDefinedStep:
		return StageServiceDefined
	default:
		return StageApplicant
	}
}

// Clamp bounds a step to [1, TotalSteps].
func (t Thresholds) Clamp(step int) int {
	if step < 1 {
		return 1
	}
	if step > t.TotalSteps {
		return t.TotalSteps
	}
	return step
}

// Verification is a provider profile's verification state, expressed as a
// tagged variant rather than a dynamic field probe.
type Verification struct {
	verified bool
	since    time.Time
}

// Unverified is the zero verification state.
func Unverified() Verification {
	return Verification{}
}

// VerifiedSince marks a profile verified at the given time.
func VerifiedSince(since time.Time) Verification {
	return Verification{verified: true, since: since}
}

// IsVerified reports whether the profile passed verification.
func (v Verification) IsVerified() bool {
	return v.verified
}

// Since returns the verification time and whether it is set.
func (v Verification) Since() (time.Time, bool) {
	if !v.verified {
		return time.Time{}, false
	}
	return v.since, true
}

// State is one provider's onboarding progress. StepResources records the
// ids of resources created by side-effecting steps, which makes retried
// step completions idempotent.
type State struct {
	ProviderID    string         `json:"providerId"`
	Variant       string         `json:"variant"`
	CurrentStep   int            `json:"currentStep"`
	TotalSteps    int            `json:"totalSteps"`
	Complete      bool           `json:"complete"`
	Activated     bool           `json:"activated"`
	StepResources map[int]string `json:"stepResources,omitempty"`
	VerifiedAt    *time.Time     `json:"verifiedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Verification returns the profile's verification state as a tagged variant.
func (s *State) Verification() Verification {
	if s.VerifiedAt == nil {
		return Unverified()
	}
	return VerifiedSince(*s.VerifiedAt)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	cp := *s
	if s.StepResources != nil {
		cp.StepResources = make(map[int]string, len(s.StepResources))
		for k, v := range s.StepResources {
			cp.StepResources[k] = v
		}
	}
	if s.VerifiedAt != nil {
		t := *s.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}
