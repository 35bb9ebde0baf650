// Package notify delivers lifecycle event notifications. Delivery is
// best-effort: a failed or slow notification never blocks or rolls back a
// transition.
package notify

import (
	"context"
	"time"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/metrics"
)

// EventType identifies a lifecycle milestone worth telling a party about.
type EventType string

const (
	EventJobAccepted   EventType = "job_accepted"
	EventTravelStarted EventType = "travel_started"
	EventDelayReported EventType = "delay_reported"
	EventWorkStarted   EventType = "work_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobCancelled  EventType = "job_cancelled"
)

// Payload carries event context. Coordinates come from the geolocation
// collaborator and are optional best-effort input.
type Payload struct {
	JobID        string    `json:"jobId"`
	DelayMinutes int       `json:"delayMinutes,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Lat          *float64  `json:"lat,omitempty"`
	Lng          *float64  `json:"lng,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Notifier delivers one notification to one party.
type Notifier interface {
	Notify(ctx context.Context, partyID string, event EventType, payload Payload) error
}

// BestEffort wraps a Notifier so that every call is bounded by timeout and
// failures are logged instead of returned. This is what the engine holds:
// at most one attempt per transition, never a propagated error.
type BestEffort struct {
	inner   Notifier
	timeout time.Duration
	log     logger.Logger
}

func NewBestEffort(inner Notifier, timeout time.Duration, log logger.Logger) *BestEffort {
	return &BestEffort{
		inner:   inner,
		timeout: timeout,
		log:     log.WithFields(map[string]interface{}{"component": "notify"}),
	}
}

// Send fires the notification and swallows any failure.
func (b *BestEffort) Send(ctx context.Context, partyID string, event EventType, payload Payload) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.inner.Notify(ctx, partyID, event, payload); err != nil {
		metrics.NotificationsSent.WithLabelValues("all", "failure").Inc()
		b.log.Warn("notification delivery failed", map[string]interface{}{
			"partyId": partyID,
			"event":   string(event),
			"jobId":   payload.JobID,
			"error":   err.Error(),
		})
		return
	}
	metrics.NotificationsSent.WithLabelValues("all", "success").Inc()
}

// Multi fans one notification out to several channels. It returns the last
// channel error, if any; callers wrapping it in BestEffort only log it.
type Multi struct {
	channels []Notifier
}

func NewMulti(channels ...Notifier) *Multi {
	return &Multi{channels: channels}
}

func (m *Multi) Notify(ctx context.Context, partyID string, event EventType, payload Payload) error {
	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, partyID, event, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Noop discards all notifications. Used in tests and when no channel is
// configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, partyID string, event EventType, payload Payload) error {
	return nil
}
