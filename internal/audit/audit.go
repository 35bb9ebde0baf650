// Package audit writes best-effort lifecycle audit entries. Entries record
// who attempted what transition and back manual reconciliation; indexing
// failures are logged and never affect the transition.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/job"
)

// Entry is one audit document.
type Entry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// ElasticsearchSink indexes entries into a single audit index.
type ElasticsearchSink struct {
	client *elasticsearch.Client
	index  string
	log    logger.Logger
}

func NewElasticsearchSink(client *elasticsearch.Client, index string, log logger.Logger) *ElasticsearchSink {
	return &ElasticsearchSink{
		client: client,
		index:  index,
		log:    log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

func (s *ElasticsearchSink) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("audit entry encode failed", map[string]interface{}{
			"jobId": e.JobID,
			"error": err.Error(),
		})
		return
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(e.ID),
	)
	if err != nil {
		s.log.Warn("audit entry index failed", map[string]interface{}{
			"jobId": e.JobID,
			"error": err.Error(),
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		s.log.Warn("audit entry index rejected", map[string]interface{}{
			"jobId":  e.JobID,
			"status": res.Status(),
		})
	}
}

// Noop discards audit entries.
type Noop struct{}

func (Noop) Record(ctx context.Context, e Entry) {}

// TransitionEntry builds the audit entry for a status transition.
func TransitionEntry(jobID, actor, action string, from, to job.Status) Entry {
	return Entry{
		JobID:      jobID,
		Actor:      actor,
		Action:     action,
		FromStatus: string(from),
		ToStatus:   string(to),
		OccurredAt: time.Now().UTC(),
	}
}

// DeclineEntry builds the audit entry for a decline, which does not mutate
// the shared job row.
func DeclineEntry(jobID, fulfillerID string) Entry {
	return Entry{
		JobID:      jobID,
		Actor:      fulfillerID,
		Action:     "decline",
		FromStatus: string(job.StatusPending),
		OccurredAt: time.Now().UTC(),
	}
}

// CancelEntry builds the audit entry for a cancellation with its reason.
func CancelEntry(jobID, actor string, from job.Status, reason string) Entry {
	return Entry{
		JobID:      jobID,
		Actor:      actor,
		Action:     "cancel",
		FromStatus: string(from),
		ToStatus:   string(job.StatusCancelled),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}
