// Package settlement records the authoritative payout for completed jobs.
// Exactly one settlement exists per job; the job id is the idempotency key.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/metrics"
	"marketplace-engine/internal/payout"
)

// pq error code for unique constraint violations.
const uniqueViolation = "23505"

// Recorder is the payment/settlement collaborator contract. Recording must
// succeed before a job may be marked completed.
type Recorder interface {
	RecordSettlement(ctx context.Context, jobID string, b payout.Breakdown) error
}

// PostgresRecorder persists settlements keyed on job id. A duplicate insert
// means a previous attempt already committed; it is reported as success so
// retries after a timeout cannot double-settle.
type PostgresRecorder struct {
	db  *sql.DB
	log logger.Logger
}

func NewPostgresRecorder(db *sql.DB, log logger.Logger) *PostgresRecorder {
	return &PostgresRecorder{
		db:  db,
		log: log.WithFields(map[string]interface{}{"component": "settlement"}),
	}
}

func (r *PostgresRecorder) RecordSettlement(ctx context.Context, jobID string, b payout.Breakdown) error {
	query := `INSERT INTO settlements (job_id, hours, hourly_rate, platform_fee, net_payout, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		jobID, b.Hours, b.HourlyRate, b.PlatformFee, b.NetPayout, time.Now().UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			r.log.Info("settlement already recorded", map[string]interface{}{
				"jobId": jobID,
			})
			return nil
		}
		metrics.SettlementFailures.Inc()
		return fmt.Errorf("record settlement for %s: %w", jobID, err)
	}

	metrics.SettlementsRecorded.Inc()
	r.log.Info("settlement recorded", map[string]interface{}{
		"jobId":       jobID,
		"netPayout":   b.NetPayout,
		"platformFee": b.PlatformFee,
	})
	return nil
}
