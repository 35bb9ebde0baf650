// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/job"
	"marketplace-engine/internal/onboarding"
)

// PostgresStore is the authoritative job and onboarding store. A Redis
// client, when present, backs a short-TTL read cache for display reads;
// the cache is invalidated on every write and never consulted by the
// conditional update path.
type PostgresStore struct {
	db       *sql.DB
	redis    *redis.Client
	cacheTTL time.Duration
	log      logger.Logger
}

func NewPostgresStore(db *sql.DB, redisClient *redis.Client, cacheTTL time.Duration, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		redis:    redisClient,
		cacheTTL: cacheTTL,
		log:      log.WithFields(map[string]interface{}{"component": "store"}),
	}
}

const jobColumns = `id, status, requester_id, fulfiller_id, scheduled_at, duration_minutes,
	gross_price, fee_rate, add_ons, location_address, location_lat, location_lng,
	created_at, accepted_at, completed_at`

// GetJob reads the authoritative row, bypassing the cache.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanJob(row)
}

// GetJobCached serves display reads through the read cache when available.
func (s *PostgresStore) GetJobCached(ctx context.Context, id string) (*job.Job, error) {
	if s.redis != nil {
		if val, err := s.redis.Get(ctx, jobCacheKey(id)).Result(); err == nil {
			var j job.Job
			if err := json.Unmarshal([]byte(val), &j); err == nil {
				return &j, nil
			}
		}
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(j); err == nil {
			s.redis.Set(ctx, jobCacheKey(id), string(data), s.cacheTTL)
		}
	}
	return j, nil
}

// ConditionalUpdateStatus performs the compare-and-set transition write.
// The status check and the update are one statement, so concurrent callers
// racing on the same row see exactly one winner.
func (s *PostgresStore) ConditionalUpdateStatus(ctx context.Context, id string, expected, newStatus job.Status, fields Fields) error {
	set := []string{"status = $3"}
	args := []interface{}{id, string(expected), string(newStatus)}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.FulfillerID != nil {
		add("fulfiller_id", *fields.FulfillerID)
	}
	if fields.AcceptedAt != nil {
		add("accepted_at", *fields.AcceptedAt)
	}
	if fields.CompletedAt != nil {
		add("completed_at", *fields.CompletedAt)
	}
	if fields.CancelReason != nil {
		add("cancel_reason", *fields.CancelReason)
	}
	if fields.CancelledBy != nil {
		add("cancelled_by", *fields.CancelledBy)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1 AND status = $2", strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}

	s.invalidateJob(ctx, id)
	return nil
}

// InsertJob creates a new booking row.
func (s *PostgresStore) InsertJob(ctx context.Context, j *job.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		j.ID, string(j.Status), j.RequesterID, j.FulfillerID,
		j.ScheduledAt, j.DurationMinutes, j.GrossPrice, j.FeeRate,
		pq.Array(j.AddOns), j.Location.Address, j.Location.Lat, j.Location.Lng,
		j.CreatedAt, j.AcceptedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	s.invalidateJob(ctx, j.ID)
	return nil
}

// GetOnboarding reads a provider's onboarding record.
func (s *PostgresStore) GetOnboarding(ctx context.Context, providerID string) (*onboarding.State, error) {
	query := `SELECT provider_id, variant, current_step, total_steps, complete, activated,
		step_resources, verified_at, created_at, updated_at
		FROM provider_onboarding WHERE provider_id = $1`

	var (
		st            onboarding.State
		resourcesJSON []byte
		verifiedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, providerID).Scan(
		&st.ProviderID, &st.Variant, &st.CurrentStep, &st.TotalSteps,
		&st.Complete, &st.Activated, &resourcesJSON, &verifiedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, onboarding.ErrNotFound
		}
		return nil, fmt.Errorf("get onboarding: %w", err)
	}

	if len(resourcesJSON) > 0 {
		if err := json.Unmarshal(resourcesJSON, &st.StepResources); err != nil {
			return nil, fmt.Errorf("decode step resources: %w", err)
		}
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		st.VerifiedAt = &t
	}
	return &st, nil
}

// UpsertOnboarding writes the state keyed on provider id. Repeated writes
// of the same state are idempotent.
func (s *PostgresStore) UpsertOnboarding(ctx context.Context, st *onboarding.State) error {
	resourcesJSON, err := json.Marshal(st.StepResources)
	if err != nil {
		return fmt.Errorf("encode step resources: %w", err)
	}

	query := `INSERT INTO provider_onboarding
		(provider_id, variant, current_step, total_steps, complete, activated, step_resources, verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			complete = EXCLUDED.complete,
			activated = EXCLUDED.activated,
			step_resources = EXCLUDED.step_resources,
			verified_at = EXCLUDED.verified_at,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		st.ProviderID, st.Variant, st.CurrentStep, st.TotalSteps,
		st.Complete, st.Activated, resourcesJSON, st.VerifiedAt, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert onboarding: %w", err)
	}
	return nil
}

func (s *PostgresStore) invalidateJob(ctx context.Context, id string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, jobCacheKey(id)).Err(); err != nil {
		s.log.Warn("job cache invalidation failed", map[string]interface{}{
			"jobId": id,
			"error": err.Error(),
		})
	}
}

func jobCacheKey(id string) string {
	return "job:" + id
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		status      string
		addOns      pq.StringArray
		acceptedAt  sql.NullTime
		completedAt sql.NullTime
		lat, lng    sql.NullFloat64
	)
	err := row.Scan(
		&j.ID, &status, &j.RequesterID, &j.FulfillerID,
		&j.ScheduledAt, &j.DurationMinutes, &j.GrossPrice, &j.FeeRate,
		&addOns, &j.Location.Address, &lat, &lng,
		&j.CreatedAt, &acceptedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Status = job.Status(status)
	j.AddOns = []string(addOns)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		j.AcceptedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if lat.Valid {
		v := lat.Float64
		j.Location.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		j.Location.Lng = &v
	}
	return &j, nil
}
