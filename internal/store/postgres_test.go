package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/job"
	"marketplace-engine/internal/onboarding"
)

// ==========================
// Test Helper Functions
// ==========================

var jobColumnNames = []string{
	"id", "status", "requester_id", "fulfiller_id", "scheduled_at", "duration_minutes",
	"gross_price", "fee_rate", "add_ons", "location_address", "location_lat", "location_lng",
	"created_at", "accepted_at", "completed_at",
}

func jobRow(id string, status job.Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobColumnNames).AddRow(
		id, string(status), "cust-1", "", now, 90,
		int64(10000), 0.20, pq.StringArray{"deep-clean"}, "12 Main St", nil, nil,
		now, nil, nil,
	)
}

func newTestStore(t *testing.T, cached bool) (*PostgresStore, sqlmock.Sqlmock, redismock.ClientMock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cached {
		redisClient, redisMock := redismock.NewClientMock()
		return NewPostgresStore(db, redisClient, 30*time.Second, logger.NewTestLogger(t)), mock, redisMock
	}
	return NewPostgresStore(db, nil, 0, logger.NewTestLogger(t)), mock, nil
}

// ==========================
// Job Read Tests
// ==========================

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", job.StatusPending))

	j, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, int64(10000), j.GrossPrice)
	assert.Equal(t, []string{"deep-clean"}, j.AddOns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := s.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetJobCached_MissThenHit(t *testing.T) {
	s, mock, redisMock := newTestStore(t, true)
	ctx := context.Background()

	// Miss: falls through to postgres, then populates the cache.
	redisMock.ExpectGet("job:job-1").RedisNil()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", job.StatusPending))
	redisMock.Regexp().ExpectSet("job:job-1", `.*"id":"job-1".*`, 30*time.Second).SetVal("OK")

	j, err := s.GetJobCached(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, redisMock.ExpectationsWereMet())
}

// ==========================
// Conditional Update Tests
// ==========================

func TestPostgresStore_ConditionalUpdateStatus_Wins(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	fulfiller := "prov-7"
	acceptedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE jobs SET status = \\$3, fulfiller_id = \\$4, accepted_at = \\$5 WHERE id = \\$1 AND status = \\$2").
		WithArgs("job-1", "pending", "accepted", fulfiller, acceptedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.ConditionalUpdateStatus(context.Background(), "job-1",
		job.StatusPending, job.StatusAccepted,
		Fields{FulfillerID: &fulfiller, AcceptedAt: &acceptedAt})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConditionalUpdateStatus_Conflict(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	// The expected status no longer matches: zero rows update.
	mock.ExpectExec("UPDATE jobs SET status = \\$3 WHERE id = \\$1 AND status = \\$2").
		WithArgs("job-1", "pending", "declined").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ConditionalUpdateStatus(context.Background(), "job-1",
		job.StatusPending, job.StatusDeclined, Fields{})
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestPostgresStore_ConditionalUpdateStatus_InvalidatesCache(t *testing.T) {
	s, mock, redisMock := newTestStore(t, true)

	mock.ExpectExec("UPDATE jobs SET status = \\$3 WHERE id = \\$1 AND status = \\$2").
		WithArgs("job-1", "accepted", "on_the_way").
		WillReturnResult(sqlmock.NewResult(0, 1))
	redisMock.ExpectDel("job:job-1").SetVal(1)

	err := s.ConditionalUpdateStatus(context.Background(), "job-1",
		job.StatusAccepted, job.StatusOnTheWay, Fields{})
	require.NoError(t, err)
	require.NoError(t, redisMock.ExpectationsWereMet())
}

// ==========================
// Insert Tests
// ==========================

func TestPostgresStore_InsertJob(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	now := time.Now().UTC()
	j := &job.Job{
		ID:              "job-9",
		Status:          job.StatusPending,
		RequesterID:     "cust-2",
		ScheduledAt:     now,
		DurationMinutes: 60,
		GrossPrice:      6000,
		FeeRate:         0.20,
		Location:        job.Location{Address: "4 Oak Ave"},
		CreatedAt:       now,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.InsertJob(context.Background(), j))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Onboarding Tests
// ==========================

func TestPostgresStore_GetOnboarding(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"provider_id", "variant", "current_step", "total_steps",
		"complete", "activated", "step_resources", "verified_at", "created_at", "updated_at",
	}).AddRow("prov-1", "standard", 3, 5, false, false, []byte(`{"1":"doc-a"}`), nil, now, now)

	mock.ExpectQuery("SELECT (.+) FROM provider_onboarding WHERE provider_id = \\$1").
		WithArgs("prov-1").
		WillReturnRows(rows)

	st, err := s.GetOnboarding(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Equal(t, map[int]string{1: "doc-a"}, st.StepResources)
}

func TestPostgresStore_GetOnboarding_NotFound(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	mock.ExpectQuery("SELECT (.+) FROM provider_onboarding WHERE provider_id = \\$1").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"provider_id"}))

	_, err := s.GetOnboarding(context.Background(), "ghost")
	assert.ErrorIs(t, err, onboarding.ErrNotFound)
}

func TestPostgresStore_UpsertOnboarding(t *testing.T) {
	s, mock, _ := newTestStore(t, false)

	now := time.Now().UTC()
	st := &onboarding.State{
		ProviderID:    "prov-1",
		Variant:       "standard",
		CurrentStep:   2,
		TotalSteps:    5,
		StepResources: map[int]string{1: "doc-a"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO provider_onboarding").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertOnboarding(context.Background(), st))
	require.NoError(t, mock.ExpectationsWereMet())
}
