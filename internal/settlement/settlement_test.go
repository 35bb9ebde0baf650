package settlement

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/payout"
)

func sampleBreakdown() payout.Breakdown {
	return payout.Breakdown{
		Hours:       1.5,
		HourlyRate:  6667,
		PlatformFee: 2000,
		NetPayout:   8000,
	}
}

func TestPostgresRecorder_RecordSettlement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRecorder(db, logger.NewTestLogger(t))

	mock.ExpectExec("INSERT INTO settlements").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordSettlement(context.Background(), "job-1", sampleBreakdown()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_DuplicateIsSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRecorder(db, logger.NewTestLogger(t))

	// A completed retry hits the primary key: treated as already settled.
	mock.ExpectExec("INSERT INTO settlements").
		WillReturnError(&pq.Error{Code: "23505"})

	require.NoError(t, r.RecordSettlement(context.Background(), "job-1", sampleBreakdown()))
}

func TestPostgresRecorder_FailurePropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRecorder(db, logger.NewTestLogger(t))

	mock.ExpectExec("INSERT INTO settlements").
		WillReturnError(fmt.Errorf("connection reset"))

	err = r.RecordSettlement(context.Background(), "job-1", sampleBreakdown())
	assert.Error(t, err)
}
