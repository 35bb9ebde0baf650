// internal/engine/engine_test.go
package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-engine/internal/audit"
	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/retry"
	"marketplace-engine/internal/job"
	"marketplace-engine/internal/mirror"
	"marketplace-engine/internal/notify"
	"marketplace-engine/internal/payout"
	"marketplace-engine/internal/settlement"
	"marketplace-engine/internal/store"
)

// ==========================
// Test Doubles
// ==========================

// memStore is an in-memory JobStore with the same compare-and-set contract
// as the Postgres implementation.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job

	failGet    error
	failUpdate error
}

func newMemStore(jobs ...*job.Job) *memStore {
	s := &memStore{jobs: make(map[string]*job.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return s
}

func (s *memStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memStore) GetJobCached(ctx context.Context, id string) (*job.Job, error) {
	return s.GetJob(ctx, id)
}

func (s *memStore) ConditionalUpdateStatus(ctx context.Context, id string, expected, newStatus job.Status, fields store.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		return s.failUpdate
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != expected {
		return store.ErrStatusConflict
	}
	j.Status = newStatus
	if fields.FulfillerID != nil {
		j.FulfillerID = *fields.FulfillerID
	}
	if fields.AcceptedAt != nil {
		j.AcceptedAt = fields.AcceptedAt
	}
	if fields.CompletedAt != nil {
		j.CompletedAt = fields.CompletedAt
	}
	return nil
}

func (s *memStore) InsertJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *memStore) status(id string) job.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

// memRecorder counts settlement records and dedupes on job id like the
// Postgres recorder does.
type memRecorder struct {
	mu       sync.Mutex
	records  map[string]payout.Breakdown
	attempts int
	fail     error
}

func newMemRecorder() *memRecorder {
	return &memRecorder{records: make(map[string]payout.Breakdown)}
}

func (r *memRecorder) RecordSettlement(ctx context.Context, jobID string, b payout.Breakdown) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.fail != nil {
		return r.fail
	}
	if _, ok := r.records[jobID]; ok {
		return nil
	}
	r.records[jobID] = b
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// memSink collects audit entries.
type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Record(ctx context.Context, e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *memSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

// memNotifier collects delivered events.
type memNotifier struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (n *memNotifier) Notify(ctx context.Context, partyID string, event notify.EventType, payload notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *memNotifier) sent() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.EventType(nil), n.events...)
}

type fixedLocator struct {
	lat, lng float64
}

func (l fixedLocator) Position(ctx context.Context, partyID string) (*float64, *float64, error) {
	return &l.lat, &l.lng, nil
}

// ==========================
// Fixtures
// ==========================

type testRig struct {
	engine   *Engine
	store    *memStore
	recorder *memRecorder
	sink     *memSink
	notified *memNotifier
	mirror   *mirror.Mirror
}

func newTestRig(t *testing.T, jobs ...*job.Job) *testRig {
	t.Helper()

	log := logger.NewTestLogger(t)
	st := newMemStore(jobs...)
	rec := newMemRecorder()
	sink := &memSink{}
	notified := &memNotifier{}
	mir := mirror.New()

	eng := New(Options{
		Store:       st,
		Mirror:      mir,
		Notifier:    notify.NewBestEffort(notified, time.Second, log),
		Settlements: rec,
		Audit:       sink,
		Locator:     fixedLocator{lat: 48.8566, lng: 2.3522},
		Retry:       retry.NewPolicy(2, time.Millisecond, log),
		Timeout:     time.Second,
		Logger:      log,
	})

	return &testRig{engine: eng, store: st, recorder: rec, sink: sink, notified: notified, mirror: mir}
}

func testJob(id string, status job.Status) *job.Job {
	j := &job.Job{
		ID:              id,
		Status:          status,
		RequesterID:     "requester-1",
		GrossPrice:      10000,
		FeeRate:         0.20,
		DurationMinutes: 90,
		ScheduledAt:     time.Now().Add(24 * time.Hour).UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	if status != job.StatusPending {
		j.FulfillerID = "fulfiller-1"
	}
	return j
}

// ==========================
// Accept
// ==========================

func TestAccept_Success(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))

	got, err := rig.engine.Accept(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusAccepted, got.Status)
	assert.Equal(t, "fulfiller-1", got.FulfillerID)
	require.NotNil(t, got.AcceptedAt)
	assert.Equal(t, job.StatusAccepted, rig.store.status("job-1"))
	assert.Equal(t, []notify.EventType{notify.EventJobAccepted}, rig.notified.sent())

	cached, ok := rig.mirror.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusAccepted, cached.Status)
}

func TestAccept_AlreadyClaimedByOther(t *testing.T) {
	j := testJob("job-1", job.StatusAccepted)
	j.FulfillerID = "fulfiller-other"
	rig := newTestRig(t, j)

	_, err := rig.engine.Accept(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyClaimed))
}

func TestAccept_InvalidFromTerminal(t *testing.T) {
	for _, status := range []job.Status{job.StatusCompleted, job.StatusCancelled, job.StatusDeclined} {
		t.Run(string(status), func(t *testing.T) {
			rig := newTestRig(t, testJob("job-1", status))

			_, err := rig.engine.Accept(context.Background(), "job-1", "fulfiller-2")
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
		})
	}
}

func TestAccept_NotFound(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.engine.Accept(context.Background(), "missing", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeJobNotFound))
}

// TestAccept_ConcurrentRace drives many simultaneous acceptors at one
// pending job: exactly one wins, everyone else gets ALREADY_CLAIMED.
func TestAccept_ConcurrentRace(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))

	const contenders = 8
	var wg sync.WaitGroup
	results := make([]error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = rig.engine.Accept(context.Background(), "job-1", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	var wins, claimed int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.IsCode(err, errors.ErrCodeAlreadyClaimed):
			claimed++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, contenders-1, claimed)
	assert.Equal(t, job.StatusAccepted, rig.store.status("job-1"))
}

// ==========================
// Decline
// ==========================

func TestDecline_LeavesJobPending(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))

	err := rig.engine.Decline(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusPending, rig.store.status("job-1"))
	assert.Equal(t, []string{"decline"}, rig.sink.actions())
	assert.Empty(t, rig.notified.sent())
}

func TestDecline_NonPendingRejected(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	err := rig.engine.Decline(context.Background(), "job-1", "fulfiller-2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
}

// ==========================
// StartTravel / ReportDelay / BeginWork
// ==========================

func TestStartTravel_Success(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	got, err := rig.engine.StartTravel(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusOnTheWay, got.Status)
	assert.Equal(t, []notify.EventType{notify.EventTravelStarted}, rig.notified.sent())
}

func TestStartTravel_WrongFulfiller(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	_, err := rig.engine.StartTravel(context.Background(), "job-1", "fulfiller-2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
	assert.Equal(t, job.StatusAccepted, rig.store.status("job-1"))
}

func TestReportDelay_NoStatusChange(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusOnTheWay))

	err := rig.engine.ReportDelay(context.Background(), "job-1", "fulfiller-1", 15)
	require.NoError(t, err)

	assert.Equal(t, job.StatusOnTheWay, rig.store.status("job-1"))
	assert.Equal(t, []notify.EventType{notify.EventDelayReported}, rig.notified.sent())
}

func TestReportDelay_InvalidMinutes(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusOnTheWay))

	err := rig.engine.ReportDelay(context.Background(), "job-1", "fulfiller-1", 0)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestBeginWork_FromAccepted(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	got, err := rig.engine.BeginWork(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, got.Status)
}

func TestBeginWork_FromOnTheWay(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusOnTheWay))

	got, err := rig.engine.BeginWork(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, got.Status)
}

func TestBeginWork_FromPendingRejected(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))

	_, err := rig.engine.BeginWork(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

// ==========================
// Complete
// ==========================

func TestComplete_RecordsSettlementThenFlips(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))

	got, breakdown, err := rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// 10000 gross, 1.5h, 20% fee.
	assert.InDelta(t, 1.5, breakdown.Hours, 1e-9)
	assert.Equal(t, int64(2000), breakdown.PlatformFee)
	assert.Equal(t, int64(8000), breakdown.NetPayout)
	assert.Equal(t, breakdown.NetPayout+breakdown.PlatformFee, int64(10000))

	assert.Equal(t, 1, rig.recorder.count())
	assert.Equal(t, []notify.EventType{notify.EventJobCompleted}, rig.notified.sent())
}

func TestComplete_SettlementFailureLeavesInProgress(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))
	rig.recorder.fail = stderrors.New("payment collaborator down")

	_, _, err := rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSettlementFailed))

	assert.Equal(t, job.StatusInProgress, rig.store.status("job-1"))
	assert.Equal(t, 0, rig.recorder.count())
	assert.Empty(t, rig.notified.sent())

	// Recovery: the collaborator comes back, the same call succeeds.
	rig.recorder.fail = nil
	got, _, err := rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, rig.recorder.count())
}

func TestComplete_SettlementFailureIsRetried(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))
	rig.recorder.fail = stderrors.New("transient")

	_, _, err := rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	// Policy allows 2 attempts; both hit the failing recorder.
	assert.Equal(t, 2, rig.recorder.attempts)
}

func TestComplete_DoubleCompleteSettlesOnce(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))

	_, _, err := rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.NoError(t, err)

	_, _, err = rig.engine.Complete(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
	assert.Equal(t, 1, rig.recorder.count())
}

func TestComplete_RequesterCannotComplete(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))

	_, _, err := rig.engine.Complete(context.Background(), "job-1", "requester-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
	assert.Equal(t, 0, rig.recorder.count())
}

// ==========================
// Cancel
// ==========================

func TestCancel_AllowedStates(t *testing.T) {
	for _, status := range []job.Status{job.StatusPending, job.StatusAccepted, job.StatusOnTheWay} {
		t.Run(string(status), func(t *testing.T) {
			rig := newTestRig(t, testJob("job-1", status))

			got, err := rig.engine.Cancel(context.Background(), "job-1", "requester-1", "plans changed")
			require.NoError(t, err)
			assert.Equal(t, job.StatusCancelled, got.Status)
			assert.Equal(t, job.StatusCancelled, rig.store.status("job-1"))
		})
	}
}

func TestCancel_NeverFromInProgressOrCompleted(t *testing.T) {
	for _, status := range []job.Status{job.StatusInProgress, job.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			rig := newTestRig(t, testJob("job-1", status))

			_, err := rig.engine.Cancel(context.Background(), "job-1", "requester-1", "too late")
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
			assert.Equal(t, status, rig.store.status("job-1"))
		})
	}
}

func TestCancel_StrangerUnauthorized(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	_, err := rig.engine.Cancel(context.Background(), "job-1", "someone-else", "nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestCancel_NotifiesBothParties(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusAccepted))

	_, err := rig.engine.Cancel(context.Background(), "job-1", "requester-1", "plans changed")
	require.NoError(t, err)
	assert.Equal(t, []notify.EventType{notify.EventJobCancelled, notify.EventJobCancelled}, rig.notified.sent())
}

// ==========================
// Mirror Behavior
// ==========================

func TestMirror_RolledBackOnConflict(t *testing.T) {
	j := testJob("job-1", job.StatusAccepted)
	j.FulfillerID = "fulfiller-other"
	rig := newTestRig(t, j)
	rig.mirror.Put(testJob("job-1", job.StatusPending))

	// The stale mirror says pending, but the store says accepted by
	// another fulfiller. The failed accept must leave the mirror agreeing
	// with the store, not with the optimistic write.
	_, err := rig.engine.Accept(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)

	cached, ok := rig.mirror.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusAccepted, cached.Status)
}

func TestMirror_EvictedOnTerminalTransition(t *testing.T) {
	ctx := context.Background()

	rig := newTestRig(t, testJob("job-1", job.StatusInProgress))
	_, _, err := rig.engine.Complete(ctx, "job-1", "fulfiller-1")
	require.NoError(t, err)
	_, ok := rig.mirror.Get("job-1")
	assert.False(t, ok, "completed job should leave the viewing set")

	rig = newTestRig(t, testJob("job-2", job.StatusAccepted))
	_, err = rig.engine.Cancel(ctx, "job-2", "requester-1", "plans changed")
	require.NoError(t, err)
	_, ok = rig.mirror.Get("job-2")
	assert.False(t, ok, "cancelled job should leave the viewing set")
}

func TestMirror_StoreFailureRollsBack(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))
	rig.mirror.Put(testJob("job-1", job.StatusPending))
	rig.store.failUpdate = stderrors.New("connection refused")

	_, err := rig.engine.Accept(context.Background(), "job-1", "fulfiller-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCollaboratorUnavailable))

	cached, ok := rig.mirror.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusPending, cached.Status)
}

// ==========================
// Full Lifecycle
// ==========================

func TestLifecycle_HappyPath(t *testing.T) {
	rig := newTestRig(t, testJob("job-1", job.StatusPending))
	ctx := context.Background()

	_, err := rig.engine.Accept(ctx, "job-1", "fulfiller-1")
	require.NoError(t, err)

	_, err = rig.engine.StartTravel(ctx, "job-1", "fulfiller-1")
	require.NoError(t, err)

	require.NoError(t, rig.engine.ReportDelay(ctx, "job-1", "fulfiller-1", 10))

	_, err = rig.engine.BeginWork(ctx, "job-1", "fulfiller-1")
	require.NoError(t, err)

	got, breakdown, err := rig.engine.Complete(ctx, "job-1", "fulfiller-1")
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, int64(8000), breakdown.NetPayout)
	assert.Equal(t, 1, rig.recorder.count())
	assert.Equal(t, []notify.EventType{
		notify.EventJobAccepted,
		notify.EventTravelStarted,
		notify.EventDelayReported,
		notify.EventWorkStarted,
		notify.EventJobCompleted,
	}, rig.notified.sent())
}

var _ settlement.Recorder = (*memRecorder)(nil)
var _ store.JobStore = (*memStore)(nil)
var _ audit.Sink = (*memSink)(nil)
