// Package mirror is the local optimistic cache of jobs a session is
// viewing. It is an explicit instance passed to callers, reconciled against
// the store, and never authoritative for money or exclusivity decisions.
package mirror

import (
	"sync"

	"marketplace-engine/internal/common/metrics"
	"marketplace-engine/internal/job"
)

// Mirror holds the last known state of a set of jobs. Transitions are
// applied optimistically before the authoritative write confirms; a failed
// write rolls the entry back to the last confirmed snapshot.
type Mirror struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	pending map[uint64]pendingUpdate
	nextTok uint64
}

type pendingUpdate struct {
	jobID    string
	previous *job.Job // nil when the job was not cached before the update
}

// Token identifies one in-flight optimistic update.
type Token struct {
	id uint64
}

func New() *Mirror {
	return &Mirror{
		jobs:    make(map[string]*job.Job),
		pending: make(map[uint64]pendingUpdate),
	}
}

// Get returns a copy of the cached job, if present.
func (m *Mirror) Get(jobID string) (*job.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Put caches a job snapshot as confirmed state.
func (m *Mirror) Put(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
}

// ApplyOptimistic applies mutate to the cached copy of the job and returns
// a token for confirming or rolling back once the authoritative write
// resolves. The job need not be cached yet; mutate receives a clone of the
// provided snapshot.
func (m *Mirror) ApplyOptimistic(snapshot *job.Job, mutate func(*job.Job)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.jobs[snapshot.ID] // nil if absent
	updated := snapshot.Clone()
	mutate(updated)
	m.jobs[snapshot.ID] = updated

	m.nextTok++
	m.pending[m.nextTok] = pendingUpdate{jobID: snapshot.ID, previous: previous}
	return Token{id: m.nextTok}
}

// Confirm discards the rollback snapshot: the optimistic state is now the
// confirmed state.
func (m *Mirror) Confirm(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, tok.id)
}

// Rollback restores the last confirmed snapshot for the token's job.
func (m *Mirror) Rollback(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[tok.id]
	if !ok {
		return
	}
	delete(m.pending, tok.id)

	if p.previous == nil {
		delete(m.jobs, p.jobID)
	} else {
		m.jobs[p.jobID] = p.previous
	}
	metrics.MirrorRollbacks.Inc()
}

// Reconcile overwrites the cached entry with authoritative state. Desync
// is corrected transparently; it is never surfaced as an error.
func (m *Mirror) Reconcile(j *job.Job) {
	m.Put(j)
}

// Evict drops a job from the cache. The engine evicts on terminal
// transitions; a finished job is no longer part of any viewing set.
func (m *Mirror) Evict(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}
