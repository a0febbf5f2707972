// Package queue provides the training job queue: an in-memory broker that
// is authoritative for in-flight work, a durable mirror that is
// authoritative for everything that ever happened, and the worker runtime
// that drains the queue.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
)

// ErrQueueFull means the broker cannot accept more queued work.
var ErrQueueFull = errors.New("job queue is full")

// jobMeta is the broker's in-flight view of one job.
type jobMeta struct {
	spec        types.TrainingSpec
	status      types.JobStatus
	progress    float64
	currentIter int
	totalIters  int
	stage       string
	bestScore   *float64
	cancelWant  bool
	cancelFn    context.CancelFunc
}

// MetaSnapshot is a read-only copy of a job's broker state.
type MetaSnapshot struct {
	Spec        types.TrainingSpec
	Status      types.JobStatus
	Progress    float64
	CurrentIter int
	TotalIters  int
	Stage       string
	BestScore   *float64
}

// Broker is the durable in-memory queue. It owns nothing persistent: the
// mirror is the record of truth across restarts, and divergence resolves in
// the mirror's favor at startup.
type Broker struct {
	mu    sync.RWMutex
	queue chan string
	meta  map[string]*jobMeta
}

// NewBroker creates a broker with the given queue capacity.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Broker{
		queue: make(chan string, capacity),
		meta:  make(map[string]*jobMeta),
	}
}

// Enqueue registers a PENDING job and pushes it onto the queue.
func (b *Broker) Enqueue(id string, spec types.TrainingSpec) error {
	b.mu.Lock()
	b.meta[id] = &jobMeta{spec: spec, status: types.JobPending}
	b.mu.Unlock()

	select {
	case b.queue <- id:
		return nil
	default:
		b.mu.Lock()
		delete(b.meta, id)
		b.mu.Unlock()
		return ErrQueueFull
	}
}

// Pull blocks for the next claimable job id. Jobs cancelled while still
// queued are skipped here, never handed to a worker.
func (b *Broker) Pull(ctx context.Context) (string, types.TrainingSpec, error) {
	for {
		select {
		case <-ctx.Done():
			return "", types.TrainingSpec{}, ctx.Err()
		case id := <-b.queue:
			b.mu.RLock()
			m, ok := b.meta[id]
			claimable := ok && m.status == types.JobPending && !m.cancelWant
			spec := types.TrainingSpec{}
			if ok {
				spec = m.spec
			}
			b.mu.RUnlock()
			if claimable {
				return id, spec, nil
			}
		}
	}
}

// Claim transitions a pulled job to RUNNING and installs its cancel
// function. Returns false when a cancellation raced the claim.
func (b *Broker) Claim(id string, cancel context.CancelFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok || m.cancelWant || !m.status.CanTransition(types.JobRunning) {
		return false
	}
	m.status = types.JobRunning
	m.cancelFn = cancel
	return true
}

// RequestCancel records cancellation intent. A queued job flips straight to
// CANCELLED; a running job has its context cancelled and the worker exits
// at the next poll point. Idempotent, and a no-op after terminal states.
// Returns the job's status after the request and whether the id is known.
func (b *Broker) RequestCancel(id string) (types.JobStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return "", false
	}
	if m.status.Terminal() {
		return m.status, true
	}
	m.cancelWant = true
	if m.status == types.JobPending {
		m.status = types.JobCancelled
	} else if m.cancelFn != nil {
		m.cancelFn()
	}
	return m.status, true
}

// CancelRequested reports pending cancellation intent.
func (b *Broker) CancelRequested(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.meta[id]
	return ok && m.cancelWant
}

// SetTerminal moves a job to a terminal status, respecting the DAG.
func (b *Broker) SetTerminal(id string, status types.JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok || !m.status.CanTransition(status) {
		return
	}
	m.status = status
	m.cancelFn = nil
}

// UpdateProgress refreshes a running job's progress meta. Progress never
// moves backwards.
func (b *Broker) UpdateProgress(id string, progress float64, currentIter, totalIters int, stage string, best *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return
	}
	if progress > m.progress {
		m.progress = progress
	}
	if currentIter > m.currentIter {
		m.currentIter = currentIter
	}
	if totalIters > 0 {
		m.totalIters = totalIters
	}
	if stage != "" {
		m.stage = stage
	}
	if best != nil {
		m.bestScore = best
	}
}

// Meta returns a snapshot of a job's broker state.
func (b *Broker) Meta(id string) (MetaSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.meta[id]
	if !ok {
		return MetaSnapshot{}, false
	}
	return MetaSnapshot{
		Spec:        m.spec,
		Status:      m.status,
		Progress:    m.progress,
		CurrentIter: m.currentIter,
		TotalIters:  m.totalIters,
		Stage:       m.stage,
		BestScore:   m.bestScore,
	}, true
}
