// Package dispatcher implements the two-tier queueing and routing engine:
// admission onto a global queue, policy-based routing onto per-account
// queues, capacity-gated worker execution, and health/metrics bookkeeping.
package dispatcher

import (
	"sync"
	"time"

	"github.com/agyc/orchestrator/internal/domain"
	"github.com/agyc/orchestrator/internal/session"
)

// Result is the dictionary produced by a session's run_task.
type Result = domain.Result

// TaskItem is one admitted unit of work travelling from the global queue to
// an account's local queue to a worker.
type TaskItem struct {
	Request   Result
	Slot      *resultSlot
	CreatedTs time.Time
	TaskID    string
}

// AccountMetrics accumulates per-account counters; all fields are only ever
// mutated under AccountState.mu.
type AccountMetrics struct {
	TasksTotal     uint64
	ErrorsTotal    uint64
	LatencyMsTotal float64
	LastSuccessTs  time.Time
	LastErrorTs    time.Time
}

// AvgLatencyMs returns the mean task latency, or 0 if no tasks completed.
func (m AccountMetrics) AvgLatencyMs() float64 {
	if m.TasksTotal == 0 {
		return 0
	}
	return m.LatencyMsTotal / float64(m.TasksTotal)
}

// AccountState is the dispatcher's mutable bookkeeping for one account.
type AccountState struct {
	Handle session.Handle
	Queue  chan *TaskItem
	Sem    chan struct{} // counting semaphore: capacity permit, buffered to MaxConcurrency

	mu          sync.Mutex
	lastUsedTs  time.Time
	healthScore float64
	inflight    int
	metrics     AccountMetrics
}

func newAccountState(h session.Handle, perAccountQueueSize int) *AccountState {
	return &AccountState{
		Handle:      h,
		Queue:       make(chan *TaskItem, perAccountQueueSize),
		Sem:         make(chan struct{}, h.MaxConcurrency),
		healthScore: 100,
	}
}

// Snapshot is a point-in-time, lock-free copy of an account's state used by
// the router and the metrics exposition.
type Snapshot struct {
	AccountID   string
	LastUsedTs  time.Time
	HealthScore float64
	Inflight    int
	MaxConc     int
	Metrics     AccountMetrics
}

func (a *AccountState) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		AccountID:   a.Handle.AccountID,
		LastUsedTs:  a.lastUsedTs,
		HealthScore: a.healthScore,
		Inflight:    a.inflight,
		MaxConc:     a.Handle.MaxConcurrency,
		Metrics:     a.metrics,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (a *AccountState) penalizeQueueFull() {
	a.mu.Lock()
	a.healthScore = clamp(a.healthScore-1, 0, 100)
	a.mu.Unlock()
}

func (a *AccountState) recordSuccess(start time.Time) {
	now := time.Now()
	a.mu.Lock()
	a.lastUsedTs = now
	a.healthScore = clamp(a.healthScore+0.5, 0, 100)
	a.metrics.TasksTotal++
	a.metrics.LatencyMsTotal += float64(now.Sub(start).Milliseconds())
	a.metrics.LastSuccessTs = now
	a.mu.Unlock()
}

func (a *AccountState) recordFailure() {
	now := time.Now()
	a.mu.Lock()
	a.healthScore = clamp(a.healthScore-5, 0, 100)
	a.metrics.ErrorsTotal++
	a.metrics.LastErrorTs = now
	a.mu.Unlock()
}
