package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agyc/orchestrator/internal/config"
	"github.com/agyc/orchestrator/internal/domain"
	"github.com/agyc/orchestrator/internal/session"
)

// capacityWait bounds how long the router waits on the capacity event
// before re-picking an account.
const capacityWait = 1 * time.Second

// noUsableRetryDelay bounds how long the router sleeps before re-evaluating
// usable accounts when none are currently usable (spec.md §4.3).
const noUsableRetryDelay = 100 * time.Millisecond

// Dispatcher owns the global queue, per-account state, the router goroutine,
// and max(1, MaxConcurrency) worker goroutines per account.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	accounts map[string]*AccountState

	global chan *TaskItem

	rrMu     sync.Mutex
	rrCursor int

	capacitySig chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  bool
	mu     sync.RWMutex
}

// New builds a Dispatcher over the given session handles. It does not start
// any goroutines; call Start for that.
func New(cfg config.DispatcherConfig, handles map[string]session.Handle) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		accounts:    make(map[string]*AccountState, len(handles)),
		global:      make(chan *TaskItem, cfg.GlobalQueueSize),
		capacitySig: make(chan struct{}, 1),
	}
	for id, h := range handles {
		d.accounts[id] = newAccountState(h, cfg.PerAccountQueueSize)
	}
	return d
}

// Start launches the router and per-account worker goroutines.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go func() { defer d.wg.Done(); d.routerLoop(ctx) }()

	// One worker fiber per capacity slot (spec.md §2, §5): with a single
	// fiber per account the semaphore below would never have more than one
	// claimant, so max_concurrency > 1 would be unenforceable in practice.
	for _, acc := range d.accounts {
		acc := acc
		fibers := acc.Handle.MaxConcurrency
		if fibers < 1 {
			fibers = 1
		}
		for i := 0; i < fibers; i++ {
			d.wg.Add(1)
			go func() { defer d.wg.Done(); d.workerLoop(ctx, acc) }()
		}
	}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()
}

// Stop cancels the router and all workers and fails any still-pending
// result slots with ErrShutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.drainWithShutdownError(d.global)
	for _, acc := range d.accounts {
		d.drainWithShutdownError(acc.Queue)
	}
}

func (d *Dispatcher) drainWithShutdownError(ch chan *TaskItem) {
	for {
		select {
		case item := <-ch:
			item.Slot.Fulfill(nil, fmt.Errorf("task %s: %w", item.TaskID, domain.ErrShutdown))
		default:
			return
		}
	}
}

// Ready reports whether Start has completed and Stop has not yet run.
func (d *Dispatcher) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// QueueDepth returns the current number of items sitting in the global queue.
func (d *Dispatcher) QueueDepth() int { return len(d.global) }

// AccountCount returns the number of accounts the dispatcher fronts.
func (d *Dispatcher) AccountCount() int { return len(d.accounts) }

// Submit admits request, routes it, awaits its result, and returns it (or
// the session's error). ctx bounds only the caller's wait, not task
// execution: the worker enforces task_timeout_seconds independently.
func (d *Dispatcher) Submit(ctx context.Context, request Result) (Result, error) {
	item := &TaskItem{
		Request:   deepCopy(request),
		Slot:      newResultSlot(),
		CreatedTs: time.Now(),
		TaskID:    newTaskID(),
	}

	select {
	case d.global <- item:
	default:
		return nil, fmt.Errorf("submit %s: %w", item.TaskID, domain.ErrQueueFull)
	}

	return item.Slot.Wait(ctx)
}

func newTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func deepCopy(in Result) Result {
	b, err := marshalRoundtrip(in)
	if err != nil {
		// Fall back to a shallow copy: nested maps and slices stay shared
		// with the caller. A request that cannot be marshalled here also
		// fails to marshal in session.Subprocess.RunTask.
		out := make(Result, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	return b
}

func (d *Dispatcher) routerLoop(ctx context.Context) {
	for {
		var item *TaskItem
		select {
		case <-ctx.Done():
			return
		case item = <-d.global:
		}

		hint := routingHint(item.Request)
		// The item has left the global queue, so Stop's drain cannot reach it.
		shutdown := func() {
			item.Slot.Fulfill(nil, fmt.Errorf("task %s: %w", item.TaskID, domain.ErrShutdown))
		}

		for {
			if ctx.Err() != nil {
				shutdown()
				return
			}
			acc := d.pickAccount(hint)
			if acc == nil {
				select {
				case <-time.After(noUsableRetryDelay):
				case <-ctx.Done():
					shutdown()
					return
				}
				continue
			}

			snap := acc.snapshot()
			if snap.Inflight >= snap.MaxConc {
				select {
				case <-d.capacitySig:
				case <-time.After(capacityWait):
				case <-ctx.Done():
					shutdown()
					return
				}
				continue
			}

			select {
			case acc.Queue <- item:
				goto placed
			default:
				acc.penalizeQueueFull()
				continue
			}
		}
	placed:
	}
}

func routingHint(request Result) string {
	meta, _ := request["metadata"].(map[string]any)
	if meta == nil {
		return ""
	}
	routing, _ := meta["routing"].(map[string]any)
	if routing == nil {
		return ""
	}
	hint, _ := routing["strategyHint"].(string)
	return hint
}

func (d *Dispatcher) usableAccounts() []*AccountState {
	out := make([]*AccountState, 0, len(d.accounts))
	for _, acc := range d.accounts {
		if acc.snapshot().HealthScore > 0 {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.AccountID < out[j].Handle.AccountID })
	return out
}

func (d *Dispatcher) pickAccount(hint string) *AccountState {
	strategy := strings.ToLower(strings.TrimSpace(hint))
	if strategy == "" {
		strategy = strings.ToLower(d.cfg.Routing)
	}

	usable := d.usableAccounts()
	if len(usable) == 0 {
		return nil
	}

	switch strategy {
	case "lru":
		best := usable[0]
		for _, a := range usable[1:] {
			if a.snapshot().LastUsedTs.Before(best.snapshot().LastUsedTs) {
				best = a
			}
		}
		return best
	case "health":
		best := usable[0]
		bestScore := best.snapshot().HealthScore
		for _, a := range usable[1:] {
			if s := a.snapshot().HealthScore; s > bestScore {
				best, bestScore = a, s
			}
		}
		return best
	default: // round-robin
		d.rrMu.Lock()
		defer d.rrMu.Unlock()
		d.rrCursor %= len(usable)
		chosen := usable[d.rrCursor]
		d.rrCursor = (d.rrCursor + 1) % len(usable)
		return chosen
	}
}

func (d *Dispatcher) signalCapacity() {
	select {
	case d.capacitySig <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, acc *AccountState) {
	for {
		var item *TaskItem
		select {
		case <-ctx.Done():
			return
		case item = <-acc.Queue:
		}
		d.runOne(ctx, acc, item)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, acc *AccountState, item *TaskItem) {
	start := time.Now()

	acc.mu.Lock()
	acc.inflight++
	acc.mu.Unlock()

	defer func() {
		acc.mu.Lock()
		acc.inflight--
		acc.mu.Unlock()
		d.signalCapacity()
	}()

	select {
	case acc.Sem <- struct{}{}:
	case <-ctx.Done():
		item.Slot.Fulfill(nil, fmt.Errorf("task %s: %w", item.TaskID, domain.ErrShutdown))
		return
	}
	defer func() { <-acc.Sem }()

	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.TaskTimeoutSeconds)*time.Second)
	defer cancel()

	req := deepCopy(item.Request)
	req["account_id"] = acc.Handle.AccountID

	result, err := acc.Handle.Session.RunTask(taskCtx, req)
	if err != nil {
		if taskCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("task %s: %w", item.TaskID, domain.ErrTimeout)
		}
		acc.recordFailure()
		slog.Debug("task failed", slog.String("account_id", acc.Handle.AccountID), slog.String("task_id", item.TaskID), slog.Any("error", err))
		item.Slot.Fulfill(nil, err)
		return
	}

	acc.recordSuccess(start)
	if result == nil {
		result = Result{}
	}
	meta, _ := result["metadata"].(map[string]any)
	merged := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	merged["account_id"] = acc.Handle.AccountID
	result["metadata"] = merged

	slog.Debug("task succeeded", slog.String("account_id", acc.Handle.AccountID), slog.String("task_id", item.TaskID))
	item.Slot.Fulfill(result, nil)
}
