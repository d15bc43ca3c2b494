// Package lockmgr grants exclusive and shared locks on named resources
// with timeouts, FIFO fairness, deadlock detection and background
// expiration. Resource names are canonical strings: "task:<id>",
// "agent:<id>", "file:<absolute-path>".
package lockmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
)

const component = "lockmgr"

var (
	// ErrLockTimeout is wrapped by faults when an acquisition deadline passes.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrDeadlock is wrapped by faults when a waiter is aborted to break a cycle.
	ErrDeadlock = errors.New("deadlock victim")
)

// Mode is the access mode of a lock.
type Mode string

const (
	ModeExecute Mode = "execute"
	ModeWrite   Mode = "write"
	ModeRead    Mode = "read"
)

func (m Mode) exclusive() bool { return m != ModeRead }

// Lock is a granted reservation on a resource.
type Lock struct {
	ID         string            `json:"id"`
	Resource   string            `json:"resource"`
	HolderID   string            `json:"holder_id"`
	Mode       Mode              `json:"mode"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	SessionID  string            `json:"session_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (l *Lock) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// AcquireOptions tune a single acquisition.
type AcquireOptions struct {
	// Timeout bounds the wait. Zero fails immediately when the lock is
	// contended; negative falls back to the configured default.
	Timeout   time.Duration
	SessionID string
	Metadata  map[string]string
	// TTL bounds the lock lifetime once granted; zero uses MaxLockTimeout.
	TTL time.Duration
}

type waiter struct {
	lockID   string
	resource string
	holderID string
	mode     Mode
	enqueued time.Time
	opts     AcquireOptions

	ready   chan struct{} // closed on grant
	aborted *fault.Error  // set before ready closes when the waiter lost
}

// Manager is the lock manager.
type Manager struct {
	cfg config.Locks

	mu      sync.Mutex
	held    map[string][]*Lock // resource -> granted locks
	byID    map[string]*Lock
	waiters map[string][]*waiter // resource -> FIFO queue

	audit  *auditTrail
	stopCh chan struct{}
	wg     sync.WaitGroup

	acquired  metric.Int64Counter
	timeouts  metric.Int64Counter
	deadlocks metric.Int64Counter
	expirals  metric.Int64Counter
	waitMS    metric.Float64Histogram
	tracer    trace.Tracer
}

// New constructs a manager and starts its expiration sweep.
func New(cfg config.Locks, meter metric.Meter) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	acquired, _ := meter.Int64Counter("taskman_lock_acquired_total")
	timeouts, _ := meter.Int64Counter("taskman_lock_timeouts_total")
	deadlocks, _ := meter.Int64Counter("taskman_lock_deadlocks_total")
	expirals, _ := meter.Int64Counter("taskman_lock_expired_total")
	waitMS, _ := meter.Float64Histogram("taskman_lock_wait_ms")

	m := &Manager{
		cfg:       cfg,
		held:      make(map[string][]*Lock),
		byID:      make(map[string]*Lock),
		waiters:   make(map[string][]*waiter),
		stopCh:    make(chan struct{}),
		acquired:  acquired,
		timeouts:  timeouts,
		deadlocks: deadlocks,
		expirals:  expirals,
		waitMS:    waitMS,
		tracer:    otel.Tracer("taskman-lockmgr"),
	}

	if cfg.EnableLockAuditTrail {
		at, err := openAuditTrail(cfg.AuditPath)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, component, "open_audit", err)
		}
		m.audit = at
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

// Close stops the sweep and the audit trail. Held locks are left in place.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	if m.audit != nil {
		return m.audit.close()
	}
	return nil
}

// Acquire grants a lock on resource for holderID, blocking up to the
// option timeout. A zero timeout fails immediately when contended.
func (m *Manager) Acquire(ctx context.Context, resource, holderID string, mode Mode, opts AcquireOptions) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lock.acquire",
		trace.WithAttributes(
			attribute.String("resource", resource),
			attribute.String("holder", holderID),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	if resource == "" || holderID == "" {
		return "", fault.New(fault.KindValidation, component, "acquire", "resource and holder required")
	}
	switch mode {
	case ModeExecute, ModeWrite, ModeRead:
	default:
		return "", fault.Newf(fault.KindValidation, component, "acquire", "unknown mode %q", mode)
	}

	timeout := opts.Timeout
	if timeout < 0 {
		timeout = m.cfg.DefaultLockTimeout
	}
	if m.cfg.MaxLockTimeout > 0 && timeout > m.cfg.MaxLockTimeout {
		timeout = m.cfg.MaxLockTimeout
	}

	start := time.Now()

	m.mu.Lock()
	m.expireLocked(start)

	if m.grantableLocked(resource, mode) {
		lock := m.grantLocked(resource, holderID, mode, opts, start)
		m.mu.Unlock()
		m.acquired.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
		m.waitMS.Record(ctx, 0)
		return lock.ID, nil
	}

	if timeout == 0 {
		m.mu.Unlock()
		m.timeouts.Add(ctx, 1)
		return "", fault.Wrap(fault.KindTimeout, component, "acquire", ErrLockTimeout).
			With("resource", resource).With("holder", holderID)
	}

	w := &waiter{
		lockID:   uuid.NewString(),
		resource: resource,
		holderID: holderID,
		mode:     mode,
		enqueued: start,
		opts:     opts,
		ready:    make(chan struct{}),
	}
	m.waiters[resource] = append(m.waiters[resource], w)

	if m.cfg.EnableDeadlockDetection {
		m.breakDeadlocksLocked(ctx)
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.aborted != nil {
			m.deadlocks.Add(ctx, 1)
			return "", w.aborted
		}
		m.acquired.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
		m.waitMS.Record(ctx, float64(time.Since(start).Milliseconds()))
		return w.lockID, nil
	case <-ctx.Done():
		if !m.removeWaiter(w) {
			// Granted concurrently; hand the lock back.
			<-w.ready
			if w.aborted == nil {
				m.Release(w.lockID)
			}
		}
		return "", fault.Wrap(fault.KindCancelled, component, "acquire", ctx.Err()).With("resource", resource)
	case <-timer.C:
		if !m.removeWaiter(w) {
			// Lost the race against a concurrent grant: the lock is ours.
			<-w.ready
			if w.aborted != nil {
				return "", w.aborted
			}
			return w.lockID, nil
		}
		m.timeouts.Add(ctx, 1)
		return "", fault.Wrap(fault.KindTimeout, component, "acquire", ErrLockTimeout).
			With("resource", resource).With("holder", holderID)
	}
}

// Release frees a lock by id. Idempotent: unknown ids are not an error.
func (m *Manager) Release(lockID string) {
	m.mu.Lock()
	lock, ok := m.byID[lockID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.dropLocked(lock)
	m.promoteLocked(lock.Resource)
	m.mu.Unlock()

	if m.audit != nil {
		m.audit.append("release", lock)
	}
}

// ReleaseAll frees every lock held by holderID, promotes waiters on the
// freed resources and returns how many locks were freed.
func (m *Manager) ReleaseAll(holderID string) int {
	m.mu.Lock()
	var dropped []*Lock
	for _, lock := range m.byID {
		if lock.HolderID == holderID {
			dropped = append(dropped, lock)
		}
	}
	for _, lock := range dropped {
		m.dropLocked(lock)
	}
	for _, lock := range dropped {
		m.promoteLocked(lock.Resource)
	}
	m.mu.Unlock()

	if m.audit != nil {
		for _, lock := range dropped {
			m.audit.append("release_all", lock)
		}
	}
	return len(dropped)
}

// Holder returns the lock by id when still held and unexpired. Expiration
// is observed lazily here.
func (m *Manager) Holder(lockID string) (*Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.byID[lockID]
	if !ok {
		return nil, false
	}
	if lock.expired(time.Now()) {
		m.dropLocked(lock)
		m.promoteLocked(lock.Resource)
		return nil, false
	}
	cp := *lock
	return &cp, true
}

// HoldersOf returns copies of the locks currently held on a resource.
func (m *Manager) HoldersOf(resource string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lock, 0, len(m.held[resource]))
	for _, l := range m.held[resource] {
		out = append(out, *l)
	}
	return out
}

// --- internals; all *Locked helpers require m.mu. ---

func (m *Manager) grantableLocked(resource string, mode Mode) bool {
	// FIFO fairness: a contended resource with queued waiters never grants
	// a newcomer directly.
	if len(m.waiters[resource]) > 0 {
		return false
	}
	for _, l := range m.held[resource] {
		if mode.exclusive() || l.Mode.exclusive() {
			return false
		}
	}
	return true
}

func (m *Manager) grantLocked(resource, holderID string, mode Mode, opts AcquireOptions, now time.Time) *Lock {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.MaxLockTimeout
	}
	lock := &Lock{
		ID:         uuid.NewString(),
		Resource:   resource,
		HolderID:   holderID,
		Mode:       mode,
		AcquiredAt: now,
		SessionID:  opts.SessionID,
		Metadata:   opts.Metadata,
	}
	if ttl > 0 {
		lock.ExpiresAt = now.Add(ttl)
	}
	m.held[resource] = append(m.held[resource], lock)
	m.byID[lock.ID] = lock
	if m.audit != nil {
		m.audit.append("acquire", lock)
	}
	return lock
}

func (m *Manager) grantWaiterLocked(w *waiter, now time.Time) {
	ttl := w.opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.MaxLockTimeout
	}
	lock := &Lock{
		ID:         w.lockID,
		Resource:   w.resource,
		HolderID:   w.holderID,
		Mode:       w.mode,
		AcquiredAt: now,
		SessionID:  w.opts.SessionID,
		Metadata:   w.opts.Metadata,
	}
	if ttl > 0 {
		lock.ExpiresAt = now.Add(ttl)
	}
	m.held[w.resource] = append(m.held[w.resource], lock)
	m.byID[lock.ID] = lock
	if m.audit != nil {
		m.audit.append("acquire", lock)
	}
	close(w.ready)
}

func (m *Manager) dropLocked(lock *Lock) {
	delete(m.byID, lock.ID)
	locks := m.held[lock.Resource]
	for i, l := range locks {
		if l.ID == lock.ID {
			m.held[lock.Resource] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(m.held[lock.Resource]) == 0 {
		delete(m.held, lock.Resource)
	}
}

// promoteLocked grants as many queued waiters as the resource now admits,
// in FIFO order. Consecutive readers are granted together.
func (m *Manager) promoteLocked(resource string) {
	now := time.Now()
	queue := m.waiters[resource]
	for len(queue) > 0 {
		head := queue[0]
		conflicts := false
		for _, l := range m.held[resource] {
			if head.mode.exclusive() || l.Mode.exclusive() {
				conflicts = true
				break
			}
		}
		if conflicts {
			break
		}
		m.grantWaiterLocked(head, now)
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(m.waiters, resource)
	} else {
		m.waiters[resource] = queue
	}
}

// removeWaiter detaches w from its queue; false means it was already
// granted or aborted.
func (m *Manager) removeWaiter(w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.waiters[w.resource]
	for i, cand := range queue {
		if cand == w {
			m.waiters[w.resource] = append(queue[:i], queue[i+1:]...)
			if len(m.waiters[w.resource]) == 0 {
				delete(m.waiters, w.resource)
			}
			// Head removal may unblock the next waiter.
			m.promoteLocked(w.resource)
			return true
		}
	}
	return false
}

// breakDeadlocksLocked detects cycles in the wait-for graph and aborts the
// youngest waiter of each cycle (latest enqueue, ties by lock id).
func (m *Manager) breakDeadlocksLocked(ctx context.Context) {
	// Edges: waiting holder -> holders of the awaited resource.
	edges := make(map[string]map[string]bool)
	waitersByHolder := make(map[string][]*waiter)
	for resource, queue := range m.waiters {
		for _, w := range queue {
			waitersByHolder[w.holderID] = append(waitersByHolder[w.holderID], w)
			for _, l := range m.held[resource] {
				if l.HolderID == w.holderID {
					continue
				}
				if edges[w.holderID] == nil {
					edges[w.holderID] = make(map[string]bool)
				}
				edges[w.holderID][l.HolderID] = true
			}
		}
	}

	for {
		cycle := findCycle(edges)
		if len(cycle) == 0 {
			return
		}
		victim := youngestWaiter(cycle, waitersByHolder)
		if victim == nil {
			return
		}
		slog.Warn("deadlock detected, aborting waiter",
			"holder", victim.holderID,
			"resource", victim.resource,
		)
		victim.aborted = fault.Wrap(fault.KindTransient, component, "acquire", ErrDeadlock).
			With("resource", victim.resource).With("holder", victim.holderID)
		m.detachWaiterLocked(victim)
		close(victim.ready)

		// Rebuild the victim's edges out of the graph and look again.
		delete(edges, victim.holderID)
		ws := waitersByHolder[victim.holderID]
		for i, w := range ws {
			if w == victim {
				waitersByHolder[victim.holderID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}
}

func (m *Manager) detachWaiterLocked(w *waiter) {
	queue := m.waiters[w.resource]
	for i, cand := range queue {
		if cand == w {
			m.waiters[w.resource] = append(queue[:i], queue[i+1:]...)
			if len(m.waiters[w.resource]) == 0 {
				delete(m.waiters, w.resource)
			}
			return
		}
	}
}

func findCycle(edges map[string]map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for next := range edges[n] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// Slice the stack from next's position: that's the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			}
		}
		color[n] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for n := range edges {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

func youngestWaiter(cycle []string, waitersByHolder map[string][]*waiter) *waiter {
	inCycle := make(map[string]bool, len(cycle))
	for _, h := range cycle {
		inCycle[h] = true
	}
	var victim *waiter
	for holder := range inCycle {
		for _, w := range waitersByHolder[holder] {
			if victim == nil ||
				w.enqueued.After(victim.enqueued) ||
				(w.enqueued.Equal(victim.enqueued) && w.lockID > victim.lockID) {
				victim = w
			}
		}
	}
	return victim
}

func (m *Manager) expireLocked(now time.Time) {
	var expired []*Lock
	for _, lock := range m.byID {
		if lock.expired(now) {
			expired = append(expired, lock)
		}
	}
	for _, lock := range expired {
		m.dropLocked(lock)
	}
	for _, lock := range expired {
		m.promoteLocked(lock.Resource)
		m.expirals.Add(context.Background(), 1)
		if m.audit != nil {
			m.audit.append("expire", lock)
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.LockCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.expireLocked(time.Now())
			m.mu.Unlock()
		}
	}
}
