// Package admission implements the Tiered Admission & Dispatch Engine's
// rate limiter: sliding-window rate counters, a concurrency gate, and a
// priority queue with bounded wait.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/internal/telemetry"
)

const (
	// maxQueue is the process-wide cap on waiting tickets (spec §4.3).
	maxQueue = 1000

	minuteWindow = 60 * time.Second
	hourWindow   = 60 * time.Minute
)

// Config tunes the engine's timing parameters.
type Config struct {
	QueueCapacity int
	WaitTimeout   time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: maxQueue,
		WaitTimeout:   60 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// RequestMeta carries the per-request metadata needed for the UsageLog
// record, beyond what the Principal and ticket already track.
type RequestMeta struct {
	Endpoint   string
	ClientAddr string
}

// Engine is the Admission Engine: per-principal sliding-window rate
// counters, a concurrency gate, and a single process-wide priority queue
// for requests blocked on concurrency.
type Engine struct {
	cfg Config

	accountsMu sync.Mutex
	accounts   map[string]*account

	queueMu sync.Mutex
	queue   *waitQueue

	usageLog *UsageLogWriter
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine. usageLog may be nil in tests that don't care about
// persisted accounting records.
func New(cfg Config, usageLog *UsageLogWriter, logger *slog.Logger) *Engine {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = maxQueue
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		accounts: make(map[string]*account),
		queue:    newWaitQueue(),
		usageLog: usageLog,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Run starts the periodic sweeper (wakeup re-examination + account/queue GC)
// and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.wakeup()
			e.gc()
		}
	}
}

// Stop signals Run to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) getOrCreateAccount(key string) *account {
	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()
	a, ok := e.accounts[key]
	if !ok {
		a = newAccount(time.Now())
		e.accounts[key] = a
	}
	return a
}

// Admit performs the rate gate, then the concurrency gate, parking on the
// priority queue if the principal is at its concurrency cap. It returns a
// RequestTicket on admission (immediate or queued) or an *apierr.Error on
// denial.
func (e *Engine) Admit(ctx context.Context, p identity.Principal, meta RequestMeta) (*RequestTicket, error) {
	key := p.Key()
	acc := e.getOrCreateAccount(key)
	ticket := newTicket(key, meta.Endpoint, p.Tier.Priority)

	now := time.Now()

	acc.mu.Lock()
	acc.minute.rollIfExpired(now, minuteWindow)
	acc.hour.rollIfExpired(now, hourWindow)

	if acc.minute.count >= p.Tier.RatePerMinute || acc.hour.count >= p.Tier.RatePerHour {
		acc.mu.Unlock()
		telemetry.AdmissionDecisionsTotal.WithLabelValues("rate_limited").Inc()
		return nil, apierr.New(apierr.RateLimited, "rate limit exceeded")
	}

	// Rate gate increments regardless of the concurrency outcome below
	// (spec §4.3 normative: a concurrency denial still consumes budget).
	acc.minute.count++
	acc.hour.count++
	acc.lastTouch = now

	if len(acc.active) < p.Tier.MaxConcurrent {
		acc.active[ticket.RequestID] = struct{}{}
		acc.mu.Unlock()
		telemetry.AdmissionDecisionsTotal.WithLabelValues("admitted_immediate").Inc()
		return ticket, nil
	}
	acc.mu.Unlock()

	return e.enqueue(ctx, ticket, p.Tier.MaxConcurrent)
}

func (e *Engine) enqueue(ctx context.Context, ticket *RequestTicket, maxConcurrent int) (*RequestTicket, error) {
	w := &waiter{
		ticket:        ticket,
		principal:     ticket.Principal,
		priority:      ticket.Priority,
		enqueuedAt:    ticket.EnqueuedAt,
		result:        make(chan admitResult, 1),
		maxConcurrent: maxConcurrent,
	}

	e.queueMu.Lock()
	if e.queue.Len() >= e.cfg.QueueCapacity {
		e.queueMu.Unlock()
		telemetry.AdmissionDecisionsTotal.WithLabelValues("queue_full").Inc()
		return nil, apierr.New(apierr.RateLimited, "admission queue is at capacity")
	}
	e.queue.push(w)
	telemetry.AdmissionQueueDepth.Set(float64(e.queue.Len()))
	e.queueMu.Unlock()

	// A release may have freed capacity between the concurrency check and
	// enqueue; re-examine immediately rather than wait for the next sweep.
	e.wakeup()

	timer := time.NewTimer(e.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return e.finishQueued(ticket, res)
	case <-timer.C:
		e.queueMu.Lock()
		removed := e.queue.remove(w)
		telemetry.AdmissionQueueDepth.Set(float64(e.queue.Len()))
		e.queueMu.Unlock()
		if removed {
			telemetry.AdmissionDecisionsTotal.WithLabelValues("timed_out").Inc()
			return nil, apierr.New(apierr.RateLimited, "admission wait timed out")
		}
		// Already popped by a concurrent wakeup; await its outcome.
		res := <-w.result
		return e.finishQueued(ticket, res)
	case <-ctx.Done():
		e.queueMu.Lock()
		removed := e.queue.remove(w)
		telemetry.AdmissionQueueDepth.Set(float64(e.queue.Len()))
		e.queueMu.Unlock()
		if removed {
			return nil, apierr.New(apierr.Cancelled, "admission cancelled by caller")
		}
		res := <-w.result
		return e.finishQueued(ticket, res)
	}
}

func (e *Engine) finishQueued(ticket *RequestTicket, res admitResult) (*RequestTicket, error) {
	if res.err != nil {
		return nil, res.err
	}
	ticket.WasQueued = true
	ticket.QueueWait = time.Since(ticket.EnqueuedAt)
	telemetry.AdmissionDecisionsTotal.WithLabelValues("admitted_queued").Inc()
	telemetry.AdmissionQueueWaitSeconds.Observe(ticket.QueueWait.Seconds())
	return ticket, nil
}

// Release removes the ticket's request_id from its account's active set,
// writes a UsageLog entry, and triggers a wakeup sweep. Release is
// idempotent: a second call for the same ticket is a no-op (spec P7).
func (e *Engine) Release(ticket *RequestTicket, outcome Outcome) {
	ticket.once.Do(func() {
		e.accountsMu.Lock()
		acc, ok := e.accounts[ticket.Principal]
		e.accountsMu.Unlock()
		if ok {
			acc.mu.Lock()
			delete(acc.active, ticket.RequestID)
			acc.mu.Unlock()
		}

		if e.usageLog != nil {
			e.usageLog.Enqueue(UsageLog{
				PrincipalID: ticket.Principal,
				Endpoint:    ticket.Path,
				OccurredAt:  time.Now(),
				Success:     outcome.Success,
				ResponseSec: outcome.ResponseSec,
				ClientAddr:  outcome.ClientAddr,
				TierID:      outcome.TierID,
				APIKeyID:    outcome.APIKeyID,
				WasQueued:   ticket.WasQueued,
				QueueWait:   ticket.QueueWait.Seconds(),
			})
		}

		e.wakeup()
	})
}

// WithAdmission performs scoped acquisition: it admits the request, invokes
// fn, and guarantees release exactly once on every exit path (including
// panics propagated after release), per spec §4.3's failure-semantics
// requirement that no suspension-point crash leaks concurrency.
func (e *Engine) WithAdmission(ctx context.Context, p identity.Principal, meta RequestMeta, fn func(*RequestTicket) (bool, error)) error {
	ticket, err := e.Admit(ctx, p, meta)
	if err != nil {
		return err
	}

	start := time.Now()
	var success bool
	defer func() {
		e.Release(ticket, Outcome{
			Success:     success,
			ClientAddr:  meta.ClientAddr,
			TierID:      p.Tier.ID,
			APIKeyID:    p.APIKeyID,
			ResponseSec: time.Since(start).Seconds(),
		})
	}()

	success, err = fn(ticket)
	return err
}

// wakeup re-examines the queue in priority order: for each entry, it asks
// whether that principal now has concurrency capacity. Entries that can be
// admitted are removed and their waiters fulfilled; others are skipped and
// left for the next pass. The queue lock is released before any waiter is
// fulfilled (spec §5 locking discipline).
func (e *Engine) wakeup() {
	var admitted, reinsert []*waiter

	e.queueMu.Lock()
	for {
		w := e.queue.popFront()
		if w == nil {
			break
		}

		acc := e.getOrCreateAccount(w.principal)
		acc.mu.Lock()
		if len(acc.active) < w.maxConcurrent {
			acc.active[w.ticket.RequestID] = struct{}{}
			acc.mu.Unlock()
			admitted = append(admitted, w)
		} else {
			acc.mu.Unlock()
			reinsert = append(reinsert, w)
		}
	}
	for _, w := range reinsert {
		e.queue.push(w)
	}
	telemetry.AdmissionQueueDepth.Set(float64(e.queue.Len()))
	e.queueMu.Unlock()

	for _, w := range admitted {
		w.result <- admitResult{admitted: true}
	}
}

// gc discards idle PrincipalAccounts (zero counters, empty active set) and
// is the defensive backstop for queue entries a wakeup never reached: it
// removes entries older than the wait timeout and denies their waiters. The
// waiter's own timeout remains the primary eviction mechanism.
func (e *Engine) gc() {
	cutoff := time.Now().Add(-e.cfg.WaitTimeout)
	var expired []*waiter
	e.queueMu.Lock()
	for _, w := range append([]*waiter(nil), e.queue.items...) {
		if w.enqueuedAt.Before(cutoff) && e.queue.remove(w) {
			expired = append(expired, w)
		}
	}
	telemetry.AdmissionQueueDepth.Set(float64(e.queue.Len()))
	e.queueMu.Unlock()
	for _, w := range expired {
		w.result <- admitResult{err: apierr.New(apierr.RateLimited, "admission wait timed out")}
	}

	e.accountsMu.Lock()
	for key, acc := range e.accounts {
		if acc.idle() {
			delete(e.accounts, key)
		}
	}
	count := len(e.accounts)
	e.accountsMu.Unlock()
	telemetry.ActivePrincipalAccounts.Set(float64(count))
}
