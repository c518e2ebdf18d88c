// Package scheduler drives recurring probes through the same admission and
// dispatch path as ad-hoc requests, on a cron-driven cadence.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/pkg/admission"
	"github.com/wisbric/probemesh/pkg/dispatch"
	"github.com/wisbric/probemesh/pkg/tier"
)

// recognizedIntervals is the fixed set of interval_minutes values a
// ScheduledProbe may use (spec.md §4.7).
var recognizedIntervals = map[int]bool{5: true, 15: true, 60: true, 1440: true}

// ScheduledProbe is a persisted recurring probe registration.
type ScheduledProbe struct {
	ID              int64
	PrincipalID     string
	TierID          string
	Tool            string
	Target          string
	Parameters      map[string]any
	IntervalMinutes int
	Priority        int
	CreatedAt       time.Time
	NextRunAt       time.Time
}

// Scheduler owns a cron instance and funnels fires through the Admission
// Engine and Dispatcher exactly like an ad-hoc probe request.
type Scheduler struct {
	pool       *pgxpool.Pool
	admission  *admission.Engine
	dispatcher *dispatch.Dispatcher
	tiers      *tier.Catalog
	logger     *slog.Logger
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

func New(pool *pgxpool.Pool, admissionEngine *admission.Engine, dispatcher *dispatch.Dispatcher, tiers *tier.Catalog, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pool:       pool,
		admission:  admissionEngine,
		dispatcher: dispatcher,
		tiers:      tiers,
		logger:     logger,
		cron:       cron.New(),
		entries:    make(map[int64]cron.EntryID),
	}
}

// Start loads persisted ScheduledProbes and starts the cron runner. It
// returns once every persisted probe has a registered cron entry; the
// runner itself continues in its own goroutine until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	probes, err := s.loadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled probes: %w", err)
	}
	for _, p := range probes {
		s.register(p)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Request is the caller-facing shape for creating a recurring probe.
type Request struct {
	Tool            string
	Target          string
	Parameters      map[string]any
	IntervalMinutes int
}

// Create validates the requested interval against the principal's tier,
// persists the ScheduledProbe, and registers its cron entry.
func (s *Scheduler) Create(ctx context.Context, p identity.Principal, req Request) (*ScheduledProbe, error) {
	if err := validateScheduleRequest(p, req); err != nil {
		return nil, err
	}

	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding probe parameters: %w", err)
	}

	now := time.Now()
	next := now.Add(time.Duration(req.IntervalMinutes) * time.Minute)

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_probes (principal_id, tier_id, tool, target, parameters, interval_minutes, priority, created_at, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		p.UserID, p.Tier.ID, req.Tool, req.Target, params, req.IntervalMinutes, p.Tier.Priority, now, next,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("persisting scheduled probe: %w", err)
	}

	probe := &ScheduledProbe{
		ID:              id,
		PrincipalID:     p.UserID,
		TierID:          p.Tier.ID,
		Tool:            req.Tool,
		Target:          req.Target,
		Parameters:      req.Parameters,
		IntervalMinutes: req.IntervalMinutes,
		Priority:        p.Tier.Priority,
		CreatedAt:       now,
		NextRunAt:       next,
	}
	s.register(probe)
	return probe, nil
}

// validateScheduleRequest applies the principal/tier checks for Create
// without touching the database, so the rejection paths can be tested
// without a pool.
func validateScheduleRequest(p identity.Principal, req Request) error {
	if p.Anonymous {
		return apierr.New(apierr.Forbidden, "scheduled probes require an authenticated principal")
	}
	if !p.Tier.ScheduledProbes {
		return apierr.New(apierr.Forbidden, "tier does not permit scheduled probes")
	}
	if !recognizedIntervals[req.IntervalMinutes] {
		return apierr.New(apierr.Forbidden, "interval_minutes is not a recognized value")
	}
	if !p.Tier.AllowsInterval(req.IntervalMinutes) {
		return apierr.New(apierr.Forbidden, "tier does not permit this probe interval")
	}
	return nil
}

// Cancel removes a ScheduledProbe owned by the given principal.
func (s *Scheduler) Cancel(ctx context.Context, principalID string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_probes WHERE id = $1 AND principal_id = $2`, id, principalID)
	if err != nil {
		return fmt.Errorf("deleting scheduled probe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "scheduled probe not found")
	}

	s.mu.Lock()
	entryID, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
	return nil
}

// List returns a principal's own scheduled probes.
func (s *Scheduler) List(ctx context.Context, principalID string) ([]*ScheduledProbe, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, tier_id, tool, target, parameters, interval_minutes, priority, created_at, next_run_at
		FROM scheduled_probes WHERE principal_id = $1 ORDER BY created_at`, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled probes: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledProbe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scheduled probe: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Scheduler) loadAll(ctx context.Context) ([]*ScheduledProbe, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, tier_id, tool, target, parameters, interval_minutes, priority, created_at, next_run_at
		FROM scheduled_probes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledProbe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProbe(row pgxRow) (*ScheduledProbe, error) {
	var p ScheduledProbe
	var params []byte
	if err := row.Scan(&p.ID, &p.PrincipalID, &p.TierID, &p.Tool, &p.Target, &params, &p.IntervalMinutes, &p.Priority, &p.CreatedAt, &p.NextRunAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p.Parameters); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func (s *Scheduler) register(p *ScheduledProbe) {
	spec := fmt.Sprintf("@every %dm", p.IntervalMinutes)
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(p) })
	if err != nil {
		s.logger.Error("registering scheduled probe cron entry", "id", p.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.entries[p.ID] = entryID
	s.mu.Unlock()
}

func (s *Scheduler) fire(p *ScheduledProbe) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	limits, ok := s.tiers.Get(p.TierID)
	if !ok {
		limits = s.tiers.Default()
	}
	principal := identity.Principal{UserID: p.PrincipalID, Tier: limits}
	ticket, err := s.admission.Admit(ctx, principal, admission.RequestMeta{Endpoint: "schedule:" + p.Tool})
	if err != nil {
		s.logger.Warn("scheduled probe denied admission", "id", p.ID, "error", err)
		return
	}

	var success bool
	defer func() {
		s.admission.Release(ticket, admission.Outcome{Success: success, TierID: p.TierID})
	}()

	_, err = s.dispatcher.Dispatch(ctx, dispatch.Request{
		Tool:       p.Tool,
		Target:     p.Target,
		Parameters: p.Parameters,
		Priority:   limits.Priority,
	})
	if err != nil {
		s.logger.Warn("scheduled probe dispatch failed", "id", p.ID, "error", err)
		return
	}
	success = true
}
