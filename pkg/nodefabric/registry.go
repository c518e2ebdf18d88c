package nodefabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/telemetry"
)

const nodeColumns = `node_uuid, api_key, name, hostname, region, zone, supported_tools, priority,
	max_concurrent_probes, status, last_heartbeat, last_connected, connection_id, current_load,
	avg_response_time, error_count, total_probes_executed, reconnect_count, created_at, updated_at`

// Registry is the durable set of ProbeNode records keyed by node_uuid, plus
// the live session attachment map. Node rows are cached in memory so the
// Dispatcher's selection scan never hits the database on the hot path.
// MarkActive writes to Postgres first and updates the cache only on success;
// MarkDisconnected, Heartbeat and RecordJobOutcome update the cache first and
// then persist, so a failed write leaves the cache ahead of the database.
type Registry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	nodesMu sync.RWMutex
	nodes   map[string]*ProbeNode

	sessionsMu sync.Mutex
	sessions   map[string]*Session // node_uuid -> live session
}

// NewRegistry creates a Registry. Call Load to populate the in-memory cache
// from Postgres before serving traffic.
func NewRegistry(pool *pgxpool.Pool, logger *slog.Logger) *Registry {
	return &Registry{
		pool:     pool,
		logger:   logger,
		nodes:    make(map[string]*ProbeNode),
		sessions: make(map[string]*Session),
	}
}

// Load populates the in-memory cache from Postgres.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, `SELECT `+nodeColumns+` FROM probe_nodes`)
	if err != nil {
		return fmt.Errorf("loading probe nodes: %w", err)
	}
	defer rows.Close()

	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return fmt.Errorf("scanning probe node: %w", err)
		}
		r.nodes[n.NodeUUID] = n
	}
	return rows.Err()
}

func scanNode(row pgx.Row) (*ProbeNode, error) {
	var n ProbeNode
	var tools []byte
	var zone, connID *string
	var lastHeartbeat, lastConnected *time.Time

	err := row.Scan(
		&n.NodeUUID, &n.APIKeyHash, &n.Name, &n.Hostname, &n.Region, &zone, &tools, &n.Priority,
		&n.MaxConcurrentProbes, &n.Status, &lastHeartbeat, &lastConnected, &connID, &n.CurrentLoad,
		&n.AvgResponseTime, &n.ErrorCount, &n.TotalProbesExecuted, &n.ReconnectCount, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if zone != nil {
		n.Zone = *zone
	}
	if connID != nil {
		n.ConnectionID = *connID
	}
	if lastHeartbeat != nil {
		n.LastHeartbeat = *lastHeartbeat
	}
	if lastConnected != nil {
		n.LastConnected = *lastConnected
	}
	n.SupportedTools, err = unmarshalTools(tools)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Refresh re-reads a single node row into the cache, used after an
// out-of-band insert (node registration) performed by the Vault.
func (r *Registry) Refresh(ctx context.Context, nodeUUID string) error {
	row := r.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM probe_nodes WHERE node_uuid = $1`, nodeUUID)
	n, err := scanNode(row)
	if err != nil {
		return fmt.Errorf("refreshing probe node: %w", err)
	}
	r.nodesMu.Lock()
	r.nodes[n.NodeUUID] = n
	r.nodesMu.Unlock()
	return nil
}

// ByUUID returns the cached node, if any.
func (r *Registry) ByUUID(nodeUUID string) (*ProbeNode, bool) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()
	n, ok := r.nodes[nodeUUID]
	return n, ok
}

// ByAPIKeyHash finds the node whose api_key hash matches, scanning the
// cache (invariant I6: an api_key uniquely identifies one ProbeNode).
func (r *Registry) ByAPIKeyHash(hash string) (*ProbeNode, bool) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()
	for _, n := range r.nodes {
		if n.APIKeyHash == hash {
			return n, true
		}
	}
	return nil, false
}

// All returns a snapshot of every cached node, for periodic operational
// sweeps (e.g. the error-count alert check) rather than dispatch selection.
func (r *Registry) All() []*ProbeNode {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()
	out := make([]*ProbeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Candidates returns active, live nodes supporting tool, optionally
// filtered by region.
func (r *Registry) Candidates(tool, region string, livenessThreshold time.Duration) []*ProbeNode {
	now := time.Now()
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	var out []*ProbeNode
	for _, n := range r.nodes {
		if n.Status != StatusActive {
			continue
		}
		if !n.SupportsTool(tool) {
			continue
		}
		if region != "" && n.Region != region {
			continue
		}
		if now.Sub(n.LastHeartbeat) > livenessThreshold {
			continue
		}
		out = append(out, n)
	}
	return out
}

// MarkActive persists and caches a successful session bind: status=active,
// connection_id set, reconnect_count incremented, last_connected stamped.
func (r *Registry) MarkActive(ctx context.Context, nodeUUID, connectionID string) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		UPDATE probe_nodes
		SET status = 'active', connection_id = $2, last_heartbeat = $3, last_connected = $3,
		    reconnect_count = reconnect_count + 1, updated_at = $3
		WHERE node_uuid = $1`, nodeUUID, connectionID, now)
	if err != nil {
		return fmt.Errorf("marking node active: %w", err)
	}

	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()
	n, ok := r.nodes[nodeUUID]
	if !ok {
		return apierr.New(apierr.NotFound, "node not found in cache after activation")
	}
	n.Status = StatusActive
	n.ConnectionID = connectionID
	n.LastHeartbeat = now
	n.LastConnected = now
	n.ReconnectCount++
	telemetry.NodeReconnectsTotal.Inc()
	return nil
}

// MarkDisconnected clears the live binding. Status is left untouched if the
// node was already deactivated (terminal).
func (r *Registry) MarkDisconnected(ctx context.Context, nodeUUID string) error {
	r.nodesMu.Lock()
	n, ok := r.nodes[nodeUUID]
	if ok && n.Status == StatusDeactivated {
		r.nodesMu.Unlock()
		return nil
	}
	if ok {
		n.Status = StatusDisconnected
		n.ConnectionID = ""
	}
	r.nodesMu.Unlock()

	_, err := r.pool.Exec(ctx, `
		UPDATE probe_nodes
		SET status = CASE WHEN status = 'deactivated' THEN status ELSE 'disconnected' END,
		    connection_id = NULL, updated_at = $2
		WHERE node_uuid = $1`, nodeUUID, time.Now())
	if err != nil {
		return fmt.Errorf("marking node disconnected: %w", err)
	}
	return nil
}

// Heartbeat applies a heartbeat frame's telemetry, whether it arrived over
// the session transport or the standalone HTTP heartbeat endpoint.
func (r *Registry) Heartbeat(ctx context.Context, nodeUUID string, load *float64, errorDelta int, version string) error {
	now := time.Now()

	r.nodesMu.Lock()
	n, ok := r.nodes[nodeUUID]
	if !ok {
		r.nodesMu.Unlock()
		return apierr.New(apierr.NotFound, "unknown node_uuid")
	}
	n.LastHeartbeat = now
	if load != nil {
		n.CurrentLoad = clamp01(*load)
	}
	n.ErrorCount += errorDelta
	currentLoad := n.CurrentLoad
	errorCount := n.ErrorCount
	r.nodesMu.Unlock()

	_, err := r.pool.Exec(ctx, `
		UPDATE probe_nodes
		SET last_heartbeat = $2, current_load = $3, error_count = $4, updated_at = $2
		WHERE node_uuid = $1`, nodeUUID, now, currentLoad, errorCount)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// RecordJobOutcome updates total_probes_executed and the response-time EMA
// (or error_count, on timeout) after a dispatched job concludes.
func (r *Registry) RecordJobOutcome(ctx context.Context, nodeUUID string, execSeconds float64, timedOut bool) error {
	const alpha = 0.2

	r.nodesMu.Lock()
	n, ok := r.nodes[nodeUUID]
	if !ok {
		r.nodesMu.Unlock()
		return apierr.New(apierr.NotFound, "unknown node_uuid")
	}
	if timedOut {
		n.ErrorCount++
	} else {
		n.TotalProbesExecuted++
		if n.AvgResponseTime == 0 {
			n.AvgResponseTime = execSeconds
		} else {
			n.AvgResponseTime = alpha*execSeconds + (1-alpha)*n.AvgResponseTime
		}
	}
	avg, total, errCount := n.AvgResponseTime, n.TotalProbesExecuted, n.ErrorCount
	r.nodesMu.Unlock()

	_, err := r.pool.Exec(ctx, `
		UPDATE probe_nodes
		SET avg_response_time = $2, total_probes_executed = $3, error_count = $4, updated_at = $5
		WHERE node_uuid = $1`, nodeUUID, avg, total, errCount, time.Now())
	if err != nil {
		return fmt.Errorf("recording job outcome: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BindSession enforces I1 (at most one NodeSession per node_uuid): it
// installs sess as the live session for node_uuid only if none is already
// present, returning false without mutating state otherwise.
func (r *Registry) BindSession(nodeUUID string, sess *Session) bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if _, exists := r.sessions[nodeUUID]; exists {
		return false
	}
	r.sessions[nodeUUID] = sess
	telemetry.NodesActiveTotal.Set(float64(len(r.sessions)))
	return true
}

// UnbindSession removes the live session for node_uuid, but only if sess is
// still the one on record (a replaced session must not unbind its
// replacement).
func (r *Registry) UnbindSession(nodeUUID string, sess *Session) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if current, ok := r.sessions[nodeUUID]; ok && current == sess {
		delete(r.sessions, nodeUUID)
		telemetry.NodesActiveTotal.Set(float64(len(r.sessions)))
	}
}

// Session returns the live session bound to node_uuid, if any.
func (r *Registry) Session(nodeUUID string) (*Session, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	sess, ok := r.sessions[nodeUUID]
	return sess, ok
}
