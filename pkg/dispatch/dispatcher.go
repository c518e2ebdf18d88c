// Package dispatch implements job selection and correlation over the Node
// Fabric: pick a node, send the job, await exactly one of result/timeout/
// disconnection/cancellation.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/telemetry"
	"github.com/wisbric/probemesh/pkg/nodefabric"
)

// Config tunes job timeouts and node liveness.
type Config struct {
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	LivenessThreshold time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Second,
		MaxTimeout:        120 * time.Second,
		LivenessThreshold: 45 * time.Second,
	}
}

// Dispatcher selects a node for a probe, transmits the job over its
// Session, and correlates the result by request_id.
type Dispatcher struct {
	registry *nodefabric.Registry
	logger   *slog.Logger
	cfg      Config
}

func New(registry *nodefabric.Registry, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 120 * time.Second
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 45 * time.Second
	}
	return &Dispatcher{registry: registry, logger: logger, cfg: cfg}
}

// Request describes one probe job a caller wants executed.
type Request struct {
	Tool       string
	Target     string
	Parameters map[string]any
	Priority   int
	Region     string
	Timeout    time.Duration // zero means DefaultTimeout
}

// Result is the successful outcome of a dispatched job.
type Result struct {
	Data          map[string]any
	Success       bool
	ExecutionTime float64
}

// selectNode picks the minimum current_load candidate, tie-broken by
// highest priority then lowest error_count.
func selectNode(candidates []*nodefabric.ProbeNode) *nodefabric.ProbeNode {
	best := candidates[0]
	for _, n := range candidates[1:] {
		switch {
		case n.CurrentLoad < best.CurrentLoad:
			best = n
		case n.CurrentLoad == best.CurrentLoad && n.Priority > best.Priority:
			best = n
		case n.CurrentLoad == best.CurrentLoad && n.Priority == best.Priority && n.ErrorCount < best.ErrorCount:
			best = n
		}
	}
	return best
}

// Dispatch selects a node, sends the job, and blocks until the caller's
// context is cancelled or exactly one of {response, timeout, disconnection}
// resolves the job.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	candidates := d.registry.Candidates(req.Tool, req.Region, d.cfg.LivenessThreshold)
	if len(candidates) == 0 {
		telemetry.DispatchJobsTotal.WithLabelValues("no_node_available").Inc()
		return nil, apierr.New(apierr.NoNodeAvailable, "no node available for requested tool/region")
	}
	node := selectNode(candidates)

	sess, ok := d.registry.Session(node.NodeUUID)
	if !ok {
		telemetry.DispatchJobsTotal.WithLabelValues("no_node_available").Inc()
		return nil, apierr.New(apierr.NoNodeAvailable, "selected node has no live session")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	if timeout > d.cfg.MaxTimeout {
		timeout = d.cfg.MaxTimeout
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(timeout)
	job := nodefabric.NewJobRecord(requestID, req.Tool, req.Target, req.Parameters, req.Priority, deadline)

	start := time.Now()
	if err := sess.SendJob(job); err != nil {
		telemetry.DispatchJobsTotal.WithLabelValues("node_disconnected").Inc()
		return nil, apierr.New(apierr.NodeDisconnected, "failed to transmit job to node")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-job.Wait():
		elapsed := time.Since(start).Seconds()
		if outcome.Kind == "NodeDisconnected" {
			telemetry.DispatchJobsTotal.WithLabelValues("node_disconnected").Inc()
			return nil, apierr.New(apierr.NodeDisconnected, "node session lost while job was pending")
		}
		telemetry.DispatchJobsTotal.WithLabelValues("success").Inc()
		telemetry.DispatchJobDuration.WithLabelValues(req.Tool).Observe(elapsed)
		return &Result{Data: outcome.Result, Success: outcome.Success, ExecutionTime: outcome.ExecutionTime}, nil

	case <-timer.C:
		sess.CancelJob(requestID)
		if err := d.registry.RecordJobOutcome(context.Background(), node.NodeUUID, 0, true); err != nil {
			d.logger.Error("recording job timeout", "node_uuid", node.NodeUUID, "error", err)
		}
		telemetry.DispatchJobsTotal.WithLabelValues("timeout").Inc()
		return nil, apierr.New(apierr.JobTimeout, "probe deadline expired with no response")

	case <-ctx.Done():
		sess.CancelJob(requestID)
		telemetry.DispatchJobsTotal.WithLabelValues("cancelled").Inc()
		return nil, apierr.New(apierr.Cancelled, "probe cancelled by caller")
	}
}
