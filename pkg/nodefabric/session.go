package nodefabric

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState is a connection's position in the handshake/liveness state
// machine described for the Session Layer.
type SessionState string

const (
	StateAccepted      SessionState = "accepted"
	StateAuthenticated SessionState = "authenticated"
	StateActive        SessionState = "active"
	StateClosed        SessionState = "closed"
)

// CloseReason classifies why a Session's Active state ended.
type CloseReason string

const (
	CloseNormal           CloseReason = "normal"
	ClosePolicyViolation   CloseReason = "policy_violation"
	CloseDuplicateBinding CloseReason = "duplicate_binding"
	CloseStale            CloseReason = "stale"
)

// JobRecord is an outstanding probe dispatch awaiting a correlated result.
type JobRecord struct {
	RequestID  string
	Tool       string
	Target     string
	Parameters map[string]any
	Priority   int
	Deadline   time.Time
	resultCh   chan JobOutcome
}

// NewJobRecord creates a JobRecord ready to hand to a Session's SendJob.
func NewJobRecord(requestID, tool, target string, parameters map[string]any, priority int, deadline time.Time) *JobRecord {
	return &JobRecord{
		RequestID:  requestID,
		Tool:       tool,
		Target:     target,
		Parameters: parameters,
		Priority:   priority,
		Deadline:   deadline,
		resultCh:   make(chan JobOutcome, 1),
	}
}

// Wait returns the channel on which this job's outcome is delivered exactly once.
func (j *JobRecord) Wait() <-chan JobOutcome {
	return j.resultCh
}

// JobOutcome is what a Session delivers on a JobRecord's Wait channel: a
// result from the node, or a disconnection when the session closes with the
// job still pending. Timeouts and cancellations are resolved by the
// Dispatcher itself and never arrive as a JobOutcome.
type JobOutcome struct {
	Result        map[string]any
	Success       bool
	ExecutionTime float64
	Kind          string // "" for a delivered result; "NodeDisconnected" when the session closed
}

// Session is a live bidirectional channel to one node. At most one Session
// may be bound to a given node_uuid at any instant (invariant I1).
type Session struct {
	ConnectionID string
	NodeUUID     string

	conn     *websocket.Conn
	logger   *slog.Logger
	openedAt time.Time

	writeMu sync.Mutex

	rxMu   sync.Mutex
	lastRx time.Time

	pendingMu sync.Mutex
	pending   map[string]*JobRecord

	state SessionState

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(nodeUUID, connectionID string, conn *websocket.Conn, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ConnectionID: connectionID,
		NodeUUID:     nodeUUID,
		conn:         conn,
		logger:       logger,
		openedAt:     now,
		lastRx:       now,
		pending:      make(map[string]*JobRecord),
		state:        StateActive,
		done:         make(chan struct{}),
	}
}

// LastRx returns the time of the most recently received frame.
func (s *Session) LastRx() time.Time {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	return s.lastRx
}

func (s *Session) touchRx() {
	s.rxMu.Lock()
	s.lastRx = time.Now()
	s.rxMu.Unlock()
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// SendJob transmits a diagnostic_job frame and registers the JobRecord for
// correlation against the matching diagnostic_response.
func (s *Session) SendJob(job *JobRecord) error {
	s.pendingMu.Lock()
	s.pending[job.RequestID] = job
	s.pendingMu.Unlock()

	timeout := int(time.Until(job.Deadline).Seconds())
	frame := DiagnosticJobFrame{
		Type:       FrameDiagnosticJob,
		RequestID:  job.RequestID,
		Tool:       job.Tool,
		Target:     job.Target,
		Parameters: job.Parameters,
		Priority:   job.Priority,
		Timeout:    timeout,
		Timestamp:  time.Now().Unix(),
	}
	if err := s.writeJSON(frame); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, job.RequestID)
		s.pendingMu.Unlock()
		return err
	}
	return nil
}

// CancelJob removes a JobRecord from the pending map without transmitting
// anything further, so a subsequent late diagnostic_response is discarded
// silently (spec's late-result-after-cancel requirement).
func (s *Session) CancelJob(requestID string) {
	s.pendingMu.Lock()
	delete(s.pending, requestID)
	s.pendingMu.Unlock()
}

// resolvePending atomically looks up and removes a JobRecord, so a late
// frame for an already-resolved request_id (timeout or cancel raced the
// response) is a no-op rather than a double resolution.
func (s *Session) resolvePending(requestID string) (*JobRecord, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	job, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return job, ok
}

// drainPending resolves every still-pending job with the given kind (used
// on session close) and returns how many were drained.
func (s *Session) drainPending(kind string) int {
	s.pendingMu.Lock()
	jobs := make([]*JobRecord, 0, len(s.pending))
	for id, j := range s.pending {
		jobs = append(jobs, j)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	for _, j := range jobs {
		j.resultCh <- JobOutcome{Kind: kind}
	}
	return len(jobs)
}

// Close shuts down the underlying transport exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func decodeFrame(raw []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}
