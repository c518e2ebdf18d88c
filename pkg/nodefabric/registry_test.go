package nodefabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, nil)
}

func seedNode(r *Registry, uuid string, status Status, load float64, tool string, heartbeat time.Time) *ProbeNode {
	n := &ProbeNode{
		NodeUUID:       uuid,
		Status:         status,
		CurrentLoad:    load,
		SupportedTools: map[string]bool{tool: true},
		LastHeartbeat:  heartbeat,
		Region:         "us-east",
	}
	r.nodesMu.Lock()
	r.nodes[uuid] = n
	r.nodesMu.Unlock()
	return n
}

func TestCandidatesFiltersByToolStatusAndLiveness(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()

	seedNode(r, "live-ping", StatusActive, 0.1, "ping", now)
	seedNode(r, "stale-ping", StatusActive, 0.05, "ping", now.Add(-time.Hour))
	seedNode(r, "inactive-ping", StatusDisconnected, 0.0, "ping", now)
	seedNode(r, "wrong-tool", StatusActive, 0.0, "traceroute", now)

	candidates := r.Candidates("ping", "", 45*time.Second)
	require.Len(t, candidates, 1)
	require.Equal(t, "live-ping", candidates[0].NodeUUID)
}

func TestBindSessionEnforcesSingleSessionPerNode(t *testing.T) {
	r := newTestRegistry()
	s1 := &Session{NodeUUID: "n1"}
	s2 := &Session{NodeUUID: "n1"}

	require.True(t, r.BindSession("n1", s1))
	require.False(t, r.BindSession("n1", s2))

	got, ok := r.Session("n1")
	require.True(t, ok)
	require.Same(t, s1, got)
}

func TestUnbindSessionOnlyRemovesCurrentBinding(t *testing.T) {
	r := newTestRegistry()
	s1 := &Session{NodeUUID: "n1"}
	s2 := &Session{NodeUUID: "n1"}

	require.True(t, r.BindSession("n1", s1))
	// s2 was never bound (rejected by I1); unbinding it must not clear s1.
	r.UnbindSession("n1", s2)

	got, ok := r.Session("n1")
	require.True(t, ok)
	require.Same(t, s1, got)
}
