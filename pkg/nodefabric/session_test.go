package nodefabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return &Session{
		NodeUUID: "n1",
		pending:  make(map[string]*JobRecord),
		done:     make(chan struct{}),
	}
}

func TestResolvePendingIsOnceOnly(t *testing.T) {
	s := newTestSession()
	job := NewJobRecord("req-1", "ping", "example.com", nil, 0, time.Now().Add(time.Second))
	s.pending[job.RequestID] = job

	got, ok := s.resolvePending("req-1")
	require.True(t, ok)
	require.Same(t, job, got)

	_, ok = s.resolvePending("req-1")
	require.False(t, ok, "a second resolution of the same request_id must be a no-op")
}

func TestDrainPendingResolvesAllWithGivenKind(t *testing.T) {
	s := newTestSession()
	j1 := NewJobRecord("req-1", "ping", "a", nil, 0, time.Now().Add(time.Second))
	j2 := NewJobRecord("req-2", "dns", "b", nil, 0, time.Now().Add(time.Second))
	s.pending[j1.RequestID] = j1
	s.pending[j2.RequestID] = j2

	n := s.drainPending("NodeDisconnected")
	require.Equal(t, 2, n)

	for _, j := range []*JobRecord{j1, j2} {
		select {
		case outcome := <-j.Wait():
			require.Equal(t, "NodeDisconnected", outcome.Kind)
		default:
			t.Fatalf("job %s was not resolved", j.RequestID)
		}
	}
}

func TestCancelJobPreventsLateResolution(t *testing.T) {
	s := newTestSession()
	job := NewJobRecord("req-1", "ping", "example.com", nil, 0, time.Now().Add(time.Second))
	s.pending[job.RequestID] = job

	s.CancelJob("req-1")

	_, ok := s.resolvePending("req-1")
	require.False(t, ok, "a late diagnostic_response after cancel must find nothing pending")
}
