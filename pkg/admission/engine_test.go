package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/pkg/tier"
)

func newTestEngine() *Engine {
	cfg := Config{QueueCapacity: 10, WaitTimeout: 2 * time.Second, SweepInterval: 50 * time.Millisecond}
	return New(cfg, nil, nil)
}

func principalWith(userID string, maxConcurrent, ratePerMinute, priority int) identity.Principal {
	return identity.Principal{
		UserID: userID,
		Tier: tier.Limits{
			ID:            "t",
			MaxConcurrent: maxConcurrent,
			RatePerMinute: ratePerMinute,
			RatePerHour:   ratePerMinute * 10,
			Priority:      priority,
		},
	}
}

// Seed scenario 1: concurrency cap.
func TestConcurrencyCap(t *testing.T) {
	e := newTestEngine()
	go e.Run(context.Background())
	defer e.Stop()

	p := principalWith("p1", 2, 100, 0)

	a, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)
	require.False(t, a.WasQueued)

	b, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)
	require.False(t, b.WasQueued)

	// C should queue since max_concurrent=2 is saturated.
	cDone := make(chan *RequestTicket, 1)
	cErr := make(chan error, 1)
	go func() {
		c, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
		cDone <- c
		cErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	e.Release(a, Outcome{Success: true})

	select {
	case c := <-cDone:
		err := <-cErr
		require.NoError(t, err)
		require.True(t, c.WasQueued)
		require.GreaterOrEqual(t, c.QueueWait, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("C was never admitted")
	}
}

// Seed scenario 2: rate gate.
func TestRateGate(t *testing.T) {
	e := newTestEngine()
	p := principalWith("p2", 100, 3, 0)

	for i := 0; i < 3; i++ {
		ticket, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
		require.NoError(t, err)
		e.Release(ticket, Outcome{Success: true})
	}

	_, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.Error(t, err)
}

// Seed scenario 3: priority does not jump across principals whose own
// account remains saturated.
func TestPriorityDoesNotJumpAcrossSaturatedPrincipals(t *testing.T) {
	e := newTestEngine()
	go e.Run(context.Background())
	defer e.Stop()

	hi := principalWith("hi", 1, 1000, 10)
	lo := principalWith("lo", 1, 1000, 1)

	hiTicket, err := e.Admit(context.Background(), hi, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)
	loTicket, err := e.Admit(context.Background(), lo, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)

	h2Done := make(chan *RequestTicket, 1)
	go func() {
		h2, _ := e.Admit(context.Background(), hi, RequestMeta{Endpoint: "/probe"})
		h2Done <- h2
	}()
	time.Sleep(10 * time.Millisecond)

	l2Done := make(chan *RequestTicket, 1)
	go func() {
		l2, _ := e.Admit(context.Background(), lo, RequestMeta{Endpoint: "/probe"})
		l2Done <- l2
	}()
	time.Sleep(10 * time.Millisecond)

	// Release lo's in-flight first: l2 should admit next, not h2 (hi remains saturated).
	e.Release(loTicket, Outcome{Success: true})

	select {
	case l2 := <-l2Done:
		require.NotNil(t, l2)
	case <-time.After(1 * time.Second):
		t.Fatal("l2 should have admitted after lo's release")
	}

	select {
	case <-h2Done:
		t.Fatal("h2 should not admit while hi remains saturated")
	case <-time.After(100 * time.Millisecond):
	}

	e.Release(hiTicket, Outcome{Success: true})
	select {
	case h2 := <-h2Done:
		require.NotNil(t, h2)
	case <-time.After(1 * time.Second):
		t.Fatal("h2 should admit after hi's release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	e := newTestEngine()
	p := principalWith("p3", 1, 100, 0)

	ticket, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)

	e.Release(ticket, Outcome{Success: true})
	require.NotPanics(t, func() { e.Release(ticket, Outcome{Success: true}) })
}

func TestQueueFullDeniesSynchronously(t *testing.T) {
	cfg := Config{QueueCapacity: 1, WaitTimeout: time.Second, SweepInterval: time.Second}
	e := New(cfg, nil, nil)
	p := principalWith("p4", 1, 100, 0)

	// Saturate concurrency so the next admission must try to queue.
	_, err := e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.NoError(t, err)

	// Fill the single queue slot with a parked admission.
	go func() { _, _ = e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"}) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_, err = e.Admit(context.Background(), p, RequestMeta{Endpoint: "/probe"})
	require.Error(t, err)
	require.Less(t, time.Since(start), cfg.WaitTimeout)
}
