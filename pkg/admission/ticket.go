package admission

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestTicket is the handle representing one admitted request's hold on
// rate and concurrency resources. It is created at admission entry and
// destroyed on release; release is idempotent (spec P7).
type RequestTicket struct {
	RequestID  string
	Principal  string
	Priority   int
	EnqueuedAt time.Time
	StartTime  time.Time
	Path       string
	WasQueued  bool
	QueueWait  time.Duration

	once     sync.Once
	released bool
}

func newTicket(principal, path string, priority int) *RequestTicket {
	now := time.Now()
	return &RequestTicket{
		RequestID:  uuid.NewString(),
		Principal:  principal,
		Priority:   priority,
		EnqueuedAt: now,
		StartTime:  now,
		Path:       path,
	}
}

// Outcome describes how an admitted request concluded, for the UsageLog
// record written on release.
type Outcome struct {
	Success     bool
	ClientAddr  string
	TierID      string
	APIKeyID    string
	ResponseSec float64
}
