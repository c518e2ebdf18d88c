package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	usageLogBufferSize   = 256
	usageLogFlushEvery   = 2 * time.Second
	usageLogFlushBatch   = 32
)

// UsageLog is the append-only accounting record written on every ticket
// release (spec invariant I4: every admitted ticket emits exactly one).
type UsageLog struct {
	PrincipalID string
	Endpoint    string
	OccurredAt  time.Time
	Success     bool
	ResponseSec float64
	ClientAddr  string
	TierID      string
	APIKeyID    string
	WasQueued   bool
	QueueWait   float64
}

// UsageLogWriter is an async buffered sink: entries queue on a channel and
// are flushed to Postgres in batches, either when the batch fills or on a
// tick, so Release never blocks on a database round trip.
type UsageLogWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	entries chan UsageLog
	wg      sync.WaitGroup
}

// NewUsageLogWriter creates a writer. Call Start to begin its flush loop and
// Close to drain it on shutdown.
func NewUsageLogWriter(pool *pgxpool.Pool, logger *slog.Logger) *UsageLogWriter {
	return &UsageLogWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan UsageLog, usageLogBufferSize),
	}
}

// Start launches the background flush loop in its own goroutine and returns
// immediately; the loop exits once ctx is cancelled and the channel has been
// drained.
func (w *UsageLogWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Close waits for the flush loop to exit.
func (w *UsageLogWriter) Close() {
	w.wg.Wait()
}

// Enqueue queues a UsageLog entry for the next flush. It never blocks the
// caller: if the buffer is full the entry is dropped and a warning logged.
func (w *UsageLogWriter) Enqueue(entry UsageLog) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("usage log buffer full, dropping entry", "principal_id", entry.PrincipalID)
	}
}

func (w *UsageLogWriter) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(usageLogFlushEvery)
	defer ticker.Stop()

	batch := make([]UsageLog, 0, usageLogFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
			if len(batch) >= usageLogFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case entry := <-w.entries:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *UsageLogWriter) flush(entries []UsageLog) {
	ctx := context.Background()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO usage_logs (principal_id, endpoint, occurred_at, success, response_time, client_addr, tier_id, api_key_id, was_queued, queue_wait)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
			e.PrincipalID, e.Endpoint, e.OccurredAt, e.Success, e.ResponseSec, e.ClientAddr, e.TierID, e.APIKeyID, e.WasQueued, e.QueueWait,
		)
	}

	if w.pool == nil {
		return
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			w.logger.Error("writing usage log entry", "error", err)
		}
	}
}
