package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/pressurenet/readings-aggregator/internal/metrics"
)

const (
	defaultBatchSize       = storage.MaxReceiveBatch
	defaultPollInterval    = time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultStallAfter      = 5 * time.Minute
)

// DrainOptions tunes the drain loop.
type DrainOptions struct {
	// BatchSize is the receive size, capped at storage.MaxReceiveBatch.
	BatchSize int
	// PollInterval is the pause after an empty receive.
	PollInterval time.Duration
	// ErrorBackoffInitial and ErrorBackoffMax bound the pause after a failed iteration.
	ErrorBackoffInitial time.Duration
	ErrorBackoffMax     time.Duration
	// ShutdownTimeout bounds the final flush on cancellation.
	ShutdownTimeout time.Duration
	// StallAfter is how long without a successful receive before Ping fails.
	StallAfter time.Duration
	Clock      clockwork.Clock
}

func (o DrainOptions) normalized() DrainOptions {
	n := o
	if n.BatchSize <= 0 || n.BatchSize > storage.MaxReceiveBatch {
		n.BatchSize = defaultBatchSize
	}
	if n.PollInterval <= 0 {
		n.PollInterval = defaultPollInterval
	}
	if n.ErrorBackoffInitial <= 0 {
		n.ErrorBackoffInitial = time.Second
	}
	if n.ErrorBackoffMax <= 0 {
		n.ErrorBackoffMax = 30 * time.Second
	}
	if n.ShutdownTimeout <= 0 {
		n.ShutdownTimeout = defaultShutdownTimeout
	}
	if n.StallAfter <= 0 {
		n.StallAfter = defaultStallAfter
	}
	if n.Clock == nil {
		n.Clock = clockwork.NewRealClock()
	}
	return n
}

// IterationReport summarises one receive → ingest → flush → delete pass.
type IterationReport struct {
	Received       int
	Outcomes       map[Outcome]int
	Flush          FlushReport
	Deleted        int
	DeleteFailures int
}

// Drainer is the top-level loop for one queue.
type Drainer struct {
	queue   storage.Queue
	agg     *Aggregator
	opts    DrainOptions
	clock   clockwork.Clock
	backoff *backoff.ExponentialBackOff

	mu          sync.Mutex
	lastSuccess time.Time
}

// NewDrainer creates a drain loop feeding agg from queue.
func NewDrainer(queue storage.Queue, agg *Aggregator, opts DrainOptions) *Drainer {
	opts = opts.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ErrorBackoffInitial
	b.MaxInterval = opts.ErrorBackoffMax
	return &Drainer{
		queue:       queue,
		agg:         agg,
		opts:        opts,
		clock:       opts.Clock,
		backoff:     b,
		lastSuccess: opts.Clock.Now(),
	}
}

// Start runs the loop until ctx is cancelled, then flushes every buffered
// window and deletes what it can within the shutdown timeout. A failed or
// panicking iteration is logged and the loop carries on.
func (d *Drainer) Start(ctx context.Context) error {
	slog.Info("[Drainer] Starting queue drain loop",
		"batch_size", d.opts.BatchSize,
		"poll_interval", d.opts.PollInterval,
		"granularities", len(d.agg.Granularities()),
	)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		default:
		}

		report, err := d.safeRunOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			wait = d.backoff.NextBackOff()
			slog.Error("[Drainer] Iteration failed, backing off", "error", err, "backoff", wait)
		case report.Received == 0:
			d.backoff.Reset()
			wait = d.opts.PollInterval
		default:
			d.backoff.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.clock.After(wait):
		}
	}
}

func (d *Drainer) shutdown() error {
	slog.Info("[Drainer] Stopping (context cancelled)")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()

	slog.Info("[Drainer] Running final flush before shutdown...")
	flush := d.agg.FlushAll(shutdownCtx)
	deleted, failed := d.deletePending(shutdownCtx)
	stats := d.agg.Stats()
	slog.Info("[Drainer] Final flush complete",
		"windows", flush.Windows,
		"restored", flush.Restored,
		"deleted", deleted,
		"delete_failures", failed,
		"still_active", stats.Active,
	)
	return nil
}

func (d *Drainer) safeRunOnce(ctx context.Context) (report IterationReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IterationPanics.Inc()
			slog.Error("[Drainer] Iteration panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("drain iteration panicked: %v", r)
		}
	}()
	return d.RunOnce(ctx)
}

// RunOnce performs one iteration. Ready windows are flushed and pending
// deletes sent even when the receive failed.
func (d *Drainer) RunOnce(ctx context.Context) (IterationReport, error) {
	report := IterationReport{Outcomes: make(map[Outcome]int)}

	msgs, recvErr := d.queue.Receive(ctx, d.opts.BatchSize)
	if recvErr != nil {
		metrics.ReceiveErrs.Inc()
		recvErr = fmt.Errorf("receive: %w", recvErr)
	} else {
		d.mu.Lock()
		d.lastSuccess = d.clock.Now()
		d.mu.Unlock()
	}

	report.Received = len(msgs)
	for _, msg := range msgs {
		report.Outcomes[d.agg.Ingest(ctx, msg)]++
	}

	report.Flush = d.agg.FlushReady(ctx)
	report.Deleted, report.DeleteFailures = d.deletePending(ctx)

	if report.Received > 0 || report.Deleted > 0 {
		slog.Debug("[Drainer] Iteration complete",
			"received", report.Received,
			"flushed_windows", report.Flush.Windows,
			"deleted", report.Deleted,
			"delete_failures", report.DeleteFailures)
	}
	return report, recvErr
}

// deletePending deletes every deletable message in batches of at most
// storage.MaxDeleteBatch. Failed deletes stay pending for the next pass.
func (d *Drainer) deletePending(ctx context.Context) (deleted, failed int) {
	pending := d.agg.PendingDeletes()
	if len(pending) == 0 {
		return 0, 0
	}

	acked := make([]string, 0, len(pending))
	for start := 0; start < len(pending); start += storage.MaxDeleteBatch {
		chunk := pending[start:min(start+storage.MaxDeleteBatch, len(pending))]

		if len(chunk) == 1 {
			if err := d.queue.Delete(ctx, chunk[0]); err != nil {
				slog.Warn("[Drainer] Delete failed", "message_id", chunk[0].ID, "error", err)
				failed++
				continue
			}
			acked = append(acked, chunk[0].ID)
			continue
		}

		results, err := d.queue.DeleteBatch(ctx, chunk)
		if err != nil {
			slog.Warn("[Drainer] Delete batch failed", "messages", len(chunk), "error", err)
			failed += len(chunk)
			continue
		}
		for _, r := range results {
			if r.Err != nil {
				slog.Warn("[Drainer] Delete failed", "message_id", r.ID, "error", r.Err)
				failed++
				continue
			}
			acked = append(acked, r.ID)
		}
	}

	d.agg.Acknowledge(acked)
	metrics.MessagesDeleted.Add(float64(len(acked)))
	metrics.DeleteErrs.Add(float64(failed))
	return len(acked), failed
}

// Name identifies the drainer as a health checker.
func (d *Drainer) Name() string { return "queue" }

// Ping fails when no receive has succeeded for longer than StallAfter.
func (d *Drainer) Ping(_ context.Context) error {
	d.mu.Lock()
	last := d.lastSuccess
	d.mu.Unlock()
	if since := d.clock.Since(last); since > d.opts.StallAfter {
		return fmt.Errorf("no successful receive for %s", since.Round(time.Second))
	}
	return nil
}
