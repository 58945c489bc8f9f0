package aggregation

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/pressurenet/readings-aggregator/internal/core/block"
	coreerrors "github.com/pressurenet/readings-aggregator/internal/core/errors"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/pressurenet/readings-aggregator/internal/handlers"
	"github.com/pressurenet/readings-aggregator/internal/metrics"
)

const (
	defaultWorkerCount       = 10
	defaultPersistedTTL      = 24 * time.Hour
	defaultPersistedCapacity = 1_000_000
	defaultBufferExpiry      = time.Hour

	flushKeyPrefix = "flush:"
)

// Outcome is what Ingest did with a message.
type Outcome int

const (
	// OutcomeBuffered: decoded and added to every granularity's window.
	OutcomeBuffered Outcome = iota
	// OutcomeDuplicateActive: already buffered or awaiting delete; receipt handle refreshed.
	OutcomeDuplicateActive
	// OutcomeDuplicatePersisted: already flushed and deleted once; scheduled for delete again.
	OutcomeDuplicatePersisted
	// OutcomeRejected: malformed; scheduled for delete, never buffered.
	OutcomeRejected
	// OutcomeDeferred: the window buffer failed; left on the queue for redelivery.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDuplicateActive:
		return "duplicate_active"
	case OutcomeDuplicatePersisted:
		return "duplicate_persisted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDeferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Options tunes an Aggregator.
type Options struct {
	Granularities []block.Granularity
	// WorkerCount bounds concurrent handler invocations during a flush.
	WorkerCount int
	// PersistedTTL is how long a deleted message id is remembered to reject redeliveries.
	PersistedTTL      time.Duration
	PersistedCapacity uint64
	// BufferExpiry bounds how long a detached window outlives a crash mid-flush.
	BufferExpiry time.Duration
	Clock        clockwork.Clock
}

func (o Options) normalized() Options {
	n := o
	if len(n.Granularities) == 0 {
		n.Granularities = block.DefaultGranularities()
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.PersistedTTL <= 0 {
		n.PersistedTTL = defaultPersistedTTL
	}
	if n.PersistedCapacity == 0 {
		n.PersistedCapacity = defaultPersistedCapacity
	}
	if n.BufferExpiry <= 0 {
		n.BufferExpiry = defaultBufferExpiry
	}
	if n.Clock == nil {
		n.Clock = clockwork.NewRealClock()
	}
	return n
}

// activeMessage tracks a buffered message until every window holding it commits.
type activeMessage struct {
	msg storage.Message
	// seq orders records by arrival so the latest delivery wins a merge.
	seq uint64
	// outstanding counts windows not yet committed; zero means ready to delete.
	outstanding int
}

// Stats is a snapshot of the aggregator's bookkeeping.
type Stats struct {
	Active    int
	Pending   int
	Persisted int
}

// FlushReport summarises one flush cycle.
type FlushReport struct {
	Granularities   []string
	Windows         int
	Committed       int
	Restored        int
	HandlerFailures int
	// Released counts messages that became deletable in this cycle.
	Released int
}

// Aggregator buffers decoded readings per window and dispatches matured
// windows to the handler chain. A message becomes deletable only after every
// window containing it has been committed by every applicable handler.
type Aggregator struct {
	buffer storage.WindowBuffer
	chain  handlers.Chain
	opts   Options
	clock  clockwork.Clock
	pool   pond.ResultPool[taskResult]

	mu        sync.Mutex
	active    map[string]*activeMessage
	pending   map[string]storage.Message
	persisted *ttlcache.Cache[string, struct{}]
	seq       uint64
	lastFlush map[string]time.Time

	// flushMu serialises flush cycles.
	flushMu sync.Mutex
}

// NewAggregator creates an Aggregator. Every granularity's flush cadence starts now.
func NewAggregator(buffer storage.WindowBuffer, chain handlers.Chain, opts Options) (*Aggregator, error) {
	opts = opts.normalized()
	seen := make(map[string]bool, len(opts.Granularities))
	for _, g := range opts.Granularities {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if seen[g.Label] {
			return nil, fmt.Errorf("duplicate granularity label %q", g.Label)
		}
		seen[g.Label] = true
	}

	now := opts.Clock.Now()
	lastFlush := make(map[string]time.Time, len(opts.Granularities))
	for _, g := range opts.Granularities {
		lastFlush[g.Label] = now
	}

	return &Aggregator{
		buffer: buffer,
		chain:  chain,
		opts:   opts,
		clock:  opts.Clock,
		pool:   pond.NewResultPool[taskResult](opts.WorkerCount),
		active: make(map[string]*activeMessage),
		persisted: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.PersistedTTL),
			ttlcache.WithCapacity[string, struct{}](opts.PersistedCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		pending:   make(map[string]storage.Message),
		lastFlush: lastFlush,
	}, nil
}

// Close stops the worker pool after running tasks finish.
func (a *Aggregator) Close() {
	a.pool.StopAndWait()
}

// Granularities returns the configured granularities.
func (a *Aggregator) Granularities() []block.Granularity {
	return slices.Clone(a.opts.Granularities)
}

// Ingest decodes a message and buffers its record in every granularity's window.
func (a *Aggregator) Ingest(ctx context.Context, msg storage.Message) Outcome {
	metrics.MessagesReceived.Inc()

	a.mu.Lock()
	if a.persisted.Has(msg.ID) {
		a.pending[msg.ID] = msg
		a.mu.Unlock()
		metrics.MessagesDuplicate.WithLabelValues("persisted").Inc()
		slog.Debug("[Aggregator] Redelivery of persisted message", "message_id", msg.ID)
		return OutcomeDuplicatePersisted
	}
	if am, ok := a.active[msg.ID]; ok {
		am.msg = msg
		if _, ok := a.pending[msg.ID]; ok {
			a.pending[msg.ID] = msg
		}
		a.mu.Unlock()
		metrics.MessagesDuplicate.WithLabelValues("active").Inc()
		return OutcomeDuplicateActive
	}
	if _, ok := a.pending[msg.ID]; ok {
		// A rejected message whose delete has not gone through yet.
		a.pending[msg.ID] = msg
		a.mu.Unlock()
		metrics.MessagesDuplicate.WithLabelValues("active").Inc()
		return OutcomeDuplicateActive
	}
	a.mu.Unlock()

	rec, err := reading.Decode(msg.Body)
	if err != nil {
		reason := reading.ReasonOf(err)
		slog.Warn("[Aggregator] Rejected message", "message_id", msg.ID, "reason", reason, "error", err)
		metrics.MessagesRejected.WithLabelValues(string(reason)).Inc()
		a.mu.Lock()
		a.pending[msg.ID] = msg
		a.mu.Unlock()
		return OutcomeRejected
	}

	ts, _ := rec.DateRecorded()
	for _, g := range a.opts.Granularities {
		key := g.KeyFor(ts)
		if err := a.buffer.Push(ctx, key.String(), msg.ID, rec); err != nil {
			slog.Error("[Aggregator] Buffer push failed, leaving message for redelivery",
				"message_id", msg.ID, "window", key.String(), "error", err)
			metrics.MessagesDeferred.Inc()
			return OutcomeDeferred
		}
	}

	a.mu.Lock()
	a.seq++
	a.active[msg.ID] = &activeMessage{msg: msg, seq: a.seq, outstanding: len(a.opts.Granularities)}
	metrics.MessagesActive.Set(float64(len(a.active)))
	a.mu.Unlock()
	return OutcomeBuffered
}

// IsWindowReady reports whether more than the granularity's cadence has
// elapsed since its last flush cycle.
func (a *Aggregator) IsWindowReady(label string) bool {
	g, ok := a.granularity(label)
	if !ok {
		return false
	}
	a.mu.Lock()
	last := a.lastFlush[label]
	a.mu.Unlock()
	return a.clock.Since(last) > g.Cadence()
}

// ReadyGranularities lists the labels whose cadence has elapsed.
func (a *Aggregator) ReadyGranularities() []string {
	var out []string
	for _, g := range a.opts.Granularities {
		if a.IsWindowReady(g.Label) {
			out = append(out, g.Label)
		}
	}
	return out
}

// FlushReady flushes every buffered window of every ready granularity.
func (a *Aggregator) FlushReady(ctx context.Context) FlushReport {
	return a.flush(ctx, a.ReadyGranularities())
}

// FlushAll flushes every granularity regardless of cadence. Used on shutdown.
func (a *Aggregator) FlushAll(ctx context.Context) FlushReport {
	labels := make([]string, len(a.opts.Granularities))
	for i, g := range a.opts.Granularities {
		labels[i] = g.Label
	}
	return a.flush(ctx, labels)
}

// detachedWindow is a window moved to a flush-scoped key for the cycle.
type detachedWindow struct {
	key      block.Key
	liveKey  string
	flushKey string
	ids      []string
	records  []reading.Record
	failed   bool
}

type taskResult struct {
	window  int
	handler string
	err     error
}

func (a *Aggregator) flush(ctx context.Context, labels []string) FlushReport {
	report := FlushReport{Granularities: labels}
	if len(labels) == 0 {
		return report
	}

	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.persisted.DeleteExpired()
	started := a.clock.Now()

	var windows []*detachedWindow
	for _, label := range labels {
		windows = append(windows, a.detach(ctx, label)...)
	}
	report.Windows = len(windows)

	group := a.pool.NewGroup()
	submitted := 0
	for i, w := range windows {
		for _, h := range a.chain.For(w.key.Label) {
			group.Submit(func() taskResult {
				return taskResult{window: i, handler: h.Name(), err: runHandler(ctx, h, w)}
			})
			submitted++
		}
	}

	// Barrier: every handler of the cycle finishes before any bookkeeping.
	var results []taskResult
	if submitted > 0 {
		var err error
		results, err = group.Wait()
		if err != nil {
			// Tasks recover their own panics; this is a pool failure.
			slog.Error("[Aggregator] Worker pool failed, restoring every window", "error", err)
			for _, w := range windows {
				w.failed = true
			}
		}
	}
	for _, r := range results {
		outcome := "success"
		if r.err != nil {
			outcome = "failure"
			windows[r.window].failed = true
			report.HandlerFailures++
			slog.Error("[Aggregator] Handler failed",
				"handler", r.handler,
				"window", windows[r.window].key.String(),
				"records", len(windows[r.window].records),
				"kind", errorKind(r.err),
				"error", r.err)
		}
		metrics.HandlerResults.WithLabelValues(r.handler, outcome).Inc()
	}

	for _, w := range windows {
		if w.failed {
			a.restore(ctx, w)
			report.Restored++
			metrics.WindowsFlushed.WithLabelValues(w.key.Label, "restored").Inc()
			continue
		}
		report.Released += a.commit(ctx, w)
		report.Committed++
		metrics.WindowsFlushed.WithLabelValues(w.key.Label, "committed").Inc()
	}

	now := a.clock.Now()
	a.mu.Lock()
	for _, label := range labels {
		a.lastFlush[label] = now
	}
	metrics.MessagesActive.Set(float64(len(a.active)))
	metrics.MessagesPendingDelete.Set(float64(len(a.pending)))
	a.mu.Unlock()

	elapsed := now.Sub(started)
	for _, label := range labels {
		metrics.FlushDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
	if report.Windows > 0 {
		slog.Info("[Aggregator] Flush cycle complete",
			"granularities", labels,
			"windows", report.Windows,
			"committed", report.Committed,
			"restored", report.Restored,
			"handler_failures", report.HandlerFailures,
			"released", report.Released,
			"duration", elapsed)
	}
	return report
}

// detach moves each live window of a granularity to a flush-scoped key so
// records ingested during the flush land in a fresh window.
func (a *Aggregator) detach(ctx context.Context, label string) []*detachedWindow {
	keys, err := a.buffer.Keys(ctx, block.LabelPrefix(label))
	if err != nil {
		slog.Error("[Aggregator] Listing windows failed", "granularity", label, "error", err)
		return nil
	}
	slices.Sort(keys)

	out := make([]*detachedWindow, 0, len(keys))
	for _, liveKey := range keys {
		key, err := block.ParseKey(liveKey)
		if err != nil {
			slog.Warn("[Aggregator] Skipping unrecognised buffer key", "key", liveKey, "error", err)
			continue
		}
		w := &detachedWindow{key: key, liveKey: liveKey, flushKey: flushKeyPrefix + uuid.NewString()}
		if err := a.buffer.Rename(ctx, liveKey, w.flushKey); err != nil {
			slog.Error("[Aggregator] Detaching window failed, retrying next cycle", "window", liveKey, "error", err)
			continue
		}
		if err := a.buffer.Expire(ctx, w.flushKey, a.opts.BufferExpiry); err != nil {
			slog.Warn("[Aggregator] Setting expiry on detached window failed", "window", liveKey, "error", err)
		}
		entries, err := a.buffer.ReadAll(ctx, w.flushKey)
		if err != nil {
			slog.Error("[Aggregator] Reading detached window failed", "window", liveKey, "error", err)
			a.restore(ctx, w)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		w.ids, w.records = a.ordered(entries)
		out = append(out, w)
	}
	return out
}

// ordered returns a window's entries in arrival order.
func (a *Aggregator) ordered(entries map[string]reading.Record) ([]string, []reading.Record) {
	type entry struct {
		id  string
		seq uint64
	}
	list := make([]entry, 0, len(entries))
	a.mu.Lock()
	for id := range entries {
		e := entry{id: id}
		if am, ok := a.active[id]; ok {
			e.seq = am.seq
		}
		list = append(list, e)
	}
	a.mu.Unlock()

	slices.SortFunc(list, func(x, y entry) int {
		if c := cmp.Compare(x.seq, y.seq); c != 0 {
			return c
		}
		return cmp.Compare(x.id, y.id)
	})

	ids := make([]string, len(list))
	records := make([]reading.Record, len(list))
	for i, e := range list {
		ids[i] = e.id
		records[i] = entries[e.id]
	}
	return ids, records
}

func runHandler(ctx context.Context, h handlers.Handler, w *detachedWindow) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Aggregator] Handler panicked",
				"handler", h.Name(),
				"window", w.key.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, w.key, w.records)
}

// errorKind classifies a handler failure for logs.
func errorKind(err error) string {
	switch {
	case coreerrors.IsTerminal(err):
		return "terminal"
	case coreerrors.IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}

// commit drops a committed window and releases messages with no window left.
func (a *Aggregator) commit(ctx context.Context, w *detachedWindow) int {
	if err := a.buffer.Delete(ctx, w.flushKey); err != nil {
		slog.Warn("[Aggregator] Dropping committed window failed, left to expire", "window", w.liveKey, "error", err)
	}

	released := 0
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range w.ids {
		am, ok := a.active[id]
		if !ok || am.outstanding == 0 {
			continue
		}
		am.outstanding--
		if am.outstanding == 0 {
			a.pending[id] = am.msg
			released++
		}
	}
	return released
}

// restore moves a detached window back so the next cycle retries it with every
// handler. If that fails the records survive only until the detached key
// expires, so the messages are forgotten and re-buffered on redelivery.
func (a *Aggregator) restore(ctx context.Context, w *detachedWindow) {
	err := a.buffer.Rename(ctx, w.flushKey, w.liveKey)
	if err == nil {
		return
	}
	slog.Error("[Aggregator] Restoring window failed, messages will be re-ingested on redelivery",
		"window", w.liveKey, "messages", len(w.ids), "error", err)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range w.ids {
		delete(a.active, id)
		delete(a.pending, id)
	}
}

// PendingDeletes returns the messages ready to be deleted, ordered by id.
func (a *Aggregator) PendingDeletes() []storage.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]storage.Message, 0, len(a.pending))
	for _, msg := range a.pending {
		out = append(out, msg)
	}
	slices.SortFunc(out, func(x, y storage.Message) int { return cmp.Compare(x.ID, y.ID) })
	return out
}

// Acknowledge records messages as deleted from the queue.
func (a *Aggregator) Acknowledge(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		delete(a.active, id)
		delete(a.pending, id)
		a.persisted.Set(id, struct{}{}, ttlcache.DefaultTTL)
	}
	metrics.MessagesActive.Set(float64(len(a.active)))
	metrics.MessagesPendingDelete.Set(float64(len(a.pending)))
}

// Stats returns a snapshot of the bookkeeping sizes.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Active: len(a.active), Pending: len(a.pending), Persisted: a.persisted.Len()}
}

func (a *Aggregator) granularity(label string) (block.Granularity, bool) {
	for _, g := range a.opts.Granularities {
		if g.Label == label {
			return g, true
		}
	}
	return block.Granularity{}, false
}
