package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pressurenet/readings-aggregator/internal/core/block"
	coreerrors "github.com/pressurenet/readings-aggregator/internal/core/errors"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/pressurenet/readings-aggregator/internal/core/storage/memory"
	"github.com/pressurenet/readings-aggregator/internal/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{"latitude": 57.64911, "longitude": 10.40744, "daterecorded": 1000000000123, "reading": 1002.5, "user_id": "u1", "sharing": "Public"}`

// stubHandler records invocations and fails or panics on demand.
type stubHandler struct {
	name   string
	labels []string

	mu    sync.Mutex
	calls map[string]int
	seen  map[string][]reading.Record
	fail  error
	panic bool
}

func newStub(name string, labels ...string) *stubHandler {
	return &stubHandler{name: name, labels: labels, calls: make(map[string]int), seen: make(map[string][]reading.Record)}
}

func (s *stubHandler) Name() string { return s.name }

func (s *stubHandler) Accepts(label string) bool {
	if len(s.labels) == 0 {
		return true
	}
	for _, l := range s.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (s *stubHandler) Handle(_ context.Context, key block.Key, records []reading.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key.String()]++
	s.seen[key.String()] = records
	if s.panic {
		panic("boom")
	}
	return s.fail
}

func (s *stubHandler) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *stubHandler) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func newTestAggregator(t *testing.T, buffer storage.WindowBuffer, chain handlers.Chain) (*Aggregator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	agg, err := NewAggregator(buffer, chain, Options{
		Granularities: block.DefaultGranularities(),
		WorkerCount:   4,
		Clock:         clock,
	})
	require.NoError(t, err)
	t.Cleanup(agg.Close)
	return agg, clock
}

func msg(id, body string) storage.Message {
	return storage.Message{ID: id, Body: []byte(body), ReceiptHandle: "rh-" + id}
}

func pendingIDs(agg *Aggregator) []string {
	var ids []string
	for _, m := range agg.PendingDeletes() {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestIngest_Outcomes(t *testing.T) {
	agg, _ := newTestAggregator(t, memory.NewWindowBuffer(), nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeBuffered, agg.Ingest(ctx, msg("m1", validBody)))
	assert.Equal(t, OutcomeDuplicateActive, agg.Ingest(ctx, msg("m1", validBody)))
	assert.Equal(t, OutcomeRejected, agg.Ingest(ctx, msg("bad", `{"reading": 1000}`)))
	assert.Equal(t, OutcomeDuplicateActive, agg.Ingest(ctx, msg("bad", `{"reading": 1000}`)), "redelivered reject awaiting delete")

	assert.Equal(t, []string{"bad"}, pendingIDs(agg))
	assert.Equal(t, Stats{Active: 1, Pending: 1}, agg.Stats())

	agg.Acknowledge([]string{"bad"})
	assert.Equal(t, OutcomeDuplicatePersisted, agg.Ingest(ctx, msg("bad", `{"reading": 1000}`)))
	assert.Equal(t, []string{"bad"}, pendingIDs(agg))
	assert.Equal(t, 1, agg.Stats().Persisted)
}

func TestIngest_DuplicateRefreshesReceiptHandle(t *testing.T) {
	agg, _ := newTestAggregator(t, memory.NewWindowBuffer(), nil)
	ctx := context.Background()

	agg.Ingest(ctx, msg("bad", "not json"))
	again := msg("bad", "not json")
	again.ReceiptHandle = "rh-second"
	agg.Ingest(ctx, again)

	require.Len(t, agg.PendingDeletes(), 1)
	assert.Equal(t, "rh-second", agg.PendingDeletes()[0].ReceiptHandle)
}

func TestIngest_RejectionReasons(t *testing.T) {
	buffer := memory.NewWindowBuffer()
	agg, _ := newTestAggregator(t, buffer, nil)

	bodies := []string{
		`not json`,
		`[1, 2, 3]`,
		`{"latitude": 1, "nested": {"a": 1}, "daterecorded": 5}`,
		`{"latitude": 1}`,
		`{"daterecorded": "yesterday"}`,
		`{"daterecorded": 1000.5}`,
	}
	for i, body := range bodies {
		assert.Equal(t, OutcomeRejected, agg.Ingest(context.Background(), msg(string(rune('a'+i)), body)), body)
	}
	assert.Equal(t, 0, buffer.Len())
	assert.Len(t, agg.PendingDeletes(), len(bodies))
}

func TestIngest_FansOutToEveryGranularity(t *testing.T) {
	buffer := memory.NewWindowBuffer()
	agg, _ := newTestAggregator(t, buffer, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeBuffered, agg.Ingest(ctx, msg("m1", validBody)))

	for _, key := range []string{"block:10minute:999999600000", "block:hourly:999997200000", "block:daily:999993600000"} {
		entries, err := buffer.ReadAll(ctx, key)
		require.NoError(t, err)
		require.Contains(t, entries, "m1", key)
		ts, _ := entries["m1"].DateRecorded()
		assert.Equal(t, int64(1000000000123), ts)
	}
	assert.Equal(t, 3, buffer.Len())
}

// flakyBuffer fails Push or Rename on demand.
type flakyBuffer struct {
	*memory.WindowBuffer
	failPush     bool
	failRenameTo string
}

func (b *flakyBuffer) Push(ctx context.Context, key, id string, rec reading.Record) error {
	if b.failPush {
		return errors.New("buffer unavailable")
	}
	return b.WindowBuffer.Push(ctx, key, id, rec)
}

func (b *flakyBuffer) Rename(ctx context.Context, from, to string) error {
	if b.failRenameTo != "" && strings.HasPrefix(to, b.failRenameTo) {
		return errors.New("rename refused")
	}
	return b.WindowBuffer.Rename(ctx, from, to)
}

func TestIngest_BufferFailureDefers(t *testing.T) {
	buffer := &flakyBuffer{WindowBuffer: memory.NewWindowBuffer(), failPush: true}
	agg, _ := newTestAggregator(t, buffer, nil)

	assert.Equal(t, OutcomeDeferred, agg.Ingest(context.Background(), msg("m1", validBody)))
	assert.Equal(t, Stats{}, agg.Stats())

	buffer.failPush = false
	assert.Equal(t, OutcomeBuffered, agg.Ingest(context.Background(), msg("m1", validBody)))
}

func TestIsWindowReady_FollowsCadence(t *testing.T) {
	agg, clock := newTestAggregator(t, memory.NewWindowBuffer(), nil)

	assert.False(t, agg.IsWindowReady("10minute"))
	clock.Advance(10 * time.Minute)
	assert.False(t, agg.IsWindowReady("10minute"), "ready only once the cadence is exceeded")
	clock.Advance(time.Millisecond)
	assert.True(t, agg.IsWindowReady("10minute"))
	assert.False(t, agg.IsWindowReady("hourly"))
	assert.False(t, agg.IsWindowReady("weekly"))
	assert.Equal(t, []string{"10minute"}, agg.ReadyGranularities())

	agg.FlushReady(context.Background())
	assert.False(t, agg.IsWindowReady("10minute"), "flush restarts the cadence")
}

func TestFlush_MessageReleasedAfterEveryGranularityCommits(t *testing.T) {
	h := newStub("archive")
	agg, clock := newTestAggregator(t, memory.NewWindowBuffer(), handlers.Chain{h})
	ctx := context.Background()

	agg.Ingest(ctx, msg("m1", validBody))
	agg.Ingest(ctx, msg("m2", strings.Replace(validBody, "1000000000123", "1000000000999", 1)))

	clock.Advance(10*time.Minute + time.Millisecond)
	report := agg.FlushReady(ctx)
	assert.Equal(t, []string{"10minute"}, report.Granularities)
	assert.Equal(t, 1, report.Windows)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 0, report.Released)
	assert.Empty(t, agg.PendingDeletes())
	assert.Len(t, h.seen["block:10minute:999999600000"], 2)

	report = agg.FlushAll(ctx)
	assert.Equal(t, 2, report.Committed, "the 10minute window was already drained")
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, []string{"m1", "m2"}, pendingIDs(agg))
}

func TestFlush_PartialFailureRetriesEveryHandler(t *testing.T) {
	store := memory.NewObjectStore()
	index := memory.NewIndexWriter()
	gs := block.DefaultGranularities()
	chain, err := handlers.BuildChain(handlers.DefaultStreams("public", gs), handlers.ChainDeps{
		Store:         store,
		Index:         index,
		Granularities: gs,
		PrivateBucket: "private",
		Table:         "geo_statistics",
	})
	require.NoError(t, err)
	counter := newStub("counter")
	chain = append(chain, counter)

	agg, _ := newTestAggregator(t, memory.NewWindowBuffer(), chain)
	ctx := context.Background()
	agg.Ingest(ctx, msg("m1", validBody))

	index.Err = errors.New("throughput exceeded")
	report := agg.FlushAll(ctx)
	assert.Equal(t, 3, report.Windows)
	assert.Equal(t, 1, report.Committed, "daily has no statistics handler")
	assert.Equal(t, 2, report.Restored)
	assert.Equal(t, 2, report.HandlerFailures)
	assert.Empty(t, agg.PendingDeletes(), "a restored window holds the message back")

	index.Err = nil
	report = agg.FlushAll(ctx)
	assert.Equal(t, 2, report.Windows)
	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, []string{"m1"}, pendingIDs(agg))

	tenMinute := "block:10minute:999999600000"
	assert.Equal(t, 2, counter.callCount(tenMinute), "archive handlers rerun with the retried window")
	assert.Equal(t, 1, counter.callCount("block:daily:999993600000"))

	obj, ok := store.Get("private", handlers.ArchivePath(handlers.DefaultArchiveRoot, "combined/"+handlers.SharingPrivate, "json", "10minute", 999999600000))
	require.True(t, ok)
	records, err := reading.DecodeArchive(obj.Content)
	require.NoError(t, err)
	assert.Len(t, records, 1, "rerun merges to the same archive")

	item, ok := index.Get("geo_statistics", "10minute-u4pru", 999999600000)
	require.True(t, ok)
	assert.Equal(t, 1, item.Attributes["samples"])
}

func TestFlush_HandlerPanicRestoresWindow(t *testing.T) {
	h := newStub("explosive", "10minute")
	h.panic = true
	buffer := memory.NewWindowBuffer()
	agg, _ := newTestAggregator(t, buffer, handlers.Chain{h})
	ctx := context.Background()

	agg.Ingest(ctx, msg("m1", validBody))
	report := agg.FlushAll(ctx)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 1, report.HandlerFailures)
	assert.Empty(t, agg.PendingDeletes())

	entries, err := buffer.ReadAll(ctx, "block:10minute:999999600000")
	require.NoError(t, err)
	assert.Contains(t, entries, "m1")
}

func TestFlush_RestoreFailureForgetsMessages(t *testing.T) {
	h := newStub("archive")
	h.setFail(errors.New("store down"))
	buffer := &flakyBuffer{WindowBuffer: memory.NewWindowBuffer(), failRenameTo: "block:"}
	agg, _ := newTestAggregator(t, buffer, handlers.Chain{h})
	ctx := context.Background()

	agg.Ingest(ctx, msg("m1", validBody))
	agg.FlushAll(ctx)
	assert.Equal(t, Stats{}, agg.Stats())

	buffer.failRenameTo = ""
	assert.Equal(t, OutcomeBuffered, agg.Ingest(ctx, msg("m1", validBody)), "redelivery is buffered again")
}

func TestFlush_LatestDeliveryWinsWithinWindow(t *testing.T) {
	h := newStub("archive", "10minute")
	agg, _ := newTestAggregator(t, memory.NewWindowBuffer(), handlers.Chain{h})
	ctx := context.Background()

	// Message ids sort opposite to arrival so ordering cannot come from the ids.
	for i, id := range []string{"z", "m", "a"} {
		body := `{"latitude": 1.0, "longitude": 2.0, "daterecorded": 5000, "reading": ` + string(rune('1'+i)) + `}`
		require.Equal(t, OutcomeBuffered, agg.Ingest(ctx, msg(id, body)))
	}
	agg.FlushAll(ctx)

	records := h.seen["block:10minute:0"]
	require.Len(t, records, 3)
	merged := handlers.Merge(nil, records)
	require.Len(t, merged, 1)
	assert.Equal(t, "3", merged[0].String(reading.FieldReading))
}

func TestFlush_NothingBuffered(t *testing.T) {
	h := newStub("archive")
	agg, _ := newTestAggregator(t, memory.NewWindowBuffer(), handlers.Chain{h})

	report := agg.FlushAll(context.Background())
	assert.Equal(t, 0, report.Windows)
	assert.Empty(t, h.calls)
	assert.Empty(t, agg.FlushReady(context.Background()).Granularities)
}

func TestNewAggregator_RejectsBadGranularities(t *testing.T) {
	_, err := NewAggregator(memory.NewWindowBuffer(), nil, Options{Granularities: []block.Granularity{
		{Label: "hourly", Duration: time.Hour},
		{Label: "hourly", Duration: 2 * time.Hour},
	}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewAggregator(memory.NewWindowBuffer(), nil, Options{Granularities: []block.Granularity{{Label: "bad:label", Duration: time.Hour}}})
	assert.Error(t, err)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "duplicate_persisted", OutcomeDuplicatePersisted.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "transient", errorKind(fmt.Errorf("archive: %w", coreerrors.MarkTransient("s3.PutObject", errors.New("slow down")))))
	assert.Equal(t, "terminal", errorKind(fmt.Errorf("decode: %w", coreerrors.ErrMalformed)))
	assert.Equal(t, "unknown", errorKind(errors.New("handler archive panicked")))
}
