package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBuffer_OneEntryPerMessage(t *testing.T) {
	ctx := context.Background()
	b := NewWindowBuffer()

	require.NoError(t, b.Push(ctx, "block:hourly:0", "m1", reading.Record{"reading": 1.0}))
	require.NoError(t, b.Push(ctx, "block:hourly:0", "m1", reading.Record{"reading": 2.0}))
	require.NoError(t, b.Push(ctx, "block:hourly:0", "m2", reading.Record{"reading": 3.0}))

	all, err := b.ReadAll(ctx, "block:hourly:0")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2.0, all["m1"]["reading"])
}

func TestWindowBuffer_RenameMergesAndKeys(t *testing.T) {
	ctx := context.Background()
	b := NewWindowBuffer()

	require.NoError(t, b.Push(ctx, "block:daily:0", "m1", reading.Record{"reading": 1.0}))
	require.NoError(t, b.Push(ctx, "block:hourly:0", "m2", reading.Record{"reading": 2.0}))

	require.NoError(t, b.Rename(ctx, "block:daily:0", "flush-1"))
	require.NoError(t, b.Expire(ctx, "flush-1", 0))

	keys, err := b.Keys(ctx, "block:daily:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Restore on top of a window that received new data meanwhile.
	require.NoError(t, b.Push(ctx, "block:daily:0", "m3", reading.Record{"reading": 3.0}))
	require.NoError(t, b.Rename(ctx, "flush-1", "block:daily:0"))

	all, err := b.ReadAll(ctx, "block:daily:0")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	keys, err = b.Keys(ctx, "block:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"block:daily:0", "block:hourly:0"}, keys)

	require.NoError(t, b.Delete(ctx, "block:hourly:0"))
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Rename(ctx, "missing", "elsewhere"))
	assert.Equal(t, 1, b.Len())
}

func TestWindowBuffer_KeysSweepsExpired(t *testing.T) {
	ctx := context.Background()
	b := NewWindowBuffer()

	require.NoError(t, b.Push(ctx, "flush:abc", "m1", reading.Record{"reading": 1.0}))
	require.NoError(t, b.Push(ctx, "block:hourly:0", "m2", reading.Record{"reading": 2.0}))
	require.NoError(t, b.Expire(ctx, "flush:abc", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	keys, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"block:hourly:0"}, keys)
	assert.Equal(t, 1, b.cache.Len(), "expired key released")
}

func TestQueue_ReceiveDeleteRedeliver(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	for range 12 {
		q.Send(`{"daterecorded": 1}`)
	}

	batch, err := q.Receive(ctx, storage.MaxReceiveBatch)
	require.NoError(t, err)
	require.Len(t, batch, 10)
	assert.Equal(t, 2, q.Ready())

	results, err := q.DeleteBatch(ctx, batch[:3])
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	require.NoError(t, q.Delete(ctx, batch[3]))
	assert.Len(t, q.Deleted(), 4)

	q.Redeliver()
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 8, q.Ready())

	// Stale receipt handles no longer delete.
	assert.Error(t, q.Delete(ctx, batch[4]))
}

func TestQueue_PartialDeleteFailure(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	q.SendWithID("ok", "{}")
	q.SendWithID("bad", "{}")
	q.FailDelete["bad"] = errors.New("throttled")

	batch, err := q.Receive(ctx, 10)
	require.NoError(t, err)

	results, err := q.DeleteBatch(ctx, batch)
	require.NoError(t, err)
	byID := map[string]error{}
	for _, r := range results {
		byID[r.ID] = r.Err
	}
	assert.NoError(t, byID["ok"])
	assert.Error(t, byID["bad"])
	assert.Equal(t, []string{"ok"}, q.Deleted())
}

func TestObjectStoreAndIndex(t *testing.T) {
	ctx := context.Background()
	s := NewObjectStore()

	_, found, err := s.Read(ctx, "b", "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Write(ctx, "b", "a/1.json", []byte("[]"), storage.WriteOptions{ContentType: "application/json"}))
	require.NoError(t, s.Write(ctx, "b", "a/2.json", []byte("[]"), storage.WriteOptions{}))
	require.NoError(t, s.Write(ctx, "other", "a/3.json", []byte("[]"), storage.WriteOptions{}))

	keys, err := s.List(ctx, "b", "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.json", "a/2.json"}, keys)

	idx := NewIndexWriter()
	require.NoError(t, idx.BatchPut(ctx, "t", []storage.IndexItem{{PartitionKey: "p", RangeKey: 1}}))
	require.NoError(t, idx.BatchPut(ctx, "t", []storage.IndexItem{{PartitionKey: "p", RangeKey: 1, Attributes: map[string]any{"x": 1}}}))
	assert.Equal(t, 1, idx.Len())
	item, ok := idx.Get("t", "p", 1)
	require.True(t, ok)
	assert.Equal(t, 1, item.Attributes["x"])

	assert.Error(t, idx.BatchPut(ctx, "t", make([]storage.IndexItem, storage.MaxIndexBatch+1)))
}
