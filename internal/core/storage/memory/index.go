package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

type indexKey struct {
	table        string
	partitionKey string
	rangeKey     int64
}

// IndexWriter is an in-memory storage.IndexWriter. Puts replace existing items.
type IndexWriter struct {
	mu      sync.Mutex
	items   map[indexKey]storage.IndexItem
	batches []int

	// Err, when set, fails every BatchPut.
	Err error
}

// NewIndexWriter creates an empty index.
func NewIndexWriter() *IndexWriter {
	return &IndexWriter{items: make(map[indexKey]storage.IndexItem)}
}

func (w *IndexWriter) BatchPut(_ context.Context, table string, items []storage.IndexItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Err != nil {
		return w.Err
	}
	if len(items) > storage.MaxIndexBatch {
		return fmt.Errorf("batch of %d items exceeds limit %d", len(items), storage.MaxIndexBatch)
	}
	for _, item := range items {
		w.items[indexKey{table, item.PartitionKey, item.RangeKey}] = item
	}
	w.batches = append(w.batches, len(items))
	return nil
}

// Get returns a stored item for assertions.
func (w *IndexWriter) Get(table, partitionKey string, rangeKey int64) (storage.IndexItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.items[indexKey{table, partitionKey, rangeKey}]
	return item, ok
}

// Len returns the number of stored items.
func (w *IndexWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Batches returns the size of every accepted batch, in order.
func (w *IndexWriter) Batches() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.batches...)
}
