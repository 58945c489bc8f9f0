package storage

import (
	"context"
	"time"

	"github.com/pressurenet/readings-aggregator/internal/core/reading"
)

// Collaborator batch limits.
const (
	// MaxReceiveBatch is the most messages one receive call returns.
	MaxReceiveBatch = 10
	// MaxDeleteBatch is the most messages one delete-batch call accepts.
	MaxDeleteBatch = 10
	// MaxIndexBatch is the most items one index batch-put accepts.
	MaxIndexBatch = 25
)

// Message is one queue delivery. ID is assigned by the queue and is stable
// across redeliveries; ReceiptHandle changes on every delivery.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
}

// DeleteResult is the per-message outcome of a delete-batch call.
type DeleteResult struct {
	ID  string
	Err error
}

// Queue is an at-least-once message queue.
type Queue interface {
	// Receive returns up to max messages; an empty slice means the queue is idle.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Delete acknowledges a single message.
	Delete(ctx context.Context, msg Message) error

	// DeleteBatch acknowledges up to MaxDeleteBatch messages. A non-nil error means
	// the whole call failed; per-message failures are reported in the results.
	DeleteBatch(ctx context.Context, msgs []Message) ([]DeleteResult, error)
}

// WriteOptions controls how an object is stored.
type WriteOptions struct {
	ContentType string
	// Compress gzips the content and records the encoding in object metadata.
	Compress bool
}

// ObjectStore is a key/blob store. Read reverses any compression applied by Write.
type ObjectStore interface {
	// Read returns the object content; found is false when the key does not exist.
	Read(ctx context.Context, bucket, key string) (content []byte, found bool, err error)
	Write(ctx context.Context, bucket, key string, content []byte, opts WriteOptions) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// IndexItem is one geospatial statistic row.
type IndexItem struct {
	PartitionKey string
	RangeKey     int64
	Attributes   map[string]any
}

// IndexWriter is a keyed range store. Callers chunk to MaxIndexBatch.
type IndexWriter interface {
	BatchPut(ctx context.Context, table string, items []IndexItem) error
}

// WindowBuffer holds pre-flush records keyed by window, one entry per message id.
type WindowBuffer interface {
	// Push stores rec under key, replacing any previous entry for the same id.
	Push(ctx context.Context, key, id string, rec reading.Record) error

	// ReadAll returns every entry under key, by message id.
	ReadAll(ctx context.Context, key string) (map[string]reading.Record, error)

	// Rename moves all entries from one key to another, merging into any entries
	// already there and clearing any expiry.
	Rename(ctx context.Context, from, to string) error

	// Expire drops key after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete drops key immediately.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
