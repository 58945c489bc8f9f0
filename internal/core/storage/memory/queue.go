package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

type queued struct {
	id   string
	body []byte
}

// Queue is an in-memory at-least-once queue. Received messages stay in flight
// until deleted; Redeliver simulates a visibility timeout expiring.
type Queue struct {
	mu       sync.Mutex
	ready    []queued
	inflight map[string]storage.Message // by receipt handle
	deleted  []string

	// ReceiveErr, when set, is returned by the next Receive and then cleared.
	ReceiveErr error
	// FailDelete makes deletes of these message ids fail.
	FailDelete map[string]error
	// DeleteErr, when set, fails every delete call as a whole.
	DeleteErr error
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		inflight:   make(map[string]storage.Message),
		FailDelete: make(map[string]error),
	}
}

// Send enqueues body and returns its message id.
func (q *Queue) Send(body string) string {
	id := uuid.NewString()
	q.SendWithID(id, body)
	return id
}

// SendWithID enqueues body under an explicit id, e.g. to model a duplicate delivery.
func (q *Queue) SendWithID(id, body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, queued{id: id, body: []byte(body)})
}

// Redeliver returns every in-flight message to the queue.
func (q *Queue) Redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle, msg := range q.inflight {
		q.ready = append(q.ready, queued{id: msg.ID, body: msg.Body})
		delete(q.inflight, handle)
	}
}

// Deleted returns the ids deleted so far, in order.
func (q *Queue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// InFlight returns the number of received, undeleted messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Ready returns the number of messages waiting to be received.
func (q *Queue) Ready() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Queue) Receive(_ context.Context, maxMessages int) ([]storage.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ReceiveErr; err != nil {
		q.ReceiveErr = nil
		return nil, err
	}

	n := max(0, min(maxMessages, len(q.ready)))
	out := make([]storage.Message, 0, n)
	for _, m := range q.ready[:n] {
		msg := storage.Message{ID: m.id, Body: m.body, ReceiptHandle: uuid.NewString()}
		q.inflight[msg.ReceiptHandle] = msg
		out = append(out, msg)
	}
	q.ready = q.ready[n:]
	return out, nil
}

func (q *Queue) Delete(_ context.Context, msg storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.DeleteErr != nil {
		return q.DeleteErr
	}
	return q.deleteLocked(msg)
}

func (q *Queue) DeleteBatch(_ context.Context, msgs []storage.Message) ([]storage.DeleteResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(msgs) > storage.MaxDeleteBatch {
		return nil, fmt.Errorf("delete batch of %d exceeds limit %d", len(msgs), storage.MaxDeleteBatch)
	}
	if q.DeleteErr != nil {
		return nil, q.DeleteErr
	}
	results := make([]storage.DeleteResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, storage.DeleteResult{ID: msg.ID, Err: q.deleteLocked(msg)})
	}
	return results, nil
}

func (q *Queue) deleteLocked(msg storage.Message) error {
	if err := q.FailDelete[msg.ID]; err != nil {
		return err
	}
	if _, ok := q.inflight[msg.ReceiptHandle]; !ok {
		return fmt.Errorf("receipt handle for message %s is not in flight", msg.ID)
	}
	delete(q.inflight, msg.ReceiptHandle)
	q.deleted = append(q.deleted, msg.ID)
	return nil
}
