// Package sqsqueue implements storage.Queue on Amazon SQS.
package sqsqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// sqsAPI is the subset of the SQS client used by Queue.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Options configures a Queue.
type Options struct {
	URL string
	// WaitTime enables long polling; SQS caps it at 20s.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue default when positive.
	VisibilityTimeout time.Duration
	Retry             storage.RetryPolicy
}

// Queue is a storage.Queue backed by one SQS queue URL.
type Queue struct {
	client sqsAPI
	opts   Options
}

// New wraps an SQS client.
func New(client sqsAPI, opts Options) *Queue {
	if opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	return &Queue{client: client, opts: opts}
}

func (q *Queue) Receive(ctx context.Context, maxMessages int) ([]storage.Message, error) {
	maxMessages = min(maxMessages, storage.MaxReceiveBatch)
	if maxMessages <= 0 {
		return nil, nil
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.opts.URL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(q.opts.WaitTime / time.Second),
	}
	if q.opts.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.opts.VisibilityTimeout / time.Second)
	}

	// A long poll must not be cut short by the per-call timeout.
	policy := q.opts.Retry
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = storage.DefaultRetryPolicy().CallTimeout
	}
	policy.CallTimeout += q.opts.WaitTime

	out, err := storage.Retry(ctx, policy, "sqs.ReceiveMessage", func(ctx context.Context) (*sqs.ReceiveMessageOutput, error) {
		return q.client.ReceiveMessage(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]storage.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, storage.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, msg storage.Message) error {
	err := storage.RetryErr(ctx, q.opts.Retry, "sqs.DeleteMessage", func(ctx context.Context) error {
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.opts.URL),
			ReceiptHandle: aws.String(msg.ReceiptHandle),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteBatch chunks msgs into groups of MaxDeleteBatch and maps every
// successful and failed entry back to its message id.
func (q *Queue) DeleteBatch(ctx context.Context, msgs []storage.Message) ([]storage.DeleteResult, error) {
	results := make([]storage.DeleteResult, 0, len(msgs))
	for start := 0; start < len(msgs); start += storage.MaxDeleteBatch {
		chunk := msgs[start:min(start+storage.MaxDeleteBatch, len(msgs))]
		chunkResults, err := q.deleteChunk(ctx, chunk)
		if err != nil {
			return results, err
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

func (q *Queue) deleteChunk(ctx context.Context, chunk []storage.Message) ([]storage.DeleteResult, error) {
	// Entry ids only need to be unique within one request.
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, len(chunk))
	for i, msg := range chunk {
		entries[i] = sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(msg.ReceiptHandle),
		}
	}

	out, err := storage.Retry(ctx, q.opts.Retry, "sqs.DeleteMessageBatch", func(ctx context.Context) (*sqs.DeleteMessageBatchOutput, error) {
		return q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.opts.URL),
			Entries:  entries,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqs delete batch: %w", err)
	}

	errs := make([]error, len(chunk))
	seen := make([]bool, len(chunk))
	for _, ok := range out.Successful {
		if i, valid := entryIndex(ok.Id, len(chunk)); valid {
			seen[i] = true
		}
	}
	for _, failed := range out.Failed {
		if i, valid := entryIndex(failed.Id, len(chunk)); valid {
			seen[i] = true
			errs[i] = fmt.Errorf("sqs delete failed: code=%s message=%s",
				aws.ToString(failed.Code), aws.ToString(failed.Message))
		}
	}

	results := make([]storage.DeleteResult, len(chunk))
	for i, msg := range chunk {
		if !seen[i] {
			errs[i] = fmt.Errorf("sqs delete batch: no result for entry %d", i)
		}
		results[i] = storage.DeleteResult{ID: msg.ID, Err: errs[i]}
	}
	return results, nil
}

func entryIndex(id *string, n int) (int, bool) {
	i, err := strconv.Atoi(aws.ToString(id))
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}
