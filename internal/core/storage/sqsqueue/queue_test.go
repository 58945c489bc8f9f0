package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	receiveInput *sqs.ReceiveMessageInput
	messages     []sqstypes.Message
	receiveErrs  []error

	deleted      []string
	batchSizes   []int
	failHandles  map[string]bool
	dropHandles  map[string]bool
	batchCallErr error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInput = in
	if len(f.receiveErrs) > 0 {
		err := f.receiveErrs[0]
		f.receiveErrs = f.receiveErrs[1:]
		return nil, err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	if f.batchCallErr != nil {
		return nil, f.batchCallErr
	}
	f.batchSizes = append(f.batchSizes, len(in.Entries))
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		handle := aws.ToString(e.ReceiptHandle)
		switch {
		case f.dropHandles[handle]:
		case f.failHandles[handle]:
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{
				Id:      e.Id,
				Code:    aws.String("ReceiptHandleIsInvalid"),
				Message: aws.String("stale handle"),
			})
		default:
			f.deleted = append(f.deleted, handle)
			out.Successful = append(out.Successful, sqstypes.DeleteMessageBatchResultEntry{Id: e.Id})
		}
	}
	return out, nil
}

func testPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{MaxTries: 3, CallTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: time.Second}
}

func TestQueue_ReceiveMapsMessages(t *testing.T) {
	fake := &fakeSQS{
		receiveErrs: []error{errors.New("throttled")},
		messages: []sqstypes.Message{
			{MessageId: aws.String("m1"), Body: aws.String(`{"daterecorded": 1}`), ReceiptHandle: aws.String("h1")},
		},
	}
	q := New(fake, Options{URL: "https://sqs.local/q", WaitTime: 30 * time.Second, VisibilityTimeout: time.Minute, Retry: testPolicy()})

	msgs, err := q.Receive(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.Message{ID: "m1", Body: []byte(`{"daterecorded": 1}`), ReceiptHandle: "h1"}, msgs[0])

	assert.Equal(t, int32(10), fake.receiveInput.MaxNumberOfMessages)
	assert.Equal(t, int32(20), fake.receiveInput.WaitTimeSeconds)
	assert.Equal(t, int32(60), fake.receiveInput.VisibilityTimeout)
	assert.Equal(t, "https://sqs.local/q", aws.ToString(fake.receiveInput.QueueUrl))
}

func TestQueue_DeleteBatchChunksAndSurfacesFailures(t *testing.T) {
	fake := &fakeSQS{
		failHandles: map[string]bool{"h3": true},
		dropHandles: map[string]bool{"h11": true},
	}
	q := New(fake, Options{URL: "q", Retry: testPolicy()})

	var msgs []storage.Message
	for i := range 12 {
		msgs = append(msgs, storage.Message{ID: fmt.Sprintf("m%d", i), ReceiptHandle: fmt.Sprintf("h%d", i)})
	}

	results, err := q.DeleteBatch(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, results, 12)
	assert.Equal(t, []int{10, 2}, fake.batchSizes)

	for i, r := range results {
		assert.Equal(t, msgs[i].ID, r.ID)
		switch r.ID {
		case "m3":
			assert.ErrorContains(t, r.Err, "ReceiptHandleIsInvalid")
		case "m11":
			assert.ErrorContains(t, r.Err, "no result")
		default:
			assert.NoError(t, r.Err, r.ID)
		}
	}
	assert.Len(t, fake.deleted, 10)
}

func TestQueue_DeleteBatchWholeCallFailure(t *testing.T) {
	fake := &fakeSQS{batchCallErr: errors.New("unavailable")}
	q := New(fake, Options{URL: "q", Retry: testPolicy()})

	_, err := q.DeleteBatch(context.Background(), []storage.Message{{ID: "m1", ReceiptHandle: "h1"}})
	require.Error(t, err)
}

func TestQueue_DeleteSingle(t *testing.T) {
	fake := &fakeSQS{}
	q := New(fake, Options{URL: "q", Retry: testPolicy()})

	require.NoError(t, q.Delete(context.Background(), storage.Message{ID: "m1", ReceiptHandle: "h1"}))
	assert.Equal(t, []string{"h1"}, fake.deleted)
}
