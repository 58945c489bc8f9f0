package dynamo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	calls        []int
	stored       map[string]map[string]ddbtypes.AttributeValue
	leaveOnFirst int
	err          error
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]ddbtypes.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		f.calls = append(f.calls, len(reqs))
		keep := reqs
		if f.leaveOnFirst > 0 {
			n := min(f.leaveOnFirst, len(reqs))
			out.UnprocessedItems[table] = reqs[:n]
			keep = reqs[n:]
			f.leaveOnFirst = 0
		}
		for _, r := range keep {
			pk := r.PutRequest.Item[DefaultPartitionKeyAttr].(*ddbtypes.AttributeValueMemberS).Value
			rk := r.PutRequest.Item[DefaultRangeKeyAttr].(*ddbtypes.AttributeValueMemberN).Value
			f.stored[pk+"/"+rk] = r.PutRequest.Item
		}
	}
	return out, nil
}

func testPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{MaxTries: 3, CallTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: time.Second}
}

func items(n int) []storage.IndexItem {
	out := make([]storage.IndexItem, n)
	for i := range out {
		out[i] = storage.IndexItem{
			PartitionKey: fmt.Sprintf("10minute-u4pr%d", i),
			RangeKey:     999999600000,
			Attributes:   map[string]any{"min": 1000.0, "samples": 3.0, "users": 2},
		}
	}
	return out
}

func TestIndexWriter_ChunksTo25(t *testing.T) {
	fake := &fakeDynamo{stored: map[string]map[string]ddbtypes.AttributeValue{}}
	w := New(fake, Options{Retry: testPolicy()})

	require.NoError(t, w.BatchPut(context.Background(), "stats", items(60)))
	assert.Equal(t, []int{25, 25, 10}, fake.calls)
	assert.Len(t, fake.stored, 60)

	item := fake.stored["10minute-u4pr0/999999600000"]
	require.NotNil(t, item)
	assert.Equal(t, &ddbtypes.AttributeValueMemberN{Value: "1000"}, item["min"])
	assert.Equal(t, &ddbtypes.AttributeValueMemberN{Value: "2"}, item["users"])
}

func TestIndexWriter_ResubmitsUnprocessed(t *testing.T) {
	fake := &fakeDynamo{stored: map[string]map[string]ddbtypes.AttributeValue{}, leaveOnFirst: 4}
	w := New(fake, Options{Retry: testPolicy()})

	require.NoError(t, w.BatchPut(context.Background(), "stats", items(10)))
	assert.Equal(t, []int{10, 4}, fake.calls)
	assert.Len(t, fake.stored, 10)
}

func TestIndexWriter_ExhaustedRetriesFail(t *testing.T) {
	fake := &fakeDynamo{err: errors.New("ProvisionedThroughputExceeded")}
	w := New(fake, Options{Retry: testPolicy()})

	err := w.BatchPut(context.Background(), "stats", items(1))
	require.ErrorContains(t, err, "ProvisionedThroughputExceeded")
}
