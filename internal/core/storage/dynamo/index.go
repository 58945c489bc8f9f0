// Package dynamo implements storage.IndexWriter on Amazon DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// Default key attribute names of the statistics table.
const (
	DefaultPartitionKeyAttr = "hash_key"
	DefaultRangeKeyAttr     = "range_key"
)

var errUnprocessed = errors.New("dynamodb left items unprocessed")

// dynamoAPI is the subset of the DynamoDB client used by IndexWriter.
type dynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Options configures an IndexWriter.
type Options struct {
	PartitionKeyAttr string
	RangeKeyAttr     string
	Retry            storage.RetryPolicy
}

// IndexWriter is a storage.IndexWriter over DynamoDB BatchWriteItem.
type IndexWriter struct {
	client dynamoAPI
	opts   Options
}

// New wraps a DynamoDB client.
func New(client dynamoAPI, opts Options) *IndexWriter {
	if opts.PartitionKeyAttr == "" {
		opts.PartitionKeyAttr = DefaultPartitionKeyAttr
	}
	if opts.RangeKeyAttr == "" {
		opts.RangeKeyAttr = DefaultRangeKeyAttr
	}
	return &IndexWriter{client: client, opts: opts}
}

// BatchPut writes items in chunks of MaxIndexBatch. Items DynamoDB reports as
// unprocessed are resubmitted under the retry policy.
func (w *IndexWriter) BatchPut(ctx context.Context, table string, items []storage.IndexItem) error {
	for start := 0; start < len(items); start += storage.MaxIndexBatch {
		chunk := items[start:min(start+storage.MaxIndexBatch, len(items))]
		if err := w.putChunk(ctx, table, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *IndexWriter) putChunk(ctx context.Context, table string, chunk []storage.IndexItem) error {
	pending := make([]ddbtypes.WriteRequest, 0, len(chunk))
	for _, item := range chunk {
		av, err := w.marshal(item)
		if err != nil {
			return err
		}
		pending = append(pending, ddbtypes.WriteRequest{PutRequest: &ddbtypes.PutRequest{Item: av}})
	}

	err := storage.RetryErr(ctx, w.opts.Retry, "dynamodb.BatchWriteItem", func(ctx context.Context) error {
		out, err := w.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{table: pending},
		})
		if err != nil {
			return err
		}
		if left := out.UnprocessedItems[table]; len(left) > 0 {
			slog.Debug("[DynamoIndex] Unprocessed items, resubmitting", "table", table, "count", len(left))
			pending = left
			return fmt.Errorf("%w: %d of %d", errUnprocessed, len(left), len(chunk))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dynamodb batch put %s: %w", table, err)
	}
	return nil
}

func (w *IndexWriter) marshal(item storage.IndexItem) (map[string]ddbtypes.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal item %s/%d: %w", item.PartitionKey, item.RangeKey, err)
	}
	if av == nil {
		av = make(map[string]ddbtypes.AttributeValue, 2)
	}
	av[w.opts.PartitionKeyAttr] = &ddbtypes.AttributeValueMemberS{Value: item.PartitionKey}
	rangeKey, err := attributevalue.Marshal(item.RangeKey)
	if err != nil {
		return nil, fmt.Errorf("marshal range key %d: %w", item.RangeKey, err)
	}
	av[w.opts.RangeKeyAttr] = rangeKey
	return av, nil
}
