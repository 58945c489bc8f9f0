// Package s3store implements storage.ObjectStore on Amazon S3.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/gzip"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

const encodingGzip = "gzip"

// s3API is the subset of the S3 client used by Store.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is a storage.ObjectStore over S3.
type Store struct {
	client s3API
	retry  storage.RetryPolicy
}

// New wraps an S3 client.
func New(client s3API, retry storage.RetryPolicy) *Store {
	return &Store{client: client, retry: retry}
}

func (s *Store) Read(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	type result struct {
		content  []byte
		encoding string
		found    bool
	}
	res, err := storage.Retry(ctx, s.retry, "s3.GetObject", func(ctx context.Context) (result, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return result{}, nil
			}
			return result{}, err
		}
		defer out.Body.Close()

		content, err := io.ReadAll(out.Body)
		if err != nil {
			return result{}, fmt.Errorf("read body: %w", err)
		}
		return result{content: content, encoding: aws.ToString(out.ContentEncoding), found: true}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("s3 read s3://%s/%s: %w", bucket, key, err)
	}
	if !res.found {
		return nil, false, nil
	}

	content := res.content
	if res.encoding == encodingGzip && isGzip(content) {
		content, err = gunzip(content)
		if err != nil {
			return nil, false, fmt.Errorf("s3 read s3://%s/%s: %w", bucket, key, err)
		}
	}
	return content, true, nil
}

func (s *Store) Write(ctx context.Context, bucket, key string, content []byte, opts storage.WriteOptions) error {
	body := content
	var encoding *string
	if opts.Compress {
		compressed, err := gzipBytes(content)
		if err != nil {
			return fmt.Errorf("s3 write s3://%s/%s: %w", bucket, key, err)
		}
		body = compressed
		encoding = aws.String(encodingGzip)
	}

	input := &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		ContentEncoding: encoding,
		ContentLength:   aws.Int64(int64(len(body))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	err := storage.RetryErr(ctx, s.retry, "s3.PutObject", func(ctx context.Context) error {
		// The body reader is consumed by each attempt.
		input.Body = bytes.NewReader(body)
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("s3 write s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := storage.Retry(ctx, s.retry, "s3.ListObjectsV2", func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func gzipBytes(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(content []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}
