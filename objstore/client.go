package objstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of *s3.Client that Client depends on, so tests can
// substitute a fake without spinning up an HTTP server.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client is a typed facade over S3's GET/PUT/HEAD plus the conditional
// writes (If-None-Match, If-Match) the lease manager relies on for
// compare-and-swap semantics.
type Client struct {
	s3     s3API
	bucket string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	headTimeout time.Duration
	bodyTimeout time.Duration
}

// New builds a Client over an already-configured *s3.Client, per the spec's
// 5-attempt retry budget and 5s/60s connect/read timeouts.
func New(s3c *s3.Client, bucket string) *Client {
	return &Client{
		s3:          s3c,
		bucket:      bucket,
		maxAttempts: 5,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    5 * time.Second,
		headTimeout: 5 * time.Second,
		bodyTimeout: 60 * time.Second,
	}
}

// Get fetches the object at key, returning ErrNotFound if it doesn't
// exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.retry(ctx, "get "+key, c.bodyTimeout, func(ctx context.Context) error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFoundErr(err) {
				return ErrNotFound
			}
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put writes data to key unconditionally.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	return c.retry(ctx, "put "+key, c.bodyTimeout, func(ctx context.Context) error {
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   newBytesReader(data),
		})
		return err
	})
}

// PutResult carries the ETag a conditional write produced, used by
// callers that need to chain a later PutIfMatch against it.
type PutResult struct {
	ETag string
}

// PutIfAbsent writes data to key only if it does not already exist
// (If-None-Match: *). It returns ErrPreconditionFailed, never retried, if
// the key already exists.
func (c *Client) PutIfAbsent(ctx context.Context, key string, data []byte) (PutResult, error) {
	var res PutResult
	err := c.retry(ctx, "put-if-absent "+key, c.headTimeout, func(ctx context.Context) error {
		out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        newBytesReader(data),
			IfNoneMatch: aws.String("*"),
		})
		if err != nil {
			if isPreconditionFailedErr(err) {
				return ErrPreconditionFailed
			}
			return err
		}
		res = PutResult{ETag: aws.ToString(out.ETag)}
		return nil
	})
	return res, err
}

// PutIfMatch writes data to key only if its current ETag equals etag
// (If-Match). It returns ErrPreconditionFailed, never retried, if the
// object has since changed (or been deleted).
func (c *Client) PutIfMatch(ctx context.Context, key string, data []byte, etag string) (PutResult, error) {
	var res PutResult
	err := c.retry(ctx, "put-if-match "+key, c.headTimeout, func(ctx context.Context) error {
		out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:  aws.String(c.bucket),
			Key:     aws.String(key),
			Body:    newBytesReader(data),
			IfMatch: aws.String(etag),
		})
		if err != nil {
			if isPreconditionFailedErr(err) {
				return ErrPreconditionFailed
			}
			return err
		}
		res = PutResult{ETag: aws.ToString(out.ETag)}
		return nil
	})
	return res, err
}

// Head returns the ETag of key, or ErrNotFound if it doesn't exist.
func (c *Client) Head(ctx context.Context, key string) (string, error) {
	var etag string
	err := c.retry(ctx, "head "+key, c.headTimeout, func(ctx context.Context) error {
		out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFoundErr(err) {
				return ErrNotFound
			}
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func newBytesReader(b []byte) *bytesReadSeekCloser {
	return &bytesReadSeekCloser{data: b}
}

// bytesReadSeekCloser adapts a byte slice to the io.ReadSeeker PutObject
// wants, without pulling in a third dependency for something this small.
type bytesReadSeekCloser struct {
	data []byte
	pos  int64
}

func (b *bytesReadSeekCloser) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *bytesReadSeekCloser) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = b.pos
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("objstore: invalid whence %d", whence)
	}
	b.pos = base + offset
	return b.pos, nil
}
