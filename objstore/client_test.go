package objstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// fakeAPIError satisfies smithy.APIError without depending on any
// concrete SDK error construction, so tests can drive error
// classification directly.
type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string          { return "fake api error: " + e.code }
func (e *fakeAPIError) ErrorCode() string      { return e.code }
func (e *fakeAPIError) ErrorMessage() string   { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakeS3 struct {
	get  func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	put  func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
	head func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return f.get(in)
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.put(in)
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.head(in)
}

func newTestClient(fake *fakeS3) *Client {
	c := New(nil, "bucket")
	c.s3 = fake
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestGetNotFound(t *testing.T) {
	fake := &fakeS3{get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		return nil, &fakeAPIError{code: "NoSuchKey"}
	}}
	c := newTestClient(fake)
	_, err := c.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutIfAbsentConflict(t *testing.T) {
	fake := &fakeS3{put: func(*s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return nil, &fakeAPIError{code: "PreconditionFailed"}
	}}
	c := newTestClient(fake)
	_, err := c.PutIfAbsent(context.Background(), "locks/alpha", []byte("x"))
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}
}

func TestPutIfAbsentSucceeds(t *testing.T) {
	fake := &fakeS3{put: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		if aws.ToString(in.IfNoneMatch) != "*" {
			t.Errorf("IfNoneMatch = %q, want *", aws.ToString(in.IfNoneMatch))
		}
		return &s3.PutObjectOutput{ETag: aws.String(`"abc"`)}, nil
	}}
	c := newTestClient(fake)
	res, err := c.PutIfAbsent(context.Background(), "locks/alpha", []byte("x"))
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if res.ETag != `"abc"` {
		t.Errorf("ETag = %q", res.ETag)
	}
}

func TestRetryExhaustsToStorageUnavailable(t *testing.T) {
	calls := 0
	fake := &fakeS3{get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		calls++
		return nil, &fakeAPIError{code: "InternalError"}
	}}
	c := newTestClient(fake)
	_, err := c.Get(context.Background(), "k")
	var unavailable *StorageUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *StorageUnavailable", err)
	}
	if calls != c.maxAttempts {
		t.Errorf("calls = %d, want %d", calls, c.maxAttempts)
	}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	calls := 0
	fake := &fakeS3{get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		calls++
		if calls < 3 {
			return nil, &fakeAPIError{code: "SlowDown"}
		}
		return &s3.GetObjectOutput{Body: newBytesReadCloser([]byte("hi"))}, nil
	}}
	c := newTestClient(fake)
	data, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("data = %q", data)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPreconditionFailedNeverRetried(t *testing.T) {
	calls := 0
	fake := &fakeS3{put: func(*s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		calls++
		return nil, &fakeAPIError{code: "PreconditionFailed"}
	}}
	c := newTestClient(fake)
	_, err := c.PutIfMatch(context.Background(), "locks/a", []byte("x"), `"etag"`)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on precondition failure)", calls)
	}
}

// responseError wraps an error with an HTTP status, the way the SDK's
// smithyhttp.ResponseError does, so tests can drive statusCode() without
// a real HTTP round trip.
func responseError(status int, code string) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      &fakeAPIError{code: code},
	}
}

func TestNonTransientErrorIsNotRetried(t *testing.T) {
	calls := 0
	fake := &fakeS3{get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		calls++
		return nil, responseError(http.StatusForbidden, "AccessDenied")
	}}
	c := newTestClient(fake)
	_, err := c.Get(context.Background(), "k")
	var unavailable *StorageUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *StorageUnavailable", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-transient error)", calls)
	}
}

type bytesReadCloser struct {
	*fakeReader
}

func newBytesReadCloser(b []byte) *bytesReadCloser {
	return &bytesReadCloser{&fakeReader{data: b}}
}

func (b *bytesReadCloser) Close() error { return nil }

type fakeReader struct {
	data []byte
	pos  int
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
