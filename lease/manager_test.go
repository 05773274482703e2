package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tcehjaava/nbd-server/objstore"
)

// fakeStore is a minimal in-memory S3 stand-in with conditional-write
// semantics, sufficient to exercise the lease state machine without any
// network dependency.
type fakeStore struct {
	body string
	etag string
	seq  int
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.body == "" {
		return nil, objstore.ErrNotFound
	}
	return []byte(s.body), nil
}

func (s *fakeStore) Head(_ context.Context, key string) (string, error) {
	if s.body == "" {
		return "", objstore.ErrNotFound
	}
	return s.etag, nil
}

func (s *fakeStore) PutIfAbsent(_ context.Context, key string, data []byte) (objstore.PutResult, error) {
	if s.body != "" {
		return objstore.PutResult{}, objstore.ErrPreconditionFailed
	}
	return s.commit(data), nil
}

func (s *fakeStore) PutIfMatch(_ context.Context, key string, data []byte, etag string) (objstore.PutResult, error) {
	if s.etag != etag {
		return objstore.PutResult{}, objstore.ErrPreconditionFailed
	}
	return s.commit(data), nil
}

func (s *fakeStore) commit(data []byte) objstore.PutResult {
	s.seq++
	s.body = string(data)
	s.etag = generationETag(s.seq)
	return objstore.PutResult{ETag: s.etag}
}

func generationETag(seq int) string {
	return "etag-" + string(rune('a'+seq))
}

func newTestLogger() *zap.Logger { return zap.NewNop() }

func TestAcquireFreshExport(t *testing.T) {
	store := &fakeStore{}
	m := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestAcquireConflictsWithLiveHolder(t *testing.T) {
	store := &fakeStore{}
	holder1 := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := holder1.Acquire(context.Background()); err != nil {
		t.Fatalf("holder1 Acquire: %v", err)
	}

	holder2 := New(store, "alpha", 30*time.Second, newTestLogger())
	err := holder2.Acquire(context.Background())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("holder2 Acquire = %v, want ErrConflict", err)
	}
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	store := &fakeStore{}
	holder1 := New(store, "alpha", 10*time.Millisecond, newTestLogger())
	if err := holder1.Acquire(context.Background()); err != nil {
		t.Fatalf("holder1 Acquire: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	holder2 := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := holder2.Acquire(context.Background()); err != nil {
		t.Fatalf("holder2 Acquire (takeover): %v", err)
	}
	if holder2.HolderID() == holder1.HolderID() {
		t.Fatal("holders must have distinct identities")
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store := &fakeStore{}
	m := New(store, "alpha", 200*time.Millisecond, newTestLogger())
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// A second session must still see the lease as live after a
	// heartbeat, even though the original TTL window (200ms from Acquire)
	// has elapsed by now: the heartbeat moved the expiry to 200ms past
	// itself.
	time.Sleep(120 * time.Millisecond)
	other := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := other.Acquire(context.Background()); !errors.Is(err, ErrConflict) {
		t.Fatalf("other Acquire = %v, want ErrConflict (heartbeat should have extended lease)", err)
	}
}

func TestHeartbeatAfterLostLeaseReturnsErrLost(t *testing.T) {
	store := &fakeStore{}
	holder1 := New(store, "alpha", 10*time.Millisecond, newTestLogger())
	if err := holder1.Acquire(context.Background()); err != nil {
		t.Fatalf("holder1 Acquire: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	holder2 := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := holder2.Acquire(context.Background()); err != nil {
		t.Fatalf("holder2 Acquire: %v", err)
	}

	if err := holder1.Heartbeat(context.Background()); !errors.Is(err, ErrLost) {
		t.Fatalf("holder1 Heartbeat = %v, want ErrLost", err)
	}
}

func TestReleaseAllowsImmediateReacquire(t *testing.T) {
	store := &fakeStore{}
	holder1 := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := holder1.Acquire(context.Background()); err != nil {
		t.Fatalf("holder1 Acquire: %v", err)
	}
	holder1.Release(context.Background())

	holder2 := New(store, "alpha", 30*time.Second, newTestLogger())
	if err := holder2.Acquire(context.Background()); err != nil {
		t.Fatalf("holder2 Acquire after release: %v", err)
	}
}
