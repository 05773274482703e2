// Package lease implements the distributed exclusive lease used to give
// a single NBD session exclusive write access to an export. The lease
// record lives in S3 and is arbitrated purely through conditional
// writes (If-None-Match / If-Match), so no separate coordination
// service is required.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tcehjaava/nbd-server/objstore"
)

// maxAcquireAttempts bounds the acquire retry loop so a storm of
// contending sessions cannot livelock each other forever.
const maxAcquireAttempts = 8

// Store is the subset of objstore.Client the lease manager depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (string, error)
	PutIfAbsent(ctx context.Context, key string, data []byte) (objstore.PutResult, error)
	PutIfMatch(ctx context.Context, key string, data []byte, etag string) (objstore.PutResult, error)
}

// ErrConflict is returned by Acquire when another, still-live holder owns
// the export's lease.
var ErrConflict = errors.New("lease: held by another session")

// ErrLost is returned by Heartbeat when the lease record no longer
// matches what this Manager last wrote, meaning some other session has
// taken over.
var ErrLost = errors.New("lease: lost to another holder")

// Manager holds one export's lease for the lifetime of a session. It is
// not safe for concurrent use by more than one session at a time; each
// session constructs its own Manager.
type Manager struct {
	store    Store
	export   string
	holderID string
	ttl      time.Duration
	log      *zap.Logger

	etag       string    // current record's ETag, used for the next PutIfMatch
	acquiredAt time.Time // fixed at Acquire, carried forward by Heartbeat/Release
}

// New constructs a Manager for export, with a freshly generated holder
// identity. ttl bounds how long a lease survives without a heartbeat.
func New(store Store, export string, ttl time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		export:   export,
		holderID: uuid.NewString(),
		ttl:      ttl,
		log:      log,
	}
}

// HolderID returns this Manager's holder identity, stable for its
// lifetime.
func (m *Manager) HolderID() string { return m.holderID }

// Acquire attempts to take the export's lease, taking over an expired
// lease if one is found. It gives up after maxAcquireAttempts rounds of
// contention and returns ErrConflict.
func (m *Manager) Acquire(ctx context.Context) error {
	key := lockKey(m.export)
	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		now := time.Now()
		rec := record{HolderID: m.holderID, AcquiredAt: now, ExpiresAt: now.Add(m.ttl)}
		body, err := encodeRecord(rec)
		if err != nil {
			return err
		}

		res, err := m.store.PutIfAbsent(ctx, key, body)
		if err == nil {
			m.etag = res.ETag
			m.acquiredAt = rec.AcquiredAt
			m.log.Info("lease acquired", zap.String("export", m.export), zap.String("holder_id", m.holderID))
			return nil
		}
		if !errors.Is(err, objstore.ErrPreconditionFailed) {
			return fmt.Errorf("lease: acquire: %w", err)
		}

		existing, existingETag, err := m.readRecord(ctx, key)
		if err != nil {
			return err
		}
		if time.Now().Before(existing.ExpiresAt) {
			m.log.Debug("lease held by live holder",
				zap.String("export", m.export),
				zap.String("current_holder", existing.HolderID),
				zap.Int("attempt", attempt))
			return ErrConflict
		}

		res, err = m.store.PutIfMatch(ctx, key, body, existingETag)
		if err == nil {
			m.etag = res.ETag
			m.acquiredAt = rec.AcquiredAt
			m.log.Info("lease taken over from expired holder",
				zap.String("export", m.export),
				zap.String("holder_id", m.holderID),
				zap.String("previous_holder", existing.HolderID))
			return nil
		}
		if !errors.Is(err, objstore.ErrPreconditionFailed) {
			return fmt.Errorf("lease: takeover: %w", err)
		}
		// Someone else raced us to the takeover; back off for a short,
		// random time and retry.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(50 * time.Millisecond)))):
		}
	}
	return ErrConflict
}

// Heartbeat extends the lease's expiry. It must be called more often
// than ttl to keep the lease alive; callers typically drive this from a
// ticker at roughly ttl/2.
func (m *Manager) Heartbeat(ctx context.Context) error {
	key := lockKey(m.export)
	rec := record{HolderID: m.holderID, AcquiredAt: m.acquiredAt, ExpiresAt: time.Now().Add(m.ttl)}
	body, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := m.store.PutIfMatch(ctx, key, body, m.etag)
	if err == nil {
		m.etag = res.ETag
		return nil
	}
	if errors.Is(err, objstore.ErrPreconditionFailed) {
		m.log.Warn("lease heartbeat lost", zap.String("export", m.export), zap.String("holder_id", m.holderID))
		return ErrLost
	}
	return fmt.Errorf("lease: heartbeat: %w", err)
}

// Release gives up the lease early by expiring it immediately, so a
// waiting session doesn't have to wait out the full TTL. Release is
// best-effort: a failure here just means the lease expires naturally.
func (m *Manager) Release(ctx context.Context) {
	key := lockKey(m.export)
	rec := record{HolderID: m.holderID, AcquiredAt: m.acquiredAt, ExpiresAt: time.Now().Add(-time.Second)}
	body, err := encodeRecord(rec)
	if err != nil {
		return
	}
	if _, err := m.store.PutIfMatch(ctx, key, body, m.etag); err != nil {
		m.log.Debug("lease release failed, will expire naturally",
			zap.String("export", m.export), zap.Error(err))
		return
	}
	m.log.Info("lease released", zap.String("export", m.export), zap.String("holder_id", m.holderID))
}

func (m *Manager) readRecord(ctx context.Context, key string) (record, string, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return record{}, "", fmt.Errorf("lease: read existing record: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return record{}, "", err
	}
	// Get doesn't carry the object's ETag, so the takeover's PutIfMatch
	// needs a separate Head to learn the value to match against.
	etag, err := m.store.Head(ctx, key)
	if err != nil {
		return record{}, "", fmt.Errorf("lease: head existing record: %w", err)
	}
	return rec, etag, nil
}
