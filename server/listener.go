// Package server implements the NBD session state machine and the
// accept loop that feeds it: option negotiation, per-export leasing,
// and the read/write/flush transmission loop, all layered over the
// wire codec in package protocol.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tcehjaava/nbd-server/objstore"
)

// drainTimeout bounds how long Listener.Serve waits for in-flight
// sessions to end gracefully after ctx is cancelled before it returns.
const drainTimeout = 5 * time.Second

// Store is what a session needs from the object storage backend: plain
// get/put for block data, plus the conditional writes and Head the
// lease manager uses for its compare-and-swap protocol. *objstore.Client
// satisfies this; tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Head(ctx context.Context, key string) (string, error)
	PutIfAbsent(ctx context.Context, key string, data []byte) (objstore.PutResult, error)
	PutIfMatch(ctx context.Context, key string, data []byte, etag string) (objstore.PutResult, error)
}

// Listener accepts NBD connections and runs one session per connection.
type Listener struct {
	store    Store
	registry *Registry
	log      *zap.Logger

	flushParallelism  int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration

	keepaliveIdle     time.Duration
	keepaliveInterval time.Duration
	keepaliveCount    int
}

// Config bundles the tunables a Listener needs beyond the storage
// client, export registry, and logger.
type Config struct {
	FlushParallelism  int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// New constructs a Listener. Keepalive parameters match spec §5:
// idle=60s, interval=10s, 6 probes.
func New(store Store, registry *Registry, log *zap.Logger, cfg Config) *Listener {
	return &Listener{
		store:             store,
		registry:          registry,
		log:               log,
		flushParallelism:  cfg.FlushParallelism,
		leaseTTL:          cfg.LeaseTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		keepaliveIdle:     60 * time.Second,
		keepaliveInterval: 10 * time.Second,
		keepaliveCount:    6,
	}
}

// Serve accepts connections on network/addr and runs a session for
// each, until ctx is cancelled. It waits up to drainTimeout for
// in-flight sessions to finish before returning.
func (l *Listener) Serve(ctx context.Context, network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return l.drain(&wg)
			default:
				return err
			}
		}
		l.configureKeepalive(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			sess, sessCtx := newSession(ctx, c, l)
			sess.run(sessCtx)
		}()
	}
}

// drain waits up to drainTimeout for in-flight sessions to finish on
// their own; sessions still running past that are left for the
// process's own shutdown to cut off, since ctx cancellation already
// unblocks every session's blocked read/write via ctxConn.
func (l *Listener) drain(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		l.log.Warn("shutdown drain timed out with sessions still running", zap.Duration("timeout", drainTimeout))
		return nil
	}
}

func (l *Listener) configureKeepalive(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(l.keepaliveInterval)
	if err := setKeepaliveParams(tc, l.keepaliveIdle, l.keepaliveInterval, l.keepaliveCount); err != nil {
		l.log.Debug("could not set fine-grained keepalive parameters", zap.Error(err))
	}
}
