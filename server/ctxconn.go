package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ctxConn wraps a net.Conn so a blocked Read/Write aborts promptly when
// ctx is cancelled, by pushing the connection's deadline into the past.
// Adapted from the one-shot ctxRW used by the handshake/transmission
// loops this package replaces.
type ctxConn struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	c      net.Conn
	done   <-chan struct{}
}

func wrapConn(ctx context.Context, c net.Conn) *ctxConn {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		c.SetDeadline(time.Now())
	}()
	return &ctxConn{ctx, cancel, c, done}
}

func (rw *ctxConn) Read(p []byte) (int, error) {
	n, err := rw.c.Read(p)
	if e := context.Cause(rw.ctx); e != nil {
		return n, e
	}
	return n, err
}

func (rw *ctxConn) Write(p []byte) (int, error) {
	n, err := rw.c.Write(p)
	if e := context.Cause(rw.ctx); e != nil {
		return n, e
	}
	return n, err
}

// Close releases the ctxConn's own goroutine. The wrapped net.Conn must
// still be closed separately by the caller.
func (rw *ctxConn) Close() error {
	rw.cancel(errors.New("session connection closed"))
	<-rw.done
	return nil
}

var _ io.ReadWriteCloser = (*ctxConn)(nil)
