package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tcehjaava/nbd-server/blockstore"
	"github.com/tcehjaava/nbd-server/lease"
	"github.com/tcehjaava/nbd-server/objstore"
	"github.com/tcehjaava/nbd-server/protocol"
)

// maxConsecutiveStorageErrors bounds how many back-to-back
// StorageUnavailable replies a session tolerates before giving up and
// closing the connection; a client that keeps retrying against a
// storage backend that's truly down just wastes both sides' time.
const maxConsecutiveStorageErrors = 3

// session carries the per-connection state for one NBD client: the
// negotiated export, its lease, and its block storage engine. A session
// is driven by one goroutine (run), which starts two helpers of its own:
// the lease heartbeat loop and the transmission phase's request reader.
// It is torn down when the connection closes, whether by client
// disconnect, protocol error, or lost lease.
type session struct {
	conn     *ctxConn
	rawConn  net.Conn
	registry *Registry
	store    Store
	log      *zap.Logger

	flushParallelism  int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration

	export Export
	engine *blockstore.Engine
	lease  *lease.Manager
	cancel context.CancelFunc
}

func newSession(ctx context.Context, c net.Conn, l *Listener) (*session, context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)
	return &session{
		conn:              wrapConn(sessCtx, c),
		rawConn:           c,
		registry:          l.registry,
		store:             l.store,
		log:               l.log.With(zap.String("remote_addr", c.RemoteAddr().String())),
		flushParallelism:  l.flushParallelism,
		leaseTTL:          l.leaseTTL,
		heartbeatInterval: l.heartbeatInterval,
		cancel:            cancel,
	}, sessCtx
}

// run drives the session through handshake and, if negotiation
// succeeds, the transmission phase. It always returns after the
// connection is done with, one way or another; the caller is
// responsible for closing the underlying net.Conn.
func (s *session) run(ctx context.Context) {
	defer s.cancel()
	defer s.conn.Close()

	if err := protocol.WriteHandshakePreface(s.conn); err != nil {
		s.log.Debug("handshake preface failed", zap.Error(err))
		return
	}
	flags, err := protocol.ReadClientFlags(s.conn)
	if err != nil {
		s.log.Debug("reading client flags failed", zap.Error(err))
		return
	}
	if flags&protocol.ClientFlagFixedNewstyle == 0 {
		s.log.Info("client does not support fixed newstyle handshake")
		return
	}

	ok, err := s.negotiateOptions(ctx)
	if err != nil {
		s.log.Debug("option negotiation failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer s.teardownExport(context.Background())

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	lost := make(chan struct{})
	go s.heartbeatLoop(hbCtx, lost)

	s.log.Info("transmission phase started", zap.String("export", s.export.Name))
	if err := s.transmissionLoop(ctx, lost); err != nil {
		s.log.Info("session ended", zap.Error(err))
	}
}

// negotiateOptions runs the option phase until an export is selected
// (true), the client aborts or disconnects (false, nil), or a
// protocol-level error occurs (false, err).
func (s *session) negotiateOptions(ctx context.Context) (bool, error) {
	for {
		opt, err := protocol.ReadOptionHeader(s.conn)
		if err != nil {
			return false, err
		}
		switch opt.Code {
		case protocol.OptAbort:
			if err := protocol.DiscardOption(s.conn, opt.Length); err != nil {
				return false, err
			}
			protocol.WriteRepAck(s.conn, opt.Code)
			return false, nil

		case protocol.OptList:
			if err := protocol.DiscardOption(s.conn, opt.Length); err != nil {
				return false, err
			}
			for _, name := range s.registry.Names() {
				if err := protocol.WriteRepServer(s.conn, opt.Code, name); err != nil {
					return false, err
				}
			}
			if err := protocol.WriteRepAck(s.conn, opt.Code); err != nil {
				return false, err
			}

		case protocol.OptGo:
			name, err := protocol.DecodeOptGo(s.conn, opt.Length)
			if err != nil {
				return false, err
			}
			// Lookup never rejects a name: an export not yet seen is
			// created on the spot, per spec.md §3's "created on first
			// reference" model.
			export, _ := s.registry.Lookup(name)
			if err := s.acquireExport(ctx, export); err != nil {
				if errors.Is(err, lease.ErrConflict) {
					s.log.Info("export lease held by another session", zap.String("export", export.Name))
					if err := protocol.WriteRepErr(s.conn, opt.Code, protocol.RepErrPolicy); err != nil {
						return false, err
					}
					continue
				}
				return false, err
			}
			if err := protocol.WriteRepInfoExport(s.conn, opt.Code, export.Size); err != nil {
				return false, err
			}
			if err := protocol.WriteRepAck(s.conn, opt.Code); err != nil {
				return false, err
			}
			return true, nil

		default:
			if err := protocol.DiscardOption(s.conn, opt.Length); err != nil {
				return false, err
			}
			if err := protocol.WriteRepErr(s.conn, opt.Code, protocol.RepErrUnsup); err != nil {
				return false, err
			}
		}
	}
}

// acquireExport takes the export's lease and builds the session's block
// storage engine. On ErrConflict the caller sends NBD_REP_ERR_POLICY and
// keeps negotiating; any other error is fatal to the connection.
func (s *session) acquireExport(ctx context.Context, export Export) error {
	mgr := lease.New(s.store, export.Name, s.leaseTTL, s.log)
	if err := mgr.Acquire(ctx); err != nil {
		return err
	}
	s.export = export
	s.lease = mgr
	s.engine = blockstore.New(s.store, export.Name, export.Size, s.flushParallelism)
	return nil
}

func (s *session) teardownExport(ctx context.Context) {
	if s.lease == nil {
		return
	}
	s.lease.Release(ctx)
}

func (s *session) heartbeatLoop(ctx context.Context, lost chan<- struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.lease.Heartbeat(ctx); err != nil {
				s.log.Warn("lease heartbeat failed, closing session", zap.Error(err))
				close(lost)
				return
			}
		}
	}
}

// transmissionLoop processes commands until the client disconnects, a
// protocol error occurs, the lease is lost, or storage errors repeat
// too many times in a row.
func (s *session) transmissionLoop(ctx context.Context, lost <-chan struct{}) error {
	requests := make(chan protocol.Request)
	readErrs := make(chan error, 1)
	go func() {
		for {
			req, err := protocol.ReadRequest(s.conn)
			if err != nil {
				readErrs <- err
				return
			}
			requests <- req
			if req.Type == protocol.CmdDisc {
				return
			}
		}
	}()

	consecutiveStorageErrors := 0
	var seq uint64
	for {
		select {
		case <-lost:
			return errors.New("lease lost during transmission")
		case err := <-readErrs:
			return err
		case req := <-requests:
			seq++
			s.log.Debug("command",
				zap.String("export", s.export.Name),
				zap.String("holder_id", s.lease.HolderID()),
				zap.Uint64("seq", seq),
				zap.Uint16("type", req.Type),
				zap.Uint64("handle", req.Handle))
			if req.Type == protocol.CmdDisc {
				return nil
			}
			errno, replyErr := s.handleRequest(ctx, req)
			if replyErr != nil {
				return replyErr
			}
			if errno == protocol.EIO {
				consecutiveStorageErrors++
				if consecutiveStorageErrors >= maxConsecutiveStorageErrors {
					return fmt.Errorf("storage backend unavailable for %d consecutive requests", consecutiveStorageErrors)
				}
			} else {
				consecutiveStorageErrors = 0
			}
		}
	}
}

// handleRequest executes one command and writes its reply. The returned
// Errno is 0 on success; replyErr is non-nil only when writing the reply
// itself failed, which is always fatal to the connection.
func (s *session) handleRequest(ctx context.Context, req protocol.Request) (protocol.Errno, error) {
	switch req.Type {
	case protocol.CmdRead:
		if req.Length == 0 {
			return 0, protocol.WriteSimpleReply(s.conn, req.Handle, 0, nil)
		}
		data, err := s.engine.Read(ctx, req.Offset, uint64(req.Length))
		if err != nil {
			errno := mapErrno(err)
			return errno, protocol.WriteSimpleReply(s.conn, req.Handle, errno, nil)
		}
		return 0, protocol.WriteSimpleReply(s.conn, req.Handle, 0, data)

	case protocol.CmdWrite:
		if req.Length == 0 {
			return 0, protocol.WriteSimpleReply(s.conn, req.Handle, 0, nil)
		}
		err := s.engine.Write(ctx, req.Offset, req.Data)
		if err != nil {
			errno := mapErrno(err)
			return errno, protocol.WriteSimpleReply(s.conn, req.Handle, errno, nil)
		}
		return 0, protocol.WriteSimpleReply(s.conn, req.Handle, 0, nil)

	case protocol.CmdFlush:
		if req.Length != 0 || req.Offset != 0 {
			return protocol.EINVAL, protocol.WriteSimpleReply(s.conn, req.Handle, protocol.EINVAL, nil)
		}
		err := s.engine.Flush(ctx)
		if err != nil {
			errno := mapErrno(err)
			return errno, protocol.WriteSimpleReply(s.conn, req.Handle, errno, nil)
		}
		return 0, protocol.WriteSimpleReply(s.conn, req.Handle, 0, nil)

	default:
		return protocol.EINVAL, protocol.WriteSimpleReply(s.conn, req.Handle, protocol.EINVAL, nil)
	}
}

// mapErrno classifies an engine-layer error into the wire errno sent
// back to the client.
func mapErrno(err error) protocol.Errno {
	var rangeErr *blockstore.RangeError
	if errors.As(err, &rangeErr) {
		return protocol.EINVAL
	}
	var unavailable *objstore.StorageUnavailable
	if errors.As(err, &unavailable) {
		return protocol.EIO
	}
	return protocol.EIO
}
