package protocol

import "fmt"

// Wire magic numbers and fixed values, per the NBD fixed-newstyle protocol.
const (
	NBDMagic    = 0x4e42444d41474943
	IHaveOpt    = 0x49484156454f5054
	OptReplyMagic = 0x0003e889045565a9
	ReqMagic      = 0x25609513
	SimpleReplyMagic = 0x67446698

	// HandshakeFlags is what the server advertises in the handshake
	// preface. Only FIXED_NEWSTYLE; NO_ZEROES is not advertised.
	HandshakeFlags = 1 << 0

	// ClientFlagFixedNewstyle must be set in the client's 32-bit flags
	// reply; every other bit is ignored.
	ClientFlagFixedNewstyle = 1 << 0

	// MaxOptionLength bounds an option's data length. Anything larger is
	// a protocol error, not just an unsupported option.
	MaxOptionLength = 64 << 10
)

// Option codes the server understands. Anything else yields
// NBD_REP_ERR_UNSUP.
const (
	OptAbort = 2
	OptList  = 3
	OptGo    = 7
)

// Option reply codes.
const (
	RepAck    = 1
	RepServer = 2
	RepInfo   = 3

	// Error replies have the high bit set. Numeric values match the real
	// NBD protocol (NBD_REP_ERR_POLICY is 2^31+2, not +7 - easy to
	// mis-transcribe since NBD_REP_ERR_SHUTDOWN is +7).
	repErrBase    = uint32(1) << 31
	RepErrUnsup   = repErrBase + 1
	RepErrPolicy  = repErrBase + 2
	RepErrUnknown = repErrBase + 6
)

// InfoExport is the only NBD_REP_INFO payload type this server sends.
const InfoExport = 0

// TransmissionFlags advertised in the NBD_INFO_EXPORT payload:
// NBD_FLAG_HAS_FLAGS | NBD_FLAG_SEND_FLUSH. NBD_FLAG_SEND_FUA is
// deliberately left unset (see doc.go BUG(3)).
const TransmissionFlags = 1<<0 | 1<<2

// Command type codes understood in the transmission phase.
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
	CmdFlush = 3
)

// Errno is an NBD wire error code, sent in the simple reply header.
type Errno uint32

const (
	EPERM     Errno = 1
	EIO       Errno = 5
	EINVAL    Errno = 22
	ESHUTDOWN Errno = 108
)

var errnoStr = map[Errno]string{
	EPERM:     "operation not permitted",
	EIO:       "input/output error",
	EINVAL:    "invalid argument",
	ESHUTDOWN: "cannot send after transport endpoint shutdown",
}

func (e Errno) Error() string {
	if s, ok := errnoStr[e]; ok {
		return s
	}
	return fmt.Sprintf("NBD_ERROR(%d)", uint32(e))
}

// Error is a malformed-frame error: invalid magic, a short read, an
// oversized option, or invalid UTF-8 in an export name. The connection
// must be closed; there is no reply to send for most of these.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Msg, e.Err)
	}
	return "protocol: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func protoErr(msg string) error {
	return &Error{Msg: msg}
}

func protoErrf(err error, format string, a ...interface{}) error {
	return &Error{Msg: fmt.Sprintf(format, a...), Err: err}
}

// Request is a decoded 28-byte transmission-phase command header, plus its
// payload for WRITE.
type Request struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
	Data   []byte
}
