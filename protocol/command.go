package protocol

import "io"

// maxWriteLength bounds a single WRITE payload. Anything larger is
// rejected as a protocol error rather than read into memory.
const maxWriteLength = 32 << 20

// ReadRequest decodes a 28-byte transmission-phase command header and,
// for WRITE, its payload.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	magic, err := readUint32(r)
	if err != nil {
		return Request{}, protoErrf(err, "reading command magic")
	}
	if magic != ReqMagic {
		return Request{}, protoErr("invalid command magic")
	}
	if req.Flags, err = readUint16(r); err != nil {
		return Request{}, protoErrf(err, "reading command flags")
	}
	if req.Type, err = readUint16(r); err != nil {
		return Request{}, protoErrf(err, "reading command type")
	}
	if req.Handle, err = readUint64(r); err != nil {
		return Request{}, protoErrf(err, "reading command handle")
	}
	if req.Offset, err = readUint64(r); err != nil {
		return Request{}, protoErrf(err, "reading command offset")
	}
	if req.Length, err = readUint32(r); err != nil {
		return Request{}, protoErrf(err, "reading command length")
	}
	if req.Type != CmdWrite {
		return req, nil
	}
	if req.Length > maxWriteLength {
		if err := discard(r, req.Length); err != nil {
			return Request{}, protoErrf(err, "discarding oversized write")
		}
		return Request{}, protoErr("write payload too large")
	}
	req.Data = make([]byte, req.Length)
	if err := readFull(r, req.Data); err != nil {
		return Request{}, protoErrf(err, "reading write payload")
	}
	return req, nil
}

// WriteSimpleReply writes a 16-byte simple reply header, followed by
// payload (which should be nil for everything but a successful READ).
func WriteSimpleReply(w io.Writer, handle uint64, errno Errno, payload []byte) error {
	if err := writeUint32(w, SimpleReplyMagic); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(errno)); err != nil {
		return err
	}
	if err := writeUint64(w, handle); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
