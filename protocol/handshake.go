package protocol

import (
	"io"
	"unicode/utf8"
)

// WriteHandshakePreface writes the fixed-newstyle preface: NBDMAGIC,
// IHAVEOPT, and the 16-bit handshake flags.
func WriteHandshakePreface(w io.Writer) error {
	if err := writeUint64(w, NBDMagic); err != nil {
		return err
	}
	if err := writeUint64(w, IHaveOpt); err != nil {
		return err
	}
	return writeUint16(w, HandshakeFlags)
}

// ReadClientFlags reads the client's 32-bit handshake flags. Every bit
// except ClientFlagFixedNewstyle is ignored; the caller must check it.
func ReadClientFlags(r io.Reader) (uint32, error) {
	flags, err := readUint32(r)
	if err != nil {
		return 0, protoErrf(err, "reading client flags")
	}
	return flags, nil
}

// Option is a decoded option header: the raw option code and the number
// of data bytes still unread from r.
type Option struct {
	Code   uint32
	Length uint32
}

// ReadOptionHeader reads {magic, option, length}. It returns a protocol
// Error on bad magic or an oversized length; the caller must still
// consume or discard Length bytes of option data before reading the next
// option.
func ReadOptionHeader(r io.Reader) (Option, error) {
	magic, err := readUint64(r)
	if err != nil {
		return Option{}, protoErrf(err, "reading option magic")
	}
	if magic != IHaveOpt {
		return Option{}, protoErr("invalid option magic")
	}
	code, err := readUint32(r)
	if err != nil {
		return Option{}, protoErrf(err, "reading option code")
	}
	length, err := readUint32(r)
	if err != nil {
		return Option{}, protoErrf(err, "reading option length")
	}
	if length > MaxOptionLength {
		return Option{}, protoErr("option length too large")
	}
	return Option{Code: code, Length: length}, nil
}

// DecodeOptGo decodes the data of an NBD_OPT_GO option: a name and a list
// of information requests, which are acknowledged implicitly and not
// otherwise interpreted (see spec §4.1).
func DecodeOptGo(r io.Reader, length uint32) (name string, err error) {
	if length < 6 {
		return "", protoErr("NBD_OPT_GO data too short")
	}
	nameLen, err := readUint32(r)
	if err != nil {
		return "", protoErrf(err, "reading export name length")
	}
	if uint64(nameLen)+6 > uint64(length) {
		return "", protoErr("NBD_OPT_GO name length exceeds option length")
	}
	nameBytes := make([]byte, nameLen)
	if err := readFull(r, nameBytes); err != nil {
		return "", protoErrf(err, "reading export name")
	}
	if !utf8.Valid(nameBytes) {
		return "", protoErr("export name is not valid UTF-8")
	}
	nInfo, err := readUint16(r)
	if err != nil {
		return "", protoErrf(err, "reading info request count")
	}
	want := uint64(nameLen) + 6 + uint64(nInfo)*2
	if want != uint64(length) {
		return "", protoErr("NBD_OPT_GO length mismatch")
	}
	if err := discard(r, uint32(nInfo)*2); err != nil {
		return "", protoErrf(err, "discarding info requests")
	}
	return string(nameBytes), nil
}

// DiscardOption reads and discards an option's data without interpreting
// it, used for NBD_OPT_ABORT (which carries no data) and for any option
// the caller has decided to reject with NBD_REP_ERR_UNSUP.
func DiscardOption(r io.Reader, length uint32) error {
	if err := discard(r, length); err != nil {
		return protoErrf(err, "discarding option data")
	}
	return nil
}

// WriteRepAck writes an NBD_REP_ACK reply with no payload.
func WriteRepAck(w io.Writer, option uint32) error {
	return writeReplyHeader(w, option, RepAck, 0)
}

// WriteRepErr writes an error reply (NBD_REP_ERR_*) with no payload.
func WriteRepErr(w io.Writer, option uint32, code uint32) error {
	return writeReplyHeader(w, option, code, 0)
}

// WriteRepServer writes one NBD_REP_SERVER entry, used for NBD_OPT_LIST.
func WriteRepServer(w io.Writer, option uint32, name string) error {
	if err := writeReplyHeader(w, option, RepServer, uint32(4+len(name))); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(name))); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

// WriteRepInfoExport writes the NBD_REP_INFO/NBD_INFO_EXPORT payload:
// export size and the fixed transmission flags.
func WriteRepInfoExport(w io.Writer, option uint32, size uint64) error {
	if err := writeReplyHeader(w, option, RepInfo, 2+8+2); err != nil {
		return err
	}
	if err := writeUint16(w, InfoExport); err != nil {
		return err
	}
	if err := writeUint64(w, size); err != nil {
		return err
	}
	return writeUint16(w, TransmissionFlags)
}

func writeReplyHeader(w io.Writer, option, replyType, length uint32) error {
	if err := writeUint64(w, OptReplyMagic); err != nil {
		return err
	}
	if err := writeUint32(w, option); err != nil {
		return err
	}
	if err := writeUint32(w, replyType); err != nil {
		return err
	}
	return writeUint32(w, length)
}
