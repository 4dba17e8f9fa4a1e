package rudp

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// PacketType identifies the purpose of a packet on the wire.
type PacketType uint8

const (
	TypeSYN PacketType = iota
	TypeSynAck
	TypeAck
	TypeData
	TypeFin
	TypeFinAck
	TypeRst
	TypePing
	TypePong
	TypeFragment
	TypeFragmentAck
	TypeNack
)

func (t PacketType) String() string {
	switch t {
	case TypeSYN:
		return "SYN"
	case TypeSynAck:
		return "SYN_ACK"
	case TypeAck:
		return "ACK"
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeFinAck:
		return "FIN_ACK"
	case TypeRst:
		return "RST"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFragment:
		return "FRAGMENT"
	case TypeFragmentAck:
		return "FRAGMENT_ACK"
	case TypeNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

// Flags carries boolean bits describing how the payload was prepared.
type Flags uint8

const (
	// FlagCompressed marks a payload the sender deflated with
	// compress/flate; the receiver inflates it before the payload
	// reaches the connection layer.
	FlagCompressed Flags = 1 << iota
	// FlagEncrypted is reserved wire bit space for a caller-side
	// authenticated/encrypted payload layer. This core never sets or
	// inspects it — payload opacity only.
	FlagEncrypted
	// FlagPriority is reserved wire bit space; no priority scheduler
	// exists in this core.
	FlagPriority
)

const (
	magic   uint16 = 0xBEEF
	version uint8  = 1

	// HeaderSize is the fixed on-wire header length in bytes.
	HeaderSize = 32

	// MaxFragmentTotal bounds a message to 65535 fragments (the
	// fragment total field is 16 bits); larger messages are rejected
	// by the fragmenter with ErrPayloadTooLarge.
	MaxFragmentTotal = 65535
)

// Header is the fixed 32-byte wire header.
//
// Field layout on the wire (all big-endian):
//
//	magic(2) version(1) type(1) flags(1) sequence(4) ack(4) window(2)
//	checksum(2) payloadLength(4) fragmentID(4) fragmentIndex(2)
//	fragmentTotal(2) reserved(3)
type Header struct {
	Type          PacketType
	Flags         Flags
	Sequence      uint32
	Ack           uint32
	Window        uint16
	Checksum      uint16
	PayloadLength uint32
	FragmentID    uint32
	FragmentIndex uint16
	FragmentTotal uint16
}

// Packet is a complete wire unit: header plus opaque payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// encodeHeader writes h into a fresh HeaderSize-byte buffer with the
// checksum field zeroed, matching the checksum algorithm: CRC32 over
// header-with-checksum-zeroed concatenated with payload.
func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], magic)
	buf[2] = version
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[5:9], h.Sequence)
	binary.BigEndian.PutUint32(buf[9:13], h.Ack)
	binary.BigEndian.PutUint16(buf[13:15], h.Window)
	binary.BigEndian.PutUint16(buf[15:17], 0) // checksum, zeroed for computation
	binary.BigEndian.PutUint32(buf[17:21], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[21:25], h.FragmentID)
	binary.BigEndian.PutUint16(buf[25:27], h.FragmentIndex)
	binary.BigEndian.PutUint16(buf[27:29], h.FragmentTotal)
	// buf[29:32) reserved, left zero.
	return buf
}

func checksumOf(h Header, payload []byte) uint16 {
	buf := encodeHeader(h)
	sum := crc32.ChecksumIEEE(append(buf, payload...))
	return uint16(sum & 0xFFFF)
}

// Encode serializes p to its wire representation, computing and
// writing the checksum field.
func Encode(p Packet) []byte {
	p.Header.PayloadLength = uint32(len(p.Payload))
	cksum := checksumOf(p.Header, p.Payload)

	buf := encodeHeader(p.Header)
	binary.BigEndian.PutUint16(buf[15:17], cksum)
	return append(buf, p.Payload...)
}

// Decode parses a wire datagram into a Packet, validating magic,
// version, length and checksum. On any failure it returns the
// matching packet-level error; the caller must drop the datagram
// silently — no state mutation, no peer notification.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, ErrTruncated
	}

	gotMagic := binary.BigEndian.Uint16(data[0:2])
	if gotMagic != magic {
		return Packet{}, ErrBadMagic
	}
	if data[2] != version {
		return Packet{}, ErrUnsupportedVersion
	}

	h := Header{
		Type:          PacketType(data[3]),
		Flags:         Flags(data[4]),
		Sequence:      binary.BigEndian.Uint32(data[5:9]),
		Ack:           binary.BigEndian.Uint32(data[9:13]),
		Window:        binary.BigEndian.Uint16(data[13:15]),
		Checksum:      binary.BigEndian.Uint16(data[15:17]),
		PayloadLength: binary.BigEndian.Uint32(data[17:21]),
		FragmentID:    binary.BigEndian.Uint32(data[21:25]),
		FragmentIndex: binary.BigEndian.Uint16(data[25:27]),
		FragmentTotal: binary.BigEndian.Uint16(data[27:29]),
	}

	if len(data) < HeaderSize {
		return Packet{}, ErrTruncated
	}
	payload := data[HeaderSize:]
	if uint32(len(payload)) != h.PayloadLength {
		return Packet{}, ErrLengthMismatch
	}

	want := checksumOf(Header{
		Type: h.Type, Flags: h.Flags, Sequence: h.Sequence, Ack: h.Ack,
		Window: h.Window, PayloadLength: h.PayloadLength,
		FragmentID: h.FragmentID, FragmentIndex: h.FragmentIndex,
		FragmentTotal: h.FragmentTotal,
	}, payload)
	if want != h.Checksum {
		return Packet{}, ErrChecksumMismatch
	}

	return Packet{Header: h, Payload: payload}, nil
}

// IsFragment reports whether p is part of a multi-packet fragmented
// message (fragment total > 1). A non-fragment packet has fragment
// total 0 or 1.
func (p Packet) IsFragment() bool {
	return p.Header.FragmentTotal > 1
}

// compressed returns p with its payload deflated and FlagCompressed
// set, but only when compression actually shrinks it; otherwise p is
// returned unchanged. Mirrors the sender-side compress() in the
// original packet model, which likewise skips the flag when the
// compressed form isn't smaller.
func (p Packet) compressed() Packet {
	if len(p.Payload) == 0 {
		return p
	}
	out, ok := deflate(p.Payload)
	if !ok {
		return p
	}
	p.Payload = out
	p.Header.Flags |= FlagCompressed
	return p
}

// inflated reverses compressed: if FlagCompressed is set, it inflates
// the payload and clears the flag so everything above the packet
// layer (connection delivery, fragment reassembly) only ever sees the
// sender's original bytes.
func (p Packet) inflated() (Packet, error) {
	if p.Header.Flags&FlagCompressed == 0 {
		return p, nil
	}
	out, err := inflate(p.Payload)
	if err != nil {
		return Packet{}, err
	}
	p.Payload = out
	p.Header.Flags &^= FlagCompressed
	p.Header.PayloadLength = uint32(len(out))
	return p, nil
}

// deflate compresses payload with compress/flate, reporting false if
// the result isn't actually smaller (the caller then leaves the
// payload untouched rather than paying flate's framing overhead for
// nothing).
func deflate(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

// inflate reverses deflate.
func inflate(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	return io.ReadAll(r)
}

// --- typed constructors -----------------------------------------------

func newSyn(seq uint32) Packet {
	return Packet{Header: Header{Type: TypeSYN, Sequence: seq}}
}

func newSynAck(seq, ack uint32) Packet {
	return Packet{Header: Header{Type: TypeSynAck, Sequence: seq, Ack: ack}}
}

func newAck(seq, ack uint32, window uint16) Packet {
	return Packet{Header: Header{Type: TypeAck, Sequence: seq, Ack: ack, Window: window}}
}

func newData(seq, ack uint32, payload []byte, window uint16) Packet {
	return Packet{Header: Header{Type: TypeData, Sequence: seq, Ack: ack, Window: window}, Payload: payload}
}

func newFin(seq uint32) Packet {
	return Packet{Header: Header{Type: TypeFin, Sequence: seq}}
}

func newFinAck(seq, ack uint32) Packet {
	return Packet{Header: Header{Type: TypeFinAck, Sequence: seq, Ack: ack}}
}

func newRst(seq uint32) Packet {
	return Packet{Header: Header{Type: TypeRst, Sequence: seq}}
}

func newPing(seq uint32, payload []byte) Packet {
	return Packet{Header: Header{Type: TypePing, Sequence: seq}, Payload: payload}
}

func newPong(seq uint32, payload []byte) Packet {
	return Packet{Header: Header{Type: TypePong, Sequence: seq}, Payload: payload}
}

func newFragment(seq, ack uint32, fragID uint32, index, total uint16, payload []byte) Packet {
	return Packet{Header: Header{
		Type: TypeFragment, Sequence: seq, Ack: ack,
		FragmentID: fragID, FragmentIndex: index, FragmentTotal: total,
	}, Payload: payload}
}
