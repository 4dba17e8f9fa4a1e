package rudp

import "github.com/pkg/errors"

// Packet-level errors. These never reach a caller and never mutate
// connection state; the receive loop drops the datagram and moves on.
var (
	ErrBadMagic           = errors.New("rudp: bad magic number")
	ErrUnsupportedVersion = errors.New("rudp: unsupported protocol version")
	ErrChecksumMismatch   = errors.New("rudp: checksum mismatch")
	ErrLengthMismatch     = errors.New("rudp: payload length mismatch")
	ErrTruncated          = errors.New("rudp: truncated packet")
	ErrUnknownType        = errors.New("rudp: unknown packet type")
	ErrFragmentTotalBad   = errors.New("rudp: fragment total mismatch")
	ErrFragmentIndexBad   = errors.New("rudp: fragment index out of range")
	ErrReassemblyExpired  = errors.New("rudp: reassembly expired")
)

// Connection-level errors. These transition the connection to Closed
// and fail every waiter registered on it.
var (
	ErrConnectionReset  = errors.New("rudp: connection reset")
	ErrSendTimeout      = errors.New("rudp: send timeout, max retries exceeded")
	ErrHandshakeTimeout = errors.New("rudp: handshake timeout")
)

// Caller-level errors. These are returned immediately and never
// mutate transport state.
var (
	ErrPayloadTooLarge = errors.New("rudp: payload exceeds maximum fragmentable size")
	ErrTransportClosed = errors.New("rudp: transport closed")
	ErrInvalidPeer     = errors.New("rudp: invalid peer address")
)
