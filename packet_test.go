package rudp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := newData(42, 7, []byte("hello world"), 65535)

	raw := Encode(pkt)
	assert.Len(t, raw, HeaderSize+len("hello world"))

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeData, decoded.Header.Type)
	assert.Equal(t, uint32(42), decoded.Header.Sequence)
	assert.Equal(t, uint32(7), decoded.Header.Ack)
	assert.Equal(t, []byte("hello world"), decoded.Payload)
}

func TestHeaderIsExactly32Bytes(t *testing.T) {
	raw := Encode(newSyn(1))
	assert.Equal(t, HeaderSize, 32)
	assert.Len(t, raw, 32)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := Encode(newSyn(1))
	raw[0] ^= 0xFF

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	raw := Encode(newSyn(1))
	raw[2] = 99

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw := Encode(newData(1, 0, []byte("abc"), 0))
	_, err := Decode(raw[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	raw := Encode(newData(1, 0, []byte("abcdef"), 0))
	truncatedPayload := raw[:len(raw)-2]

	_, err := Decode(truncatedPayload)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	raw := Encode(newData(1, 0, []byte("abcdef"), 0))
	raw[len(raw)-1] ^= 0xFF

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestIsFragment(t *testing.T) {
	single := newData(1, 0, []byte("x"), 0)
	assert.False(t, single.IsFragment())

	frag := newFragment(1, 0, 99, 0, 3, []byte("x"))
	assert.True(t, frag.IsFragment())

	singleTotal := newFragment(1, 0, 99, 0, 1, []byte("x"))
	assert.False(t, singleTotal.IsFragment())
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "SYN", TypeSYN.String())
	assert.Equal(t, "FRAGMENT", TypeFragment.String())
	assert.Equal(t, "UNKNOWN", PacketType(200).String())
}

func TestCompressedSetsFlagAndShrinksPayload(t *testing.T) {
	compressible := bytes.Repeat([]byte("abcdefgh"), 256)
	pkt := newData(1, 0, compressible, 65535).compressed()

	assert.NotEqual(t, Flags(0), pkt.Header.Flags&FlagCompressed)
	assert.Less(t, len(pkt.Payload), len(compressible))

	restored, err := pkt.inflated()
	require.NoError(t, err)
	assert.Equal(t, compressible, restored.Payload)
	assert.Equal(t, Flags(0), restored.Header.Flags&FlagCompressed)
}

func TestCompressedLeavesIncompressiblePayloadAlone(t *testing.T) {
	tiny := []byte("x")
	pkt := newData(1, 0, tiny, 0).compressed()

	assert.Equal(t, Flags(0), pkt.Header.Flags&FlagCompressed)
	assert.Equal(t, tiny, pkt.Payload)
}

func TestInflatedIsNoOpWithoutFlag(t *testing.T) {
	pkt := newData(1, 0, []byte("plain"), 0)
	out, err := pkt.inflated()
	require.NoError(t, err)
	assert.Equal(t, pkt, out)
}

func TestEncodeDecodeRoundTripWithCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("rudp-rudp-rudp-"), 100)
	pkt := newData(5, 2, payload, 65535).compressed()
	require.NotEqual(t, Flags(0), pkt.Header.Flags&FlagCompressed)

	raw := Encode(pkt)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	inflated, err := decoded.inflated()
	require.NoError(t, err)
	assert.Equal(t, payload, inflated.Payload)
}
