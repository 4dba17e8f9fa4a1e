package rudp

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentSmallPayloadIsNotSplit(t *testing.T) {
	f := NewFragmenter(1400, 30*time.Second, nil)

	chunks, fragID, err := f.Fragment([]byte("small"))
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, uint32(0), fragID)
}

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	f := NewFragmenter(64, 30*time.Second, nil)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}

	chunks, fragID, err := f.Fragment(payload)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	total := uint16(len(chunks))
	var reassembled []byte
	var done bool
	for i, chunk := range chunks {
		h := Header{FragmentID: fragID, FragmentIndex: uint16(i), FragmentTotal: total}
		reassembled, done, err = f.Reassemble("peerA", h, chunk)
		require.NoError(t, err)
	}

	assert.True(t, done)
	assert.Equal(t, payload, reassembled)
}

func TestReassembleOutOfOrder(t *testing.T) {
	f := NewFragmenter(64, 30*time.Second, nil)
	payload := make([]byte, 90)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks, fragID, err := f.Fragment(payload)
	require.NoError(t, err)
	total := uint16(len(chunks))

	order := []int{2, 0, 1}
	if len(chunks) != 3 {
		t.Fatalf("expected exactly 3 chunks for this mtu/payload size, got %d", len(chunks))
	}

	var reassembled []byte
	var done bool
	for _, i := range order {
		h := Header{FragmentID: fragID, FragmentIndex: uint16(i), FragmentTotal: total}
		reassembled, done, err = f.Reassemble("peerB", h, chunks[i])
		require.NoError(t, err)
	}

	assert.True(t, done)
	assert.Equal(t, payload, reassembled)
}

func TestReassembleMismatchedTotalIsRejected(t *testing.T) {
	f := NewFragmenter(64, 30*time.Second, nil)

	h1 := Header{FragmentID: 5, FragmentIndex: 0, FragmentTotal: 3}
	_, done, err := f.Reassemble("peerC", h1, []byte("a"))
	require.NoError(t, err)
	assert.False(t, done)

	h2 := Header{FragmentID: 5, FragmentIndex: 1, FragmentTotal: 4}
	_, _, err = f.Reassemble("peerC", h2, []byte("b"))
	assert.ErrorIs(t, err, ErrFragmentTotalBad)
}

func TestReassembleBadIndexIsRejected(t *testing.T) {
	f := NewFragmenter(64, 30*time.Second, nil)
	h := Header{FragmentID: 1, FragmentIndex: 5, FragmentTotal: 3}
	_, _, err := f.Reassemble("peerD", h, []byte("a"))
	assert.ErrorIs(t, err, ErrFragmentIndexBad)
}

func TestEvictExpiredDropsStaleReassembly(t *testing.T) {
	mock := clock.NewMock()
	f := NewFragmenter(64, 1*time.Second, mock)

	h := Header{FragmentID: 9, FragmentIndex: 0, FragmentTotal: 2}
	_, done, err := f.Reassemble("peerE", h, []byte("a"))
	require.NoError(t, err)
	assert.False(t, done)

	mock.Add(2 * time.Second)
	f.EvictExpired()

	h2 := Header{FragmentID: 9, FragmentIndex: 1, FragmentTotal: 2}
	_, done, err = f.Reassemble("peerE", h2, []byte("b"))
	require.NoError(t, err)
	// Reassembly was evicted, so this starts a fresh (incomplete)
	// reassembly rather than completing the old one.
	assert.False(t, done)
}

func TestFragmentOversizePayloadRejected(t *testing.T) {
	f := NewFragmenter(33, 30*time.Second, nil)
	hugePayload := make([]byte, (MaxFragmentTotal+1)*1)

	_, _, err := f.Fragment(hugePayload)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
