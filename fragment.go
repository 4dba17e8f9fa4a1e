package rudp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxReassembliesPerPeer bounds how many incomplete messages a single
// peer can keep open at once; on overflow the least recently used
// reassembly is dropped. It caps the entry count, not bytes: each
// entry can still hold up to MaxFragmentTotal chunks of mtu -
// HeaderSize bytes.
const maxReassembliesPerPeer = 256

type reassemblyKey struct {
	peer       string
	fragmentID uint32
}

type reassembly struct {
	total     uint16
	parts     map[uint16][]byte
	received  int
	startedAt time.Time
}

// Fragmenter splits oversize messages into MTU-sized FRAGMENT packets
// and reassembles them on arrival, keyed by (peer, fragment id). It is
// safe for concurrent use.
type Fragmenter struct {
	mtu   int
	ttl   time.Duration
	clock clock.Clock

	mu     sync.Mutex
	tables map[string]*lru.Cache[uint32, *reassembly]
}

// NewFragmenter creates a Fragmenter with the given mtu (bytes) and
// reassembly TTL. A nil clk defaults to the real wall clock.
func NewFragmenter(mtu int, ttl time.Duration, clk clock.Clock) *Fragmenter {
	if clk == nil {
		clk = clock.New()
	}
	return &Fragmenter{
		mtu:    mtu,
		ttl:    ttl,
		clock:  clk,
		tables: make(map[string]*lru.Cache[uint32, *reassembly]),
	}
}

// chunkSize is the maximum payload bytes per fragment: mtu minus the
// fixed header.
func (f *Fragmenter) chunkSize() int {
	return f.mtu - HeaderSize
}

// Fragment splits payload into chunks of at most mtu - HeaderSize
// bytes and returns them with a fresh random fragment id. If payload
// fits in a single chunk, that one chunk is returned with fragment id
// 0. Packets are built by the caller, and sequence numbers are NOT
// assigned here — the connection layer assigns one per emitted packet.
func (f *Fragmenter) Fragment(payload []byte) ([][]byte, uint32, error) {
	chunk := f.chunkSize()
	if len(payload) <= chunk {
		return [][]byte{payload}, 0, nil
	}

	total := (len(payload) + chunk - 1) / chunk
	if total > MaxFragmentTotal {
		return nil, 0, ErrPayloadTooLarge
	}

	fragID := randomFragmentID()
	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks, fragID, nil
}

func randomFragmentID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (f *Fragmenter) tableFor(peer string) *lru.Cache[uint32, *reassembly] {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tables[peer]
	if !ok {
		t, _ = lru.New[uint32, *reassembly](maxReassembliesPerPeer)
		f.tables[peer] = t
	}
	return t
}

// Reassemble folds a FRAGMENT packet into the (peer, fragment id)
// reassembly table. It returns the complete message and true once
// every index [0, total) has arrived; a mismatched fragment total
// against an already-open reassembly drops the offending packet
// (ErrFragmentTotalBad) and leaves the reassembly intact, matching the
// "sender is misbehaving" handling in spec.
func (f *Fragmenter) Reassemble(peer string, h Header, payload []byte) ([]byte, bool, error) {
	if h.FragmentIndex >= h.FragmentTotal {
		return nil, false, ErrFragmentIndexBad
	}

	table := f.tableFor(peer)

	entry, ok := table.Get(h.FragmentID)
	if !ok {
		entry = &reassembly{
			total:     h.FragmentTotal,
			parts:     make(map[uint16][]byte),
			startedAt: f.clock.Now(),
		}
		table.Add(h.FragmentID, entry)
	} else if entry.total != h.FragmentTotal {
		return nil, false, ErrFragmentTotalBad
	}

	if _, exists := entry.parts[h.FragmentIndex]; !exists {
		entry.received++
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	entry.parts[h.FragmentIndex] = buf

	if entry.received < int(entry.total) {
		return nil, false, nil
	}

	out := make([]byte, 0, int(entry.total)*f.chunkSize())
	for i := uint16(0); i < entry.total; i++ {
		out = append(out, entry.parts[i]...)
	}
	table.Remove(h.FragmentID)
	return out, true, nil
}

// EvictExpired drops reassemblies older than the configured TTL,
// called from the transport's maintenance tick.
func (f *Fragmenter) EvictExpired() {
	now := f.clock.Now()

	f.mu.Lock()
	tables := make([]*lru.Cache[uint32, *reassembly], 0, len(f.tables))
	for _, t := range f.tables {
		tables = append(tables, t)
	}
	f.mu.Unlock()

	for _, t := range tables {
		for _, key := range t.Keys() {
			entry, ok := t.Peek(key)
			if !ok {
				continue
			}
			if now.Sub(entry.startedAt) > f.ttl {
				t.Remove(key)
			}
		}
	}
}
