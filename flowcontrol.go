package rudp

import "sync"

// FlowControl is the logical AND of a sliding-window flow controller
// and a TCP-style AIMD congestion controller. The effective window
// admitted for sending is min(flowWindow, cwnd) - bytesInFlight.
type FlowControl struct {
	mu sync.Mutex

	mss uint32

	flowCap         uint32 // configured cap on the flow window
	receiverWindow  uint32 // latest advertised window from peer ACKs
	bytesInFlight   uint32
	cwnd            uint32
	ssthresh        uint32
	dupAckCount     int
	lastAckReceived uint32
	inFastRecovery  bool
}

// NewFlowControl creates a controller. mss is the maximum segment
// size (mtu - header size); initialWindow is the configured flow
// window cap (spec default 65535).
func NewFlowControl(mss, initialWindow uint32) *FlowControl {
	return &FlowControl{
		mss:            mss,
		flowCap:        initialWindow,
		receiverWindow: initialWindow,
		cwnd:           mss,
		ssthresh:       65535,
	}
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// effectiveWindow returns min(flowWindow, cwnd) - bytesInFlight. Must
// be called with mu held.
func (f *FlowControl) effectiveWindowLocked() uint32 {
	flowWindow := min(f.flowCap, f.receiverWindow)
	window := min(flowWindow, f.cwnd)
	if f.bytesInFlight >= window {
		return 0
	}
	return window - f.bytesInFlight
}

// CanSend reports whether n bytes may be admitted right now.
func (f *FlowControl) CanSend(n uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return n <= f.effectiveWindowLocked()
}

// TryAdmit atomically checks admission for n bytes and, if admitted,
// reserves them as in flight in the same critical section. Unlike a
// separate CanSend+OnSend pair, this prevents two concurrent reliable
// sends on the same connection from both observing a narrow window as
// free and jointly overrunning it (spec.md invariant: bytes_in_flight
// <= min(cwnd, receiver_window)).
func (f *FlowControl) TryAdmit(n uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.effectiveWindowLocked() {
		return false
	}
	f.bytesInFlight += n
	return true
}

// EffectiveWindow returns the currently admittable byte count.
func (f *FlowControl) EffectiveWindow() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.effectiveWindowLocked()
}

// OnSend records n bytes as newly in flight. Call only after CanSend
// has approved the send, while still holding the admission decision
// (callers should serialize CanSend+OnSend per connection).
func (f *FlowControl) OnSend(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytesInFlight += n
}

// OnAck processes a new (non-duplicate) cumulative ACK covering n
// newly-acknowledged bytes and the peer's advertised receiverWindow,
// then grows cwnd (slow start or congestion avoidance) or, in fast
// recovery, deflates it to ssthresh and leaves recovery.
func (f *FlowControl) OnAck(n, receiverWindow uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > f.bytesInFlight {
		n = f.bytesInFlight
	}
	f.bytesInFlight -= n
	f.receiverWindow = receiverWindow
	f.dupAckCount = 0

	if f.inFastRecovery {
		f.cwnd = f.ssthresh
		f.inFastRecovery = false
		return
	}

	if f.cwnd < f.ssthresh {
		// Slow start.
		f.cwnd += f.mss
	} else {
		// Congestion avoidance: additive increase, ~1 MSS per RTT.
		inc := (f.mss * f.mss) / f.cwnd
		if inc == 0 {
			inc = 1
		}
		f.cwnd += inc
	}
}

// OnDuplicateAck records a duplicate ACK for ackValue. On the third
// duplicate it performs fast retransmit bookkeeping (halves cwnd via
// ssthresh, inflates cwnd for fast recovery) and reports that the
// caller should retransmit the packet at ackValue. Subsequent
// duplicates during fast recovery simply inflate cwnd further.
func (f *FlowControl) OnDuplicateAck(ackValue uint32) (retransmit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFastRecovery {
		f.cwnd += f.mss
		return false
	}

	f.dupAckCount++
	f.lastAckReceived = ackValue
	if f.dupAckCount < 3 {
		return false
	}

	f.ssthresh = max(f.cwnd/2, 2*f.mss)
	f.cwnd = f.ssthresh + 3*f.mss
	f.inFastRecovery = true
	f.dupAckCount = 0
	return true
}

// OnTimeout applies the RTO-fired congestion policy: halve into
// ssthresh, collapse cwnd to one MSS, and leave fast recovery.
func (f *FlowControl) OnTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ssthresh = max(f.cwnd/2, 2*f.mss)
	f.cwnd = f.mss
	f.inFastRecovery = false
	f.dupAckCount = 0
}

// Snapshot returns point-in-time values for Stats reporting.
func (f *FlowControl) Snapshot() (cwnd, ssthresh, bytesInFlight, receiverWindow uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwnd, f.ssthresh, f.bytesInFlight, f.receiverWindow
}
