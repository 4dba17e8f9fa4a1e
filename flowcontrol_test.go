package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowControlStartsInSlowStart(t *testing.T) {
	fc := NewFlowControl(1000, 65535)
	cwnd, ssthresh, inFlight, _ := fc.Snapshot()
	assert.Equal(t, uint32(1000), cwnd)
	assert.Equal(t, uint32(65535), ssthresh)
	assert.Equal(t, uint32(0), inFlight)
}

func TestCanSendRespectsEffectiveWindow(t *testing.T) {
	fc := NewFlowControl(1000, 1000)
	assert.True(t, fc.CanSend(1000))
	assert.False(t, fc.CanSend(1001))

	fc.OnSend(1000)
	assert.False(t, fc.CanSend(1))
	assert.Equal(t, uint32(0), fc.EffectiveWindow())
}

func TestOnAckGrowsCwndDuringSlowStart(t *testing.T) {
	fc := NewFlowControl(1000, 65535)
	fc.OnSend(1000)
	fc.OnAck(1000, 65535)

	cwnd, _, inFlight, _ := fc.Snapshot()
	assert.Equal(t, uint32(2000), cwnd)
	assert.Equal(t, uint32(0), inFlight)
}

func TestOnAckUsesCongestionAvoidanceAboveSsthresh(t *testing.T) {
	fc := NewFlowControl(1000, 65535)
	fc.mu.Lock()
	fc.cwnd = 10000
	fc.ssthresh = 5000
	fc.mu.Unlock()

	fc.OnSend(1000)
	fc.OnAck(1000, 65535)

	cwnd, _, _, _ := fc.Snapshot()
	assert.Less(t, cwnd, uint32(10000+1000))
	assert.Greater(t, cwnd, uint32(10000))
}

func TestThirdDuplicateAckTriggersFastRetransmit(t *testing.T) {
	fc := NewFlowControl(1000, 65535)
	fc.OnSend(3000)

	assert.False(t, fc.OnDuplicateAck(100))
	assert.False(t, fc.OnDuplicateAck(100))
	assert.True(t, fc.OnDuplicateAck(100))

	cwnd, ssthresh, _, _ := fc.Snapshot()
	assert.Equal(t, uint32(2000), ssthresh) // max(cwnd/2, 2*mss) = max(500, 2000)
	assert.Equal(t, ssthresh+3*1000, cwnd)  // fast-recovery inflation
}

func TestOnTimeoutCollapsesCwndToOneMSS(t *testing.T) {
	fc := NewFlowControl(1000, 65535)
	fc.mu.Lock()
	fc.cwnd = 50000
	fc.mu.Unlock()

	fc.OnTimeout()

	cwnd, ssthresh, _, _ := fc.Snapshot()
	assert.Equal(t, uint32(1000), cwnd)
	assert.Equal(t, uint32(25000), ssthresh)
}
