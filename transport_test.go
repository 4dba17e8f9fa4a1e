package rudp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := NewConfig(WithHost("127.0.0.1"), WithPort(0), WithMTU(512))
	tr, err := NewTransport(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func TestTransportSendUnreliableIsDelivered(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	received := make(chan []byte, 1)
	server.OnReceive(func(peer string, payload []byte) {
		received <- payload
	})

	err := client.SendUnreliable(server.LocalAddr().String(), []byte("ping there"))
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("ping there"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unreliable delivery")
	}
}

func TestTransportSendReliableEstablishesAndDelivers(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	received := make(chan []byte, 1)
	server.OnReceive(func(peer string, payload []byte) {
		received <- payload
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.SendReliable(ctx, server.LocalAddr().String(), []byte("reliable hello"))
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("reliable hello"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reliable delivery")
	}
}

func TestTransportSendReliableFragmentsLargePayload(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	received := make(chan []byte, 1)
	server.OnReceive(func(peer string, payload []byte) {
		received <- payload
	})

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.SendReliable(ctx, server.LocalAddr().String(), big)
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, big, payload)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fragmented reliable delivery")
	}
}

func TestTransportStatsReportsEstablishedConnection(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)

	received := make(chan []byte, 1)
	server.OnReceive(func(peer string, payload []byte) { received <- payload })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.SendReliable(ctx, server.LocalAddr().String(), []byte("stat me")))
	<-received

	stats := client.Stats()
	require.Len(t, stats.Connections, 1)
	for _, s := range stats.Connections {
		assert.Equal(t, "Established", s.State)
		assert.GreaterOrEqual(t, s.PacketsSent, uint64(1))
	}
}

func TestTransportStopFailsPendingReliableSend(t *testing.T) {
	cfg := NewConfig(WithHost("127.0.0.1"), WithPort(0), WithMTU(512))
	client, err := NewTransport(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		// Nobody is listening on this address, so the handshake never
		// completes and the send blocks until Stop fails it out.
		resultCh <- client.SendReliable(ctx, "127.0.0.1:1", []byte("nobody home"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Stop())

	select {
	case err := <-resultCh:
		assert.Error(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("SendReliable did not return after Stop")
	}
}
