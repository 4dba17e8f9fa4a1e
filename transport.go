package rudp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReceiveFunc is invoked exactly once per fully reassembled inbound
// message.
type ReceiveFunc func(peer string, payload []byte)

// Transport owns the UDP socket, the per-peer connection table, the
// fragment reassembler and the maintenance ticker. One instance per
// bound port.
type Transport struct {
	cfg   *Config
	log   *logrus.Logger
	clock clock.Clock
	id    uuid.UUID

	conn net.PacketConn

	mu          sync.Mutex
	connections map[string]*Connection
	addrs       map[string]net.Addr
	waiters     map[string]map[uint32]chan error

	frag *Fragmenter

	onReceive ReceiveFunc

	group  *errgroup.Group
	cancel context.CancelFunc
	closed chan struct{}

	packetsSent     uint64
	packetsReceived uint64
}

// NewTransport binds a UDP socket per cfg.Host/cfg.Port and prepares
// the connection table and fragmenter. Call Start to begin serving.
func NewTransport(cfg *Config, log *logrus.Logger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rudp: binding %s", addr)
	}

	clk := clock.New()
	return &Transport{
		cfg:         cfg,
		log:         log,
		clock:       clk,
		id:          uuid.New(),
		conn:        pconn,
		connections: make(map[string]*Connection),
		addrs:       make(map[string]net.Addr),
		waiters:     make(map[string]map[uint32]chan error),
		frag:        NewFragmenter(cfg.MTU, cfg.ReassemblyTTL, clk),
		closed:      make(chan struct{}),
	}, nil
}

// OnReceive registers the callback invoked on fully reassembled
// inbound messages. Must be called before Start.
func (t *Transport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReceive = fn
}

// Start spawns the receive loop and the maintenance loop as two
// concurrent activities under a shared cancellation context.
func (t *Transport) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error { return t.receiveLoop(gctx) })
	g.Go(func() error { return t.maintenanceLoop(gctx) })

	t.log.WithFields(logrus.Fields{
		"addr":         t.conn.LocalAddr().String(),
		"transport_id": t.id.String()[:8],
	}).Info("transport started")
	return nil
}

// Stop cancels the receive and maintenance loops, closes the socket,
// and fails every pending reliable send with ErrTransportClosed.
func (t *Transport) Stop() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}

	if t.cancel != nil {
		t.cancel()
	}
	err := t.conn.Close()

	t.mu.Lock()
	for _, byPeer := range t.waiters {
		for _, ch := range byPeer {
			ch <- ErrTransportClosed
		}
	}
	t.waiters = make(map[string]map[uint32]chan error)
	t.mu.Unlock()

	if t.group != nil {
		_ = t.group.Wait()
	}
	return err
}

func (t *Transport) resolve(peer string) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPeer, "%s: %v", peer, err)
	}
	return addr, nil
}

func (t *Transport) getConnection(peer string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.connections[peer]
	return c, ok
}

func (t *Transport) getOrCreateConnection(peer string, addr net.Addr) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.connections[peer]
	if !ok {
		c = NewConnection(peer, t.cfg, t.clock, t.log)
		t.connections[peer] = c
		t.addrs[peer] = addr
	}
	return c
}

func (t *Transport) writeTo(raw []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(raw, addr)
	if err == nil {
		t.mu.Lock()
		t.packetsSent++
		t.mu.Unlock()
	}
	return err
}

// SendUnreliable transmits payload as one or more raw datagrams with
// no retransmission and no connection involvement. It returns success
// once the datagram(s) leave the local socket.
func (t *Transport) SendUnreliable(peer string, payload []byte) error {
	addr, err := t.resolve(peer)
	if err != nil {
		return err
	}

	chunks, fragID, err := t.frag.Fragment(payload)
	if err != nil {
		return err
	}

	if len(chunks) == 1 && fragID == 0 {
		pkt := newData(0, 0, chunks[0], uint16(t.cfg.InitialWindow)).compressed()
		return t.writeTo(Encode(pkt), addr)
	}

	total := uint16(len(chunks))
	for i, chunk := range chunks {
		pkt := newFragment(0, 0, fragID, uint16(i), total, chunk).compressed()
		if err := t.writeTo(Encode(pkt), addr); err != nil {
			return err
		}
	}
	return nil
}

// SendReliable establishes a connection to peer if needed, fragments
// payload if oversize, and transmits it under flow/congestion
// admission control. It completes once the last packet of the
// message has been cumulatively acknowledged, or ctx is done.
func (t *Transport) SendReliable(ctx context.Context, peer string, payload []byte) error {
	addr, err := t.resolve(peer)
	if err != nil {
		return err
	}
	// Key the connection table by the resolved address, not the
	// caller's raw peer string: inbound packets are demuxed by
	// addr.String() from the socket, and a non-canonical peer string
	// (e.g. a hostname) would otherwise register under a key the
	// receive loop can never look up.
	canonicalPeer := addr.String()
	c := t.getOrCreateConnection(canonicalPeer, addr)

	if c.StateSnapshot() == StateClosed {
		if err := t.handshake(ctx, c, addr); err != nil {
			return err
		}
	}

	chunks, fragID, err := t.frag.Fragment(payload)
	if err != nil {
		return err
	}
	total := uint16(len(chunks))

	var lastSeq uint32
	for i, chunk := range chunks {
		seq, err := t.admitAndSend(ctx, c, addr, chunk, fragID, uint16(i), total)
		if err != nil {
			return err
		}
		lastSeq = seq
	}

	return t.awaitAck(ctx, canonicalPeer, lastSeq)
}

// handshake performs active open: send SYN, wait for the connection
// to reach Established, retrying with exponential backoff bounded by
// ctx's deadline.
func (t *Transport) handshake(ctx context.Context, c *Connection, addr net.Addr) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.MinRTO
	bo.MaxInterval = t.cfg.MaxRTO
	bo.Multiplier = 2

	syn := c.InitiateHandshake()
	if err := t.writeTo(Encode(syn), addr); err != nil {
		return err
	}

	for {
		if c.StateSnapshot() == StateEstablished {
			return nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.ForceClose()
			return ErrHandshakeTimeout
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.ForceClose()
			return errors.Wrap(ErrHandshakeTimeout, ctx.Err().Error())
		case <-t.closed:
			return ErrTransportClosed
		}

		if c.StateSnapshot() == StateEstablished {
			return nil
		}
		if err := t.writeTo(Encode(syn), addr); err != nil {
			return err
		}
	}
}

// admitAndSend deflates chunk if that shrinks it, blocks (cooperatively)
// until the flow/congestion controller admits the resulting payload's
// byte count, then assigns a sequence number, records it in unacked
// and transmits.
func (t *Transport) admitAndSend(ctx context.Context, c *Connection, addr net.Addr, chunk []byte, fragID uint32, index, total uint16) (uint32, error) {
	// Compress before admission so bytes_in_flight/cwnd accounting
	// (and the later ACK-driven credit) reflect what actually goes on
	// the wire, not the caller's pre-compression chunk size.
	payload, isCompressed := deflate(chunk)
	if !isCompressed {
		payload = chunk
	}
	n := uint32(len(payload))

	// TryAdmit checks and reserves atomically so two concurrent
	// reliable sends on the same connection can't both pass admission
	// against the same sliver of window (see FlowControl.TryAdmit).
	for !c.Flow.TryAdmit(n) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.closed:
			return 0, ErrTransportClosed
		case <-time.After(5 * time.Millisecond):
		}
	}

	seq := c.NextSeq()
	recvSeq := c.RecvSeq()
	var pkt Packet
	if total > 1 {
		pkt = newFragment(seq, recvSeq, fragID, index, total, payload)
	} else {
		pkt = newData(seq, recvSeq, payload, uint16(t.cfg.InitialWindow))
	}
	if isCompressed {
		pkt.Header.Flags |= FlagCompressed
	}

	raw := Encode(pkt)
	now := t.clock.Now()
	c.QueueUnacked(seq, raw, now)

	if err := t.writeTo(raw, addr); err != nil {
		return 0, err
	}
	return seq, nil
}

// awaitAck registers a waiter for the final sequence number of a
// reliable send and blocks until it is cumulatively acknowledged, the
// connection resets, or ctx is done.
func (t *Transport) awaitAck(ctx context.Context, peer string, finalSeq uint32) error {
	ch := make(chan error, 1)
	t.mu.Lock()
	if t.waiters[peer] == nil {
		t.waiters[peer] = make(map[uint32]chan error)
	}
	t.waiters[peer][finalSeq] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.waiters[peer], finalSeq)
		t.mu.Unlock()
	}()

	ticker := t.clock.Ticker(t.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrTransportClosed
		case <-ticker.C:
			c, ok := t.getConnection(peer)
			if !ok {
				return ErrConnectionReset
			}
			if !c.HasUnacked(finalSeq) {
				return nil
			}
			if c.StateSnapshot() == StateClosed {
				return ErrConnectionReset
			}
		}
	}
}

// receiveLoop reads datagrams, decodes, demuxes by peer, and drives
// each connection's state machine.
func (t *Transport) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = t.conn.SetReadDeadline(t.clock.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			t.log.WithError(err).Debug("dropping undecodable packet")
			continue
		}
		pkt, err = pkt.inflated()
		if err != nil {
			t.log.WithError(err).Debug("dropping packet with corrupt compressed payload")
			continue
		}

		t.mu.Lock()
		t.packetsReceived++
		t.mu.Unlock()

		t.handleInbound(pkt, addr)
	}
}

func (t *Transport) handleInbound(pkt Packet, addr net.Addr) {
	peer := addr.String()

	if pkt.Header.Type == TypeSYN {
		if _, ok := t.getConnection(peer); !ok {
			c := t.getOrCreateConnection(peer, addr)
			c.MarkListening()
		}
	}

	c, ok := t.getConnection(peer)
	if !ok {
		// DATA/FRAGMENT from a peer with no connection comes from
		// SendUnreliable: deliver it without connection state.
		if pkt.Header.Type == TypeData || pkt.Header.Type == TypeFragment {
			t.dispatchDelivered(peer, Deliverable{Header: pkt.Header, Payload: pkt.Payload})
		}
		return
	}

	resp, delivered, reset := c.HandleInbound(pkt)

	if resp != nil {
		if err := t.writeTo(Encode(*resp), addr); err != nil {
			t.log.WithError(err).Warn("failed writing response packet")
		}
	}

	for _, d := range delivered {
		t.dispatchDelivered(peer, d)
	}

	t.signalWaiters(peer, pkt)

	if reset {
		t.failWaiters(peer, ErrConnectionReset)
	}
}

func (t *Transport) dispatchDelivered(peer string, d Deliverable) {
	if d.Header.FragmentTotal > 1 {
		complete, done, err := t.frag.Reassemble(peer, d.Header, d.Payload)
		if err != nil {
			t.log.WithError(err).Debug("dropping bad fragment")
			return
		}
		if !done {
			return
		}
		t.deliver(peer, complete)
		return
	}
	t.deliver(peer, d.Payload)
}

func (t *Transport) deliver(peer string, payload []byte) {
	t.mu.Lock()
	fn := t.onReceive
	t.mu.Unlock()
	if fn != nil {
		fn(peer, payload)
	}
}

// signalWaiters wakes any reliable-send waiter whose final sequence
// is now covered by a cumulative ACK.
func (t *Transport) signalWaiters(peer string, pkt Packet) {
	if pkt.Header.Type != TypeAck {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byPeer, ok := t.waiters[peer]
	if !ok {
		return
	}
	for seq, ch := range byPeer {
		if seqLessEqual(seq+1, pkt.Header.Ack) {
			ch <- nil
			delete(byPeer, seq)
		}
	}
}

func (t *Transport) failWaiters(peer string, reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq, ch := range t.waiters[peer] {
		ch <- reason
		delete(t.waiters[peer], seq)
	}
}

// maintenanceLoop runs retransmission, keepalive, idle teardown and
// reassembly eviction at cfg.MaintenanceInterval.
func (t *Transport) maintenanceLoop(ctx context.Context) error {
	ticker := t.clock.Ticker(t.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Transport) tick() {
	now := t.clock.Now()

	t.mu.Lock()
	conns := make(map[string]*Connection, len(t.connections))
	for peer, c := range t.connections {
		conns[peer] = c
	}
	t.mu.Unlock()

	for peer, c := range conns {
		t.tickConnection(peer, c, now)
	}

	t.frag.EvictExpired()
}

func (t *Transport) tickConnection(peer string, c *Connection, now time.Time) {
	addr := t.addrFor(peer)
	if addr == nil {
		return
	}

	toResend, timedOut := c.RetransmitDue(now, t.cfg.MaxRetries)
	for _, raw := range toResend {
		if err := t.writeTo(raw, addr); err != nil {
			t.log.WithError(err).Warn("retransmit failed")
		}
	}
	if len(timedOut) > 0 {
		seq := c.ForceClose()
		rst := newRst(seq)
		_ = t.writeTo(Encode(rst), addr)
		t.failWaiters(peer, ErrSendTimeout)
		return
	}

	if c.ExpireTimeWait(now) {
		return
	}

	state := c.StateSnapshot()

	if state == StateEstablished && c.PingDue(now, t.cfg.PingInterval) {
		ping := c.Ping()
		c.QueueUnacked(ping.Header.Sequence, Encode(ping), now)
		_ = t.writeTo(Encode(ping), addr)
	}

	if state != StateTimeWait && c.IdleFor(now) > t.cfg.ConnectionTimeout {
		seq := c.ForceClose()
		rst := newRst(seq)
		_ = t.writeTo(Encode(rst), addr)
		t.failWaiters(peer, ErrConnectionReset)
	}
}

func (t *Transport) addrFor(peer string) net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addrs[peer]
}

// TransportStats is the caller-visible snapshot across the transport
// and every known connection.
type TransportStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	Connections     map[string]Stats
}

// Stats returns per-transport and per-connection counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := TransportStats{
		PacketsSent:     t.packetsSent,
		PacketsReceived: t.packetsReceived,
		Connections:     make(map[string]Stats, len(t.connections)),
	}
	for peer, c := range t.connections {
		out.Connections[peer] = c.Snapshot()
	}
	return out
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
