package rudp

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxTCPFrameSize bounds a single length-prefixed frame to guard
// against a runaway length prefix exhausting memory on a malformed or
// hostile stream.
const maxTCPFrameSize = 10 * 1024 * 1024

// TCPTransport carries the same wire packet format as Transport but
// over framed TCP streams: no handshake state machine, no
// retransmission, no flow/congestion control. It exists for peers
// behind NATs or middleboxes that only pass outbound TCP, trading
// reliability guarantees already provided by the stream for the loss
// of independent datagram framing.
type TCPTransport struct {
	cfg *Config
	log *logrus.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[string]*tcpConn
	frag  *Fragmenter

	onReceive ReceiveFunc

	group  *errgroup.Group
	cancel context.CancelFunc

	packetsSent     uint64
	packetsReceived uint64
}

type tcpConn struct {
	peer string
	conn net.Conn

	wmu    sync.Mutex
	writer *bufio.Writer
}

// NewTCPTransport binds a TCP listener on cfg.Host/cfg.Port.
func NewTCPTransport(cfg *Config, log *logrus.Logger) (*TCPTransport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rudp: binding tcp %s", addr)
	}
	return &TCPTransport{
		cfg:   cfg,
		log:   log,
		ln:    ln,
		conns: make(map[string]*tcpConn),
		frag:  NewFragmenter(cfg.MTU, cfg.ReassemblyTTL, nil),
	}, nil
}

// OnReceive registers the callback invoked on fully reassembled
// inbound messages. Must be called before Start.
func (t *TCPTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReceive = fn
}

// Start begins accepting inbound connections.
func (t *TCPTransport) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error { return t.acceptLoop(gctx) })

	t.log.WithField("addr", t.ln.Addr().String()).Info("tcp transport started")
	return nil
}

// Stop closes the listener and every accepted/dialed connection.
func (t *TCPTransport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	err := t.ln.Close()

	t.mu.Lock()
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}

	if t.group != nil {
		_ = t.group.Wait()
	}
	return err
}

func (t *TCPTransport) acceptLoop(ctx context.Context) error {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		t.adopt(ctx, conn)
	}
}

// Dial opens an outbound connection to addr and begins its receive
// loop. The returned peer string keys subsequent SendFramed calls.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidPeer, "dial %s: %v", addr, err)
	}
	return t.adopt(ctx, conn), nil
}

func (t *TCPTransport) adopt(ctx context.Context, conn net.Conn) string {
	peer := conn.RemoteAddr().String()
	tc := &tcpConn{peer: peer, conn: conn, writer: bufio.NewWriter(conn)}

	t.mu.Lock()
	t.conns[peer] = tc
	t.mu.Unlock()

	if t.group != nil {
		t.group.Go(func() error {
			t.receiveLoop(ctx, tc)
			return nil
		})
	}
	return peer
}

func (t *TCPTransport) receiveLoop(ctx context.Context, tc *tcpConn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, tc.peer)
		t.mu.Unlock()
		_ = tc.conn.Close()
	}()

	reader := bufio.NewReader(tc.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.log.WithError(err).WithField("peer", tc.peer).Debug("tcp receive loop ending")
			}
			return
		}

		pkt, err := Decode(raw)
		if err != nil {
			t.log.WithError(err).Debug("dropping undecodable tcp frame")
			continue
		}
		pkt, err = pkt.inflated()
		if err != nil {
			t.log.WithError(err).Debug("dropping tcp frame with corrupt compressed payload")
			continue
		}

		t.mu.Lock()
		t.packetsReceived++
		t.mu.Unlock()

		t.dispatch(tc.peer, pkt)
	}
}

func (t *TCPTransport) dispatch(peer string, pkt Packet) {
	if pkt.Header.FragmentTotal > 1 {
		complete, done, err := t.frag.Reassemble(peer, pkt.Header, pkt.Payload)
		if err != nil {
			t.log.WithError(err).Debug("dropping bad tcp fragment")
			return
		}
		if !done {
			return
		}
		t.deliver(peer, complete)
		return
	}
	t.deliver(peer, pkt.Payload)
}

func (t *TCPTransport) deliver(peer string, payload []byte) {
	t.mu.Lock()
	fn := t.onReceive
	t.mu.Unlock()
	if fn != nil {
		fn(peer, payload)
	}
}

// SendFramed fragments payload if it exceeds the configured MTU and writes
// each resulting packet as one length-prefixed frame. There is no
// sequence numbering, acknowledgment or retry: TCP's own stream
// guarantees fill that role.
func (t *TCPTransport) SendFramed(peer string, payload []byte) error {
	t.mu.Lock()
	tc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrInvalidPeer, "no tcp connection for %s", peer)
	}

	chunks, fragID, err := t.frag.Fragment(payload)
	if err != nil {
		return err
	}

	if len(chunks) == 1 && fragID == 0 {
		pkt := newData(0, 0, chunks[0], 0).compressed()
		return t.writeFrame(tc, Encode(pkt))
	}

	total := uint16(len(chunks))
	for i, chunk := range chunks {
		pkt := newFragment(0, 0, fragID, uint16(i), total, chunk).compressed()
		if err := t.writeFrame(tc, Encode(pkt)); err != nil {
			return err
		}
	}
	return nil
}

func (t *TCPTransport) writeFrame(tc *tcpConn, raw []byte) error {
	tc.wmu.Lock()
	defer tc.wmu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(raw)))

	if _, err := tc.writer.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := tc.writer.Write(raw); err != nil {
		return err
	}
	if err := tc.writer.Flush(); err != nil {
		return err
	}

	t.mu.Lock()
	t.packetsSent++
	t.mu.Unlock()
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > maxTCPFrameSize {
		return nil, errors.Errorf("rudp: tcp frame of %d bytes exceeds maximum %d", length, maxTCPFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Stats returns transport-wide packet counters and the active
// connection count.
func (t *TCPTransport) Stats() (packetsSent, packetsReceived uint64, activeConnections int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packetsSent, t.packetsReceived, len(t.conns)
}
