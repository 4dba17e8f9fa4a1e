// Package rudp implements a reliable packet transport core: a uTP-style
// connection-oriented protocol over UDP, with a companion TCP framing
// mode for peers that cannot exchange raw datagrams. It provides
// sequenced delivery, sliding-window flow control combined with AIMD
// congestion control, RTT-adaptive retransmission and message
// fragmentation/reassembly, exposed through Transport and
// TCPTransport.
package rudp
