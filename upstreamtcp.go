package kixdns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

const maxTCPFrame = 65535

// tcpPool is a connection pool with 2-byte length-prefixed framing, per
// §4.5: idle sockets are reused, broken sockets discarded and replaced
// lazily on next use. Grounded on the teacher's DNSClient/Pipeline pairing
// for the "net" transport, generalized to raw framed bytes and a simple
// slot-based pool instead of full out-of-order pipelining, since each TCP
// socket here serves one outstanding query at a time.
type tcpPool struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	idle []net.Conn
	slots chan struct{} // one token per pool slot; held for the duration of one exchange
}

func newTCPPool(addr string, size int, timeout time.Duration) *tcpPool {
	if size <= 0 {
		size = 64
	}
	slots := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		slots <- struct{}{}
	}
	return &tcpPool{addr: addr, timeout: timeout, slots: slots}
}

func (p *tcpPool) acquireSlot(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *tcpPool) releaseSlot() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

func (p *tcpPool) getConn() (net.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return net.Dial("tcp", p.addr)
}

func (p *tcpPool) putConn(c net.Conn, healthy bool) {
	if !healthy {
		_ = c.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// exchange writes query with a 2-byte big-endian length prefix and reads a
// single length-prefixed response, substituting and restoring the TXID the
// same way the UDP pool does.
func (p *tcpPool) exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) > maxTCPFrame {
		return nil, newErr(ErrUpstreamIO, "query too large for tcp framing: %d bytes", len(query))
	}
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer p.releaseSlot()

	conn, err := p.getConn()
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultUpstreamTimeout)
	}
	_ = conn.SetDeadline(deadline)

	newID := nextTXID()
	patched, origID := substituteTXID(query, newID)

	frame := make([]byte, 2+len(patched))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(patched)))
	copy(frame[2:], patched)

	if _, err := conn.Write(frame); err != nil {
		p.putConn(conn, false)
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		p.putConn(conn, false)
		return nil, err
	}
	frameLen := binary.BigEndian.Uint16(lenBuf[:])
	if frameLen == 0 {
		p.putConn(conn, false)
		return nil, newErr(ErrUpstreamIO, "tcp upstream %s sent zero-length frame", p.addr)
	}

	resp := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		p.putConn(conn, false)
		return nil, err
	}

	patchTXID(resp, origID)
	p.putConn(conn, true)
	return resp, nil
}
