package kixdns

import (
	"context"
	"net"
	"sync"
	"time"
)

const udpReadBuf = 4096

// udpSocket wraps one connected UDP "socket" in the ring. The teacher's
// pipeline keeps an in-flight queue per connection; here each socket in the
// ring carries at most one outstanding query at a time (§4.5), so no
// queue is needed, only a send/recv pair under the caller's mutual
// exclusion.
type udpSocket struct {
	conn net.Conn
}

func dialUDPSocket(addr string) (*udpSocket, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) close() {
	_ = s.conn.Close()
}

// udpPool is a fixed-size ring of connected UDP sockets per upstream
// endpoint, grounded on §4.5's "fixed-size ring of connected sockets" and
// the teacher's lazy-dial-on-demand idiom in Pipeline.start.
type udpPool struct {
	addr    string
	size    int
	timeout time.Duration

	mu      sync.Mutex
	idle    []*udpSocket
	created int
	waiters chan struct{}
}

func newUDPPool(addr string, size int, timeout time.Duration) *udpPool {
	if size <= 0 {
		size = 64
	}
	return &udpPool{
		addr:    addr,
		size:    size,
		timeout: timeout,
		waiters: make(chan struct{}, size),
	}
}

// acquire returns an idle socket, dialing a fresh one if the ring has not
// yet reached its configured size, or blocks until one is released.
func (p *udpPool) acquire(ctx context.Context) (*udpSocket, error) {
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return s, nil
		}
		if p.created < p.size {
			p.created++
			p.mu.Unlock()
			s, err := dialUDPSocket(p.addr)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.mu.Unlock()
				return nil, err
			}
			return s, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.waiters:
		}
	}
}

// release returns a socket to the idle pool, or discards it (and frees a
// ring slot) when it is no longer usable.
func (p *udpPool) release(s *udpSocket, healthy bool) {
	p.mu.Lock()
	if !healthy {
		p.created--
		p.mu.Unlock()
		s.close()
	} else {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
	select {
	case p.waiters <- struct{}{}:
	default:
	}
}

// exchange sends query over a pooled socket, substituting a fresh TXID,
// and waits for a response matching that TXID and question tuple,
// discarding any stray replies (at-most-one-outstanding-per-socket, §4.5).
func (p *udpPool) exchange(ctx context.Context, query []byte) ([]byte, error) {
	sock, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	newID := nextTXID()
	patched, origID := substituteTXID(query, newID)

	qq, qqOK := ParseQuick(query, make([]byte, 256))

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultUpstreamTimeout)
	}
	_ = sock.conn.SetDeadline(deadline)

	if _, err := sock.conn.Write(patched); err != nil {
		p.release(sock, false)
		return nil, err
	}

	buf := make([]byte, udpReadBuf)
	for {
		n, err := sock.conn.Read(buf)
		if err != nil {
			p.release(sock, false)
			return nil, err
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])

		rr, rrOK := ParseResponseQuick(resp)
		if !rrOK || rr.TXID != newID {
			continue // stray/late reply from a previous exchange on this socket
		}
		if qqOK {
			if rq, rqOK := ParseQuick(resp, make([]byte, 256)); rqOK {
				if rq.QName != qq.QName || rq.QType != qq.QType {
					continue
				}
			}
		}

		patchTXID(resp, origID)
		p.release(sock, true)
		return resp, nil
	}
}
