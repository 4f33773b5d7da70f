package kixdns

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// ExchangeResult carries the transport-level outcome of a single upstream
// call, including whether a TC=1 UDP reply forced a TCP retry (§4.5, S6).
type ExchangeResult struct {
	Wire      []byte
	UsedTCP   bool
	Latency   time.Duration
	Truncated bool // true only if the TCP retry itself also reported TC=1
}

// UpstreamClient is a single upstream endpoint's transport: a UDP ring pool
// backed by an on-demand TCP pool for truncated-response retries, grounded
// on the teacher's Pipeline/DNSClient pairing (pipeline.go, dnsclient.go)
// generalized from *dns.Msg pipelining to raw wire-byte exchange with
// explicit TXID substitution, since the engine's fast path needs to patch
// cached bytes without a full unmarshal.
type UpstreamClient struct {
	addr    string
	timeout time.Duration
	udp     *udpPool
	tcp     *tcpPool
}

// NewUpstreamClient dials lazily; no connections are made until the first
// Exchange call.
func NewUpstreamClient(addr string, udpPoolSize, tcpPoolSize int, timeout time.Duration) *UpstreamClient {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &UpstreamClient{
		addr:    addr,
		timeout: timeout,
		udp:     newUDPPool(addr, udpPoolSize, timeout),
		tcp:     newTCPPool(addr, tcpPoolSize, timeout),
	}
}

const defaultUpstreamTimeout = 2 * time.Second

func (u *UpstreamClient) String() string {
	return fmt.Sprintf("upstream(%s)", u.addr)
}

// Exchange sends query (a full wire-format DNS message) to this upstream
// over UDP, automatically retrying over TCP when the UDP reply is
// truncated, per §4.5 and scenario S6.
func (u *UpstreamClient) Exchange(ctx context.Context, query []byte) (ExchangeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	wire, err := u.udp.exchange(ctx, query)
	if err != nil {
		return ExchangeResult{}, newErr(ErrUpstreamIO, "udp exchange to %s: %v", u.addr, err)
	}

	if qr, ok := ParseResponseQuick(wire); ok && qr.TC {
		tcpWire, terr := u.tcp.exchange(ctx, query)
		if terr != nil {
			return ExchangeResult{}, newErr(ErrTruncated, "tcp retry to %s: %v", u.addr, terr)
		}
		latency := time.Since(start)
		if qr2, ok := ParseResponseQuick(tcpWire); ok && qr2.TC {
			return ExchangeResult{Wire: tcpWire, UsedTCP: true, Truncated: true, Latency: latency}, nil
		}
		return ExchangeResult{Wire: tcpWire, UsedTCP: true, Latency: latency}, nil
	}

	return ExchangeResult{Wire: wire, Latency: time.Since(start)}, nil
}

// ExchangeTCP forces delivery over TCP, used by the "forward" action
// (request or response phase) when TCP transport is explicitly requested.
func (u *UpstreamClient) ExchangeTCP(ctx context.Context, query []byte) (ExchangeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	start := time.Now()
	wire, err := u.tcp.exchange(ctx, query)
	if err != nil {
		return ExchangeResult{}, newErr(ErrUpstreamIO, "tcp exchange to %s: %v", u.addr, err)
	}
	return ExchangeResult{Wire: wire, UsedTCP: true, Latency: time.Since(start)}, nil
}

// nextTXID hands out process-wide unique ephemeral transaction IDs for
// outbound substitution, avoiding collisions across sockets in the same
// pool.
var txidCounter uint32

func nextTXID() uint16 {
	return uint16(atomic.AddUint32(&txidCounter, 1))
}

// substituteTXID returns a copy of query with its transaction ID replaced,
// along with the original ID so the caller can patch the reply back before
// handing it to the requester.
func substituteTXID(query []byte, newID uint16) (patched []byte, origID uint16) {
	if len(query) < 2 {
		return query, 0
	}
	origID = binary.BigEndian.Uint16(query[0:2])
	patched = make([]byte, len(query))
	copy(patched, query)
	binary.BigEndian.PutUint16(patched[0:2], newID)
	return patched, origID
}
