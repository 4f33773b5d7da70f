package kixdns

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/miekg/dns"
)

const maxTCPListenerFrame = 65536

// TCPListener accepts connections and serves each with 2-byte
// length-prefixed framing, one goroutine per connection, grounded in the
// teacher's TCP DNSListener and original_source's handle_tcp_conn.
type TCPListener struct {
	addr   string
	engine *Engine
	label  string

	ln net.Listener
}

func NewTCPListener(addr string, engine *Engine, label string) *TCPListener {
	return &TCPListener{addr: addr, engine: engine, label: label}
}

func (l *TCPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return wrapStartup(err, "bind tcp listener")
	}
	l.ln = ln

	Log.WithField("addr", l.addr).WithField("listener", l.label).Info("tcp listener started")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			Log.WithError(err).Warn("tcp accept error")
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *TCPListener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := Log.WithField("client", conn.RemoteAddr()).WithField("listener", l.label)

	clientIP := hostIP(conn.RemoteAddr())

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		frameLen := binary.BigEndian.Uint16(lenBuf[:])
		if frameLen == 0 || int(frameLen) > maxTCPListenerFrame {
			return
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		resp, err := l.engine.HandlePacket(ctx, frame, clientIP, l.label)
		if err != nil {
			var eng *EngineError
			if errors.As(err, &eng) && eng.Kind == ErrSaturated {
				resp, err = servfailForFrame(frame)
			}
			if err != nil {
				log.WithError(err).Debug("tcp query failed")
				return
			}
		}
		if len(resp) > maxTCPListenerFrame {
			return
		}

		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out[0:2], uint16(len(resp)))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// servfailForFrame builds a SERVFAIL reply for a saturated query, per §7's
// TCP saturation policy (UDP drops instead, since there is no connection to
// answer on).
func servfailForFrame(frame []byte) ([]byte, error) {
	qq, ok := ParseQuick(frame, make([]byte, 256))
	if !ok {
		return nil, errSaturatedUnparsable
	}
	skeleton := buildQuerySkeleton(qq)
	wire, err := packMsg(synthesizeRcodeResponse(skeleton, dns.RcodeServerFailure))
	if err != nil {
		return nil, err
	}
	patchTXID(wire, qq.TxID)
	return wire, nil
}

var errSaturatedUnparsable = errors.New("kixdns: saturated query could not be parsed for servfail")

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}
