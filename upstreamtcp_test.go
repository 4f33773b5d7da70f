package kixdns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTCPServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var lenBuf [2]byte
					if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
						return
					}
					frameLen := binary.BigEndian.Uint16(lenBuf[:])
					frame := make([]byte, frameLen)
					if _, err := io.ReadFull(c, frame); err != nil {
						return
					}
					req := new(dns.Msg)
					if err := req.Unpack(frame); err != nil {
						return
					}
					resp := new(dns.Msg)
					resp.SetReply(req)
					resp.Answer = []dns.RR{&dns.A{
						Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
						A:   net.ParseIP("192.0.2.2").To4(),
					}}
					wire, err := resp.Pack()
					if err != nil {
						return
					}
					out := make([]byte, 2+len(wire))
					binary.BigEndian.PutUint16(out[0:2], uint16(len(wire)))
					copy(out[2:], wire)
					if _, err := c.Write(out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTCPPoolExchangeRoundTrip(t *testing.T) {
	addr := echoTCPServer(t)
	pool := newTCPPool(addr, 4, 2*time.Second)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("tcp.example.com"), dns.TypeA)
	m.Id = 0x3333
	query, err := m.Pack()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wire, err := pool.exchange(ctx, query)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(wire))
	assert.Equal(t, uint16(0x3333), resp.Id)
	require.Len(t, resp.Answer, 1)
}

func TestTCPPoolExchangeReusesIdleConnection(t *testing.T) {
	addr := echoTCPServer(t)
	pool := newTCPPool(addr, 2, 2*time.Second)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("reuse-tcp.example.com"), dns.TypeA)
	query, err := m.Pack()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = pool.exchange(ctx, query)
	require.NoError(t, err)
	assert.Len(t, pool.idle, 1)

	_, err = pool.exchange(ctx, query)
	require.NoError(t, err)
	assert.Len(t, pool.idle, 1)
}

func TestTCPPoolExchangeRejectsOversizedQuery(t *testing.T) {
	pool := newTCPPool("127.0.0.1:1", 1, time.Second)
	big := make([]byte, maxTCPFrame+1)
	_, err := pool.exchange(context.Background(), big)
	assert.Error(t, err)
}

func TestTCPPoolAcquireSlotRespectsConcurrencyLimit(t *testing.T) {
	pool := newTCPPool("127.0.0.1:1", 1, time.Second)
	require.NoError(t, pool.acquireSlot(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.acquireSlot(ctx)
	assert.Error(t, err)

	pool.releaseSlot()
}
