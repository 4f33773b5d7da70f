package kixdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUDPServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   net.ParseIP("192.0.2.1").To4(),
			}}
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, peer)
		}
	}()
	return conn.LocalAddr().String()
}

func TestUDPPoolExchangeReusesSocketOnRelease(t *testing.T) {
	addr := echoUDPServer(t)
	pool := newUDPPool(addr, 1, 2*time.Second)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("reuse.example.com"), dns.TypeA)
	m.Id = 0x1111
	query, err := m.Pack()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wire1, err := pool.exchange(ctx, query)
	require.NoError(t, err)
	resp1 := new(dns.Msg)
	require.NoError(t, resp1.Unpack(wire1))
	assert.Equal(t, uint16(0x1111), resp1.Id)

	wire2, err := pool.exchange(ctx, query)
	require.NoError(t, err)
	resp2 := new(dns.Msg)
	require.NoError(t, resp2.Unpack(wire2))
	assert.Equal(t, uint16(0x1111), resp2.Id)

	assert.Equal(t, 1, pool.created)
}

func TestUDPPoolExchangeRestoresOriginalTXID(t *testing.T) {
	addr := echoUDPServer(t)
	pool := newUDPPool(addr, 2, 2*time.Second)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("txid.example.com"), dns.TypeA)
	m.Id = 0x2222
	query, err := m.Pack()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wire, err := pool.exchange(ctx, query)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(wire))
	assert.Equal(t, uint16(0x2222), resp.Id)
}

func TestUDPPoolAcquireBlocksAtCapacityThenReleases(t *testing.T) {
	addr := echoUDPServer(t)
	pool := newUDPPool(addr, 1, 2*time.Second)

	ctx := context.Background()
	sock, err := pool.acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		s2, err := pool.acquire(ctx)
		require.NoError(t, err)
		pool.release(s2, true)
		close(acquired)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while pool is exhausted")
	default:
	}

	pool.release(sock, true)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestUDPPoolReleaseUnhealthyFreesRingSlot(t *testing.T) {
	addr := echoUDPServer(t)
	pool := newUDPPool(addr, 1, 2*time.Second)

	sock, err := pool.acquire(context.Background())
	require.NoError(t, err)
	pool.release(sock, false)

	assert.Equal(t, 0, pool.created)
}
