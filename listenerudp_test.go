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

func staticIPRTC(ip string) *RuntimePipelineConfig {
	settings := defaultGlobalSettings()
	rule := CompiledRule{
		Matchers: []requestMatcher{anyMatcher{}},
		Operator: OpAnd,
		Actions:  []compiledAction{{kind: actionStaticIP, ip: net.ParseIP(ip).To4()}},
	}
	return &RuntimePipelineConfig{
		Settings:  settings,
		Pipelines: map[string]*CompiledPipeline{"main": {ID: "main", Rules: []CompiledRule{rule}}},
	}
}

func waitForUDPBind(t *testing.T, l *UDPListener) *net.UDPAddr {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(l.conns) > 0 && l.conns[0] != nil {
			return l.conns[0].LocalAddr().(*net.UDPAddr)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("udp listener never bound")
	return nil
}

func TestUDPListenerRoundTripsStaticIPQuery(t *testing.T) {
	e := newTestEngine(staticIPRTC("203.0.113.55"))
	l := NewUDPListener("127.0.0.1:0", e, 1, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	bound := waitForUDPBind(t, l)

	client, err := net.DialUDP("udp", nil, bound)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))

	query := packQuery(t, "static.example.com", dns.TypeA)
	_, err = client.Write(query)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf[:n]))
	assert.Equal(t, uint16(0xabcd), m.Id)
	require.Len(t, m.Answer, 1)
	a, ok := m.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.55", a.A.String())
}

func TestUDPListenerForwardPathViaSlowPath(t *testing.T) {
	up := startFakeUpstream(t, false)
	e := newTestEngine(forwardOnlyRTC(up.addr))
	l := NewUDPListener("127.0.0.1:0", e, 1, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	bound := waitForUDPBind(t, l)

	client, err := net.DialUDP("udp", nil, bound)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))

	query := packQuery(t, "slowpath.example.com", dns.TypeA)
	_, err = client.Write(query)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf[:n]))
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	require.Len(t, m.Answer, 1)
}
