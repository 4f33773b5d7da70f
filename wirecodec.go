package kixdns

import (
	"net"

	"github.com/miekg/dns"
)

// decodeFull unpacks a raw wire message via miekg/dns, used wherever a
// response matcher needs more than the quick parse provides (answer IPs,
// CNAME chains). Packing a message for sending goes through packMsg.
func decodeFull(packet []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(packet); err != nil {
		return nil, err
	}
	return m, nil
}

// answerIPsAndTypes walks a decoded message's Answer section collecting A/
// AAAA addresses and the set of record types present, for response-phase
// answer-ip-cidr and response-type matchers.
func answerIPsAndTypes(msg *dns.Msg) ([]net.IP, []uint16) {
	var ips []net.IP
	types := make([]uint16, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		types = append(types, rr.Header().Rrtype)
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, types
}

// cnameChain extracts the ordered list of CNAME targets from a decoded
// message's Answer section, used by the CDN relation learner.
func cnameChain(msg *dns.Msg) []string {
	var chain []string
	for _, rr := range msg.Answer {
		if c, ok := rr.(*dns.CNAME); ok {
			chain = append(chain, normalizeQName(c.Target))
		}
	}
	return chain
}

// patchTXID overwrites the first two bytes of a wire message in place with
// the requester's transaction id, the mechanism Invariant (iii) requires
// before any cached or otherwise-shared response bytes are sent.
func patchTXID(packet []byte, txID uint16) {
	if len(packet) < 2 {
		return
	}
	packet[0] = byte(txID >> 8)
	packet[1] = byte(txID)
}
