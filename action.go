package kixdns

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// actionKind is the tagged-action discriminant from §3/§4.7.
type actionKind int

const (
	actionLog actionKind = iota
	actionStaticResponse
	actionStaticIP
	actionJumpToPipeline
	actionAllow
	actionDeny
	actionForward
	actionContinue
)

type transport int

const (
	transportUDP transport = iota
	transportTCP
)

// compiledAction is a ready-to-execute action: the tag plus whichever
// payload field its kind uses.
type compiledAction struct {
	kind       actionKind
	logLevel   string
	rcode      int
	ip         net.IP
	pipelineID string
	upstream   string // empty means "use default"
	transport  transport
}

func compileAction(spec ActionSpec) (compiledAction, error) {
	switch spec.Type {
	case "log":
		var body struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return compiledAction{}, err
		}
		if body.Level == "" {
			body.Level = "info"
		}
		return compiledAction{kind: actionLog, logLevel: body.Level}, nil
	case "static_response":
		var body struct {
			Rcode string `json:"rcode"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return compiledAction{}, err
		}
		rc, err := parseRcode(body.Rcode)
		if err != nil {
			return compiledAction{}, err
		}
		return compiledAction{kind: actionStaticResponse, rcode: rc}, nil
	case "static_ip_response":
		var body struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return compiledAction{}, err
		}
		ip := net.ParseIP(body.IP)
		if ip == nil {
			return compiledAction{}, fmt.Errorf("invalid static ip %q", body.IP)
		}
		return compiledAction{kind: actionStaticIP, ip: ip}, nil
	case "jump_to_pipeline":
		var body struct {
			Pipeline string `json:"pipeline"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return compiledAction{}, err
		}
		if body.Pipeline == "" {
			return compiledAction{}, fmt.Errorf("jump_to_pipeline requires a pipeline id")
		}
		return compiledAction{kind: actionJumpToPipeline, pipelineID: body.Pipeline}, nil
	case "allow":
		return compiledAction{kind: actionAllow}, nil
	case "deny":
		return compiledAction{kind: actionDeny}, nil
	case "forward":
		var body struct {
			Upstream  *string `json:"upstream"`
			Transport *string `json:"transport"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return compiledAction{}, err
		}
		a := compiledAction{kind: actionForward, transport: transportUDP}
		if body.Upstream != nil {
			a.upstream = *body.Upstream
		}
		if body.Transport != nil && *body.Transport == "tcp" {
			a.transport = transportTCP
		}
		return a, nil
	case "continue":
		return compiledAction{kind: actionContinue}, nil
	default:
		return compiledAction{}, fmt.Errorf("unknown action type %q", spec.Type)
	}
}

func compileActionList(specs []ActionSpec) ([]compiledAction, error) {
	out := make([]compiledAction, 0, len(specs))
	for _, spec := range specs {
		a, err := compileAction(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// synthesizeRcodeResponse builds a dns.Msg reply carrying only the given
// rcode, no answers.
func synthesizeRcodeResponse(req *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	return m
}

// synthesizeStaticIP builds an A or AAAA answer, address family inferred
// from the IP, using the configured minimum TTL.
func synthesizeStaticIP(req *dns.Msg, ip net.IP, minTTL uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeSuccess
	if len(req.Question) == 0 {
		return m
	}
	q := req.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: minTTL}
	if v4 := ip.To4(); v4 != nil {
		hdr.Rrtype = dns.TypeA
		m.Answer = []dns.RR{&dns.A{Hdr: hdr, A: v4}}
	} else {
		hdr.Rrtype = dns.TypeAAAA
		m.Answer = []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: ip}}
	}
	return m
}
