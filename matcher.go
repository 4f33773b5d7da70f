package kixdns

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// requestContext carries everything a request-phase matcher or a pipeline
// selector matcher needs to evaluate its predicate.
type requestContext struct {
	qname         string // normalized (lowercased, no trailing dot)
	qtype         uint16
	qclass        uint16
	clientIP      net.IP
	ednsPresent   bool
	listenerLabel string
}

// responseContext extends requestContext with everything a response-phase
// matcher needs.
type responseContext struct {
	requestContext
	upstream    string
	rcode       int
	answerIPs   []net.IP
	answerTypes []uint16
	ednsPresent bool
}

type requestMatcher interface {
	match(ctx *requestContext) bool
}

type responseMatcher interface {
	match(ctx *responseContext) bool
}

// --- concrete request matchers ---

type anyMatcher struct{}

func (anyMatcher) match(*requestContext) bool { return true }

type domainSuffixMatcher struct{ s *domainSuffix }

func (m domainSuffixMatcher) match(ctx *requestContext) bool { return m.s.match(ctx.qname) }

type domainRegexMatcher struct{ re *regexp.Regexp }

func (m domainRegexMatcher) match(ctx *requestContext) bool { return m.re.MatchString(ctx.qname) }

type clientIPMatcher struct{ set *cidrSet }

func (m clientIPMatcher) match(ctx *requestContext) bool { return m.set.match(ctx.clientIP) }

type qclassMatcher struct{ class uint16 }

func (m qclassMatcher) match(ctx *requestContext) bool { return ctx.qclass == m.class }

type ednsPresentMatcher struct{ expect bool }

func (m ednsPresentMatcher) match(ctx *requestContext) bool { return ctx.ednsPresent == m.expect }

type listenerLabelMatcher struct{ value string }

func (m listenerLabelMatcher) match(ctx *requestContext) bool { return ctx.listenerLabel == m.value }

type clientGeoMatcher struct{ geo *geoMatcher }

func (m clientGeoMatcher) match(ctx *requestContext) bool { return m.geo.match(ctx.clientIP) }

// --- concrete response matchers ---

type upstreamEqualsMatcher struct{ value string }

func (m upstreamEqualsMatcher) match(ctx *responseContext) bool { return ctx.upstream == m.value }

type responseTypeMatcher struct{ rrtype uint16 }

func (m responseTypeMatcher) match(ctx *responseContext) bool {
	for _, t := range ctx.answerTypes {
		if t == m.rrtype {
			return true
		}
	}
	return false
}

type responseRcodeMatcher struct{ rcode int }

func (m responseRcodeMatcher) match(ctx *responseContext) bool { return ctx.rcode == m.rcode }

type answerIPMatcher struct{ set *cidrSet }

func (m answerIPMatcher) match(ctx *responseContext) bool { return m.set.matchAny(ctx.answerIPs) }

type upstreamIPMatcher struct{ set *cidrSet }

func (m upstreamIPMatcher) match(ctx *responseContext) bool {
	host, _, err := net.SplitHostPort(ctx.upstream)
	if err != nil {
		host = ctx.upstream
	}
	return m.set.match(net.ParseIP(host))
}

type requestDomainSuffixMatcher struct{ s *domainSuffix }

func (m requestDomainSuffixMatcher) match(ctx *responseContext) bool { return m.s.match(ctx.qname) }

type requestDomainRegexMatcher struct{ re *regexp.Regexp }

func (m requestDomainRegexMatcher) match(ctx *responseContext) bool {
	return m.re.MatchString(ctx.qname)
}

type responseQclassMatcher struct{ class uint16 }

func (m responseQclassMatcher) match(ctx *responseContext) bool { return ctx.qclass == m.class }

type responseEdnsPresentMatcher struct{ expect bool }

func (m responseEdnsPresentMatcher) match(ctx *responseContext) bool {
	return ctx.ednsPresent == m.expect
}

// --- class/type string helpers ---

func parseQclass(s string) (uint16, error) {
	if c, ok := dns.StringToClass[strings.ToUpper(s)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown qclass %q", s)
}

func parseRRType(s string) (uint16, error) {
	if t, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown rr type %q", s)
}

func parseRcode(s string) (int, error) {
	if c, ok := dns.StringToRcode[strings.ToUpper(s)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown rcode %q", s)
}

// --- compilers ---

// compileCtx carries shared, compile-time-only resources (the open geoip
// database, if any) into matcher compilation.
type compileCtx struct {
	geoDBPath string
	geoDB     *geoDBHandle
}

func (c *compileCtx) geo() (*geoDBHandle, error) {
	if c.geoDB == nil {
		h, err := openGeoDB(c.geoDBPath)
		if err != nil {
			return nil, err
		}
		c.geoDB = h
	}
	return c.geoDB, nil
}

func compileRequestMatcher(cc *compileCtx, spec MatcherSpec) (requestMatcher, error) {
	switch spec.Type {
	case "any", "":
		return anyMatcher{}, nil
	case "domain_suffix":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		return domainSuffixMatcher{s: newDomainSuffix(body.Value)}, nil
	case "domain_regex":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(body.Value)
		if err != nil {
			return nil, err
		}
		return domainRegexMatcher{re: re}, nil
	case "client_ip":
		var body struct {
			CIDR string `json:"cidr"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		set, err := newCIDRSet(body.CIDR)
		if err != nil {
			return nil, err
		}
		return clientIPMatcher{set: set}, nil
	case "qclass":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		class, err := parseQclass(body.Value)
		if err != nil {
			return nil, err
		}
		return qclassMatcher{class: class}, nil
	case "edns_present":
		var body struct {
			Expect bool `json:"expect"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		return ednsPresentMatcher{expect: body.Expect}, nil
	case "listener_label":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		return listenerLabelMatcher{value: body.Value}, nil
	case "client_geo":
		var body struct {
			Place     string `json:"place"`
			GeonameID uint64 `json:"geoname_id"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		handle, err := cc.geo()
		if err != nil {
			return nil, err
		}
		return clientGeoMatcher{geo: newGeoMatcher(handle, strings.ToLower(body.Place), body.GeonameID)}, nil
	default:
		return nil, fmt.Errorf("unknown matcher type %q", spec.Type)
	}
}

func compileResponseMatcherSpec(spec MatcherSpec) (responseMatcher, error) {
	switch spec.Type {
	case "any", "":
		return funcRespMatcher(func(*responseContext) bool { return true }), nil
	case "upstream_equals":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		return upstreamEqualsMatcher{value: body.Value}, nil
	case "response_type":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		t, err := parseRRType(body.Value)
		if err != nil {
			return nil, err
		}
		return responseTypeMatcher{rrtype: t}, nil
	case "response_rcode":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		rc, err := parseRcode(body.Value)
		if err != nil {
			return nil, err
		}
		return responseRcodeMatcher{rcode: rc}, nil
	case "response_answer_ip":
		var body struct {
			CIDR string `json:"cidr"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		set, err := newCIDRSet(body.CIDR)
		if err != nil {
			return nil, err
		}
		return answerIPMatcher{set: set}, nil
	case "response_upstream_ip":
		var body struct {
			CIDR string `json:"cidr"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		set, err := newCIDRSet(body.CIDR)
		if err != nil {
			return nil, err
		}
		return upstreamIPMatcher{set: set}, nil
	case "request_domain_suffix":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		if body.Value == "" {
			return nil, fmt.Errorf("request_domain_suffix value must not be empty")
		}
		return requestDomainSuffixMatcher{s: newDomainSuffix(body.Value)}, nil
	case "request_domain_regex":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(body.Value)
		if err != nil {
			return nil, err
		}
		return requestDomainRegexMatcher{re: re}, nil
	case "response_qclass":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		class, err := parseQclass(body.Value)
		if err != nil {
			return nil, err
		}
		return responseQclassMatcher{class: class}, nil
	case "response_edns_present":
		var body struct {
			Expect bool `json:"expect"`
		}
		if err := json.Unmarshal(spec.Raw, &body); err != nil {
			return nil, err
		}
		return responseEdnsPresentMatcher{expect: body.Expect}, nil
	default:
		return nil, fmt.Errorf("unknown response matcher type %q", spec.Type)
	}
}

type funcRespMatcher func(*responseContext) bool

func (f funcRespMatcher) match(ctx *responseContext) bool { return f(ctx) }

func compileMatcherList(cc *compileCtx, specs []MatcherSpec) ([]requestMatcher, error) {
	out := make([]requestMatcher, 0, len(specs))
	for _, spec := range specs {
		req, err := compileRequestMatcher(cc, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func compileResponseMatcherList(specs []MatcherSpec) ([]responseMatcher, error) {
	out := make([]responseMatcher, 0, len(specs))
	for _, spec := range specs {
		resp, err := compileResponseMatcherSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// evalRequestMatchers applies the combiner semantics from §4.2: matchers
// evaluated in order under the rule's global operator, AND-NOT/OR-NOT
// negating every predicate but the first before folding, short-circuiting
// on the first decisive predicate.
func evalRequestMatchers(op MatchOperator, matchers []requestMatcher, ctx *requestContext) bool {
	if len(matchers) == 0 {
		return true
	}
	result := matchers[0].match(ctx)
	for i := 1; i < len(matchers); i++ {
		switch op {
		case OpAnd, OpAndNot:
			if !result {
				return false
			}
		case OpOr, OpOrNot:
			if result {
				return true
			}
		}
		v := matchers[i].match(ctx)
		switch op {
		case OpAnd:
			result = result && v
			if !result {
				return false
			}
		case OpOr:
			result = result || v
			if result {
				return true
			}
		case OpAndNot:
			result = result && !v
			if !result {
				return false
			}
		case OpOrNot:
			result = result || !v
			if result {
				return true
			}
		}
	}
	return result
}

func evalResponseMatchers(op MatchOperator, matchers []responseMatcher, ctx *responseContext) bool {
	if len(matchers) == 0 {
		return true
	}
	result := matchers[0].match(ctx)
	for i := 1; i < len(matchers); i++ {
		switch op {
		case OpAnd, OpAndNot:
			if !result {
				return false
			}
		case OpOr, OpOrNot:
			if result {
				return true
			}
		}
		v := matchers[i].match(ctx)
		switch op {
		case OpAnd:
			result = result && v
			if !result {
				return false
			}
		case OpOr:
			result = result || v
			if result {
				return true
			}
		case OpAndNot:
			result = result && !v
			if !result {
				return false
			}
		case OpOrNot:
			result = result || !v
			if result {
				return true
			}
		}
	}
	return result
}
