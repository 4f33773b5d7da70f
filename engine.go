package kixdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ioPolicy gates whether a code path still shared between the fast and slow
// paths is allowed to perform upstream I/O. HandleFast runs with
// ioForbidden and aborts (handing off to the slow path) the moment it would
// otherwise block; HandlePacket runs with ioAllowed.
type ioPolicy int

const (
	ioForbidden ioPolicy = iota
	ioAllowed
)

// errNeedsIO is the internal sentinel a shared evaluation step returns when
// it hits an action requiring upstream I/O under ioForbidden. HandleFast
// translates it into its documented "None" return; it never escapes to a
// caller of HandlePacket.
var errNeedsIO = errors.New("kixdns: action requires upstream i/o")

// Engine is the request/response processing core: two-phase pipeline
// evaluation, the fast/slow split on UDP, and the caching and prefetch
// side effects, grounded on the teacher's Router.Resolve (rule iteration)
// and Cache.Resolve (cache read/write plus prefetch trigger) generalized
// from resolver-chain dispatch to the tagged matcher/action pipeline model.
type Engine struct {
	cfg atomic.Pointer[RuntimePipelineConfig]

	cache    *Cache
	prefetch *PrefetchManager
	flow     *FlowPermits
	metrics  *metrics

	upstreamsMu sync.Mutex
	upstreams   map[string]*UpstreamClient

	syslog *SyslogSink
}

// SetSyslogSink attaches an optional syslog destination for "log" actions.
// A nil sink (the default) means log actions only go to the structured
// logger.
func (e *Engine) SetSyslogSink(sink *SyslogSink) {
	e.syslog = sink
}

// NewEngine builds an Engine around an already-compiled configuration
// snapshot.
func NewEngine(rtc *RuntimePipelineConfig, cache *Cache, prefetch *PrefetchManager, flow *FlowPermits, m *metrics) *Engine {
	e := &Engine{
		cache:     cache,
		prefetch:  prefetch,
		flow:      flow,
		metrics:   m,
		upstreams: make(map[string]*UpstreamClient),
	}
	e.cfg.Store(rtc)
	return e
}

// NewEngineFromSettings wires up a Cache, PrefetchManager, FlowPermits and
// metrics set from a compiled configuration's GlobalSettings, the
// convenience path cmd/kixdns/main.go uses at startup.
func NewEngineFromSettings(rtc *RuntimePipelineConfig, listenerLabel string) *Engine {
	m := newMetrics(listenerLabel)
	cache := NewCache(rtc.Settings.CacheCapacity, m)
	prefetch := NewPrefetchManager(defaultPrefetchConfig(), m)
	flow := NewFlowPermits(
		rtc.Settings.FlowControlInitialPermits,
		rtc.Settings.FlowControlMinPermits,
		rtc.Settings.FlowControlMaxPermits,
		rtc.Settings.FlowControlLatencyThresholdMS,
		time.Duration(rtc.Settings.FlowControlAdjustmentIntervalSecs)*time.Second,
	)
	return NewEngine(rtc, cache, prefetch, flow, m)
}

// Snapshot returns the current immutable configuration.
func (e *Engine) Snapshot() *RuntimePipelineConfig {
	return e.cfg.Load()
}

// SwapConfig atomically replaces the configuration snapshot, used by the
// reload controller. Requests already in flight keep their own reference
// to the old snapshot; nothing is mutated under them.
func (e *Engine) SwapConfig(rtc *RuntimePipelineConfig) {
	e.cfg.Store(rtc)
}

// AdjustFlowControl resizes the flow-permit ceiling if due. Called
// opportunistically from listener hot loops, per §4.7.
func (e *Engine) AdjustFlowControl() {
	e.flow.AdjustIfDue()
}

// RefreshMetrics updates the flow-permit expvar gauges, which the request
// path itself does not keep current.
func (e *Engine) RefreshMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.flowPermitsUsed.Set(e.flow.InUse())
	e.metrics.flowPermitsMax.Set(e.flow.Ceiling())
}

// requestOutcome is the result of evaluateRequestPhase: either a
// synthesized response ready to emit, or a decision to forward, carrying
// the rule whose response-phase matchers/actions apply once a response
// exists.
type outcomeKind int

const (
	outcomeSynth outcomeKind = iota
	outcomeForward
)

type requestOutcome struct {
	kind       outcomeKind
	wire       []byte // set for outcomeSynth
	pipelineID string // pipeline owning the terminal decision, used for the fingerprint
	rule       *CompiledRule
	upstream   string
	transport  transport
}

// HandleFast implements handle_packet_fast: quick parse, pipeline
// selection, and request-phase evaluation, returning ok=false the moment
// resolving the query would require upstream I/O. It never blocks.
func (e *Engine) HandleFast(packet []byte, clientIP net.IP, listenerLabel string) (wire []byte, ok bool, err error) {
	buf := make([]byte, 256)
	qq, parsed := ParseQuick(packet, buf)
	if !parsed {
		return nil, false, newErr(ErrParse, "malformed query")
	}

	rtc := e.Snapshot()
	qctx := buildRequestContext(qq, packet, clientIP, listenerLabel)
	skeleton := buildQuerySkeleton(qq)

	startPipeline, err := selectPipeline(rtc, qctx)
	if err != nil {
		return nil, false, err
	}
	outcome, err := e.evaluateRequestPhase(rtc, startPipeline, qctx, skeleton)
	if err != nil {
		return nil, false, err
	}

	fp := ComputeFingerprint(outcome.pipelineID, qq.QName, qq.QType)

	switch outcome.kind {
	case outcomeSynth:
		final, rerr := e.runResponsePhase(nil, rtc, outcome, outcome.wire, qctx, "", skeleton, ioForbidden)
		if errors.Is(rerr, errNeedsIO) {
			return nil, false, nil
		}
		if rerr != nil {
			return nil, false, rerr
		}
		out := append([]byte(nil), final...)
		patchTXID(out, qq.TxID)
		return out, true, nil

	case outcomeForward:
		entry, hit := e.cache.Lookup(fp)
		if !hit {
			return nil, false, nil
		}
		if hot := e.prefetch.RecordAccess(fp, qq.QName, qq.QType, outcome.upstream); hot {
			if e.prefetch.TryPrepareJob(fp) {
				go e.runPrefetchJob(outcome.pipelineID, qq.QName, qq.QType, outcome.upstream)
			}
		}
		out := append([]byte(nil), entry.Wire...)
		patchTXID(out, qq.TxID)
		return out, true, nil
	}

	return nil, false, nil
}

// HandlePacket implements handle_packet: full processing including
// upstream I/O, single-flight coalescing, caching and prefetch bookkeeping.
// It always returns a wire-format response except on a parse error, where
// the caller (the listener) is expected to drop the datagram (UDP) or
// close the connection (TCP), per §7, and on flow-permit saturation, where
// it returns the ErrSaturated error with no response.
func (e *Engine) HandlePacket(ctx context.Context, packet []byte, clientIP net.IP, listenerLabel string) ([]byte, error) {
	buf := make([]byte, 256)
	qq, parsed := ParseQuick(packet, buf)
	if !parsed {
		return nil, newErr(ErrParse, "malformed query")
	}

	rtc := e.Snapshot()
	qctx := buildRequestContext(qq, packet, clientIP, listenerLabel)
	skeleton := buildQuerySkeleton(qq)

	startPipeline, err := selectPipeline(rtc, qctx)
	if err != nil {
		return e.emitError(skeleton, qq.TxID, dns.RcodeServerFailure)
	}
	outcome, err := e.evaluateRequestPhase(rtc, startPipeline, qctx, skeleton)
	if err != nil {
		return e.emitError(skeleton, qq.TxID, dns.RcodeServerFailure)
	}

	fp := ComputeFingerprint(outcome.pipelineID, qq.QName, qq.QType)

	var final []byte
	switch outcome.kind {
	case outcomeSynth:
		final, err = e.runResponsePhase(ctx, rtc, outcome, outcome.wire, qctx, "", skeleton, ioAllowed)
		if err != nil {
			return e.emitError(skeleton, qq.TxID, rcodeForErr(err))
		}
	case outcomeForward:
		final, err = e.handleForward(ctx, rtc, fp, outcome, qq, skeleton, qctx)
		if err != nil {
			var eng *EngineError
			if errors.As(err, &eng) && eng.Kind == ErrSaturated {
				return nil, err // caller drops on UDP / synthesizes SERVFAIL on TCP per transport-specific policy
			}
			return e.emitError(skeleton, qq.TxID, rcodeForErr(err))
		}
	}

	out := append([]byte(nil), final...)
	patchTXID(out, qq.TxID)
	return out, nil
}

func rcodeForErr(err error) int {
	var eng *EngineError
	if errors.As(err, &eng) {
		switch eng.Kind {
		case ErrPolicyDeny:
			return dns.RcodeRefused
		}
	}
	return dns.RcodeServerFailure
}

func (e *Engine) emitError(skeleton *dns.Msg, txID uint16, rcode int) ([]byte, error) {
	wire, err := packMsg(synthesizeRcodeResponse(skeleton, rcode))
	if err != nil {
		return nil, err
	}
	patchTXID(wire, txID)
	return wire, nil
}

// handleForward resolves the outcomeForward case: cache lookup, flow
// control admission, single-flight coalescing, the upstream exchange, the
// response phase, and the cache store, then prefetch bookkeeping.
func (e *Engine) handleForward(ctx context.Context, rtc *RuntimePipelineConfig, fp Fingerprint, outcome requestOutcome, qq QuickQuery, skeleton *dns.Msg, qctx *requestContext) ([]byte, error) {
	if entry, hit := e.cache.Lookup(fp); hit {
		e.notePrefetch(fp, outcome, qq)
		return entry.Wire, nil
	}

	if !e.flow.TryAcquire() {
		return nil, newErr(ErrSaturated, "flow permits exhausted")
	}
	defer e.flow.Release()

	if entry, hit := e.cache.Lookup(fp); hit {
		e.notePrefetch(fp, outcome, qq)
		return entry.Wire, nil
	}

	entry, flight, isLeader := e.cache.GetOrBeginInFlight(fp)
	if entry != nil {
		e.notePrefetch(fp, outcome, qq)
		return entry.Wire, nil
	}
	if !isLeader {
		got, werr := flight.wait()
		if werr != nil {
			return nil, werr
		}
		if got == nil {
			return nil, newErr(ErrUpstreamIO, "in-flight leader reported no result")
		}
		e.notePrefetch(fp, outcome, qq)
		return got.Wire, nil
	}

	// Leader: perform the exchange, response phase, and cache store.
	finalWire, rcode, truncated, err := e.resolveAndApplyResponsePhase(ctx, rtc, outcome, qq, skeleton, qctx)
	if err != nil {
		e.cache.Complete(fp, nil, err, false)
		return nil, err
	}

	cacheable := cacheableRcode(rcode) && !truncated
	qr, _ := ParseResponseQuick(finalWire)
	ttl := effectiveTTL(qr.MinTTL, rcode == dns.RcodeSuccess, rtc.Settings.MinTTL, 0)
	newEntry := &CacheEntry{
		Wire:       finalWire,
		RCode:      rcode,
		Source:     outcome.upstream,
		QName:      qq.QName,
		QType:      qq.QType,
		PipelineID: outcome.pipelineID,
		Expiry:     time.Now().Add(time.Duration(ttl) * time.Second),
	}
	e.cache.Complete(fp, newEntry, nil, cacheable)

	e.notePrefetch(fp, outcome, qq)
	e.learnRelations(outcome, qq, finalWire)

	return finalWire, nil
}

// resolveAndApplyResponsePhase performs the upstream exchange for the
// leader and runs the response phase over the live result.
func (e *Engine) resolveAndApplyResponsePhase(ctx context.Context, rtc *RuntimePipelineConfig, outcome requestOutcome, qq QuickQuery, skeleton *dns.Msg, qctx *requestContext) (wire []byte, rcode int, truncated bool, err error) {
	client := e.upstreamFor(outcome.upstream, rtc)
	queryWire, err := packMsg(skeleton)
	if err != nil {
		return nil, 0, false, err
	}

	var result ExchangeResult
	if outcome.transport == transportTCP {
		result, err = client.ExchangeTCP(ctx, queryWire)
	} else {
		result, err = client.Exchange(ctx, queryWire)
	}
	e.flow.RecordLatency(result.Latency)
	e.flow.AdjustIfDue()
	if e.metrics != nil {
		e.metrics.upstreamLatency.Set(float64(atomic.LoadInt64(&e.flow.ewmaLatencyMicros)) / 1000.0)
	}
	if err != nil {
		return nil, 0, false, err
	}

	final, err := e.runResponsePhase(ctx, rtc, outcome, result.Wire, qctx, outcome.upstream, skeleton, ioAllowed)
	if err != nil {
		return nil, 0, false, err
	}
	qr, _ := ParseResponseQuick(final)
	return final, qr.RCode, result.Truncated, nil
}

func (e *Engine) notePrefetch(fp Fingerprint, outcome requestOutcome, qq QuickQuery) {
	hot := e.prefetch.RecordAccess(fp, qq.QName, qq.QType, outcome.upstream)
	if hot && e.prefetch.TryPrepareJob(fp) {
		go e.runPrefetchJob(outcome.pipelineID, qq.QName, qq.QType, outcome.upstream)
	}
}

func (e *Engine) learnRelations(outcome requestOutcome, qq QuickQuery, wire []byte) {
	msg, err := decodeFull(wire)
	if err != nil {
		return
	}
	chain := cnameChain(msg)
	e.prefetch.LearnCNAMEChain(outcome.pipelineID, outcome.upstream, qq.QName, chain)

	for _, job := range e.prefetch.RelatedJobs(outcome.pipelineID, qq.QName, qq.QType, outcome.upstream, true) {
		jobFP := ComputeFingerprint(job.PipelineID, job.QName, job.QType)
		if e.prefetch.TryPrepareJob(jobFP) {
			go e.runPrefetchJob(job.PipelineID, job.QName, job.QType, job.Upstream)
		}
	}
}

// runPrefetchJob refreshes the cache for one hot key in the background,
// bounded by the prefetch manager's concurrency semaphore (acquired by the
// caller via TryPrepareJob).
func (e *Engine) runPrefetchJob(pipelineID, qname string, qtype uint16, upstream string) {
	defer e.prefetch.Release()

	rtc := e.Snapshot()
	client := e.upstreamFor(upstream, rtc)

	skeleton := new(dns.Msg)
	skeleton.Id = nextTXID()
	skeleton.Question = []dns.Question{{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: dns.ClassINET}}
	queryWire, err := packMsg(skeleton)
	if err != nil {
		return
	}

	timeout := time.Duration(rtc.Settings.UpstreamTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := client.Exchange(ctx, queryWire)
	if err != nil {
		Log.WithField("qname", qname).WithError(err).Debug("prefetch refresh failed")
		return
	}
	qr, ok := ParseResponseQuick(result.Wire)
	if !ok || !cacheableRcode(qr.RCode) || result.Truncated {
		return
	}

	fp := ComputeFingerprint(pipelineID, qname, qtype)
	ttl := effectiveTTL(qr.MinTTL, qr.RCode == dns.RcodeSuccess, rtc.Settings.MinTTL, 0)
	entry := &CacheEntry{
		Wire:       result.Wire,
		RCode:      qr.RCode,
		Source:     upstream,
		QName:      qname,
		QType:      qtype,
		PipelineID: pipelineID,
		Expiry:     time.Now().Add(time.Duration(ttl) * time.Second),
	}
	e.cache.shardFor(fp).put(fp, entry)
}

func (e *Engine) upstreamFor(addr string, rtc *RuntimePipelineConfig) *UpstreamClient {
	e.upstreamsMu.Lock()
	defer e.upstreamsMu.Unlock()
	if c, ok := e.upstreams[addr]; ok {
		return c
	}
	timeout := time.Duration(rtc.Settings.UpstreamTimeoutMS) * time.Millisecond
	c := NewUpstreamClient(addr, rtc.Settings.UDPPoolSize, rtc.Settings.TCPPoolSize, timeout)
	e.upstreams[addr] = c
	return c
}

// --- request-phase evaluation (pure, never blocks) ---

func buildRequestContext(qq QuickQuery, packet []byte, clientIP net.IP, listenerLabel string) *requestContext {
	return &requestContext{
		qname:         qq.QName,
		qtype:         qq.QType,
		qclass:        qq.QClass,
		clientIP:      clientIP,
		ednsPresent:   ednsPresentQuick(packet),
		listenerLabel: listenerLabel,
	}
}

func buildQuerySkeleton(qq QuickQuery) *dns.Msg {
	m := new(dns.Msg)
	m.Id = qq.TxID
	m.Question = []dns.Question{{Name: dns.Fqdn(qq.QName), Qtype: qq.QType, Qclass: qq.QClass}}
	return m
}

func packMsg(m *dns.Msg) ([]byte, error) {
	return m.Pack()
}

// selectPipeline picks the pipeline_select rule whose predicate matches, in
// file order. If none matches, a built-in default pipeline is used (§4.2):
// a pipeline literally named "default" if the config declares one, else the
// first pipeline in config-file declaration order, else (for a hand-built
// RuntimePipelineConfig with no recorded order) the sole remaining pipeline.
func selectPipeline(rtc *RuntimePipelineConfig, qctx *requestContext) (string, error) {
	for _, sel := range rtc.Select {
		if evalRequestMatchers(sel.Operator, sel.Matchers, qctx) {
			return sel.Pipeline, nil
		}
	}
	if _, ok := rtc.Pipelines["default"]; ok {
		return "default", nil
	}
	for _, id := range rtc.PipelineOrder {
		if _, ok := rtc.Pipelines[id]; ok {
			return id, nil
		}
	}
	if len(rtc.Pipelines) == 1 {
		for id := range rtc.Pipelines {
			return id, nil
		}
	}
	return "", newErr(ErrConfig, "no pipeline_select rule matched and no default pipeline exists")
}

// requestActionResult is the outcome of running one matched rule's actions
// during request-phase evaluation.
type requestActionResult struct {
	done       bool
	outcome    requestOutcome
	jump       bool
	jumpTarget string
}

func (e *Engine) runRuleActions(rule *CompiledRule, pipelineID string, skeleton *dns.Msg, settings GlobalSettings) (requestActionResult, error) {
	for _, act := range rule.Actions {
		switch act.kind {
		case actionLog:
			e.logAction(act.logLevel, skeleton.Question[0].Name, "request action: log")
		case actionDeny:
			wire, err := packMsg(synthesizeRcodeResponse(skeleton, dns.RcodeRefused))
			if err != nil {
				return requestActionResult{}, err
			}
			return requestActionResult{done: true, outcome: requestOutcome{kind: outcomeSynth, wire: wire, pipelineID: pipelineID, rule: rule}}, nil
		case actionStaticResponse:
			wire, err := packMsg(synthesizeRcodeResponse(skeleton, act.rcode))
			if err != nil {
				return requestActionResult{}, err
			}
			return requestActionResult{done: true, outcome: requestOutcome{kind: outcomeSynth, wire: wire, pipelineID: pipelineID, rule: rule}}, nil
		case actionStaticIP:
			wire, err := packMsg(synthesizeStaticIP(skeleton, act.ip, settings.MinTTL))
			if err != nil {
				return requestActionResult{}, err
			}
			return requestActionResult{done: true, outcome: requestOutcome{kind: outcomeSynth, wire: wire, pipelineID: pipelineID, rule: rule}}, nil
		case actionForward:
			upstream := act.upstream
			if upstream == "" {
				upstream = settings.DefaultUpstream
			}
			return requestActionResult{done: true, outcome: requestOutcome{kind: outcomeForward, pipelineID: pipelineID, rule: rule, upstream: upstream, transport: act.transport}}, nil
		case actionAllow:
			return requestActionResult{done: true, outcome: requestOutcome{kind: outcomeForward, pipelineID: pipelineID, rule: rule, upstream: settings.DefaultUpstream, transport: transportUDP}}, nil
		case actionJumpToPipeline:
			return requestActionResult{jump: true, jumpTarget: act.pipelineID}, nil
		case actionContinue:
			return requestActionResult{}, nil
		}
	}
	return requestActionResult{}, nil
}

// evaluateRequestPhase walks rules in order, following jump_to_pipeline up
// to response_jump_limit hops (the same bound governs both phases; no
// separate request-phase limit is named in the schema). If the rule list
// is exhausted without a terminal action, it forwards to the default
// upstream, per §4.7 step 3.
func (e *Engine) evaluateRequestPhase(rtc *RuntimePipelineConfig, startPipeline string, qctx *requestContext, skeleton *dns.Msg) (requestOutcome, error) {
	pipelineID := startPipeline
	depth := 0
	maxDepth := int(rtc.Settings.ResponseJumpLimit)

	for {
		cp, ok := rtc.Pipelines[pipelineID]
		if !ok {
			return requestOutcome{}, newErr(ErrConfig, "unknown pipeline %q", pipelineID)
		}

		jumped := false
		for i := range cp.Rules {
			rule := &cp.Rules[i]
			if !evalRequestMatchers(rule.Operator, rule.Matchers, qctx) {
				continue
			}
			res, err := e.runRuleActions(rule, pipelineID, skeleton, rtc.Settings)
			if err != nil {
				return requestOutcome{}, err
			}
			if res.done {
				return res.outcome, nil
			}
			if res.jump {
				depth++
				if depth > maxDepth {
					return requestOutcome{}, newErr(ErrConfig, "jump_to_pipeline depth exceeded")
				}
				pipelineID = res.jumpTarget
				jumped = true
				break
			}
		}
		if jumped {
			continue
		}
		return requestOutcome{kind: outcomeForward, pipelineID: pipelineID, rule: nil, upstream: rtc.Settings.DefaultUpstream, transport: transportUDP}, nil
	}
}

// --- response-phase evaluation ---

func buildResponseContext(qctx *requestContext, wire []byte, source string) *responseContext {
	qr, _ := ParseResponseQuick(wire)
	var ips []net.IP
	var types []uint16
	if msg, err := decodeFull(wire); err == nil {
		ips, types = answerIPsAndTypes(msg)
	}
	return &responseContext{
		requestContext: *qctx,
		upstream:       source,
		rcode:          qr.RCode,
		answerIPs:      ips,
		answerTypes:    types,
		ednsPresent:    qctx.ednsPresent,
	}
}

// runResponsePhase evaluates the terminating rule's response matchers
// against wire, applying response_actions_on_match/on_miss, following
// response-phase jump_to_pipeline (restarting evaluation at the target
// pipeline's first rule, the most literal reading of "restart response-
// phase evaluation in the named pipeline" for a schema where response
// matchers/actions live on individual rules rather than a pipeline-level
// list) up to response_jump_limit hops. outcome.rule == nil (the rule-
// exhausted default forward) skips response-phase evaluation entirely and
// emits wire unchanged.
func (e *Engine) runResponsePhase(ctx context.Context, rtc *RuntimePipelineConfig, outcome requestOutcome, wire []byte, qctx *requestContext, source string, skeleton *dns.Msg, policy ioPolicy) ([]byte, error) {
	if outcome.rule == nil {
		return wire, nil
	}

	curRule := outcome.rule
	curWire := wire
	curSource := source
	depth := 0
	maxDepth := int(rtc.Settings.ResponseJumpLimit)

	for {
		respCtx := buildResponseContext(qctx, curWire, curSource)
		matched := evalResponseMatchers(curRule.ResponseOperator, curRule.ResponseMatchers, respCtx)
		actions := curRule.ResponseActionsOnMiss
		if matched {
			actions = curRule.ResponseActionsOnMatch
		}

		advanced := false
		for _, act := range actions {
			switch act.kind {
			case actionLog:
				e.logActionWithRcode(act.logLevel, respCtx.qname, respCtx.rcode, "response action: log")
			case actionContinue, actionAllow:
				return curWire, nil
			case actionDeny:
				return packMsg(synthesizeRcodeResponse(skeleton, dns.RcodeRefused))
			case actionStaticResponse:
				return packMsg(synthesizeRcodeResponse(skeleton, act.rcode))
			case actionStaticIP:
				return packMsg(synthesizeStaticIP(skeleton, act.ip, rtc.Settings.MinTTL))
			case actionJumpToPipeline:
				depth++
				if depth > maxDepth {
					return nil, newErr(ErrConfig, "response jump_to_pipeline depth exceeded")
				}
				target, ok := rtc.Pipelines[act.pipelineID]
				if !ok || len(target.Rules) == 0 {
					return nil, newErr(ErrConfig, "response jump to unknown or empty pipeline %q", act.pipelineID)
				}
				curRule = &target.Rules[0]
				advanced = true
			case actionForward:
				if policy == ioForbidden {
					return nil, errNeedsIO
				}
				upstream := act.upstream
				if upstream == "" {
					upstream = rtc.Settings.DefaultUpstream
				}
				client := e.upstreamFor(upstream, rtc)
				queryWire, err := packMsg(skeleton)
				if err != nil {
					return nil, err
				}
				var result ExchangeResult
				if act.transport == transportTCP {
					result, err = client.ExchangeTCP(ctx, queryWire)
				} else {
					result, err = client.Exchange(ctx, queryWire)
				}
				if err != nil {
					return nil, err
				}
				e.flow.RecordLatency(result.Latency)
				curWire = result.Wire
				curSource = upstream
				advanced = true
			}
			if advanced {
				break
			}
		}
		if advanced {
			continue
		}
		return curWire, nil
	}
}

func logEntry(level string, entry *logrus.Entry, msg string) {
	switch strings.ToLower(level) {
	case "debug":
		entry.Debug(msg)
	case "warn", "warning":
		entry.Warn(msg)
	case "error":
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

// logAction dispatches a request-phase "log" action to the structured
// logger and, if configured, the syslog sink.
func (e *Engine) logAction(level, qname, msg string) {
	logEntry(level, Log.WithField("qname", qname), msg)
	if e.syslog != nil {
		e.syslog.Write(fmt.Sprintf("level=%s qname=%s msg=%q", level, qname, msg))
	}
}

// logActionWithRcode dispatches a response-phase "log" action, including
// the rcode of the response being evaluated.
func (e *Engine) logActionWithRcode(level, qname string, rcode int, msg string) {
	logEntry(level, Log.WithField("qname", qname).WithField("rcode", rcode), msg)
	if e.syslog != nil {
		e.syslog.Write(fmt.Sprintf("level=%s qname=%s rcode=%d msg=%q", level, qname, rcode, msg))
	}
}
