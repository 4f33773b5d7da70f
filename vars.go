package kixdns

import (
	"expvar"
	"fmt"
)

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("kixdns.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("kixdns.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// Get an *expvar.Float with the given path.
func getVarFloat(base string, id string, name string) *expvar.Float {
	fullname := fmt.Sprintf("kixdns.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Float)
	}
	return expvar.NewFloat(fullname)
}

// metrics bundles the counters listed under Telemetry: cache hit/miss,
// upstream latency EWMA, flow permits in use, prefetch hit-rate and
// CDN-relation hit-rate. The cache counters and the latency gauge are
// updated as requests run; the flow-permit gauges change only when
// Engine.RefreshMetrics is called; the prefetch and CDN-relation counters
// are registered but nothing increments them.
type metrics struct {
	cacheHits       *expvar.Int
	cacheMisses     *expvar.Int
	upstreamLatency *expvar.Float
	flowPermitsUsed *expvar.Int
	flowPermitsMax  *expvar.Int
	prefetchHits    *expvar.Int
	prefetchMisses  *expvar.Int
	cdnRelationHits *expvar.Int
}

func newMetrics(listenerLabel string) *metrics {
	return &metrics{
		cacheHits:       getVarInt("engine", listenerLabel, "cache_hits"),
		cacheMisses:     getVarInt("engine", listenerLabel, "cache_misses"),
		upstreamLatency: getVarFloat("engine", listenerLabel, "upstream_latency_ewma_ms"),
		flowPermitsUsed: getVarInt("engine", listenerLabel, "flow_permits_used"),
		flowPermitsMax:  getVarInt("engine", listenerLabel, "flow_permits_max"),
		prefetchHits:    getVarInt("prefetch", listenerLabel, "hits"),
		prefetchMisses:  getVarInt("prefetch", listenerLabel, "misses"),
		cdnRelationHits: getVarInt("prefetch", listenerLabel, "cdn_relation_hits"),
	}
}
