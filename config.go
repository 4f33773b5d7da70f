package kixdns

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// PipelineConfig is the root of the JSON configuration document, decoded
// straight off disk. Field names mirror the wire schema in §6 exactly
// (snake_case via the json tags) so the config file and this struct stay in
// lockstep with the schema recovered from the original implementation.
type PipelineConfig struct {
	Version        string               `json:"version,omitempty"`
	Settings       GlobalSettings       `json:"settings"`
	PipelineSelect []PipelineSelectRule `json:"pipeline_select"`
	Pipelines      []PipelineDef        `json:"pipelines"`
}

// GlobalSettings holds the defaults recovered from the original config
// loader, applied by applyDefaults after JSON decoding since encoding/json
// has no serde-style per-field default hook.
type GlobalSettings struct {
	MinTTL                             uint32 `json:"min_ttl"`
	BindUDP                            string `json:"bind_udp"`
	BindTCP                            string `json:"bind_tcp"`
	CacheCapacity                      uint64 `json:"cache_capacity"`
	DefaultUpstream                    string `json:"default_upstream"`
	UpstreamTimeoutMS                  uint64 `json:"upstream_timeout_ms"`
	ResponseJumpLimit                  uint32 `json:"response_jump_limit"`
	UDPPoolSize                        int    `json:"udp_pool_size"`
	TCPPoolSize                        int    `json:"tcp_pool_size"`
	FlowControlInitialPermits          int64  `json:"flow_control_initial_permits"`
	FlowControlMinPermits              int64  `json:"flow_control_min_permits"`
	FlowControlMaxPermits              int64  `json:"flow_control_max_permits"`
	FlowControlLatencyThresholdMS      int64  `json:"flow_control_latency_threshold_ms"`
	FlowControlAdjustmentIntervalSecs  int64  `json:"flow_control_adjustment_interval_secs"`

	// Optional syslog sink for the "log" action; SyslogAddress empty means
	// disabled and log actions go to the structured logger only.
	SyslogNetwork string `json:"syslog_network"`
	SyslogAddress string `json:"syslog_address"`
	SyslogTag     string `json:"syslog_tag"`
}

func defaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		MinTTL:                            0,
		BindUDP:                           "0.0.0.0:5353",
		BindTCP:                           "0.0.0.0:5353",
		CacheCapacity:                     10000,
		DefaultUpstream:                   "1.1.1.1:53",
		UpstreamTimeoutMS:                 2000,
		ResponseJumpLimit:                 10,
		UDPPoolSize:                       64,
		TCPPoolSize:                       64,
		FlowControlInitialPermits:         500,
		FlowControlMinPermits:             100,
		FlowControlMaxPermits:             800,
		FlowControlLatencyThresholdMS:     100,
		FlowControlAdjustmentIntervalSecs: 5,
	}
}

// applyDefaults fills in zero-valued fields with their documented defaults.
// Settings arrives already zero-valued from json.Unmarshal when the
// "settings" object, or individual fields within it, are absent.
func (s *GlobalSettings) applyDefaults() {
	d := defaultGlobalSettings()
	if s.BindUDP == "" {
		s.BindUDP = d.BindUDP
	}
	if s.BindTCP == "" {
		s.BindTCP = d.BindTCP
	}
	if s.CacheCapacity == 0 {
		s.CacheCapacity = d.CacheCapacity
	}
	if s.DefaultUpstream == "" {
		s.DefaultUpstream = d.DefaultUpstream
	}
	if s.UpstreamTimeoutMS == 0 {
		s.UpstreamTimeoutMS = d.UpstreamTimeoutMS
	}
	if s.ResponseJumpLimit == 0 {
		s.ResponseJumpLimit = d.ResponseJumpLimit
	}
	if s.UDPPoolSize == 0 {
		s.UDPPoolSize = d.UDPPoolSize
	}
	if s.TCPPoolSize == 0 {
		s.TCPPoolSize = d.TCPPoolSize
	}
	if s.FlowControlInitialPermits == 0 {
		s.FlowControlInitialPermits = d.FlowControlInitialPermits
	}
	if s.FlowControlMinPermits == 0 {
		s.FlowControlMinPermits = d.FlowControlMinPermits
	}
	if s.FlowControlMaxPermits == 0 {
		s.FlowControlMaxPermits = d.FlowControlMaxPermits
	}
	if s.FlowControlLatencyThresholdMS == 0 {
		s.FlowControlLatencyThresholdMS = d.FlowControlLatencyThresholdMS
	}
	if s.FlowControlAdjustmentIntervalSecs == 0 {
		s.FlowControlAdjustmentIntervalSecs = d.FlowControlAdjustmentIntervalSecs
	}
}

// MatchOperator is the combiner applied across a rule's matcher list.
type MatchOperator string

const (
	OpAnd    MatchOperator = "and"
	OpOr     MatchOperator = "or"
	OpAndNot MatchOperator = "and_not"
	OpOrNot  MatchOperator = "or_not"
)

// normalizeOperator resolves the documented aliases (not/and-not/andnot,
// or-not/ornot) to the canonical form. Empty input defaults to AND.
func normalizeOperator(raw string) (MatchOperator, error) {
	switch raw {
	case "", "and":
		return OpAnd, nil
	case "or":
		return OpOr, nil
	case "not", "and_not", "and-not", "andnot":
		return OpAndNot, nil
	case "or_not", "or-not", "ornot":
		return OpOrNot, nil
	default:
		return "", fmt.Errorf("unknown match operator %q", raw)
	}
}

// MatcherSpec is one matcher entry as it appears in JSON: a discriminated
// union keyed on "type", decoded in two passes since Go has no native
// tagged-enum support the way serde does for the Rust original.
type MatcherSpec struct {
	Operator string          `json:"operator"`
	Type     string          `json:"type"`
	Raw      json.RawMessage `json:"-"`
}

func (m *MatcherSpec) UnmarshalJSON(data []byte) error {
	type alias struct {
		Operator string `json:"operator"`
		Type     string `json:"type"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Operator = a.Operator
	m.Type = a.Type
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ActionSpec mirrors MatcherSpec for the Action tagged union.
type ActionSpec struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type string `json:"type"`
	}
	var al alias
	if err := json.Unmarshal(data, &al); err != nil {
		return err
	}
	a.Type = al.Type
	a.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// RuleDef is one rule entry as decoded from JSON, prior to matcher/action
// compilation.
type RuleDef struct {
	Name                   string        `json:"name"`
	Matchers               []MatcherSpec `json:"matchers"`
	MatcherOperator        string        `json:"matcher_operator"`
	Actions                []ActionSpec  `json:"actions"`
	ResponseMatchers       []MatcherSpec `json:"response_matchers"`
	ResponseMatcherOp      string        `json:"response_matcher_operator"`
	ResponseActionsOnMatch []ActionSpec  `json:"response_actions_on_match"`
	ResponseActionsOnMiss  []ActionSpec  `json:"response_actions_on_miss"`
}

// PipelineDef is one pipeline entry: an id and its ordered rule list.
type PipelineDef struct {
	ID    string    `json:"id"`
	Rules []RuleDef `json:"rules"`
}

// PipelineSelectRule picks the starting pipeline for an incoming request.
type PipelineSelectRule struct {
	Pipeline        string        `json:"pipeline"`
	Matchers        []MatcherSpec `json:"matchers"`
	MatcherOperator string        `json:"matcher_operator"`
}

// LoadConfig reads and parses a JSON pipeline config file, applying
// defaults but not yet compiling matchers (see CompileConfig).
func LoadConfig(raw []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	cfg.Settings.applyDefaults()
	return &cfg, nil
}
