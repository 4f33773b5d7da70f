package kixdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configWithJump(from, to string) *PipelineConfig {
	cfg := &PipelineConfig{
		Pipelines: []PipelineDef{
			{ID: from, Rules: []RuleDef{{
				Matchers: []MatcherSpec{{Type: "any"}},
				Actions:  []ActionSpec{{Type: "jump_to_pipeline", Raw: []byte(`{"type":"jump_to_pipeline","pipeline":"` + to + `"}`)}},
			}}},
		},
	}
	cfg.Settings.applyDefaults()
	return cfg
}

func TestValidatePipelineGraphRejectsDanglingJumpTarget(t *testing.T) {
	cfg := configWithJump("main", "missing")
	_, err := CompileConfig(cfg, "")
	assert.Error(t, err)
}

func TestValidatePipelineGraphAllowsValidJumpTarget(t *testing.T) {
	cfg := configWithJump("main", "next")
	cfg.Pipelines = append(cfg.Pipelines, PipelineDef{ID: "next", Rules: []RuleDef{{
		Matchers: []MatcherSpec{{Type: "any"}},
		Actions:  []ActionSpec{{Type: "allow"}},
	}}})
	_, err := CompileConfig(cfg, "")
	require.NoError(t, err)
}

func TestValidatePipelineGraphAllowsSelfJump(t *testing.T) {
	cfg := configWithJump("main", "main")
	_, err := CompileConfig(cfg, "")
	assert.NoError(t, err)
}

func TestValidatePipelineGraphAllowsCycle(t *testing.T) {
	cfg := configWithJump("a", "b")
	cfg.Pipelines = append(cfg.Pipelines, PipelineDef{ID: "b", Rules: []RuleDef{{
		Matchers: []MatcherSpec{{Type: "any"}},
		Actions:  []ActionSpec{{Type: "jump_to_pipeline", Raw: []byte(`{"type":"jump_to_pipeline","pipeline":"a"}`)}},
	}}})
	_, err := CompileConfig(cfg, "")
	assert.NoError(t, err, "jump_to_pipeline cycles are bounded at runtime by response_jump_limit, not rejected at compile time")
}

func TestValidatePipelineGraphRejectsUnknownSelectTarget(t *testing.T) {
	cfg := minimalConfig()
	cfg.PipelineSelect = []PipelineSelectRule{{Pipeline: "ghost", Matchers: []MatcherSpec{{Type: "any"}}}}
	_, err := CompileConfig(cfg, "")
	assert.Error(t, err)
}
