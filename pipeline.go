package kixdns

import "fmt"

// CompiledRule is one rule after matcher/action compilation, ready for the
// engine to evaluate without any further JSON handling.
type CompiledRule struct {
	Name                   string
	Matchers               []requestMatcher
	Operator               MatchOperator
	Actions                []compiledAction
	ResponseMatchers       []responseMatcher
	ResponseOperator       MatchOperator
	ResponseActionsOnMatch []compiledAction
	ResponseActionsOnMiss  []compiledAction
}

// CompiledPipeline is an ordered list of compiled rules under one pipeline
// id.
type CompiledPipeline struct {
	ID    string
	Rules []CompiledRule
}

// CompiledSelectRule picks a pipeline id for requests matching its
// predicate, evaluated in file order; the first match wins.
type CompiledSelectRule struct {
	Pipeline string
	Matchers []requestMatcher
	Operator MatchOperator
}

// RuntimePipelineConfig is the immutable, fully compiled configuration
// snapshot the engine reads. New snapshots replace old ones via
// atomic.Pointer; a snapshot already referenced by an in-flight request is
// never mutated (§5).
type RuntimePipelineConfig struct {
	Settings  GlobalSettings
	Select    []CompiledSelectRule
	Pipelines map[string]*CompiledPipeline

	// PipelineOrder preserves config-file declaration order, used only to pick
	// the built-in default pipeline (§4.2) when no pipeline_select rule
	// matches. Unset on a hand-built RuntimePipelineConfig is fine: the
	// single-pipeline fallback in selectPipeline doesn't need it.
	PipelineOrder []string
}

// CompileConfig turns a decoded PipelineConfig into a RuntimePipelineConfig,
// compiling every matcher and action and validating the pipeline reference
// graph (jump_to_pipeline and pipeline_select targets) via
// pipelinegraph.go. The caller decides what a failure means: abort on
// startup, keep the previous snapshot on reload.
func CompileConfig(cfg *PipelineConfig, geoDBPath string) (*RuntimePipelineConfig, error) {
	cc := &compileCtx{geoDBPath: geoDBPath}

	pipelines := make(map[string]*CompiledPipeline, len(cfg.Pipelines))
	order := make([]string, 0, len(cfg.Pipelines))
	for _, pdef := range cfg.Pipelines {
		if pdef.ID == "" {
			return nil, newErr(ErrConfig, "pipeline with empty id")
		}
		if _, dup := pipelines[pdef.ID]; dup {
			return nil, newErr(ErrConfig, "duplicate pipeline id %q", pdef.ID)
		}
		cp, err := compilePipeline(cc, pdef)
		if err != nil {
			return nil, newErr(ErrConfig, "pipeline %q: %v", pdef.ID, err)
		}
		pipelines[pdef.ID] = cp
		order = append(order, pdef.ID)
	}

	selectRules := make([]CompiledSelectRule, 0, len(cfg.PipelineSelect))
	for i, sel := range cfg.PipelineSelect {
		if sel.Pipeline == "" {
			return nil, newErr(ErrConfig, "pipeline_select[%d] missing pipeline id", i)
		}
		op, err := normalizeOperator(sel.MatcherOperator)
		if err != nil {
			return nil, newErr(ErrConfig, "pipeline_select[%d]: %v", i, err)
		}
		matchers, err := compileMatcherList(cc, sel.Matchers)
		if err != nil {
			return nil, newErr(ErrConfig, "pipeline_select[%d]: %v", i, err)
		}
		selectRules = append(selectRules, CompiledSelectRule{Pipeline: sel.Pipeline, Matchers: matchers, Operator: op})
	}

	rtc := &RuntimePipelineConfig{Settings: cfg.Settings, Select: selectRules, Pipelines: pipelines, PipelineOrder: order}

	if err := validatePipelineGraph(rtc); err != nil {
		return nil, newErr(ErrConfig, "%v", err)
	}

	return rtc, nil
}

func compilePipeline(cc *compileCtx, pdef PipelineDef) (*CompiledPipeline, error) {
	cp := &CompiledPipeline{ID: pdef.ID, Rules: make([]CompiledRule, 0, len(pdef.Rules))}
	for i, rdef := range pdef.Rules {
		cr, err := compileRule(cc, rdef)
		if err != nil {
			return nil, fmt.Errorf("rule[%d] %q: %w", i, rdef.Name, err)
		}
		cp.Rules = append(cp.Rules, cr)
	}
	return cp, nil
}

func compileRule(cc *compileCtx, rdef RuleDef) (CompiledRule, error) {
	op, err := normalizeOperator(rdef.MatcherOperator)
	if err != nil {
		return CompiledRule{}, err
	}
	matchers, err := compileMatcherList(cc, rdef.Matchers)
	if err != nil {
		return CompiledRule{}, err
	}
	actions, err := compileActionList(rdef.Actions)
	if err != nil {
		return CompiledRule{}, err
	}

	respOp, err := normalizeOperator(rdef.ResponseMatcherOp)
	if err != nil {
		return CompiledRule{}, err
	}
	respMatchers, err := compileResponseMatcherList(rdef.ResponseMatchers)
	if err != nil {
		return CompiledRule{}, err
	}
	onMatch, err := compileActionList(rdef.ResponseActionsOnMatch)
	if err != nil {
		return CompiledRule{}, err
	}
	onMiss, err := compileActionList(rdef.ResponseActionsOnMiss)
	if err != nil {
		return CompiledRule{}, err
	}

	return CompiledRule{
		Name:                   rdef.Name,
		Matchers:               matchers,
		Operator:               op,
		Actions:                actions,
		ResponseMatchers:       respMatchers,
		ResponseOperator:       respOp,
		ResponseActionsOnMatch: onMatch,
		ResponseActionsOnMiss:  onMiss,
	}, nil
}
