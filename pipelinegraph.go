package kixdns

import (
	"fmt"

	"github.com/heimdalr/dag"
)

// pipelineNode is the dag.IDInterface implementation for one pipeline
// vertex, grounded on cmd/routedns/main.go's Node/dag.IDInterface pairing
// used there to order resolver/group/router instantiation. Here the graph
// serves a validation role instead of an instantiation order: pipelines
// have no inter-dependent construction, only reference integrity to check.
type pipelineNode struct {
	id string
}

func (n pipelineNode) ID() string { return n.id }

// validatePipelineGraph builds a DAG with one vertex per pipeline, adding
// an edge for every jump_to_pipeline action (request or response phase);
// pipeline_select entries are checked by name and get no vertex. It
// fails only on a dangling reference (a pipeline_select or jump_to_pipeline
// target that names no pipeline). jump_to_pipeline targets are allowed to
// cycle: response_jump_limit bounds them at runtime instead, so the graph
// is built for reference-integrity checking and diagnostics only, never for
// rejecting a cycle.
func validatePipelineGraph(rtc *RuntimePipelineConfig) error {
	graph := dag.NewDAG()

	for id := range rtc.Pipelines {
		if _, err := graph.AddVertex(pipelineNode{id}); err != nil {
			return fmt.Errorf("pipeline graph: %w", err)
		}
	}

	for _, sel := range rtc.Select {
		if _, ok := rtc.Pipelines[sel.Pipeline]; !ok {
			return fmt.Errorf("pipeline_select references unknown pipeline %q", sel.Pipeline)
		}
	}

	for id, cp := range rtc.Pipelines {
		targets := map[string]struct{}{}
		for _, rule := range cp.Rules {
			collectJumpTargets(rule.Actions, targets)
			collectJumpTargets(rule.ResponseActionsOnMatch, targets)
			collectJumpTargets(rule.ResponseActionsOnMiss, targets)
		}
		for target := range targets {
			if _, ok := rtc.Pipelines[target]; !ok {
				return fmt.Errorf("pipeline %q: jump_to_pipeline references unknown pipeline %q", id, target)
			}
			if target == id {
				continue // self-jump: no edge to add, the engine's jump-depth limit guards it
			}
			// AddEdge is used only to record the reference for diagnostics; both
			// endpoints are already known to exist, so any error here is a cycle
			// (or a duplicate edge), which is a valid, load-bearing jump chain.
			_ = graph.AddEdge(id, target)
		}
	}

	return nil
}

func collectJumpTargets(actions []compiledAction, out map[string]struct{}) {
	for _, a := range actions {
		if a.kind == actionJumpToPipeline {
			out[a.pipelineID] = struct{}{}
		}
	}
}
