package policy

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"devicegateway/internal/model"
)

// pipelineKey identifies one running instance of a device policy's
// pipeline for a given attribute, so its Function state persists
// across messages.
type pipelineKey struct {
	policyID  string
	attribute string
}

// Engine is the Messaging Policy Engine (spec §4.4): it applies a
// device's active DevicePolicy pipelines to every outbound message
// before the dispatcher ever sees it.
type Engine struct {
	logger   *zap.Logger
	registry *Registry

	mu       sync.Mutex
	policies map[string]*model.DevicePolicy // policyID -> policy
	state    map[pipelineKey][]State        // per (policy, attribute) function chain state
}

// NewEngine builds a policy engine backed by registry.
func NewEngine(logger *zap.Logger, registry *Registry) *Engine {
	return &Engine{
		logger:   logger.Named("policy"),
		registry: registry,
		policies: make(map[string]*model.DevicePolicy),
		state:    make(map[pipelineKey][]State),
	}
}

// SetPolicy installs or replaces a device's active policy.
func (e *Engine) SetPolicy(p *model.DevicePolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.ID] = p
}

// RemovePolicy retires a device's policy, giving every still-running
// stage a chance to reset cleanly before discarding its pipeline state.
func (e *Engine) RemovePolicy(policyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[policyID]
	delete(e.policies, policyID)
	if !ok {
		return
	}
	for k, chain := range e.state {
		if k.policyID != policyID {
			continue
		}
		pipeline := p.Pipelines[k.attribute]
		for i, st := range chain {
			if i >= len(pipeline) {
				break
			}
			if fn, err := e.registry.Lookup(pipeline[i].ID); err == nil {
				fn.Reset(st)
			}
		}
		delete(e.state, k)
	}
}

// Apply runs msg through every pipeline attached to policyID: one
// attribute pipeline per (attributeName, value) present in the
// message's DATA payload, plus any attribute whose computed-metric
// triggers are all present even though the attribute itself is not yet
// populated (spec §4.4's computed-metric triggers), folded together
// with the model-wide "*" pipeline.
//
// A message with no matching pipeline passes through unchanged.
func (e *Engine) Apply(policyID string, msg *model.Message) ([]*model.Message, error) {
	e.mu.Lock()
	p, ok := e.policies[policyID]
	e.mu.Unlock()
	if !ok {
		return []*model.Message{msg}, nil
	}

	current := []*model.Message{msg}

	for _, attr := range attributesToRun(msg, p) {
		pipeline := p.AttributePipeline(attr)
		if len(pipeline) == 0 {
			continue
		}
		var next []*model.Message
		for _, m := range current {
			out, err := e.runPipeline(policyID, attr, pipeline, []*model.Message{m})
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		current = next
		if len(current) == 0 {
			return current, nil
		}
	}

	if modelPipeline := p.ModelPipeline(); len(modelPipeline) > 0 {
		var err error
		current, err = e.runPipeline(policyID, "*", modelPipeline, current)
		if err != nil {
			return nil, err
		}
	}

	return current, nil
}

// attributesToRun lists, in a deterministic order, every attribute with
// a pipeline that should evaluate for msg: every key actually present
// in its DATA payload, plus any computed-metric attribute whose
// triggeringAttrs are all satisfied by that same payload (spec §4.4's
// worked example: filter(t>0)+computedMetric(2*t) on f, with f trigged
// by t, turns {t:3} into {t:3,f:6}).
func attributesToRun(msg *model.Message, p *model.DevicePolicy) []string {
	seen := make(map[string]bool)
	var attrs []string
	for k := range msg.Payload.Data {
		seen[k] = true
		attrs = append(attrs, k)
	}
	for attr, triggers := range p.ComputedMetricTriggers {
		if seen[attr] {
			continue
		}
		allPresent := true
		for _, trigger := range triggers {
			if _, ok := msg.Payload.Data[trigger]; !ok {
				allPresent = false
				break
			}
		}
		if allPresent {
			seen[attr] = true
			attrs = append(attrs, attr)
		}
	}
	sort.Strings(attrs)
	return attrs
}

// runPipeline threads messages through every function in the pipeline
// in order, carrying each function's state across invocations keyed by
// (policyID, attribute, function index). When a stage's Apply produces
// nothing for a given input, the stage's Get is still consulted so a
// window or batch whose time boundary this same tick just crossed can
// still fire, independent of whether Apply itself matched.
func (e *Engine) runPipeline(policyID, attribute string, pipeline []model.PolicyFunction, in []*model.Message) ([]*model.Message, error) {
	key := pipelineKey{policyID: policyID, attribute: attribute}

	e.mu.Lock()
	chainState := e.state[key]
	if chainState == nil {
		chainState = make([]State, len(pipeline))
	}
	e.mu.Unlock()

	current := in
	for i, stage := range pipeline {
		fn, err := e.registry.Lookup(stage.ID)
		if err != nil {
			return nil, fmt.Errorf("policy: pipeline %s/%s stage %d: %w", policyID, attribute, i, err)
		}
		var next []*model.Message
		for _, msg := range current {
			produced, newState, err := fn.Apply(stage.Parameters, chainState[i], msg)
			if err != nil {
				return nil, fmt.Errorf("policy: pipeline %s/%s stage %d (%s): %w", policyID, attribute, i, stage.ID, err)
			}
			chainState[i] = newState

			if len(produced) == 0 {
				forced, forcedState, err := fn.Get(stage.Parameters, chainState[i], msg)
				if err != nil {
					return nil, fmt.Errorf("policy: pipeline %s/%s stage %d (%s) get: %w", policyID, attribute, i, stage.ID, err)
				}
				chainState[i] = forcedState
				produced = forced
			}

			next = append(next, produced...)
		}
		current = next
		if len(current) == 0 {
			break
		}
	}

	e.mu.Lock()
	e.state[key] = chainState
	e.mu.Unlock()

	return current, nil
}
