// Package policy implements the device-policy engine (spec §4.4): a
// per-attribute pipeline of functions applied to outbound messages
// before they reach the dispatcher's queue.
package policy

import (
	"fmt"
	"sync"

	"devicegateway/internal/model"
	"devicegateway/internal/persistence"
)

// Function is a single pipeline stage, implementing the
// Device-Function Registry's three operations (spec §2, §4.4):
//
//   - Apply evaluates a new input message, updating state.
//   - Get forces whatever the function's accumulated state is ready to
//     produce right now, independent of the input message driving it
//     (a window whose boundary just passed, a batch whose batchTime
//     elapsed) — called by the engine whenever Apply itself produced
//     nothing, so a window/batch can still fire on the tick that
//     crosses its boundary even though that tick's own message doesn't
//     individually satisfy the function.
//   - Reset discards accumulated state, e.g. for the administrative
//     reset resource or when a policy is removed.
type Function interface {
	// ID is the canonical function id, e.g. "filter", "mean", "batchBy".
	ID() string
	// Apply evaluates one input message against this function's
	// parameters and prior state.
	Apply(params map[string]interface{}, state State, msg *model.Message) (out []*model.Message, next State, err error)
	// Get forces an emission from accumulated state without new input.
	Get(params map[string]interface{}, state State, msg *model.Message) (out []*model.Message, next State, err error)
	// Reset clears accumulated state.
	Reset(state State) State
}

// State is opaque per-instance function state (window buckets, batch
// accumulators, last-seen values for dedup) round-tripped by callers
// across invocations; concrete functions type-assert it to their own
// state type.
type State interface{}

// Registry is the Device-Function Registry (spec §4.4): the set of
// functions available to build policy pipelines from.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewRegistry builds a registry pre-populated with the canonical
// function set (spec §4.4's function table). store and endpointID back
// batchBy's accumulator persistence (spec §6's BATCH_BY table); store
// may be nil in tests that never exercise restart durability.
func NewRegistry(store *persistence.Store, endpointID string) *Registry {
	r := &Registry{functions: make(map[string]Function)}
	for _, fn := range []Function{
		filterFunction{},
		computedMetricFunction{},
		sampleQualityFunction{},
		aggregateFunction{op: aggMean},
		aggregateFunction{op: aggMin},
		aggregateFunction{op: aggMax},
		batchByFunction{store: store, endpointID: endpointID},
		detectDuplicatesFunction{},
		eliminateDuplicatesFunction{},
		alertConditionFunction{},
		privacyPolicyFunction{},
	} {
		r.Register(fn)
	}
	return r
}

// Register adds or replaces a function implementation.
func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[fn.ID()] = fn
}

// Lookup resolves a function by id.
func (r *Registry) Lookup(id string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[id]
	if !ok {
		return nil, fmt.Errorf("policy: unknown function %q", id)
	}
	return fn, nil
}
