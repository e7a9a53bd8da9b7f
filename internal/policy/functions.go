package policy

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"devicegateway/internal/model"
	"devicegateway/internal/persistence"
)

func numericValue(msg *model.Message, field string) (float64, bool) {
	v, ok := msg.Payload.Data[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// passthrough is embedded by functions with no time-driven accumulator:
// Get never forces an emission and Reset simply drops any state.
type passthrough struct{}

func (passthrough) Get(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	return nil, state, nil
}

func (passthrough) Reset(state State) State { return nil }

// filterFunction drops messages that do not satisfy a boolean formula
// over the message fields (spec §4.4 "filter").
type filterFunction struct{ passthrough }

func (filterFunction) ID() string { return "filter" }

func (filterFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	expr, _ := params["condition"].(string)
	if expr == "" {
		return []*model.Message{msg}, state, nil
	}
	keep, err := EvaluateCondition(expr, msg)
	if err != nil {
		return nil, state, fmt.Errorf("policy: filter: %w", err)
	}
	if !keep {
		return nil, state, nil
	}
	return []*model.Message{msg}, state, nil
}

// computedMetricFunction derives a new field from a formula over
// existing fields and inserts it into the message payload (spec §4.4
// "computedMetric").
type computedMetricFunction struct{ passthrough }

func (computedMetricFunction) ID() string { return "computedMetric" }

func (computedMetricFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	formula, _ := params["formula"].(string)
	name, _ := params["name"].(string)
	if formula == "" || name == "" {
		return []*model.Message{msg}, state, nil
	}
	value, err := EvaluateFormula(formula, msg)
	if err != nil {
		return nil, state, fmt.Errorf("policy: computedMetric: %w", err)
	}
	clone := *msg
	clone.Payload.Data = cloneData(msg.Payload.Data)
	clone.Payload.Data[name] = value
	return []*model.Message{&clone}, state, nil
}

// sampleQualityFunction probabilistically keeps a message: a message
// survives when a uniform [0,1) draw is below rate (spec §4.4
// "sampleQuality", param "rate").
type sampleQualityFunction struct{ passthrough }

func (sampleQualityFunction) ID() string { return "sampleQuality" }

func (sampleQualityFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	rate, _ := params["rate"].(float64)
	if rate <= 0 {
		return nil, state, nil
	}
	if rate >= 1 || rand.Float64() < rate {
		return []*model.Message{msg}, state, nil
	}
	return nil, state, nil
}

// aggOp names which bucketed-window reduction an aggregateFunction
// instance performs.
type aggOp int

const (
	aggMean aggOp = iota
	aggMin
	aggMax
)

func (op aggOp) String() string {
	switch op {
	case aggMean:
		return "mean"
	case aggMin:
		return "min"
	case aggMax:
		return "max"
	default:
		return "unknown"
	}
}

func reduce(op aggOp, values []float64) float64 {
	switch op {
	case aggMean:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case aggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case aggMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		return 0
	}
}

// windowState is the bucketed sliding-window accumulator state shared
// by mean/min/max (spec §4.4): buckets sized to gcd(window, slide), an
// anchor t0 fixing the window's phase, and lastBoundary recording the
// last t0+k*W for which an aggregate was emitted so emission only
// happens once per boundary crossing, not on every input message.
type windowState struct {
	bucketWidth  time.Duration
	window       time.Duration
	buckets      map[int64][]float64
	t0           int64
	lastBoundary int64
}

func newWindowState(window, slide time.Duration, anchor int64) *windowState {
	return &windowState{
		bucketWidth:  gcdDuration(window, slide),
		window:       window,
		buckets:      make(map[int64][]float64),
		t0:           anchor,
		lastBoundary: anchor,
	}
}

func gcdDuration(a, b time.Duration) time.Duration {
	x, y := int64(a), int64(b)
	for y != 0 {
		x, y = y, x%y
	}
	if x <= 0 {
		return time.Second
	}
	return time.Duration(x)
}

// boundaryFor returns the latest t0+k*W not after at.
func boundaryFor(t0 int64, window time.Duration, at int64) int64 {
	w := window.Milliseconds()
	if w <= 0 {
		return t0
	}
	k := (at - t0) / w
	if k < 0 {
		k = 0
	}
	return t0 + k*w
}

// bucketIndex maps an event time to a bucket number relative to the
// window's anchor t0, so bucket boundaries line up with the
// t0-relative window boundaries regardless of how t0 itself falls
// against the wall-clock epoch.
func bucketIndex(ws *windowState, eventTime int64) int64 {
	return (eventTime - ws.t0) / ws.bucketWidth.Milliseconds()
}

func bucketStart(ws *windowState, bucket int64) int64 {
	return ws.t0 + bucket*ws.bucketWidth.Milliseconds()
}

func pruneBuckets(ws *windowState, boundary int64) {
	lower := boundary - ws.window.Milliseconds()
	for b := range ws.buckets {
		if bucketStart(ws, b) < lower {
			delete(ws.buckets, b)
		}
	}
}

// aggregateFunction implements mean/min/max over a bucketed sliding
// window: apply accumulates the incoming value into its bucket, and
// only emits the reduction once a window boundary (t0+k*W) has been
// crossed, over buckets in [boundary-window, boundary) — the bucket
// that itself starts at the boundary belongs to the next window, not
// the one just closed.
type aggregateFunction struct{ op aggOp }

func (a aggregateFunction) ID() string { return a.op.String() }

func (a aggregateFunction) windowParams(params map[string]interface{}) (time.Duration, time.Duration) {
	windowSec, _ := params["window"].(float64)
	slideSec, _ := params["slide"].(float64)
	if windowSec <= 0 {
		windowSec = slideSec
	}
	if slideSec <= 0 {
		slideSec = windowSec
	}
	if windowSec <= 0 {
		windowSec = 60
		slideSec = 60
	}
	return time.Duration(windowSec * float64(time.Second)), time.Duration(slideSec * float64(time.Second))
}

func (a aggregateFunction) stateFor(state State, params map[string]interface{}, msg *model.Message) *windowState {
	window, slide := a.windowParams(params)
	ws, ok := state.(*windowState)
	if !ok || ws == nil {
		ws = newWindowState(window, slide, msg.EventTime)
	}
	return ws
}

func (a aggregateFunction) emit(ws *windowState, field string, boundary int64, msg *model.Message) []*model.Message {
	lower := boundary - ws.window.Milliseconds()
	var all []float64
	for b, vs := range ws.buckets {
		start := bucketStart(ws, b)
		if start >= lower && start < boundary {
			all = append(all, vs...)
		}
	}
	if len(all) == 0 {
		return nil
	}
	clone := *msg
	clone.Payload.Data = cloneData(msg.Payload.Data)
	clone.Payload.Data[field+"."+a.op.String()] = reduce(a.op, all)
	return []*model.Message{&clone}
}

func (a aggregateFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	field, _ := params["field"].(string)
	ws := a.stateFor(state, params, msg)

	if value, ok := numericValue(msg, field); ok {
		bucket := bucketIndex(ws, msg.EventTime)
		ws.buckets[bucket] = append(ws.buckets[bucket], value)
	}

	boundary := boundaryFor(ws.t0, ws.window, msg.EventTime)
	if boundary <= ws.lastBoundary {
		return nil, ws, nil
	}

	out := a.emit(ws, field, boundary, msg)
	ws.lastBoundary = boundary
	pruneBuckets(ws, boundary)
	return out, ws, nil
}

// Get forces the window-expiry emission check without recording a new
// value, for the tick where Apply's own input didn't carry the
// numeric field but the window boundary has still been crossed.
func (a aggregateFunction) Get(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	ws, ok := state.(*windowState)
	if !ok || ws == nil {
		return nil, state, nil
	}
	field, _ := params["field"].(string)

	boundary := boundaryFor(ws.t0, ws.window, msg.EventTime)
	if boundary <= ws.lastBoundary {
		return nil, ws, nil
	}

	out := a.emit(ws, field, boundary, msg)
	ws.lastBoundary = boundary
	pruneBuckets(ws, boundary)
	return out, ws, nil
}

func (a aggregateFunction) Reset(state State) State { return nil }

// batchState is the in-memory mirror of a batchBy accumulator; messages
// also round-trips through store (when non-nil) so the accumulator
// survives a process restart (spec §6's BATCH_BY table).
type batchState struct {
	messages []*model.Message
	firstAt  int64
	restored bool
}

// batchByFunction accumulates messages until a count or time threshold
// is reached, then emits them as one combined message (spec §4.4
// "batchBy", params "batchCount"/"batchTime").
type batchByFunction struct {
	store      *persistence.Store
	endpointID string
}

func (batchByFunction) ID() string { return "batchBy" }

func (f batchByFunction) bucketKey(params map[string]interface{}) string {
	id, _ := params["bucketId"].(string)
	if id == "" {
		id = "default"
	}
	return f.endpointID + ":" + id
}

func (f batchByFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	bs, _ := state.(*batchState)
	if bs == nil {
		bs = &batchState{}
	}
	key := f.bucketKey(params)

	if !bs.restored {
		bs.restored = true
		if f.store != nil {
			saved, err := f.store.LoadBatch(key)
			if err != nil {
				return nil, bs, fmt.Errorf("policy: batchBy restore: %w", err)
			}
			bs.messages = append(bs.messages, saved...)
		}
	}

	if len(bs.messages) == 0 {
		bs.firstAt = msg.EventTime
	}
	bs.messages = append(bs.messages, msg)

	if f.store != nil {
		if err := f.store.SaveBatchMessage(key, msg.ClientID, msg); err != nil {
			return nil, bs, fmt.Errorf("policy: batchBy persist: %w", err)
		}
	}

	batchCount, _ := params["batchCount"].(float64)
	if batchCount <= 0 {
		batchCount = 10
	}
	batchTimeSec, _ := params["batchTime"].(float64)

	countReached := len(bs.messages) >= int(batchCount)
	timeReached := batchTimeSec > 0 && msg.EventTime-bs.firstAt >= int64(batchTimeSec*1000)

	if !countReached && !timeReached {
		return nil, bs, nil
	}
	return f.flush(bs, msg, key)
}

// Get forces a batchTime-based flush on a tick whose own message
// doesn't drive Apply's accumulation (e.g. a different attribute's
// pipeline ran instead), matching spec §4.4's "get: aggregate at window
// expiry" duality for batchBy's time trigger.
func (f batchByFunction) Get(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	bs, _ := state.(*batchState)
	if bs == nil || len(bs.messages) == 0 {
		return nil, state, nil
	}
	batchTimeSec, _ := params["batchTime"].(float64)
	if batchTimeSec <= 0 {
		return nil, state, nil
	}
	if msg.EventTime-bs.firstAt < int64(batchTimeSec*1000) {
		return nil, state, nil
	}
	return f.flush(bs, msg, f.bucketKey(params))
}

func (f batchByFunction) flush(bs *batchState, msg *model.Message, key string) ([]*model.Message, State, error) {
	batched := *msg
	batched.Payload.Data = map[string]interface{}{"batch": bs.messages}
	if f.store != nil {
		if err := f.store.ClearBatch(key); err != nil {
			return nil, &batchState{restored: true}, fmt.Errorf("policy: batchBy clear: %w", err)
		}
	}
	return []*model.Message{&batched}, &batchState{restored: true}, nil
}

func (f batchByFunction) Reset(state State) State {
	if f.store != nil {
		_ = f.store.ClearBatch(f.bucketKey(nil))
	}
	return &batchState{restored: true}
}

// dedupState tracks the last-seen signature for detect/eliminate
// duplicates.
type dedupState struct {
	lastSignature string
}

func signatureOf(msg *model.Message) string {
	return fmt.Sprintf("%v", msg.Payload.Data)
}

// detectDuplicatesFunction tags a message with a "duplicate" flag
// without dropping it (spec §4.4 "detectDuplicates").
type detectDuplicatesFunction struct{ passthrough }

func (detectDuplicatesFunction) ID() string { return "detectDuplicates" }

func (detectDuplicatesFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	ds, _ := state.(*dedupState)
	if ds == nil {
		ds = &dedupState{}
	}
	sig := signatureOf(msg)
	clone := *msg
	clone.Payload.Data = cloneData(msg.Payload.Data)
	clone.Payload.Data["duplicate"] = sig == ds.lastSignature
	ds.lastSignature = sig
	return []*model.Message{&clone}, ds, nil
}

// eliminateDuplicatesFunction drops a message identical to the
// previous one in this pipeline (spec §4.4 "eliminateDuplicates").
type eliminateDuplicatesFunction struct{ passthrough }

func (eliminateDuplicatesFunction) ID() string { return "eliminateDuplicates" }

func (eliminateDuplicatesFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	ds, _ := state.(*dedupState)
	if ds == nil {
		ds = &dedupState{}
	}
	sig := signatureOf(msg)
	if sig == ds.lastSignature {
		return nil, ds, nil
	}
	ds.lastSignature = sig
	return []*model.Message{msg}, ds, nil
}

// alertConditionFunction promotes a DATA message to an ALERT when a
// boolean formula over its fields is true (spec §4.4 "alertCondition").
type alertConditionFunction struct{ passthrough }

func (alertConditionFunction) ID() string { return "alertCondition" }

func (alertConditionFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	expr, _ := params["condition"].(string)
	if expr == "" {
		return []*model.Message{msg}, state, nil
	}
	triggered, err := EvaluateCondition(expr, msg)
	if err != nil {
		return nil, state, fmt.Errorf("policy: alertCondition: %w", err)
	}
	if !triggered {
		return []*model.Message{msg}, state, nil
	}
	clone := *msg
	clone.Type = model.TypeAlert
	clone.Payload.Data = cloneData(msg.Payload.Data)
	if severity, ok := params["severity"].(string); ok {
		clone.Payload.Severity = model.AlertSeverity(severity)
	} else {
		clone.Payload.Severity = model.SeverityNormal
	}
	return []*model.Message{&clone}, state, nil
}

// privacyPolicyFunction always passes a message through, redacting
// values per a privacy level (spec §4.4 "privacyPolicy", param
// "level"): "apply" is unconditionally true, and the values visible
// downstream are the redacted ones, not suppressed fields.
type privacyPolicyFunction struct{ passthrough }

func (privacyPolicyFunction) ID() string { return "privacyPolicy" }

func (privacyPolicyFunction) Apply(params map[string]interface{}, state State, msg *model.Message) ([]*model.Message, State, error) {
	clone := *msg
	clone.Payload.Data = redactForLevel(msg.Payload.Data, privacyLevel(params))
	return []*model.Message{&clone}, state, nil
}

func privacyLevel(params map[string]interface{}) string {
	switch v := params["level"].(type) {
	case string:
		return strings.ToUpper(v)
	case float64:
		switch int(v) {
		case 0:
			return "NONE"
		case 1:
			return "LOW"
		case 2:
			return "MEDIUM"
		default:
			return "HIGH"
		}
	default:
		return "NONE"
	}
}

func redactForLevel(data map[string]interface{}, level string) map[string]interface{} {
	out := cloneData(data)
	switch level {
	case "NONE", "":
		return out
	case "LOW":
		for k, v := range out {
			if n, ok := v.(float64); ok {
				out[k] = math.Round(n/10) * 10
			}
		}
	case "MEDIUM":
		for k, v := range out {
			switch val := v.(type) {
			case float64:
				out[k] = math.Round(val/100) * 100
			case string:
				out[k] = maskString(val)
			}
		}
	default: // HIGH
		for k := range out {
			out[k] = "REDACTED"
		}
	}
	return out
}

func maskString(s string) string {
	if len(s) <= 1 {
		return "*"
	}
	return string(s[0]) + strings.Repeat("*", len(s)-1)
}
