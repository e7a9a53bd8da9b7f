package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicegateway/internal/model"
	"devicegateway/internal/persistence"
)

func TestSampleQualityDropsAtZeroRate(t *testing.T) {
	fn := sampleQualityFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 1.0})
	out, _, err := fn.Apply(map[string]interface{}{"rate": 0.0}, nil, msg)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSampleQualityKeepsAtFullRate(t *testing.T) {
	fn := sampleQualityFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 1.0})
	for i := 0; i < 20; i++ {
		out, _, err := fn.Apply(map[string]interface{}{"rate": 1.0}, nil, msg)
		require.NoError(t, err)
		require.Len(t, out, 1)
	}
}

func TestPrivacyPolicyNoneLeavesValuesUnchanged(t *testing.T) {
	fn := privacyPolicyFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 23.4, "name": "alice"})
	out, _, err := fn.Apply(map[string]interface{}{"level": "NONE"}, nil, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 23.4, out[0].Payload.Data["temp"])
	assert.Equal(t, "alice", out[0].Payload.Data["name"])
}

func TestPrivacyPolicyLowRoundsNumbers(t *testing.T) {
	fn := privacyPolicyFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 23.4})
	out, _, err := fn.Apply(map[string]interface{}{"level": "LOW"}, nil, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 20.0, out[0].Payload.Data["temp"])
}

func TestPrivacyPolicyMediumMasksStringsAndRoundsMore(t *testing.T) {
	fn := privacyPolicyFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 234.0, "name": "alice"})
	out, _, err := fn.Apply(map[string]interface{}{"level": "MEDIUM"}, nil, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 200.0, out[0].Payload.Data["temp"])
	assert.Equal(t, "a****", out[0].Payload.Data["name"])
}

func TestPrivacyPolicyHighRedactsEverything(t *testing.T) {
	fn := privacyPolicyFunction{}
	msg := sampleMessage(t, map[string]interface{}{"temp": 23.4, "name": "alice"})
	out, _, err := fn.Apply(map[string]interface{}{"level": "HIGH"}, nil, msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "REDACTED", out[0].Payload.Data["temp"])
	assert.Equal(t, "REDACTED", out[0].Payload.Data["name"])
}

func TestPrivacyPolicyNumericLevelMapsToName(t *testing.T) {
	assert.Equal(t, "NONE", privacyLevel(map[string]interface{}{"level": 0.0}))
	assert.Equal(t, "LOW", privacyLevel(map[string]interface{}{"level": 1.0}))
	assert.Equal(t, "MEDIUM", privacyLevel(map[string]interface{}{"level": 2.0}))
	assert.Equal(t, "HIGH", privacyLevel(map[string]interface{}{"level": 3.0}))
}

func TestBatchByFlushesAtBatchCount(t *testing.T) {
	fn := batchByFunction{endpointID: "urn:endpoint:test"}
	params := map[string]interface{}{"batchCount": 3.0}

	var state State
	for i := 0; i < 2; i++ {
		out, next, err := fn.Apply(params, state, sampleMessage(t, map[string]interface{}{"n": float64(i)}))
		require.NoError(t, err)
		assert.Empty(t, out)
		state = next
	}

	out, _, err := fn.Apply(params, state, sampleMessage(t, map[string]interface{}{"n": 2.0}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	batch, ok := out[0].Payload.Data["batch"].([]*model.Message)
	require.True(t, ok)
	assert.Len(t, batch, 3)
}

func TestBatchByFlushesAtBatchTimeViaGet(t *testing.T) {
	fn := batchByFunction{endpointID: "urn:endpoint:test"}
	params := map[string]interface{}{"batchCount": 1000.0, "batchTime": 60.0}

	t0 := time.Now()
	first := &model.Message{ClientID: "c1", EventTime: t0.UnixMilli(), Type: model.TypeData,
		Payload: model.Payload{Format: "urn:format:test", Data: map[string]interface{}{"n": 1.0}}}
	out, state, err := fn.Apply(params, nil, first)
	require.NoError(t, err)
	assert.Empty(t, out)

	tick := &model.Message{ClientID: "c2", EventTime: t0.Add(30 * time.Second).UnixMilli(), Type: model.TypeData,
		Payload: model.Payload{Format: "urn:format:test"}}
	out, state, err = fn.Get(params, state, tick)
	require.NoError(t, err)
	assert.Empty(t, out, "batchTime has not elapsed yet")

	late := &model.Message{ClientID: "c3", EventTime: t0.Add(90 * time.Second).UnixMilli(), Type: model.TypeData,
		Payload: model.Payload{Format: "urn:format:test"}}
	out, _, err = fn.Get(params, state, late)
	require.NoError(t, err)
	require.Len(t, out, 1)
	batch, ok := out[0].Payload.Data["batch"].([]*model.Message)
	require.True(t, ok)
	assert.Len(t, batch, 1)
}

func TestBatchByRestoresAccumulatorAcrossInstances(t *testing.T) {
	store, err := persistence.Open(zap.NewNop(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	params := map[string]interface{}{"batchCount": 5.0}
	fn := batchByFunction{store: store, endpointID: "urn:endpoint:test"}

	_, state, err := fn.Apply(params, nil, sampleMessage(t, map[string]interface{}{"n": 1.0}))
	require.NoError(t, err)
	_, state, err = fn.Apply(params, state, sampleMessage(t, map[string]interface{}{"n": 2.0}))
	require.NoError(t, err)

	// A fresh function instance (as after a process restart) should
	// restore the two already-accumulated messages from the store on
	// its first Apply, rather than starting from zero.
	restarted := batchByFunction{store: store, endpointID: "urn:endpoint:test"}
	out, _, err := restarted.Apply(params, nil, sampleMessage(t, map[string]interface{}{"n": 3.0}))
	require.NoError(t, err)
	assert.Empty(t, out, "batchCount of 5 not yet reached")

	saved, err := store.LoadBatch(restarted.bucketKey(params))
	require.NoError(t, err)
	assert.Len(t, saved, 3)
}
