package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicegateway/internal/model"
)

func TestEngineFilterDropsNonMatchingMessages(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	engine.SetPolicy(&model.DevicePolicy{
		ID:             "p1",
		DeviceModelURN: "urn:model:1",
		Enabled:        true,
		Pipelines: map[string][]model.PolicyFunction{
			"temp": {{ID: "filter", Parameters: map[string]interface{}{"condition": "temp > 50"}}},
		},
	})

	low := sampleMessage(t, map[string]interface{}{"temp": 10.0})
	out, err := engine.Apply("p1", low)
	require.NoError(t, err)
	assert.Empty(t, out)

	high := sampleMessage(t, map[string]interface{}{"temp": 90.0})
	out, err = engine.Apply("p1", high)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestEngineAlertConditionPromotesMessage(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	engine.SetPolicy(&model.DevicePolicy{
		ID:      "p2",
		Enabled: true,
		Pipelines: map[string][]model.PolicyFunction{
			"temp": {{ID: "alertCondition", Parameters: map[string]interface{}{"condition": "temp > 80", "severity": "CRITICAL"}}},
		},
	})

	msg := sampleMessage(t, map[string]interface{}{"temp": 95.0})
	out, err := engine.Apply("p2", msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.TypeAlert, out[0].Type)
	assert.Equal(t, model.SeverityCritical, out[0].Payload.Severity)
}

func TestEngineMeanEmitsOnlyAtWindowBoundary(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	engine.SetPolicy(&model.DevicePolicy{
		ID:      "p3",
		Enabled: true,
		Pipelines: map[string][]model.PolicyFunction{
			"temp": {{ID: "mean", Parameters: map[string]interface{}{"field": "temp", "window": 60.0, "slide": 60.0}}},
		},
	})

	t0 := time.Now()
	msgAt := func(offset time.Duration, v float64) *model.Message {
		msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityMedium, model.ReliabilityBestEffort,
			t0.Add(offset), model.TypeData, model.Payload{Format: "urn:format:test", Data: map[string]interface{}{"temp": v}})
		require.NoError(t, err)
		return msg
	}

	out, err := engine.Apply("p3", msgAt(0, 10))
	require.NoError(t, err)
	assert.Empty(t, out, "no emission until the window's first boundary is crossed")

	out, err = engine.Apply("p3", msgAt(30*time.Second, 20))
	require.NoError(t, err)
	assert.Empty(t, out, "still inside the first window")

	out, err = engine.Apply("p3", msgAt(70*time.Second, 30))
	require.NoError(t, err)
	require.Len(t, out, 1, "crossing t0+60s must emit exactly one aggregate")
	mean, ok := out[0].Payload.Data["temp.mean"].(float64)
	require.True(t, ok)
	assert.Equal(t, 15.0, mean, "the 10 and 20 samples both fall in the bucket covering [t0, t0+60s), averaged once that bucket's window closes")
}

func TestEngineUnknownPolicyPassesThrough(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	msg := sampleMessage(t, map[string]interface{}{"temp": 1.0})
	out, err := engine.Apply("nonexistent", msg)
	require.NoError(t, err)
	assert.Equal(t, []*model.Message{msg}, out)
}

func TestEngineRunsEveryPresentAttributePipeline(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	engine.SetPolicy(&model.DevicePolicy{
		ID:      "p4",
		Enabled: true,
		Pipelines: map[string][]model.PolicyFunction{
			"temp":     {{ID: "computedMetric", Parameters: map[string]interface{}{"formula": "temp * 2", "name": "temp2x"}}},
			"humidity": {{ID: "computedMetric", Parameters: map[string]interface{}{"formula": "humidity + 1", "name": "humidity1"}}},
		},
	})

	msg := sampleMessage(t, map[string]interface{}{"temp": 10.0, "humidity": 40.0})
	out, err := engine.Apply("p4", msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 20.0, out[0].Payload.Data["temp2x"])
	assert.Equal(t, 41.0, out[0].Payload.Data["humidity1"])
}

func TestEngineComputedMetricTriggerFiresWithoutTheFieldItself(t *testing.T) {
	engine := NewEngine(zap.NewNop(), NewRegistry(nil, "urn:endpoint:test"))
	engine.SetPolicy(&model.DevicePolicy{
		ID:      "p5",
		Enabled: true,
		Pipelines: map[string][]model.PolicyFunction{
			"t": {{ID: "filter", Parameters: map[string]interface{}{"condition": "t > 0"}}},
			"f": {{ID: "computedMetric", Parameters: map[string]interface{}{"formula": "t * 2", "name": "f"}}},
		},
		ComputedMetricTriggers: map[string][]string{"f": {"t"}},
	})

	msg := sampleMessage(t, map[string]interface{}{"t": 3.0})
	out, err := engine.Apply("p5", msg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3.0, out[0].Payload.Data["t"])
	assert.Equal(t, 6.0, out[0].Payload.Data["f"])
}
