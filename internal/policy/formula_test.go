package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegateway/internal/model"
)

func sampleMessage(t *testing.T, data map[string]interface{}) *model.Message {
	t.Helper()
	msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityMedium, model.ReliabilityBestEffort,
		time.Now(), model.TypeData, model.Payload{Format: "urn:format:test", Data: data})
	require.NoError(t, err)
	return msg
}

func TestEvaluateFormulaArithmetic(t *testing.T) {
	msg := sampleMessage(t, map[string]interface{}{"temp": 20.0, "offset": 5.0})
	v, err := EvaluateFormula("temp + offset * 2", msg)
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
}

func TestEvaluateConditionComparisonAndLogic(t *testing.T) {
	msg := sampleMessage(t, map[string]interface{}{"temp": 95.0})
	ok, err := EvaluateCondition("temp > 90 && temp < 100", msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateConditionParentheses(t *testing.T) {
	msg := sampleMessage(t, map[string]interface{}{"temp": 10.0})
	ok, err := EvaluateCondition("(temp + 5) == 15", msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateFormulaUnknownFieldErrors(t *testing.T) {
	msg := sampleMessage(t, map[string]interface{}{"temp": 10.0})
	_, err := EvaluateFormula("missing + 1", msg)
	assert.Error(t, err)
}

func TestEvaluateFormulaDivisionByZero(t *testing.T) {
	msg := sampleMessage(t, map[string]interface{}{"x": 1.0, "zero": 0.0})
	_, err := EvaluateFormula("x / zero", msg)
	assert.Error(t, err)
}
