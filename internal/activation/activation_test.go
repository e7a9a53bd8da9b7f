package activation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicegateway/internal/transport"
	"devicegateway/internal/trust"
)

type fakePoster struct {
	responses map[string]transport.Response
	calls     []string
}

func (f *fakePoster) Post(ctx context.Context, path string, payload []byte, timeout time.Duration) (*transport.Response, error) {
	f.calls = append(f.calls, path)
	resp := f.responses[path]
	return &resp, nil
}

func newTestStore(t *testing.T) trust.Store {
	t.Helper()
	key, err := trust.GeneratePrivateKey(2048)
	require.NoError(t, err)
	return trust.NewMemoryStore("mqtts", "host", 8883, "urn:device:1", []byte("secret"), key)
}

func TestActivatePersistsEndpointCredentials(t *testing.T) {
	store := newTestStore(t)
	activator := NewActivator(zap.NewNop(), store)

	poster := &fakePoster{responses: map[string]transport.Response{
		"/activation/policy": {Status: 200, Data: mustJSON(t, map[string]interface{}{"activationSteps": []string{"direct"}, "hashAlgorithm": "SHA256", "keyAlgorithm": "RSA", "format": "X.509"})},
		"/activation/direct": {Status: 200, Data: mustJSON(t, map[string]interface{}{"endpointState": "ACTIVATED", "endpointId": "urn:endpoint:1", "certificate": []byte("cert")})},
	}}

	err := activator.Activate(context.Background(), poster, []string{"urn:model:1"})
	require.NoError(t, err)

	endpointID, ok := store.EndpointID()
	assert.True(t, ok)
	assert.Equal(t, "urn:endpoint:1", endpointID)
	assert.Equal(t, []string{"/activation/policy", "/activation/direct"}, poster.calls)
}

func TestActivateFailsOnAlreadyActivatedStatus(t *testing.T) {
	store := newTestStore(t)
	activator := NewActivator(zap.NewNop(), store)

	poster := &fakePoster{responses: map[string]transport.Response{
		"/activation/policy": {Status: 401},
	}}

	err := activator.Activate(context.Background(), poster, nil)
	assert.ErrorIs(t, err, ErrAlreadyActivated)
}

func TestActivateFailsOnNonOKDirectActivationStatus(t *testing.T) {
	store := newTestStore(t)
	activator := NewActivator(zap.NewNop(), store)

	poster := &fakePoster{responses: map[string]transport.Response{
		"/activation/policy": {Status: 200, Data: mustJSON(t, map[string]interface{}{"hashAlgorithm": "SHA256", "keyAlgorithm": "RSA", "format": "X.509"})},
		"/activation/direct": {Status: 500},
	}}

	err := activator.Activate(context.Background(), poster, nil)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.Status)
}

func TestActivateSkipsAlreadyActivatedDevice(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetEndPointCredentials("urn:endpoint:existing", nil))
	activator := NewActivator(zap.NewNop(), store)

	poster := &fakePoster{responses: map[string]transport.Response{}}
	err := activator.Activate(context.Background(), poster, nil)
	require.NoError(t, err)
	assert.Empty(t, poster.calls)
}

func TestActivateIndirectReturnsEndpointID(t *testing.T) {
	store := newTestStore(t)
	activator := NewActivator(zap.NewNop(), store)

	poster := &fakePoster{responses: map[string]transport.Response{
		"/activation/indirect/device": {Status: 200, Data: mustJSON(t, map[string]interface{}{"endpointId": "urn:endpoint:child"})},
	}}

	endpointID, err := activator.ActivateIndirect(context.Background(), poster, "hw-1", []string{"urn:model:1"})
	require.NoError(t, err)
	assert.Equal(t, "urn:endpoint:child", endpointID)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
