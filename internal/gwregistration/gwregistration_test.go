package gwregistration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicegateway/internal/activation"
	"devicegateway/internal/transport"
	"devicegateway/internal/trust"
)

type countingPoster struct {
	n int
}

func (p *countingPoster) Post(ctx context.Context, path string, payload []byte, timeout time.Duration) (*transport.Response, error) {
	p.n++
	return &transport.Response{Status: 200, Data: []byte(`{"endpointId":"urn:endpoint:attached-1"}`)}, nil
}

func TestRegisterCachesEndpointAfterFirstCall(t *testing.T) {
	key, err := trust.GeneratePrivateKey(2048)
	require.NoError(t, err)
	store := trust.NewMemoryStore("mqtts", "host", 8883, "urn:device:gw", []byte("secret"), key)
	activator := activation.NewActivator(zap.NewNop(), store)
	registry := NewRegistry(zap.NewNop(), activator)

	poster := &countingPoster{}

	id1, err := registry.Register(context.Background(), poster, "hw-1", []string{"urn:model:1"})
	require.NoError(t, err)
	assert.Equal(t, "urn:endpoint:attached-1", id1)
	assert.Equal(t, 1, poster.n)

	id2, err := registry.Register(context.Background(), poster, "hw-1", []string{"urn:model:1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, poster.n, "second registration for the same hardware id should not round-trip")
}

func TestDeregisterForgetsEndpoint(t *testing.T) {
	key, err := trust.GeneratePrivateKey(2048)
	require.NoError(t, err)
	store := trust.NewMemoryStore("mqtts", "host", 8883, "urn:device:gw", []byte("secret"), key)
	activator := activation.NewActivator(zap.NewNop(), store)
	registry := NewRegistry(zap.NewNop(), activator)

	poster := &countingPoster{}
	_, err = registry.Register(context.Background(), poster, "hw-1", nil)
	require.NoError(t, err)

	registry.Deregister("hw-1")
	_, ok := registry.EndpointFor("hw-1")
	assert.False(t, ok)
}
