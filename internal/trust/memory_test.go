package trust

import (
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *MemoryStore {
	t.Helper()
	key, err := GeneratePrivateKey(2048)
	require.NoError(t, err)
	return NewMemoryStore("mqtts", "iot.example.com", 8883, "urn:device:1", []byte("shared-secret"), key)
}

func TestSignWithPrivateKeyProducesVerifiableSignature(t *testing.T) {
	store := testStore(t)
	data := []byte("hello activation")

	sig, err := store.SignWithPrivateKey(data, "SHA256withRSA")
	require.NoError(t, err)

	hashed := sha256.Sum256(data)
	err = rsa.VerifyPKCS1v15(store.PublicKey(), sha256CryptoHash, hashed[:], sig)
	assert.NoError(t, err)
}

func TestSignWithSharedSecretIsDeterministic(t *testing.T) {
	store := testStore(t)
	sig1, err := store.SignWithSharedSecret([]byte("payload"), "HmacSHA256", "hw-1")
	require.NoError(t, err)
	sig2, err := store.SignWithSharedSecret([]byte("payload"), "HmacSHA256", "hw-1")
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}

func TestSetEndPointCredentialsAndReset(t *testing.T) {
	store := testStore(t)

	_, ok := store.EndpointID()
	assert.False(t, ok)

	require.NoError(t, store.SetEndPointCredentials("urn:endpoint:1", []byte("cert")))
	id, ok := store.EndpointID()
	assert.True(t, ok)
	assert.Equal(t, "urn:endpoint:1", id)

	require.NoError(t, store.Reset())
	_, ok = store.EndpointID()
	assert.False(t, ok)
}

func TestSignWithPrivateKeyWithoutKeyErrors(t *testing.T) {
	store := NewMemoryStore("mqtts", "host", 8883, "urn:device:2", nil, nil)
	_, err := store.SignWithPrivateKey([]byte("data"), "SHA256withRSA")
	assert.Error(t, err)
}
