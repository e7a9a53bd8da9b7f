package trust

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestDocument(t *testing.T) string {
	t.Helper()
	key, err := GeneratePrivateKey(2048)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	doc := fileDocument{
		ServerScheme: "mqtts",
		Host:         "iot.example.com",
		Port:         8883,
		ClientID:     "urn:device:1",
		PrivateKey:   string(keyPEM),
		SharedSecret: hex.EncodeToString([]byte("shared-secret")),
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trust.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestNewFileStoreLoadsCredentials(t *testing.T) {
	path := writeTestDocument(t)
	store, err := NewFileStore(path)
	require.NoError(t, err)

	assert.Equal(t, "urn:device:1", store.ClientID())
	assert.Equal(t, "mqtts", store.ServerScheme())
	assert.NotNil(t, store.PublicKey())
	assert.Equal(t, []byte("shared-secret"), store.SharedSecret())
}

func TestNewFileStoreMissingFileErrors(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
