package trust

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

// fileDocument is the JSON shape written/read by FileStore. The two
// trusted-assets file extensions named in spec §6 are opaque formats
// owned by an external store; this document is the minimal stand-in
// used when no external store is wired, e.g. during local development.
type fileDocument struct {
	ServerScheme string `json:"serverScheme"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ClientID     string `json:"clientId"`
	EndpointID   string `json:"endpointId,omitempty"`
	PrivateKey   string `json:"privateKeyPem"`
	SharedSecret string `json:"sharedSecretHex"`
}

// NewFileStore loads a MemoryStore from a JSON document at path.
// Mutations (SetEndPointCredentials/Reset) stay in memory; the file at
// path is never written.
func NewFileStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read %s: %w", path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("trust: parse %s: %w", path, err)
	}

	var privateKey *rsa.PrivateKey
	if doc.PrivateKey != "" {
		block, _ := pem.Decode([]byte(doc.PrivateKey))
		if block == nil {
			return nil, fmt.Errorf("trust: %s: invalid PEM private key", path)
		}
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust: %s: parse private key: %w", path, err)
		}
	}

	var secret []byte
	if doc.SharedSecret != "" {
		secret, err = hex.DecodeString(doc.SharedSecret)
		if err != nil {
			return nil, fmt.Errorf("trust: %s: decode shared secret: %w", path, err)
		}
	}
	store := NewMemoryStore(doc.ServerScheme, doc.Host, doc.Port, doc.ClientID, secret, privateKey)
	if doc.EndpointID != "" {
		_ = store.SetEndPointCredentials(doc.EndpointID, nil)
	}
	return store, nil
}
