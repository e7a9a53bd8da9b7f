// Package trust exposes the Trusted-Assets capability set consumed by
// the transport and activation layers. The on-disk asset format is out
// of scope (spec.md §1): this package defines the interface and one
// in-memory implementation, which NewFileStore can also load from a
// JSON file, used for local operation and tests.
package trust

import "crypto/rsa"

// Store is the capability set described in spec §2: read-only
// accessors and signing operations, plus the two activation-state
// mutators SetEndPointCredentials and Reset.
//
// It is owned exclusively by the device-side runtime; the concrete
// provisioning/format concerns of an external trusted-assets file are
// not modeled here, only the interface the core consumes.
type Store interface {
	ServerScheme() string
	Host() string
	Port() int
	ClientID() string
	EndpointID() (string, bool)
	PublicKey() *rsa.PublicKey
	SharedSecret() []byte

	// SignWithPrivateKey signs data with the device's private key using
	// the named algorithm (e.g. "SHA256withRSA").
	SignWithPrivateKey(data []byte, alg string) ([]byte, error)
	// SignWithSharedSecret HMACs hardwareID followed by data with the
	// store's own shared secret (used for indirect activation).
	SignWithSharedSecret(data []byte, alg, hardwareID string) ([]byte, error)

	// SetEndPointCredentials persists the endpoint ID (and optional
	// certificate) assigned by the server during activation.
	SetEndPointCredentials(endpointID string, certificate []byte) error
	// Reset clears activation state, returning the store to its
	// provisioned (pre-activation) condition.
	Reset() error
}
