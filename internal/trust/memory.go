package trust

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"
)

const sha256CryptoHash = crypto.SHA256

// MemoryStore is an in-process Store, used by tests and by devices
// that provision their trust material purely through configuration.
type MemoryStore struct {
	mu sync.RWMutex

	scheme       string
	host         string
	port         int
	clientID     string
	endpointID   string
	hasEndpoint  bool
	publicKey    *rsa.PublicKey
	privateKey   *rsa.PrivateKey
	sharedSecret []byte
	certificate  []byte
}

// NewMemoryStore creates a provisioned (pre-activation) store.
func NewMemoryStore(scheme, host string, port int, clientID string, sharedSecret []byte, privateKey *rsa.PrivateKey) *MemoryStore {
	s := &MemoryStore{
		scheme:       scheme,
		host:         host,
		port:         port,
		clientID:     clientID,
		sharedSecret: sharedSecret,
		privateKey:   privateKey,
	}
	if privateKey != nil {
		s.publicKey = &privateKey.PublicKey
	}
	return s
}

func (s *MemoryStore) ServerScheme() string { return s.scheme }
func (s *MemoryStore) Host() string         { return s.host }
func (s *MemoryStore) Port() int            { return s.port }
func (s *MemoryStore) ClientID() string     { return s.clientID }

func (s *MemoryStore) EndpointID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpointID, s.hasEndpoint
}

func (s *MemoryStore) PublicKey() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey
}

func (s *MemoryStore) SharedSecret() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharedSecret
}

func (s *MemoryStore) SignWithPrivateKey(data []byte, alg string) ([]byte, error) {
	s.mu.RLock()
	key := s.privateKey
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("trust: no private key provisioned")
	}
	hashed := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, sha256CryptoHash, hashed[:])
}

func (s *MemoryStore) SignWithSharedSecret(data []byte, alg, hardwareID string) ([]byte, error) {
	s.mu.RLock()
	secret := s.sharedSecret
	s.mu.RUnlock()
	if len(secret) == 0 {
		return nil, fmt.Errorf("trust: no shared secret provisioned for %s", hardwareID)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(hardwareID))
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (s *MemoryStore) SetEndPointCredentials(endpointID string, certificate []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpointID = endpointID
	s.hasEndpoint = true
	s.certificate = certificate
	return nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpointID = ""
	s.hasEndpoint = false
	s.certificate = nil
	return nil
}

// GeneratePrivateKey is a convenience used by the activation flow's
// tests and by first-time local provisioning.
func GeneratePrivateKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}
