// Package activation implements the three-step device activation
// handshake (spec §4.2): policy retrieval, direct activation, and (for
// gateway devices) indirect activation of attached devices.
package activation

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"devicegateway/internal/transport"
	"devicegateway/internal/trust"
)

// ErrAlreadyActivated is the fatal, non-retryable error surfaced when
// the server rejects a policy fetch with 401: the device believes
// itself unactivated but the server disagrees.
var ErrAlreadyActivated = errors.New("activation: device already activated")

// StatusError wraps a non-200/401 response to an activation call; the
// caller has no local recovery for it.
type StatusError struct {
	Step   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("activation: %s returned status %d", e.Step, e.Status)
}

// Poster is the narrow capability activation needs from a transport
// connection, satisfied identically by the HTTP and MQTT variants
// (spec §9).
type Poster interface {
	Post(ctx context.Context, path string, payload []byte, timeout time.Duration) (*transport.Response, error)
}

// Activator performs activation against a trust store and a transport.
type Activator struct {
	logger *zap.Logger
	store  trust.Store
}

// NewActivator builds an Activator bound to store.
func NewActivator(logger *zap.Logger, store trust.Store) *Activator {
	return &Activator{logger: logger.Named("activation"), store: store}
}

type policyRequest struct {
	ClientID     string   `json:"clientId"`
	DeviceModels []string `json:"deviceModels,omitempty"`
}

// policyResponse carries the activation policy (spec §4.2 step 1):
// the hash/key algorithm and key size to generate the CSR with.
type policyResponse struct {
	Steps         []string `json:"activationSteps"`
	HashAlgorithm string   `json:"hashAlgorithm"`
	KeyAlgorithm  string   `json:"keyAlgorithm"`
	KeySize       int      `json:"keySize"`
	Format        string   `json:"format"`
}

type directActivationRequest struct {
	ClientID        string   `json:"clientId"`
	DeviceModels    []string `json:"deviceModels"`
	Signature       []byte   `json:"signature"`
	SignatureAlg    string   `json:"signatureAlgorithm"`
	PublicKey       []byte   `json:"publicKey,omitempty"`
}

type directActivationResponse struct {
	EndpointState string `json:"endpointState"`
	EndpointID    string `json:"endpointId"`
	Certificate   []byte `json:"certificate"`
}

// Activate drives the policy + direct-activation sequence (spec §4.2
// steps 1-2) and persists the resulting endpointId/certificate into
// the trust store.
func (a *Activator) Activate(ctx context.Context, poster Poster, deviceModels []string) error {
	clientID := a.store.ClientID()

	if _, ok := a.store.EndpointID(); ok {
		a.logger.Debug("device already activated, skipping handshake")
		return nil
	}

	policyBody, err := json.Marshal(policyRequest{ClientID: clientID, DeviceModels: deviceModels})
	if err != nil {
		return fmt.Errorf("activation: marshal policy request: %w", err)
	}
	policyResp, err := poster.Post(ctx, "/activation/policy", policyBody, 30*time.Second)
	if err != nil {
		return fmt.Errorf("activation: fetch policy: %w", err)
	}
	if policyResp.Status == 401 {
		return ErrAlreadyActivated
	}
	if policyResp.Status != 200 {
		return &StatusError{Step: "policy", Status: policyResp.Status}
	}

	var policy policyResponse
	if err := json.Unmarshal(policyResp.Data, &policy); err != nil {
		return fmt.Errorf("activation: decode policy: %w", err)
	}
	if policy.HashAlgorithm == "" {
		policy.HashAlgorithm = "SHA256"
	}
	if policy.KeyAlgorithm == "" {
		policy.KeyAlgorithm = "RSA"
	}
	if policy.Format == "" {
		policy.Format = "X.509"
	}
	a.logger.Info("activation policy received", zap.Strings("steps", policy.Steps))

	publicKeyDER, err := marshalPublicKey(a.store.PublicKey())
	if err != nil {
		return fmt.Errorf("activation: marshal public key: %w", err)
	}

	signaturePayload, err := buildSignaturePayload(clientID, policy, a.store.SharedSecret(), publicKeyDER)
	if err != nil {
		return fmt.Errorf("activation: build signature payload: %w", err)
	}
	signature, err := a.store.SignWithPrivateKey(signaturePayload, policy.HashAlgorithm+"with"+policy.KeyAlgorithm)
	if err != nil {
		return fmt.Errorf("activation: sign direct activation request: %w", err)
	}

	directBody, err := json.Marshal(directActivationRequest{
		ClientID:     clientID,
		DeviceModels: deviceModels,
		Signature:    signature,
		SignatureAlg: policy.HashAlgorithm + "with" + policy.KeyAlgorithm,
		PublicKey:    publicKeyDER,
	})
	if err != nil {
		return fmt.Errorf("activation: marshal direct activation request: %w", err)
	}
	directResp, err := poster.Post(ctx, "/activation/direct", directBody, 30*time.Second)
	if err != nil {
		return fmt.Errorf("activation: direct activation: %w", err)
	}
	if directResp.Status != 200 {
		return &StatusError{Step: "direct activation", Status: directResp.Status}
	}

	var activated directActivationResponse
	if err := json.Unmarshal(directResp.Data, &activated); err != nil {
		return fmt.Errorf("activation: decode direct activation response: %w", err)
	}
	if activated.EndpointID == "" {
		return fmt.Errorf("activation: server returned empty endpointId")
	}

	if err := a.store.SetEndPointCredentials(activated.EndpointID, activated.Certificate); err != nil {
		return fmt.Errorf("activation: persist endpoint credentials: %w", err)
	}
	a.logger.Info("device activated", zap.String("endpointId", activated.EndpointID))
	return nil
}

// buildSignaturePayload assembles the bytes signed in the direct
// activation request (spec §4.2 step 2):
//
//	signaturePayload = concat(subjectBytes, "\n", algorithm, "\n",
//	    format, "\n", hashAlg, "\n", attrs, clientSecret, publicKeyBytes)
//	clientSecret = HMAC(hashAlg, clientIdBytes, sharedSecret)
func buildSignaturePayload(clientID string, policy policyResponse, sharedSecret, publicKeyDER []byte) ([]byte, error) {
	clientSecret, err := hmacDigest(policy.HashAlgorithm, []byte(clientID), sharedSecret)
	if err != nil {
		return nil, err
	}

	var payload []byte
	payload = append(payload, []byte(clientID)...)
	payload = append(payload, '\n')
	payload = append(payload, []byte(policy.KeyAlgorithm)...)
	payload = append(payload, '\n')
	payload = append(payload, []byte(policy.Format)...)
	payload = append(payload, '\n')
	payload = append(payload, []byte(policy.HashAlgorithm)...)
	payload = append(payload, '\n')
	// attrs: no additional device attributes are sent with the CSR
	// beyond what deviceModels already conveys out-of-band.
	payload = append(payload, clientSecret...)
	payload = append(payload, publicKeyDER...)
	return payload, nil
}

func hmacDigest(hashAlg string, clientIDBytes, sharedSecret []byte) ([]byte, error) {
	switch hashAlg {
	case "", "SHA256":
		mac := hmac.New(sha256.New, sharedSecret)
		mac.Write(clientIDBytes)
		return mac.Sum(nil), nil
	default:
		return nil, fmt.Errorf("activation: unsupported hash algorithm %q", hashAlg)
	}
}

type indirectActivationRequest struct {
	HardwareID   string   `json:"hardwareId"`
	DeviceModels []string `json:"deviceModels"`
	Signature    []byte   `json:"signature"`
}

type indirectActivationResponse struct {
	EndpointID string `json:"endpointId"`
}

// ActivateIndirect registers an attached (non-gateway-capable) device
// under this gateway's endpoint (spec §4.2 step 3). hardwareID
// uniquely identifies the attached device; the signature binds it to
// this gateway's identity.
func (a *Activator) ActivateIndirect(ctx context.Context, poster Poster, hardwareID string, deviceModels []string) (string, error) {
	signature, err := a.store.SignWithSharedSecret([]byte(hardwareID), "HmacSHA256", hardwareID)
	if err != nil {
		return "", fmt.Errorf("activation: sign indirect activation request: %w", err)
	}

	body, err := json.Marshal(indirectActivationRequest{
		HardwareID:   hardwareID,
		DeviceModels: deviceModels,
		Signature:    signature,
	})
	if err != nil {
		return "", fmt.Errorf("activation: marshal indirect activation request: %w", err)
	}

	resp, err := poster.Post(ctx, "/activation/indirect/device", body, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("activation: indirect activation: %w", err)
	}
	if resp.Status != 200 {
		return "", &StatusError{Step: "indirect activation", Status: resp.Status}
	}
	var activated indirectActivationResponse
	if err := json.Unmarshal(resp.Data, &activated); err != nil {
		return "", fmt.Errorf("activation: decode indirect activation response: %w", err)
	}
	return activated.EndpointID, nil
}

func marshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, nil
	}
	return x509.MarshalPKIXPublicKey(pub)
}
