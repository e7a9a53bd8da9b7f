package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"devicegateway/internal/trust"
)

// ConnState is the MQTT connection state machine of spec §4.1:
// Disconnected -> Connecting -> Connected -> (Subscribed) -> Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// MQTTConfig configures an MQTTConnection.
type MQTTConfig struct {
	Broker            string
	ClientID          string
	TLSConfig         *tls.Config
	KeepAlive         time.Duration // default 60s
	ConnectionTimeout time.Duration // default 30s
	TimeToWait        time.Duration // default 1000ms, request/reply bound
	SendMessageQoS    byte          // default 1
}

func (c *MQTTConfig) setDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.TimeToWait <= 0 {
		c.TimeToWait = 1000 * time.Millisecond
	}
	if c.SendMessageQoS == 0 {
		c.SendMessageQoS = 1
	}
}

// MQTTConnection implements Connection by modeling each REST verb as a
// publish plus an optional subscribe-and-wait (spec §4.1).
type MQTTConnection struct {
	logger *zap.Logger
	config MQTTConfig
	trust  trust.Store

	mu     sync.Mutex
	client mqtt.Client
	state  int32 // ConnState, atomic

	connLost int32 // atomic bool: set on publish-with-reply timeout

	pending   map[string]chan pendingReply
	pendingMu sync.Mutex

	usingClientAssertion bool
}

type pendingReply struct {
	response *Response
	err      error
}

// NewMQTTConnection creates an MQTTConnection. Connect must be called
// before use; the client reconnects lazily on the next Publish call if
// the connection is ever lost (spec §4.1).
func NewMQTTConnection(logger *zap.Logger, config MQTTConfig, store trust.Store) *MQTTConnection {
	config.setDefaults()
	return &MQTTConnection{
		logger:  logger.Named("transport.mqtt"),
		config:  config,
		trust:   store,
		pending: make(map[string]chan pendingReply),
	}
}

func (c *MQTTConnection) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

func (c *MQTTConnection) ConnectionLost() bool {
	return atomic.LoadInt32(&c.connLost) == 1
}

// Connect establishes (or re-establishes) the broker connection, first
// trying shared-secret credentials, then client-assertion credentials
// on FAILED_AUTHENTICATION if a key pair exists but no endpoint ID has
// been assigned yet (partial-activation recovery, spec §4.1).
func (c *MQTTConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateConnected && c.client != nil && c.client.IsConnected() {
		return nil
	}
	atomic.StoreInt32(&c.state, int32(StateConnecting))

	opts, err := c.buildOptions(false)
	if err != nil {
		return err
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.config.ConnectionTimeout) {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		return fmt.Errorf("transport: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		authFailed := errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised)
		if _, hasEndpoint := c.trust.EndpointID(); authFailed && !hasEndpoint && c.trust.PublicKey() != nil {
			c.logger.Warn("shared-secret auth failed, retrying with client assertion", zap.Error(err))
			retryOpts, buildErr := c.buildOptions(true)
			if buildErr != nil {
				atomic.StoreInt32(&c.state, int32(StateDisconnected))
				return buildErr
			}
			client = mqtt.NewClient(retryOpts)
			token = client.Connect()
			if !token.WaitTimeout(c.config.ConnectionTimeout) {
				atomic.StoreInt32(&c.state, int32(StateDisconnected))
				return fmt.Errorf("transport: mqtt connect timeout (client assertion retry)")
			}
			if err := token.Error(); err != nil {
				atomic.StoreInt32(&c.state, int32(StateDisconnected))
				return fmt.Errorf("transport: mqtt connect failed: %w", err)
			}
			c.usingClientAssertion = true
			if setErr := c.trust.SetEndPointCredentials(c.trust.ClientID(), nil); setErr != nil {
				c.logger.Warn("failed to persist recovered endpoint id", zap.Error(setErr))
			}
		} else {
			atomic.StoreInt32(&c.state, int32(StateDisconnected))
			return fmt.Errorf("transport: mqtt connect failed: %w", err)
		}
	}

	c.client = client
	atomic.StoreInt32(&c.state, int32(StateConnected))
	atomic.StoreInt32(&c.connLost, 0)
	return nil
}

func (c *MQTTConnection) buildOptions(useClientAssertion bool) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectionTimeout)
	opts.SetCleanSession(true) // always true per spec §4.1
	opts.SetAutoReconnect(false)
	if c.config.TLSConfig != nil {
		opts.SetTLSConfig(c.config.TLSConfig)
	}
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		atomic.StoreInt32(&c.connLost, 1)
		c.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	if useClientAssertion {
		assertion, err := c.buildClientAssertion()
		if err != nil {
			return nil, err
		}
		opts.SetUsername(c.trust.ClientID())
		opts.SetPassword(assertion)
	} else {
		opts.SetUsername(c.trust.ClientID())
		opts.SetPassword(string(c.trust.SharedSecret()))
	}
	return opts, nil
}

// buildClientAssertion builds a signed JWT used as the MQTT password
// when falling back from shared-secret to client-assertion credentials
// (spec §4.1 partial-activation recovery).
func (c *MQTTConnection) buildClientAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.trust.ClientID(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(trustStoreSigningMethod{}, claims)
	signed, err := token.SignedString(c.trust)
	if err != nil {
		return "", fmt.Errorf("transport: build client assertion: %w", err)
	}
	return signed, nil
}

// trustStoreSigningMethod adapts trust.Store.SignWithPrivateKey to the
// jwt.SigningMethod interface, so the client-assertion JWT is signed
// without the transport package ever touching a raw *rsa.PrivateKey
// (the trust store never exposes one — only a sign operation, per
// spec §2's capability set).
type trustStoreSigningMethod struct{}

func (trustStoreSigningMethod) Alg() string { return "RS256" }

func (trustStoreSigningMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	store, ok := key.(trust.Store)
	if !ok {
		return nil, fmt.Errorf("transport: jwt signing key must be a trust.Store")
	}
	return store.SignWithPrivateKey([]byte(signingString), "SHA256withRSA")
}

func (trustStoreSigningMethod) Verify(signingString string, sig []byte, key interface{}) error {
	return fmt.Errorf("transport: verification not supported")
}

func (c *MQTTConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	return nil
}

func (c *MQTTConnection) Get(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	return nil, ErrUnsupported
}

func (c *MQTTConnection) Put(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	return nil, ErrUnsupported
}

func (c *MQTTConnection) Delete(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	return nil, ErrUnsupported
}

func (c *MQTTConnection) Patch(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	return nil, ErrUnsupported
}

// Post models a REST POST as a publish, optionally waiting for a
// reply on the matching topic pair (spec §4.1). The set of REST
// endpoints that expect a reply is fixed by the topic table; endpoint
// identification happens by inspecting path.
func (c *MQTTConnection) Post(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	id := c.selfID()
	switch {
	case path == "/activation/policy":
		return c.publishAndWait(ctx, activationPolicyTopic(id), payload, activationPolicyReply(id), timeout)
	case path == "/activation/direct":
		return c.publishAndWait(ctx, activationDirectTopic(id), payload, activationDirectReply(id), timeout)
	case path == "/activation/indirect/device":
		return c.publishAndWait(ctx, activationIndirectTopic(id), payload, activationIndirectReply(id), timeout)
	case path == "/deviceModels" || hasDeviceModelsURNQuery(path):
		body, _ := json.Marshal(map[string]string{"urn": deviceModelURNFromPath(path, payload)})
		return c.publishAndWait(ctx, deviceModelsTopic(id), body, deviceModelsReply(id), timeout)
	default:
		// /messages: publish only, no reply expected (spec §4.1).
		topic := messagesPublishTopic(id)
		token := c.client.Publish(topic, c.config.SendMessageQoS, false, payload)
		if !token.WaitTimeout(timeout) {
			return nil, fmt.Errorf("transport: mqtt publish timeout on %s", topic)
		}
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("transport: mqtt publish failed: %w", err)
		}
		return &Response{Status: 200, Data: []byte("{}")}, nil
	}
}

func (c *MQTTConnection) selfID() string {
	if endpointID, ok := c.trust.EndpointID(); ok && endpointID != "" {
		return endpointID
	}
	return c.trust.ClientID()
}

func hasDeviceModelsURNQuery(path string) bool { return len(path) >= 12 && path[:12] == "/deviceModel" }

func deviceModelURNFromPath(path string, payload []byte) string {
	var body struct {
		URN string `json:"urn"`
	}
	if json.Unmarshal(payload, &body) == nil && body.URN != "" {
		return body.URN
	}
	return ""
}

// publishAndWait is the canonical request/reply primitive: QoS 1
// publish, subscribe {expected, expected+"/error"}, wait bounded by
// timeout, or by mqtt_time_to_wait when timeout is not positive
// (spec §4.1).
func (c *MQTTConnection) publishAndWait(ctx context.Context, publishTopic string, payload []byte, expectedReply string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.config.TimeToWait
	}

	replyCh := make(chan pendingReply, 1)
	c.pendingMu.Lock()
	c.pending[expectedReply] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, expectedReply)
		c.pendingMu.Unlock()
	}()

	errTopic := errorTopic(expectedReply)
	handler := func(client mqtt.Client, msg mqtt.Message) {
		if msg.Topic() == errTopic {
			var envelope ErrorEnvelope
			if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
				replyCh <- pendingReply{err: fmt.Errorf("transport: parse error envelope: %w", err)}
				return
			}
			replyCh <- pendingReply{response: &Response{Status: envelope.Status, Data: msg.Payload()}}
			return
		}
		replyCh <- pendingReply{response: &Response{Status: 200, Data: msg.Payload()}}
	}

	subToken := c.client.Subscribe(expectedReply, 1, handler)
	if !subToken.WaitTimeout(timeout) || subToken.Error() != nil {
		return nil, fmt.Errorf("transport: mqtt subscribe failed on %s", expectedReply)
	}
	errSubToken := c.client.Subscribe(errTopic, 1, handler)
	errSubToken.WaitTimeout(timeout)
	defer c.client.Unsubscribe(expectedReply, errTopic)

	pubToken := c.client.Publish(publishTopic, 1, false, payload)
	if !pubToken.WaitTimeout(timeout) {
		c.forceDisconnectOnTimeout()
		return nil, fmt.Errorf("transport: mqtt publish timeout on %s", publishTopic)
	}
	if err := pubToken.Error(); err != nil {
		return nil, fmt.Errorf("transport: mqtt publish failed: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply.response, reply.err
	case <-time.After(timeout):
		c.forceDisconnectOnTimeout()
		return nil, fmt.Errorf("transport: mqtt reply timeout waiting on %s", expectedReply)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MQTTConnection) forceDisconnectOnTimeout() {
	atomic.StoreInt32(&c.connLost, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(0)
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
}

// ensureConnected reconnects lazily: any publish call re-enters
// Connecting if the connection was lost (spec §4.1).
func (c *MQTTConnection) ensureConnected(ctx context.Context) error {
	if c.State() == StateConnected && c.client != nil && c.client.IsConnected() {
		return nil
	}
	return c.Connect(ctx)
}
