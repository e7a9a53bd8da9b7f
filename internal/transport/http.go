package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"devicegateway/internal/trust"
)

// HTTPConfig configures an HTTPConnection.
type HTTPConfig struct {
	BaseURL         string
	TLSConfig       *tls.Config
	DefaultTimeout  time.Duration
	RefreshOnAuthFn func(ctx context.Context) error
}

// HTTPConnection implements Connection over net/http, including the
// iot.sync long-poll convention described in spec §4.1.
type HTTPConnection struct {
	logger *zap.Logger
	config HTTPConfig
	trust  trust.Store
	client *http.Client

	mu           sync.RWMutex
	refreshCount int
}

// NewHTTPConnection builds an HTTPConnection bound to a TrustedAssets
// store for Authorization/X-EndpointId headers and credential refresh.
func NewHTTPConnection(logger *zap.Logger, config HTTPConfig, store trust.Store) *HTTPConnection {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	transport := &http.Transport{TLSClientConfig: config.TLSConfig}
	return &HTTPConnection{
		logger: logger.Named("transport.http"),
		config: config,
		trust:  store,
		client: &http.Client{Transport: transport},
	}
}

func (c *HTTPConnection) Get(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, timeout)
}

func (c *HTTPConnection) Post(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, payload, timeout)
}

func (c *HTTPConnection) Put(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, payload, timeout)
}

func (c *HTTPConnection) Delete(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, timeout)
}

func (c *HTTPConnection) Patch(ctx context.Context, path string, payload []byte, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, payload, timeout)
}

func (c *HTTPConnection) Close() error { return nil }

// longPollTimeout returns the transport timeout to apply when path
// requests an iot.sync long-poll: iot.timeout*1000 + 100ms (spec §4.1).
func longPollTimeout(path string, fallback time.Duration) time.Duration {
	u, err := url.Parse(path)
	if err != nil {
		return fallback
	}
	q := u.Query()
	if !q.Has("iot.sync") {
		return fallback
	}
	seconds, err := strconv.Atoi(q.Get("iot.timeout"))
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds)*time.Second + 100*time.Millisecond
}

func isLongPoll(path string) bool {
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	return u.Query().Has("iot.sync")
}

func (c *HTTPConnection) do(ctx context.Context, method, path string, payload []byte, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	effectiveTimeout := timeout
	if method == http.MethodPost && isLongPoll(path) {
		effectiveTimeout = longPollTimeout(path, timeout)
	}

	resp, err := c.attempt(ctx, method, path, payload, effectiveTimeout)
	if err != nil {
		if isTimeoutError(err) && isLongPoll(path) {
			// The server intentionally closed its half of a long-poll;
			// this is not an error condition (spec §4.1, testable
			// property "Long-poll close").
			c.logger.Debug("long-poll closed by server", zap.String("path", path))
			return &Response{Status: http.StatusOK, Data: []byte("[]"), Headers: map[string]string{}}, nil
		}
		return nil, err
	}

	if (resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden) && c.config.RefreshOnAuthFn != nil {
		c.mu.Lock()
		c.refreshCount++
		c.mu.Unlock()
		if refreshErr := c.config.RefreshOnAuthFn(ctx); refreshErr == nil {
			return c.attempt(ctx, method, path, payload, effectiveTimeout)
		}
	}
	return resp, nil
}

func (c *HTTPConnection) attempt(ctx context.Context, method, path string, payload []byte, timeout time.Duration) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullURL := c.config.BaseURL + path
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.trust != nil {
		if endpointID, ok := c.trust.EndpointID(); ok {
			req.Header.Set("X-EndpointId", endpointID)
			req.Header.Set("Authorization", "Bearer "+endpointID)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{Status: resp.StatusCode, Data: data, Headers: headers}, nil
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
