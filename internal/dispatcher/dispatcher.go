package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"devicegateway/internal/model"
	"devicegateway/internal/objectstore"
	"devicegateway/internal/persistence"
	"devicegateway/internal/policy"
	"devicegateway/internal/transport"
)

// Config configures a Dispatcher.
type Config struct {
	QueueCapacity            int
	SettleTime               time.Duration
	PollInterval             time.Duration
	LongPollTimeout          time.Duration
	MaxRetries               int
	InitialBackoff           time.Duration
	MaxBackoff               time.Duration
	CircuitMaxFailures       uint32
	CircuitOpenTimeout       time.Duration
	MaxMessagesPerConnection int
	AverageWaitTime          time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.SettleTime <= 0 {
		c.SettleTime = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.CircuitMaxFailures == 0 {
		c.CircuitMaxFailures = 5
	}
	if c.CircuitOpenTimeout <= 0 {
		c.CircuitOpenTimeout = 30 * time.Second
	}
	if c.MaxMessagesPerConnection <= 0 {
		c.MaxMessagesPerConnection = 1000
	}
	if c.AverageWaitTime <= 0 {
		c.AverageWaitTime = 2 * time.Second
	}
}

// RequestHandler serves one built-in or user-registered device
// resource path for inbound RequestEnvelopes (spec §4.5).
type RequestHandler func(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope

// Dispatcher is the device-side message dispatcher (spec §4.3/§4.5): it
// owns the outbound priority queue, the transmitter and receiver
// goroutines, storage-dependency gating, guaranteed-delivery
// persistence, and the built-in request resources.
type Dispatcher struct {
	logger *zap.Logger
	conn   transport.Connection
	engine *policy.Engine
	store  *persistence.Store
	cfg    Config

	endpointID string
	queue      *Queue
	counters   *Counters
	breaker    *gobreaker.CircuitBreaker

	handlersMu   sync.RWMutex
	handlers     map[string]map[string]RequestHandler // path -> method -> handler
	pollInterval *pollingIntervalState

	contentMu  sync.Mutex
	contentMap map[string]*model.Message // clientId -> in-flight message, for settle-time bookkeeping
	failed     map[string]bool

	// uploadMu guards the storage-dependency coordination state (spec
	// §3's contentMap/failedContentIds): which messages are gated on
	// which in-flight object upload, and which uploads have failed.
	uploadMu       sync.Mutex
	pendingUploads map[string]map[string]struct{} // storage URI -> waiting clientIds
	failedContent  map[string]struct{}            // clientId -> upload failed

	startedAt time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Dispatcher. endpointID identifies this device to the
// server (used in the MESSAGES persistence rows and as the implicit
// "self" request destination).
func New(logger *zap.Logger, conn transport.Connection, engine *policy.Engine, store *persistence.Store, counters *Counters, endpointID string, cfg Config) *Dispatcher {
	cfg.setDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dispatcher-transmitter",
		Timeout: cfg.CircuitOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dispatcher circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Dispatcher{
		logger:         logger.Named("dispatcher"),
		conn:           conn,
		engine:         engine,
		store:          store,
		cfg:            cfg,
		endpointID:     endpointID,
		queue:          NewQueue(cfg.QueueCapacity),
		counters:       counters,
		breaker:        breaker,
		handlers:       make(map[string]map[string]RequestHandler),
		contentMap:     make(map[string]*model.Message),
		failed:         make(map[string]bool),
		pendingUploads: make(map[string]map[string]struct{}),
		failedContent:  make(map[string]struct{}),
	}
}

// RegisterHandler attaches a RequestHandler for an inbound request
// path and HTTP method (spec §4.5: a path known for one method but
// requested with another must answer 405, not 404).
func (d *Dispatcher) RegisterHandler(path, method string, handler RequestHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	byMethod, ok := d.handlers[path]
	if !ok {
		byMethod = make(map[string]RequestHandler)
		d.handlers[path] = byMethod
	}
	byMethod[method] = handler
}

// Start launches the transmitter and receiver goroutines and, on a
// guaranteed-delivery restart, requeues any messages persisted from a
// prior run (spec §8's cross-restart reliability property).
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startedAt = time.Now()

	pending, err := d.store.LoadPendingMessages(d.endpointID)
	if err != nil {
		return fmt.Errorf("dispatcher: load pending messages: %w", err)
	}
	for _, msg := range pending {
		if err := d.queue.Enqueue(msg); err != nil {
			d.logger.Warn("dropping persisted message on restart, queue full", zap.String("clientId", msg.ClientID))
		}
	}

	d.wg.Add(2)
	go d.transmitLoop(ctx)
	go d.receiveLoop(ctx)
	return nil
}

// Stop cancels the dispatcher's goroutines and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.queue.Close()
	d.wg.Wait()
}

// Offer applies policyID's pipelines to msg and enqueues whatever
// messages survive, persisting guaranteed-delivery messages first and
// registering any storage-object dependency so the transmitter gates
// the message until the upload completes (spec §4.3).
func (d *Dispatcher) Offer(policyID string, msg *model.Message) error {
	out, err := d.engine.Apply(policyID, msg)
	if err != nil {
		return fmt.Errorf("dispatcher: apply policy: %w", err)
	}
	for _, m := range out {
		if m.Reliability == model.ReliabilityGuaranteedDelivery {
			if err := d.store.SaveMessage(d.endpointID, m); err != nil {
				return fmt.Errorf("dispatcher: persist message %s: %w", m.ClientID, err)
			}
		}
		d.trackUploadDependency(m)
		if err := d.queue.Enqueue(m); err != nil {
			return err
		}
		d.counters.SetQueueDepth(d.queue.Len())
	}
	return nil
}

// trackUploadDependency records that msg must not be sent until the
// storage object named by its Payload.URI has finished uploading
// (spec §3's contentMap). Callers that enqueue the corresponding
// objectstore.Transfer are expected to invoke NotifyUploadComplete
// when it finishes.
func (d *Dispatcher) trackUploadDependency(msg *model.Message) {
	if msg.Payload.URI == "" {
		return
	}
	d.uploadMu.Lock()
	defer d.uploadMu.Unlock()
	waiters, ok := d.pendingUploads[msg.Payload.URI]
	if !ok {
		waiters = make(map[string]struct{})
		d.pendingUploads[msg.Payload.URI] = waiters
	}
	waiters[msg.ClientID] = struct{}{}
}

// NotifyUploadComplete releases every message gated on uri. On success
// they become eligible for the next transmitter iteration; on failure
// their clientIds are recorded in failedContentIds and they are
// abandoned without ever being sent (spec §4.3).
func (d *Dispatcher) NotifyUploadComplete(uri string, uploadErr error) {
	d.uploadMu.Lock()
	waiters := d.pendingUploads[uri]
	delete(d.pendingUploads, uri)
	if uploadErr != nil {
		for clientID := range waiters {
			d.failedContent[clientID] = struct{}{}
		}
	}
	d.uploadMu.Unlock()
}

// EnqueueUpload schedules t on store and wires its completion back
// into this dispatcher's storage-dependency gating: messages waiting
// on t.URI are released, or recorded as failed, once the transfer
// finishes (spec §4.3).
func (d *Dispatcher) EnqueueUpload(store *objectstore.Dispatcher, t objectstore.Transfer) error {
	uri := t.URI
	userComplete := t.OnComplete
	t.OnComplete = func(err error) {
		d.NotifyUploadComplete(uri, err)
		if userComplete != nil {
			userComplete(err)
		}
	}
	return store.Enqueue(t)
}

// splitPending implements getMessagesToSend (spec §4.3 step 3): walks
// pending in priority order, moving independent messages to sendable
// and stopping at the first message still gated by an in-flight
// upload so ordering is preserved; messages whose upload failed are
// returned separately for abandonment.
func (d *Dispatcher) splitPending(pending []*model.Message) (sendable, blocked, errored []*model.Message, newAlert bool) {
	gated := false
	for _, msg := range pending {
		if msg.Type == model.TypeAlert {
			newAlert = true
		}
		if gated {
			blocked = append(blocked, msg)
			continue
		}
		if msg.Payload.URI == "" {
			sendable = append(sendable, msg)
			continue
		}

		d.uploadMu.Lock()
		_, hasFailed := d.failedContent[msg.ClientID]
		if hasFailed {
			delete(d.failedContent, msg.ClientID)
		}
		_, stillWaiting := d.pendingUploads[msg.Payload.URI]
		d.uploadMu.Unlock()

		switch {
		case hasFailed:
			errored = append(errored, msg)
		case stillWaiting:
			gated = true
			blocked = append(blocked, msg)
		default:
			sendable = append(sendable, msg)
		}
	}
	return sendable, blocked, errored, newAlert
}

// sendClassification is the outcome of one chunk POST, driving the
// three distinct retry behaviors spec §4.3 step 7 / §7 require.
type sendClassification int

const (
	classifySuccess sendClassification = iota
	// classifyRateLimited: HTTP 503 -> exponential Fibonacci backoff.
	classifyRateLimited
	// classifyNetworkError: connect refused/timeout/DNS/TLS or other
	// 5xx -> constant backoff, attempt pinned at 1.
	classifyNetworkError
	// classifyIOError: local failure (marshal, breaker open) -> no backoff.
	classifyIOError
	// classifyProtocolError: 4xx other than 401/403 -> drop, no retry,
	// counted as a protocol error.
	classifyProtocolError
	// classifySecurityError: crypto/signature failure -> drop, no retry.
	classifySecurityError
	// classifyCredential: 401/403 -> one immediate retry, then treated
	// as a protocol error.
	classifyCredential
)

func classifySendError(err error, resp *transport.Response) sendClassification {
	if err != nil {
		return classifyNetworkError
	}
	switch {
	case resp.Status == http.StatusServiceUnavailable:
		return classifyRateLimited
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return classifyCredential
	case resp.Status >= 500:
		return classifyNetworkError
	case resp.Status >= 400:
		return classifyProtocolError
	default:
		return classifySuccess
	}
}

// transmitLoop implements the transmitter's per-iteration state
// machine (spec §4.3): drain the queue, gate on storage dependencies,
// chunk to maximumMessagesPerConnection, send, and classify failures
// into the distinct retry behaviors spec §4.3 step 7 names.
func (d *Dispatcher) transmitLoop(ctx context.Context) {
	defer d.wg.Done()

	var pending []*model.Message
	var backoff time.Duration
	var backoffUntil time.Time
	attempt := 0

	for {
		if len(pending) == 0 {
			msg, err := d.queue.Dequeue(ctx)
			if err != nil {
				return
			}
			pending = append(pending, msg)
		}
		pending = append(pending, d.queue.DrainAll()...)
		d.counters.SetQueueDepth(d.queue.Len())

		sendable, blocked, errored, newAlert := d.splitPending(pending)
		for _, msg := range errored {
			d.counters.RecordFailed()
			d.abandon(msg)
		}

		if backoff > 0 && !newAlert && time.Now().Before(backoffUntil) {
			if !d.sleep(ctx, time.Until(backoffUntil)) {
				return
			}
			pending = append(sendable, blocked...)
			continue
		}

		chunkSize := d.cfg.MaxMessagesPerConnection
		if backoff > 0 {
			chunkSize = shrinkChunkSize(chunkSize, attempt)
		}

		var requeue []*model.Message
		progressed := false
		for len(sendable) > 0 {
			n := chunkSize
			if n > len(sendable) {
				n = len(sendable)
			}
			chunk := sendable[:n]
			sendable = sendable[n:]
			progressed = true

			switch classification := d.sendChunk(ctx, chunk); classification {
			case classifySuccess:
				attempt = 0
				backoff = 0
			case classifyRateLimited:
				d.counters.RecordProtocolError()
				if attempt < 12 {
					attempt++
				}
				backoff = fibonacciBackoff(attempt, d.cfg.InitialBackoff, d.cfg.MaxBackoff)
				backoffUntil = time.Now().Add(backoff)
				requeue = append(requeue, d.requeueChunk(chunk)...)
			case classifyNetworkError:
				attempt = 1
				backoff = d.cfg.InitialBackoff
				backoffUntil = time.Now().Add(backoff)
				requeue = append(requeue, d.requeueChunk(chunk)...)
			case classifyIOError:
				requeue = append(requeue, d.requeueChunk(chunk)...)
			case classifyProtocolError:
				d.counters.RecordProtocolError()
				for _, m := range chunk {
					d.abandon(m)
				}
			case classifySecurityError:
				for _, m := range chunk {
					d.abandon(m)
				}
			}

			if backoff > 0 {
				break
			}
		}

		pending = append(append(requeue, sendable...), blocked...)

		switch {
		case len(pending) == 0:
			continue
		case backoff > 0:
			if !d.sleep(ctx, backoff) {
				return
			}
		case !progressed:
			// Everything remaining is storage-gated; wait for an
			// upload to complete rather than busy-spin.
			if !d.sleep(ctx, d.cfg.PollInterval) {
				return
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// sendChunk POSTs chunk as a single JSON array (spec §6's wire format)
// and classifies the outcome. A 401/403 gets one immediate retry
// before being treated as terminal (spec §7's credential bucket).
func (d *Dispatcher) sendChunk(ctx context.Context, chunk []*model.Message) sendClassification {
	body, err := json.Marshal(chunk)
	if err != nil {
		d.logger.Error("marshal chunk", zap.Error(err))
		return classifyIOError
	}

	classification, resp := d.postChunk(ctx, body)
	if classification == classifyCredential {
		d.logger.Info("credential error, retrying once with refreshed credentials")
		classification, resp = d.postChunk(ctx, body)
		if classification == classifyCredential {
			classification = classifyProtocolError
		}
	}

	switch classification {
	case classifySuccess:
		for i, msg := range chunk {
			d.settle(msg)
			// The chunk's byte count is attributed once, to its first message.
			bytes := 0
			if i == 0 {
				bytes = len(body)
			}
			d.counters.RecordSent(bytes)
		}
	default:
		status := -1
		if resp != nil {
			status = resp.Status
		}
		d.logger.Warn("chunk delivery failed", zap.Int("size", len(chunk)), zap.Int("status", status))
	}
	return classification
}

func (d *Dispatcher) postChunk(ctx context.Context, body []byte) (sendClassification, *transport.Response) {
	var resp *transport.Response
	_, breakerErr := d.breaker.Execute(func() (interface{}, error) {
		r, postErr := d.conn.Post(ctx, messagesPublishPath(), body, d.cfg.LongPollTimeout)
		resp = r
		return nil, postErr
	})
	if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
		return classifyIOError, resp
	}
	return classifySendError(breakerErr, resp), resp
}

// requeueChunk decrements RemainingRetries on each message, persisting
// guaranteed-delivery copies before retry, and returns those still
// eligible for another attempt; exhausted messages are abandoned and
// counted as failed (spec §4.3 step 7).
func (d *Dispatcher) requeueChunk(chunk []*model.Message) []*model.Message {
	var requeued []*model.Message
	for _, msg := range chunk {
		if msg.Reliability == model.ReliabilityGuaranteedDelivery {
			if err := d.store.SaveMessage(d.endpointID, msg); err != nil {
				d.logger.Warn("persist retry message", zap.String("clientId", msg.ClientID), zap.Error(err))
			}
		}
		if msg.DecrementRetries() {
			requeued = append(requeued, msg)
		} else {
			d.counters.RecordFailed()
			d.abandon(msg)
		}
	}
	if len(requeued) > 0 {
		d.counters.RecordRetry()
	}
	return requeued
}

// settle removes a successfully delivered message from both the
// contentMap and, for guaranteed-delivery messages, the persistence
// store, after a brief settle window (spec §4.5, §5) during which a
// duplicate server ack would still find it.
func (d *Dispatcher) settle(msg *model.Message) {
	d.contentMu.Lock()
	d.contentMap[msg.ClientID] = msg
	d.contentMu.Unlock()

	time.AfterFunc(d.cfg.SettleTime, func() {
		d.contentMu.Lock()
		delete(d.contentMap, msg.ClientID)
		d.contentMu.Unlock()

		if msg.Reliability == model.ReliabilityGuaranteedDelivery {
			if err := d.store.DeleteMessage(msg.ClientID); err != nil {
				d.logger.Warn("delete delivered message", zap.String("clientId", msg.ClientID), zap.Error(err))
			}
		}
	})
}

func (d *Dispatcher) abandon(msg *model.Message) {
	d.contentMu.Lock()
	delete(d.contentMap, msg.ClientID)
	d.failed[msg.ClientID] = true
	d.contentMu.Unlock()

	if msg.Reliability == model.ReliabilityGuaranteedDelivery {
		if err := d.store.DeleteMessage(msg.ClientID); err != nil {
			d.logger.Warn("delete abandoned message", zap.String("clientId", msg.ClientID), zap.Error(err))
		}
	}
}

func messagesPublishPath() string { return "/iot/api/v2/messages" }
