package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"devicegateway/internal/model"
)

// receiveLoop polls (or long-polls, over HTTP) for inbound
// RequestEnvelopes and dispatches each to its registered handler (spec
// §4.5). Over MQTT the equivalent inbound flow is subscription-driven
// and handled by the transport's publishAndWait machinery for
// request/response pairs that originated locally; receiveLoop here
// covers the HTTP long-poll inbound channel the spec names explicitly.
func (d *Dispatcher) receiveLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		envelopes, err := d.pollRequests(ctx)
		if err != nil {
			d.logger.Debug("poll requests failed", zap.Error(err))
			select {
			case <-time.After(d.currentPollInterval()):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, req := range envelopes {
			d.counters.RecordReceived(len(req.Body))
			d.dispatchRequest(ctx, req)
		}

		if len(envelopes) == 0 {
			select {
			case <-time.After(d.currentPollInterval()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// currentPollInterval returns the live pollingInterval value when
// RegisterBuiltinResources has installed one (so a PUT to the
// pollingInterval resource actually changes the poll cadence), falling
// back to the static config value otherwise.
func (d *Dispatcher) currentPollInterval() time.Duration {
	if d.pollInterval != nil {
		return d.pollInterval.Get()
	}
	return d.cfg.PollInterval
}

// pollRequests issues the long-poll GET request that yields pending
// server-to-device RequestEnvelopes (spec §4.1's iot.sync convention).
func (d *Dispatcher) pollRequests(ctx context.Context) ([]*model.RequestEnvelope, error) {
	seconds := int(d.cfg.LongPollTimeout / time.Second)
	path := fmt.Sprintf("/iot/api/v2/messages?iot.sync&iot.timeout=%d", seconds)

	resp, err := d.conn.Get(ctx, path, d.cfg.LongPollTimeout+100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: poll requests: %w", err)
	}

	var envelopes []*model.RequestEnvelope
	if err := json.Unmarshal(resp.Data, &envelopes); err != nil {
		return nil, fmt.Errorf("dispatcher: decode requests: %w", err)
	}
	return envelopes, nil
}

// dispatchRequest routes an inbound request to its handler (built-in or
// user-registered) and publishes the response back to the server. A
// request for a path with no registered handler at all is a genuine
// 404; a path that exists but lacks a handler for the request's method
// is a 405. A request that arrives before settleTime has elapsed since
// boot and finds no handler is requeued instead of answered, since the
// device's own built-in handlers and any application-registered
// handlers may not have finished registering yet (spec §4.3's
// settle-time reprocessing).
func (d *Dispatcher) dispatchRequest(ctx context.Context, req *model.RequestEnvelope) {
	path := stripQuery(req.Path)

	d.handlersMu.RLock()
	byMethod, pathKnown := d.handlers[path]
	handler, methodKnown := byMethod[req.Method]
	d.handlersMu.RUnlock()

	if !methodKnown {
		if !pathKnown && d.withinSettle() {
			d.requeueUnsettledRequest(req)
			return
		}
		d.counters.RecordProtocolError()
		var resp *model.ResponseEnvelope
		if pathKnown {
			resp = &model.ResponseEnvelope{StatusCode: 405, RequestID: req.ID, Body: []byte(`{"error":"method not allowed"}`)}
		} else {
			resp = &model.ResponseEnvelope{StatusCode: 404, RequestID: req.ID, Body: []byte(`{"error":"no handler for path"}`)}
		}
		d.publishResponse(ctx, resp)
		return
	}

	resp := handler(ctx, req)
	if resp == nil {
		resp = &model.ResponseEnvelope{StatusCode: 200, RequestID: req.ID}
	}
	resp.RequestID = req.ID
	d.publishResponse(ctx, resp)
}

func (d *Dispatcher) publishResponse(ctx context.Context, resp *model.ResponseEnvelope) {
	body, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("marshal response", zap.Error(err))
		return
	}

	responsePath := fmt.Sprintf("/iot/api/v2/messages/%s/response", resp.RequestID)
	if _, err := d.conn.Post(ctx, responsePath, body, d.cfg.PollInterval); err != nil {
		d.logger.Warn("publish response failed", zap.String("requestId", resp.RequestID), zap.Error(err))
	}
}

// withinSettle reports whether the process is still inside its
// settle-time window (spec §4.3).
func (d *Dispatcher) withinSettle() bool {
	return time.Since(d.startedAt) < d.cfg.SettleTime
}

// requeueUnsettledRequest re-attempts req at averageWaitTime intervals
// until either a handler appears or settleTime elapses, at which point
// the request is finally answered (with 404, since by then the lack of
// a handler is real) via dispatchRequest's normal path.
func (d *Dispatcher) requeueUnsettledRequest(req *model.RequestEnvelope) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-time.After(d.cfg.AverageWaitTime):
			}

			d.handlersMu.RLock()
			byMethod, pathKnown := d.handlers[stripQuery(req.Path)]
			_, methodKnown := byMethod[req.Method]
			d.handlersMu.RUnlock()

			if methodKnown {
				d.dispatchRequest(context.Background(), req)
				return
			}
			if !d.withinSettle() {
				d.dispatchRequest(context.Background(), req)
				return
			}
		}
	}()
}

func stripQuery(path string) string {
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	return u.Path
}

// pollingIntervalState backs the GET/PUT pollingInterval resource with
// a process-wide mutable value that receiveLoop consults on every poll
// via currentPollInterval, so a PUT takes effect on the next cycle.
type pollingIntervalState struct {
	mu       sync.RWMutex
	interval time.Duration
}

func (s *pollingIntervalState) Get() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *pollingIntervalState) Set(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

// RegisterBuiltinResources wires the always-present device resources
// spec §4.5 names: message-dispatcher counters (with reset),
// pollingInterval, diagnostics/info, and testConnectivity.
func (d *Dispatcher) RegisterBuiltinResources() {
	d.pollInterval = &pollingIntervalState{interval: d.cfg.PollInterval}

	d.RegisterHandler("/deviceModels/urn:oracle:iot:dcd:capability:message_dispatcher/counters", "GET", d.handleCounters)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:dcd:capability:message_dispatcher/counters/reset", "PUT", d.handleCountersReset)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:dcd:capability:message_dispatcher/pollingInterval", "GET", d.handlePollingIntervalGet)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:dcd:capability:message_dispatcher/pollingInterval", "PUT", d.handlePollingIntervalPut)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:device:diagnostics/info", "GET", d.handleDiagnosticsInfo)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:device:diagnostics/testConnectivity", "GET", d.handleTestConnectivity)
	d.RegisterHandler("/deviceModels/urn:oracle:iot:device:diagnostics/testConnectivity", "PUT", d.handleTestConnectivity)
}

func (d *Dispatcher) handleCounters(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	snap := d.counters.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return &model.ResponseEnvelope{StatusCode: 500}
	}
	return &model.ResponseEnvelope{StatusCode: 200, Body: body}
}

func (d *Dispatcher) handleCountersReset(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	d.counters.Reset()
	return &model.ResponseEnvelope{StatusCode: 200}
}

func (d *Dispatcher) handlePollingIntervalGet(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	body, _ := json.Marshal(map[string]int64{"pollingInterval": d.pollInterval.Get().Milliseconds()})
	return &model.ResponseEnvelope{StatusCode: 200, Body: body}
}

func (d *Dispatcher) handlePollingIntervalPut(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	var body struct {
		PollingInterval int64 `json:"pollingInterval"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil || body.PollingInterval <= 0 {
		return &model.ResponseEnvelope{StatusCode: 400, Body: []byte(`{"error":"invalid pollingInterval"}`)}
	}
	d.pollInterval.Set(time.Duration(body.PollingInterval) * time.Millisecond)
	return &model.ResponseEnvelope{StatusCode: 200}
}

func (d *Dispatcher) handleDiagnosticsInfo(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	info := map[string]interface{}{
		"endpointId": d.endpointID,
		"uptimeMs":   time.Since(d.startedAt).Milliseconds(),
		"queueDepth": d.queue.Len(),
	}
	body, err := json.Marshal(info)
	if err != nil {
		return &model.ResponseEnvelope{StatusCode: 500}
	}
	return &model.ResponseEnvelope{StatusCode: 200, Body: body}
}

func (d *Dispatcher) handleTestConnectivity(ctx context.Context, req *model.RequestEnvelope) *model.ResponseEnvelope {
	resp, err := d.conn.Get(ctx, "/iot/api/v2/messages?iot.sync&iot.timeout=0", d.cfg.PollInterval)
	if err != nil {
		body, _ := json.Marshal(map[string]string{"status": "unreachable", "error": err.Error()})
		return &model.ResponseEnvelope{StatusCode: 200, Body: body}
	}
	body, _ := json.Marshal(map[string]interface{}{"status": "reachable", "lastStatus": resp.Status})
	return &model.ResponseEnvelope{StatusCode: 200, Body: body}
}
