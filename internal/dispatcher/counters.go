package dispatcher

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are the device-side delivery counters spec §3's
// DispatcherState requires to be exposed as a RESOURCES_REPORT
// resource, mirrored onto Prometheus collectors for the teacher's metrics
// scrape path (internal/gateway/metrics_prometheus.go).
type Counters struct {
	totalMessagesSent    int64
	totalMessagesRetried int64
	totalMessagesFailed  int64
	totalMessagesRecv    int64
	totalBytesSent       int64
	totalBytesRecv       int64
	totalProtocolErrors  int64
	queueDepth           int64

	promSent      prometheus.Counter
	promRetried   prometheus.Counter
	promFailed    prometheus.Counter
	promReceived  prometheus.Counter
	promBytesSent prometheus.Counter
	promBytesRecv prometheus.Counter
	promProtoErrs prometheus.Counter
	promQueue     prometheus.Gauge
}

// NewCounters registers the Prometheus collectors for this dispatcher
// instance against reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		promSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_messages_sent_total",
			Help: "Total messages successfully delivered to the server.",
		}),
		promRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_messages_retried_total",
			Help: "Total message delivery attempts that required a retry.",
		}),
		promFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_messages_failed_total",
			Help: "Total messages abandoned after exhausting retries.",
		}),
		promReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_messages_received_total",
			Help: "Total inbound request envelopes received from the server.",
		}),
		promBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_bytes_sent_total",
			Help: "Total payload bytes successfully delivered.",
		}),
		promBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_bytes_received_total",
			Help: "Total payload bytes received from the server.",
		}),
		promProtoErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicegateway_protocol_errors_total",
			Help: "Total protocol errors: rejected or rate-limited sends and unroutable inbound requests.",
		}),
		promQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicegateway_queue_depth",
			Help: "Current depth of the outbound priority queue.",
		}),
	}
	reg.MustRegister(c.promSent, c.promRetried, c.promFailed, c.promReceived,
		c.promBytesSent, c.promBytesRecv, c.promProtoErrs, c.promQueue)
	return c
}

func (c *Counters) RecordSent(bytes int) {
	atomic.AddInt64(&c.totalMessagesSent, 1)
	atomic.AddInt64(&c.totalBytesSent, int64(bytes))
	c.promSent.Inc()
	c.promBytesSent.Add(float64(bytes))
}

func (c *Counters) RecordRetry() {
	atomic.AddInt64(&c.totalMessagesRetried, 1)
	c.promRetried.Inc()
}

func (c *Counters) RecordFailed() {
	atomic.AddInt64(&c.totalMessagesFailed, 1)
	c.promFailed.Inc()
}

// RecordReceived accounts one inbound request envelope of bytes length
// (spec §3's received/bytesReceived counters).
func (c *Counters) RecordReceived(bytes int) {
	atomic.AddInt64(&c.totalMessagesRecv, 1)
	atomic.AddInt64(&c.totalBytesRecv, int64(bytes))
	c.promReceived.Inc()
	c.promBytesRecv.Add(float64(bytes))
}

// RecordProtocolError accounts one protocol error: a non-retryable 4xx
// (or credential-retry-exhausted) send, an HTTP 503 rate-limit response,
// or an inbound request answered 404/405 for lack of a handler.
func (c *Counters) RecordProtocolError() {
	atomic.AddInt64(&c.totalProtocolErrors, 1)
	c.promProtoErrs.Inc()
}

func (c *Counters) SetQueueDepth(depth int) {
	atomic.StoreInt64(&c.queueDepth, int64(depth))
	c.promQueue.Set(float64(depth))
}

// Reset zeroes every counter (spec §4.5's ".../reset" PUT resource).
// The Prometheus collectors are left untouched: they are a scrape-time
// mirror, not the device-facing counters a reset is defined over.
func (c *Counters) Reset() {
	atomic.StoreInt64(&c.totalMessagesSent, 0)
	atomic.StoreInt64(&c.totalMessagesRetried, 0)
	atomic.StoreInt64(&c.totalMessagesFailed, 0)
	atomic.StoreInt64(&c.totalMessagesRecv, 0)
	atomic.StoreInt64(&c.totalBytesSent, 0)
	atomic.StoreInt64(&c.totalBytesRecv, 0)
	atomic.StoreInt64(&c.totalProtocolErrors, 0)
}

// Snapshot is the JSON-serializable RESOURCES_REPORT view of the
// counters (spec §4.5).
type Snapshot struct {
	MessagesSent      int64 `json:"messagesSent"`
	MessagesRetried   int64 `json:"messagesRetried"`
	MessagesFailed    int64 `json:"messagesFailed"`
	MessagesReceived  int64 `json:"messagesReceived"`
	BytesSent         int64 `json:"bytesSent"`
	BytesReceived     int64 `json:"bytesReceived"`
	TotalProtocolErrs int64 `json:"totalProtocolErrors"`
	QueueDepth        int64 `json:"queueDepth"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:      atomic.LoadInt64(&c.totalMessagesSent),
		MessagesRetried:   atomic.LoadInt64(&c.totalMessagesRetried),
		MessagesFailed:    atomic.LoadInt64(&c.totalMessagesFailed),
		MessagesReceived:  atomic.LoadInt64(&c.totalMessagesRecv),
		BytesSent:         atomic.LoadInt64(&c.totalBytesSent),
		BytesReceived:     atomic.LoadInt64(&c.totalBytesRecv),
		TotalProtocolErrs: atomic.LoadInt64(&c.totalProtocolErrors),
		QueueDepth:        atomic.LoadInt64(&c.queueDepth),
	}
}
