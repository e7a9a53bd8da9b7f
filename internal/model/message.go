// Package model defines the wire-level data types shared by every
// component of the messaging runtime: messages, device models, and
// device policies.
package model

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Priority orders outbound messages in the dispatcher queue, HIGHEST first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "LOWEST"
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityHighest:
		return "HIGHEST"
	default:
		return "UNKNOWN"
	}
}

// Reliability controls retry and persistence behavior for a message.
type Reliability int

const (
	ReliabilityBestEffort Reliability = iota
	ReliabilityGuaranteedDelivery
	ReliabilityNoGuarantee
)

// Type is the message envelope kind.
type Type string

const (
	TypeData            Type = "DATA"
	TypeAlert           Type = "ALERT"
	TypeRequest         Type = "REQUEST"
	TypeResponse        Type = "RESPONSE"
	TypeResourcesReport Type = "RESOURCES_REPORT"
)

// AlertSeverity is carried by ALERT payloads.
type AlertSeverity string

const (
	SeverityLow         AlertSeverity = "LOW"
	SeverityNormal      AlertSeverity = "NORMAL"
	SeveritySignificant AlertSeverity = "SIGNIFICANT"
	SeverityCritical    AlertSeverity = "CRITICAL"
)

const (
	// MaxKeyBytes is the maximum UTF-8 byte length of an attribute key.
	MaxKeyBytes = 2048
	// MaxStringValueBytes is the maximum UTF-8 byte length of a string value.
	MaxStringValueBytes = 65536
	// DefaultRemainingRetries is the default retry budget for a new message.
	DefaultRemainingRetries = 3
	// MinRemainingRetries is the floor enforced by NewMessage.
	MinRemainingRetries = 3
	// DefaultClockSkew bounds how far into the future eventTime may sit.
	DefaultClockSkew = 5 * time.Second
)

// Payload carries either a DATA/ALERT format+data map or a request/response envelope.
type Payload struct {
	Format   string                 `json:"format,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Severity AlertSeverity          `json:"severity,omitempty"`

	// URI names a StorageObject this message depends on (spec §4.3's
	// storage-dependency coordination): a non-empty URI gates the
	// message in the dispatcher's pending list until the referenced
	// upload completes.
	URI string `json:"uri,omitempty"`

	Request  *RequestEnvelope  `json:"request,omitempty"`
	Response *ResponseEnvelope `json:"response,omitempty"`
}

// RequestEnvelope is the wire format for an inbound server-to-device request (spec §6).
type RequestEnvelope struct {
	ID          string            `json:"id"`
	ClientID    string            `json:"clientId"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// ResponseEnvelope is the wire format for the device's reply to a RequestEnvelope (spec §6).
type ResponseEnvelope struct {
	StatusCode int               `json:"statusCode"`
	URL        string            `json:"url,omitempty"`
	RequestID  string            `json:"requestId"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Message is the core unit of the dispatcher's outbound queue.
//
// Immutable after NewMessage() except for RemainingRetries, which the
// transmitter decrements on each retry.
type Message struct {
	ClientID    string      `json:"clientId"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Sender      string      `json:"sender"`
	Priority    Priority    `json:"priority"`
	Reliability Reliability `json:"reliability"`
	EventTime   int64       `json:"eventTime"`
	Ordinal     uint64      `json:"ordinal"`
	Type        Type        `json:"type"`
	Payload     Payload     `json:"payload"`

	RemainingRetries int `json:"remainingRetries"`
}

// nextOrdinal is a monotonic, process-wide local sequence number, used
// to break ties between messages queued in the same call or at the
// same eventTime.
var nextOrdinal = newOrdinalSource()

// NewMessage builds a new Message with a fresh UUID v4 clientId and a
// monotonic ordinal, validating the spec §3 invariants.
func NewMessage(source, destination, sender string, priority Priority, reliability Reliability, eventTime time.Time, typ Type, payload Payload) (*Message, error) {
	msg := &Message{
		ClientID:         uuid.NewString(),
		Source:           source,
		Destination:      destination,
		Sender:           sender,
		Priority:         priority,
		Reliability:      reliability,
		EventTime:        eventTime.UnixMilli(),
		Ordinal:          nextOrdinal.next(),
		Type:             typ,
		Payload:          payload,
		RemainingRetries: DefaultRemainingRetries,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks the spec §3 invariants.
func (m *Message) Validate() error {
	if m.ClientID == "" {
		return fmt.Errorf("model: message clientId must not be empty")
	}
	maxEventTime := time.Now().Add(DefaultClockSkew).UnixMilli()
	if m.EventTime > maxEventTime {
		return fmt.Errorf("model: eventTime %d exceeds now+clockSkew %d", m.EventTime, maxEventTime)
	}
	switch m.Type {
	case TypeData, TypeAlert:
		if m.Payload.Format == "" {
			return fmt.Errorf("model: %s payload must carry a non-empty format", m.Type)
		}
		if m.Type == TypeAlert {
			switch m.Payload.Severity {
			case SeverityLow, SeverityNormal, SeveritySignificant, SeverityCritical:
			default:
				return fmt.Errorf("model: ALERT payload has invalid severity %q", m.Payload.Severity)
			}
		}
		for key, value := range m.Payload.Data {
			if len(key) > MaxKeyBytes || !utf8.ValidString(key) {
				return fmt.Errorf("model: attribute key %q exceeds %d UTF-8 bytes", key, MaxKeyBytes)
			}
			if s, ok := value.(string); ok && (len(s) > MaxStringValueBytes || !utf8.ValidString(s)) {
				return fmt.Errorf("model: attribute %q string value exceeds %d UTF-8 bytes", key, MaxStringValueBytes)
			}
		}
	}
	if m.RemainingRetries < MinRemainingRetries {
		m.RemainingRetries = MinRemainingRetries
	}
	return nil
}

// DecrementRetries consumes one retry attempt and reports whether the
// message still has retries left.
func (m *Message) DecrementRetries() bool {
	m.RemainingRetries--
	return m.RemainingRetries > 0
}

type ordinalSource struct{ ch chan uint64 }

func newOrdinalSource() *ordinalSource {
	s := &ordinalSource{ch: make(chan uint64, 1)}
	s.ch <- 0
	return s
}

func (s *ordinalSource) next() uint64 {
	v := <-s.ch
	v++
	s.ch <- v
	return v
}
