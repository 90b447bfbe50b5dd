// Package bus implements the in-process message bus:
// topic-routed delivery with four priority levels, wildcard subscriptions,
// TTL expiry, per-subscriber circuit breakers, a bounded dead-letter ring,
// and request/response correlation.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a message.
type Type string

const (
	TypeCommand      Type = "command"
	TypeEvent        Type = "event"
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeHeartbeat    Type = "heartbeat"
)

// Priority orders dispatch across queues: critical > high > normal > low.
// There is no fairness guarantee across levels; starvation of low-priority
// traffic under sustained critical load is by design.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Message is one bus envelope.
type Message struct {
	ID            string
	Type          Type
	Priority      Priority
	Source        string
	Target        string
	Topic         string
	Payload       map[string]any
	Timestamp     time.Time
	CorrelationID string
	ReplyTo       string
	TTL           time.Duration // zero means no expiry
}

// expired reports whether the message has outlived its TTL at dispatch time.
func (m *Message) expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) > m.TTL
}

func newID() string { return uuid.NewString() }
