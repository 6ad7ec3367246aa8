// Package queue carries task messages between the API and the workers over
// Kafka. Messages are committed only after the handler finishes, so a worker
// crash redelivers the message to another consumer in the group.
package queue

import (
	"context"
	"time"
)

// MessageQueue is the transport surface used by the API and workers.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker connection is alive.
	Ping(ctx context.Context) error

	// Close closes the producer and stops all consumers.
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Consumer registers handlers and runs the fetch loops.
type Consumer interface {
	// Subscribe registers a handler for a topic with default options.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error

	// SubscribeWithOptions registers a handler with custom options.
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start launches the fetch loops for all registered subscriptions.
	Start() error

	// Stop drains the fetch loops and waits for in-flight handlers.
	Stop() error
}

// Message is one queue entry. Body is the payload; the other fields travel
// as headers.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Expiration time.Duration     `json:"expiration"`
}

// HandlerFunc processes one message. A nil return commits the message; an
// error triggers the retry path and eventually the dead letter topic.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// ConsumerGroup names the Kafka consumer group.
	ConsumerGroup string

	// PrefetchCount sets how many fetched messages may wait per worker.
	PrefetchCount int

	// Concurrency sets the number of handler workers.
	Concurrency int

	// MaxRetries bounds handler retries before dead lettering.
	MaxRetries int

	// RetryDelay is the wait between handler retries.
	RetryDelay time.Duration

	// DeadLetterTopic receives messages that exhausted their retries.
	DeadLetterTopic string

	// MessageTTL drops messages older than this without handling them.
	MessageTTL time.Duration
}

// SetDefaults fills zero-valued options.
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount == 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with the given payload.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: 3,
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// ShouldRetry reports whether the message has retries left.
func (m *Message) ShouldRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// Expired reports whether the message outlived its TTL.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}
