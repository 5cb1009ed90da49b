// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation and a retry/dead-letter consumer.
package natsutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts how many times a message has been redelivered.
const RetryHeader = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(*nats.Msg) error
}

// Publish serializes v as JSON and publishes it to subject, injecting the
// trace context from ctx into the message headers.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return p.PublishMsg(msg)
}

// ConsumerOpts configures Consume.
type ConsumerOpts struct {
	// MaxRetries is the delivery count after which a message is dead-lettered.
	MaxRetries int
	// DLQSubject receives messages that exhausted their retries. Empty drops them.
	DLQSubject string
	Logger     *slog.Logger
}

// DeadLetter is published to the DLQ subject.
type DeadLetter[T any] struct {
	Payload T      `json:"payload"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consume subscribes to subject and runs handler for each JSON message of
// type T. A handler error republishes the message with an incremented retry
// header; after MaxRetries it goes to the DLQ. Malformed messages are logged
// and dropped.
func Consume[T any](nc *nats.Conn, subject string, opts ConsumerOpts, handler func(context.Context, T) error) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		deliver(nc, msg, opts, handler)
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

func deliver[T any](p Publisher, msg *nats.Msg, opts ConsumerOpts, handler func(context.Context, T) error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		log.Error("natsutil: unmarshal failed", "subject", msg.Subject, "err", err)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))

	err := handler(ctx, v)
	if err == nil {
		return
	}

	retries := RetryCount(msg) + 1
	log.Error("natsutil: handler failed", "subject", msg.Subject, "retry", retries, "err", err)

	if retries >= opts.MaxRetries {
		if opts.DLQSubject == "" {
			return
		}
		if err := Publish(ctx, p, opts.DLQSubject, DeadLetter[T]{Payload: v, Error: err.Error(), Retries: retries}); err != nil {
			log.Error("natsutil: DLQ publish failed", "subject", opts.DLQSubject, "err", err)
		}
		return
	}

	retry := nats.NewMsg(msg.Subject)
	retry.Data = msg.Data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(retry))
	retry.Header.Set(RetryHeader, strconv.Itoa(retries))
	if err := p.PublishMsg(retry); err != nil {
		log.Error("natsutil: retry publish failed", "subject", msg.Subject, "err", err)
	}
}

// RetryCount returns the message's retry header value, or 0.
func RetryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
