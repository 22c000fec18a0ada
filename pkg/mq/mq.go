// Package mq delivers broadcast batches from a broker to a Handler.
//
// Two drivers share one contract. A Handler returning nil acknowledges the
// delivery, returning ErrDrop discards it, and any other error leaves it on
// the broker so the group redelivers it later.
package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broadcast-dispatcher/pkg/observability"
)

var (
	// ErrDrop tells the consumer to discard a delivery without redelivery.
	ErrDrop = errors.New("drop delivery")
	// ErrConnectionClosed is returned when the broker connection is gone.
	ErrConnectionClosed = errors.New("broker connection closed")
	// ErrLostOwnership is returned by Heartbeat when the delivery was
	// reassigned to another consumer.
	ErrLostOwnership = errors.New("delivery reassigned to another consumer")
)

const (
	DriverRedis = "redis"
	DriverAMQP  = "amqp"

	groupPrefix  = "whatsapp-broadcaster-"
	payloadField = "payload"
)

// GroupID derives the consumer group shared by every worker on topic.
func GroupID(topic string) string {
	return groupPrefix + topic
}

type Delivery interface {
	ID() string
	Body() []byte
	// Heartbeat signals the group that the delivery is still being worked
	// on. Calls closer together than the heartbeat interval are coalesced.
	Heartbeat(ctx context.Context) error
}

type Handler func(ctx context.Context, d Delivery) error

type Consumer interface {
	// Run blocks, feeding deliveries to h one at a time, until ctx ends.
	Run(ctx context.Context, h Handler) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

type Options struct {
	Topic             string
	Consumer          string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReadBlock         time.Duration
	Log               zerolog.Logger
}

func (o Options) Group() string { return GroupID(o.Topic) }

func (o Options) withDefaults() Options {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 60 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 3 * time.Second
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = 2 * time.Second
	}
	return o
}

// heartbeater coalesces heartbeat calls to at most one broker call per interval.
type heartbeater struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	send     func(ctx context.Context) error
	now      func() time.Time
}

func newHeartbeater(interval time.Duration, send func(ctx context.Context) error) *heartbeater {
	return &heartbeater{interval: interval, send: send, now: time.Now}
}

func (h *heartbeater) Heartbeat(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.last.IsZero() && now.Sub(h.last) < h.interval {
		observability.Heartbeats.WithLabelValues("coalesced").Inc()
		return nil
	}
	if err := h.send(ctx); err != nil {
		observability.Heartbeats.WithLabelValues("error").Inc()
		return err
	}
	h.last = now
	observability.Heartbeats.WithLabelValues("sent").Inc()
	return nil
}

// handle runs h and converts a panic into an error so the delivery is
// treated as abandoned.
func handle(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
