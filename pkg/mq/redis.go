package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to one node, or to a cluster when several
// addresses are given. A single redis:// URL is parsed as such.
func NewRedisClient(brokers []string) (redis.UniversalClient, error) {
	if len(brokers) == 1 && (strings.HasPrefix(brokers[0], "redis://") || strings.HasPrefix(brokers[0], "rediss://")) {
		opts, err := redis.ParseURL(brokers[0])
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{Addrs: brokers}), nil
}

// RedisConsumer reads a stream through a consumer group. Entries left
// pending longer than the session timeout are claimed by whichever group
// member reads next, which is how a crashed worker's batch moves on.
type RedisConsumer struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisConsumer(client redis.UniversalClient, opts Options) *RedisConsumer {
	return &RedisConsumer{client: client, opts: opts.withDefaults()}
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Topic, c.opts.Group(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.opts.Group(), err)
	}
	return nil
}

func (c *RedisConsumer) Run(ctx context.Context, h Handler) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	log := c.opts.Log.With().Str("stream", c.opts.Topic).Str("group", c.opts.Group()).Str("consumer", c.opts.Consumer).Logger()
	log.Info().Msg("consumer joined group")

	for ctx.Err() == nil {
		msgs, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("failed to read from stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			if ctx.Err() != nil {
				break
			}
			c.process(ctx, h, m)
		}
	}
	log.Info().Msg("consumer left group")
	return nil
}

// next prefers stale entries from other consumers over new ones.
func (c *RedisConsumer) next(ctx context.Context) ([]redis.XMessage, error) {
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.opts.Topic,
		Group:    c.opts.Group(),
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.SessionTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group(),
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Topic, ">"},
		Count:    1,
		Block:    c.opts.ReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readgroup: %w", err)
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *RedisConsumer) process(ctx context.Context, h Handler, m redis.XMessage) {
	log := c.opts.Log.With().Str("entry_id", m.ID).Logger()
	d := &redisDelivery{consumer: c, msg: m}
	d.heartbeater = newHeartbeater(c.opts.HeartbeatInterval, d.beat)

	err := handle(ctx, h, d)
	switch {
	case err == nil:
	case errors.Is(err, ErrDrop):
		log.Warn().Err(err).Msg("dropping delivery")
	default:
		log.Error().Err(err).Msg("delivery abandoned, left pending for redelivery")
		return
	}
	// Acks must land even when shutdown cancelled ctx mid-batch.
	if err := c.client.XAck(context.WithoutCancel(ctx), c.opts.Topic, c.opts.Group(), m.ID).Err(); err != nil {
		log.Error().Err(err).Msg("failed to ack delivery")
	}
}

func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

type redisDelivery struct {
	*heartbeater
	consumer *RedisConsumer
	msg      redis.XMessage
}

func (d *redisDelivery) ID() string { return d.msg.ID }

func (d *redisDelivery) Body() []byte {
	switch v := d.msg.Values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// beat resets the entry's idle time by claiming it to its current owner.
func (d *redisDelivery) beat(ctx context.Context) error {
	c := d.consumer
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Topic,
		Group:  c.opts.Group(),
		Start:  d.msg.ID,
		End:    d.msg.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return fmt.Errorf("pending lookup: %w", err)
	}
	if len(pending) == 0 || pending[0].Consumer != c.opts.Consumer {
		return ErrLostOwnership
	}
	err = c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.opts.Topic,
		Group:    c.opts.Group(),
		Consumer: c.opts.Consumer,
		MinIdle:  0,
		Messages: []string{d.msg.ID},
	}).Err()
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	return nil
}

// RedisPublisher appends batches to the stream named after the topic.
type RedisPublisher struct {
	client redis.UniversalClient
	topic  string
}

func NewRedisPublisher(client redis.UniversalClient, topic string) *RedisPublisher {
	return &RedisPublisher{client: client, topic: topic}
}

func (p *RedisPublisher) Publish(ctx context.Context, body []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.topic,
		Values: map[string]any{payloadField: body},
	}).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
