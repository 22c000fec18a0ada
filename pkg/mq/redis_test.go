package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, func() redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, func() redis.UniversalClient {
		c, err := NewRedisClient([]string{mr.Addr()})
		require.NoError(t, err)
		return c
	}
}

func testOptions(consumer string) Options {
	return Options{
		Topic:             "broadcasts",
		Consumer:          consumer,
		SessionTimeout:    150 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		ReadBlock:         20 * time.Millisecond,
		Log:               zerolog.Nop(),
	}
}

func pendingCount(t *testing.T, client redis.UniversalClient) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), "broadcasts", GroupID("broadcasts")).Result()
	require.NoError(t, err)
	return p.Count
}

// runUntil runs c until the handler has seen n deliveries.
func runUntil(t *testing.T, c *RedisConsumer, n int, h Handler) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var bodies []string
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ctx context.Context, d Delivery) error {
			bodies = append(bodies, string(d.Body()))
			err := h(ctx, d)
			if len(bodies) == n {
				cancel()
			}
			return err
		})
	}()
	require.NoError(t, <-done)
	require.Len(t, bodies, n)
	return bodies
}

func TestRedisDeliversAndAcks(t *testing.T) {
	_, newClient := newTestRedis(t)
	ctx := context.Background()

	pub := NewRedisPublisher(newClient(), "broadcasts")
	require.NoError(t, pub.Publish(ctx, []byte(`{"n":1}`)))
	require.NoError(t, pub.Publish(ctx, []byte(`{"n":2}`)))

	c := NewRedisConsumer(newClient(), testOptions("w1"))
	bodies := runUntil(t, c, 2, func(context.Context, Delivery) error { return nil })

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, bodies)
	assert.Zero(t, pendingCount(t, c.client))
}

func TestRedisDropAcks(t *testing.T) {
	_, newClient := newTestRedis(t)
	require.NoError(t, NewRedisPublisher(newClient(), "broadcasts").Publish(context.Background(), []byte("not json")))

	c := NewRedisConsumer(newClient(), testOptions("w1"))
	runUntil(t, c, 1, func(context.Context, Delivery) error { return ErrDrop })

	assert.Zero(t, pendingCount(t, c.client))
}

func TestRedisFailedDeliveryIsReclaimedByAnotherConsumer(t *testing.T) {
	_, newClient := newTestRedis(t)
	require.NoError(t, NewRedisPublisher(newClient(), "broadcasts").Publish(context.Background(), []byte("batch")))

	first := NewRedisConsumer(newClient(), testOptions("w1"))
	runUntil(t, first, 1, func(context.Context, Delivery) error { return errors.New("database unavailable") })
	assert.EqualValues(t, 1, pendingCount(t, first.client))

	second := NewRedisConsumer(newClient(), testOptions("w2"))
	start := time.Now()
	bodies := runUntil(t, second, 1, func(context.Context, Delivery) error { return nil })

	assert.Equal(t, []string{"batch"}, bodies)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, pendingCount(t, second.client))
}

func TestRedisHeartbeatKeepsOwnership(t *testing.T) {
	_, newClient := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, NewRedisPublisher(newClient(), "broadcasts").Publish(ctx, []byte("batch")))

	owner := NewRedisConsumer(newClient(), testOptions("w1"))
	require.NoError(t, owner.ensureGroup(ctx))
	msgs, err := owner.next(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	d := &redisDelivery{consumer: owner, msg: msgs[0]}
	d.heartbeater = newHeartbeater(owner.opts.HeartbeatInterval, d.beat)

	other := NewRedisConsumer(newClient(), testOptions("w2"))
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, d.Heartbeat(ctx))
		stolen, err := other.next(ctx)
		require.NoError(t, err)
		require.Empty(t, stolen, "entry reassigned despite heartbeats")
	}

	time.Sleep(200 * time.Millisecond)
	stolen, err := other.next(ctx)
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, msgs[0].ID, stolen[0].ID)

	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, d.Heartbeat(ctx), ErrLostOwnership)
}

func TestRedisDeliveryWithoutPayload(t *testing.T) {
	d := &redisDelivery{msg: redis.XMessage{ID: "1-0", Values: map[string]any{"other": "x"}}}
	assert.Nil(t, d.Body())
	assert.Equal(t, "1-0", d.ID())
}
