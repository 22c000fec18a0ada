package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupID(t *testing.T) {
	assert.Equal(t, "whatsapp-broadcaster-broadcasts", GroupID("broadcasts"))
	assert.Equal(t, "whatsapp-broadcaster-promo", Options{Topic: "promo"}.Group())
}

func TestHeartbeaterCoalescesCalls(t *testing.T) {
	calls := 0
	hb := newHeartbeater(3*time.Second, func(context.Context) error {
		calls++
		return nil
	})
	now := time.Unix(1000, 0)
	hb.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, hb.Heartbeat(ctx))
	now = now.Add(time.Second)
	require.NoError(t, hb.Heartbeat(ctx))
	now = now.Add(time.Second)
	require.NoError(t, hb.Heartbeat(ctx))
	assert.Equal(t, 1, calls)

	now = now.Add(time.Second)
	require.NoError(t, hb.Heartbeat(ctx))
	assert.Equal(t, 2, calls)
}

func TestHeartbeaterRetriesAfterError(t *testing.T) {
	fail := true
	calls := 0
	hb := newHeartbeater(time.Hour, func(context.Context) error {
		calls++
		if fail {
			return ErrConnectionClosed
		}
		return nil
	})

	assert.ErrorIs(t, hb.Heartbeat(context.Background()), ErrConnectionClosed)
	fail = false
	assert.NoError(t, hb.Heartbeat(context.Background()))
	assert.Equal(t, 2, calls)
}

type stubDelivery struct{}

func (stubDelivery) ID() string                      { return "1" }
func (stubDelivery) Body() []byte                    { return nil }
func (stubDelivery) Heartbeat(context.Context) error { return nil }

func TestHandleRecoversPanic(t *testing.T) {
	err := handle(context.Background(), func(context.Context, Delivery) error {
		panic("boom")
	}, stubDelivery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, errors.Is(err, ErrDrop))
}

func TestNewConsumerRejectsUnknownDriver(t *testing.T) {
	_, err := NewConsumer("kafka", []string{"localhost:9092"}, Options{Topic: "broadcasts"})
	assert.Error(t, err)

	_, err = NewPublisher(DriverRedis, nil, Options{Topic: "broadcasts"})
	assert.Error(t, err)
}
