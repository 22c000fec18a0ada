package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	BroadcastExchange = "broadcasts.exchange"
	DLXExchange       = "broadcasts.dlx"
	DeadLetterQueue   = "broadcasts.dead_letter.queue"
)

func dial(url string, opts Options) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  opts.HeartbeatInterval,
		Properties: amqp.Table{"connection_name": opts.Consumer},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return conn, ch, nil
}

// SetupTopology declares the broadcast exchange, the group queue bound to
// topic and the dead-letter path for dropped batches. Idempotent.
func SetupTopology(ch *amqp.Channel, topic, group string) error {
	if err := ch.ExchangeDeclare(BroadcastExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// One durable queue per group; every worker in the group competes on it.
	_, err := ch.QueueDeclare(group, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	})
	if err != nil {
		return err
	}
	return ch.QueueBind(group, topic, BroadcastExchange, false, nil)
}

type AMQPConsumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options
}

func NewAMQPConsumer(url string, opts Options) (*AMQPConsumer, error) {
	opts = opts.withDefaults()
	conn, ch, err := dial(url, opts)
	if err != nil {
		return nil, err
	}
	c := &AMQPConsumer{conn: conn, ch: ch, opts: opts}
	// One unacked batch per worker so a slow throttled batch never holds others.
	if err := ch.Qos(1, 0, false); err != nil {
		c.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := SetupTopology(ch, opts.Topic, opts.Group()); err != nil {
		c.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return c, nil
}

func (c *AMQPConsumer) Run(ctx context.Context, h Handler) error {
	deliveries, err := c.ch.Consume(
		c.opts.Group(),
		c.opts.Consumer,
		false, // auto-ack is false. We ack once the batch is recorded.
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Group(), err)
	}
	log := c.opts.Log.With().Str("queue", c.opts.Group()).Str("consumer", c.opts.Consumer).Logger()
	log.Info().Msg("consumer joined group")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer left group")
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			c.process(ctx, h, msg)
		}
	}
}

func (c *AMQPConsumer) process(ctx context.Context, h Handler, msg amqp.Delivery) {
	log := c.opts.Log.With().Uint64("delivery_tag", msg.DeliveryTag).Str("message_id", msg.MessageId).Logger()
	d := &amqpDelivery{msg: msg}
	d.heartbeater = newHeartbeater(c.opts.HeartbeatInterval, func(context.Context) error {
		if c.conn.IsClosed() {
			return ErrConnectionClosed
		}
		return nil
	})

	err := handle(ctx, h, d)
	var ackErr error
	switch {
	case err == nil:
		ackErr = msg.Ack(false)
	case errors.Is(err, ErrDrop):
		// The queue is configured with a DLX, so a nack without requeue
		// dead-letters the batch.
		log.Warn().Err(err).Msg("dropping delivery")
		ackErr = msg.Nack(false, false)
	default:
		log.Error().Err(err).Msg("delivery abandoned, requeueing")
		ackErr = msg.Nack(false, true)
	}
	if ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to settle delivery")
	}
}

func (c *AMQPConsumer) Close() error {
	c.ch.Close()
	return c.conn.Close()
}

type amqpDelivery struct {
	*heartbeater
	msg amqp.Delivery
}

func (d *amqpDelivery) ID() string {
	if d.msg.MessageId != "" {
		return d.msg.MessageId
	}
	return fmt.Sprint(d.msg.DeliveryTag)
}

func (d *amqpDelivery) Body() []byte { return d.msg.Body }

type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	topic string
}

func NewAMQPPublisher(url string, opts Options) (*AMQPPublisher, error) {
	opts = opts.withDefaults()
	conn, ch, err := dial(url, opts)
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{conn: conn, ch: ch, topic: opts.Topic}
	if err := SetupTopology(ch, opts.Topic, opts.Group()); err != nil {
		p.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, body []byte) error {
	return p.ch.PublishWithContext(ctx,
		BroadcastExchange, // exchange
		p.topic,           // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Body:         body,
		})
}

func (p *AMQPPublisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}
