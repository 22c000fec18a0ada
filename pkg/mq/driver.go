package mq

import "fmt"

// NewConsumer opens a consumer for driver. AMQP uses the first broker as
// its connection URL.
func NewConsumer(driver string, brokers []string, opts Options) (Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	switch driver {
	case DriverRedis:
		client, err := NewRedisClient(brokers)
		if err != nil {
			return nil, err
		}
		return NewRedisConsumer(client, opts), nil
	case DriverAMQP:
		return NewAMQPConsumer(brokers[0], opts)
	}
	return nil, fmt.Errorf("unknown queue driver %q", driver)
}

func NewPublisher(driver string, brokers []string, opts Options) (Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	switch driver {
	case DriverRedis:
		client, err := NewRedisClient(brokers)
		if err != nil {
			return nil, err
		}
		return NewRedisPublisher(client, opts.Topic), nil
	case DriverAMQP:
		return NewAMQPPublisher(brokers[0], opts)
	}
	return nil, fmt.Errorf("unknown queue driver %q", driver)
}
