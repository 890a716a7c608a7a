package amqpbridge

import "github.com/streadway/amqp"

// mockConnection is a test double for AMQPConnection.
type mockConnection struct {
	channel  AMQPChannel
	closeErr error
	closed   bool
}

func (m *mockConnection) Channel() (AMQPChannel, error) { return m.channel, nil }
func (m *mockConnection) Close() error {
	m.closed = true
	return m.closeErr
}

// mockChannel is a test double for AMQPChannel, standing in for a broker:
// Publish to a routing key enqueues onto that key's in-memory queue, and
// Consume reads back from it, so a Publisher and Consumer sharing one
// mockChannel behave like they share a real broker's named queue.
type mockChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	queues     map[string]chan amqp.Delivery
	closed     bool

	publishErr error
	declareErr error
}

func newMockChannel() *mockChannel {
	return &mockChannel{queues: make(map[string]chan amqp.Delivery)}
}

func (m *mockChannel) queueFor(name string) chan amqp.Delivery {
	q, ok := m.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, 16)
		m.queues[name] = q
	}
	return q
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.declareErr != nil {
		return amqp.Queue{}, m.declareErr
	}
	m.declared = append(m.declared, name)
	m.queueFor(name)
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	m.keys = append(m.keys, key)
	m.queueFor(key) <- amqp.Delivery{Body: msg.Body}
	return nil
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return m.queueFor(queue), nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

// mockDialer is a test double for AMQPDialer returning a fixed connection.
type mockDialer struct {
	conn    AMQPConnection
	dialErr error
}

func (m *mockDialer) Dial(url string) (AMQPConnection, error) {
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	return m.conn, nil
}
