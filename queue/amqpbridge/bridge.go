package amqpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	streadwayamqp "github.com/streadway/amqp"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
)

// SubmitMessage is the job-submit payload carried over AMQP, mirroring
// transport.SubmitPayload so the same underlying queue can be fed
// interchangeably over WebSocket, HTTP, or AMQP.
type SubmitMessage struct {
	Queue      string                 `json:"queue"`
	JobRunID   string                 `json:"jobRunId,omitempty"`
	Input      map[string]interface{} `json:"input"`
	MaxRetries int                    `json:"maxRetries,omitempty"`
}

// CompleteMessage is the job-complete/job-error payload published back once
// a submitted job finishes.
type CompleteMessage struct {
	Queue   string                 `json:"queue"`
	JobID   string                 `json:"jobId"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Errored bool                   `json:"errored,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Publisher declares a durable queue and publishes SubmitMessages to it.
type Publisher struct {
	conn      AMQPConnection
	channel   AMQPChannel
	queueName string
}

// NewPublisher dials url via dialer, opens a channel, and declares a
// durable queue named queueName.
func NewPublisher(dialer AMQPDialer, url, queueName string) (*Publisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpbridge: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpbridge: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpbridge: declare queue %q: %w", queueName, err)
	}
	return &Publisher{conn: conn, channel: ch, queueName: queueName}, nil
}

// Publish marshals msg and publishes it to the publisher's declared queue.
func (p *Publisher) Publish(msg SubmitMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("amqpbridge: marshal submit message: %w", err)
	}
	return p.channel.Publish("", p.queueName, false, false, streadwayamqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close closes the publisher's channel and connection.
func (p *Publisher) Close() error {
	p.channel.Close()
	return p.conn.Close()
}

// Consumer consumes SubmitMessages from a durable queue and dispatches them
// onto the matching registry.QueueHandle, the AMQP-side counterpart to
// transport.Worker's websocket handler.
type Consumer struct {
	conn      AMQPConnection
	channel   AMQPChannel
	queueName string
	completeTo string
	queues    *registry.QueueRegistry
	logger    *logrus.Entry
}

// NewConsumer dials url, opens a channel, declares queueName, and returns a
// Consumer that will submit deliveries into queues. completeTo, if
// non-empty, names a second durable queue the consumer publishes
// CompleteMessages to once a job finishes.
func NewConsumer(dialer AMQPDialer, url, queueName, completeTo string, queues *registry.QueueRegistry, logger *logrus.Logger) (*Consumer, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpbridge: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpbridge: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpbridge: declare queue %q: %w", queueName, err)
	}
	if completeTo != "" {
		if _, err := ch.QueueDeclare(completeTo, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("amqpbridge: declare queue %q: %w", completeTo, err)
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{
		conn:       conn,
		channel:    ch,
		queueName:  queueName,
		completeTo: completeTo,
		queues:     queues,
		logger:     logger.WithField("component", "amqpbridge.consumer"),
	}, nil
}

// Close closes the consumer's channel and connection.
func (c *Consumer) Close() error {
	c.channel.Close()
	return c.conn.Close()
}

// Run consumes deliveries until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queueName, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqpbridge: consume %q: %w", c.queueName, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			go c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d streadwayamqp.Delivery) {
	var submit SubmitMessage
	if err := json.Unmarshal(d.Body, &submit); err != nil {
		c.logger.WithError(err).Warn("dropping malformed submit message")
		return
	}

	handle, ok := c.queues.Get(submit.Queue)
	if !ok {
		c.publishComplete(CompleteMessage{Queue: submit.Queue, Errored: true, Error: fmt.Sprintf("no queue registered for name %q", submit.Queue)})
		return
	}

	id, err := handle.Client.Add(ctx, submit.Input, queue.AddOptions{JobRunID: submit.JobRunID, MaxRetries: submit.MaxRetries})
	if err != nil {
		c.publishComplete(CompleteMessage{Queue: submit.Queue, Errored: true, Error: err.Error()})
		return
	}

	output, err := handle.Client.WaitFor(ctx, id)
	if err != nil {
		c.publishComplete(CompleteMessage{Queue: submit.Queue, JobID: id, Errored: true, Error: err.Error()})
		return
	}
	c.publishComplete(CompleteMessage{Queue: submit.Queue, JobID: id, Output: output})
}

func (c *Consumer) publishComplete(msg CompleteMessage) {
	if c.completeTo == "" {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal complete message")
		return
	}
	if err := c.channel.Publish("", c.completeTo, false, false, streadwayamqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		c.logger.WithError(err).Warn("failed to publish complete message")
	}
}
