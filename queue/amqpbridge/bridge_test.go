package amqpbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
	"eve.evalgo.org/tabular/memstore"
)

func newTestQueues(t *testing.T) *registry.QueueRegistry {
	t.Helper()
	repo := memstore.New(queue.Schema(), queue.PrimaryKey())
	storage := queue.NewStorage(repo)
	bus := eventbus.New(nil)

	server := queue.NewServer(queue.ServerConfig{
		QueueName: "widgets",
		Storage:   storage,
		Limiter:   queue.NewMemoryLimiter(queue.Limits{}),
		Executor: func(ctx context.Context, input map[string]interface{}, progress queue.ProgressFunc) (map[string]interface{}, error) {
			return map[string]interface{}{"value": input["value"].(float64) * 2}, nil
		},
		WaitDuration: 10 * time.Millisecond,
		Bus:          bus,
	})
	client := queue.NewClient("widgets", storage, bus)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		server.Stop()
		cancel()
	})

	queues := registry.NewQueueRegistry(nil)
	queues.Add(&registry.QueueHandle{Name: "widgets", Server: server, Client: client, Storage: storage})
	return queues
}

func sharedDialer() (*mockDialer, *mockChannel) {
	ch := newMockChannel()
	conn := &mockConnection{channel: ch}
	return &mockDialer{conn: conn}, ch
}

func TestPublisher_PublishDeclaresAndMarshals(t *testing.T) {
	dialer, ch := sharedDialer()

	pub, err := NewPublisher(dialer, "amqp://unused", "jobs")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(SubmitMessage{Queue: "widgets", Input: map[string]interface{}{"value": 3.0}}))

	require.Len(t, ch.published, 1)
	var decoded SubmitMessage
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, "widgets", decoded.Queue)
	assert.Equal(t, 3.0, decoded.Input["value"])
}

func TestConsumer_RunSubmitsAndPublishesComplete(t *testing.T) {
	queues := newTestQueues(t)
	dialer, ch := sharedDialer()

	pub, err := NewPublisher(dialer, "amqp://unused", "jobs")
	require.NoError(t, err)
	defer pub.Close()

	consumer, err := NewConsumer(dialer, "amqp://unused", "jobs", "jobs.complete", queues, nil)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	require.NoError(t, pub.Publish(SubmitMessage{Queue: "widgets", Input: map[string]interface{}{"value": 6.0}}))

	completeQueue := ch.queueFor("jobs.complete")
	select {
	case delivery := <-completeQueue:
		var msg CompleteMessage
		require.NoError(t, json.Unmarshal(delivery.Body, &msg))
		assert.False(t, msg.Errored)
		assert.Equal(t, 12.0, msg.Output["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for complete message")
	}
}

func TestConsumer_UnknownQueuePublishesErrorComplete(t *testing.T) {
	queues := newTestQueues(t)
	dialer, ch := sharedDialer()

	pub, err := NewPublisher(dialer, "amqp://unused", "jobs")
	require.NoError(t, err)
	defer pub.Close()

	consumer, err := NewConsumer(dialer, "amqp://unused", "jobs", "jobs.complete", queues, nil)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	require.NoError(t, pub.Publish(SubmitMessage{Queue: "missing", Input: map[string]interface{}{}}))

	completeQueue := ch.queueFor("jobs.complete")
	select {
	case delivery := <-completeQueue:
		var msg CompleteMessage
		require.NoError(t, json.Unmarshal(delivery.Body, &msg))
		assert.True(t, msg.Errored)
		assert.Contains(t, msg.Error, "missing")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error complete message")
	}
}
