package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
	"eve.evalgo.org/tabular/memstore"
)

func TestMessage_JSONRoundTrip(t *testing.T) {
	msg := NewMessage(KindJobSubmit, "widgets")
	require.NoError(t, msg.SetPayload(SubmitPayload{Input: map[string]interface{}{"n": 1.0}}))

	data, err := msg.JSON()
	require.NoError(t, err)

	decoded, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, KindJobSubmit, decoded.Kind)
	assert.Equal(t, "widgets", decoded.Queue)

	payload, err := decoded.GetSubmitPayload()
	require.NoError(t, err)
	assert.Equal(t, 1.0, payload.Input["n"])
}

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

func TestHTTPServer_SubmitAndPoll(t *testing.T) {
	queues := newTestQueues(t)
	srv := httptest.NewServer(NewHTTPServer(queues).Handler())
	defer srv.Close()

	body, _ := json.Marshal(submitRequest{Input: map[string]interface{}{"value": 5.0}})
	resp, err := http.Post(srv.URL+"/queues/widgets/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	require.NotEmpty(t, submitted.ID)

	require.Eventually(t, func() bool {
		statusResp, err := http.Get(srv.URL + "/queues/widgets/jobs/" + submitted.ID)
		require.NoError(t, err)
		defer statusResp.Body.Close()
		var status statusResponse
		require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
		return status.Status == "COMPLETED"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPServer_UnknownQueue(t *testing.T) {
	queues := newTestQueues(t)
	srv := httptest.NewServer(NewHTTPServer(queues).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/queues/missing/jobs", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorker_SubmitOverWebsocket(t *testing.T) {
	queues := newTestQueues(t)
	worker := NewWorker(queues, nil)

	srv := httptest.NewServer(http.HandlerFunc(worker.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	client := NewClient(DefaultClientConfig(wsURL))
	require.NoError(t, client.Connect())
	defer client.Close()

	complete := make(chan *Message, 1)
	client.OnMessage(KindJobComplete, func(m *Message) { complete <- m })

	require.Eventually(t, func() bool {
		submit := NewMessage(KindJobSubmit, "widgets")
		_ = submit.SetPayload(SubmitPayload{Input: map[string]interface{}{"value": 7.0}})
		return client.Send(submit) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case msg := <-complete:
		payload, err := msg.GetCompletePayload()
		require.NoError(t, err)
		assert.False(t, payload.Errored)
		assert.Equal(t, 14.0, payload.Output["value"])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job_complete")
	}
}
