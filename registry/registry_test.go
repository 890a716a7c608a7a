package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/tabular/memstore"
	"eve.evalgo.org/task"
)

func TestTaskRegistry_RegisterAndNew(t *testing.T) {
	r := NewTaskRegistry(nil)
	r.Register("constant", func(id string) (*task.Task, error) {
		return task.NewTask("constant", id), nil
	})

	tk, err := r.New("constant", "a")
	require.NoError(t, err)
	assert.Equal(t, "constant", tk.Type)
	assert.Equal(t, "a", tk.ID)
}

func TestTaskRegistry_UnknownTypeErrors(t *testing.T) {
	r := NewTaskRegistry(nil)
	_, err := r.New("missing", "a")
	require.Error(t, err)
}

func TestQueueRegistry_StartStopClear(t *testing.T) {
	repo := memstore.New(queue.Schema(), queue.PrimaryKey())
	storage := queue.NewStorage(repo)
	bus := eventbus.New(nil)

	server := queue.NewServer(queue.ServerConfig{
		QueueName: "widgets",
		Storage:   storage,
		Limiter:   queue.NewMemoryLimiter(queue.Limits{}),
		Executor: func(ctx context.Context, input map[string]interface{}, progress queue.ProgressFunc) (map[string]interface{}, error) {
			return input, nil
		},
		WaitDuration: 10 * time.Millisecond,
		Bus:          bus,
	})
	client := queue.NewClient("widgets", storage, bus)

	r := NewQueueRegistry(nil)
	r.Add(&QueueHandle{Name: "widgets", Server: server, Client: client, Storage: storage})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.StartQueues(ctx))
	defer r.StopQueues()

	h, ok := r.Get("widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", h.Name)

	require.NoError(t, r.ClearQueues(context.Background()))
}
