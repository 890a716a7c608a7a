package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/outputcache"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular/memstore"
	"eve.evalgo.org/task"
)

func numberSchema(name string) *schema.Schema {
	return &schema.Schema{Name: name, Fields: []schema.Field{{Name: "value", Type: schema.Number}}}
}

func TestRunner_InlineDataflow(t *testing.T) {
	g := task.NewGraph()
	a := task.NewTask("constant", "a")
	a.OutputSchema = numberSchema("a-out")
	a.RunInputData["value"] = 21.0
	b := task.NewTask("double", "b")
	b.InputSchema = numberSchema("b-in")

	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	require.NoError(t, g.AddDataflow(&task.Dataflow{SourceTaskID: "a", SourceTaskPortID: "value", TargetTaskID: "b", TargetTaskPortID: "value"}))

	executors := Executors{
		"constant": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"value": input["value"]}, nil
		},
		"double": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"value": input["value"].(float64) * 2}, nil
		},
	}
	r := New(executors, nil, nil, nil)
	require.NoError(t, r.Run(context.Background(), g, "run-1"))

	bTask, _ := g.GetTask("b")
	assert.Equal(t, task.StatusCompleted, bTask.Status)
	assert.Equal(t, 42.0, bTask.RunOutputData["value"])
}

func TestRunner_ArrayFanOut(t *testing.T) {
	g := task.NewGraph()
	src := task.NewTask("list", "src")
	src.RunInputData["values"] = []interface{}{1.0, 2.0, 3.0}
	double := task.NewTask("double", "d")
	double.InputSchema = numberSchema("d-in")

	require.NoError(t, g.AddTask(src))
	require.NoError(t, g.AddTask(double))
	require.NoError(t, g.AddDataflow(&task.Dataflow{SourceTaskID: "src", SourceTaskPortID: "values", TargetTaskID: "d", TargetTaskPortID: "value"}))

	executors := Executors{
		"list": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"values": input["values"]}, nil
		},
		"double": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"value": input["value"].(float64) * 2}, nil
		},
	}
	r := New(executors, nil, nil, nil)
	require.NoError(t, r.Run(context.Background(), g, "run-1"))

	dTask, _ := g.GetTask("d")
	assert.Equal(t, task.StatusCompleted, dTask.Status)
	assert.ElementsMatch(t, []interface{}{2.0, 4.0, 6.0}, dTask.RunOutputData["value"])
}

func TestRunner_ArrayFanOutRecordsReplicationProvenance(t *testing.T) {
	g := task.NewGraph()
	src := task.NewTask("list", "src")
	src.RunInputData["values"] = []interface{}{1.0, 2.0}
	double := task.NewTask("double", "d")
	double.InputSchema = numberSchema("d-in")

	require.NoError(t, g.AddTask(src))
	require.NoError(t, g.AddTask(double))
	require.NoError(t, g.AddDataflow(&task.Dataflow{SourceTaskID: "src", SourceTaskPortID: "values", TargetTaskID: "d", TargetTaskPortID: "value"}))

	var seenProvenance []map[string]interface{}
	executors := Executors{
		"list": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"values": input["values"]}, nil
		},
		"double": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			seenProvenance = append(seenProvenance, rc.Task.Config.Provenance)
			return map[string]interface{}{"value": input["value"].(float64) * 2}, nil
		},
	}
	r := New(executors, nil, nil, nil)
	require.NoError(t, r.Run(context.Background(), g, "run-1"))

	require.Len(t, seenProvenance, 2)
	for i, prov := range seenProvenance {
		replication, ok := prov["replication"].(map[string]interface{})
		require.True(t, ok)
		step, ok := replication["value"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 2, step["factor"])
		assert.Contains(t, []int{0, 1}, step["index"])
		_ = i
	}
}

func TestRunner_AbortPropagatesToQueuedJob(t *testing.T) {
	repo := memstore.New(queue.Schema(), queue.PrimaryKey())
	storage := queue.NewStorage(repo)
	bus := eventbus.New(nil)
	client := queue.NewClient("widgets", storage, bus)

	queues := registry.NewQueueRegistry(nil)
	queues.Add(&registry.QueueHandle{Name: "widgets", Client: client, Storage: storage})

	jobRunID := "run-1"
	id, err := client.Add(context.Background(), map[string]interface{}{"n": 1.0}, queue.AddOptions{JobRunID: jobRunID})
	require.NoError(t, err)
	ok, err := storage.CompareAndSetStatus(context.Background(), id, queue.StatusPending, queue.StatusProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(nil, queues, nil, nil)
	r.abortQueuedJobs(jobRunID)

	job, found, err := storage.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, queue.StatusAborting, job.Status)
}

func TestRunner_FailurePropagatesToSkipped(t *testing.T) {
	g := task.NewGraph()
	a := task.NewTask("boom", "a")
	b := task.NewTask("noop", "b")
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	require.NoError(t, g.AddDataflow(&task.Dataflow{SourceTaskID: "a", SourceTaskPortID: "out", TargetTaskID: "b", TargetTaskPortID: "in"}))

	executors := Executors{
		"boom": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return nil, assertErr("boom")
		},
		"noop": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		},
	}
	r := New(executors, nil, nil, nil)
	err := r.Run(context.Background(), g, "run-1")
	require.Error(t, err)

	aTask, _ := g.GetTask("a")
	bTask, _ := g.GetTask("b")
	assert.Equal(t, task.StatusFailed, aTask.Status)
	assert.Equal(t, task.StatusSkipped, bTask.Status)
}

func TestRunner_CacheableTaskReusesOutput(t *testing.T) {
	cache := outputcache.New(memstore.New(outputcache.Schema(), outputcache.PrimaryKey()))
	calls := 0
	executors := Executors{
		"expensive": func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error) {
			calls++
			return map[string]interface{}{"result": 99.0}, nil
		},
	}
	r := New(executors, nil, cache, nil)

	run := func() {
		g := task.NewGraph()
		a := task.NewTask("expensive", "a")
		a.Cacheable = true
		a.RunInputData["x"] = 1.0
		require.NoError(t, g.AddTask(a))
		require.NoError(t, r.Run(context.Background(), g, "run"))
	}
	run()
	run()
	assert.Equal(t, 1, calls, "second run with identical input must hit the cache")
}

func TestRunner_QueuedDispatch(t *testing.T) {
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
	defer cancel()
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	queues := registry.NewQueueRegistry(nil)
	queues.Add(&registry.QueueHandle{Name: "widgets", Server: server, Client: client, Storage: storage})

	g := task.NewGraph()
	a := task.NewTask("double", "a")
	a.ExecuteOn = "widgets"
	a.RunInputData["value"] = 10.0
	require.NoError(t, g.AddTask(a))

	r := New(nil, queues, nil, nil)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, r.Run(waitCtx, g, "run-1"))

	assert.Equal(t, task.StatusCompleted, a.Status)
	assert.Equal(t, 20.0, a.RunOutputData["value"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
