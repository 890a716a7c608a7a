// Package runner implements the task graph runner: topological execution,
// input resolution across dataflows, array fan-out, output-cache lookups,
// inline vs queued dispatch, compound/subgraph tasks, abort propagation,
// and completion. Built on a CanHandle-then-Execute dispatch shape and a
// phase-transition/event-notification pattern, generalized from a single
// flat action list onto a task.Graph with dataflow-driven dependencies.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/audit"
	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/outputcache"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/task"
	"eve.evalgo.org/taskerr"
)

// RunContext is exposed to an inline task's execution function.
type RunContext struct {
	// Signal is cancelled when the governing run's abort fires.
	Signal context.Context
	// UpdateProgress reports incremental progress for the current task.
	UpdateProgress func(percent int, message string, details map[string]interface{})
	// Cache is the shared output cache handle, exposed for tasks that want
	// to read/write auxiliary cache entries beyond the runner's own
	// automatic cacheable-task lookup.
	Cache *outputcache.Cache
	// Task is the instance currently executing, including any
	// fan-out replication metadata recorded on its Config.Provenance.
	Task *task.Task
}

// InlineExecutor runs one task's input and returns its output, the
// execution half of the task registration contract.
type InlineExecutor func(ctx context.Context, rc *RunContext, input map[string]interface{}) (map[string]interface{}, error)

// Executors maps task type to its inline execution function. Task types
// with an ExecuteOn queue do not need an entry here.
type Executors map[string]InlineExecutor

// Runner executes one task.Graph to completion.
type Runner struct {
	executors Executors
	queues    *registry.QueueRegistry
	cache     *outputcache.Cache
	bus       *eventbus.Bus
	logger    *logrus.Logger
	auditLog  *audit.Log
}

// Option configures optional Runner behavior.
type Option func(*Runner)

// WithAuditLog persists the run's start/complete/error/abort events to log,
// supplementing the in-process event bus with a queryable trail (see
// audit.Log). Opt-in; the bus's synchronous in-process semantics are
// unchanged either way.
func WithAuditLog(log *audit.Log) Option {
	return func(r *Runner) { r.auditLog = log }
}

// New constructs a Runner. queues and cache may be nil if the graph has no
// queued or cacheable tasks respectively.
func New(executors Executors, queues *registry.QueueRegistry, cache *outputcache.Cache, logger *logrus.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Runner{
		executors: executors,
		queues:    queues,
		cache:     cache,
		bus:       eventbus.New(logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// record appends an audit event if an audit log was configured via
// WithAuditLog; failures are logged, not returned, so audit persistence
// never changes a run's outcome.
func (r *Runner) record(jobRunID, taskID, kind string, data map[string]interface{}) {
	if r.auditLog == nil {
		return
	}
	if err := r.auditLog.Record(context.Background(), audit.Event{RunID: jobRunID, TaskID: taskID, Kind: kind, Data: data}); err != nil {
		r.logger.WithError(err).Warn("failed to record audit event")
	}
}

// Events returns the runner's event bus: start, progress, complete, error,
// abort, changed. No reset event is emitted.
func (r *Runner) Events() *eventbus.Bus { return r.bus }

// Run executes g to completion under ctx, tagging any queued jobs with
// jobRunID so they can be aborted together.
func (r *Runner) Run(ctx context.Context, g *task.Graph, jobRunID string) error {
	r.bus.Emit("start", jobRunID)
	r.record(jobRunID, "", "start", nil)

	order, err := g.TopologicallySortedNodes()
	if err != nil {
		r.bus.Emit("error", jobRunID, err)
		r.record(jobRunID, "", "error", map[string]interface{}{"error": err.Error()})
		return err
	}

	var causes []error
	for _, t := range order {
		select {
		case <-ctx.Done():
			r.abortRemaining(g, order, t.ID)
			r.abortQueuedJobs(jobRunID)
			r.bus.Emit("abort", jobRunID, ctx.Err())
			r.record(jobRunID, t.ID, "abort", map[string]interface{}{"error": ctx.Err().Error()})
			return ctx.Err()
		default:
		}

		if t.Status.IsTerminal() {
			continue
		}

		if r.predecessorFailed(g, t) {
			t.Status = task.StatusSkipped
			r.bus.Emit("changed", jobRunID, t.ID, t.Status)
			continue
		}

		if err := r.runTask(ctx, g, t, jobRunID); err != nil {
			causes = append(causes, fmt.Errorf("task %s: %w", t.ID, err))
			r.bus.Emit("error", jobRunID, t.ID, err)
			r.record(jobRunID, t.ID, "error", map[string]interface{}{"error": err.Error()})
		}
	}

	if len(causes) > 0 {
		r.bus.Emit("error", jobRunID, causes)
		return aggregateError(causes)
	}

	r.bus.Emit("complete", jobRunID)
	r.record(jobRunID, "", "complete", nil)
	return nil
}

func (r *Runner) predecessorFailed(g *task.Graph, t *task.Task) bool {
	for _, df := range g.GetSourceDataflows(t.ID) {
		source, ok := g.GetTask(df.SourceTaskID)
		if !ok {
			continue
		}
		if source.Status == task.StatusFailed || source.Status == task.StatusSkipped {
			return true
		}
	}
	return false
}

// runTask resolves inputs, applies array fan-out, checks the cache,
// dispatches (inline, queued, or as a compound subgraph), and stores the
// result back onto t.
func (r *Runner) runTask(ctx context.Context, g *task.Graph, t *task.Task, jobRunID string) error {
	t.Status = task.StatusProcessing
	r.bus.Emit("changed", jobRunID, t.ID, t.Status)

	resolved, err := r.resolveInputs(g, t)
	if err != nil {
		t.Status = task.StatusFailed
		return err
	}
	for k, v := range resolved {
		t.RunInputData[k] = v
	}

	if fanOutPort, values, ok := r.needsFanOut(t); ok {
		return r.runFanOut(ctx, g, t, jobRunID, fanOutPort, values)
	}

	output, err := r.execute(ctx, t, jobRunID)
	if err != nil {
		t.Status = task.StatusFailed
		r.failOutgoingDataflows(g, t)
		return err
	}

	t.RunOutputData = output
	t.Status = task.StatusCompleted
	r.completeOutgoingDataflows(g, t)
	r.bus.Emit("complete", jobRunID, t.ID, output)
	r.record(jobRunID, t.ID, "complete", output)
	return nil
}

// needsFanOut reports the first input port whose schema declares a scalar
// type but whose resolved RunInputData value is a []interface{}, the
// array fan-out behavior a task can opt into. Fan-out composes over
// multiple such inputs by Cartesian product; this finds one port at a
// time and runFanOut recurses internally to cover the rest.
func (r *Runner) needsFanOut(t *task.Task) (string, []interface{}, bool) {
	if t.InputSchema == nil {
		return "", nil, false
	}
	for _, field := range t.InputSchema.Fields {
		if field.Type == schema.Array {
			continue
		}
		v, ok := t.RunInputData[field.Name]
		if !ok {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			return field.Name, arr, true
		}
	}
	return "", nil, false
}

// withReplication returns a copy of parent's provenance with this
// fan-out step recorded under "replication", keyed by port so nested
// fan-out (Cartesian product over multiple ports) records one entry per
// port instead of overwriting the outer one. Cache keys stay
// deterministic because each replica's RunInputData already differs;
// this is audit-trail metadata, not the cache key itself.
func withReplication(parent map[string]interface{}, port string, index, factor int) map[string]interface{} {
	out := make(map[string]interface{}, len(parent)+1)
	for k, v := range parent {
		out[k] = v
	}
	replication, _ := out["replication"].(map[string]interface{})
	if replication == nil {
		replication = make(map[string]interface{})
	} else {
		clone := make(map[string]interface{}, len(replication))
		for k, v := range replication {
			clone[k] = v
		}
		replication = clone
	}
	replication[port] = map[string]interface{}{"index": index, "factor": factor}
	out["replication"] = replication
	return out
}

// runFanOut replicates t once per element of values on fanOutPort,
// aggregating each child's outputs back into arrays on t's output ports.
// Cartesian product over multiple fan-out ports falls out naturally: each
// recursive call handles one port, so nested fan-out ports on a single
// child get expanded in turn.
func (r *Runner) runFanOut(ctx context.Context, g *task.Graph, t *task.Task, jobRunID, fanOutPort string, values []interface{}) error {
	aggregated := make(map[string][]interface{})
	for i, v := range values {
		child := *t
		child.ID = fmt.Sprintf("%s#%d", t.ID, i)
		child.RunInputData = make(map[string]interface{}, len(t.RunInputData))
		for k, val := range t.RunInputData {
			child.RunInputData[k] = val
		}
		child.RunInputData[fanOutPort] = v
		child.RunOutputData = make(map[string]interface{})
		child.Status = task.StatusPending
		child.Config.Provenance = withReplication(t.Config.Provenance, fanOutPort, i, len(values))

		if fanOutPort2, values2, ok := r.needsFanOut(&child); ok {
			if err := r.runFanOut(ctx, g, &child, jobRunID, fanOutPort2, values2); err != nil {
				return err
			}
		} else {
			output, err := r.execute(ctx, &child, jobRunID)
			if err != nil {
				return fmt.Errorf("fan-out element %d: %w", i, err)
			}
			child.RunOutputData = output
			child.Status = task.StatusCompleted
		}

		for k, v := range child.RunOutputData {
			aggregated[k] = append(aggregated[k], v)
		}
	}

	t.RunOutputData = make(map[string]interface{}, len(aggregated))
	for k, vs := range aggregated {
		t.RunOutputData[k] = vs
	}
	t.Status = task.StatusCompleted
	r.completeOutgoingDataflows(g, t)
	r.bus.Emit("complete", jobRunID, t.ID, t.RunOutputData)
	return nil
}

// execute runs a single (non-fan-out) task instance: cache lookup, then
// inline or queued dispatch, then cache write on success.
func (r *Runner) execute(ctx context.Context, t *task.Task, jobRunID string) (map[string]interface{}, error) {
	if t.SubGraph != nil {
		return r.executeSubGraph(ctx, t, jobRunID)
	}

	if t.Cacheable && r.cache != nil {
		var cached map[string]interface{}
		found, err := r.cache.GetOutput(ctx, t.Type, t.RunInputData, &cached)
		if err == nil && found {
			return cached, nil
		}
	}

	progress := func(percent int, message string, details map[string]interface{}) {
		r.bus.Emit("progress", jobRunID, t.ID, percent, message, details)
	}

	var output map[string]interface{}
	var err error
	if t.ExecuteOn != "" {
		output, err = r.dispatchQueued(ctx, t, jobRunID, progress)
	} else {
		output, err = r.dispatchInline(ctx, t, progress)
	}
	if err != nil {
		return nil, err
	}

	if t.Cacheable && r.cache != nil {
		if cacheErr := r.cache.SaveOutput(ctx, t.Type, t.RunInputData, output); cacheErr != nil {
			r.logger.WithError(cacheErr).Warn("failed to write task output to cache")
		}
	}
	return output, nil
}

func (r *Runner) dispatchInline(ctx context.Context, t *task.Task, progress func(int, string, map[string]interface{})) (map[string]interface{}, error) {
	fn, ok := r.executors[t.Type]
	if !ok {
		return nil, taskerr.NewTaskConfiguration("no inline executor registered for task type %q", t.Type)
	}
	rc := &RunContext{Signal: ctx, UpdateProgress: progress, Cache: r.cache, Task: t}
	return fn(ctx, rc, t.RunInputData)
}

func (r *Runner) dispatchQueued(ctx context.Context, t *task.Task, jobRunID string, progress func(int, string, map[string]interface{})) (map[string]interface{}, error) {
	if r.queues == nil {
		return nil, taskerr.NewTaskConfiguration("task %q declares executeOn %q but no queue registry was configured", t.ID, t.ExecuteOn)
	}
	handle, ok := r.queues.Get(t.ExecuteOn)
	if !ok {
		return nil, taskerr.NewTaskConfiguration("no queue registered for name %q", t.ExecuteOn)
	}

	id, err := handle.Client.Add(ctx, t.RunInputData, queue.AddOptions{JobRunID: jobRunID})
	if err != nil {
		return nil, fmt.Errorf("submit task %q to queue %q: %w", t.ID, t.ExecuteOn, err)
	}

	unsub := handle.Client.OnJobProgress(id, progress)
	defer unsub()

	return handle.Client.WaitFor(ctx, id)
}

func (r *Runner) executeSubGraph(ctx context.Context, t *task.Task, jobRunID string) (map[string]interface{}, error) {
	sub := New(r.executors, r.queues, r.cache, r.logger, WithAuditLog(r.auditLog))
	for _, sourceTaskID := range subGraphInputTaskIDs(t.SubGraph) {
		if st, ok := t.SubGraph.GetTask(sourceTaskID); ok {
			for k, v := range t.RunInputData {
				st.RunInputData[k] = v
			}
		}
	}

	if err := sub.Run(ctx, t.SubGraph, jobRunID); err != nil {
		return nil, fmt.Errorf("subgraph of task %q: %w", t.ID, err)
	}

	output := make(map[string]interface{})
	for _, outTaskID := range subGraphOutputTaskIDs(t.SubGraph) {
		if st, ok := t.SubGraph.GetTask(outTaskID); ok {
			for k, v := range st.RunOutputData {
				output[k] = v
			}
		}
	}
	return output, nil
}

// subGraphInputTaskIDs/subGraphOutputTaskIDs identify the subgraph's
// boundary tasks by naming convention ("input"/"output" task type),
// matching the compound-task wiring scheme above.
func subGraphInputTaskIDs(g *task.Graph) []string {
	return boundaryTaskIDs(g, "input")
}

func subGraphOutputTaskIDs(g *task.Graph) []string {
	return boundaryTaskIDs(g, "output")
}

func boundaryTaskIDs(g *task.Graph, kind string) []string {
	var ids []string
	for _, t := range g.GetTasks() {
		if strings.EqualFold(t.Type, kind) {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// resolveInputs computes runInputData for every input port of t: ports fed
// by one dataflow take that source's single value; ports fed by several
// dataflows collect an array ordered by dataflow insertion; ports with no
// incoming dataflow retain their seeded runInputData.
func (r *Runner) resolveInputs(g *task.Graph, t *task.Task) (map[string]interface{}, error) {
	incoming := g.GetSourceDataflows(t.ID)
	if len(incoming) == 0 {
		return nil, nil
	}

	byPort := make(map[string][]interface{})
	portOrder := make([]string, 0, len(incoming))
	for _, df := range incoming {
		source, ok := g.GetTask(df.SourceTaskID)
		if !ok {
			return nil, taskerr.NewTaskConfiguration("dataflow into %q references unknown source %q", t.ID, df.SourceTaskID)
		}
		value, ok := source.RunOutputData[df.SourceTaskPortID]
		if !ok {
			continue
		}
		if _, seen := byPort[df.TargetTaskPortID]; !seen {
			portOrder = append(portOrder, df.TargetTaskPortID)
		}
		byPort[df.TargetTaskPortID] = append(byPort[df.TargetTaskPortID], value)
	}

	resolved := make(map[string]interface{}, len(portOrder))
	for _, port := range portOrder {
		values := byPort[port]
		if len(values) == 1 {
			resolved[port] = values[0]
		} else {
			resolved[port] = values
		}
	}
	return resolved, nil
}

func (r *Runner) completeOutgoingDataflows(g *task.Graph, t *task.Task) {
	for _, df := range g.GetTargetDataflows(t.ID) {
		df.Status = task.DataflowCompleted
		df.CachedValue = t.RunOutputData[df.SourceTaskPortID]
	}
}

func (r *Runner) failOutgoingDataflows(g *task.Graph, t *task.Task) {
	for _, df := range g.GetTargetDataflows(t.ID) {
		df.Status = task.DataflowFailed
	}
}

// abortQueuedJobs asks every registered queue to abort any job it is
// still processing for jobRunID, using a context independent of the
// run's own (already-cancelled) ctx so the abort request itself isn't
// cancelled before it reaches the queue's storage.
func (r *Runner) abortQueuedJobs(jobRunID string) {
	if r.queues == nil {
		return
	}
	for _, h := range r.queues.All() {
		if h.Client == nil {
			continue
		}
		if err := h.Client.AbortJobRun(context.Background(), jobRunID); err != nil {
			r.logger.WithError(err).WithField("queue", h.Name).Warn("failed to abort queued jobs for run")
		}
	}
}

func (r *Runner) abortRemaining(g *task.Graph, order []*task.Task, fromID string) {
	reached := false
	for _, t := range order {
		if t.ID == fromID {
			reached = true
		}
		if reached && !t.Status.IsTerminal() {
			t.Status = task.StatusAborting
		}
	}
}

func aggregateError(causes []error) error {
	msgs := make([]string, len(causes))
	for i, c := range causes {
		msgs[i] = c.Error()
	}
	return fmt.Errorf("graph run failed: %s", strings.Join(msgs, "; "))
}
