// Package registry implements the two process-wide registries the engine
// needs: a task-kind registry (type -> constructor) and a task-queue
// registry (queue name -> server/client/storage triple), one handle per
// named queue, each handle owning its own construct-then-start lifecycle.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/task"
)

// TaskRegistry is a process-wide map from task type to factory.
// Registration never fails: registering a factory for an already-registered
// type replaces the previous factory and logs a warning, whether or not the
// factory differs.
type TaskRegistry struct {
	mu        sync.RWMutex
	factories map[string]task.TaskFactory
	logger    *logrus.Logger
}

// NewTaskRegistry returns an empty TaskRegistry.
func NewTaskRegistry(logger *logrus.Logger) *TaskRegistry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TaskRegistry{factories: make(map[string]task.TaskFactory), logger: logger}
}

// Register adds factory under taskType. Registering a second factory for an
// already-registered type is accepted but logs a warning; ambiguity
// resolution is left to the host.
func (r *TaskRegistry) Register(taskType string, factory task.TaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[taskType]; exists {
		r.logger.WithField("task_type", taskType).Warn("re-registering task type with a different factory")
	}
	r.factories[taskType] = factory
}

// Factories returns a snapshot map suitable for task.FromJSON.
func (r *TaskRegistry) Factories() map[string]task.TaskFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]task.TaskFactory, len(r.factories))
	for k, v := range r.factories {
		out[k] = v
	}
	return out
}

// New constructs a task of taskType via its registered factory.
func (r *TaskRegistry) New(taskType, id string) (*task.Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no task factory registered for type %q", taskType)
	}
	return factory(id)
}

// QueueHandle is the {server, client, storage} triple the registry keeps
// per queue name.
type QueueHandle struct {
	Name    string
	Server  *queue.Server
	Client  *queue.Client
	Storage queue.Storage
}

// QueueRegistry is a process-wide map from queue name to QueueHandle.
type QueueRegistry struct {
	mu     sync.RWMutex
	queues map[string]*QueueHandle
	logger *logrus.Logger
}

// NewQueueRegistry returns an empty QueueRegistry.
func NewQueueRegistry(logger *logrus.Logger) *QueueRegistry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QueueRegistry{queues: make(map[string]*QueueHandle), logger: logger}
}

// Add registers handle under its Name, replacing any prior handle sharing
// that name.
func (r *QueueRegistry) Add(handle *QueueHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[handle.Name] = handle
}

// Get returns the handle for queueName, if registered.
func (r *QueueRegistry) Get(queueName string) (*QueueHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queues[queueName]
	return h, ok
}

// All returns every registered queue handle, in no particular order.
func (r *QueueRegistry) All() []*QueueHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*QueueHandle, 0, len(r.queues))
	for _, h := range r.queues {
		out = append(out, h)
	}
	return out
}

// StartQueues starts every registered queue's Server.
func (r *QueueRegistry) StartQueues(ctx context.Context) error {
	for _, h := range r.All() {
		if err := h.Server.Start(ctx); err != nil {
			return fmt.Errorf("start queue %q: %w", h.Name, err)
		}
	}
	return nil
}

// StopQueues stops every registered queue's Server.
func (r *QueueRegistry) StopQueues() {
	for _, h := range r.All() {
		h.Server.Stop()
	}
}

// ClearQueues clears every registered queue's storage.
func (r *QueueRegistry) ClearQueues(ctx context.Context) error {
	for _, h := range r.All() {
		if err := h.Client.Clear(ctx); err != nil {
			return fmt.Errorf("clear queue %q: %w", h.Name, err)
		}
	}
	return nil
}
