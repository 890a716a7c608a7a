// Package eventbus implements a typed, synchronous publish/subscribe bus.
// It generalizes the single-callback notification pattern used by
// coordinator.PhaseManager (one OnPhaseChanged hook) into genuine
// multi-subscriber fan-out, as every component in the engine (task graph
// runner, job queue, tabular repository subscriptions) needs more than one
// listener per event name.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives the arguments emitted for an event.
type Listener func(args ...interface{})

// ErrorSink receives a panic recovered from within a listener so one bad
// subscriber cannot take down emission for the rest.
type ErrorSink func(event string, recovered interface{})

type subscription struct {
	id  uint64
	fn  Listener
	gen uint64 // generation this subscription was added in; not consulted by Emit
}

// Bus is a typed event bus keyed by event name. The zero value is not
// usable; use New.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*subscription
	nextID    uint64
	gen       uint64
	errSink   ErrorSink
	logger    *logrus.Logger
}

// New creates an empty Bus. If logger is nil, logrus.StandardLogger() is
// used for the default error sink.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Bus{
		listeners: make(map[string][]*subscription),
		logger:    logger,
	}
	b.errSink = func(event string, recovered interface{}) {
		logger.WithField("event", event).Errorf("listener panicked: %v", recovered)
	}
	return b
}

// WithErrorSink overrides the bus's error sink.
func (b *Bus) WithErrorSink(sink ErrorSink) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errSink = sink
	return b
}

// Unsubscribe removes a subscription registered by On/Once.
type Unsubscribe func()

// On registers fn to run on every emission of event, in subscription order.
func (b *Bus) On(event string, fn Listener) Unsubscribe {
	return b.add(event, fn, false)
}

// Once registers fn to run exactly once, on the next emission of event.
func (b *Bus) Once(event string, fn Listener) Unsubscribe {
	return b.add(event, fn, true)
}

func (b *Bus) add(event string, fn Listener, once bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, gen: b.gen}
	if once {
		sub.fn = func(args ...interface{}) {
			b.Off(event, id)
			fn(args...)
		}
	} else {
		sub.fn = fn
	}
	b.listeners[event] = append(b.listeners[event], sub)
	b.mu.Unlock()

	return func() { b.Off(event, id) }
}

// Off removes the subscription with the given id, if present. It is safe to
// call from within a listener invoked during emission of the same event.
func (b *Bus) Off(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[event]
	for i, s := range subs {
		if s.id == id {
			b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// HasListeners reports whether event has at least one subscriber.
func (b *Bus) HasListeners(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event]) > 0
}

// Emit invokes every listener subscribed to event, in subscription order,
// synchronously. A listener that panics is isolated: the panic is recovered
// and reported to the bus's error sink, and subsequent listeners still run.
// Emit is a no-op if no listeners are registered.
func (b *Bus) Emit(event string, args ...interface{}) {
	b.mu.Lock()
	if len(b.listeners[event]) == 0 {
		b.mu.Unlock()
		return
	}
	b.gen++
	// snapshot so Off during iteration doesn't reslice what we're ranging over
	subs := make([]*subscription, len(b.listeners[event]))
	copy(subs, b.listeners[event])
	b.mu.Unlock()

	for _, s := range subs {
		b.runListener(event, s, args)
	}
}

func (b *Bus) runListener(event string, s *subscription, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			sink := b.errSink
			b.mu.Unlock()
			if sink != nil {
				sink(event, r)
			}
		}
	}()
	s.fn(args...)
}

// AwaitNext returns a channel that receives the arguments of the next
// emission of event, then closes. Cancel via the returned Unsubscribe if the
// wait is abandoned, to avoid leaking the subscription.
func (b *Bus) AwaitNext(event string) (<-chan []interface{}, Unsubscribe) {
	ch := make(chan []interface{}, 1)
	var unsub Unsubscribe
	unsub = b.Once(event, func(args ...interface{}) {
		ch <- args
		close(ch)
	})
	return ch, unsub
}
