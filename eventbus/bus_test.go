package eventbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eve.evalgo.org/eventbus"
)

func TestOnEmitOrder(t *testing.T) {
	b := eventbus.New(nil)
	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		i := i
		b.On("tick", func(args ...interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Emit("tick")
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := eventbus.New(nil)
	count := 0
	b.Once("done", func(args ...interface{}) { count++ })

	b.Emit("done")
	b.Emit("done")

	require.Equal(t, 1, count)
}

func TestOffDuringEmitIsSafe(t *testing.T) {
	b := eventbus.New(nil)
	var calledB bool
	var unsubA eventbus.Unsubscribe
	unsubA = b.On("e", func(args ...interface{}) {
		unsubA()
	})
	b.On("e", func(args ...interface{}) { calledB = true })

	require.NotPanics(t, func() { b.Emit("e") })
	require.True(t, calledB)

	require.True(t, b.HasListeners("e")) // listener A removed, B remains registered
}

func TestListenerPanicIsolated(t *testing.T) {
	b := eventbus.New(nil)
	var secondRan bool
	b.On("e", func(args ...interface{}) { panic("boom") })
	b.On("e", func(args ...interface{}) { secondRan = true })

	require.NotPanics(t, func() { b.Emit("e") })
	require.True(t, secondRan)
}

func TestEmitWithoutListenersIsNoop(t *testing.T) {
	b := eventbus.New(nil)
	require.NotPanics(t, func() { b.Emit("nobody-listening", 1, 2, 3) })
}

func TestAwaitNext(t *testing.T) {
	b := eventbus.New(nil)
	ch, unsub := b.AwaitNext("ready")
	defer unsub()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Emit("ready", "value")
	}()

	select {
	case args := <-ch:
		require.Equal(t, []interface{}{"value"}, args)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
