package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered values for assertions
type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func (c *collector[T]) waitFor(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.values()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.values()
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	var a, b collector[int]
	bus.Subscribe(nil, a.add)
	bus.Subscribe(nil, b.add)

	const n = 500
	want := make([]int, n)
	for i := 0; i < n; i++ {
		want[i] = i
		bus.Publish(i)
	}

	assert.Equal(t, want, a.waitFor(t, n))
	assert.Equal(t, want, b.waitFor(t, n))
}

func TestBusConcurrentPublishersShareOneOrder(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	var a, b collector[int]
	bus.Subscribe(nil, a.add)
	bus.Subscribe(nil, b.add)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(base*1000 + i)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, a.waitFor(t, 400), b.waitFor(t, 400))
}

func TestBusPredicateFilters(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	var evens collector[int]
	bus.Subscribe(func(v int) bool { return v%2 == 0 }, evens.add)

	for i := 0; i < 6; i++ {
		bus.Publish(i)
	}
	assert.Equal(t, []int{0, 2, 4}, evens.waitFor(t, 3))
}

func TestBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	release := make(chan struct{})
	var slow collector[int]
	bus.Subscribe(nil, func(v int) {
		<-release
		slow.add(v)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on subscriber")
	}
	close(release)
	assert.Len(t, slow.waitFor(t, 100), 100)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewBus[string]()
	defer bus.Close()

	var c collector[string]
	sub := bus.Subscribe(nil, c.add)
	bus.Publish("first")
	c.waitFor(t, 1)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Len())

	bus.Publish("second")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"first"}, c.values())
}

func TestLateSubscriberSeesOnlyLaterValues(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	bus.Publish(1)
	var c collector[int]
	bus.Subscribe(nil, c.add)
	bus.Publish(2)

	assert.Equal(t, []int{2}, c.waitFor(t, 1))
}

func TestClosedBusIgnoresPublishAndSubscribe(t *testing.T) {
	bus := NewBus[int]()
	bus.Close()
	bus.Close()

	var c collector[int]
	sub := bus.Subscribe(nil, c.add)
	bus.Publish(1)
	sub.Close()
	assert.Empty(t, c.values())
}

func TestValueDeliversCurrentThenChanges(t *testing.T) {
	v := NewValue("initial")
	defer v.Close()

	v.Set("second")
	var c collector[string]
	v.Subscribe(c.add)
	v.Set("third")
	got := v.Update(func(s string) string { return s + "!" })

	assert.Equal(t, "third!", got)
	assert.Equal(t, "third!", v.Get())
	assert.Equal(t, []string{"second", "third", "third!"}, c.waitFor(t, 3))
}
