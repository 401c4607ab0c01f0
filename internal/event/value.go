package event

import "sync"

// Observable is the read side of a Value
type Observable[T any] interface {
	Get() T
	Subscribe(fn func(T)) *Subscription
}

// Value is an observable variable. Subscribers first receive the value
// current at subscription time, then every later change in order.
type Value[T any] struct {
	mu  sync.Mutex
	v   T
	bus *Bus[T]
}

// NewValue creates a value holding initial
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, bus: NewBus[T]()}
}

// Get returns the current value
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set replaces the value and notifies subscribers
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.v = x
	v.bus.Publish(x)
}

// Update atomically replaces the value with fn(current)
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.v = fn(v.v)
	v.bus.Publish(v.v)
	return v.v
}

// Subscribe registers fn; see Bus.Subscribe for delivery guarantees
func (v *Value[T]) Subscribe(fn func(T)) *Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bus.subscribe(nil, fn, []T{v.v})
}

// Close stops all subscribers
func (v *Value[T]) Close() {
	v.bus.Close()
}
