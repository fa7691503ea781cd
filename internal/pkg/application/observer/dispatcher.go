package observer

import (
	"context"
	"sync"
)

type Listener interface {
	Handle(ctx context.Context, s *Session, snapshot Snapshot)
}

type ListenerFunc func(ctx context.Context, s *Session, snapshot Snapshot)

func (f ListenerFunc) Handle(ctx context.Context, s *Session, snapshot Snapshot) {
	f(ctx, s, snapshot)
}

// Dispatcher fans one snapshot stream out to any number of listeners.
// Listeners are called serially in the order they were added.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []entry
	nextID    int
}

type entry struct {
	id       int
	listener Listener
}

func NewDispatcher(listeners ...Listener) *Dispatcher {
	d := &Dispatcher{}
	for _, l := range listeners {
		d.Add(l)
	}
	return d
}

// Add attaches a listener and returns a func that detaches it again.
func (d *Dispatcher) Add(l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, entry{id: id, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

func (d *Dispatcher) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.listeners {
		if e.id == id {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

func (d *Dispatcher) Handle(ctx context.Context, s *Session, snapshot Snapshot) {
	d.mu.RLock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, e := range d.listeners {
		listeners = append(listeners, e.listener)
	}
	d.mu.RUnlock()

	for _, l := range listeners {
		l.Handle(ctx, s, snapshot)
	}
}
