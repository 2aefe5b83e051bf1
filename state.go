package gocondfetch

import "sync"

// State is what a consumer renders.
type State struct {
	Data    *Response
	Loading bool
	Error   error
}

// observable holds a State and the listeners interested in it. Listeners are
// always called without any lock held, so they may call back into the
// consumer that notified them.
type observable struct {
	mu        sync.Mutex
	state     State
	listeners map[uint64]func(State)
	next      uint64
}

func (o *observable) get() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// apply mutates the state and returns the snapshot to hand to notify.
func (o *observable) apply(fn func(*State)) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.state)
	return o.state
}

func (o *observable) notify(s State) {
	o.mu.Lock()
	fns := make([]func(State), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (o *observable) subscribe(fn func(State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.listeners == nil {
		o.listeners = make(map[uint64]func(State))
	}
	id := o.next
	o.next++
	o.listeners[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *observable) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = nil
}
