package gocondfetch

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Mutator is the write path of one consumer. Calls are not queued: each
// Mutate runs on its own, and only the most recently started one may write
// the visible State. Callbacks fire for every call.
type Mutator struct {
	client *Client
	url    string
	opts   MutationOptions
	smooth smoother
	obs    observable

	mu  sync.Mutex
	seq uint64
}

// Mutation creates a Mutator sending to url.
func (c *Client) Mutation(url string, opts MutationOptions) *Mutator {
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	opts.Method = strings.ToUpper(opts.Method)

	return &Mutator{
		client: c,
		url:    url,
		opts:   opts,
		smooth: c.smoother(opts.MinLoadingDuration),
	}
}

// State returns the current state.
func (m *Mutator) State() State {
	return m.obs.get()
}

// Subscribe registers fn to be called after every state transition.
func (m *Mutator) Subscribe(fn func(State)) func() {
	return m.obs.subscribe(fn)
}

// Reset clears the state. Results of calls still in flight are discarded.
func (m *Mutator) Reset() {
	m.mu.Lock()
	m.seq++
	s := m.obs.apply(func(s *State) { *s = State{} })
	m.mu.Unlock()

	m.obs.notify(s)
}

// Mutate sends vars as the JSON body. OptimisticUpdate runs before the
// request; on failure RollbackOptimisticUpdate runs before the error is
// surfaced.
func (m *Mutator) Mutate(ctx context.Context, vars any) (*Response, error) {
	if m.opts.OptimisticUpdate != nil {
		m.opts.OptimisticUpdate(vars)
	}

	seq := m.begin()
	started := m.client.now()

	resp, err := m.client.load(ctx, loadRequest{
		desc:    RequestDescriptor{URL: m.url, Method: m.opts.Method, Body: vars},
		headers: m.opts.Headers,
	})

	// An interrupted wait leaves err as the request's outcome.
	_ = m.smooth.settle(ctx, started)

	if err != nil {
		if m.opts.RollbackOptimisticUpdate != nil {
			m.opts.RollbackOptimisticUpdate(vars)
		}
		m.finish(seq, nil, err)
		m.client.logger.DebugContext(ctx, "mutation failed", "url", m.url, "method", m.opts.Method, "error", err)

		if m.opts.OnError != nil {
			m.opts.OnError(err)
		}
		if m.opts.OnSettled != nil {
			m.opts.OnSettled(nil, err)
		}
		return nil, err
	}

	if len(m.opts.Invalidates) > 0 {
		m.client.Invalidate(ctx, m.opts.Invalidates...)
	}
	m.finish(seq, resp, nil)

	if m.opts.OnSuccess != nil {
		m.opts.OnSuccess(resp)
	}
	if m.opts.OnSettled != nil {
		m.opts.OnSettled(resp, nil)
	}
	return resp, nil
}

func (m *Mutator) begin() uint64 {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	s := m.obs.apply(func(s *State) {
		s.Loading = true
		s.Error = nil
	})
	m.mu.Unlock()

	m.obs.notify(s)
	return seq
}

// finish writes the outcome of call seq unless a newer call has started.
func (m *Mutator) finish(seq uint64, resp *Response, err error) {
	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		return
	}
	s := m.obs.apply(func(s *State) {
		s.Loading = false
		s.Error = err
		if err == nil {
			s.Data = resp
		}
	})
	m.mu.Unlock()

	m.obs.notify(s)
}
