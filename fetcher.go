package gocondfetch

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"time"
)

// Fetcher is the read path of one consumer. It serves fresh cached responses
// synchronously, revalidates them in the background, polls, and makes sure
// only the most recent foreground request reaches its State.
//
// A Fetcher is created with Client.Fetch and must be released with Close.
type Fetcher struct {
	client *Client
	opts   FetchOptions
	smooth smoother
	tasks  *taskGroup
	obs    observable

	mu       sync.Mutex
	url      string
	deps     []any
	seq      uint64
	cancelFg context.CancelFunc
	stopPoll context.CancelFunc
	closed   bool
}

// Fetch mounts a consumer of url. An empty url fetches nothing until SetURL
// provides one.
func (c *Client) Fetch(url string, opts FetchOptions) *Fetcher {
	f := &Fetcher{
		client: c,
		opts:   opts,
		smooth: c.smoother(opts.MinLoadingDuration),
		tasks:  newTaskGroup(),
		url:    url,
		deps:   opts.Deps,
	}

	if opts.Auto && url != "" {
		f.start()
	}
	if opts.PollInterval > 0 {
		f.StartPolling()
	}

	return f
}

// State returns the current state.
func (f *Fetcher) State() State {
	return f.obs.get()
}

// Subscribe registers fn to be called after every state transition. The
// returned function unregisters it.
func (f *Fetcher) Subscribe(fn func(State)) func() {
	return f.obs.subscribe(fn)
}

// Refetch reads the resource again and returns the resulting state. Unless
// force is set a fresh cached entry is served and revalidated in the
// background. A Refetch superseded by a newer one returns without touching
// state.
func (f *Fetcher) Refetch(ctx context.Context, force bool) State {
	desc, key := f.target()
	if desc.URL == "" {
		return f.State()
	}

	if !force && !f.opts.ForceRefresh {
		if item := f.client.lookup(ctx, key); item != nil {
			f.serveCached(item, key)
			return f.State()
		}
	}

	fctx, seq, ok := f.beginForeground(ctx)
	if !ok {
		return f.State()
	}
	f.foreground(fctx, seq, desc, key)
	return f.State()
}

// Reset aborts the foreground request and clears the state.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	f.seq++
	if f.cancelFg != nil {
		f.cancelFg()
		f.cancelFg = nil
	}
	s := f.obs.apply(func(s *State) { *s = State{} })
	f.mu.Unlock()

	f.obs.notify(s)
}

// StartPolling schedules background fetches every PollInterval. It is a
// no-op when polling is already running or the interval is not positive.
func (f *Fetcher) StartPolling() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.opts.PollInterval <= 0 || f.stopPoll != nil {
		return
	}

	ctx, cancel := context.WithCancel(f.tasks.Context())
	if !f.tasks.Go(func(context.Context) { f.poll(ctx) }) {
		cancel()
		return
	}
	f.stopPoll = cancel
}

// StopPolling tears the polling timer down. StartPolling restarts it.
func (f *Fetcher) StopPolling() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopPoll != nil {
		f.stopPoll()
		f.stopPoll = nil
	}
}

// Prefetch warms the cache without touching state.
func (f *Fetcher) Prefetch(ctx context.Context) {
	desc, key := f.target()
	if desc.URL == "" {
		return
	}
	if key == "" {
		f.client.logger.DebugContext(ctx, "prefetch skipped, caching disabled", "url", desc.URL)
		return
	}

	if _, err := f.client.revalidate(ctx, f.request(desc, key, f.client.lookup(ctx, key))); err != nil {
		f.client.logger.DebugContext(ctx, "prefetch failed", "url", desc.URL, "error", err)
	}
}

// ClearCache drops the cached entry of the current resource.
func (f *Fetcher) ClearCache(ctx context.Context) {
	_, key := f.target()
	if key == "" {
		return
	}
	if err := f.client.cache.Delete(ctx, key); err != nil {
		f.client.logger.WarnContext(ctx, "error clearing cache item", "key", key, "error", err)
	}
}

// SetURL points the consumer at another resource. With Auto set the new
// resource is read immediately; an empty url aborts and clears.
func (f *Fetcher) SetURL(url string) {
	f.mu.Lock()
	if f.closed || f.url == url {
		f.mu.Unlock()
		return
	}
	f.url = url
	f.mu.Unlock()

	if url == "" {
		f.Reset()
		return
	}
	if f.opts.Auto {
		f.start()
	}
}

// SetDeps replaces the extra trigger values. When they differ from the
// previous ones and Auto is set, the resource is read again.
func (f *Fetcher) SetDeps(deps ...any) {
	f.mu.Lock()
	if f.closed || reflect.DeepEqual(f.deps, deps) {
		f.mu.Unlock()
		return
	}
	f.deps = deps
	url := f.url
	f.mu.Unlock()

	if f.opts.Auto && url != "" {
		f.start()
	}
}

// Close unmounts the consumer: the foreground request, polling and every
// background task are cancelled and awaited. State is left as it was.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.seq++
	if f.cancelFg != nil {
		f.cancelFg()
		f.cancelFg = nil
	}
	if f.stopPoll != nil {
		f.stopPoll()
		f.stopPoll = nil
	}
	f.mu.Unlock()

	f.tasks.Close()
	f.obs.clear()
}

// start serves a fresh cached entry synchronously or launches a foreground
// fetch in the background.
func (f *Fetcher) start() {
	desc, key := f.target()
	if desc.URL == "" {
		return
	}

	if !f.opts.ForceRefresh {
		if item := f.client.lookup(f.tasks.Context(), key); item != nil {
			f.serveCached(item, key)
			return
		}
	}

	ctx, seq, ok := f.beginForeground(f.tasks.Context())
	if !ok {
		return
	}
	f.tasks.Go(func(context.Context) { f.foreground(ctx, seq, desc, key) })
}

// target returns the current descriptor and its cache key; the key is empty
// when the resource must not go through the cache.
func (f *Fetcher) target() (RequestDescriptor, string) {
	f.mu.Lock()
	desc := RequestDescriptor{URL: f.url, Method: f.opts.Method, Body: f.opts.Body}
	f.mu.Unlock()

	if desc.URL == "" || !f.cacheable(desc) {
		return desc, ""
	}

	key, err := desc.Key(f.client.c.Keyspace)
	if err != nil {
		f.client.logger.Warn("error deriving cache key", "url", desc.URL, "error", err)
		return desc, ""
	}
	return desc, key
}

func (f *Fetcher) cacheable(desc RequestDescriptor) bool {
	return f.opts.Cache && !f.opts.BypassCache && f.client.cache != nil && desc.method() == http.MethodGet
}

func (f *Fetcher) request(desc RequestDescriptor, key string, cached *CacheEntry) loadRequest {
	return loadRequest{
		desc:    desc,
		headers: f.opts.Headers,
		key:     key,
		ttl:     f.opts.CacheTTL,
		cached:  cached,
	}
}

// serveCached surfaces item in a single transition, supersedes any pending
// foreground request and revalidates item in the background.
func (f *Fetcher) serveCached(item *CacheEntry, key string) {
	payload := item.Payload
	resp, err := f.transform(&payload)
	if err != nil {
		f.client.logger.Warn("error transforming cached response", "key", key, "error", err)
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.seq++
	if f.cancelFg != nil {
		f.cancelFg()
		f.cancelFg = nil
	}
	s := f.obs.apply(func(s *State) {
		s.Data = resp
		s.Loading = false
		s.Error = nil
	})
	f.mu.Unlock()

	f.obs.notify(s)
	if f.opts.OnSuccess != nil {
		f.opts.OnSuccess(resp)
	}

	desc, _ := f.target()
	f.tasks.Go(func(ctx context.Context) {
		f.background(ctx, f.request(desc, key, item))
	})
}

// beginForeground cancels the previous foreground request and marks the
// consumer as loading. The returned context is cancelled by the next
// foreground request, Reset or Close.
func (f *Fetcher) beginForeground(parent context.Context) (context.Context, uint64, bool) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, 0, false
	}

	if f.cancelFg != nil {
		f.cancelFg()
	}
	ctx, cancel := context.WithCancel(parent)
	f.cancelFg = cancel
	f.seq++
	seq := f.seq

	s := f.obs.apply(func(s *State) {
		s.Loading = true
		s.Error = nil
	})
	f.mu.Unlock()

	f.obs.notify(s)
	return ctx, seq, true
}

func (f *Fetcher) foreground(ctx context.Context, seq uint64, desc RequestDescriptor, key string) {
	started := f.client.now()

	resp, err := f.client.load(ctx, f.request(desc, key, nil))
	if ctx.Err() != nil {
		f.client.logger.DebugContext(ctx, "foreground fetch aborted", "url", desc.URL)
		return
	}
	if err == nil {
		resp, err = f.transform(resp)
	}

	if f.smooth.settle(ctx, started) != nil {
		return
	}

	f.mu.Lock()
	if seq != f.seq {
		f.mu.Unlock()
		return
	}
	if f.cancelFg != nil {
		f.cancelFg()
		f.cancelFg = nil
	}
	s := f.obs.apply(func(s *State) {
		s.Loading = false
		s.Error = err
		if err == nil {
			s.Data = resp
		}
	})
	f.mu.Unlock()

	f.obs.notify(s)

	if err != nil {
		f.client.logger.DebugContext(ctx, "foreground fetch failed", "url", desc.URL, "error", err)
		if f.opts.OnError != nil {
			f.opts.OnError(err)
		}
		return
	}
	if f.opts.OnSuccess != nil {
		f.opts.OnSuccess(resp)
	}
}

// background runs a revalidation or poll. It refreshes the cache; its result
// reaches state only when no foreground request is pending and the consumer
// has nothing to show yet. Loading is never touched.
func (f *Fetcher) background(ctx context.Context, req loadRequest) {
	resp, err := f.client.revalidate(ctx, req)
	if err != nil {
		f.client.logger.DebugContext(ctx, "background fetch failed", "url", req.desc.URL, "error", err)
		return
	}

	cp := *resp
	out, err := f.transform(&cp)
	if err != nil {
		f.client.logger.DebugContext(ctx, "error transforming background response", "url", req.desc.URL, "error", err)
		return
	}

	f.mu.Lock()
	current := f.obs.get()
	if f.closed || f.cancelFg != nil || current.Data != nil {
		f.mu.Unlock()
		return
	}
	s := f.obs.apply(func(s *State) {
		s.Data = out
		s.Error = nil
	})
	f.mu.Unlock()

	f.obs.notify(s)
	if f.opts.OnSuccess != nil {
		f.opts.OnSuccess(out)
	}
}

func (f *Fetcher) poll(ctx context.Context) {
	t := time.NewTicker(f.opts.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			desc, key := f.target()
			if desc.URL == "" {
				continue
			}
			f.background(ctx, f.request(desc, key, f.client.lookup(ctx, key)))
		}
	}
}

func (f *Fetcher) transform(resp *Response) (*Response, error) {
	if f.opts.Transform == nil || resp == nil {
		return resp, nil
	}
	return f.opts.Transform(resp)
}
