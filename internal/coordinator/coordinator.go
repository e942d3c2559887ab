// Package coordinator wraps the transport client with request
// de-duplication, a bounded TTL read cache and cancellation.
//
// Every call is keyed by method, resolved URL and canonical query. A read
// whose key is already in flight joins that call, so concurrent identical
// reads cost one network round trip. A forced refresh or a write whose key
// is in flight supersedes the older call: the older call is cancelled, its
// callers receive ErrSuperseded and its late result is discarded.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/transport"
)

// ErrSuperseded is returned to callers of a call replaced by a newer one.
var ErrSuperseded = errors.New("request superseded by a newer call")

// Doer performs a single request. *transport.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (json.RawMessage, error)
	URL(path string, query url.Values) string
}

// Options configures a Coordinator.
type Options struct {
	Cache  Cache
	Logger *zap.Logger
}

// Stats describes the coordinator state.
type Stats struct {
	CacheSize    int      `json:"cacheSize"`
	CacheKeys    []string `json:"cacheKeys"`
	InFlight     int      `json:"inFlight"`
	CacheHits    int64    `json:"cacheHits"`
	NetworkCalls int64    `json:"networkCalls"`
	Superseded   int64    `json:"superseded"`
}

type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	val     json.RawMessage
	err     error
	waiters int
}

func (f *flight) finish(val json.RawMessage, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

func (f *flight) finished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Coordinator owns the in-flight registry and the read cache.
type Coordinator struct {
	doer   Doer
	cache  Cache
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	hits     int64
	calls    int64
	replaced int64
}

// New wraps doer.
func New(doer Doer, opts Options) *Coordinator {
	c := &Coordinator{
		doer:     doer,
		cache:    opts.Cache,
		logger:   opts.Logger,
		inflight: make(map[string]*flight),
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(DefaultTTL, DefaultMaxEntries)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Key derives the registry and cache key of req.
func (c *Coordinator) Key(req transport.Request) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return method + "-" + c.doer.URL(req.Path, nil) + "-" + canonicalQuery(req.Query)
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return "{}"
	}
	normalized := make(map[string][]string, len(q))
	for k, vs := range q {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		normalized[k] = sorted
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return q.Encode()
	}
	return string(raw)
}

// Do runs req through the cache and the in-flight registry. force skips
// the cache and supersedes any in-flight call with the same key.
func (c *Coordinator) Do(ctx context.Context, req transport.Request, force bool) (json.RawMessage, error) {
	handle, err := c.Start(ctx, req, force)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// Start begins req and returns a handle to wait on or cancel it.
func (c *Coordinator) Start(ctx context.Context, req transport.Request, force bool) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := c.Key(req)
	read := isRead(req)

	if read && !force {
		if val, ok := c.cached(ctx, key); ok {
			return completedHandle(val), nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.inflight[key]; ok {
		if read && !force {
			existing.waiters++
			return &Handle{c: c, key: key, f: existing, left: make(chan struct{})}, nil
		}
		c.supersedeLocked(key, existing)
	}

	f := &flight{done: make(chan struct{}), waiters: 1}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	c.inflight[key] = f
	c.calls++

	go c.run(runCtx, key, req, f)

	return &Handle{c: c, key: key, f: f, left: make(chan struct{})}, nil
}

func (c *Coordinator) cached(ctx context.Context, key string) (json.RawMessage, bool) {
	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("read cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		c.logger.Debug("read cache hit", zap.String("key", key))
	}
	return val, ok
}

func (c *Coordinator) run(ctx context.Context, key string, req transport.Request, f *flight) {
	defer f.cancel()
	val, err := c.doer.Do(ctx, req)

	c.mu.Lock()
	current := c.inflight[key] == f
	if current {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	if !current {
		c.logger.Debug("discarding result of superseded call", zap.String("key", key))
		return
	}
	// The cache may be remote; write it outside the registry lock.
	if err == nil && isRead(req) {
		if cacheErr := c.cache.Set(context.WithoutCancel(ctx), key, val); cacheErr != nil {
			c.logger.Warn("read cache store failed", zap.String("key", key), zap.Error(cacheErr))
		}
	}
	if err == nil && !isRead(req) {
		c.invalidate(context.WithoutCancel(ctx), req.Path)
	}
	f.finish(val, err)
}

// invalidate drops cached reads of the resource collection that path
// belongs to, e.g. any /tickets read after PATCH /tickets/1/status.
func (c *Coordinator) invalidate(ctx context.Context, path string) {
	resource := strings.Trim(path, "/")
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		resource = resource[:i]
	}
	prefix := http.MethodGet + "-" + c.doer.URL("/"+resource, nil)
	err := c.cache.DeleteMatching(ctx, func(key string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		rest := key[len(prefix):]
		return strings.HasPrefix(rest, "-") || strings.HasPrefix(rest, "/")
	})
	if err != nil {
		c.logger.Warn("read cache invalidation failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

func (c *Coordinator) supersedeLocked(key string, f *flight) {
	delete(c.inflight, key)
	c.replaced++
	f.cancel()
	f.finish(nil, ErrSuperseded)
	c.logger.Debug("superseded in-flight call", zap.String("key", key))
}

func (c *Coordinator) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.finished() {
		return
	}
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	f.cancel()
	f.finish(nil, context.Canceled)
}

// CancelAll aborts every in-flight call.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, f := range c.inflight {
		delete(c.inflight, key)
		f.cancel()
		f.finish(nil, context.Canceled)
	}
}

// ClearCache drops every cached read.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// Stats reports cache and registry sizes.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.cache.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CacheSize:    len(keys),
		CacheKeys:    keys,
		InFlight:     len(c.inflight),
		CacheHits:    c.hits,
		NetworkCalls: c.calls,
		Superseded:   c.replaced,
	}, nil
}

func isRead(req transport.Request) bool {
	return req.Method == "" || strings.EqualFold(req.Method, http.MethodGet)
}

// Handle is one caller's view of a call.
type Handle struct {
	c    *Coordinator
	key  string
	f    *flight
	left chan struct{}
	once sync.Once
}

func completedHandle(val json.RawMessage) *Handle {
	f := &flight{done: make(chan struct{})}
	f.finish(val, nil)
	return &Handle{f: f, left: make(chan struct{})}
}

// Wait blocks until the call completes, the handle is cancelled or ctx ends.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	if h.f.finished() {
		return h.f.val, h.f.err
	}
	select {
	case <-h.f.done:
		return h.f.val, h.f.err
	case <-h.left:
		return nil, context.Canceled
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel detaches this caller. The underlying call is aborted once no
// caller waits on it. Safe to call repeatedly; a no-op after completion.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		if h.f.finished() {
			return
		}
		close(h.left)
		if h.c != nil {
			h.c.leave(h.key, h.f)
		}
	})
}

// Done reports whether the call has completed.
func (h *Handle) Done() bool {
	return h.f.finished()
}
