package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// Fetcher performs network requests. *http.Client implements it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures an Engine.
type Options struct {
	Config config.CacheConfig

	// Shell lists the paths of the application shell.
	Shell []string

	Storage Storage
	Fetcher Fetcher
	Clock   clock.Clock
	Events  events.Emitter
	Logger  *logging.Logger
}

// Engine serves requests from the cache, the network, or both.
type Engine struct {
	cfg     config.CacheConfig
	policy  *Policy
	storage Storage
	fetcher Fetcher
	clock   clock.Clock
	events  events.Emitter
	log     *logging.Logger

	// revalidations tracks background stale-while-revalidate fetches.
	revalidations sync.WaitGroup
}

// NewEngine builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	policy, err := NewPolicy(opts.Config, opts.Shell)
	if err != nil {
		return nil, err
	}
	if opts.Storage == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("cache engine needs a storage and a fetcher")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Engine{
		cfg:     opts.Config,
		policy:  policy,
		storage: opts.Storage,
		fetcher: opts.Fetcher,
		clock:   opts.Clock,
		events:  opts.Events,
		log:     opts.Logger.Component("cache"),
	}, nil
}

// Policy returns the engine's request policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Version returns the active cache version tag.
func (e *Engine) Version() string { return e.cfg.Version }

// Namespace returns the active namespace name of class, e.g.
// "celebra-images-v1".
func (e *Engine) Namespace(class Class) string {
	return fmt.Sprintf("%s-%s-%s", e.cfg.Prefix, class, e.cfg.Version)
}

// ActiveNamespaces returns the namespace names of the current version.
func (e *Engine) ActiveNamespaces() []string {
	names := make([]string, 0, len(Classes))
	for _, class := range Classes {
		names = append(names, e.Namespace(class))
	}
	return names
}

// Storage returns the underlying storage.
func (e *Engine) Storage() Storage { return e.storage }

// Handle serves req. Failures on cache paths degrade to stale or synthetic
// responses; the only error returned is the network error of a
// network-first or network-only request with nothing cached.
func (e *Engine) Handle(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != "" {
		return e.fetcher.Do(req)
	}

	strategy := e.policy.Strategy(req.URL)
	if strategy == NetworkOnly {
		return e.fetcher.Do(req)
	}

	class := e.policy.Class(req.URL)
	c, err := e.storage.Open(req.Context(), e.Namespace(class))
	if err != nil {
		e.log.Warn("cache unavailable, using network", map[string]interface{}{
			"namespace": e.Namespace(class),
			"error":     err.Error(),
		})
		return e.fetcher.Do(req)
	}

	ns := &namespace{Cache: c, name: e.Namespace(class), limit: e.cfg.MaxEntriesFor(string(class))}
	switch strategy {
	case CacheFirst:
		return e.cacheFirst(req, ns)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(req, ns)
	default:
		return e.networkFirst(req, ns)
	}
}

type namespace struct {
	Cache
	name  string
	limit int
}

func (e *Engine) cacheFirst(req *http.Request, ns *namespace) (*http.Response, error) {
	key := Key(req)
	entry := e.match(req.Context(), ns, key)
	if entry != nil && !entry.Expired(e.clock.Now(), e.cfg.Expiration) {
		return entry.Response(req), nil
	}

	resp, err := e.fetchAndStore(req, ns)
	if err != nil {
		if entry != nil {
			e.log.Debug("network failed, serving expired entry", map[string]interface{}{"key": key})
			return entry.Response(req), nil
		}
		return timeoutResponse(req), nil
	}
	return resp, nil
}

func (e *Engine) networkFirst(req *http.Request, ns *namespace) (*http.Response, error) {
	resp, err := e.fetchAndStore(req, ns)
	if err == nil {
		return resp, nil
	}
	if entry := e.match(req.Context(), ns, Key(req)); entry != nil {
		return entry.Response(req), nil
	}
	return nil, err
}

func (e *Engine) staleWhileRevalidate(req *http.Request, ns *namespace) (*http.Response, error) {
	entry := e.match(req.Context(), ns, Key(req))
	if entry == nil {
		resp, err := e.fetchAndStore(req, ns)
		if err != nil {
			e.revalidateFailed(req, err)
			return timeoutResponse(req), nil
		}
		return resp, nil
	}

	// The caller's context may end as soon as the cached response is
	// returned; the refresh outlives it.
	background := req.Clone(context.WithoutCancel(req.Context()))
	e.revalidations.Add(1)
	go func() {
		defer e.revalidations.Done()
		resp, err := e.fetchAndStore(background, ns)
		if err != nil {
			e.revalidateFailed(background, err)
			return
		}
		resp.Body.Close()
	}()
	return entry.Response(req), nil
}

func (e *Engine) revalidateFailed(req *http.Request, err error) {
	e.log.Warn("revalidation failed", map[string]interface{}{
		"url":   req.URL.String(),
		"error": err.Error(),
	})
	if e.events != nil {
		e.events.Emit(events.CacheRevalidateFailed, map[string]interface{}{
			"url":   req.URL.String(),
			"error": err.Error(),
		})
	}
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.revalidations.Wait()
}

func (e *Engine) match(ctx context.Context, c Cache, key string) *Entry {
	entry, err := c.Match(ctx, key)
	if err != nil {
		e.log.Warn("cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil
	}
	return entry
}

// ShouldCache reports whether resp to req may be stored: a GET outside
// the never-cache patterns answered with a 2xx status.
func (e *Engine) ShouldCache(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	if e.policy.NeverCache(req.URL) {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// fetchAndStore fetches req and, when cacheable, stores a copy of the
// response in ns and enforces its cap. The returned response carries its
// own readable body.
func (e *Engine) fetchAndStore(req *http.Request, ns *namespace) (*http.Response, error) {
	resp, err := e.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	if !e.ShouldCache(req, resp) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	ctx := req.Context()
	entry := NewEntry(Key(req), resp, body, e.clock.Now())
	if err := ns.Put(ctx, entry); err != nil {
		e.log.Warn("cache write failed", map[string]interface{}{
			"namespace": ns.name,
			"key":       entry.Key,
			"error":     err.Error(),
		})
		return resp, nil
	}
	e.enforceLimit(ctx, ns)
	return resp, nil
}

// enforceLimit deletes the oldest-inserted keys until ns holds at most its
// cap.
func (e *Engine) enforceLimit(ctx context.Context, ns *namespace) {
	keys, err := ns.Keys(ctx)
	if err != nil {
		e.log.Warn("cache keys unavailable", map[string]interface{}{"namespace": ns.name, "error": err.Error()})
		return
	}
	excess := len(keys) - ns.limit
	if excess <= 0 {
		return
	}
	for _, key := range keys[:excess] {
		if err := ns.Delete(ctx, key); err != nil {
			e.log.Warn("cache eviction failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}
	e.log.Debug("evicted entries", map[string]interface{}{"namespace": ns.name, "count": excess})
}

// Precache fetches every URL into the static namespace. Any failure
// removes the entries written so far and returns the error.
func (e *Engine) Precache(ctx context.Context, urls []string) error {
	name := e.Namespace(ClassStatic)
	c, err := e.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}

	var written []string
	rollback := func() {
		for _, key := range written {
			c.Delete(ctx, key)
		}
	}

	for _, raw := range urls {
		entry, err := e.fetchEntry(ctx, raw)
		if err != nil {
			rollback()
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		if err := c.Put(ctx, entry); err != nil {
			rollback()
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		written = append(written, entry.Key)
	}
	return nil
}

func (e *Engine) fetchEntry(ctx context.Context, raw string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return NewEntry(Key(req), resp, body, e.clock.Now()), nil
}

// Refresh fetches rawURL through its normal namespace, replacing the
// stored entry on success.
func (e *Engine) Refresh(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if e.policy.NeverCache(u) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	class := e.policy.Class(u)
	c, err := e.storage.Open(ctx, e.Namespace(class))
	if err != nil {
		return err
	}
	resp, err := e.fetchAndStore(req, &namespace{Cache: c, name: e.Namespace(class), limit: e.cfg.MaxEntriesFor(string(class))})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return nil
}

// Clear deletes one active namespace, or every active namespace when name
// is empty.
func (e *Engine) Clear(ctx context.Context, name string) error {
	targets := e.ActiveNamespaces()
	if name != "" {
		found := false
		for _, n := range targets {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown namespace %q", name)
		}
		targets = []string{name}
	}
	for _, n := range targets {
		if err := e.storage.Delete(ctx, n); err != nil {
			return fmt.Errorf("clear %s: %w", n, err)
		}
	}
	return nil
}

// Stats returns the number of entries in each active namespace.
func (e *Engine) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, len(Classes))
	for _, name := range e.ActiveNamespaces() {
		c, err := e.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		stats[name] = len(keys)
	}
	return stats, nil
}
