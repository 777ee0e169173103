// Package intercept implements the request interception layer: a worker
// that proxies page requests through the cache engine, owns the cache
// namespace lifecycle, and handles push, notification-click, wake-up and
// control messages.
package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/cache"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/connectivity"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
)

// State is the lifecycle state of a worker generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Control message types.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageGetVersion  = "GET_VERSION"
)

// NamespaceRegistry persists the set of known cache namespaces.
// *db.Store implements it.
type NamespaceRegistry interface {
	RegisterNamespace(ctx context.Context, ns models.CacheNamespace) error
	ListNamespaces(ctx context.Context) ([]models.CacheNamespace, error)
	DeleteNamespace(ctx context.Context, name string) error
}

// SyncRunner drains queued records. *sync.Orchestrator implements it.
type SyncRunner interface {
	Drain(ctx context.Context, collection string) (*syncpkg.DrainResult, error)
	DrainAll(ctx context.Context) ([]*syncpkg.DrainResult, error)
}

// Options configures a Worker.
type Options struct {
	Config   *config.Config
	Engine   *cache.Engine
	Registry NamespaceRegistry
	Sync     SyncRunner
	Clients  *Clients
	Notifier Notifier

	// Fetcher forwards requests while the worker is not yet activated.
	Fetcher cache.Fetcher

	Clock  clock.Clock
	Events events.Emitter
	Logger *logging.Logger
}

// Message is a control message sent by a page.
type Message struct {
	Type      string `json:"type" validate:"required"`
	Namespace string `json:"namespace,omitempty"`
}

// Worker is one generation of the interception layer.
type Worker struct {
	cfg      *config.Config
	origin   *url.URL
	engine   *cache.Engine
	registry NamespaceRegistry
	sync     SyncRunner
	clients  *Clients
	notifier Notifier
	fetcher  cache.Fetcher
	clock    clock.Clock
	events   events.Emitter
	log      *logging.Logger

	mu    sync.RWMutex
	state State
}

// NewWorker creates a worker in the installing state.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Config == nil || opts.Engine == nil {
		return nil, fmt.Errorf("worker needs a config and a cache engine")
	}
	origin, err := url.Parse(opts.Config.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid origin %q", opts.Config.Origin))
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	if opts.Events == nil {
		opts.Events = &events.Recorder{}
	}
	if opts.Fetcher == nil {
		opts.Fetcher = http.DefaultClient
	}
	if opts.Clients == nil {
		opts.Clients = NewClients(opts.Clock, opts.Events)
	}
	if opts.Notifier == nil {
		opts.Notifier = EventNotifier{Events: opts.Events}
	}
	return &Worker{
		cfg:      opts.Config,
		origin:   origin,
		engine:   opts.Engine,
		registry: opts.Registry,
		sync:     opts.Sync,
		clients:  opts.Clients,
		notifier: opts.Notifier,
		fetcher:  opts.Fetcher,
		clock:    opts.Clock,
		events:   opts.Events,
		log:      opts.Logger.Component("worker"),
		state:    StateInstalling,
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Clients returns the page registry.
func (w *Worker) Clients() *Clients { return w.clients }

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.events.Emit(events.WorkerState, map[string]interface{}{
		"state":   string(s),
		"version": w.engine.Version(),
	})
}

// Install precaches the application shell. Any failure leaves no partial
// shell cache and makes this generation redundant.
func (w *Worker) Install(ctx context.Context) error {
	if s := w.State(); s != StateInstalling {
		return apperrors.New(apperrors.ErrIllegalTransition, fmt.Sprintf("install from state %s", s))
	}

	urls := make([]string, 0, len(w.cfg.Worker.ShellManifest))
	for _, path := range w.cfg.Worker.ShellManifest {
		urls = append(urls, w.resolve(path))
	}

	if err := w.engine.Precache(ctx, urls); err != nil {
		w.setState(StateRedundant)
		w.log.ErrorWithCode("install failed", string(apperrors.ErrInstallFailed), err, map[string]interface{}{
			"assets": len(urls),
		})
		return apperrors.Wrap(apperrors.ErrInstallFailed, "precache application shell", err)
	}

	w.log.Info("installed", map[string]interface{}{"assets": len(urls), "version": w.engine.Version()})
	w.setState(StateInstalled)
	return nil
}

// Activate removes cache namespaces of other versions, records the active
// ones and takes control of open pages.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateActivated {
		w.mu.Unlock()
		return nil
	}
	if w.state != StateInstalled {
		s := w.state
		w.mu.Unlock()
		return apperrors.New(apperrors.ErrIllegalTransition, fmt.Sprintf("activate from state %s", s))
	}
	w.state = StateActivating
	w.mu.Unlock()

	if err := w.pruneNamespaces(ctx); err != nil {
		w.setState(StateInstalled)
		return err
	}

	claimed := w.clients.Claim()
	w.log.Info("activated", map[string]interface{}{"version": w.engine.Version(), "clients": claimed})
	w.setState(StateActivated)
	return nil
}

func (w *Worker) pruneNamespaces(ctx context.Context) error {
	active := make(map[string]bool)
	for _, name := range w.engine.ActiveNamespaces() {
		active[name] = true
	}

	storage := w.engine.Storage()
	names, err := storage.Names(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "list cache namespaces", err)
	}
	for _, name := range names {
		if active[name] {
			continue
		}
		if err := storage.Delete(ctx, name); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable, "delete cache namespace "+name, err)
		}
		w.log.Info("deleted old cache", map[string]interface{}{"namespace": name})
	}

	if w.registry == nil {
		return nil
	}
	registered, err := w.registry.ListNamespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range registered {
		if active[ns.Name] {
			continue
		}
		if err := w.registry.DeleteNamespace(ctx, ns.Name); err != nil {
			return err
		}
	}
	now := w.clock.Now().UnixMilli()
	for _, class := range cache.Classes {
		ns := models.CacheNamespace{
			Name:      w.engine.Namespace(class),
			Class:     string(class),
			Version:   w.engine.Version(),
			CreatedAt: now,
		}
		if err := w.registry.RegisterNamespace(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// resolve turns a path into an absolute URL on the origin.
func (w *Worker) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return w.origin.ResolveReference(ref).String()
}

// pageURL reduces a URL on the origin to its path and query, so relative
// and absolute forms of the same page compare equal. URLs on other hosts
// are kept whole.
func (w *Worker) pageURL(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	abs := w.origin.ResolveReference(ref)
	if abs.Scheme != w.origin.Scheme || abs.Host != w.origin.Host {
		abs.Fragment = ""
		return abs.String()
	}
	return abs.RequestURI()
}

// shownURL returns the page address r reveals: the explicit page header,
// or the request itself when it is a navigation. Subresource fetches
// reveal nothing.
func (w *Worker) shownURL(r *http.Request) string {
	if raw := r.Header.Get(HeaderClientURL); raw != "" {
		return w.pageURL(raw)
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return w.pageURL(r.URL.RequestURI())
	}
	return ""
}

// ServeHTTP proxies a page request to the origin. Once activated the
// request goes through the cache engine.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(HeaderClientID); id != "" {
		w.clients.Touch(id, w.shownURL(r))
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Host = ""
	target := *w.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery
	out.URL = &target
	out.Header.Del(HeaderClientID)
	out.Header.Del(HeaderClientURL)

	var (
		resp *http.Response
		err  error
	)
	if w.State() == StateActivated {
		resp, err = w.engine.Handle(out)
	} else {
		resp, err = w.fetcher.Do(out)
	}
	if err != nil {
		w.log.Warn("request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	io.Copy(rw, resp.Body)
}

// HandlePush turns a push payload into a notification.
func (w *Worker) HandlePush(ctx context.Context, data []byte) (Notification, error) {
	n := ParsePush(data, w.cfg.Worker.DefaultNotificationTitle)
	if err := w.notifier.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// HandleNotificationClick focuses a page already showing the target of n,
// or opens a new one.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification) Client {
	target := w.pageURL(n.TargetURL())
	if client, ok := w.clients.MatchURL(target); ok {
		if focused, ok := w.clients.Focus(client.ID); ok {
			return focused
		}
	}
	return w.clients.Open(target)
}

// HandleSync runs the work behind a wake-up tag. A drain already running
// for the collection counts as success.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	var err error
	switch tag {
	case connectivity.TagSyncProposals:
		err = w.drain(ctx, models.CollectionProposals)
	case connectivity.TagSyncPendingActions:
		err = w.drain(ctx, models.CollectionActions)
	case connectivity.TagSyncAllData:
		if w.sync == nil {
			return apperrors.New(apperrors.ErrWakeupUnsupported, "no sync runner")
		}
		_, err = w.sync.DrainAll(ctx)
	case connectivity.TagSyncContent:
		err = w.refreshContent(ctx)
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync tag %q", tag))
	}
	if apperrors.Is(err, apperrors.ErrDrainInProgress) {
		return nil
	}
	return err
}

func (w *Worker) drain(ctx context.Context, collection string) error {
	if w.sync == nil {
		return apperrors.New(apperrors.ErrWakeupUnsupported, "no sync runner")
	}
	_, err := w.sync.Drain(ctx, collection)
	return err
}

func (w *Worker) refreshContent(ctx context.Context) error {
	var failed []string
	for _, path := range w.cfg.Worker.PeriodicContent {
		if err := w.engine.Refresh(ctx, w.resolve(path)); err != nil {
			w.log.Warn("content refresh failed", map[string]interface{}{"path": path, "error": err.Error()})
			failed = append(failed, path)
		}
	}
	if len(failed) > 0 {
		return apperrors.New(apperrors.ErrNetworkFailure, "refresh failed: "+strings.Join(failed, ", "))
	}
	return nil
}

// HandleMessage answers a control message.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (map[string]interface{}, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		if err := w.Activate(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"state": string(w.State())}, nil
	case MessageClearCache:
		if err := w.engine.Clear(ctx, msg.Namespace); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "clear cache", err)
		}
		return map[string]interface{}{"cleared": true}, nil
	case MessageGetVersion:
		return map[string]interface{}{"version": w.engine.Version()}, nil
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// DecodeMessage parses a control message.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, apperrors.Wrap(apperrors.ErrInvalid, "decode message", err)
	}
	return msg, nil
}
