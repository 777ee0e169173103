// Package connectivity tracks the online state and decides when queued
// records are drained.
//
// The Coordinator drains on every offline to online transition, on an
// hourly check and on a fixed retry interval while records are pending.
// Reconnect drains go through the WakeupScheduler when it is available and
// fall back to calling the orchestrator directly when it is not.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
)

// Drainer is implemented by the sync orchestrator.
type Drainer interface {
	DrainAll(ctx context.Context) ([]*syncpkg.DrainResult, error)
	HasPending(ctx context.Context) (bool, error)
}

// oneShotTags are registered for every reconnect.
var oneShotTags = []string{TagSyncProposals, TagSyncPendingActions, TagSyncAllData}

// Options configures a Coordinator.
type Options struct {
	Config   config.ConnectivityConfig
	Features config.FeaturesConfig
	Drainer  Drainer

	// Wakeups may be nil, which forces direct drains.
	Wakeups *WakeupScheduler

	// Monitor may be nil, which disables link probing.
	Monitor *Monitor

	Clock  clock.Clock
	Events events.Emitter
	Logger *logging.Logger
}

// Coordinator manages the connectivity state machine.
type Coordinator struct {
	cfg      config.ConnectivityConfig
	features config.FeaturesConfig
	drainer  Drainer
	wakeups  *WakeupScheduler
	monitor  *Monitor
	clock    clock.Clock
	events   events.Emitter
	log      *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	drains sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	fallback        bool
	drainInProgress bool
	lastDrainTime   time.Time
	quality         Quality
	latency         time.Duration
}

// Status is a snapshot of the coordinator.
type Status struct {
	IsRunning       bool       `json:"running"`
	IsOnline        bool       `json:"online"`
	Fallback        bool       `json:"fallback"`
	DrainInProgress bool       `json:"drainInProgress"`
	LastDrainTime   *time.Time `json:"lastDrain,omitempty"`
	Quality         Quality    `json:"quality,omitempty"`
	LatencyMillis   int64      `json:"latency"`
	Registered      []string   `json:"registered"`
}

// NewCoordinator creates a Coordinator. It assumes the link is online
// until told otherwise.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Events == nil {
		opts.Events = &events.Recorder{}
	}
	return &Coordinator{
		cfg:      opts.Config,
		features: opts.Features,
		drainer:  opts.Drainer,
		wakeups:  opts.Wakeups,
		monitor:  opts.Monitor,
		clock:    opts.Clock,
		events:   opts.Events,
		log:      opts.Logger.Component("connectivity"),
		isOnline: true,
	}
}

// Start registers the wake-ups and starts the timers. Calling Start on a
// running coordinator does nothing.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.registerWakeups()
	if c.wakeups != nil {
		if err := c.wakeups.RegisterPeriodic(TagSyncContent, c.cfg.PeriodicMinimum); err != nil {
			c.log.Info("periodic content refresh unavailable", map[string]interface{}{"error": err.Error()})
		}
	}

	periodic := c.clock.NewTicker(c.cfg.PeriodicCheck)
	retry := c.clock.NewTicker(c.cfg.RetryInterval)
	c.wg.Add(2)
	go c.periodicLoop(ctx, stopCh, periodic)
	go c.retryLoop(ctx, stopCh, retry)

	if c.monitor != nil {
		probe := c.clock.NewTicker(c.cfg.ProbeInterval)
		c.wg.Add(1)
		go c.monitorLoop(ctx, stopCh, probe)
	}

	c.log.Info("connectivity coordinator started", map[string]interface{}{
		"fallback":        c.Fallback(),
		"periodic_check":  c.cfg.PeriodicCheck.String(),
		"retry_interval":  c.cfg.RetryInterval.String(),
		"link_monitoring": c.monitor != nil,
	})
}

// Stop stops the timers and waits for running drains.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.drains.Wait()

	c.log.Info("connectivity coordinator stopped")
}

// SetOnline records the link state. Going online drains every collection
// in the background; going offline re-arms the reconnect wake-ups.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	wasOnline := c.isOnline
	c.isOnline = online
	c.mu.Unlock()

	if wasOnline == online {
		return
	}

	c.log.Info("online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})

	if !online {
		c.events.Emit(events.NetworkOffline, map[string]interface{}{"online": false})
		c.registerWakeups()
		return
	}

	c.events.Emit(events.NetworkOnline, map[string]interface{}{"online": true})

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		c.onReconnect(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until background drains started by SetOnline or
// TriggerSync have finished.
func (c *Coordinator) Wait() {
	c.drains.Wait()
}

func (c *Coordinator) onReconnect(ctx context.Context) {
	if c.wakeups == nil || c.Fallback() {
		c.runDrain(ctx, "reconnect")
		return
	}
	if err := c.wakeups.Fire(ctx); err != nil {
		c.log.Error("reconnect wake-ups failed", err)
	}
}

// registerWakeups asks for the reconnect tags. Any refusal switches the
// coordinator to direct drains.
func (c *Coordinator) registerWakeups() {
	if c.wakeups == nil {
		c.setFallback(true, nil)
		return
	}
	for _, tag := range oneShotTags {
		if err := c.wakeups.Register(tag); err != nil {
			if apperrors.Is(err, apperrors.ErrWakeupUnsupported) || apperrors.Is(err, apperrors.ErrPermissionDenied) {
				c.setFallback(true, err)
				return
			}
			c.log.Error("wake-up registration failed", err, map[string]interface{}{"tag": tag})
		}
	}
	c.setFallback(false, nil)
}

func (c *Coordinator) setFallback(fallback bool, cause error) {
	c.mu.Lock()
	changed := c.fallback != fallback
	c.fallback = fallback
	c.mu.Unlock()

	if changed && fallback {
		ctx := map[string]interface{}{}
		if cause != nil {
			ctx["reason"] = cause.Error()
		}
		c.log.Warn("wake-ups unavailable, draining directly on reconnect", ctx)
	}
}

func (c *Coordinator) periodicLoop(ctx context.Context, stopCh <-chan struct{}, ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.checkPending(ctx, "periodic")
			if c.wakeups != nil && c.IsOnline() {
				if err := c.wakeups.FirePeriodic(ctx); err != nil {
					c.log.Error("periodic wake-ups failed", err)
				}
			}
		}
	}
}

func (c *Coordinator) retryLoop(ctx context.Context, stopCh <-chan struct{}, ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.checkPending(ctx, "retry")
		}
	}
}

func (c *Coordinator) monitorLoop(ctx context.Context, stopCh <-chan struct{}, ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.ProbeNow(ctx)
		}
	}
}

// ProbeNow measures the link once, emits the quality and updates the
// online state from it.
func (c *Coordinator) ProbeNow(ctx context.Context) Quality {
	if c.monitor == nil {
		return ""
	}
	quality, latency, _ := c.monitor.Probe(ctx)

	c.mu.Lock()
	c.quality = quality
	c.latency = latency
	c.mu.Unlock()

	c.SetOnline(ctx, quality != QualityOffline)
	c.events.Emit(events.NetworkQuality, map[string]interface{}{
		"quality": string(quality),
		"latency": latency.Milliseconds(),
	})
	return quality
}

// checkPending drains when online and any record is waiting.
func (c *Coordinator) checkPending(ctx context.Context, reason string) {
	if !c.IsOnline() {
		return
	}
	pending, err := c.drainer.HasPending(ctx)
	if err != nil {
		c.log.ErrorWithCode("pending check failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if !pending {
		return
	}
	c.runDrain(ctx, reason)
}

// runDrain drains every collection unless offline or a drain started by
// the coordinator is already running.
func (c *Coordinator) runDrain(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if !c.isOnline || c.drainInProgress {
		c.mu.Unlock()
		c.log.Debug("drain skipped", map[string]interface{}{"reason": reason})
		return false
	}
	c.drainInProgress = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.drainInProgress = false
		c.mu.Unlock()
	}()

	results, err := c.drainer.DrainAll(ctx)

	c.mu.Lock()
	c.lastDrainTime = c.clock.Now()
	c.mu.Unlock()

	succeeded, failed := 0, 0
	for _, r := range results {
		succeeded += r.Succeeded
		failed += r.Failed
	}
	if err != nil {
		c.log.ErrorWithCode("drain failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
	}
	c.log.Info("drain completed", map[string]interface{}{
		"reason":    reason,
		"succeeded": succeeded,
		"failed":    failed,
	})
	return true
}

// TriggerSync starts a drain in the background. It returns false when
// offline or when a drain is already running.
func (c *Coordinator) TriggerSync(ctx context.Context) bool {
	c.mu.RLock()
	busy := c.drainInProgress || !c.isOnline
	c.mu.RUnlock()
	if busy {
		return false
	}

	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		c.runDrain(context.WithoutCancel(ctx), "manual")
	}()
	return true
}

// SyncNow drains every collection and waits for the result.
func (c *Coordinator) SyncNow(ctx context.Context) ([]*syncpkg.DrainResult, error) {
	if !c.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetworkFailure, "offline")
	}
	results, err := c.drainer.DrainAll(ctx)

	c.mu.Lock()
	c.lastDrainTime = c.clock.Now()
	c.mu.Unlock()

	return results, err
}

// IsOnline returns the current link state.
func (c *Coordinator) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isOnline
}

// IsRunning returns whether the timers are running.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// Fallback reports whether reconnects drain directly.
func (c *Coordinator) Fallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// Features returns the feature probe.
func (c *Coordinator) Features() Features {
	f := Probe(c.features, c.wakeups)
	if c.Fallback() {
		f.BackgroundSync = false
	}
	return f
}

// GetStatus returns a snapshot of the coordinator.
func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	status := Status{
		IsRunning:       c.isRunning,
		IsOnline:        c.isOnline,
		Fallback:        c.fallback,
		DrainInProgress: c.drainInProgress,
		Quality:         c.quality,
		LatencyMillis:   c.latency.Milliseconds(),
	}
	if !c.lastDrainTime.IsZero() {
		last := c.lastDrainTime
		status.LastDrainTime = &last
	}
	c.mu.RUnlock()

	status.Registered = []string{}
	if c.wakeups != nil {
		status.Registered = c.wakeups.Registered()
	}
	return status
}
