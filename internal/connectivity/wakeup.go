package connectivity

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// Wake-up tags.
const (
	TagSyncProposals      = "sync-proposals"
	TagSyncPendingActions = "sync-pending-actions"
	TagSyncAllData        = "sync-all-data"
	TagSyncContent        = "sync-content"
)

// Handler runs the work behind a wake-up tag.
type Handler func(ctx context.Context, tag string) error

// WakeupScheduler delivers deferred wake-ups. One-shot tags fire once when
// connectivity returns and stay registered until their handler succeeds.
// Periodic tags fire at most once per interval while online.
type WakeupScheduler struct {
	mu       sync.Mutex
	oneShot  map[string]bool
	periodic map[string]time.Duration
	lastRun  map[string]time.Time
	handler  Handler

	background   bool
	periodicSync bool
	minimum      time.Duration

	clock clock.Clock
	log   *logging.Logger
}

// NewWakeupScheduler creates a scheduler honoring the capability flags of
// cfg.
func NewWakeupScheduler(cfg config.ConnectivityConfig, clk clock.Clock, log *logging.Logger) *WakeupScheduler {
	return &WakeupScheduler{
		oneShot:      make(map[string]bool),
		periodic:     make(map[string]time.Duration),
		lastRun:      make(map[string]time.Time),
		background:   cfg.BackgroundSync,
		periodicSync: cfg.PeriodicSync,
		minimum:      cfg.PeriodicMinimum,
		clock:        clk,
		log:          log.Component("wakeup"),
	}
}

// SetHandler sets the function fired wake-ups are delivered to.
func (s *WakeupScheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Supported reports whether one-shot wake-ups can be registered.
func (s *WakeupScheduler) Supported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background && s.handler != nil
}

// PeriodicSupported reports whether periodic wake-ups can be registered.
func (s *WakeupScheduler) PeriodicSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodicSync && s.handler != nil
}

// Register asks for tag to fire on the next reconnect.
func (s *WakeupScheduler) Register(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.background {
		return apperrors.New(apperrors.ErrWakeupUnsupported, "background sync is not available")
	}
	if s.handler == nil {
		return apperrors.New(apperrors.ErrPermissionDenied, "no wake-up handler installed")
	}
	s.oneShot[tag] = true
	s.log.Debug("wake-up registered", map[string]interface{}{"tag": tag})
	return nil
}

// RegisterPeriodic asks for tag to fire every interval. Intervals below
// the configured minimum are raised to it.
func (s *WakeupScheduler) RegisterPeriodic(tag string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.periodicSync {
		return apperrors.New(apperrors.ErrWakeupUnsupported, "periodic sync is not available")
	}
	if s.handler == nil {
		return apperrors.New(apperrors.ErrPermissionDenied, "no wake-up handler installed")
	}
	if interval < s.minimum {
		interval = s.minimum
	}
	s.periodic[tag] = interval
	if _, ok := s.lastRun[tag]; !ok {
		s.lastRun[tag] = s.clock.Now()
	}
	s.log.Debug("periodic wake-up registered", map[string]interface{}{"tag": tag, "interval": interval.String()})
	return nil
}

// Registered lists the pending one-shot tags.
func (s *WakeupScheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.oneShot))
	for tag := range s.oneShot {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Fire delivers every registered one-shot tag. Tags whose handler fails
// stay registered for the next reconnect.
func (s *WakeupScheduler) Fire(ctx context.Context) error {
	tags := s.Registered()

	var errs []error
	for _, tag := range tags {
		if err := s.Trigger(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
			continue
		}
		s.mu.Lock()
		delete(s.oneShot, tag)
		s.mu.Unlock()
	}
	return stderrors.Join(errs...)
}

// FirePeriodic delivers the periodic tags whose interval has elapsed.
func (s *WakeupScheduler) FirePeriodic(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	var due []string
	for tag, interval := range s.periodic {
		if now.Sub(s.lastRun[tag]) >= interval {
			due = append(due, tag)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	var errs []error
	for _, tag := range due {
		if err := s.Trigger(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
			continue
		}
		s.mu.Lock()
		s.lastRun[tag] = now
		s.mu.Unlock()
	}
	return stderrors.Join(errs...)
}

// Trigger runs the handler for tag immediately.
func (s *WakeupScheduler) Trigger(ctx context.Context, tag string) error {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return apperrors.New(apperrors.ErrWakeupUnsupported, "no wake-up handler installed")
	}

	s.log.Info("wake-up fired", map[string]interface{}{"tag": tag})
	if err := handler(ctx, tag); err != nil {
		s.log.Error("wake-up handler failed", err, map[string]interface{}{"tag": tag})
		return err
	}
	return nil
}
