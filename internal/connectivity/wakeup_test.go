package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

func newScheduler(t *testing.T) (*WakeupScheduler, *clock.FakeClock, *[]string) {
	t.Helper()
	clk := clock.Fake(epoch)
	ws := NewWakeupScheduler(testConfig(), clk, logging.Discard())
	var fired []string
	ws.SetHandler(func(ctx context.Context, tag string) error {
		fired = append(fired, tag)
		return nil
	})
	return ws, clk, &fired
}

func TestWakeup_registerAndFire(t *testing.T) {
	ws, _, fired := newScheduler(t)

	require.NoError(t, ws.Register(TagSyncProposals))
	require.NoError(t, ws.Register(TagSyncAllData))
	require.NoError(t, ws.Register(TagSyncProposals))
	assert.Equal(t, []string{TagSyncAllData, TagSyncProposals}, ws.Registered())

	require.NoError(t, ws.Fire(context.Background()))
	assert.Equal(t, []string{TagSyncAllData, TagSyncProposals}, *fired)
	assert.Empty(t, ws.Registered())

	// Nothing left to fire.
	require.NoError(t, ws.Fire(context.Background()))
	assert.Len(t, *fired, 2)
}

func TestWakeup_failedTagStaysRegistered(t *testing.T) {
	ws, _, _ := newScheduler(t)
	ws.SetHandler(func(ctx context.Context, tag string) error {
		if tag == TagSyncPendingActions {
			return errors.New("store closed")
		}
		return nil
	})

	require.NoError(t, ws.Register(TagSyncPendingActions))
	require.NoError(t, ws.Register(TagSyncProposals))

	err := ws.Fire(context.Background())
	assert.ErrorContains(t, err, TagSyncPendingActions)
	assert.Equal(t, []string{TagSyncPendingActions}, ws.Registered())
}

func TestWakeup_unsupported(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundSync = false
	cfg.PeriodicSync = false
	ws := NewWakeupScheduler(cfg, clock.Fake(epoch), logging.Discard())
	ws.SetHandler(func(context.Context, string) error { return nil })

	err := ws.Register(TagSyncProposals)
	assert.True(t, apperrors.Is(err, apperrors.ErrWakeupUnsupported))

	err = ws.RegisterPeriodic(TagSyncContent, time.Hour)
	assert.True(t, apperrors.Is(err, apperrors.ErrWakeupUnsupported))
	assert.False(t, ws.Supported())
	assert.False(t, ws.PeriodicSupported())
}

func TestWakeup_noHandlerIsPermissionDenied(t *testing.T) {
	ws := NewWakeupScheduler(testConfig(), clock.Fake(epoch), logging.Discard())

	err := ws.Register(TagSyncProposals)
	assert.True(t, apperrors.Is(err, apperrors.ErrPermissionDenied))

	err = ws.Trigger(context.Background(), TagSyncProposals)
	assert.True(t, apperrors.Is(err, apperrors.ErrWakeupUnsupported))
}

func TestWakeup_periodicRespectsMinimum(t *testing.T) {
	ws, clk, fired := newScheduler(t)

	// Raised to the 12h minimum.
	require.NoError(t, ws.RegisterPeriodic(TagSyncContent, time.Minute))

	clk.Advance(11 * time.Hour)
	require.NoError(t, ws.FirePeriodic(context.Background()))
	assert.Empty(t, *fired)

	clk.Advance(time.Hour)
	require.NoError(t, ws.FirePeriodic(context.Background()))
	assert.Equal(t, []string{TagSyncContent}, *fired)

	// Not due again until another interval passes.
	require.NoError(t, ws.FirePeriodic(context.Background()))
	assert.Len(t, *fired, 1)
}

func TestWakeup_trigger(t *testing.T) {
	ws, _, fired := newScheduler(t)
	require.NoError(t, ws.Trigger(context.Background(), TagSyncContent))
	assert.Equal(t, []string{TagSyncContent}, *fired)
}
