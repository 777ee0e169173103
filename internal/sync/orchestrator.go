// Package sync drains queued records to the remote API.
//
// An Orchestrator owns one drain pass per collection at a time. Each
// eligible record moves through the lifecycle in models.Transition: the
// begin transition is persisted before the remote call, so a crash mid
// call leaves the record in syncing and it is recovered by a later drain.
// Records are independent: one failure never stops the pass.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/db"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/remote"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/sync/queue"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/validation"

	validatorv10 "github.com/go-playground/validator/v10"
)

// Remote submits one record to the server. Implemented by remote.Client.
type Remote interface {
	Submit(ctx context.Context, s remote.Submission) (*remote.Result, error)
}

// Options configures an Orchestrator.
type Options struct {
	Config config.SyncConfig

	// ProposalsEndpoint receives new proposals, and form submissions that
	// name no endpoint.
	ProposalsEndpoint string

	Store  db.RecordStore
	Remote Remote
	Clock  clock.Clock
	Events events.Emitter
	Logger *logging.Logger
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Collection string `json:"collection"`

	// Recovered counts records reset from a stale syncing state.
	Recovered int `json:"recovered"`

	// Purged counts records the remote had already accepted but that were
	// still stored because their delete failed.
	Purged int `json:"purged"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Exhausted counts records that reached their attempt limit during
	// this pass.
	Exhausted int `json:"exhausted"`

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// Orchestrator drains the persisted collections.
type Orchestrator struct {
	cfg      config.SyncConfig
	endpoint string
	store    db.RecordStore
	remote   Remote
	clock    clock.Clock
	events   events.Emitter
	log      *logging.Logger
	validate *validatorv10.Validate

	mu       stdsync.Mutex
	draining map[string]bool
	lastRun  map[string]DrainResult
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("sync: store and remote are required")
	}
	if opts.Config.MaxRetries <= 0 {
		return nil, fmt.Errorf("sync: max retries must be positive, got %d", opts.Config.MaxRetries)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Events == nil {
		opts.Events = &events.Recorder{}
	}
	if opts.Config.Concurrency <= 0 {
		opts.Config.Concurrency = 1
	}
	if opts.ProposalsEndpoint == "" {
		opts.ProposalsEndpoint = "/api/proposals"
	}

	return &Orchestrator{
		cfg:      opts.Config,
		endpoint: opts.ProposalsEndpoint,
		store:    opts.Store,
		remote:   opts.Remote,
		clock:    opts.Clock,
		events:   opts.Events,
		log:      opts.Logger.Component("sync"),
		validate: validation.New(),
		draining: make(map[string]bool),
		lastRun:  make(map[string]DrainResult),
	}, nil
}

// Drain submits every eligible record of collection. A second drain of
// the same collection while one is running fails with ErrDrainInProgress.
// The returned error is non-nil only when the pass could not start;
// per-record failures are reported in the result and through events.
func (o *Orchestrator) Drain(ctx context.Context, collection string) (*DrainResult, error) {
	if _, ok := models.KindForCollection(collection); !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("collection %q is not synced", collection))
	}
	if !o.acquire(collection) {
		return nil, apperrors.New(apperrors.ErrDrainInProgress, fmt.Sprintf("drain of %s already running", collection))
	}
	defer o.release(collection)

	result := &DrainResult{Collection: collection, StartedAt: o.clock.Now()}

	recovered, err := o.recoverStale(ctx, collection)
	if err != nil {
		return nil, err
	}
	result.Recovered = recovered

	purged, err := o.purgeSynced(ctx, collection)
	if err != nil {
		return nil, err
	}
	result.Purged = purged

	pending, err := o.store.GetByStatus(ctx, collection, models.StatusPending)
	if err != nil {
		return nil, err
	}

	work := queue.NewSyncQueue(0, o.clock, o.log)
	for _, rec := range pending {
		if !rec.Eligible(o.cfg.MaxRetries) {
			continue
		}
		if _, err := work.Enqueue(collection, rec); err != nil {
			o.log.Warn("skipping record", map[string]interface{}{"collection": collection, "id": rec.ID, "error": err.Error()})
		}
	}

	if queued := work.Size(); queued > 0 {
		o.log.Info("drain started", map[string]interface{}{"collection": collection, "records": queued})
		result.Exhausted = o.runWorkers(ctx, work)
	}

	stats := work.GetStats()
	result.Succeeded = stats["completed"]
	result.Failed = stats["failed"]
	result.Attempted = result.Succeeded + result.Failed
	result.FinishedAt = o.clock.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	o.mu.Lock()
	o.lastRun[collection] = *result
	o.mu.Unlock()

	if result.Attempted > 0 {
		o.log.Info("drain finished", map[string]interface{}{
			"collection": collection,
			"succeeded":  result.Succeeded,
			"failed":     result.Failed,
			"exhausted":  result.Exhausted,
		})
	}
	return result, nil
}

// DrainAll drains every synced collection in turn. Collections already
// being drained are skipped. The first error that stopped a collection
// from starting is returned alongside the results of the others.
func (o *Orchestrator) DrainAll(ctx context.Context) ([]*DrainResult, error) {
	var results []*DrainResult
	var firstErr error
	for _, collection := range models.SyncCollections {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := o.Drain(ctx, collection)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrDrainInProgress) {
				continue
			}
			o.log.ErrorWithCode("drain failed", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"collection": collection})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, result)
	}
	return results, firstErr
}

// Draining reports whether a pass over collection is running.
func (o *Orchestrator) Draining(collection string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining[collection]
}

// LastRun returns the result of the last completed pass over collection.
func (o *Orchestrator) LastRun(collection string) (DrainResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.lastRun[collection]
	return r, ok
}

func (o *Orchestrator) acquire(collection string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining[collection] {
		return false
	}
	o.draining[collection] = true
	return true
}

func (o *Orchestrator) release(collection string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.draining, collection)
}

// recoverStale resets records left in syncing by an interrupted pass.
func (o *Orchestrator) recoverStale(ctx context.Context, collection string) (int, error) {
	syncing, err := o.store.GetByStatus(ctx, collection, models.StatusSyncing)
	if err != nil {
		return 0, err
	}

	now := o.clock.Now()
	cutoff := now.Add(-o.cfg.StaleSyncingAfter).UnixMilli()
	recovered := 0
	for _, rec := range syncing {
		last := rec.SyncMetadata.CreatedAt
		if rec.SyncMetadata.LastAttempt != nil {
			last = *rec.SyncMetadata.LastAttempt
		}
		if last > cutoff {
			continue
		}
		if err := models.Transition(&rec.SyncMetadata, models.EventReset, nil, o.cfg.MaxRetries, now); err != nil {
			return recovered, err
		}
		if err := o.store.Put(ctx, collection, rec); err != nil {
			return recovered, err
		}
		recovered++
		o.log.Warn("recovered stale record", map[string]interface{}{"collection": collection, "id": rec.ID})
	}
	return recovered, nil
}

// purgeSynced deletes records left in the synced state by a failed or
// interrupted delete. A record whose delete fails again stays for the next
// pass.
func (o *Orchestrator) purgeSynced(ctx context.Context, collection string) (int, error) {
	synced, err := o.store.GetByStatus(ctx, collection, models.StatusSynced)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range synced {
		if err := o.store.Delete(ctx, collection, rec.ID); err != nil {
			o.log.Error("purge synced record failed", err, map[string]interface{}{"collection": collection, "id": rec.ID})
			continue
		}
		purged++
	}
	if purged > 0 {
		o.log.Info("purged synced records", map[string]interface{}{"collection": collection, "records": purged})
	}
	return purged, nil
}

// runWorkers processes the work list with bounded concurrency and returns
// how many records were exhausted.
func (o *Orchestrator) runWorkers(ctx context.Context, work *queue.SyncQueue) int {
	workers := o.cfg.Concurrency
	if n := work.Size(); n < workers {
		workers = n
	}

	var mu stdsync.Mutex
	exhausted := 0

	var wg stdsync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				item := work.Dequeue()
				if item == nil {
					return
				}
				failedFinally, err := o.syncRecord(ctx, item.Collection, item.Record)
				if err != nil {
					work.Failed(item.Key(), err)
				} else {
					work.Complete(item.Key())
				}
				if failedFinally {
					mu.Lock()
					exhausted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return exhausted
}

// syncRecord runs one attempt for rec. It reports whether the record
// reached its terminal failed state.
func (o *Orchestrator) syncRecord(ctx context.Context, collection string, rec *models.QueuedRecord) (bool, error) {
	rec = rec.Clone()
	logCtx := map[string]interface{}{"collection": collection, "id": rec.ID}

	if rec.SyncMetadata.DeviceID == "" {
		deviceID, err := o.store.DeviceID(ctx)
		if err != nil {
			return false, err
		}
		rec.SyncMetadata.DeviceID = deviceID
	}

	if err := models.Transition(&rec.SyncMetadata, models.EventBegin, nil, o.cfg.MaxRetries, o.clock.Now()); err != nil {
		return false, err
	}
	if err := o.store.Put(ctx, collection, rec); err != nil {
		o.log.Error("persist attempt failed", err, logCtx)
		return false, err
	}

	sub, err := o.submission(rec)
	if err != nil {
		return o.fail(ctx, collection, rec, apperrors.Wrap(apperrors.ErrInvalid, "build submission", err))
	}

	res, err := o.remote.Submit(ctx, sub)
	if err != nil {
		return o.fail(ctx, collection, rec, err)
	}
	return false, o.succeed(ctx, collection, rec, res)
}

func (o *Orchestrator) succeed(ctx context.Context, collection string, rec *models.QueuedRecord, res *remote.Result) error {
	now := o.clock.Now()
	if err := models.Transition(&rec.SyncMetadata, models.EventSucceed, nil, o.cfg.MaxRetries, now); err != nil {
		return err
	}

	// A record created under a local id keeps the server id before it is
	// removed, so a failed delete can never lead to a second create.
	if res.ServerID != "" && rec.RemoteID() == "" {
		rec.SyncMetadata.ServerID = res.ServerID
		if err := o.store.Put(ctx, collection, rec); err != nil {
			o.log.Error("persist server id failed", err, map[string]interface{}{"collection": collection, "id": rec.ID})
		}
	}

	if err := o.store.Delete(ctx, collection, rec.ID); err != nil {
		o.log.Error("delete synced record failed", err, map[string]interface{}{"collection": collection, "id": rec.ID})
		if putErr := o.store.Put(ctx, collection, rec); putErr != nil {
			o.log.Error("persist synced status failed", putErr, map[string]interface{}{"collection": collection, "id": rec.ID})
		}
	}

	detail := map[string]interface{}{"id": rec.ID, "success": true, "status": res.Status}
	if rec.SyncMetadata.ServerID != "" {
		detail["serverId"] = rec.SyncMetadata.ServerID
	}
	o.events.Emit(syncedEvent(rec.Kind()), detail)
	o.log.Debug("record synced", map[string]interface{}{"collection": collection, "id": rec.ID})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, collection string, rec *models.QueuedRecord, cause error) (bool, error) {
	now := o.clock.Now()
	syncErr := &models.SyncError{
		Status:    apperrors.StatusOf(cause),
		Message:   errorMessage(cause),
		Timestamp: now.UnixMilli(),
	}
	if err := models.Transition(&rec.SyncMetadata, models.EventFail, syncErr, o.cfg.MaxRetries, now); err != nil {
		return false, err
	}
	if err := o.store.Put(ctx, collection, rec); err != nil {
		o.log.Error("persist failure failed", err, map[string]interface{}{"collection": collection, "id": rec.ID})
	}

	exhausted := rec.SyncMetadata.Status == models.StatusFailed
	o.events.Emit(failedEvent(rec.Kind()), map[string]interface{}{
		"id":        rec.ID,
		"success":   false,
		"error":     syncErr.Message,
		"status":    syncErr.Status,
		"attempts":  rec.SyncMetadata.Attempts,
		"exhausted": exhausted,
	})

	logCtx := map[string]interface{}{
		"collection": collection,
		"id":         rec.ID,
		"attempts":   rec.SyncMetadata.Attempts,
	}
	if exhausted {
		o.log.ErrorWithCode("record exhausted retries", string(apperrors.ErrRetryExhausted), cause, logCtx)
	} else {
		o.log.Warn("record sync failed", mergeContext(logCtx, map[string]interface{}{"error": syncErr.Message}))
	}
	return exhausted, cause
}

// submission builds the outbound call for rec.
func (o *Orchestrator) submission(rec *models.QueuedRecord) (remote.Submission, error) {
	sub := remote.Submission{
		SyncID:   rec.ID,
		DeviceID: rec.SyncMetadata.DeviceID,
	}

	switch p := rec.Payload.(type) {
	case models.ProposalRecord:
		body, err := json.Marshal(p)
		if err != nil {
			return sub, err
		}
		sub.Body = body
		if id := rec.RemoteID(); id != "" {
			sub.Method = http.MethodPut
			sub.Endpoint = strings.TrimSuffix(o.endpoint, "/") + "/" + id
		} else {
			sub.Method = http.MethodPost
			sub.Endpoint = o.endpoint
		}

	case models.FormRecord:
		wrapper := p.WithDefaults(o.endpoint)
		body, err := json.Marshal(wrapper)
		if err != nil {
			return sub, err
		}
		sub.Body = body
		sub.Method = wrapper.Method
		sub.Endpoint = wrapper.Endpoint
		sub.Headers = wrapper.Headers

	case models.GenericAction:
		sub.Method = p.Method
		if sub.Method == "" {
			sub.Method = http.MethodPost
		}
		sub.Endpoint = p.Endpoint
		sub.Body = p.Body

	default:
		return sub, fmt.Errorf("unsupported payload %T", rec.Payload)
	}
	return sub, nil
}

func syncedEvent(kind models.RecordKind) string {
	switch kind {
	case models.KindForm:
		return events.FormSynced
	case models.KindAction:
		return events.ActionSynced
	}
	return events.ProposalSynced
}

func failedEvent(kind models.RecordKind) string {
	switch kind {
	case models.KindForm:
		return events.FormSyncFailed
	case models.KindAction:
		return events.ActionSyncFailed
	}
	return events.ProposalSyncFailed
}

// errorMessage keeps the server's detail for rejected calls.
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) && appErr.Message != "" {
		if appErr.Err != nil {
			return appErr.Message + ": " + appErr.Err.Error()
		}
		return appErr.Message
	}
	return err.Error()
}

func mergeContext(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
