package sync

import (
	"context"
	"fmt"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"

	validatorv10 "github.com/go-playground/validator/v10"
)

// PendingSummary counts the unsent records of one collection.
type PendingSummary struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`

	// Synced counts delivered records still awaiting removal.
	Synced int `json:"synced"`
}

// Total is the number of records not yet delivered.
func (p PendingSummary) Total() int {
	return p.Pending + p.Syncing + p.Failed
}

// Enqueue validates payload and stores it as a pending record. An empty id
// gets a local id.
func (o *Orchestrator) Enqueue(ctx context.Context, id string, payload models.Payload) (*models.QueuedRecord, error) {
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is required")
	}
	if err := o.validate.Struct(payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid %s payload", payload.Kind()), err)
	}

	deviceID, err := o.store.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	rec := models.NewRecord(id, payload, deviceID, o.clock.Now())
	if err := o.store.Put(ctx, rec.Collection(), rec); err != nil {
		return nil, err
	}

	o.log.Info("record queued", map[string]interface{}{"collection": rec.Collection(), "id": rec.ID})
	return rec, nil
}

// EnqueueProposal queues a credit proposal.
func (o *Orchestrator) EnqueueProposal(ctx context.Context, id string, p models.ProposalRecord) (*models.QueuedRecord, error) {
	return o.Enqueue(ctx, id, p)
}

// EnqueueForm queues a generic form submission.
func (o *Orchestrator) EnqueueForm(ctx context.Context, f models.FormRecord) (*models.QueuedRecord, error) {
	return o.Enqueue(ctx, "", f)
}

// EnqueueAction queues a deferred API call.
func (o *Orchestrator) EnqueueAction(ctx context.Context, a models.GenericAction) (*models.QueuedRecord, error) {
	return o.Enqueue(ctx, "", a)
}

// Retry puts a failed record back in the queue with a fresh attempt
// budget.
func (o *Orchestrator) Retry(ctx context.Context, collection, id string) (*models.QueuedRecord, error) {
	rec, err := o.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec.SyncMetadata.Status != models.StatusFailed {
		return nil, apperrors.New(apperrors.ErrIllegalTransition,
			fmt.Sprintf("record %s is %s, only failed records can be retried", id, rec.SyncMetadata.Status))
	}
	if err := models.Transition(&rec.SyncMetadata, models.EventReset, nil, o.cfg.MaxRetries, o.clock.Now()); err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, collection, rec); err != nil {
		return nil, err
	}

	o.log.Info("record reset", map[string]interface{}{"collection": collection, "id": id, "resets": rec.SyncMetadata.Resets})
	return rec, nil
}

// Discard deletes a record that will not be sent. Records being synced
// cannot be discarded.
func (o *Orchestrator) Discard(ctx context.Context, collection, id string) error {
	rec, err := o.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if rec.SyncMetadata.Status == models.StatusSyncing {
		return apperrors.New(apperrors.ErrIllegalTransition, fmt.Sprintf("record %s is being synced", id))
	}
	if err := o.store.Delete(ctx, collection, id); err != nil {
		return err
	}

	o.log.Info("record discarded", map[string]interface{}{"collection": collection, "id": id})
	return nil
}

// Pending returns the unsent record counts per collection.
func (o *Orchestrator) Pending(ctx context.Context) (map[string]PendingSummary, error) {
	out := make(map[string]PendingSummary, len(models.SyncCollections))
	for _, collection := range models.SyncCollections {
		counts, err := o.store.Count(ctx, collection)
		if err != nil {
			return nil, err
		}
		out[collection] = PendingSummary{
			Pending: counts[models.StatusPending],
			Syncing: counts[models.StatusSyncing],
			Failed:  counts[models.StatusFailed],
			Synced:  counts[models.StatusSynced],
		}
	}
	return out, nil
}

// HasPending reports whether any collection holds a record a drain would
// submit or purge.
func (o *Orchestrator) HasPending(ctx context.Context) (bool, error) {
	summary, err := o.Pending(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range summary {
		if s.Pending > 0 || s.Synced > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Validator exposes the payload validator, shared with the HTTP layer.
func (o *Orchestrator) Validator() *validatorv10.Validate {
	return o.validate
}
