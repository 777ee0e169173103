package models

import (
	"fmt"
	"time"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
)

// SyncEvent drives a record through its lifecycle.
type SyncEvent int

const (
	// EventBegin starts a submission attempt.
	EventBegin SyncEvent = iota
	// EventSucceed records a 2xx response.
	EventSucceed
	// EventFail records a rejected or unreachable attempt.
	EventFail
	// EventReset puts a failed record back in the queue, or recovers a
	// record left in syncing by an interrupted drain.
	EventReset
)

func (e SyncEvent) String() string {
	switch e {
	case EventBegin:
		return "begin"
	case EventSucceed:
		return "succeed"
	case EventFail:
		return "fail"
	case EventReset:
		return "reset"
	}
	return fmt.Sprintf("SyncEvent(%d)", int(e))
}

// Transition applies event to meta. It is the only place status and
// attempts change:
//
//	pending  --begin-->   syncing   attempts+1, lastAttempt=now
//	syncing  --succeed--> synced
//	syncing  --fail-->    pending   while attempts < limit
//	syncing  --fail-->    failed    once attempts reach the limit
//	failed   --reset-->   pending   resets+1
//	syncing  --reset-->   pending
//
// The limit is maxRetries*(resets+1). cause is recorded as lastError on
// fail and ignored otherwise. meta is left untouched on error.
func Transition(meta *SyncMetadata, event SyncEvent, cause *SyncError, maxRetries int, now time.Time) error {
	switch {
	case meta.Status == StatusPending && event == EventBegin:
		if meta.Attempts >= meta.AttemptLimit(maxRetries) {
			return apperrors.New(apperrors.ErrRetryExhausted,
				fmt.Sprintf("attempts %d reached limit %d", meta.Attempts, meta.AttemptLimit(maxRetries)))
		}
		ms := now.UnixMilli()
		meta.Status = StatusSyncing
		meta.Attempts++
		meta.LastAttempt = &ms
		return nil

	case meta.Status == StatusSyncing && event == EventSucceed:
		meta.Status = StatusSynced
		return nil

	case meta.Status == StatusSyncing && event == EventFail:
		if cause != nil {
			c := *cause
			if c.Timestamp == 0 {
				c.Timestamp = now.UnixMilli()
			}
			meta.LastError = &c
		}
		if meta.Attempts >= meta.AttemptLimit(maxRetries) {
			meta.Status = StatusFailed
		} else {
			meta.Status = StatusPending
		}
		return nil

	case meta.Status == StatusFailed && event == EventReset:
		meta.Resets++
		meta.Status = StatusPending
		return nil

	case meta.Status == StatusSyncing && event == EventReset:
		meta.Status = StatusPending
		return nil
	}

	return apperrors.New(apperrors.ErrIllegalTransition,
		fmt.Sprintf("cannot %s a %s record", event, meta.Status))
}
