// Package queue provides the work list of a drain pass.
//
// A SyncQueue holds the eligible records of one pass in creation order.
// Workers dequeue records one at a time; every record is handed out at
// most once per pass, so a failing record is retried by a later pass,
// never by the same one.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
)

// ItemStatus represents the status of a queued record within a pass.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Item is a record scheduled in the current pass.
type Item struct {
	Collection string
	Record     *models.QueuedRecord
	Status     ItemStatus
	EnqueuedAt time.Time
	UpdatedAt  time.Time
	LastError  string
}

// Key identifies the item of a record.
func (i *Item) Key() string {
	return Key(i.Collection, i.Record.ID)
}

// Key builds an item key from a collection and record id.
func Key(collection, id string) string {
	return collection + "/" + id
}

// SyncQueue is the ordered work list of one drain pass.
type SyncQueue struct {
	mu      sync.Mutex
	items   map[string]*Item
	order   []string
	next    int
	maxSize int
	clock   clock.Clock
	log     *logging.Logger
}

// NewSyncQueue creates a SyncQueue holding at most maxSize records. Zero
// means unbounded.
func NewSyncQueue(maxSize int, clk clock.Clock, log *logging.Logger) *SyncQueue {
	return &SyncQueue{
		items:   make(map[string]*Item),
		maxSize: maxSize,
		clock:   clk,
		log:     log.Component("queue"),
	}
}

// Enqueue appends a record. Records must be enqueued oldest first.
func (q *SyncQueue) Enqueue(collection string, rec *models.QueuedRecord) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return nil, fmt.Errorf("queue is full (max size: %d)", q.maxSize)
	}
	key := Key(collection, rec.ID)
	if _, ok := q.items[key]; ok {
		return nil, fmt.Errorf("record %s already queued", key)
	}

	now := q.clock.Now()
	item := &Item{
		Collection: collection,
		Record:     rec,
		Status:     ItemPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	q.items[key] = item
	q.order = append(q.order, key)

	q.log.Debug("enqueued", map[string]interface{}{"key": key})
	return item, nil
}

// Dequeue hands out the next pending record, or nil when none remain.
func (q *SyncQueue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.next < len(q.order) {
		key := q.order[q.next]
		q.next++
		item, ok := q.items[key]
		if !ok || item.Status != ItemPending {
			continue
		}
		item.Status = ItemInProgress
		item.UpdatedAt = q.clock.Now()
		return item
	}
	return nil
}

// Complete marks an in-progress record as done.
func (q *SyncQueue) Complete(key string) error {
	return q.finish(key, ItemCompleted, "")
}

// Failed marks an in-progress record as failed for this pass.
func (q *SyncQueue) Failed(key string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return q.finish(key, ItemFailed, msg)
}

func (q *SyncQueue) finish(key string, status ItemStatus, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		return fmt.Errorf("item %s not found", key)
	}
	if item.Status != ItemInProgress {
		return fmt.Errorf("item %s is %s, not in progress", key, item.Status)
	}
	item.Status = status
	item.LastError = lastError
	item.UpdatedAt = q.clock.Now()
	return nil
}

// GetStatus returns a copy of an item.
func (q *SyncQueue) GetStatus(key string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		return nil, fmt.Errorf("item %s not found", key)
	}
	copy := *item
	return &copy, nil
}

// List returns copies of all items in enqueue order.
func (q *SyncQueue) List() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item, 0, len(q.order))
	for _, key := range q.order {
		if item, ok := q.items[key]; ok {
			copy := *item
			items = append(items, &copy)
		}
	}
	return items
}

// Size returns the number of items in the queue.
func (q *SyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops a pending item so it is not handed out.
func (q *SyncQueue) Remove(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		return fmt.Errorf("item %s not found", key)
	}
	if item.Status == ItemInProgress {
		return fmt.Errorf("item %s is in progress", key)
	}
	delete(q.items, key)
	return nil
}

// GetStats returns item counts by status.
func (q *SyncQueue) GetStats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{
		"total":       len(q.items),
		"pending":     0,
		"in_progress": 0,
		"completed":   0,
		"failed":      0,
	}
	for _, item := range q.items {
		stats[string(item.Status)]++
	}
	return stats
}
