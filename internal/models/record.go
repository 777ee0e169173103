// Package models provides the data model of the offline core: queued
// records, their sync metadata, and the metadata persisted alongside them.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/uuid"
)

// RecordKind discriminates the variants of a queued record.
type RecordKind string

const (
	KindProposal RecordKind = "proposal"
	KindForm     RecordKind = "form"
	KindAction   RecordKind = "action"
)

// Collection names in the persistent store.
const (
	CollectionProposals = "proposals"
	CollectionForms     = "forms"
	CollectionActions   = "pending_actions"
)

// SyncCollections lists the collections drained by the orchestrator, in
// drain order.
var SyncCollections = []string{CollectionProposals, CollectionForms, CollectionActions}

// Collection returns the collection records of this kind live in.
func (k RecordKind) Collection() string {
	switch k {
	case KindProposal:
		return CollectionProposals
	case KindForm:
		return CollectionForms
	case KindAction:
		return CollectionActions
	}
	return ""
}

// KindForCollection is the inverse of RecordKind.Collection.
func KindForCollection(collection string) (RecordKind, bool) {
	switch collection {
	case CollectionProposals:
		return KindProposal, true
	case CollectionForms:
		return KindForm, true
	case CollectionActions:
		return KindAction, true
	}
	return "", false
}

// SyncStatus is the lifecycle state of a queued record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Terminal reports whether no further automatic processing happens from s.
func (s SyncStatus) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// SyncError is the diagnostic detail of the last failed attempt.
type SyncError struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// SyncMetadata is the retry bookkeeping attached to every queued record.
// Status and Attempts are only changed through Transition.
type SyncMetadata struct {
	CreatedAt   int64      `json:"createdAt"`
	Attempts    int        `json:"attempts"`
	Status      SyncStatus `json:"status"`
	LastAttempt *int64     `json:"lastAttempt,omitempty"`
	LastError   *SyncError `json:"lastError,omitempty"`
	DeviceID    string     `json:"deviceId"`

	// ServerID is the permanent id returned by the server for a record
	// created with a local id.
	ServerID string `json:"serverId,omitempty"`

	// Resets counts operator retries of a failed record. Each one grants
	// another MaxRetries attempts.
	Resets int `json:"resets,omitempty"`
}

// AttemptLimit is the number of attempts after which the record fails.
func (m *SyncMetadata) AttemptLimit(maxRetries int) int {
	return maxRetries * (m.Resets + 1)
}

// Payload is implemented by the record variants.
type Payload interface {
	Kind() RecordKind
}

// ProposalRecord is a credit proposal captured offline. It is submitted to
// the proposals endpoint as-is.
type ProposalRecord struct {
	Amount       float64                `json:"amount" validate:"required,gt=0"`
	Installments int                    `json:"installments" validate:"required,min=1,max=480"`
	Purpose      string                 `json:"purpose,omitempty" validate:"max=500"`
	ProductType  string                 `json:"productType,omitempty"`
	ApplicantID  string                 `json:"applicantId,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// Kind implements Payload.
func (ProposalRecord) Kind() RecordKind { return KindProposal }

// FormRecord is a generic form submission. It is submitted wrapped as
// {data, headers, endpoint, method}.
type FormRecord struct {
	Data     json.RawMessage   `json:"data" validate:"required"`
	Headers  map[string]string `json:"headers,omitempty"`
	Endpoint string            `json:"endpoint,omitempty" validate:"omitempty,startswith=/"`
	Method   string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH DELETE"`
}

// Kind implements Payload.
func (FormRecord) Kind() RecordKind { return KindForm }

// WithDefaults fills the endpoint and method defaults.
func (f FormRecord) WithDefaults(defaultEndpoint string) FormRecord {
	if f.Endpoint == "" {
		f.Endpoint = defaultEndpoint
	}
	if f.Method == "" {
		f.Method = "POST"
	}
	if f.Headers == nil {
		f.Headers = map[string]string{}
	}
	return f
}

// GenericAction is any other deferred API call.
type GenericAction struct {
	Action   string          `json:"action" validate:"required"`
	Endpoint string          `json:"endpoint" validate:"required,startswith=/"`
	Method   string          `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH DELETE"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Kind implements Payload.
func (GenericAction) Kind() RecordKind { return KindAction }

// QueuedRecord is a unit of user-generated data awaiting transmission.
type QueuedRecord struct {
	ID           string
	Payload      Payload
	SyncMetadata SyncMetadata
}

// NewRecord builds a pending record. An empty id gets a local id.
func NewRecord(id string, payload Payload, deviceID string, now time.Time) *QueuedRecord {
	if id == "" {
		id = uuid.LocalID(now)
	}
	return &QueuedRecord{
		ID:      id,
		Payload: payload,
		SyncMetadata: SyncMetadata{
			CreatedAt: now.UnixMilli(),
			Status:    StatusPending,
			DeviceID:  deviceID,
		},
	}
}

// Kind returns the discriminator of the record's payload.
func (r *QueuedRecord) Kind() RecordKind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Collection returns the store collection the record belongs to.
func (r *QueuedRecord) Collection() string {
	return r.Kind().Collection()
}

// RemoteID returns the server-assigned id, or "" for a record that has
// never been created on the server.
func (r *QueuedRecord) RemoteID() string {
	if r.SyncMetadata.ServerID != "" {
		return r.SyncMetadata.ServerID
	}
	if !uuid.IsLocalID(r.ID) {
		return r.ID
	}
	return ""
}

// Eligible reports whether the record may be submitted in a drain pass.
func (r *QueuedRecord) Eligible(maxRetries int) bool {
	return r.SyncMetadata.Status == StatusPending &&
		r.SyncMetadata.Attempts < r.SyncMetadata.AttemptLimit(maxRetries)
}

// Clone returns a deep copy, so bookkeeping on the copy never races with
// a reader of the original.
func (r *QueuedRecord) Clone() *QueuedRecord {
	out := *r
	if r.SyncMetadata.LastAttempt != nil {
		v := *r.SyncMetadata.LastAttempt
		out.SyncMetadata.LastAttempt = &v
	}
	if r.SyncMetadata.LastError != nil {
		v := *r.SyncMetadata.LastError
		out.SyncMetadata.LastError = &v
	}
	return &out
}

type recordJSON struct {
	ID           string          `json:"id"`
	Kind         RecordKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	SyncMetadata SyncMetadata    `json:"syncMetadata"`
}

// MarshalJSON encodes the record with an explicit kind discriminator.
func (r QueuedRecord) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("record %s has no payload", r.ID)
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(recordJSON{
		ID:           r.ID,
		Kind:         r.Payload.Kind(),
		Payload:      payload,
		SyncMetadata: r.SyncMetadata,
	})
}

// UnmarshalJSON decodes a record, choosing the payload variant by kind.
func (r *QueuedRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	r.ID = raw.ID
	r.Payload = payload
	r.SyncMetadata = raw.SyncMetadata
	return nil
}

// DecodePayload decodes the JSON of a payload variant.
func DecodePayload(kind RecordKind, data []byte) (Payload, error) {
	switch kind {
	case KindProposal:
		var p ProposalRecord
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode proposal payload: %w", err)
		}
		return p, nil
	case KindForm:
		var f FormRecord
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode form payload: %w", err)
		}
		return f, nil
	case KindAction:
		var a GenericAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode action payload: %w", err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}
