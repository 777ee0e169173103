package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/uuid"
)

var epoch = time.UnixMilli(1772366400000).UTC()

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func proposalRecord() *QueuedRecord {
	return NewRecord("local_1772366400000_abc123xyz", ProposalRecord{
		Amount:       15000,
		Installments: 24,
		Purpose:      "working capital",
		ProductType:  "ccb",
		Fields:       map[string]interface{}{"cnpj": "12.345.678/0001-90"},
	}, "device-1", epoch)
}

// =====================================================
// Record Tests
// =====================================================

func TestNewRecord(t *testing.T) {
	rec := NewRecord("", GenericAction{Action: "accept", Endpoint: "/api/offers/1/accept"}, "device-1", epoch)

	assert.True(t, uuid.IsWellFormedLocalID(rec.ID), "got id %q", rec.ID)
	assert.Equal(t, KindAction, rec.Kind())
	assert.Equal(t, CollectionActions, rec.Collection())
	assert.Equal(t, StatusPending, rec.SyncMetadata.Status)
	assert.Equal(t, 0, rec.SyncMetadata.Attempts)
	assert.Equal(t, epoch.UnixMilli(), rec.SyncMetadata.CreatedAt)
	assert.Nil(t, rec.SyncMetadata.LastAttempt)
	assert.Nil(t, rec.SyncMetadata.LastError)
}

func TestRecord_encoding(t *testing.T) {
	data, err := json.Marshal(proposalRecord())
	require.NoError(t, err)
	newGolden(t).Assert(t, "proposal_record", data)
}

func TestRecord_decodeByKind(t *testing.T) {
	records := []*QueuedRecord{
		proposalRecord(),
		NewRecord("f1", FormRecord{
			Data:     json.RawMessage(`{"name":"Ana"}`),
			Headers:  map[string]string{"X-Form": "kyc"},
			Endpoint: "/api/forms/kyc",
			Method:   "PUT",
		}, "device-1", epoch),
		NewRecord("a1", GenericAction{
			Action:   "accept",
			Endpoint: "/api/offers/1/accept",
			Method:   "POST",
			Body:     json.RawMessage(`{"ok":true}`),
		}, "device-1", epoch),
	}

	for _, want := range records {
		t.Run(string(want.Kind()), func(t *testing.T) {
			data, err := json.Marshal(want)
			require.NoError(t, err)

			var got QueuedRecord
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, want.Kind(), got.Kind())
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.SyncMetadata, got.SyncMetadata)
		})
	}
}

func TestRecord_decodeUnknownKind(t *testing.T) {
	var rec QueuedRecord
	err := json.Unmarshal([]byte(`{"id":"x","kind":"invoice","payload":{}}`), &rec)
	assert.ErrorContains(t, err, "unknown record kind")
}

func TestRecord_marshalWithoutPayload(t *testing.T) {
	_, err := json.Marshal(&QueuedRecord{ID: "x"})
	assert.Error(t, err)
}

func TestRecord_RemoteID(t *testing.T) {
	rec := proposalRecord()
	assert.Empty(t, rec.RemoteID(), "local id has no remote counterpart")

	rec.SyncMetadata.ServerID = "srv-42"
	assert.Equal(t, "srv-42", rec.RemoteID())

	server := NewRecord("9f1c2d3e-0000-4000-8000-000000000001", ProposalRecord{Amount: 1, Installments: 1}, "d", epoch)
	assert.Equal(t, server.ID, server.RemoteID())
}

func TestRecord_Clone(t *testing.T) {
	rec := proposalRecord()
	require.NoError(t, Transition(&rec.SyncMetadata, EventBegin, nil, 5, epoch))

	clone := rec.Clone()
	*clone.SyncMetadata.LastAttempt = 0
	assert.Equal(t, epoch.UnixMilli(), *rec.SyncMetadata.LastAttempt)
}

func TestFormRecord_WithDefaults(t *testing.T) {
	f := FormRecord{Data: json.RawMessage(`{}`)}.WithDefaults("/api/proposals")
	assert.Equal(t, "/api/proposals", f.Endpoint)
	assert.Equal(t, "POST", f.Method)
	assert.NotNil(t, f.Headers)

	kept := FormRecord{Endpoint: "/api/x", Method: "PATCH"}.WithDefaults("/api/proposals")
	assert.Equal(t, "/api/x", kept.Endpoint)
	assert.Equal(t, "PATCH", kept.Method)
}

func TestKindForCollection(t *testing.T) {
	for _, kind := range []RecordKind{KindProposal, KindForm, KindAction} {
		got, ok := KindForCollection(kind.Collection())
		require.True(t, ok)
		assert.Equal(t, kind, got)
	}
	_, ok := KindForCollection("user_profile")
	assert.False(t, ok)
}

// =====================================================
// Transition Tests
// =====================================================

func TestTransition_successPath(t *testing.T) {
	meta := proposalRecord().SyncMetadata

	require.NoError(t, Transition(&meta, EventBegin, nil, 5, epoch))
	assert.Equal(t, StatusSyncing, meta.Status)
	assert.Equal(t, 1, meta.Attempts)
	require.NotNil(t, meta.LastAttempt)
	assert.Equal(t, epoch.UnixMilli(), *meta.LastAttempt)

	require.NoError(t, Transition(&meta, EventSucceed, nil, 5, epoch))
	assert.Equal(t, StatusSynced, meta.Status)
	assert.True(t, meta.Status.Terminal())
}

func TestTransition_retryUntilFailed(t *testing.T) {
	meta := proposalRecord().SyncMetadata
	cause := &SyncError{Status: 500, Message: "boom"}

	for i := 1; i <= 5; i++ {
		require.NoError(t, Transition(&meta, EventBegin, nil, 5, epoch))
		require.NoError(t, Transition(&meta, EventFail, cause, 5, epoch))
		assert.Equal(t, i, meta.Attempts)
		if i < 5 {
			assert.Equal(t, StatusPending, meta.Status, "attempt %d", i)
		}
	}
	assert.Equal(t, StatusFailed, meta.Status)
	require.NotNil(t, meta.LastError)
	assert.Equal(t, 500, meta.LastError.Status)
	assert.Equal(t, epoch.UnixMilli(), meta.LastError.Timestamp)

	err := Transition(&meta, EventBegin, nil, 5, epoch)
	assert.True(t, apperrors.Is(err, apperrors.ErrIllegalTransition))
}

func TestTransition_resetGrantsAnotherRound(t *testing.T) {
	meta := SyncMetadata{Status: StatusFailed, Attempts: 5}

	require.NoError(t, Transition(&meta, EventReset, nil, 5, epoch))
	assert.Equal(t, StatusPending, meta.Status)
	assert.Equal(t, 1, meta.Resets)
	assert.Equal(t, 10, meta.AttemptLimit(5))

	rec := &QueuedRecord{SyncMetadata: meta}
	assert.True(t, rec.Eligible(5))
}

func TestTransition_recoverSyncing(t *testing.T) {
	meta := SyncMetadata{Status: StatusSyncing, Attempts: 2}
	require.NoError(t, Transition(&meta, EventReset, nil, 5, epoch))
	assert.Equal(t, StatusPending, meta.Status)
	assert.Equal(t, 2, meta.Attempts, "the interrupted attempt still counts")
	assert.Equal(t, 0, meta.Resets)
}

func TestTransition_exhaustedPending(t *testing.T) {
	meta := SyncMetadata{Status: StatusPending, Attempts: 5}
	err := Transition(&meta, EventBegin, nil, 5, epoch)
	assert.True(t, apperrors.Is(err, apperrors.ErrRetryExhausted))
	assert.Equal(t, StatusPending, meta.Status)
	assert.Equal(t, 5, meta.Attempts)
}

func TestTransition_illegal(t *testing.T) {
	tests := []struct {
		status SyncStatus
		event  SyncEvent
	}{
		{StatusPending, EventSucceed},
		{StatusPending, EventFail},
		{StatusPending, EventReset},
		{StatusSyncing, EventBegin},
		{StatusSynced, EventBegin},
		{StatusSynced, EventReset},
		{StatusFailed, EventBegin},
		{StatusFailed, EventSucceed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.event.String(), func(t *testing.T) {
			meta := SyncMetadata{Status: tt.status, Attempts: 1}
			before := meta
			err := Transition(&meta, tt.event, nil, 5, epoch)
			assert.True(t, apperrors.Is(err, apperrors.ErrIllegalTransition), "got %v", err)
			assert.Equal(t, before, meta)
		})
	}
}
