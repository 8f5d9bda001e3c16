package agoranet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntimeTransport replays a fixed batch of events once per FetchEvents
// call, ignoring since (tests drive ordering explicitly through batches).
type fakeRuntimeTransport struct {
	batches [][]RuntimeEvent
	calls   int
}

func (f *fakeRuntimeTransport) FetchEvents(since time.Time) ([]RuntimeEvent, error) {
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

func (f *fakeRuntimeTransport) Health() error { return nil }

func TestRuntimeConsumer_ProjectsProposalCreated(t *testing.T) {
	s, _ := newTestStorage(t)
	transport := &fakeRuntimeTransport{batches: [][]RuntimeEvent{
		{{Type: RuntimeEventProposalCreated, ProposalCID: "cid-1", Title: "Irrigation proposal", Timestamp: time.Now()}},
	}}
	consumer := NewRuntimeConsumer(transport, s, s, time.Minute, time.Minute)

	require.NoError(t, consumer.poll(context.Background()))

	th, _, err := s.UpsertRuntimeThread("cid-1", "unused", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Irrigation proposal", th.Title)
}

func TestRuntimeConsumer_DefersFinalizationBeforeProposal(t *testing.T) {
	s, _ := newTestStorage(t)
	approved := true
	ts1 := time.Now()
	ts2 := ts1.Add(time.Second)
	transport := &fakeRuntimeTransport{batches: [][]RuntimeEvent{
		{{Type: RuntimeEventProposalFinalized, ProposalCID: "cid-2", Approved: &approved, Timestamp: ts1}},
		{{Type: RuntimeEventProposalCreated, ProposalCID: "cid-2", Title: "Late-arriving proposal", Timestamp: ts2}},
	}}
	consumer := NewRuntimeConsumer(transport, s, s, time.Minute, time.Minute)

	// The proposal hasn't federated in yet: the finalization is held back,
	// not treated as an error.
	require.NoError(t, consumer.poll(context.Background()))
	assert.Len(t, consumer.deferred, 1, "finalization must be held back until its proposal is present")

	// The proposal arrives on the next poll; retryDeferred (run at the end
	// of poll) drains the held-back finalization in the same pass.
	require.NoError(t, consumer.poll(context.Background()))
	assert.Empty(t, consumer.deferred, "retry after the proposal lands must drain the deferred set")

	th, _, err := s.UpsertRuntimeThread("cid-2", "unused", "", time.Now())
	require.NoError(t, err)
	assert.Contains(t, th.Title, "[APPROVED]")
}

func TestRuntimeConsumer_SavesCursorToHighestTimestamp(t *testing.T) {
	s, _ := newTestStorage(t)
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	transport := &fakeRuntimeTransport{batches: [][]RuntimeEvent{
		{
			{Type: RuntimeEventProposalCreated, ProposalCID: "cid-3", Title: "A", Timestamp: t1},
			{Type: RuntimeEventProposalCreated, ProposalCID: "cid-4", Title: "B", Timestamp: t2},
		},
	}}
	consumer := NewRuntimeConsumer(transport, s, s, time.Minute, time.Minute)
	require.NoError(t, consumer.poll(context.Background()))

	cursor, err := s.LoadCursor()
	require.NoError(t, err)
	assert.True(t, cursor.LastEventTimestamp.Equal(t2))
}

func TestRuntimeConsumer_CredentialIssuedIsIdempotent(t *testing.T) {
	s, _ := newTestStorage(t)
	transport := &fakeRuntimeTransport{batches: [][]RuntimeEvent{
		{{Type: RuntimeEventCredentialIssued, CredentialCID: "cred-1", SubjectDID: "did:agora:alice", IssuerDID: "did:agora:gov", CredentialType: "membership", Timestamp: time.Now()}},
		{{Type: RuntimeEventCredentialIssued, CredentialCID: "cred-1", SubjectDID: "did:agora:alice", IssuerDID: "did:agora:gov", CredentialType: "membership", Timestamp: time.Now()}},
	}}
	consumer := NewRuntimeConsumer(transport, s, s, time.Minute, time.Minute)

	require.NoError(t, consumer.poll(context.Background()))
	require.NoError(t, consumer.poll(context.Background()))

	vc, err := s.GetVerifiedCredential("cred-1")
	require.NoError(t, err)
	assert.Equal(t, "did:agora:alice", vc.SubjectDID)
}

func TestRuntimeConsumer_CursorHoldsWhenBatchHasADeferral(t *testing.T) {
	s, _ := newTestStorage(t)
	approved := true
	ts1 := time.Now()
	ts2 := ts1.Add(time.Second)
	ts3 := ts1.Add(2 * time.Second)
	transport := &fakeRuntimeTransport{batches: [][]RuntimeEvent{
		{
			{Type: RuntimeEventProposalCreated, ProposalCID: "cid-a", Title: "A", Timestamp: ts1},
			{Type: RuntimeEventProposalFinalized, ProposalCID: "cid-unresolved", Approved: &approved, Timestamp: ts2},
			{Type: RuntimeEventProposalCreated, ProposalCID: "cid-c", Title: "C", Timestamp: ts3},
		},
	}}
	consumer := NewRuntimeConsumer(transport, s, s, time.Minute, time.Minute)

	require.NoError(t, consumer.poll(context.Background()))
	assert.Len(t, consumer.deferred, 1, "the finalization for an unknown proposal must stay deferred")

	cursor, err := s.LoadCursor()
	require.NoError(t, err)
	assert.True(t, cursor.LastEventTimestamp.IsZero(),
		"§4.3: a deferral anywhere in the batch must leave the cursor unchanged, even though cid-a and cid-c both applied")
}

func TestFingerprint_StableForSameEvent(t *testing.T) {
	ev := RuntimeEvent{Type: RuntimeEventProposalCreated, ProposalCID: "cid-5", Timestamp: time.Now()}
	assert.Equal(t, fingerprint(ev), fingerprint(ev))
}
