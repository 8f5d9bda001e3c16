package agoranet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*Storage, *InMemoryChangeBus) {
	t.Helper()
	bus := NewInMemoryChangeBus()
	s, err := NewStorage("file::memory:?cache=shared", bus, "node-test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, bus
}

func TestCreateThread_PublishesChangeRecord(t *testing.T) {
	s, bus := newTestStorage(t)
	ch, unsub := bus.Subscribe("watch")
	defer unsub()

	th, err := s.CreateThread("Proposal to plant trees", "", "did:agora:alice")
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.False(t, th.RuntimeOriginated)

	select {
	case rec := <-ch:
		assert.Equal(t, OriginLocal, rec.Origin)
		assert.Equal(t, ChangeThread, rec.Entity)
		require.NotNil(t, rec.Thread)
		assert.Equal(t, th.ID, rec.Thread.ID)
	case <-time.After(time.Second):
		t.Fatal("no change record published")
	}
}

func TestCreateThread_RejectsEmptyTitle(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.CreateThread("   ", "", "did:agora:alice")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, AsFailure(err).Kind)
}

func TestGetThread_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.GetThread("missing-id")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, AsFailure(err).Kind)
}

func TestUpsertRuntimeThread_IdempotentOnProposalCID(t *testing.T) {
	s, _ := newTestStorage(t)

	t1, created1, err := s.UpsertRuntimeThread("cid-1", "Budget proposal", "did:agora:gov", time.Now())
	require.NoError(t, err)
	assert.True(t, created1)

	t2, created2, err := s.UpsertRuntimeThread("cid-1", "Budget proposal (repeat)", "did:agora:gov", time.Now())
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, t1.ID, t2.ID)
}

func TestApplyFinalization_UpdatesTitleAndPostsSystemMessage(t *testing.T) {
	s, _ := newTestStorage(t)
	th, _, err := s.UpsertRuntimeThread("cid-2", "Water rights proposal", "did:agora:gov", time.Now())
	require.NoError(t, err)

	updated, err := s.ApplyFinalization("cid-2", true, time.Now())
	require.NoError(t, err)
	assert.Contains(t, updated.Title, "[APPROVED]")

	msgs, err := s.ListMessages(th.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSystem)
}

func TestApplyFinalization_IdempotentOnRepeat(t *testing.T) {
	s, _ := newTestStorage(t)
	th, _, err := s.UpsertRuntimeThread("cid-3", "Road maintenance", "did:agora:gov", time.Now())
	require.NoError(t, err)

	_, err = s.ApplyFinalization("cid-3", false, time.Now())
	require.NoError(t, err)
	_, err = s.ApplyFinalization("cid-3", false, time.Now())
	require.NoError(t, err)

	msgs, err := s.ListMessages(th.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "a repeated finalization event must not duplicate the system message")
}

func TestApplyFinalization_UnknownProposalIsNotFound(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.ApplyFinalization("no-such-cid", true, time.Now())
	require.Error(t, err)
	assert.Equal(t, KindNotFound, AsFailure(err).Kind)
}

func TestPostMessage_RequiresExistingThread(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.PostMessage("missing-thread", "did:agora:alice", "hello", "")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, AsFailure(err).Kind)
}

func TestPostMessage_ReplyToMustBeInSameThread(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread one", "", "did:agora:alice")
	require.NoError(t, err)

	_, err = s.PostMessage(th.ID, "did:agora:alice", "hello", "nonexistent-message")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, AsFailure(err).Kind)
}

func TestDeleteMessage_AuthorCanDeleteOwnMessage(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	m, err := s.PostMessage(th.ID, "did:agora:alice", "hello", "")
	require.NoError(t, err)

	err = s.DeleteMessage(th.ID, m.ID, "did:agora:alice", false)
	require.NoError(t, err)

	got, err := s.GetMessage(th.ID, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
}

func TestDeleteMessage_NonAuthorForbiddenWithoutModeration(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	m, err := s.PostMessage(th.ID, "did:agora:alice", "hello", "")
	require.NoError(t, err)

	err = s.DeleteMessage(th.ID, m.ID, "did:agora:mallory", false)
	require.Error(t, err)
	assert.Equal(t, KindForbidden, AsFailure(err).Kind)
}

func TestAddReaction_IdempotentOnRepeat(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	m, err := s.PostMessage(th.ID, "did:agora:alice", "hello", "")
	require.NoError(t, err)

	r1, err := s.AddReaction(m.ID, "did:agora:bob", "support")
	require.NoError(t, err)
	r2, err := s.AddReaction(m.ID, "did:agora:bob", "support")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	reactions, err := s.ListReactions(m.ID)
	require.NoError(t, err)
	assert.Len(t, reactions, 1)
}

func TestRemoveReaction(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	m, err := s.PostMessage(th.ID, "did:agora:alice", "hello", "")
	require.NoError(t, err)
	_, err = s.AddReaction(m.ID, "did:agora:bob", "support")
	require.NoError(t, err)

	require.NoError(t, s.RemoveReaction(m.ID, "did:agora:bob", "support"))
	reactions, err := s.ListReactions(m.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestLinkCredential_IdempotentOnRepeat(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)

	l1, err := s.LinkCredential(th.ID, "cred-cid-1", "did:agora:alice")
	require.NoError(t, err)
	l2, err := s.LinkCredential(th.ID, "cred-cid-1", "did:agora:alice")
	require.NoError(t, err)
	assert.Equal(t, l1.ID, l2.ID)
}

func TestRecordVerifiedCredential_IdempotentOnRepeat(t *testing.T) {
	s, _ := newTestStorage(t)
	now := time.Now()
	vc1, err := s.RecordVerifiedCredential("cred-cid-2", "did:agora:subject", "did:agora:issuer", "membership", nil, now)
	require.NoError(t, err)
	vc2, err := s.RecordVerifiedCredential("cred-cid-2", "did:agora:subject", "did:agora:issuer", "membership", nil, now)
	require.NoError(t, err)
	assert.Equal(t, vc1.ID, vc2.ID)
}

func TestGetVerifiedCredential_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.GetVerifiedCredential("no-such-cid")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, AsFailure(err).Kind)
}

func TestCursorRoundTrip(t *testing.T) {
	s, _ := newTestStorage(t)
	c, err := s.LoadCursor()
	require.NoError(t, err)
	assert.True(t, c.LastEventTimestamp.IsZero())

	ts := time.Now().Truncate(time.Second)
	require.NoError(t, s.SaveCursor(RuntimeCursor{LastEventTimestamp: ts, LastEventFingerprint: "fp-1"}))

	c2, err := s.LoadCursor()
	require.NoError(t, err)
	assert.True(t, ts.Equal(c2.LastEventTimestamp))
	assert.Equal(t, "fp-1", c2.LastEventFingerprint)
}

func TestAppendAudit_AndListWithNullableFields(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.AppendAudit(&AuditLog{Component: "test", Action: "noop", Level: "info"}))

	logs, err := s.ListAuditLogs(AuditFilter{Component: "test"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Empty(t, logs[0].ActorDID)
	assert.Empty(t, logs[0].RequestID)
}

func TestListThreads_SearchAndOrdering(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.CreateThread("Alpha proposal", "", "did:agora:alice")
	require.NoError(t, err)
	_, err = s.CreateThread("Beta initiative", "", "did:agora:alice")
	require.NoError(t, err)

	results, err := s.ListThreads(10, 0, "title", "Alpha")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Alpha proposal", results[0].Title)
}
