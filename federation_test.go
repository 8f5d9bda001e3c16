package agoranet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRemoteChange_AppliesNewThreadAnnounce(t *testing.T) {
	s, bus := newTestStorage(t)
	ch, unsub := bus.Subscribe("watch")
	defer unsub()

	announce := AnnounceMessage{
		Type:         WireThreadAnnounce,
		OriginNodeID: "node-peer",
		Seq:          1,
		Thread:       &Thread{ID: newID(), Title: "Remote proposal", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}

	applied, err := s.ApplyRemoteChange(announce)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetThread(announce.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Remote proposal", got.Title)

	select {
	case rec := <-ch:
		assert.Equal(t, OriginRemote, rec.Origin)
		assert.Equal(t, "node-peer", rec.OriginNode)
	case <-time.After(time.Second):
		t.Fatal("no change record published for applied remote change")
	}
}

func TestApplyRemoteChange_IdempotentBySeq(t *testing.T) {
	s, _ := newTestStorage(t)
	announce := AnnounceMessage{
		Type: WireThreadAnnounce, OriginNodeID: "node-peer", Seq: 1,
		Thread: &Thread{ID: newID(), Title: "Remote proposal", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}

	applied1, err := s.ApplyRemoteChange(announce)
	require.NoError(t, err)
	assert.True(t, applied1)

	applied2, err := s.ApplyRemoteChange(announce)
	require.NoError(t, err)
	assert.False(t, applied2, "a replayed seq <= vector must be a silent no-op")

	seq, err := s.VectorGet("node-peer")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestApplyRemoteChange_RejectsMissingOrigin(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.ApplyRemoteChange(AnnounceMessage{Type: WireThreadAnnounce, Seq: 1})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, AsFailure(err).Kind)
}

func TestApplyRemoteChange_FinalizationArrivesBeforeThreadIsNoOp(t *testing.T) {
	s, _ := newTestStorage(t)
	announce := AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-peer", Seq: 1,
		Finalization: &FinalizationPayload{ProposalCID: "cid-unknown", Approved: true, EventTS: time.Now()},
	}
	applied, err := s.ApplyRemoteChange(announce)
	require.NoError(t, err)
	assert.False(t, applied, "finalization for a thread not yet synced locally must be dropped, not erred")
}

func TestApplyRemoteChange_RemoteEchoOfOwnChangeIsHarmless(t *testing.T) {
	s, _ := newTestStorage(t)
	th, err := s.CreateThread("Locally created", "", "did:agora:alice")
	require.NoError(t, err)

	announce := AnnounceMessage{
		Type: WireThreadAnnounce, OriginNodeID: "node-peer", Seq: 1,
		Thread: &Thread{ID: th.ID, Title: th.Title, CreatedAt: th.CreatedAt, UpdatedAt: th.UpdatedAt},
	}
	applied, err := s.ApplyRemoteChange(announce)
	require.NoError(t, err)
	assert.False(t, applied, "INSERT OR IGNORE must treat the id collision as already-applied")
}

func TestApplyRemoteChange_FinalizationLWWByEventTS(t *testing.T) {
	s, _ := newTestStorage(t)
	_, _, err := s.UpsertRuntimeThread("cid-lww", "Water rights", "did:agora:gov", time.Now())
	require.NoError(t, err)

	late := time.Now()
	early := late.Add(-time.Minute)

	// The later event_ts arrives first; it must still win once the
	// earlier one shows up out of order.
	applied, err := s.ApplyRemoteChange(AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-a", Seq: 1,
		Finalization: &FinalizationPayload{ProposalCID: "cid-lww", Approved: true, EventTS: late},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyRemoteChange(AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-b", Seq: 1,
		Finalization: &FinalizationPayload{ProposalCID: "cid-lww", Approved: false, EventTS: early},
	})
	require.NoError(t, err)
	assert.False(t, applied, "a strictly older event_ts must lose to the recorded winner")

	th, _, err := s.UpsertRuntimeThread("cid-lww", "unused", "", time.Now())
	require.NoError(t, err)
	assert.Contains(t, th.Title, "[APPROVED]")
	assert.NotContains(t, th.Title, "[REJECTED]", "a losing finalization must not leave a second terminal tag")

	msgs, err := s.ListMessages(th.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "I5: at most one terminal-tag system message per thread")
}

func TestApplyRemoteChange_FinalizationTieBrokenByOriginNodeID(t *testing.T) {
	s, _ := newTestStorage(t)
	_, _, err := s.UpsertRuntimeThread("cid-tie", "Road maintenance", "did:agora:gov", time.Now())
	require.NoError(t, err)

	ts := time.Now()

	// node-z applies first with a losing (lexicographically larger)
	// origin_node_id; node-a arrives later but must still win the tie.
	applied, err := s.ApplyRemoteChange(AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-z", Seq: 1,
		Finalization: &FinalizationPayload{ProposalCID: "cid-tie", Approved: false, EventTS: ts},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyRemoteChange(AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-a", Seq: 1,
		Finalization: &FinalizationPayload{ProposalCID: "cid-tie", Approved: true, EventTS: ts},
	})
	require.NoError(t, err)
	assert.True(t, applied, "on an event_ts tie the lexicographically smaller origin_node_id must win")

	th, _, err := s.UpsertRuntimeThread("cid-tie", "unused", "", time.Now())
	require.NoError(t, err)
	assert.Contains(t, th.Title, "[APPROVED]")

	// A later replay from the losing node-z must not flip the winner back.
	applied, err = s.ApplyRemoteChange(AnnounceMessage{
		Type: WireFinalizationAnnounce, OriginNodeID: "node-z", Seq: 2,
		Finalization: &FinalizationPayload{ProposalCID: "cid-tie", Approved: false, EventTS: ts},
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestToAnnounce_UnknownEntityErrors(t *testing.T) {
	_, err := toAnnounce(ChangeRecord{Entity: "bogus"}, "node-1")
	assert.Error(t, err)
}

func TestToAnnounce_RoundTripsThread(t *testing.T) {
	th := &Thread{ID: newID(), Title: "Roundtrip"}
	rec := ChangeRecord{Entity: ChangeThread, Thread: th, Seq: 7}
	announce, err := toAnnounce(rec, "node-1")
	require.NoError(t, err)
	assert.Equal(t, WireThreadAnnounce, announce.Type)
	assert.Equal(t, "node-1", announce.OriginNodeID)
	assert.Equal(t, uint64(7), announce.Seq)
	require.NotNil(t, announce.Thread)
	assert.Equal(t, th.ID, announce.Thread.ID)
}

func TestChangeLog_ListLocalSinceOrdering(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.CreateThread("First", "", "did:agora:alice")
	require.NoError(t, err)
	_, err = s.CreateThread("Second", "", "did:agora:alice")
	require.NoError(t, err)

	recs, err := s.ListLocalSince(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Less(t, recs[0].Seq, recs[1].Seq)
}

func TestFederationPeerStore_UpsertAndList(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.UpsertPeer(FederationPeer{NodeID: "node-b", Address: "http://node-b:8080", LastSeen: time.Now()}))
	peers, err := s.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-b", peers[0].NodeID)

	require.NoError(t, s.RemovePeer("node-b"))
	peers, err = s.ListPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestVectorSnapshot(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.VectorSet("node-a", 3))
	require.NoError(t, s.VectorSet("node-b", 5))

	snap, err := s.VectorSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap["node-a"])
	assert.Equal(t, uint64(5), snap["node-b"])
}
