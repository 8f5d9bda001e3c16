// federation.go
package agoranet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FederationSync implements C4: best-effort broadcast of locally-originated
// changes to known peers, periodic bootstrap/gossip discovery, and a
// catch-up sync for whatever a peer missed while disconnected. There is no
// leader and no ordering guarantee across origins — only the per-origin
// seq each peer's vector tracks (§4.4).
type FederationSync struct {
	nodeID  string
	selfAddr string
	secret  string

	applier   FederationApplier
	peerStore FederationPeerStore
	changelog ChangeLog
	bus       ChangeBus

	client    *http.Client
	bootstrap []string
}

func NewFederationSync(nodeID, selfAddr, secret string, applier FederationApplier, peerStore FederationPeerStore, changelog ChangeLog, bus ChangeBus, bootstrap []string) *FederationSync {
	return &FederationSync{
		nodeID: nodeID, selfAddr: fallback(selfAddr, "http://localhost:8080"), secret: secret,
		applier: applier, peerStore: peerStore, changelog: changelog, bus: bus,
		client: &http.Client{Timeout: 5 * time.Second}, bootstrap: bootstrap,
	}
}

// Run starts the broadcast subscriber and the periodic discovery/catch-up
// loop. Call it from a goroutine; it returns when ctx is cancelled.
func (f *FederationSync) Run(ctx context.Context, discoverInterval time.Duration) {
	if discoverInterval <= 0 {
		discoverInterval = 15 * time.Second
	}
	ch, unsubscribe := f.bus.Subscribe("federation")
	defer unsubscribe()

	ticker := time.NewTicker(discoverInterval)
	defer ticker.Stop()

	// Announce to the bootstrap set once at startup so a freshly joined
	// node is reachable before the first tick.
	f.discoverAndCatchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if rec.Origin != OriginLocal {
				continue // never re-announce a remote-origin record (§4.4 step 4)
			}
			f.broadcast(rec)
		case <-ticker.C:
			f.discoverAndCatchUp(ctx)
		}
	}
}

func (f *FederationSync) broadcast(rec ChangeRecord) {
	announce, err := toAnnounce(rec, f.nodeID)
	if err != nil {
		Logger().Warn("federation_broadcast_skip", "err", err)
		return
	}
	peers, err := f.peerStore.ListPeers()
	if err != nil {
		Logger().Warn("federation_broadcast_list_peers_failed", "err", err)
		return
	}
	body, err := json.Marshal(announce)
	if err != nil {
		return
	}
	for _, peer := range peers {
		go f.postSigned(peer.Address+"/federation/announce", body)
	}
}

func (f *FederationSync) postSigned(url string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Federation-Signature", computeHMACSHA256Hex(body, f.secret))
	resp, err := f.client.Do(req)
	if err != nil {
		Logger().Debug("federation_post_failed", "url", url, "err", err)
		return
	}
	resp.Body.Close()
}

// discoverAndCatchUp registers this node with the bootstrap peers (merging
// whatever peer list comes back), then asks every known peer for anything
// this node's vector says it is missing.
func (f *FederationSync) discoverAndCatchUp(ctx context.Context) {
	for _, addr := range f.bootstrap {
		f.join(addr)
	}
	peers, err := f.peerStore.ListPeers()
	if err != nil {
		Logger().Warn("federation_discover_list_peers_failed", "err", err)
		return
	}
	vector, err := f.peerStore.VectorSnapshot()
	if err != nil {
		Logger().Warn("federation_discover_vector_snapshot_failed", "err", err)
		return
	}
	for _, peer := range peers {
		if peer.NodeID == f.nodeID {
			continue
		}
		f.catchUp(ctx, peer, vector)
	}
}

func (f *FederationSync) join(addr string) {
	addr = ensureHTTP(addr)
	body, _ := json.Marshal(map[string]string{"node_id": f.nodeID, "address": f.selfAddr})
	req, err := http.NewRequest(http.MethodPost, addr+"/federation/join", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Federation-Signature", computeHMACSHA256Hex(body, f.secret))
	resp, err := f.client.Do(req)
	if err != nil {
		Logger().Debug("federation_join_failed", "addr", addr, "err", err)
		return
	}
	defer resp.Body.Close()
	var out struct {
		Peers []FederationPeer `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return
	}
	for _, p := range out.Peers {
		if p.NodeID == f.nodeID {
			continue
		}
		if err := f.peerStore.UpsertPeer(p); err != nil {
			Logger().Warn("federation_upsert_peer_failed", "peer", p.NodeID, "err", err)
		}
	}
}

func (f *FederationSync) catchUp(ctx context.Context, peer FederationPeer, vector map[string]uint64) {
	reqBody, _ := json.Marshal(SyncRequest{SinceVector: vector})
	req, err := http.NewRequest(http.MethodPost, ensureHTTP(peer.Address)+"/federation/sync", bytes.NewReader(reqBody))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Federation-Signature", computeHMACSHA256Hex(reqBody, f.secret))
	resp, err := f.client.Do(req)
	if err != nil {
		Logger().Debug("federation_sync_request_failed", "peer", peer.NodeID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		Logger().Warn("federation_sync_decode_failed", "peer", peer.NodeID, "err", err)
		return
	}
	for _, announce := range out.Announces {
		applied, err := f.applier.ApplyRemoteChange(announce)
		if err != nil {
			Logger().Warn("federation_apply_failed", "peer", peer.NodeID, "seq", announce.Seq, "err", err)
			continue
		}
		if applied {
			RecordAudit(ctx, AuditLevelInfo, "federation", "apply_catch_up", "applied remote change", map[string]any{
				"origin_node_id": announce.OriginNodeID, "seq": announce.Seq, "type": announce.Type,
			})
		}
	}
}

func toAnnounce(rec ChangeRecord, nodeID string) (AnnounceMessage, error) {
	a := AnnounceMessage{OriginNodeID: nodeID, Seq: rec.Seq}
	switch rec.Entity {
	case ChangeThread:
		a.Type, a.Thread = WireThreadAnnounce, rec.Thread
	case ChangeMessage:
		a.Type, a.Message = WireMessageAnnounce, rec.Message
	case ChangeReaction:
		a.Type, a.Reaction = WireReactionAnnounce, rec.Reaction
	case ChangeCredentialLink:
		a.Type, a.CredLink = WireCredentialLinkAnnounce, rec.CredLink
	case ChangeFinalization:
		a.Type, a.Finalization = WireFinalizationAnnounce, rec.Finalization
	default:
		return AnnounceMessage{}, fmt.Errorf("unannouncable change entity %q", rec.Entity)
	}
	return a, nil
}
