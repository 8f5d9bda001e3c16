// federation_http.go
package agoranet

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// RegisterFederationHTTP wires the peer-to-peer RPC surface of §4.4 onto r.
// Every route here is for inter-node traffic, signed with the shared
// federation secret — never reachable by an end-user bearer token.
func RegisterFederationHTTP(r *mux.Router, sync *FederationSync, peerStore FederationPeerStore, changelog ChangeLog, secret string) {
	r.HandleFunc("/federation/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/federation/peers", func(w http.ResponseWriter, r *http.Request) {
		peers, err := peerStore.ListPeers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, peers)
	}).Methods(http.MethodGet)

	r.HandleFunc("/federation/join", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readSignedBody(w, r, secret)
		if !ok {
			return
		}
		var req struct {
			NodeID  string `json:"node_id"`
			Address string `json:"address"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.NodeID == "" || req.Address == "" {
			http.Error(w, "node_id and address are required", http.StatusBadRequest)
			return
		}
		if err := peerStore.UpsertPeer(FederationPeer{NodeID: req.NodeID, Address: ensureHTTP(req.Address), LastSeen: time.Now()}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		RecordAudit(r.Context(), AuditLevelInfo, "federation", "join", "peer joined", map[string]any{"node_id": req.NodeID, "address": req.Address})
		peers, err := peerStore.ListPeers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "joined", "peers": peers})
	}).Methods(http.MethodPost)

	r.HandleFunc("/federation/announce", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readSignedBody(w, r, secret)
		if !ok {
			return
		}
		var announce AnnounceMessage
		if err := json.Unmarshal(body, &announce); err != nil {
			http.Error(w, "malformed announce", http.StatusBadRequest)
			return
		}
		applied, err := sync.applier.ApplyRemoteChange(announce)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if applied {
			RecordAudit(r.Context(), AuditLevelInfo, "federation", "apply_announce", "applied remote change", map[string]any{
				"origin_node_id": announce.OriginNodeID, "seq": announce.Seq, "type": announce.Type,
			})
		}
		writeJSON(w, map[string]any{"applied": applied})
	}).Methods(http.MethodPost)

	r.HandleFunc("/federation/sync", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readSignedBody(w, r, secret)
		if !ok {
			return
		}
		var req SyncRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "malformed sync request", http.StatusBadRequest)
			return
		}
		since := req.SinceVector[sync.nodeID]
		records, err := changelog.ListLocalSince(since)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := SyncResponse{}
		for _, rec := range records {
			announce, err := toAnnounce(rec, sync.nodeID)
			if err != nil {
				continue
			}
			resp.Announces = append(resp.Announces, announce)
		}
		writeJSON(w, resp)
	}).Methods(http.MethodPost)
}

// readSignedBody validates the HMAC over the raw request body before
// returning it, unlike validateClusterHMAC's header-only check — federation
// traffic carries a payload worth binding the signature to.
func readSignedBody(w http.ResponseWriter, r *http.Request, secret string) ([]byte, bool) {
	if secret == "" {
		http.Error(w, "federation HMAC secret not configured", http.StatusInternalServerError)
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	sig := r.Header.Get("X-Federation-Signature")
	if sig == "" || !verifyHMACSHA256Hex(body, secret, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
