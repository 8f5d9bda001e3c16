// store_federation.go
package agoranet

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// appendChangeLog records a locally-originated change at seq into
// change_log, inside the same transaction as the mutation that produced
// it, so a torn write never leaves the catch-up log ahead of the data it
// describes.
func appendChangeLog(tx *sql.Tx, seq uint64, entity ChangeEntity, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO change_log(seq, entity, payload, created_at) VALUES (?,?,?,?)`,
		seq, entity, string(data), time.Now())
	return err
}

// ==================== ChangeLog ====================

func (s *Storage) AppendLocal(rec ChangeRecord) error {
	payload, entity, err := changeRecordPayload(rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO change_log(seq, entity, payload, created_at) VALUES (?,?,?,?)`,
		rec.Seq, entity, string(data), rec.CreatedAt)
	return err
}

func (s *Storage) ListLocalSince(seq uint64) ([]ChangeRecord, error) {
	rows, err := s.db.Query(`SELECT seq, entity, payload, created_at FROM change_log WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeRecord
	for rows.Next() {
		var dbSeq uint64
		var entity ChangeEntity
		var payload string
		var createdAt time.Time
		if err := rows.Scan(&dbSeq, &entity, &payload, &createdAt); err != nil {
			return nil, err
		}
		rec, err := decodeChangeRecord(dbSeq, entity, payload, createdAt, s.nodeID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Storage) NextLocalSeq() (uint64, error) {
	var next uint64
	err := s.db.QueryRow(`SELECT next_seq FROM local_seq_counter WHERE id = 1`).Scan(&next)
	return next, err
}

func changeRecordPayload(rec ChangeRecord) (any, ChangeEntity, error) {
	switch rec.Entity {
	case ChangeThread:
		return rec.Thread, ChangeThread, nil
	case ChangeMessage:
		return rec.Message, ChangeMessage, nil
	case ChangeReaction:
		return rec.Reaction, ChangeReaction, nil
	case ChangeCredentialLink:
		return rec.CredLink, ChangeCredentialLink, nil
	case ChangeFinalization:
		return rec.Finalization, ChangeFinalization, nil
	default:
		return nil, "", ErrInvalidInput("unknown change entity")
	}
}

func decodeChangeRecord(seq uint64, entity ChangeEntity, payload string, createdAt time.Time, nodeID string) (ChangeRecord, error) {
	rec := ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: nodeID, Entity: entity, CreatedAt: createdAt}
	switch entity {
	case ChangeThread:
		var t Thread
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return rec, err
		}
		rec.Thread = &t
	case ChangeMessage:
		var m Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return rec, err
		}
		rec.Message = &m
	case ChangeReaction:
		var r Reaction
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return rec, err
		}
		rec.Reaction = &r
	case ChangeCredentialLink:
		var c CredentialLink
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return rec, err
		}
		rec.CredLink = &c
	case ChangeFinalization:
		var f FinalizationPayload
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return rec, err
		}
		rec.Finalization = &f
	}
	return rec, nil
}

// ==================== FederationPeerStore ====================

func (s *Storage) UpsertPeer(peer FederationPeer) error {
	_, err := s.db.Exec(`INSERT INTO federation_peers(node_id, address, last_seen) VALUES (?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET address = excluded.address, last_seen = excluded.last_seen`,
		peer.NodeID, peer.Address, peer.LastSeen)
	return err
}

func (s *Storage) ListPeers() ([]FederationPeer, error) {
	rows, err := s.db.Query(`SELECT node_id, address, last_seen FROM federation_peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FederationPeer
	for rows.Next() {
		var p FederationPeer
		if err := rows.Scan(&p.NodeID, &p.Address, &p.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Storage) RemovePeer(nodeID string) error {
	_, err := s.db.Exec(`DELETE FROM federation_peers WHERE node_id = ?`, nodeID)
	return err
}

func (s *Storage) VectorGet(originNodeID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT last_seq FROM federation_vector WHERE node_id = ?`, originNodeID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Storage) VectorSet(originNodeID string, seq uint64) error {
	_, err := s.db.Exec(`INSERT INTO federation_vector(node_id, last_seq) VALUES (?,?)
		ON CONFLICT(node_id) DO UPDATE SET last_seq = excluded.last_seq`, originNodeID, seq)
	return err
}

func (s *Storage) VectorSnapshot() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT node_id, last_seq FROM federation_vector`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]uint64{}
	for rows.Next() {
		var node string
		var seq uint64
		if err := rows.Scan(&node, &seq); err != nil {
			return nil, err
		}
		out[node] = seq
	}
	return out, rows.Err()
}

// ==================== FederationApplier ====================

// ApplyRemoteChange applies one announce from a peer, enforcing the
// per-origin vector of §4.4: an announce whose seq is <= the recorded
// vector for its origin is a duplicate and is silently dropped; any
// higher seq is applied and the vector is set to it, whether or not it
// immediately follows the recorded value (gaps are not held back).
func (s *Storage) ApplyRemoteChange(change AnnounceMessage) (bool, error) {
	if change.OriginNodeID == "" {
		return false, ErrInvalidInput("origin_node_id is required")
	}
	current, err := s.VectorGet(change.OriginNodeID)
	if err != nil {
		return false, err
	}
	if change.Seq <= current {
		return false, nil // already applied, LWW-idempotent no-op
	}

	var rec ChangeRecord
	applied := false
	err = s.withTx(func(tx *sql.Tx) error {
		var applyErr error
		applied, rec, applyErr = applyAnnounce(tx, change)
		if applyErr != nil {
			return applyErr
		}
		_, err := tx.Exec(`INSERT INTO federation_peers(node_id, address, last_seen) VALUES (?,?,?)
			ON CONFLICT(node_id) DO UPDATE SET last_seen = excluded.last_seen`, change.OriginNodeID, "", time.Now())
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO federation_vector(node_id, last_seq) VALUES (?,?)
			ON CONFLICT(node_id) DO UPDATE SET last_seq = excluded.last_seq`, change.OriginNodeID, change.Seq)
		return err
	})
	if err != nil {
		return false, err
	}
	if applied {
		rec.Origin = OriginRemote
		rec.OriginNode = change.OriginNodeID
		rec.Seq = change.Seq
		rec.CreatedAt = time.Now()
		s.publish(rec)
	}
	return applied, nil
}

// applyAnnounce projects one AnnounceMessage's payload, reusing the same
// uniqueness/idempotency rules as the local write paths so a remote echo
// of a change this node already originated is a harmless no-op.
func applyAnnounce(tx *sql.Tx, change AnnounceMessage) (bool, ChangeRecord, error) {
	switch change.Type {
	case WireThreadAnnounce:
		t := change.Thread
		if t == nil {
			return false, ChangeRecord{}, ErrInvalidInput("thread announce missing thread")
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO threads(id, title, proposal_cid, runtime_originated, created_at, updated_at)
			VALUES(?,?,?,?,?,?)`, t.ID, t.Title, nullableString(t.ProposalCID), boolToInt(t.RuntimeOriginated), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return false, ChangeRecord{}, err
		}
		n, _ := res.RowsAffected()
		return n > 0, ChangeRecord{Entity: ChangeThread, Thread: t}, nil

	case WireMessageAnnounce:
		m := change.Message
		if m == nil {
			return false, ChangeRecord{}, ErrInvalidInput("message announce missing message")
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO messages(id, thread_id, author_did, content, reply_to, is_system, metadata, created_at)
			VALUES(?,?,?,?,?,?,?,?)`, m.ID, m.ThreadID, m.AuthorDID, m.Content, nullableString(m.ReplyTo), boolToInt(m.IsSystem), nullableString(m.Metadata), m.CreatedAt)
		if err != nil {
			return false, ChangeRecord{}, err
		}
		n, _ := res.RowsAffected()
		return n > 0, ChangeRecord{Entity: ChangeMessage, Message: m}, nil

	case WireReactionAnnounce:
		r := change.Reaction
		if r == nil {
			return false, ChangeRecord{}, ErrInvalidInput("reaction announce missing reaction")
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO reactions(id, message_id, author_did, reaction_type, created_at)
			VALUES(?,?,?,?,?)`, r.ID, r.MessageID, r.AuthorDID, r.ReactionType, r.CreatedAt)
		if err != nil {
			return false, ChangeRecord{}, err
		}
		n, _ := res.RowsAffected()
		return n > 0, ChangeRecord{Entity: ChangeReaction, Reaction: r}, nil

	case WireCredentialLinkAnnounce:
		c := change.CredLink
		if c == nil {
			return false, ChangeRecord{}, ErrInvalidInput("credential link announce missing link")
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO credential_links(id, thread_id, credential_cid, linked_by_did, created_at)
			VALUES(?,?,?,?,?)`, c.ID, c.ThreadID, c.CredentialCID, c.LinkedByDID, c.CreatedAt)
		if err != nil {
			return false, ChangeRecord{}, err
		}
		n, _ := res.RowsAffected()
		return n > 0, ChangeRecord{Entity: ChangeCredentialLink, CredLink: c}, nil

	case WireFinalizationAnnounce:
		f := change.Finalization
		if f == nil {
			return false, ChangeRecord{}, ErrInvalidInput("finalization announce missing payload")
		}
		return applyFinalizationTx(tx, f, change.OriginNodeID)

	default:
		return false, ChangeRecord{}, ErrInvalidInput("unknown announce type")
	}
}

// applyFinalizationTx is the remote-apply twin of Storage.ApplyFinalization:
// same LWW-by-event_ts, tie-broken-by-origin_node_id semantics (§9), but it
// never reserves a local seq or writes to change_log — this node did not
// originate the fact, and re-announcing it would echo it back to peers
// that already hold it (§4.4 step 4).
func applyFinalizationTx(tx *sql.Tx, f *FinalizationPayload, originNodeID string) (bool, ChangeRecord, error) {
	var threadID, title string
	err := tx.QueryRow(`SELECT id, title FROM threads WHERE proposal_cid = ? AND runtime_originated = 1`, f.ProposalCID).Scan(&threadID, &title)
	if err == sql.ErrNoRows {
		return false, ChangeRecord{}, nil // thread hasn't synced here yet; drop (will arrive via catch-up)
	}
	if err != nil {
		return false, ChangeRecord{}, err
	}

	applied, err := resolveFinalizationTx(tx, threadID, title, f.ProposalCID, f.Approved, f.EventTS, originNodeID)
	if err != nil || !applied {
		return false, ChangeRecord{}, err
	}
	return true, ChangeRecord{Entity: ChangeFinalization, Finalization: f}, nil
}

// resolveFinalizationTx is the single LWW-by-event_ts gate shared by the
// local (Storage.ApplyFinalization) and remote (applyFinalizationTx) write
// paths: spec.md §9 resolves the "two peers finalize the same proposal with
// conflicting verdicts" Open Question as last-writer-wins by event_ts, ties
// broken by the lexicographically smaller origin_node_id, so that every
// peer converges on the same winner regardless of application order (P7).
//
// A thread carries at most one terminal tag at a time (I5): the incoming
// verdict either replaces it (incoming wins), is silently ignored (incoming
// loses or is an exact replay of what's already recorded), never both.
func resolveFinalizationTx(tx *sql.Tx, threadID, title, proposalCID string, approved bool, eventTS time.Time, originNodeID string) (bool, error) {
	var priorApproved sql.NullBool
	var priorTS sql.NullTime
	var priorOrigin sql.NullString
	if err := tx.QueryRow(`SELECT final_approved, final_event_ts, final_origin_node_id FROM threads WHERE id = ?`, threadID).
		Scan(&priorApproved, &priorTS, &priorOrigin); err != nil {
		return false, err
	}

	if priorTS.Valid {
		switch {
		case eventTS.Equal(priorTS.Time) && originNodeID == priorOrigin.String && approved == priorApproved.Bool:
			return false, nil // exact replay of the recorded winner
		case eventTS.Before(priorTS.Time):
			return false, nil // strictly older event, existing winner stands
		case eventTS.Equal(priorTS.Time) && originNodeID >= priorOrigin.String:
			return false, nil // tie, existing origin_node_id already won it
		}
	}

	verdict := "REJECTED"
	if approved {
		verdict = "APPROVED"
	}
	newTitle := stripFinalizationTag(title) + " [" + verdict + "]"

	if _, err := tx.Exec(`UPDATE threads SET title = ?, updated_at = ?,
		final_approved = ?, final_event_ts = ?, final_origin_node_id = ? WHERE id = ?`,
		newTitle, eventTS, boolToInt(approved), eventTS, originNodeID, threadID); err != nil {
		return false, err
	}

	dedup := finalizationDedupKey(proposalCID)
	content := "proposal " + proposalCID + " finalized: " + verdict
	if _, err := tx.Exec(`INSERT INTO messages(id, thread_id, content, is_system, dedup_key, created_at)
		VALUES(?,?,?,1,?,?)
		ON CONFLICT(dedup_key) WHERE dedup_key IS NOT NULL AND dedup_key != ''
		DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		newID(), threadID, content, dedup, eventTS); err != nil {
		return false, err
	}
	return true, nil
}

// stripFinalizationTag removes a trailing " [APPROVED]"/" [REJECTED]" tag
// so a conflicting later verdict replaces it rather than appending a
// second tag (I5: at most one terminal tag).
func stripFinalizationTag(title string) string {
	for _, tag := range []string{" [APPROVED]", " [REJECTED]"} {
		if strings.HasSuffix(title, tag) {
			return title[:len(title)-len(tag)]
		}
	}
	return title
}

func finalizationDedupKey(proposalCID string) string {
	return "finalization:" + proposalCID
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
