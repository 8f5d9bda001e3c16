// store_credentials.go
package agoranet

import (
	"database/sql"
	"strings"
	"time"
)

// ==================== CredentialStore ====================

func (s *Storage) LinkCredential(threadID, credentialCID, linkedByDID string) (*CredentialLink, error) {
	if strings.TrimSpace(credentialCID) == "" {
		return nil, ErrInvalidInput("credential_cid is required")
	}
	if _, err := s.GetThread(threadID); err != nil {
		return nil, err
	}

	link := &CredentialLink{ID: newID(), ThreadID: threadID, CredentialCID: credentialCID, LinkedByDID: linkedByDID, CreatedAt: time.Now()}
	var seq uint64
	var created bool
	err := s.withTx(func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM credential_links WHERE thread_id=? AND credential_cid=? AND linked_by_did=?`,
			threadID, credentialCID, linkedByDID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		if _, err := tx.Exec(`INSERT INTO credential_links(id, thread_id, credential_cid, linked_by_did, created_at)
			VALUES(?,?,?,?,?)`, link.ID, link.ThreadID, link.CredentialCID, link.LinkedByDID, link.CreatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		created = true
		return appendChangeLog(tx, seq, ChangeCredentialLink, link)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		var existing CredentialLink
		err := s.db.QueryRow(`SELECT id, thread_id, credential_cid, linked_by_did, created_at
			FROM credential_links WHERE thread_id=? AND credential_cid=? AND linked_by_did=?`,
			threadID, credentialCID, linkedByDID).Scan(&existing.ID, &existing.ThreadID, &existing.CredentialCID, &existing.LinkedByDID, &existing.CreatedAt)
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeCredentialLink, CredLink: link, CreatedAt: link.CreatedAt})
	return link, nil
}

func (s *Storage) ListCredentialLinks(threadID string) ([]CredentialLink, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, credential_cid, linked_by_did, created_at
		FROM credential_links WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CredentialLink
	for rows.Next() {
		var l CredentialLink
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.CredentialCID, &l.LinkedByDID, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecordVerifiedCredential projects a CredentialIssued Runtime event.
// Idempotent on credential_cid: a repeat event returns the existing row
// unchanged (§4.3, I6).
func (s *Storage) RecordVerifiedCredential(credentialCID, subjectDID, issuerDID, credentialType string, validUntil *time.Time, eventTS time.Time) (*VerifiedCredential, error) {
	if existing, err := s.GetVerifiedCredential(credentialCID); err == nil {
		return existing, nil
	} else if f := AsFailure(err); f.Kind != KindNotFound {
		return nil, err
	}

	vc := &VerifiedCredential{
		ID: newID(), CredentialCID: credentialCID, SubjectDID: subjectDID, IssuerDID: issuerDID,
		CredentialType: credentialType, ValidUntil: validUntil, VerifiedAt: eventTS,
	}
	_, err := s.db.Exec(`INSERT INTO verified_credentials(id, credential_cid, subject_did, issuer_did, credential_type, valid_until, verified_at)
		VALUES(?,?,?,?,?,?,?)`, vc.ID, vc.CredentialCID, vc.SubjectDID, vc.IssuerDID, vc.CredentialType, vc.ValidUntil, vc.VerifiedAt)
	if err != nil {
		if isUniqueConstraint(err) {
			return s.GetVerifiedCredential(credentialCID)
		}
		return nil, err
	}
	return vc, nil
}

func (s *Storage) GetVerifiedCredential(credentialCID string) (*VerifiedCredential, error) {
	var vc VerifiedCredential
	err := s.db.QueryRow(`SELECT id, credential_cid, subject_did, issuer_did, credential_type, valid_until, verified_at
		FROM verified_credentials WHERE credential_cid = ?`, credentialCID).
		Scan(&vc.ID, &vc.CredentialCID, &vc.SubjectDID, &vc.IssuerDID, &vc.CredentialType, &vc.ValidUntil, &vc.VerifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("verified credential")
	}
	if err != nil {
		return nil, err
	}
	return &vc, nil
}

// ==================== CursorStore (C3's high-water mark) ====================

func (s *Storage) LoadCursor() (RuntimeCursor, error) {
	var c RuntimeCursor
	err := s.db.QueryRow(`SELECT last_event_timestamp, last_event_fingerprint FROM runtime_cursor WHERE id = 1`).
		Scan(&c.LastEventTimestamp, &c.LastEventFingerprint)
	if err == sql.ErrNoRows {
		return RuntimeCursor{}, nil // zero value: pull everything since epoch
	}
	if err != nil {
		return RuntimeCursor{}, err
	}
	return c, nil
}

func (s *Storage) SaveCursor(cursor RuntimeCursor) error {
	_, err := s.db.Exec(`INSERT INTO runtime_cursor(id, last_event_timestamp, last_event_fingerprint) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_event_timestamp = excluded.last_event_timestamp, last_event_fingerprint = excluded.last_event_fingerprint`,
		cursor.LastEventTimestamp, cursor.LastEventFingerprint)
	return err
}

// ==================== AuditRepository ====================

func (s *Storage) AppendAudit(entry *AuditLog) error {
	if entry == nil {
		return ErrInvalidInput("nil audit entry")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO audit_logs(component, action, level, message, actor_did, request_id, node_id, payload, occurred_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		entry.Component, entry.Action, entry.Level, entry.Message, entry.ActorDID, entry.RequestID, entry.NodeID, entry.Payload, entry.OccurredAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return nil
}

func (s *Storage) ListAuditLogs(filter AuditFilter) ([]AuditLog, error) {
	query := `SELECT id, component, action, level, message, actor_did, request_id, node_id, payload, occurred_at FROM audit_logs`
	var clauses []string
	var args []any
	if filter.Component != "" {
		clauses = append(clauses, "component = ?")
		args = append(args, filter.Component)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, filter.Since)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditLog
	for rows.Next() {
		var a AuditLog
		var message, actorDID, requestID, nodeID, payload sql.NullString
		if err := rows.Scan(&a.ID, &a.Component, &a.Action, &a.Level, &message, &actorDID, &requestID, &nodeID, &payload, &a.OccurredAt); err != nil {
			return nil, err
		}
		a.Message, a.ActorDID, a.RequestID, a.NodeID, a.Payload = message.String, actorDID.String, requestID.String, nodeID.String, payload.String
		out = append(out, a)
	}
	return out, rows.Err()
}
