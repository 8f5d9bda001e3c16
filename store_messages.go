// store_messages.go
package agoranet

import (
	"database/sql"
	"strings"
	"time"
)

// ==================== MessageStore ====================

func (s *Storage) PostMessage(threadID, authorDID, content, replyTo string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidInput("content is required")
	}
	if _, err := s.GetThread(threadID); err != nil {
		return nil, err
	}
	if replyTo != "" {
		if _, err := s.GetMessage(threadID, replyTo); err != nil {
			return nil, ErrInvalidInput("reply_to does not reference a message in this thread")
		}
	}
	now := time.Now()
	m := &Message{ID: newID(), ThreadID: threadID, AuthorDID: authorDID, Content: content, ReplyTo: replyTo, CreatedAt: now}
	var seq uint64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO messages(id, thread_id, author_did, content, reply_to, is_system, created_at)
			VALUES(?,?,?,?,?,0,?)`, m.ID, m.ThreadID, m.AuthorDID, m.Content, nullableString(m.ReplyTo), m.CreatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		return appendChangeLog(tx, seq, ChangeMessage, m)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeMessage, Message: m, CreatedAt: m.CreatedAt})
	return m, nil
}

// PostSystemMessage inserts a system-authored message guarded by dedupKey,
// for traces that have no human author. A repeat call with the same
// dedupKey is a no-op. The finalization path does not call it: it writes
// its own system message inside resolveFinalizationTx.
func (s *Storage) PostSystemMessage(threadID, content, dedupKey string) (*Message, bool, error) {
	if dedupKey != "" {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE dedup_key = ?`, dedupKey).Scan(&count); err != nil {
			return nil, false, err
		}
		if count > 0 {
			return nil, false, nil
		}
	}
	now := time.Now()
	m := &Message{ID: newID(), ThreadID: threadID, Content: content, IsSystem: true, CreatedAt: now}
	var seq uint64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO messages(id, thread_id, content, is_system, dedup_key, created_at)
			VALUES(?,?,?,1,?,?)`, m.ID, m.ThreadID, m.Content, nullableString(dedupKey), m.CreatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		return appendChangeLog(tx, seq, ChangeMessage, m)
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeMessage, Message: m, CreatedAt: m.CreatedAt})
	return m, true, nil
}

// DeleteMessage soft-deletes a message (content is retained for audit, only
// deleted_at is stamped). Authors may delete their own messages; moderators
// (ActionModerateContent capability, checked by the caller) may delete any.
func (s *Storage) DeleteMessage(threadID, messageID, callerDID string, moderator bool) error {
	m, err := s.GetMessage(threadID, messageID)
	if err != nil {
		return err
	}
	if !moderator && m.AuthorDID != callerDID {
		return ErrForbidden("only the author or a moderator may delete this message")
	}
	now := time.Now()
	_, err = s.db.Exec(`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now, messageID)
	return err
}

func (s *Storage) GetMessage(threadID, messageID string) (*Message, error) {
	row := s.db.QueryRow(`SELECT id, thread_id, author_did, content, reply_to, is_system, metadata, created_at, deleted_at
		FROM messages WHERE id = ? AND thread_id = ?`, messageID, threadID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("message")
	}
	return m, err
}

func (s *Storage) ListMessages(threadID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, thread_id, author_did, content, reply_to, is_system, metadata, created_at, deleted_at
		FROM messages WHERE thread_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`, threadID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage centralizes the nullable-column handling (author_did,
// reply_to, metadata, deleted_at) so every read path decodes messages the
// same way.
func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var authorDID, replyTo, metadata sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ThreadID, &authorDID, &m.Content, &replyTo, &m.IsSystem, &metadata, &m.CreatedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.AuthorDID = authorDID.String
	m.ReplyTo = replyTo.String
	m.Metadata = metadata.String
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}

// ==================== Reactions ====================

func (s *Storage) AddReaction(messageID, authorDID, reactionType string) (*Reaction, error) {
	if strings.TrimSpace(reactionType) == "" {
		return nil, ErrInvalidInput("reaction_type is required")
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE id = ? AND deleted_at IS NULL`, messageID).Scan(&count); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound("message")
	}

	r := &Reaction{ID: newID(), MessageID: messageID, AuthorDID: authorDID, ReactionType: reactionType, CreatedAt: time.Now()}
	var seq uint64
	var created bool
	err := s.withTx(func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM reactions WHERE message_id=? AND author_did=? AND reaction_type=?`,
			messageID, authorDID, reactionType).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		if _, err := tx.Exec(`INSERT INTO reactions(id, message_id, author_did, reaction_type, created_at)
			VALUES(?,?,?,?,?)`, r.ID, r.MessageID, r.AuthorDID, r.ReactionType, r.CreatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		created = true
		return appendChangeLog(tx, seq, ChangeReaction, r)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// idempotent hit: the same (message, author, reaction) pair already exists
		var existing Reaction
		err := s.db.QueryRow(`SELECT id, message_id, author_did, reaction_type, created_at
			FROM reactions WHERE message_id=? AND author_did=? AND reaction_type=?`,
			messageID, authorDID, reactionType).Scan(&existing.ID, &existing.MessageID, &existing.AuthorDID, &existing.ReactionType, &existing.CreatedAt)
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeReaction, Reaction: r, CreatedAt: r.CreatedAt})
	return r, nil
}

func (s *Storage) RemoveReaction(messageID, authorDID, reactionType string) error {
	_, err := s.db.Exec(`DELETE FROM reactions WHERE message_id=? AND author_did=? AND reaction_type=?`,
		messageID, authorDID, reactionType)
	return err
}

func (s *Storage) ListReactions(messageID string) ([]Reaction, error) {
	rows, err := s.db.Query(`SELECT id, message_id, author_did, reaction_type, created_at
		FROM reactions WHERE message_id = ? ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.AuthorDID, &r.ReactionType, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
