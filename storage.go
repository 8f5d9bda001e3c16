// storage.go
package agoranet

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the C2 Deliberation Store: a single SQLite-backed database
// plus the Change Bus every mutation publishes to after commit.
type Storage struct {
	db       *sql.DB
	bus      ChangeBus
	nodeID   string
	localSeq *localSeqCounter
}

var (
	_ ThreadStore         = (*Storage)(nil)
	_ MessageStore        = (*Storage)(nil)
	_ CredentialStore     = (*Storage)(nil)
	_ FederationApplier   = (*Storage)(nil)
	_ AuditRepository     = (*Storage)(nil)
	_ CursorStore         = (*Storage)(nil)
	_ FederationPeerStore = (*Storage)(nil)
	_ ChangeLog           = (*Storage)(nil)
)

// NewStorage opens dsn (a sqlite3 DSN, e.g. "file:agoranet.db?_busy_timeout=5000"),
// runs migrations, and returns a Storage wired to bus for post-commit
// publication. nodeID stamps every locally-originated ChangeRecord and
// AnnounceMessage (§4.4's origin_node_id).
func NewStorage(dsn string, bus ChangeBus, nodeID string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer, avoid SQLITE_BUSY storms
	s := &Storage{db: db, bus: bus, nodeID: nodeID, localSeq: &localSeqCounter{}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.localSeq.load(db); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	proposal_cid TEXT,
	runtime_originated INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	final_approved INTEGER,
	final_event_ts DATETIME,
	final_origin_node_id TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS threads_proposal_cid_idx
	ON threads(proposal_cid) WHERE runtime_originated = 1 AND proposal_cid IS NOT NULL AND proposal_cid != '';

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	author_did TEXT,
	content TEXT NOT NULL,
	reply_to TEXT,
	is_system INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	dedup_key TEXT,
	created_at DATETIME NOT NULL,
	deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS messages_dedup_idx
	ON messages(dedup_key) WHERE dedup_key IS NOT NULL AND dedup_key != '';

CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	author_did TEXT NOT NULL,
	reaction_type TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS reactions_unique_idx
	ON reactions(message_id, author_did, reaction_type);

CREATE TABLE IF NOT EXISTS credential_links (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	credential_cid TEXT NOT NULL,
	linked_by_did TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS credential_links_unique_idx
	ON credential_links(thread_id, credential_cid, linked_by_did);

CREATE TABLE IF NOT EXISTS verified_credentials (
	id TEXT PRIMARY KEY,
	credential_cid TEXT UNIQUE NOT NULL,
	subject_did TEXT NOT NULL,
	issuer_did TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	valid_until DATETIME,
	verified_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_cursor (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_event_timestamp DATETIME NOT NULL,
	last_event_fingerprint TEXT
);

CREATE TABLE IF NOT EXISTS federation_peers (
	node_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	last_seen DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS federation_vector (
	node_id TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY,
	entity TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS local_seq_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_seq INTEGER NOT NULL
);

INSERT OR IGNORE INTO local_seq_counter(id, next_seq) VALUES (1, 1);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	action TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT,
	actor_did TEXT,
	request_id TEXT,
	node_id TEXT,
	payload TEXT,
	occurred_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_component_idx ON audit_logs(component, action);
`
	_, err := s.db.Exec(schema)
	return err
}

// localSeqCounter hands out the monotonically increasing per-node sequence
// stamped on every locally-originated ChangeRecord/AnnounceMessage (§4.4).
// It is backed by a single-row table so a restart resumes past whatever was
// already announced.
type localSeqCounter struct {
	mu   sync.Mutex
	next uint64
}

func (c *localSeqCounter) load(db *sql.DB) error {
	row := db.QueryRow(`SELECT next_seq FROM local_seq_counter WHERE id = 1`)
	return row.Scan(&c.next)
}

func (c *localSeqCounter) reserve(tx *sql.Tx) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next
	c.next++
	if _, err := tx.Exec(`UPDATE local_seq_counter SET next_seq = ? WHERE id = 1`, c.next); err != nil {
		c.next = seq // roll back in-memory reservation on failure
		return 0, err
	}
	return seq, nil
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Storage) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// publish emits rec on the bus unchanged (§4.5); callers stamp
// Seq/OriginNode/CreatedAt before calling it. Remote-applied records are
// stamped by ApplyRemoteChange and published for observability
// subscribers (the websocket sink); C4's own subscriber filters to
// Origin==local so remote changes are never re-announced (§4.4 step 4).
func (s *Storage) publish(rec ChangeRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(rec)
}

// ==================== ThreadStore ====================

func (s *Storage) CreateThread(title, proposalCID, creatorDID string) (*Thread, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidInput("title is required")
	}
	now := time.Now()
	t := &Thread{ID: newID(), Title: title, ProposalCID: proposalCID, CreatedAt: now, UpdatedAt: now}
	var seq uint64
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO threads(id, title, proposal_cid, runtime_originated, created_at, updated_at)
			VALUES(?,?,?,0,?,?)`, t.ID, t.Title, nullableString(t.ProposalCID), t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		return appendChangeLog(tx, seq, ChangeThread, t)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeThread, Thread: t, CreatedAt: t.CreatedAt})
	return t, nil
}

// UpsertRuntimeThread implements the idempotent projection of a
// ProposalCreated Runtime event (§4.3, I4): a second event for the same
// proposal_cid is a no-op that returns the existing thread and created=false.
func (s *Storage) UpsertRuntimeThread(proposalCID, title, createdByDID string, eventTS time.Time) (*Thread, bool, error) {
	if strings.TrimSpace(proposalCID) == "" {
		return nil, false, ErrInvalidInput("proposal_cid is required")
	}
	var existing Thread
	err := s.db.QueryRow(`SELECT id, title, proposal_cid, created_at, updated_at, runtime_originated
		FROM threads WHERE proposal_cid = ? AND runtime_originated = 1`, proposalCID).
		Scan(&existing.ID, &existing.Title, &existing.ProposalCID, &existing.CreatedAt, &existing.UpdatedAt, &existing.RuntimeOriginated)
	if err == nil {
		return &existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	t := &Thread{ID: newID(), Title: title, ProposalCID: proposalCID, RuntimeOriginated: true, CreatedAt: eventTS, UpdatedAt: eventTS}
	var seq uint64
	txErr := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO threads(id, title, proposal_cid, runtime_originated, created_at, updated_at)
			VALUES(?,?,?,1,?,?)`, t.ID, t.Title, t.ProposalCID, t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		return appendChangeLog(tx, seq, ChangeThread, t)
	})
	if txErr != nil {
		// Lost a race against a concurrent insert of the same proposal_cid;
		// the unique partial index caught it. Re-read and report as a hit.
		if isUniqueConstraint(txErr) {
			return s.UpsertRuntimeThread(proposalCID, title, createdByDID, eventTS)
		}
		return nil, false, txErr
	}
	s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeThread, Thread: t, CreatedAt: t.CreatedAt})
	return t, true, nil
}

// ApplyFinalization projects a ProposalFinalized Runtime event onto the
// matching runtime-originated thread (§4.3). It is idempotent, and
// conflicting finalizations (same proposal_cid, different approved) are
// resolved by last-writer-wins on event_ts, tied-broken by origin_node_id
// (§9) — see resolveFinalizationTx. This node's own node id is the origin
// for a locally-observed Runtime event.
func (s *Storage) ApplyFinalization(proposalCID string, approved bool, eventTS time.Time) (*Thread, error) {
	var t Thread
	err := s.db.QueryRow(`SELECT id, title, proposal_cid, created_at, updated_at, runtime_originated
		FROM threads WHERE proposal_cid = ? AND runtime_originated = 1`, proposalCID).
		Scan(&t.ID, &t.Title, &t.ProposalCID, &t.CreatedAt, &t.UpdatedAt, &t.RuntimeOriginated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("thread for proposal_cid " + proposalCID)
	}
	if err != nil {
		return nil, err
	}

	var seq uint64
	var emitted bool
	txErr := s.withTx(func(tx *sql.Tx) error {
		applied, err := resolveFinalizationTx(tx, t.ID, t.Title, proposalCID, approved, eventTS, s.nodeID)
		if err != nil || !applied {
			return err
		}
		var reserveErr error
		seq, reserveErr = s.localSeq.reserve(tx)
		if reserveErr != nil {
			return reserveErr
		}
		fp := &FinalizationPayload{ProposalCID: proposalCID, Approved: approved, EventTS: eventTS}
		if err := appendChangeLog(tx, seq, ChangeFinalization, fp); err != nil {
			return err
		}
		emitted = true
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if emitted {
		s.publish(ChangeRecord{Seq: seq, Origin: OriginLocal, OriginNode: s.nodeID, Entity: ChangeFinalization,
			Finalization: &FinalizationPayload{ProposalCID: proposalCID, Approved: approved, EventTS: eventTS}, CreatedAt: eventTS})
	}
	return s.GetThread(t.ID)
}

func (s *Storage) GetThread(id string) (*Thread, error) {
	var t Thread
	var proposalCID sql.NullString
	err := s.db.QueryRow(`SELECT id, title, proposal_cid, created_at, updated_at, runtime_originated
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &proposalCID, &t.CreatedAt, &t.UpdatedAt, &t.RuntimeOriginated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("thread")
	}
	if err != nil {
		return nil, err
	}
	t.ProposalCID = proposalCID.String
	return &t, nil
}

func (s *Storage) ListThreads(limit, offset int, orderBy, search string) ([]Thread, error) {
	query := `SELECT id, title, proposal_cid, created_at, updated_at, runtime_originated FROM threads`
	var args []any
	if search != "" {
		query += " WHERE title LIKE ?"
		args = append(args, "%"+search+"%")
	}
	switch orderBy {
	case "title":
		query += " ORDER BY title ASC"
	case "updated_at":
		query += " ORDER BY updated_at DESC"
	default:
		query += " ORDER BY created_at DESC"
	}
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var t Thread
		var proposalCID sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &proposalCID, &t.CreatedAt, &t.UpdatedAt, &t.RuntimeOriginated); err != nil {
			return nil, err
		}
		t.ProposalCID = proposalCID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
