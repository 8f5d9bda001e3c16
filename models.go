// models.go
package agoranet

import "time"

// ---------- enums ----------

// Action is the closed set of authorizable actions (§4.1, §9: a tagged
// sum, not a virtual-dispatch hierarchy).
type Action string

const (
	ActionReadThread      Action = "read_thread"
	ActionCreateThread    Action = "create_thread"
	ActionPostMessage     Action = "post_message"
	ActionReactToMessage  Action = "react_to_message"
	ActionLinkCredential  Action = "link_credential"
	ActionModerateContent Action = "moderate_content"
)

// Origin marks whether a Change Record was produced locally or folded in
// from a remote peer announce.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ---------- core entities (§3) ----------

type Thread struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	ProposalCID string    `json:"proposal_cid,omitempty" db:"proposal_cid"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	// RuntimeOriginated marks threads created through upsert_runtime_thread,
	// the only ones on which proposal_cid uniqueness (I4) is enforced.
	RuntimeOriginated bool `json:"-" db:"runtime_originated"`
}

type Message struct {
	ID        string     `json:"id" db:"id"`
	ThreadID  string     `json:"thread_id" db:"thread_id"`
	AuthorDID string     `json:"author_did,omitempty" db:"author_did"`
	Content   string     `json:"content" db:"content"`
	ReplyTo   string     `json:"reply_to,omitempty" db:"reply_to"`
	IsSystem  bool       `json:"is_system" db:"is_system"`
	Metadata  string     `json:"metadata,omitempty" db:"metadata"` // JSON-encoded
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

type Reaction struct {
	ID           string    `json:"id" db:"id"`
	MessageID    string    `json:"message_id" db:"message_id"`
	AuthorDID    string    `json:"author_did" db:"author_did"`
	ReactionType string    `json:"reaction_type" db:"reaction_type"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type CredentialLink struct {
	ID            string    `json:"id" db:"id"`
	ThreadID      string    `json:"thread_id" db:"thread_id"`
	CredentialCID string    `json:"credential_cid" db:"credential_cid"`
	LinkedByDID   string    `json:"linked_by_did" db:"linked_by_did"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type VerifiedCredential struct {
	ID             string     `json:"id" db:"id"`
	CredentialCID  string     `json:"credential_cid" db:"credential_cid"`
	SubjectDID     string     `json:"subject_did" db:"subject_did"`
	IssuerDID      string     `json:"issuer_did" db:"issuer_did"`
	CredentialType string     `json:"credential_type" db:"credential_type"`
	ValidUntil     *time.Time `json:"valid_until,omitempty" db:"valid_until"`
	VerifiedAt     time.Time  `json:"verified_at" db:"verified_at"`
}

// RuntimeCursor is the singleton high-water mark C3 persists across restarts.
type RuntimeCursor struct {
	LastEventTimestamp   time.Time `json:"last_event_timestamp" db:"last_event_timestamp"`
	LastEventFingerprint string    `json:"last_event_fingerprint" db:"last_event_fingerprint"`
}

// FederationPeer is a known remote node in the overlay, shaped like the
// teacher's ClusterNode but scoped to AgoraNet's federation vocabulary.
type FederationPeer struct {
	NodeID   string    `json:"node_id" db:"node_id"`
	Address  string    `json:"address" db:"address"`
	LastSeen time.Time `json:"last_seen" db:"last_seen"`
}

// AuditLog is an immutable operational record (ambient stack, not part of
// the deliberation data model proper).
type AuditLog struct {
	ID         int64     `json:"id" db:"id"`
	Component  string    `json:"component" db:"component"`
	Action     string    `json:"action" db:"action"`
	Level      string    `json:"level" db:"level"`
	Message    string    `json:"message" db:"message"`
	ActorDID   string    `json:"actor_did,omitempty" db:"actor_did"`
	RequestID  string    `json:"request_id,omitempty" db:"request_id"`
	NodeID     string    `json:"node_id,omitempty" db:"node_id"`
	Payload    string    `json:"payload,omitempty" db:"payload"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

type AuditFilter struct {
	Component string
	Action    string
	Level     string
	RequestID string
	Since     time.Time
	Limit     int
}

// ---------- Change Bus (§4.5) ----------

// ChangeEntity names which entity kind a ChangeRecord carries, matching
// the federation wire message types of §4.4.
type ChangeEntity string

const (
	ChangeThread         ChangeEntity = "thread"
	ChangeMessage        ChangeEntity = "message"
	ChangeReaction       ChangeEntity = "reaction"
	ChangeCredentialLink ChangeEntity = "credential_link"
	ChangeFinalization   ChangeEntity = "finalization"
)

// ChangeRecord is an immutable value copy of one committed mutation,
// published on the Change Bus after commit (§4.5, P5).
type ChangeRecord struct {
	Seq          uint64               `json:"seq"`
	Origin       Origin               `json:"origin"`
	OriginNode   string               `json:"origin_node_id"`
	Entity       ChangeEntity         `json:"entity"`
	Thread       *Thread              `json:"thread,omitempty"`
	Message      *Message             `json:"message,omitempty"`
	Reaction     *Reaction            `json:"reaction,omitempty"`
	CredLink     *CredentialLink      `json:"credential_link,omitempty"`
	Finalization *FinalizationPayload `json:"finalization,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// FinalizationPayload carries a FinalizationAnnounce wire payload (§4.4).
type FinalizationPayload struct {
	ProposalCID string    `json:"proposal_cid"`
	Approved    bool      `json:"approved"`
	EventTS     time.Time `json:"event_ts"`
}

// ---------- Runtime event schema (§4.3) ----------

type RuntimeEventType string

const (
	RuntimeEventProposalCreated   RuntimeEventType = "ProposalCreated"
	RuntimeEventProposalFinalized RuntimeEventType = "ProposalFinalized"
	RuntimeEventCredentialIssued  RuntimeEventType = "CredentialIssued"
)

// RuntimeEvent is the envelope pulled from GET /events?since=<ts>.
type RuntimeEvent struct {
	Type      RuntimeEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`

	ProposalCID    string     `json:"proposal_cid,omitempty"`
	Title          string     `json:"title,omitempty"`
	CreatedByDID   string     `json:"created_by_did,omitempty"`
	Approved       *bool      `json:"approved,omitempty"`
	CredentialCID  string     `json:"credential_cid,omitempty"`
	IssuerDID      string     `json:"issuer_did,omitempty"`
	SubjectDID     string     `json:"subject_did,omitempty"`
	CredentialType string     `json:"credential_type,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
}

// ---------- Federation wire protocol (§4.4) ----------

type WireType string

const (
	WireThreadAnnounce         WireType = "ThreadAnnounce"
	WireMessageAnnounce        WireType = "MessageAnnounce"
	WireReactionAnnounce       WireType = "ReactionAnnounce"
	WireCredentialLinkAnnounce WireType = "CredentialLinkAnnounce"
	WireFinalizationAnnounce   WireType = "FinalizationAnnounce"
)

// AnnounceMessage is the length-prefixed, self-describing record of §4.4,
// carried here as a JSON envelope (the transport framing is out of scope).
type AnnounceMessage struct {
	Type         WireType             `json:"type"`
	OriginNodeID string               `json:"origin_node_id"`
	Seq          uint64               `json:"seq"`
	Thread       *Thread              `json:"thread,omitempty"`
	Message      *Message             `json:"message,omitempty"`
	Reaction     *Reaction            `json:"reaction,omitempty"`
	CredLink     *CredentialLink      `json:"credential_link,omitempty"`
	Finalization *FinalizationPayload `json:"finalization,omitempty"`
}

// SyncRequest carries the requesting node's vector so the peer can reply
// with everything it originated since.
type SyncRequest struct {
	SinceVector map[string]uint64 `json:"since_vector"`
}

// SyncResponse batches announces in seq order for one origin.
type SyncResponse struct {
	Announces []AnnounceMessage `json:"announces"`
}
