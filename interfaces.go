// interfaces.go
package agoranet

import "time"

// ThreadStore is the C2 contract over threads. Every mutation is atomic
// w.r.t. I1-I6 and emits a ChangeRecord on the bus after commit, except
// for no-op idempotent hits (§4.2).
type ThreadStore interface {
	CreateThread(title, proposalCID, creatorDID string) (*Thread, error)
	UpsertRuntimeThread(proposalCID, title, createdByDID string, eventTS time.Time) (*Thread, bool, error)
	ApplyFinalization(proposalCID string, approved bool, eventTS time.Time) (*Thread, error)
	GetThread(id string) (*Thread, error)
	ListThreads(limit, offset int, orderBy, search string) ([]Thread, error)
}

// MessageStore is the C2 contract over messages and reactions.
type MessageStore interface {
	PostMessage(threadID, authorDID, content, replyTo string) (*Message, error)
	PostSystemMessage(threadID, content, dedupKey string) (*Message, bool, error)
	DeleteMessage(threadID, messageID, callerDID string, moderator bool) error
	GetMessage(threadID, messageID string) (*Message, error)
	ListMessages(threadID string, limit, offset int) ([]Message, error)

	AddReaction(messageID, authorDID, reactionType string) (*Reaction, error)
	RemoveReaction(messageID, authorDID, reactionType string) error
	ListReactions(messageID string) ([]Reaction, error)
}

// CredentialStore is the C2 contract over credential links and verified
// credentials.
type CredentialStore interface {
	LinkCredential(threadID, credentialCID, linkedByDID string) (*CredentialLink, error)
	ListCredentialLinks(threadID string) ([]CredentialLink, error)
	RecordVerifiedCredential(credentialCID, subjectDID, issuerDID, credentialType string, validUntil *time.Time, eventTS time.Time) (*VerifiedCredential, error)
	GetVerifiedCredential(credentialCID string) (*VerifiedCredential, error)
}

// FederationApplier is the idempotent apply path §4.4 step 3 calls back
// into C2 through.
type FederationApplier interface {
	ApplyRemoteChange(change AnnounceMessage) (applied bool, err error)
}

// Store is the full Deliberation Store surface (§4.2).
type Store interface {
	ThreadStore
	MessageStore
	CredentialStore
	FederationApplier
}

// AuditRepository persists the ambient audit trail.
type AuditRepository interface {
	AppendAudit(entry *AuditLog) error
	ListAuditLogs(filter AuditFilter) ([]AuditLog, error)
}

// ChangeBus is the C5 contract: single-writer publish, multiple bounded
// subscribers.
type ChangeBus interface {
	Publish(rec ChangeRecord)
	Subscribe(label string) (<-chan ChangeRecord, func())
}

// SignatureVerifier is the pluggable proof check of §4.1. The default
// implementation accepts any non-empty signature; it MUST be replaceable
// without touching C2-C4.
type SignatureVerifier interface {
	Verify(subjectDID, signature string) error
}

// RuntimeTransport is what C3 pulls events through (§4.3, §6).
type RuntimeTransport interface {
	FetchEvents(since time.Time) ([]RuntimeEvent, error)
	Health() error
}

// CursorStore persists C3's high-water mark across restarts.
type CursorStore interface {
	LoadCursor() (RuntimeCursor, error)
	SaveCursor(cursor RuntimeCursor) error
}

// FederationPeerStore tracks the bootstrap/discovered peer address book
// and the per-origin vector (§4.4, §6).
type FederationPeerStore interface {
	UpsertPeer(peer FederationPeer) error
	ListPeers() ([]FederationPeer, error)
	RemovePeer(nodeID string) error

	VectorGet(originNodeID string) (uint64, error)
	VectorSet(originNodeID string, seq uint64) error
	VectorSnapshot() (map[string]uint64, error)
}

// ChangeLog stores local Change Records durably enough to answer a peer's
// SyncRequest catch-up query (§4.4 "Reconnect / catch-up").
type ChangeLog interface {
	AppendLocal(rec ChangeRecord) error
	ListLocalSince(seq uint64) ([]ChangeRecord, error)
	NextLocalSeq() (uint64, error)
}
