// runtime_consumer.go
package agoranet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPRuntimeTransport pulls events from a Runtime node's GET /events?since=
// endpoint, HMAC-signing the request the same way the teacher's cluster
// client signs its /cluster/* polls.
type HTTPRuntimeTransport struct {
	BaseURL string
	Secret  string
	Client  *http.Client
}

func NewHTTPRuntimeTransport(baseURL, secret string) *HTTPRuntimeTransport {
	client := &http.Client{
		Timeout:   15 * time.Second,
		Transport: &http.Transport{DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext},
	}
	return &HTTPRuntimeTransport{BaseURL: ensureHTTP(baseURL), Secret: secret, Client: client}
}

func (t *HTTPRuntimeTransport) FetchEvents(since time.Time) ([]RuntimeEvent, error) {
	url := t.BaseURL + "/events"
	if !since.IsZero() {
		url += "?since=" + since.UTC().Format(time.RFC3339Nano)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if t.Secret != "" {
		req.Header.Set("X-Federation-Signature", computeHMACSHA256Hex(nil, t.Secret))
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, ErrTransient("runtime transport request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrTransient(fmt.Sprintf("runtime transport bad status %d", resp.StatusCode), nil)
	}
	var events []RuntimeEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, ErrInvalidReply("runtime transport returned unparseable body")
	}
	return events, nil
}

func (t *HTTPRuntimeTransport) Health() error {
	resp, err := t.Client.Get(t.BaseURL + "/health")
	if err != nil {
		return ErrTransient("runtime health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrTransient(fmt.Sprintf("runtime health check status %d", resp.StatusCode), nil)
	}
	return nil
}

// RuntimeConsumer implements C3: a single background poll loop that pulls
// Runtime events, projects each one idempotently through the Store, and
// persists a cursor so a restart resumes rather than replaying everything.
type RuntimeConsumer struct {
	transport RuntimeTransport
	cursor    CursorStore
	store     Store

	pollInterval time.Duration
	deferTTL     time.Duration

	deferred map[string]deferredEvent
}

type deferredEvent struct {
	event    RuntimeEvent
	firstSeen time.Time
}

func NewRuntimeConsumer(transport RuntimeTransport, cursor CursorStore, store Store, pollInterval, deferTTL time.Duration) *RuntimeConsumer {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if deferTTL <= 0 {
		deferTTL = 60 * time.Second
	}
	return &RuntimeConsumer{
		transport: transport, cursor: cursor, store: store,
		pollInterval: pollInterval, deferTTL: deferTTL,
		deferred: make(map[string]deferredEvent),
	}
}

// Run blocks, polling until ctx is cancelled. Call it from a goroutine.
func (c *RuntimeConsumer) Run(ctx context.Context) {
	var backoff time.Duration
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				backoff = jittered(backoff, time.Second, 60*time.Second)
				Logger().Warn("runtime_consumer_poll_failed", "err", err, "backoff", backoff)
				RecordAudit(ctx, AuditLevelWarn, "runtime_consumer", "poll_failed", err.Error(), nil)
				time.Sleep(backoff)
				continue
			}
			backoff = 0
		}
	}
}

func (c *RuntimeConsumer) poll(ctx context.Context) error {
	cursor, err := c.cursor.LoadCursor()
	if err != nil {
		return ErrTransient("load cursor", err)
	}

	events, err := c.transport.FetchEvents(cursor.LastEventTimestamp)
	if err != nil {
		return err
	}

	var maxTS time.Time
	var maxFingerprint string
	batchHadDeferral := false
	for _, ev := range events {
		fp := fingerprint(ev)
		if ev.Timestamp.Equal(cursor.LastEventTimestamp) && fp == cursor.LastEventFingerprint {
			continue // the boundary event itself, already applied
		}
		if err := c.apply(ev, fp); err != nil {
			if AsFailure(err).Kind == KindConflict {
				// referential invariant not yet satisfied locally (e.g. a
				// ProposalFinalized arriving before its ProposalCreated
				// finished federating in) — defer and retry until deferTTL.
				c.deferUnlessExpired(fp, ev)
				batchHadDeferral = true
				continue
			}
			return err
		}
		delete(c.deferred, fp)
		if ev.Timestamp.After(maxTS) {
			maxTS, maxFingerprint = ev.Timestamp, fp
		}
	}
	c.retryDeferred()

	// §4.3: the cursor only advances once every event in the batch has been
	// successfully projected. If this batch (or an earlier one) left an
	// event deferred, the cursor must stay put — advancing to this batch's
	// max timestamp would make FetchEvents skip the deferred event on the
	// next poll, and a restart before it resolves would lose it outright,
	// since the in-memory deferred set doesn't survive a process restart.
	if batchHadDeferral || len(c.deferred) > 0 {
		return nil
	}

	if !maxTS.IsZero() {
		if err := c.cursor.SaveCursor(RuntimeCursor{LastEventTimestamp: maxTS, LastEventFingerprint: maxFingerprint}); err != nil {
			return ErrTransient("save cursor", err)
		}
	}
	return nil
}

func (c *RuntimeConsumer) deferUnlessExpired(fp string, ev RuntimeEvent) {
	d, ok := c.deferred[fp]
	if !ok {
		c.deferred[fp] = deferredEvent{event: ev, firstSeen: time.Now()}
		return
	}
	if time.Since(d.firstSeen) > c.deferTTL {
		Logger().Error("runtime_event_deferred_expired", "fingerprint", fp, "type", ev.Type)
		delete(c.deferred, fp)
	}
}

func (c *RuntimeConsumer) retryDeferred() {
	for fp, d := range c.deferred {
		if err := c.apply(d.event, fp); err == nil {
			delete(c.deferred, fp)
		}
	}
}

func (c *RuntimeConsumer) apply(ev RuntimeEvent, fp string) error {
	switch ev.Type {
	case RuntimeEventProposalCreated:
		_, _, err := c.store.UpsertRuntimeThread(ev.ProposalCID, ev.Title, ev.CreatedByDID, ev.Timestamp)
		return err

	case RuntimeEventProposalFinalized:
		if ev.Approved == nil {
			return ErrInvalidReply("ProposalFinalized event missing approved")
		}
		_, err := c.store.ApplyFinalization(ev.ProposalCID, *ev.Approved, ev.Timestamp)
		if err != nil && AsFailure(err).Kind == KindNotFound {
			return ErrConflict("finalization arrived before its proposal")
		}
		return err

	case RuntimeEventCredentialIssued:
		_, err := c.store.RecordVerifiedCredential(ev.CredentialCID, ev.SubjectDID, ev.IssuerDID, ev.CredentialType, ev.ValidUntil, ev.Timestamp)
		return err

	default:
		Logger().Warn("runtime_event_unknown_type", "type", ev.Type)
		return nil
	}
}

// fingerprint derives a stable identity for an event so the cursor's
// "last applied" boundary can distinguish same-timestamp events (§4.3:
// timestamps alone are not unique enough to dedupe the boundary event).
func fingerprint(ev RuntimeEvent) string {
	data, _ := json.Marshal(ev)
	sum := sha256.Sum256(bytes.TrimSpace(data))
	return hex.EncodeToString(sum[:])
}
