// http.go
package agoranet

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// API is the HTTP adapter over Store: thin translation from requests to
// Store calls and Failure kinds to status codes (§6, §7).
type API struct {
	router   *mux.Router
	store    Store
	verifier *Verifier
	logger   *slog.Logger
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (a *API) requestIDMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, reqID := WithRequestID(r.Context())
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *API) loggingMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			a.logger.Info("http_request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(), "request_id", RequestIDFromContext(r.Context()))
		})
	}
}

// NewAPI builds the router described in §6. Further routes (federation
// RPC, the websocket upgrade) are registered by callers through Mux.
func NewAPI(store Store, verifier *Verifier) *API {
	r := mux.NewRouter()
	api := &API{router: r, store: store, verifier: verifier, logger: Logger()}

	r.Use(api.requestIDMiddleware())
	r.Use(api.loggingMiddleware())

	r.HandleFunc("/health", api.handleHealth()).Methods(http.MethodGet)

	r.HandleFunc("/api/threads", api.handleListThreads()).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{id}", api.handleGetThread()).Methods(http.MethodGet)
	r.HandleFunc("/api/threads", RequireAuth(verifier, api.handleCreateThread())).Methods(http.MethodPost)
	r.HandleFunc("/api/threads/{id}/messages", api.handleListMessages()).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{id}/messages", RequireAuth(verifier, api.handlePostMessage())).Methods(http.MethodPost)
	r.HandleFunc("/api/threads/{id}/messages/{mid}", RequireAuth(verifier, api.handleDeleteMessage())).Methods(http.MethodDelete)
	r.HandleFunc("/api/messages/{mid}/reactions", api.handleListReactions()).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{mid}/reactions", RequireAuth(verifier, api.handleAddReaction())).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{mid}/reactions/{type}", RequireAuth(verifier, api.handleRemoveReaction())).Methods(http.MethodDelete)
	r.HandleFunc("/api/threads/credential-links", api.handleListAllCredentialLinks()).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{id}/credential-links", api.handleListCredentialLinks()).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/credential-link", RequireAuth(verifier, api.handleLinkCredential())).Methods(http.MethodPost)

	// Supplemented read surface (§3.6): verified-credential lookup and the
	// audit trail, both absent from spec.md's route table but needed by
	// any operator console built against this service.
	r.HandleFunc("/api/credentials/{cid}", api.handleGetVerifiedCredential()).Methods(http.MethodGet)
	r.HandleFunc("/api/audit", RequireAuth(verifier, api.handleListAudit())).Methods(http.MethodGet)

	return api
}

// Router returns the handler to pass to http.Server.
func (a *API) Router() http.Handler { return a.router }

// Mux exposes the underlying *mux.Router so callers can register
// additional routes (federation RPC, websocket upgrade) alongside the
// public API surface.
func (a *API) Mux() *mux.Router { return a.router }

func (a *API) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

// writeFailure maps a *Failure to the status codes of §6/§7.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := AsFailure(err)
	switch f.Kind {
	case KindUnauthenticatedMalformed, KindUnauthenticatedExpired, KindUnauthenticatedBadSignature:
		writeAuthError(w)
	case KindForbidden:
		http.Error(w, f.Error(), http.StatusForbidden)
	case KindNotFound:
		http.Error(w, f.Error(), http.StatusNotFound)
	case KindInvalidInput, KindInvalidReply:
		http.Error(w, f.Error(), http.StatusBadRequest)
	case KindConflict:
		http.Error(w, f.Error(), http.StatusConflict)
	default:
		Logger().Error("http_internal_error", "err", f.Error(), "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = envInt(r.URL.Query().Get("limit"), 0)
	offset = envInt(r.URL.Query().Get("offset"), 0)
	return
}

// ---------------- threads ----------------

func (a *API) handleListThreads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		threads, err := a.store.ListThreads(limit, offset, r.URL.Query().Get("order_by"), r.URL.Query().Get("search"))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, threads)
	}
}

func (a *API) handleGetThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := a.store.GetThread(mux.Vars(r)["id"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, t)
	}
}

func (a *API) handleCreateThread() http.HandlerFunc {
	type req struct {
		Title       string `json:"title"`
		ProposalCID string `json:"proposal_cid"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		if f := a.verifier.Authorize(principal.SubjectDID, ActionCreateThread, ""); f != nil {
			writeFailure(w, r, f)
			return
		}
		t, err := a.store.CreateThread(body.Title, body.ProposalCID, principal.SubjectDID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		a.recordAudit(r.Context(), "thread", "create", principal.SubjectDID, map[string]any{"thread_id": t.ID})
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, t)
	}
}

// ---------------- messages ----------------

func (a *API) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		msgs, err := a.store.ListMessages(mux.Vars(r)["id"], limit, offset)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, msgs)
	}
}

func (a *API) handlePostMessage() http.HandlerFunc {
	type req struct {
		Content string `json:"content"`
		ReplyTo string `json:"reply_to"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		if f := a.verifier.Authorize(principal.SubjectDID, ActionPostMessage, ""); f != nil {
			writeFailure(w, r, f)
			return
		}
		m, err := a.store.PostMessage(mux.Vars(r)["id"], principal.SubjectDID, body.Content, body.ReplyTo)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, m)
	}
}

func (a *API) handleDeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		vars := mux.Vars(r)
		moderator := a.verifier.Authorize(principal.SubjectDID, ActionModerateContent, "") == nil
		if err := a.store.DeleteMessage(vars["id"], vars["mid"], principal.SubjectDID, moderator); err != nil {
			writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---------------- reactions ----------------

func (a *API) handleListReactions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reactions, err := a.store.ListReactions(mux.Vars(r)["mid"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, reactions)
	}
}

func (a *API) handleAddReaction() http.HandlerFunc {
	type req struct {
		ReactionType string `json:"reaction_type"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		if f := a.verifier.Authorize(principal.SubjectDID, ActionReactToMessage, ""); f != nil {
			writeFailure(w, r, f)
			return
		}
		reaction, err := a.store.AddReaction(mux.Vars(r)["mid"], principal.SubjectDID, body.ReactionType)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, reaction)
	}
}

func (a *API) handleRemoveReaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		vars := mux.Vars(r)
		if err := a.store.RemoveReaction(vars["mid"], principal.SubjectDID, vars["type"]); err != nil {
			writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---------------- credential links ----------------

func (a *API) handleListAllCredentialLinks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := a.store.ListThreads(1000, 0, "", "")
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		var out []CredentialLink
		for _, t := range threads {
			links, err := a.store.ListCredentialLinks(t.ID)
			if err != nil {
				writeFailure(w, r, err)
				return
			}
			out = append(out, links...)
		}
		writeJSON(w, out)
	}
}

func (a *API) handleListCredentialLinks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		links, err := a.store.ListCredentialLinks(mux.Vars(r)["id"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, links)
	}
}

func (a *API) handleLinkCredential() http.HandlerFunc {
	type req struct {
		ThreadID      string `json:"thread_id"`
		CredentialCID string `json:"credential_cid"`
		SignerDID     string `json:"signer_did"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		principal, _ := PrincipalFromContext(r.Context())
		if f := a.verifier.Authorize(principal.SubjectDID, ActionLinkCredential, ""); f != nil {
			writeFailure(w, r, f)
			return
		}
		linkedBy := body.SignerDID
		if linkedBy == "" {
			linkedBy = principal.SubjectDID
		}
		link, err := a.store.LinkCredential(body.ThreadID, body.CredentialCID, linkedBy)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, link)
	}
}

// ---------------- supplemented reads ----------------

func (a *API) handleGetVerifiedCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vc, err := a.store.GetVerifiedCredential(mux.Vars(r)["cid"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, vc)
	}
}

func (a *API) handleListAudit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		if f := a.verifier.Authorize(principal.SubjectDID, ActionModerateContent, ""); f != nil {
			writeFailure(w, r, f)
			return
		}
		repo, ok := a.store.(AuditRepository)
		if !ok {
			http.Error(w, "audit trail not available", http.StatusNotImplemented)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		logs, err := repo.ListAuditLogs(AuditFilter{
			Component: r.URL.Query().Get("component"),
			Action:    r.URL.Query().Get("action"),
			Level:     r.URL.Query().Get("level"),
			Limit:     limit,
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, logs)
	}
}

func (a *API) recordAudit(ctx context.Context, component, action, actorDID string, fields map[string]any) {
	RecordAudit(ctx, AuditLevelInfo, component, action, "", fields)
}
