package agoranet

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *Storage) {
	t.Helper()
	s, _ := newTestStorage(t)
	v := NewVerifier(AcceptAnySignature{})
	return NewAPI(s, v), s
}

func authHeader(t *testing.T, subject string) string {
	t.Helper()
	token, err := IssueToken(subject, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHandleCreateThread_RequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	body, _ := json.Marshal(map[string]string{"title": "No auth here"})
	req := httptest.NewRequest(http.MethodPost, "/api/threads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreateThread_AuthenticatedSucceeds(t *testing.T) {
	api, _ := newTestAPI(t)
	body, _ := json.Marshal(map[string]string{"title": "Community garden proposal"})
	req := httptest.NewRequest(http.MethodPost, "/api/threads", bytes.NewReader(body))
	req.Header.Set("Authorization", authHeader(t, "did:agora:alice"))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var th Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &th))
	assert.Equal(t, "Community garden proposal", th.Title)
}

func TestHandleListThreads_PublicNoAuthRequired(t *testing.T) {
	api, store := newTestAPI(t)
	_, err := store.CreateThread("Seeded thread", "", "did:agora:alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var threads []Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &threads))
	require.Len(t, threads, 1)
}

func TestHandleGetThread_404ForMissing(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/threads/does-not-exist", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePostMessage_ThenListMessages(t *testing.T) {
	api, store := newTestAPI(t)
	th, err := store.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"content": "first!"})
	req := httptest.NewRequest(http.MethodPost, "/api/threads/"+th.ID+"/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", authHeader(t, "did:agora:alice"))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/threads/"+th.ID+"/messages", nil)
	rec2 := httptest.NewRecorder()
	api.Router().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var msgs []Message
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "first!", msgs[0].Content)
}

func TestHandleDeleteMessage_ForbiddenForNonAuthor(t *testing.T) {
	api, store := newTestAPI(t)
	th, err := store.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	msg, err := store.PostMessage(th.ID, "did:agora:alice", "mine", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/threads/"+th.ID+"/messages/"+msg.ID, nil)
	req.Header.Set("Authorization", authHeader(t, "did:agora:mallory"))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleAddAndListReactions(t *testing.T) {
	api, store := newTestAPI(t)
	th, err := store.CreateThread("Thread", "", "did:agora:alice")
	require.NoError(t, err)
	msg, err := store.PostMessage(th.ID, "did:agora:alice", "hi", "")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"reaction_type": "support"})
	req := httptest.NewRequest(http.MethodPost, "/api/messages/"+msg.ID+"/reactions", bytes.NewReader(body))
	req.Header.Set("Authorization", authHeader(t, "did:agora:bob"))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/messages/"+msg.ID+"/reactions", nil)
	rec2 := httptest.NewRecorder()
	api.Router().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var reactions []Reaction
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &reactions))
	require.Len(t, reactions, 1)
	assert.Equal(t, "support", reactions[0].ReactionType)
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
