package agoranet

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken("did:agora:alice", time.Hour)
	require.NoError(t, err)

	v := NewVerifier(AcceptAnySignature{})
	principal, failure := v.Verify(token)
	require.Nil(t, failure)
	assert.Equal(t, "did:agora:alice", principal.SubjectDID)
}

func TestIssueToken_RejectsMalformedDID(t *testing.T) {
	_, err := IssueToken("not-a-did", time.Hour)
	assert.Error(t, err)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	token, err := IssueToken("did:agora:bob", -time.Minute)
	require.NoError(t, err)

	v := NewVerifier(AcceptAnySignature{})
	_, failure := v.Verify(token)
	require.NotNil(t, failure)
	assert.Equal(t, KindUnauthenticatedExpired, failure.Kind)
}

func TestVerify_RejectsEmptyToken(t *testing.T) {
	v := NewVerifier(AcceptAnySignature{})
	_, failure := v.Verify("")
	require.NotNil(t, failure)
	assert.Equal(t, KindUnauthenticatedMalformed, failure.Kind)
}

func TestHMACSignatureVerifier(t *testing.T) {
	h := HMACSignatureVerifier{Secret: "shared-secret"}
	sig := computeHMACSHA256Hex([]byte("did:agora:carol"), "shared-secret")
	assert.NoError(t, h.Verify("did:agora:carol", sig))
	assert.Error(t, h.Verify("did:agora:carol", "wrong-signature"))
}

func TestAuthorize_DefaultDenyModeration(t *testing.T) {
	v := NewVerifier(AcceptAnySignature{})
	assert.Nil(t, v.Authorize("did:agora:alice", ActionPostMessage, ""))
	assert.NotNil(t, v.Authorize("did:agora:alice", ActionModerateContent, ""))
}

func TestRequireAuth_MissingHeaderIs401BeforeHandler(t *testing.T) {
	v := NewVerifier(AcceptAnySignature{})
	called := false
	handler := RequireAuth(v, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.False(t, called, "handler must not run without a valid bearer token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_ValidTokenReachesHandler(t *testing.T) {
	v := NewVerifier(AcceptAnySignature{})
	token, err := IssueToken("did:agora:dave", time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := RequireAuth(v, func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		gotSubject = p.SubjectDID
	})

	req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, "did:agora:dave", gotSubject)
	assert.Equal(t, http.StatusOK, rec.Code)
}
