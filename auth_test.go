package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	sm := newSessionManager("test-secret")

	token, err := sm.issue("u1")
	require.NoError(t, err)

	userID, err := sm.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestSessionVerifyRejectsBadTokens(t *testing.T) {
	sm := newSessionManager("test-secret")

	token, err := sm.issue("u1")
	require.NoError(t, err)

	_, err = sm.verify(token + "x")
	assert.Error(t, err, "tampered signature")

	_, err = sm.verify("not-a-token")
	assert.Error(t, err)

	other := newSessionManager("different-secret")
	_, err = other.verify(token)
	assert.Error(t, err, "token signed under another secret")
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.True(t, verifyPassword(hash, "hunter22"))
	assert.False(t, verifyPassword(hash, "hunter2"))
	assert.False(t, verifyPassword("", "hunter22"))
	assert.False(t, verifyPassword("not-a-hash", "hunter22"))
}

func newAuthServer(t *testing.T) *server {
	t.Helper()

	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "cubicle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &server{
		cfg:      &Config{},
		log:      zerolog.Nop(),
		users:    store,
		sessions: newSessionManager("test-secret"),
		baseCtx:  context.Background(),
	}
}

func postJSON(t *testing.T, handler httprouter.Handle, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	handler(rec, req, nil)
	return rec
}

func TestSignupAndLogin(t *testing.T) {
	srv := newAuthServer(t)

	rec := postJSON(t, srv.serveSignup(), credentialsRequest{Name: "ada", Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	var session sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "ada", session.User.Name)
	assert.NotEmpty(t, session.User.ID)
	assert.NotEmpty(t, session.Token)

	userID, err := srv.sessions.verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, userID)

	// The session cookie rides along for browser clients.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionCookieName, cookies[0].Name)

	rec = postJSON(t, srv.serveLogin(), credentialsRequest{Name: "ada", Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv.serveLogin(), credentialsRequest{Name: "ada", Password: "wrong-password"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, srv.serveLogin(), credentialsRequest{Name: "nobody", Password: "hunter22"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "unknown names answer like wrong passwords")
}

func TestSignupValidation(t *testing.T) {
	srv := newAuthServer(t)

	rec := postJSON(t, srv.serveSignup(), credentialsRequest{Name: "", Password: "hunter22"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.serveSignup(), credentialsRequest{Name: "ada", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignupDuplicateName(t *testing.T) {
	srv := newAuthServer(t)

	rec := postJSON(t, srv.serveSignup(), credentialsRequest{Name: "ada", Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv.serveSignup(), credentialsRequest{Name: "ada", Password: "different8"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Contains(t, msg.Message, "already taken")
}
