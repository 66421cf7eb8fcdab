package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authcore/internal/token"
)

func newTestMux(f *fixture) (*http.ServeMux, *Handler) {
	handler := NewHandler(f.service)
	handler.now = f.clock.Now
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux, handler
}

func do(t *testing.T, mux http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerSignUpAndSignIn(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(f)

	rec := do(t, mux, http.MethodPost, "/auth/signup",
		`{"username":"alice","email":"alice@example.com","password":"Wonder#land1","password_again":"Wonder#land1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "alice", decodeBody(t, rec)["username"])

	rec = do(t, mux, http.MethodPost, "/auth/signup",
		`{"username":"alice","email":"alice@example.com","password":"Wonder#land1","password_again":"Wonder#land1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "validation", body["code"])
	require.Contains(t, body["fields"], "username")

	rec = do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice@example.com","password":"Wonder#land1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var pair token.Pair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.Equal(t, "Bearer", pair.TokenType)

	rec = do(t, mux, http.MethodGet, "/auth/session", "", "Authorization", "Bearer "+pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", decodeBody(t, rec)["username"])
}

func TestHandlerSignInErrors(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(f)
	alice := f.register(t, "alice", "alice@example.com", alicePassword)

	rec := do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid_credentials", decodeBody(t, rec)["code"])

	rec = do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice","password":"x","extra":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 4; i++ {
		do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice","password":"nope"}`)
	}
	f.clock.Advance(time.Hour)
	rec = do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice","password":"Wonder#land1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "too_many_attempts", decodeBody(t, rec)["code"])
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Equal(t, int((23 * time.Hour).Seconds()), retryAfter)

	alice.Active = false
	require.NoError(t, f.store.UpdateAccount(t.Context(), alice))
	rec = do(t, mux, http.MethodPost, "/auth/signin", `{"login_id":"alice","password":"Wonder#land1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "account_disabled", decodeBody(t, rec)["code"])
}

func TestHandlerRefreshAndSignOut(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(f)
	f.register(t, "alice", "alice@example.com", alicePassword)

	pair, err := f.service.SignIn(t.Context(), "alice", alicePassword)
	require.NoError(t, err)

	rec := do(t, mux, http.MethodPost, "/auth/token/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated token.Pair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))

	rec = do(t, mux, http.MethodPost, "/auth/token/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_revoked", decodeBody(t, rec)["code"])

	rec = do(t, mux, http.MethodPost, "/auth/signout", `{"refresh_token":"`+rotated.RefreshToken+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, mux, http.MethodPost, "/auth/signout", `{"refresh_token":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "missing_token", decodeBody(t, rec)["code"])

	rec = do(t, mux, http.MethodPost, "/auth/signout", `{"refresh_token":"garbage"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_invalid", decodeBody(t, rec)["code"])
}

func TestSessionRequiresAccessToken(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(f)
	f.register(t, "alice", "alice@example.com", alicePassword)
	pair, err := f.service.SignIn(t.Context(), "alice", alicePassword)
	require.NoError(t, err)

	rec := do(t, mux, http.MethodGet, "/auth/session", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing_token", decodeBody(t, rec)["code"])

	rec = do(t, mux, http.MethodGet, "/auth/session", "", "Authorization", "Token abc")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, mux, http.MethodGet, "/auth/session", "", "Authorization", "Bearer "+pair.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_invalid", decodeBody(t, rec)["code"])

	f.clock.Advance(time.Hour)
	rec = do(t, mux, http.MethodGet, "/auth/session", "", "Authorization", "Bearer "+pair.AccessToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_expired", decodeBody(t, rec)["code"])
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	require.Equal(t, 1, retryAfterSeconds(now.Add(-time.Minute), now))
	require.Equal(t, 2, retryAfterSeconds(now.Add(1500*time.Millisecond), now))
	require.Equal(t, 60, retryAfterSeconds(now.Add(time.Minute), now))
}
