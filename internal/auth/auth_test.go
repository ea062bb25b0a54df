package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeIdP is a stand-in for the Smaregi identity provider. The token
// endpoint records the last form it received.
type fakeIdP struct {
	srv          *httptest.Server
	lastForm     url.Values
	tokenStatus  int
	tokenBody    string
	userinfoBody string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	idp := &fakeIdP{
		tokenStatus:  http.StatusOK,
		tokenBody:    `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600,"scope":"openid"}`,
		userinfoBody: `{"contract_id":"contract-001"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.lastForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(idp.tokenStatus)
		_, _ = w.Write([]byte(idp.tokenBody))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(idp.userinfoBody))
	})

	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)

	return idp
}

func (f *fakeIdP) flow() *Flow {
	return NewFlow(FlowConfig{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      f.srv.URL + "/authorize",
		TokenURL:     f.srv.URL + "/token",
		UserinfoURL:  f.srv.URL + "/userinfo",
		RedirectURI:  "https://mcp.example.com/oauth/callback",
		Scopes:       []string{"openid", "pos.products:read"},
		Logger:       discardLogger(),
	})
}

// --- PKCE ---

func TestNewVerifier(t *testing.T) {
	v := NewVerifier()
	assert.Len(t, v, 43)
	assert.NotEqual(t, v, NewVerifier())
}

func TestChallenge_RFC7636Vector(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", Challenge(verifier))
}

func TestVerifyPKCE(t *testing.T) {
	v := NewVerifier()
	assert.True(t, VerifyPKCE(v, Challenge(v)))
	assert.False(t, VerifyPKCE(v, Challenge("other")))
}

// --- Flow ---

func TestNewSession(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()

	now := time.Now().UTC().Truncate(time.Second)
	sess := flow.NewSession(nil, now)

	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.State)
	assert.Equal(t, []string{"openid", "pos.products:read"}, sess.Scopes)
	assert.Equal(t, "https://mcp.example.com/oauth/callback", sess.RedirectURI)
	assert.True(t, VerifyPKCE(sess.Verifier, sess.Challenge))
}

func TestAuthorizationURL(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()
	sess := flow.NewSession([]string{"openid"}, time.Now())

	u, err := url.Parse(flow.AuthorizationURL(sess))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, sess.State, q.Get("state"))
	assert.Equal(t, sess.Challenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "https://mcp.example.com/oauth/callback", q.Get("redirect_uri"))
}

func TestExchange(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()

	rec, err := flow.Exchange(t.Context(), "code-1", "verifier-1")
	require.NoError(t, err)

	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.Equal(t, "openid", rec.Scope)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, 5*time.Second)

	assert.Equal(t, "authorization_code", idp.lastForm.Get("grant_type"))
	assert.Equal(t, "code-1", idp.lastForm.Get("code"))
	assert.Equal(t, "verifier-1", idp.lastForm.Get("code_verifier"))
	assert.Equal(t, "client-1", idp.lastForm.Get("client_id"))
	assert.Equal(t, "secret-1", idp.lastForm.Get("client_secret"))
}

func TestExchange_UpstreamRejection(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest
	idp.tokenBody = `{"error":"invalid_grant"}`

	_, err := idp.flow().Exchange(t.Context(), "bad-code", "verifier-1")
	require.Error(t, err)

	ue, ok := apperrors.IsUpstream(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
}

func TestExchange_TransportFailureIsTransient(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()
	idp.srv.Close()

	_, err := flow.Exchange(t.Context(), "code-1", "verifier-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestRefresh_PreservesIdentityFields(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenBody = `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`

	created := time.Now().Add(-2 * time.Hour)
	old := &models.AccessTokenRecord{
		SessionID:    "sess-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ContractID:   "contract-001",
		CreatedAt:    created,
	}

	fresh, err := idp.flow().Refresh(t.Context(), old)
	require.NoError(t, err)

	assert.Equal(t, "at-2", fresh.AccessToken)
	// Provider omitted refresh_token, so the old one carries over.
	assert.Equal(t, "rt-1", fresh.RefreshToken)
	assert.Equal(t, "sess-1", fresh.SessionID)
	assert.Equal(t, "contract-001", fresh.ContractID)
	assert.Equal(t, created, fresh.CreatedAt)

	assert.Equal(t, "refresh_token", idp.lastForm.Get("grant_type"))
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	idp := newFakeIdP(t)

	_, err := idp.flow().Refresh(t.Context(), &models.AccessTokenRecord{})
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestContractID(t *testing.T) {
	idp := newFakeIdP(t)

	id, err := idp.flow().ContractID(t.Context(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "contract-001", id)
}

func TestContractID_NestedShape(t *testing.T) {
	idp := newFakeIdP(t)
	idp.userinfoBody = `{"contract":{"id":"contract-002"}}`

	id, err := idp.flow().ContractID(t.Context(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "contract-002", id)
}

func TestContractID_Missing(t *testing.T) {
	idp := newFakeIdP(t)
	idp.userinfoBody = `{"sub":"user-1"}`

	_, err := idp.flow().ContractID(t.Context(), "at-1")
	assert.ErrorIs(t, err, apperrors.ErrContractIDMissing)
}

// --- HandleAuthorize ---

func authorizeQuery() url.Values {
	q := url.Values{}
	q.Set("client_id", "mcp-client")
	q.Set("redirect_uri", "https://client.example.com/cb")
	q.Set("response_type", "code")
	q.Set("state", "client-state-1")
	q.Set("code_challenge", Challenge("client-verifier"))
	q.Set("code_challenge_method", "S256")
	q.Set("scope", "openid pos.products:read")
	return q
}

func TestHandleAuthorize_RedirectsWithProxySession(t *testing.T) {
	idp := newFakeIdP(t)
	st := testState(t)
	h := HandleAuthorize(idp.flow(), st, NewRegistry(), discardLogger())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+authorizeQuery().Encode(), nil))

	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)

	q := loc.Query()
	assert.Equal(t, Challenge("client-verifier"), q.Get("code_challenge"), "client challenge passes through unchanged")

	sess, err := st.SessionByState(q.Get("state"))
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "mcp-client", sess.ClientID)
	assert.Equal(t, "client-state-1", sess.ClientState)
	assert.Equal(t, "https://client.example.com/cb", sess.RedirectURI)
	assert.Empty(t, sess.Verifier, "proxy sessions never hold a verifier")
}

func TestHandleAuthorize_MissingClientID(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleAuthorize(idp.flow(), testState(t), NewRegistry(), discardLogger())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/authorize?redirect_uri=https://client.example.com/cb", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAuthorize_UnregisteredRedirect(t *testing.T) {
	idp := newFakeIdP(t)
	reg := NewRegistry()
	reg.Register(&ClientInfo{ClientID: "mcp-client", RedirectURIs: []string{"https://other.example.com/cb"}})

	h := HandleAuthorize(idp.flow(), testState(t), reg, discardLogger())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+authorizeQuery().Encode(), nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAuthorize_MissingChallengeRedirectsError(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleAuthorize(idp.flow(), testState(t), NewRegistry(), discardLogger())

	q := authorizeQuery()
	q.Del("code_challenge")

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", loc.Host)
	assert.Equal(t, "invalid_request", loc.Query().Get("error"))
	assert.Equal(t, "client-state-1", loc.Query().Get("state"))
}

// --- HandleCallback ---

func TestHandleCallback_UnknownState(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleCallback(idp.flow(), testState(t), discardLogger())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state=nope&code=abc", nil))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid state parameter")
}

func TestHandleCallback_ProxySessionBouncesCode(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()
	st := testState(t)

	sess := flow.ProxySession("mcp-client", "https://client.example.com/cb", Challenge("client-verifier"), "client-state-1", nil, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, st.PutSession(sess))

	h := HandleCallback(flow, st, discardLogger())
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+sess.State+"&code=code-1", nil))

	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", loc.Host)
	assert.Equal(t, "code-1", loc.Query().Get("code"))
	assert.Equal(t, "client-state-1", loc.Query().Get("state"))

	stored, err := st.Session(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Authenticated)
}

func TestHandleCallback_ToolSessionExchangesServerSide(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()
	st := testState(t)

	sess := flow.NewSession(nil, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, st.PutSession(sess))

	h := HandleCallback(flow, st, discardLogger())
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+sess.State+"&code=code-1", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "authenticated", body["status"])
	assert.Equal(t, sess.ID, body["session_id"])

	assert.Equal(t, sess.Verifier, idp.lastForm.Get("code_verifier"))

	rec, err := st.Token(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "contract-001", rec.ContractID)
}

func TestHandleCallback_ToolSessionVerifierMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	flow := idp.flow()
	st := testState(t)

	sess := flow.NewSession(nil, time.Now().UTC().Truncate(time.Second))
	sess.Challenge = Challenge("some-other-verifier")
	require.NoError(t, st.PutSession(sess))

	h := HandleCallback(flow, st, discardLogger())
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+sess.State+"&code=code-1", nil))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "verifier does not match")

	// No exchange reaches the provider for a corrupted session.
	rec, err := st.Token(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHandleCallback_ProviderError(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleCallback(idp.flow(), testState(t), discardLogger())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&error_description=denied", nil))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "access_denied")
}

// --- HandleToken ---

func postToken(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandleToken_CodeGrant(t *testing.T) {
	idp := newFakeIdP(t)
	st := testState(t)
	h := HandleToken(idp.flow(), st, discardLogger())

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "code-1")
	form.Set("code_verifier", "client-verifier")

	w := postToken(h, form)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "at-1", resp.AccessToken)
	assert.Equal(t, "rt-1", resp.RefreshToken)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)

	// The client's verifier is forwarded upstream untouched.
	assert.Equal(t, "client-verifier", idp.lastForm.Get("code_verifier"))

	rec, err := st.TokenByAccessToken("at-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "contract-001", rec.ContractID)
	assert.NotEmpty(t, rec.SessionID)
}

func TestHandleToken_CodeGrantJSONBody(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleToken(idp.flow(), testState(t), discardLogger())

	body := `{"grant_type":"authorization_code","code":"code-1","code_verifier":"client-verifier"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleToken_InvalidCode(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest
	idp.tokenBody = `{"error":"invalid_grant"}`

	h := HandleToken(idp.flow(), testState(t), discardLogger())

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "bad-code")
	form.Set("code_verifier", "client-verifier")

	w := postToken(h, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
	assert.Contains(t, w.Body.String(), "Invalid authorization code")
}

func TestHandleToken_ContractIDMissing(t *testing.T) {
	idp := newFakeIdP(t)
	idp.userinfoBody = `{"sub":"user-1"}`

	h := HandleToken(idp.flow(), testState(t), discardLogger())

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "code-1")
	form.Set("code_verifier", "client-verifier")

	w := postToken(h, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Contract ID not available for this token")
}

func TestHandleToken_MissingVerifier(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleToken(idp.flow(), testState(t), discardLogger())

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "code-1")

	w := postToken(h, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "code_verifier is required")
}

func TestHandleToken_RefreshGrantKeepsSession(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenBody = `{"access_token":"at-2","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600}`
	st := testState(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutToken(models.AccessTokenRecord{
		SessionID:    "sess-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ContractID:   "contract-001",
		CreatedAt:    now,
		UpdatedAt:    now,
	}))

	h := HandleToken(idp.flow(), st, discardLogger())

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", "rt-1")

	w := postToken(h, form)
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := st.Token("sess-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-2", rec.AccessToken)
	assert.Equal(t, "contract-001", rec.ContractID)
}

func TestHandleToken_UnsupportedGrant(t *testing.T) {
	idp := newFakeIdP(t)
	h := HandleToken(idp.flow(), testState(t), discardLogger())

	form := url.Values{}
	form.Set("grant_type", "password")

	w := postToken(h, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_grant_type")
}

// --- HandleRevoke ---

func TestHandleRevoke(t *testing.T) {
	st := testState(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutToken(models.AccessTokenRecord{
		SessionID:   "sess-1",
		AccessToken: "at-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	h := HandleRevoke(st, discardLogger())

	form := url.Values{}
	form.Set("token", "at-1")

	w := postToken(http.HandlerFunc(h), form)
	assert.Equal(t, http.StatusOK, w.Code)

	rec, err := st.Token("sess-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Revoking an unknown token also succeeds (RFC 7009).
	form.Set("token", "at-unknown")
	w = postToken(http.HandlerFunc(h), form)
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Middleware ---

func wrapMiddleware(st *state.State, serverURL string) (http.Handler, *models.AccessTokenRecord) {
	captured := &models.AccessTokenRecord{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec := RequestToken(r.Context()); rec != nil {
			*captured = *rec
		}
		w.WriteHeader(http.StatusOK)
	})

	return Middleware(st, discardLogger(), serverURL)(next), captured
}

func TestMiddleware_MissingToken(t *testing.T) {
	h, _ := wrapMiddleware(testState(t), "https://mcp.example.com")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	hdr := w.Header().Get("WWW-Authenticate")
	assert.Contains(t, hdr, `error="invalid_request"`)
	assert.Contains(t, hdr, "https://mcp.example.com/.well-known/oauth-protected-resource")
}

func TestMiddleware_BadTokenFormat(t *testing.T) {
	h, _ := wrapMiddleware(testState(t), "https://mcp.example.com")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Use Bearer <token>")
}

func TestMiddleware_UnknownToken(t *testing.T) {
	h, _ := wrapMiddleware(testState(t), "https://mcp.example.com")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer nope")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	st := testState(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutToken(models.AccessTokenRecord{
		SessionID:   "sess-1",
		AccessToken: "at-1",
		ContractID:  "contract-001",
		ExpiresAt:   now.Add(-time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	h, _ := wrapMiddleware(st, "https://mcp.example.com")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer at-1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid or expired")
}

func TestMiddleware_MissingContractID(t *testing.T) {
	st := testState(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutToken(models.AccessTokenRecord{
		SessionID:   "sess-1",
		AccessToken: "at-1",
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	h, _ := wrapMiddleware(st, "https://mcp.example.com")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer at-1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Contract ID is missing")
}

func TestMiddleware_ValidToken(t *testing.T) {
	st := testState(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutToken(models.AccessTokenRecord{
		SessionID:   "sess-1",
		AccessToken: "at-1",
		ContractID:  "contract-001",
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	h, captured := wrapMiddleware(st, "https://mcp.example.com")

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer at-1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", captured.SessionID)
	assert.Equal(t, "contract-001", captured.ContractID)
}

func TestMiddleware_StoreFailureIsServerFault(t *testing.T) {
	st := testState(t)
	h, _ := wrapMiddleware(st, "https://mcp.example.com")

	// A closed store makes every lookup fail.
	require.NoError(t, st.Close())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer at-1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

// --- Registration ---

func TestClientInfo_AllowsRedirect(t *testing.T) {
	c := ClientInfo{RedirectURIs: []string{"https://client.example.com/cb"}}
	assert.True(t, c.AllowsRedirect("https://client.example.com/cb"))
	assert.False(t, c.AllowsRedirect("https://evil.example.com/cb"))
}

func TestHandleRegistration(t *testing.T) {
	reg := NewRegistry()
	h := HandleRegistration(reg)

	body := `{"client_name":"Test Client","redirect_uris":["https://client.example.com/cb"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.Equal(t, []string{"https://client.example.com/cb"}, resp.RedirectURIs)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)

	client := reg.Client(resp.ClientID)
	require.NotNil(t, client)
	assert.True(t, client.AllowsRedirect("https://client.example.com/cb"))
}

func TestHandleRegistration_MissingRedirectURIs(t *testing.T) {
	h := HandleRegistration(NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "redirect_uris is required")
}
