package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
)

// maxRequestBody caps OAuth endpoint request bodies.
const maxRequestBody = 64 * 1024

// HandleAuthorize returns the /oauth/authorize handler. It validates
// the MCP client's request, binds its PKCE challenge and state to a new
// session, and forwards the user agent to the Smaregi authorize
// endpoint. The client's verifier never reaches this server.
func HandleAuthorize(flow *Flow, st *state.State, registry *Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")

		// Without a trustworthy redirect target the error cannot be
		// delivered by redirect (RFC 6749 Section 4.1.2.1).
		if clientID == "" || redirectURI == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
			return
		}

		if client := registry.Client(clientID); client != nil && !client.AllowsRedirect(redirectURI) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
			return
		}

		clientState := q.Get("state")

		if q.Get("response_type") != "code" {
			redirectWithError(w, r, redirectURI, clientState, "unsupported_response_type", "only response_type=code is supported")
			return
		}

		challenge := q.Get("code_challenge")
		if challenge == "" || q.Get("code_challenge_method") != "S256" {
			redirectWithError(w, r, redirectURI, clientState, "invalid_request", "code_challenge with method S256 is required")
			return
		}

		sess := flow.ProxySession(clientID, redirectURI, challenge, clientState, splitScopes(q.Get("scope")), time.Now())
		if err := st.PutSession(sess); err != nil {
			logger.Error("saving authorize session", slog.String("error", err.Error()))
			redirectWithError(w, r, redirectURI, clientState, "server_error", "failed to persist session")

			return
		}

		logger.Debug("authorize session created",
			slog.String("session_id", sess.ID),
			slog.String("client_id", clientID),
		)

		http.Redirect(w, r, flow.AuthorizationURL(sess), http.StatusFound)
	}
}

// HandleCallback returns the /oauth/callback handler. The identity
// provider redirects here after the user authorizes. Tool-driven
// sessions are completed server-side with the stored verifier; proxy
// sessions bounce the code back to the MCP client, which finishes the
// exchange through /oauth/token.
func HandleCallback(flow *Flow, st *state.State, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			writeJSONError(w, http.StatusBadRequest, errCode, q.Get("error_description"))
			return
		}

		sess, err := st.SessionByState(q.Get("state"))
		if err != nil {
			logger.Error("looking up callback session", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "session lookup failed")

			return
		}

		if sess == nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid state parameter")
			return
		}

		code := q.Get("code")
		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		// Proxy session: hand the code back to the client together
		// with its original state.
		if sess.Verifier == "" {
			if err := st.MarkAuthenticated(sess.ID, time.Now()); err != nil {
				logger.Error("marking session authenticated", slog.String("error", err.Error()))
			}

			target, err := url.Parse(sess.RedirectURI)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid session redirect_uri")
				return
			}

			tq := target.Query()
			tq.Set("code", code)

			if sess.ClientState != "" {
				tq.Set("state", sess.ClientState)
			}

			target.RawQuery = tq.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)

			return
		}

		// Tool-driven session: exchange with the stored verifier. The
		// stored verifier must still match the challenge the provider
		// saw, or the session record has been tampered with.
		if !VerifyPKCE(sess.Verifier, sess.Challenge) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "session verifier does not match its challenge")
			return
		}

		rec, err := flow.Exchange(r.Context(), code, sess.Verifier)
		if err != nil {
			writeExchangeError(w, logger, err)
			return
		}

		contractID, err := flow.ContractID(r.Context(), rec.AccessToken)
		if err != nil {
			writeExchangeError(w, logger, err)
			return
		}

		rec.SessionID = sess.ID
		rec.ContractID = contractID

		if err := st.PutToken(*rec); err != nil {
			logger.Error("saving token record", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to persist token")

			return
		}

		if err := st.MarkAuthenticated(sess.ID, time.Now()); err != nil {
			logger.Error("marking session authenticated", slog.String("error", err.Error()))
		}

		logger.Info("session authenticated",
			slog.String("session_id", sess.ID),
			slog.String("contract_id", contractID),
		)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "authenticated",
			"session_id": sess.ID,
		})
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken returns the /oauth/token handler. Grants are forwarded
// to the Smaregi token endpoint; the resulting token set is recorded
// (with its contract ID) before being returned to the MCP client.
func HandleToken(flow *Flow, st *state.State, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}

			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				RedirectURI:  r.FormValue("redirect_uri"),
				CodeVerifier: r.FormValue("code_verifier"),
				RefreshToken: r.FormValue("refresh_token"),
				ClientID:     r.FormValue("client_id"),
			}
		}

		switch req.GrantType {
		case "authorization_code":
			handleCodeGrant(w, r, flow, st, logger, req)
		case "refresh_token":
			handleRefreshGrant(w, r, flow, st, logger, req)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "supported grant types: authorization_code, refresh_token")
		}
	}
}

func handleCodeGrant(w http.ResponseWriter, r *http.Request, flow *Flow, st *state.State, logger *slog.Logger, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
		return
	}

	rec, err := flow.Exchange(r.Context(), req.Code, req.CodeVerifier)
	if err != nil {
		writeGrantError(w, logger, err)
		return
	}

	contractID, err := flow.ContractID(r.Context(), rec.AccessToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrContractIDMissing) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Contract ID not available for this token")
			return
		}

		writeGrantError(w, logger, err)

		return
	}

	// Token requests carry no session reference, so the record gets a
	// synthetic session of its own.
	rec.SessionID = RandomHex(16)
	rec.ContractID = contractID

	if err := st.PutToken(*rec); err != nil {
		logger.Error("saving token record", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to persist token")

		return
	}

	writeTokenResponse(w, rec)
}

func handleRefreshGrant(w http.ResponseWriter, r *http.Request, flow *Flow, st *state.State, logger *slog.Logger, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	existing, err := st.TokenByRefreshToken(req.RefreshToken)
	if err != nil {
		logger.Error("looking up refresh token", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "token lookup failed")

		return
	}

	rec, err := flow.RefreshGrant(r.Context(), req.RefreshToken)
	if err != nil {
		writeGrantError(w, logger, err)
		return
	}

	if existing != nil {
		rec.SessionID = existing.SessionID
		rec.ContractID = existing.ContractID
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.SessionID = RandomHex(16)

		contractID, err := flow.ContractID(r.Context(), rec.AccessToken)
		if err == nil {
			rec.ContractID = contractID
		}
	}

	if err := st.PutToken(*rec); err != nil {
		logger.Error("saving refreshed token record", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to persist token")

		return
	}

	writeTokenResponse(w, rec)
}

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). Unknown
// tokens succeed silently.
func HandleRevoke(st *state.State, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		token := r.FormValue("token")
		if token == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
			return
		}

		if err := st.DeleteTokenByAccessToken(token); err != nil {
			logger.Error("revoking token", slog.String("error", err.Error()))
		}

		w.WriteHeader(http.StatusOK)
	}
}

// writeTokenResponse serializes a token record for the client.
func writeTokenResponse(w http.ResponseWriter, rec *models.AccessTokenRecord) {
	expiresIn := int(time.Until(rec.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  rec.AccessToken,
		TokenType:    rec.TokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: rec.RefreshToken,
		Scope:        rec.Scope,
	})
}

// writeGrantError maps an upstream exchange failure onto the token
// endpoint error taxonomy: a 4xx from the provider means the grant was
// bad, anything else is a server-side failure.
func writeGrantError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if ue, ok := apperrors.IsUpstream(err); ok && ue.Status >= 400 && ue.Status < 500 {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Invalid authorization code")
		return
	}

	logger.Error("upstream token exchange failed", slog.String("error", err.Error()))
	writeJSONError(w, http.StatusInternalServerError, "server_error", "token exchange failed")
}

// writeExchangeError is writeGrantError for the callback path, where a
// missing contract ID is also a grant failure.
func writeExchangeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, apperrors.ErrContractIDMissing) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Contract ID not available for this token")
		return
	}

	writeGrantError(w, logger, err)
}

// redirectWithError delivers an OAuth error to the client's redirect
// URI (RFC 6749 Section 4.1.2.1). An unparseable URI degrades to a
// direct JSON error.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, clientState, errCode, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errCode, description)
		return
	}

	q := target.Query()
	q.Set("error", errCode)
	q.Set("error_description", description)

	if clientState != "" {
		q.Set("state", clientState)
	}

	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// splitScopes parses a space-separated scope string.
func splitScopes(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Fields(s)
}
