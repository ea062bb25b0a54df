package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
)

const (
	// httpTimeout bounds every request to the identity provider.
	httpTimeout = 30 * time.Second

	// maxResponseBody caps how much of an upstream response is read.
	maxResponseBody = 1 << 20

	// defaultTokenLifetime is assumed when the token response omits
	// expires_in.
	defaultTokenLifetime = time.Hour
)

// FlowConfig holds the upstream identity provider settings.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserinfoURL  string
	RedirectURI  string
	Scopes       []string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Flow is the OAuth client for the Smaregi identity provider. It
// builds authorization URLs and performs code, refresh, and userinfo
// requests.
type Flow struct {
	cfg    FlowConfig
	client *http.Client
	logger *slog.Logger
}

// NewFlow builds a Flow, applying the default HTTP client when none is
// supplied.
func NewFlow(cfg FlowConfig) *Flow {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Flow{cfg: cfg, client: client, logger: logger}
}

// NewSession creates a tool-driven auth session. The server keeps the
// PKCE verifier and performs the code exchange itself at callback time.
func (f *Flow) NewSession(scopes []string, now time.Time) models.AuthSession {
	if len(scopes) == 0 {
		scopes = f.cfg.Scopes
	}

	verifier := NewVerifier()

	return models.AuthSession{
		ID:          RandomHex(16),
		Scopes:      scopes,
		CreatedAt:   now,
		UpdatedAt:   now,
		RedirectURI: f.cfg.RedirectURI,
		Verifier:    verifier,
		Challenge:   Challenge(verifier),
		State:       RandomHex(16),
	}
}

// ProxySession creates a session for an MCP client driving the flow
// itself. The client keeps its verifier; only its challenge passes
// through to the identity provider.
func (f *Flow) ProxySession(clientID, redirectURI, challenge, clientState string, scopes []string, now time.Time) models.AuthSession {
	if len(scopes) == 0 {
		scopes = f.cfg.Scopes
	}

	return models.AuthSession{
		ID:          RandomHex(16),
		Scopes:      scopes,
		CreatedAt:   now,
		UpdatedAt:   now,
		RedirectURI: redirectURI,
		Challenge:   challenge,
		State:       RandomHex(16),
		ClientID:    clientID,
		ClientState: clientState,
	}
}

// AuthorizationURL builds the upstream authorize URL for a session.
func (f *Flow) AuthorizationURL(sess models.AuthSession) string {
	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(sess.Scopes, " "))
	q.Set("state", sess.State)
	q.Set("code_challenge", sess.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("redirect_uri", f.cfg.RedirectURI)

	return f.cfg.AuthURL + "?" + q.Encode()
}

// tokenEndpointResponse is the upstream token endpoint body.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// Exchange trades an authorization code for a token set.
func (f *Flow) Exchange(ctx context.Context, code, verifier string) (*models.AccessTokenRecord, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("code_verifier", verifier)

	return f.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a new token set. When the
// provider omits a new refresh token, the old one is kept so the chain
// is not broken.
func (f *Flow) Refresh(ctx context.Context, rec *models.AccessTokenRecord) (*models.AccessTokenRecord, error) {
	if rec.RefreshToken == "" {
		return nil, fmt.Errorf("refreshing token: %w", apperrors.ErrTokenExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)

	fresh, err := f.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = rec.RefreshToken
	}

	fresh.SessionID = rec.SessionID
	fresh.ContractID = rec.ContractID
	fresh.CreatedAt = rec.CreatedAt

	return fresh, nil
}

// RefreshGrant performs a refresh for a raw refresh token, used by the
// HTTP token endpoint where no stored record is required.
func (f *Flow) RefreshGrant(ctx context.Context, refreshToken string) (*models.AccessTokenRecord, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	rec, err := f.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}

	if rec.RefreshToken == "" {
		rec.RefreshToken = refreshToken
	}

	return rec, nil
}

// tokenRequest posts a grant to the upstream token endpoint and builds
// a token record with an absolute expiry.
func (f *Flow) tokenRequest(ctx context.Context, form url.Values) (*models.AccessTokenRecord, error) {
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &apperrors.TransientError{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &apperrors.TransientError{Err: fmt.Errorf("reading token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Debug("token endpoint rejected grant",
			slog.Int("status", resp.StatusCode),
			slog.String("grant_type", form.Get("grant_type")),
		)

		return nil, &apperrors.UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenEndpointResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	now := time.Now()

	return &models.AccessTokenRecord{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(lifetime),
		Scope:        tr.Scope,
		IDToken:      tr.IDToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ContractID resolves the contract identifier for an access token via
// the userinfo endpoint. Smaregi reports it as contract_id or as a
// nested contract.id depending on the scope set.
func (f *Flow) ContractID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.UserinfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("building userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &apperrors.TransientError{Err: fmt.Errorf("userinfo request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", &apperrors.TransientError{Err: fmt.Errorf("reading userinfo response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &apperrors.UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	for _, key := range []string{"contract_id", "contract.id"} {
		if v := gjson.GetBytes(body, key); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}

	return "", apperrors.ErrContractIDMissing
}
