// Package models defines types shared across internal packages.
package models

import "time"

// AuthSession tracks one authorization attempt against the Smaregi
// identity provider. Sessions created by the MCP auth tools carry a
// server-side PKCE verifier; sessions created by the HTTP authorize
// proxy carry only the client's challenge (the client keeps its own
// verifier).
type AuthSession struct {
	ID            string    `json:"id"`
	Scopes        []string  `json:"scopes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	RedirectURI   string    `json:"redirect_uri"`
	Verifier      string    `json:"verifier,omitempty"`
	Challenge     string    `json:"code_challenge"`
	State         string    `json:"state"`
	Authenticated bool      `json:"is_authenticated"`

	// Proxy-flow fields: the requesting MCP client's identity and the
	// state value it sent, replayed on the redirect back to it.
	ClientID    string `json:"client_id,omitempty"`
	ClientState string `json:"client_state,omitempty"`
}

// AccessTokenRecord is a token set obtained from the Smaregi token
// endpoint, keyed by the session that produced it.
type AccessTokenRecord struct {
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ContractID   string    `json:"contract_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// nearExpiryWindow is how close to expiry a token is considered due for
// a refresh.
const nearExpiryWindow = 300 * time.Second

// Expired reports whether the access token has passed its expiry.
func (r *AccessTokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// NearExpiry reports whether the access token expires within the
// refresh window. An already expired token is also near expiry.
func (r *AccessTokenRecord) NearExpiry(now time.Time) bool {
	return !r.ExpiresAt.After(now.Add(nearExpiryWindow))
}
