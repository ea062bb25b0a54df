package auth

import "sync"

// ClientInfo describes a dynamically registered MCP client.
type ClientInfo struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
}

// AllowsRedirect reports whether a redirect URI was registered for the
// client.
func (c *ClientInfo) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}

	return false
}

// Registry holds registered clients in memory. Registrations are
// advisory (public clients with PKCE); losing them on restart only
// means a client re-registers.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*ClientInfo
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*ClientInfo)}
}

// Register stores a client.
func (r *Registry) Register(c *ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.ClientID] = c
}

// Client returns a registered client, or nil if unknown.
func (r *Registry) Client(clientID string) *ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.clients[clientID]
}
