package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ClientSeed is the raw registration of one OAuth client, as it appears
// in configuration. The secret is plaintext here and hashed on load.
type ClientSeed struct {
	ID           string
	Name         string
	Secret       string
	RedirectURIs []string
	Scopes       []string
	Public       bool
	Disabled     bool
}

// ClientRegistry holds the registered clients. Registration management
// happens outside this server; the registry only reads seeds.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewClientRegistry hashes each seed's secret and indexes the clients.
// Confidential clients must carry a secret; public clients must not.
func NewClientRegistry(seeds []ClientSeed) (*ClientRegistry, error) {
	reg := &ClientRegistry{clients: make(map[string]Client, len(seeds))}
	for _, seed := range seeds {
		if seed.ID == "" {
			return nil, fmt.Errorf("client with empty id")
		}
		if _, dup := reg.clients[seed.ID]; dup {
			return nil, fmt.Errorf("duplicate client %q", seed.ID)
		}
		client := Client{
			ID:           seed.ID,
			Name:         seed.Name,
			RedirectURIs: seed.RedirectURIs,
			Scopes:       NewScopeSet(seed.Scopes...),
			Active:       !seed.Disabled,
			Public:       seed.Public,
		}
		switch {
		case seed.Public && seed.Secret != "":
			return nil, fmt.Errorf("public client %q must not have a secret", seed.ID)
		case !seed.Public && seed.Secret == "":
			return nil, fmt.Errorf("client %q has no secret", seed.ID)
		case seed.Secret != "":
			hash, err := bcrypt.GenerateFromPassword([]byte(seed.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash secret for %q: %w", seed.ID, err)
			}
			client.SecretHash = string(hash)
		}
		reg.clients[seed.ID] = client
	}
	return reg, nil
}

// Get returns an active client by ID; ErrNotFound otherwise.
func (r *ClientRegistry) Get(_ context.Context, id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	if !ok || !client.Active {
		return Client{}, ErrNotFound
	}
	return client, nil
}

// Authenticate verifies client credentials. Public clients authenticate
// by ID alone with an empty secret; confidential clients must present
// their secret. Every failure is invalid_client.
func (r *ClientRegistry) Authenticate(ctx context.Context, id, secret string) (Client, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return Client{}, NewError(ErrorInvalidClient, "client authentication failed")
	}
	if client.Public {
		if secret != "" {
			return Client{}, NewError(ErrorInvalidClient, "client authentication failed")
		}
		return client, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return Client{}, NewError(ErrorInvalidClient, "client authentication failed")
	}
	return client, nil
}

// ValidRedirect reports whether the redirect URI exactly matches one of
// the client's registered URIs. The URI must parse, be absolute, and
// carry no fragment.
func (c Client) ValidRedirect(redirectURI string) bool {
	if redirectURI == "" || strings.Contains(redirectURI, "#") {
		return false
	}
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if redirectURI == registered {
			return true
		}
	}
	return false
}
