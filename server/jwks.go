package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const previousKeysKept = 2

type signingKey struct {
	private   *rsa.PrivateKey
	jwk       jose.JSONWebKey
	kid       string
	createdAt time.Time
}

// KeyManager owns the RSA signing keys and their JWKS exposure. Tokens
// are always signed with the current key; previous keys stay in the set
// so outstanding tokens keep verifying across a rotation.
type KeyManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	path        string
	logger      *slog.Logger
}

// NewKeyManager loads keys from path if present, otherwise generates a
// fresh key pair. An empty path keeps keys in memory only.
func NewKeyManager(path string, rotateEvery time.Duration, logger *slog.Logger) (*KeyManager, error) {
	m := &KeyManager{rotateEvery: rotateEvery, path: path, logger: logger}
	if path != "" {
		if err := m.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if m.current.private == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on the configured interval until stop
// closes. A non-positive interval disables rotation.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("key rotation failed", "error", err)
				} else {
					m.logger.Info("signing key rotated", "kid", m.CurrentKID())
				}
			case <-stop:
				return
			}
		}
	}()
}

// CurrentKID returns the key ID tokens are currently signed with.
func (m *KeyManager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.kid
}

// Sign signs the claims with the current key, stamping its kid into the
// token header.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.kid
	return token.SignedString(m.current.private)
}

// Keyfunc resolves the verification key for a parsed token by kid,
// falling back to the current key when the header carries none.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.kid {
		return &m.current.private.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.kid == kid {
			return &prev.private.PublicKey, nil
		}
	}
	return nil, errors.New("unknown signing key")
}

// PublicJWKS returns the public half of every live key.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new current key, demoting the old one.
func (m *KeyManager) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := newKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.private != nil {
		m.previous = append([]signingKey{m.current}, m.previous...)
		if len(m.previous) > previousKeysKept {
			m.previous = m.previous[:previousKeysKept]
		}
	}
	m.current = signingKey{private: key, jwk: jwk, kid: kid, createdAt: time.Now()}
	m.mu.Unlock()

	if m.path != "" {
		return m.persist()
	}
	return nil
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, payload, 0o600)
}

func (m *KeyManager) load() error {
	payload, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("key file holds no keys")
	}
	var prev []signingKey
	for i, key := range set.Keys {
		private, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := signingKey{private: private, jwk: key, kid: key.KeyID, createdAt: time.Now()}
		if i == 0 {
			m.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	m.previous = prev
	return nil
}

func newKID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
