package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Hardcoded token lifetime defaults.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 14 * 24 * time.Hour
	DefaultCodeTTL    = 10 * time.Minute
	DefaultIDTokenTTL = time.Hour

	DefaultKeyRotateInterval = 24 * time.Hour
	DefaultSweepInterval     = 5 * time.Minute
)

// Storage driver names.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Duration wraps time.Duration so YAML can carry "30m" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in the same "30m" form it parses.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full application configuration loaded from YAML
// and environment variables.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Tokens      TokensConfig            `yaml:"tokens"`
	Storage     StorageConfig           `yaml:"storage"`
	Clients     []ClientConfig          `yaml:"clients"`
	Users       []UserConfig            `yaml:"users"`
	Permissions []PermissionGroupConfig `yaml:"permissions"`
}

// ServerConfig controls listener, TLS and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	LoginURL        string    `yaml:"login_url"`
	SecretsPath     string    `yaml:"secrets_path"`
	CORSOrigins     []string  `yaml:"cors_origins"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// TokensConfig sets token lifetimes and key rotation.
type TokensConfig struct {
	AccessTTL         Duration `yaml:"access_ttl"`
	RefreshTTL        Duration `yaml:"refresh_ttl"`
	CodeTTL           Duration `yaml:"code_ttl"`
	IDTokenTTL        Duration `yaml:"id_token_ttl"`
	KeyRotateInterval Duration `yaml:"key_rotate_interval"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver        string   `yaml:"driver"`
	DSN           string   `yaml:"dsn"`
	MaxOpenConns  int      `yaml:"max_open_conns"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ClientConfig describes one registered OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Public       bool     `yaml:"public"`
	Disabled     bool     `yaml:"disabled"`
}

// UserConfig seeds one user into the static directory.
type UserConfig struct {
	ID         string `yaml:"id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
	GivenName  string `yaml:"given_name"`
	FamilyName string `yaml:"family_name"`
	Disabled   bool   `yaml:"disabled"`
}

// PermissionGroupConfig seeds a client's permission group.
type PermissionGroupConfig struct {
	ClientID       string   `yaml:"client_id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	DefaultAllowed bool     `yaml:"default_allowed"`
	Scopes         []string `yaml:"scopes"`
}

// LoadConfig reads the YAML config file, merges environment overrides
// and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the dev-mode defaults used when no file is
// given and as the base every file is merged over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			LoginURL:        "/login",
			SecretsPath:     ".secrets",
		},
		Tokens: TokensConfig{
			AccessTTL:         Duration(DefaultAccessTTL),
			RefreshTTL:        Duration(DefaultRefreshTTL),
			CodeTTL:           Duration(DefaultCodeTTL),
			IDTokenTTL:        Duration(DefaultIDTokenTTL),
			KeyRotateInterval: Duration(DefaultKeyRotateInterval),
		},
		Storage: StorageConfig{
			Driver:        StorageMemory,
			SweepInterval: Duration(DefaultSweepInterval),
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHD_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"AUTHD_STORAGE_DSN":              func(v string) { cfg.Storage.DSN = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	for _, ttl := range []struct {
		name string
		d    Duration
	}{
		{"tokens.access_ttl", c.Tokens.AccessTTL},
		{"tokens.refresh_ttl", c.Tokens.RefreshTTL},
		{"tokens.code_ttl", c.Tokens.CodeTTL},
		{"tokens.id_token_ttl", c.Tokens.IDTokenTTL},
	} {
		if ttl.d <= 0 {
			return fmt.Errorf("%s must be positive", ttl.name)
		}
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Driver)
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}
	clientIDs := map[string]bool{}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if clientIDs[client.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, client.ClientID)
		}
		clientIDs[client.ClientID] = true
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://", i, client.ClientID, j)
			}
		}
	}

	for i, user := range c.Users {
		if user.ID == "" || user.Username == "" {
			return fmt.Errorf("users[%d]: id and username are required", i)
		}
	}

	for i, group := range c.Permissions {
		if group.ClientID == "" {
			return fmt.Errorf("permissions[%d]: client_id is required", i)
		}
		if !clientIDs[group.ClientID] {
			return fmt.Errorf("permissions[%d]: client_id %q is not a configured client", i, group.ClientID)
		}
	}

	return nil
}

// Issuer is the canonical issuer URL, the public URL without a trailing
// slash.
func (c Config) Issuer() string {
	return strings.TrimRight(c.Server.PublicURL, "/")
}

// ClientSeeds converts the configured clients into registry seeds.
func (c Config) ClientSeeds() []ClientSeed {
	seeds := make([]ClientSeed, 0, len(c.Clients))
	for _, cc := range c.Clients {
		seeds = append(seeds, ClientSeed{
			ID:           cc.ClientID,
			Name:         cc.Name,
			Secret:       cc.ClientSecret,
			RedirectURIs: cc.RedirectURIs,
			Scopes:       cc.Scopes,
			Public:       cc.Public,
			Disabled:     cc.Disabled,
		})
	}
	return seeds
}

// SeedUsers hashes the configured passwords and builds directory users.
func (c Config) SeedUsers() ([]User, error) {
	users := make([]User, 0, len(c.Users))
	for _, uc := range c.Users {
		u := User{
			ID:         uc.ID,
			Username:   uc.Username,
			Email:      uc.Email,
			Name:       uc.Name,
			GivenName:  uc.GivenName,
			FamilyName: uc.FamilyName,
			Active:     !uc.Disabled,
		}
		if uc.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(uc.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for user %s: %w", uc.ID, err)
			}
			u.PasswordHash = string(hash)
		}
		users = append(users, u)
	}
	return users, nil
}

// PermissionSeeds converts the configured permission groups.
func (c Config) PermissionSeeds() []PermissionGroup {
	groups := make([]PermissionGroup, 0, len(c.Permissions))
	for _, pc := range c.Permissions {
		groups = append(groups, PermissionGroup{
			ClientID:       pc.ClientID,
			Name:           pc.Name,
			Description:    pc.Description,
			DefaultAllowed: pc.DefaultAllowed,
			Scopes:         NewScopeSet(pc.Scopes...),
		})
	}
	return groups
}
