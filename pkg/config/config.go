// Package config loads server configuration from a YAML file with
// environment variable overrides. Flags in main override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MetadataConfig configures the content-addressed metadata store client.
type MetadataConfig struct {
	// Gateways is the ordered list of read gateway base URLs.
	Gateways []string `yaml:"gateways"`

	// WriteURL is the storage network's write endpoint. Empty selects the
	// explicit local mock store (development only).
	WriteURL string `yaml:"writeUrl"`

	// AuthToken authenticates uploads. Never stored in the YAML file in
	// production; use PROV_META_AUTH_TOKEN.
	AuthToken string `yaml:"authToken"`

	// GatewayTimeout bounds each gateway attempt. Default 8s.
	GatewayTimeout time.Duration `yaml:"gatewayTimeout"`

	// CacheTTL is the fetch cache TTL. Default 5m.
	CacheTTL time.Duration `yaml:"cacheTtl"`

	// MaxPayload is the upload size limit in bytes. Default 10 MiB.
	MaxPayload int `yaml:"maxPayload"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	// Mode is "local" (gorm-backed, this process owns the DB) or
	// "remote" (HTTP ledger gateway). Default "local".
	Mode string `yaml:"mode"`

	// RemoteURL is the ledger gateway base URL for remote mode.
	RemoteURL string `yaml:"remoteUrl"`

	// MaxRetries bounds remote request retries. Default 2.
	MaxRetries int `yaml:"maxRetries"`
}

// AuthConfig selects how the acting identity is extracted.
type AuthConfig struct {
	// Mode is "header" (X-Actor, development) or "jwt". Default "header".
	Mode string `yaml:"mode"`

	// JWT settings, used when Mode is "jwt".
	JWTSubjectClaim  string `yaml:"jwtSubjectClaim"`
	JWTPublicKeyPath string `yaml:"jwtPublicKeyPath"`
	JWTIssuer        string `yaml:"jwtIssuer"`
	JWTAudience      string `yaml:"jwtAudience"`
}

// Config is the full server configuration.
type Config struct {
	Listen       string         `yaml:"listen"`
	DatabaseType string         `yaml:"databaseType"`
	DatabaseDSN  string         `yaml:"databaseDsn"`
	CORSOrigins  []string       `yaml:"corsOrigins"`
	MaxQuantity  int            `yaml:"maxQuantity"`
	RoleCacheTTL time.Duration  `yaml:"roleCacheTtl"`
	Metadata     MetadataConfig `yaml:"metadata"`
	Ledger       LedgerConfig   `yaml:"ledger"`
	Auth         AuthConfig     `yaml:"auth"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:       ":8080",
		DatabaseType: "sqlite",
		DatabaseDSN:  "provenance.db",
		MaxQuantity:  1_000_000,
		RoleCacheTTL: 30 * time.Second,
		Metadata: MetadataConfig{
			GatewayTimeout: 8 * time.Second,
			CacheTTL:       5 * time.Minute,
			MaxPayload:     10 << 20,
		},
		Ledger: LedgerConfig{Mode: "local", MaxRetries: 2},
		Auth:   AuthConfig{Mode: "header"},
	}
}

// Load reads the YAML file at path (if path is non-empty) on top of the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from PROV_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Listen, "PROV_LISTEN")
	setString(&c.DatabaseType, "PROV_DB_TYPE")
	setString(&c.DatabaseDSN, "PROV_DB_DSN")
	setString(&c.Ledger.Mode, "PROV_LEDGER_MODE")
	setString(&c.Ledger.RemoteURL, "PROV_LEDGER_URL")
	setString(&c.Metadata.WriteURL, "PROV_META_WRITE_URL")
	setString(&c.Metadata.AuthToken, "PROV_META_AUTH_TOKEN")
	setString(&c.Auth.Mode, "PROV_AUTH_MODE")
	setString(&c.Auth.JWTPublicKeyPath, "PROV_JWT_PUBLIC_KEY_PATH")
	setString(&c.Auth.JWTIssuer, "PROV_JWT_ISSUER")
	setString(&c.Auth.JWTAudience, "PROV_JWT_AUDIENCE")

	if v := os.Getenv("PROV_META_GATEWAYS"); v != "" {
		c.Metadata.Gateways = splitNonEmpty(v)
	}
	if v := os.Getenv("PROV_MAX_QUANTITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxQuantity = n
		}
	}
	if v := os.Getenv("PROV_ROLE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RoleCacheTTL = d
		}
	}
}

func (c *Config) validate() error {
	switch c.Ledger.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("unknown ledger mode %q (expected local or remote)", c.Ledger.Mode)
	}
	if c.Ledger.Mode == "remote" && c.Ledger.RemoteURL == "" {
		return fmt.Errorf("ledger mode remote requires a remote URL")
	}
	switch c.Auth.Mode {
	case "header", "jwt":
	default:
		return fmt.Errorf("unknown auth mode %q (expected header or jwt)", c.Auth.Mode)
	}
	if c.Metadata.WriteURL != "" && c.Metadata.AuthToken == "" {
		return fmt.Errorf("metadata write endpoint configured without an auth token")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
