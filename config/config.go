package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level service configuration, decoded from a TOML file.
// Secrets are never stored in the file itself: the *Env fields name the
// environment variables the secrets are read from at startup.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	Database  Database  `toml:"Database"`
	Auth      Auth      `toml:"Auth"`
	GitHub    GitHub    `toml:"GitHub"`
	Wallet    Wallet    `toml:"Wallet"`
	Webhook   Webhook   `toml:"Webhook"`
	Recon     Recon     `toml:"Recon"`
	Telemetry Telemetry `toml:"Telemetry"`

	// PolicyPath points at the YAML distribution policy.
	PolicyPath string `toml:"PolicyPath"`
}

// Database holds the connection settings for the Postgres store.
type Database struct {
	DSN    string `toml:"DSN"`
	DSNEnv string `toml:"DSNEnv"`
}

// Auth configures bearer token verification and issuance.
type Auth struct {
	SecretEnv     string `toml:"SecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	TokenTTLHours int    `toml:"TokenTTLHours"`
}

// GitHub configures the OAuth application used for onboarding.
type GitHub struct {
	ClientID        string `toml:"ClientID"`
	ClientSecretEnv string `toml:"ClientSecretEnv"`
	RedirectURL     string `toml:"RedirectURL"`
}

// Wallet configures the custodial distribution account.
type Wallet struct {
	RPCURL       string `toml:"RPCURL"`
	SignerKeyEnv string `toml:"SignerKeyEnv"`
	TokenAddress string `toml:"TokenAddress"`
	ChainID      int64  `toml:"ChainID"`
	Decimals     int    `toml:"Decimals"`
}

// Webhook tunes the contribution ingest surface.
type Webhook struct {
	RatePerSecond float64 `toml:"RatePerSecond"`
	Burst         int     `toml:"Burst"`
}

// Recon tunes the nightly reconciliation pass.
type Recon struct {
	OutputDir    string `toml:"OutputDir"`
	RunHour      int    `toml:"RunHour"`
	RunMinute    int    `toml:"RunMinute"`
	GraceMinutes int    `toml:"GraceMinutes"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Load reads the configuration from the given path and applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.Auth.SecretEnv) == "" {
		c.Auth.SecretEnv = "CODEKUDOS_JWT_SECRET"
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = "codekudos"
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		c.Auth.Audience = "codekudos-api"
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 12
	}
	if strings.TrimSpace(c.GitHub.ClientSecretEnv) == "" {
		c.GitHub.ClientSecretEnv = "CODEKUDOS_GITHUB_SECRET"
	}
	if strings.TrimSpace(c.Wallet.SignerKeyEnv) == "" {
		c.Wallet.SignerKeyEnv = "CODEKUDOS_SIGNER_KEY"
	}
	if strings.TrimSpace(c.Database.DSNEnv) == "" {
		c.Database.DSNEnv = "CODEKUDOS_DATABASE_DSN"
	}
	if c.Webhook.RatePerSecond <= 0 {
		c.Webhook.RatePerSecond = 5
	}
	if c.Webhook.Burst <= 0 {
		c.Webhook.Burst = 10
	}
	if c.Recon.GraceMinutes <= 0 {
		c.Recon.GraceMinutes = 10
	}
	if c.Recon.RunHour == 0 && c.Recon.RunMinute == 0 {
		c.Recon.RunHour = 2
	}
}

func (c *Config) validate() error {
	if c.Wallet.ChainID < 0 {
		return fmt.Errorf("config: chain id must be non-negative")
	}
	if c.Wallet.Decimals < 0 || c.Wallet.Decimals > 36 {
		return fmt.Errorf("config: decimals out of range")
	}
	return nil
}

// DatabaseDSN resolves the connection string, preferring the environment.
func (c *Config) DatabaseDSN() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(c.Database.DSNEnv)); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("config: database DSN missing; set %s", c.Database.DSNEnv)
}

// AuthSecret resolves the JWT signing secret from the environment.
func (c *Config) AuthSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: auth secret missing; set %s", c.Auth.SecretEnv)
	}
	return []byte(secret), nil
}

// GitHubClientSecret resolves the OAuth client secret from the environment.
func (c *Config) GitHubClientSecret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(c.GitHub.ClientSecretEnv))
	if secret == "" {
		return "", fmt.Errorf("config: github client secret missing; set %s", c.GitHub.ClientSecretEnv)
	}
	return secret, nil
}

// SignerKey resolves the custodial wallet key from the environment.
func (c *Config) SignerKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.Wallet.SignerKeyEnv))
	if key == "" {
		return "", fmt.Errorf("config: signer key missing; set %s", c.Wallet.SignerKeyEnv)
	}
	return key, nil
}

// TokenTTL reports the configured bearer token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// ReconGrace reports how long an unresolved attempt may age before recon
// treats it as anomalous.
func (c *Config) ReconGrace() time.Duration {
	return time.Duration(c.Recon.GraceMinutes) * time.Minute
}
