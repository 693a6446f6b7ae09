package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kudosd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("listen address default: %s", cfg.ListenAddress)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment default: %s", cfg.Environment)
	}
	if cfg.Auth.Issuer != "codekudos" || cfg.Auth.Audience != "codekudos-api" {
		t.Fatalf("auth defaults: %+v", cfg.Auth)
	}
	if cfg.TokenTTL() != 12*time.Hour {
		t.Fatalf("token ttl default: %s", cfg.TokenTTL())
	}
	if cfg.Webhook.RatePerSecond != 5 || cfg.Webhook.Burst != 10 {
		t.Fatalf("webhook defaults: %+v", cfg.Webhook)
	}
	if cfg.Recon.RunHour != 2 || cfg.ReconGrace() != 10*time.Minute {
		t.Fatalf("recon defaults: %+v", cfg.Recon)
	}
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ListenAddress = ":9090"
Environment = "prod"
PolicyPath = "/etc/kudosd/policy.yaml"

[Database]
DSNEnv = "TEST_DSN"

[Auth]
Issuer = "kudos-prod"
TokenTTLHours = 2

[GitHub]
ClientID = "abc123"
RedirectURL = "https://kudos.example.com/connect/github/callback"

[Wallet]
RPCURL = "https://rpc.example.com"
TokenAddress = "0xtoken"
ChainID = 11155111
Decimals = 18

[Webhook]
RatePerSecond = 20.0
Burst = 40

[Recon]
OutputDir = "/var/lib/kudosd/recon"
RunHour = 3
RunMinute = 30
GraceMinutes = 20

[Telemetry]
Endpoint = "otel-collector:4318"
Insecure = true
Metrics = true
Traces = true
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" || cfg.Environment != "prod" {
		t.Fatalf("top level: %+v", cfg)
	}
	if cfg.Wallet.ChainID != 11155111 || cfg.Wallet.Decimals != 18 {
		t.Fatalf("wallet: %+v", cfg.Wallet)
	}
	if cfg.Recon.RunHour != 3 || cfg.Recon.RunMinute != 30 {
		t.Fatalf("recon: %+v", cfg.Recon)
	}
	if cfg.TokenTTL() != 2*time.Hour {
		t.Fatalf("token ttl: %s", cfg.TokenTTL())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "ListenAdress = \":8080\"\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsInvalidWallet(t *testing.T) {
	_, err := Load(writeConfig(t, "[Wallet]\nDecimals = 60\n"))
	if err == nil {
		t.Fatal("expected decimals validation error")
	}
}

func TestSecretsResolveFromEnvironment(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[Database]
DSNEnv = "TEST_CFG_DSN"
[Auth]
SecretEnv = "TEST_CFG_JWT"
[GitHub]
ClientSecretEnv = "TEST_CFG_GH"
[Wallet]
SignerKeyEnv = "TEST_CFG_KEY"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := cfg.DatabaseDSN(); err == nil {
		t.Fatal("missing DSN must error")
	}
	if _, err := cfg.AuthSecret(); err == nil {
		t.Fatal("missing auth secret must error")
	}

	t.Setenv("TEST_CFG_DSN", "postgres://localhost/kudos")
	t.Setenv("TEST_CFG_JWT", "sekrit")
	t.Setenv("TEST_CFG_GH", "gh-sekrit")
	t.Setenv("TEST_CFG_KEY", "deadbeef")

	dsn, err := cfg.DatabaseDSN()
	if err != nil || dsn != "postgres://localhost/kudos" {
		t.Fatalf("dsn: %q %v", dsn, err)
	}
	secret, err := cfg.AuthSecret()
	if err != nil || string(secret) != "sekrit" {
		t.Fatalf("auth secret: %q %v", secret, err)
	}
	gh, err := cfg.GitHubClientSecret()
	if err != nil || gh != "gh-sekrit" {
		t.Fatalf("github secret: %q %v", gh, err)
	}
	key, err := cfg.SignerKey()
	if err != nil || key != "deadbeef" {
		t.Fatalf("signer key: %q %v", key, err)
	}
}

func TestDSNFileFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[Database]
DSN = "postgres://file-configured/kudos"
DSNEnv = "TEST_CFG_DSN_UNSET"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dsn, err := cfg.DatabaseDSN()
	if err != nil || dsn != "postgres://file-configured/kudos" {
		t.Fatalf("dsn fallback: %q %v", dsn, err)
	}
}
